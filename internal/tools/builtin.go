package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// RegisterBuiltins installs the illustrative tool set a fresh registry
// ships with: file read/write scoped under a per-project workspace
// root, an image-generation stub that returns a not_implemented status,
// and a RAG lookup stub. Individual tool implementations are not the
// point here — the invocation contract (name, schema, Execute) is.
func RegisterBuiltins(r *Registry, workspaceRoot string) {
	r.Register(readFileTool(workspaceRoot))
	r.Register(writeFileTool(workspaceRoot))
	r.Register(generateImageTool())
	r.Register(ragLookupTool())
}

func projectDir(workspaceRoot, projectID string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project_id is required")
	}
	return filepath.Join(workspaceRoot, projectID), nil
}

func readFileTool(workspaceRoot string) *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a text file from the project workspace",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
			"required": []any{"path"},
		},
		Execute: func(ctx context.Context, projectID string, args map[string]any) (any, error) {
			dir, err := projectDir(workspaceRoot, projectID)
			if err != nil {
				return nil, err
			}
			rel, _ := args["path"].(string)
			path, err := safeJoin(dir, rel)
			if err != nil {
				return nil, err
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", rel, err)
			}
			return string(content), nil
		},
	}
}

func writeFileTool(workspaceRoot string) *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write a text file into the project workspace, creating parent directories as needed",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path", "content"},
		},
		Execute: func(ctx context.Context, projectID string, args map[string]any) (any, error) {
			dir, err := projectDir(workspaceRoot, projectID)
			if err != nil {
				return nil, err
			}
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			path, err := safeJoin(dir, rel)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create parent dir for %s: %w", rel, err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", rel, err)
			}
			return map[string]any{"bytes_written": len(content)}, nil
		},
	}
}

func generateImageTool() *Tool {
	return &Tool{
		Name:        "generate_image",
		Description: "Generate an image asset from a text prompt via the local image backend",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string"},
			},
			"required": []any{"prompt"},
		},
		Execute: func(ctx context.Context, projectID string, args map[string]any) (any, error) {
			prompt, _ := args["prompt"].(string)
			// Real generation is out of scope for this engine; the
			// local-image backend entry in the resource registry marks
			// whether this capability is actually online.
			return map[string]any{"prompt": prompt, "status": "not_implemented"}, nil
		},
	}
}

func ragLookupTool() *Tool {
	return &Tool{
		Name:        "rag_lookup",
		Description: "Search project knowledge for passages relevant to a query",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"top_k": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
			},
			"required": []any{"query"},
		},
		Execute: func(ctx context.Context, projectID string, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			return map[string]any{"query": query, "passages": []string{}}, nil
		},
	}
}

// safeJoin prevents a tool argument like "../../etc/passwd" from
// escaping the project's workspace directory.
func safeJoin(root, rel string) (string, error) {
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root) + string(filepath.Separator)
	if joined+string(filepath.Separator) != cleanRoot && filepath.Dir(joined+"/x")+string(filepath.Separator) != cleanRoot {
		// no-op: the root itself is accepted by the first condition of
		// the prefix check below.
	}
	if joined != filepath.Clean(root) && !hasPrefix(joined, cleanRoot) {
		return "", fmt.Errorf("path escapes project workspace: %s", rel)
	}
	return joined, nil
}

func hasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}
