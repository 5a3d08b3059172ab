package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/taskforge/internal/backend"
	"github.com/user/taskforge/internal/store"
)

func localRegistry(t *testing.T, baseURL string) *backend.Registry {
	t.Helper()
	dir := t.TempDir()
	yaml := fmt.Sprintf(`id: test-ollama
name: Test Ollama
kind: local_llm
check_mode: tcp
tcp_addr: 127.0.0.1:1
base_url: %s
default_model: testmodel
tiers: ["ollama"]
`, baseURL)
	if err := os.WriteFile(filepath.Join(dir, "test.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write backend yaml error = %v", err)
	}
	r, err := backend.NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestLocalRun(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{
			Response:        "local says hi",
			PromptEvalCount: 42,
			EvalCount:       17,
		})
	}))
	defer srv.Close()

	runner := NewLocal(srv.Client(), localRegistry(t, srv.URL), newBudget(t, 0))
	task := testTask()
	task.ModelTier = store.TierOllama

	result, err := runner.Run(context.Background(), task, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Output != "local says hi" {
		t.Errorf("output = %q", result.Output)
	}
	if result.PromptTokens != 42 || result.CompletionTokens != 17 {
		t.Errorf("tokens = %d/%d, want 42/17", result.PromptTokens, result.CompletionTokens)
	}
	if result.CostUSD != 0 {
		t.Errorf("cost = %v, want 0 for local inference", result.CostUSD)
	}
	if result.ModelUsed != "testmodel" {
		t.Errorf("model_used = %q", result.ModelUsed)
	}
	if gotReq.Model != "testmodel" || gotReq.Prompt != "do it" || gotReq.Stream {
		t.Errorf("request = %+v", gotReq)
	}
	if gotReq.System == "" {
		t.Errorf("system prompt not sent")
	}
}

func TestLocalRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	runner := NewLocal(srv.Client(), localRegistry(t, srv.URL), newBudget(t, 0))
	task := testTask()
	task.ModelTier = store.TierOllama

	_, err := runner.Run(context.Background(), task, 0)
	var httpErr *HTTPStatusError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want HTTPStatusError", err)
	}
	if httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", httpErr.StatusCode)
	}
}

func TestLocalRunNoBackend(t *testing.T) {
	runner := NewLocal(nil, localRegistry(t, "http://127.0.0.1:1"), newBudget(t, 0))
	task := testTask()
	task.ModelTier = store.TierSonnet // no local backend serves a paid tier

	if _, err := runner.Run(context.Background(), task, 0); err == nil {
		t.Fatalf("Run() succeeded without a matching backend")
	}
}
