// Package llm wraps the Anthropic Messages API behind the narrow
// chat-with-tools surface the Planner, the Remote Tool Agent, and the
// Verifier share: one non-streaming call in, text and tool_use blocks
// out, token usage attached.
package llm

import (
	"context"
)

// Block is one content block in a message or response: plain text, a
// tool invocation requested by the model, or a tool result fed back.
type Block struct {
	Type string // "text", "tool_use", "tool_result"

	Text string

	ToolID    string
	ToolName  string
	ToolInput map[string]any

	ToolResult  string
	ResultError bool
}

func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

func ToolResultBlock(toolID, result string, isError bool) Block {
	return Block{Type: "tool_result", ToolID: toolID, ToolResult: result, ResultError: isError}
}

type Message struct {
	Role   string // "user" or "assistant"
	Blocks []Block
}

// ToolDef describes one tool advertised to the model, matching the
// registry's invocation contract.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

type Response struct {
	Blocks       []Block
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// HasToolUse reports whether any block in the response is a tool
// invocation; the agent loop breaks when a round has none.
func (r *Response) HasToolUse() bool {
	for _, b := range r.Blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// Text concatenates the text blocks of a response in order.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Client is the one-call contract both runner variants depend on.
// Satisfied by *Anthropic in production and by fakes in tests.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
