package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &sdk.Error{StatusCode: 429}, true},
		{"request timeout", &sdk.Error{StatusCode: 408}, true},
		{"overloaded", &sdk.Error{StatusCode: 529}, true},
		{"internal", &sdk.Error{StatusCode: 500}, true},
		{"bad gateway", &sdk.Error{StatusCode: 502}, true},
		{"bad request", &sdk.Error{StatusCode: 400}, false},
		{"unauthorized", &sdk.Error{StatusCode: 401}, false},
		{"not found", &sdk.Error{StatusCode: 404}, false},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped api error", fmt.Errorf("round 3: %w", &sdk.Error{StatusCode: 503}), true},
		{"plain error", errors.New("logic bug"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Transient(tc.err); got != tc.want {
				t.Fatalf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestResponseHelpers(t *testing.T) {
	resp := &Response{Blocks: []Block{
		TextBlock("first"),
		{Type: "tool_use", ToolID: "tu1", ToolName: "echo"},
		TextBlock("second"),
	}}
	if !resp.HasToolUse() {
		t.Errorf("HasToolUse() = false")
	}
	if got := resp.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q", got)
	}

	empty := &Response{Blocks: []Block{TextBlock("only")}}
	if empty.HasToolUse() {
		t.Errorf("HasToolUse() = true for text-only response")
	}
}
