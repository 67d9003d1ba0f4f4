package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited marks a reasoning failure caused by provider rate limiting.
// Runners map it to the rate_limited worker state with backoff instead of
// blocking the worker.
var ErrRateLimited = errors.New("engine: reasoner rate limited")

// Reasoner is the opaque reasoning capability driven by the runner. Each
// Step is one turn: it sees the rendered context plus every earlier exchange
// of the cycle and answers with text and/or tool calls.
type Reasoner interface {
	Step(ctx context.Context, req StepRequest) (*StepResponse, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, req StepRequest) (*StepResponse, error)

// Step calls f.
func (f ReasonerFunc) Step(ctx context.Context, req StepRequest) (*StepResponse, error) {
	return f(ctx, req)
}

// StepRequest is the input of one reasoning turn.
type StepRequest struct {
	CycleID  string     `json:"cycle_id"`
	WorkerID string     `json:"worker_id"`
	Model    string     `json:"model,omitempty"`
	Turn     int        `json:"turn"`
	MaxTurns int        `json:"max_turns"`
	System   string     `json:"system"`
	WIP      string     `json:"wip,omitempty"`
	Tools    []ToolSpec `json:"tools"`
	History  []Exchange `json:"history,omitempty"`
}

// StepResponse is the output of one reasoning turn. A response without tool
// calls, or with Done set, ends the cycle after its calls run.
type StepResponse struct {
	Text  string     `json:"text,omitempty"`
	Calls []ToolCall `json:"calls,omitempty"`
	Done  bool       `json:"done,omitempty"`
	Model string     `json:"model,omitempty"`
	Usage Usage      `json:"usage"`
}

// Usage is token accounting reported by the reasoner.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Exchange is one completed turn as replayed to the reasoner.
type Exchange struct {
	Text    string       `json:"text,omitempty"`
	Calls   []ToolCall   `json:"calls,omitempty"`
	Results []ToolResult `json:"results,omitempty"`
}

// ToolCall is a tool invocation requested by the reasoner.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult answers a ToolCall. A non-empty Error is a soft failure the
// reasoner can react to; it does not end the cycle.
type ToolResult struct {
	CallID string `json:"call_id"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolSpec describes a tool in the catalog offered to the reasoner.
type ToolSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
}

// MemoryStore is the external long-term memory. Payloads are passed through
// without interpretation.
type MemoryStore interface {
	Remember(ctx context.Context, workerID string, payload json.RawMessage) (string, error)
	Recall(ctx context.Context, workerID string, payload json.RawMessage) (string, error)
}
