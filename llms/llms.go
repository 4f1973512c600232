// Package llms defines the LLM Adapter contract the Agent Runner (C8) and
// Planner (C6) use to talk to a model, plus concrete provider
// implementations. The interface and wire-format handling are adapted
// from the teacher's Anthropic/OpenAI providers, generalized so a single
// Adapter contract covers both: tool-calling aware, exposing raw token
// usage for the Token Accounting component instead of a bare int count.
package llms

import (
	"context"
)

// Message is one turn in a conversation sent to the model.
type Message struct {
	Role       string     // "system" | "user" | "assistant" | "tool"
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that invoked tools
	ToolCallID string     // set on tool-result messages
	Name       string     // tool name, set on tool-result messages
}

// ToolDefinition describes a callable tool in JSON-Schema terms, handed to
// the model so it can decide whether to call it.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON Schema
}

// ToolCall is a model-requested invocation of one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
	RawArgs   string
}

// Usage is the raw token breakdown as returned in provider-native field
// names, left to the tokens package to normalize.
type Usage map[string]interface{}

// Completion is the result of one non-streaming Generate call.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Adapter is the contract every LLM provider implementation satisfies.
type Adapter interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (Completion, error)
	ModelName() string
	Close() error
}
