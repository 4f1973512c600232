// Package runner implements the Agent Runner (C8): one agent invocation
// from prompt assembly through the tool-calling loop to the final text,
// with optional delegation to a nested plan for coordinator-class roles.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentmesh/agentmesh/errs"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/roles"
	"github.com/agentmesh/agentmesh/scheduler"
	"github.com/agentmesh/agentmesh/tokens"
	"github.com/agentmesh/agentmesh/toolclient"
)

// Subtask is one entry of a delegation request.
type Subtask struct {
	Role string `json:"role"`
	Task string `json:"task"`
}

// DelegateFunc executes a nested plan built from the subtasks at
// depth+1, in service of the given originating query, and returns the
// collected final outputs, one per subtask.
type DelegateFunc func(ctx context.Context, query string, subtasks []Subtask, depth int) ([]string, error)

// Options wires a Runner. Tools may be nil (no gateway configured);
// Delegate may be nil (delegation disabled).
type Options struct {
	Adapter       llms.Adapter
	Tools         *toolclient.Client
	Roles         *roles.Registry
	Tracker       *tokens.Tracker
	Delegate      DelegateFunc
	MaxDepth      int
	ContextClip   int // per-message clip, characters, for quoted history
	HistoryLimit  int // trailing history messages carried into the prompt
	MaxToolRounds int
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

// Runner executes agents for one run. It is safe for concurrent use; the
// scheduler fans whole layers out against a single Runner.
type Runner struct {
	opts   Options
	log    *slog.Logger
	tracer trace.Tracer
}

// New builds a Runner, filling unset limits with their defaults.
func New(opts Options) *Runner {
	if opts.ContextClip <= 0 {
		opts.ContextClip = 150
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 4
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 4
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runner{
		opts:   opts,
		log:    logging.Component(opts.Logger, "runner"),
		tracer: tracer,
	}
}

// Invoke runs one agent to completion and returns its output text.
func (r *Runner) Invoke(ctx context.Context, req scheduler.InvokeRequest) (string, error) {
	role, ok := r.opts.Roles.Get(req.Role)
	if !ok {
		return "", errs.New("runner", "invoke", fmt.Sprintf("role %q", req.Role), errs.ErrRoleUnknown)
	}

	messages := r.buildMessages(role, req)

	var tools []llms.ToolDefinition
	if r.opts.Tools != nil && len(role.ToolServers) > 0 {
		tools = r.opts.Tools.ToolsForRole(ctx, role)
	}

	text, err := r.generateWithTools(ctx, req, messages, tools)
	if err != nil {
		return "", err
	}

	if req.CanDelegate && r.opts.Delegate != nil {
		if delegated, handled, err := r.maybeDelegate(ctx, req, text); handled {
			return delegated, err
		}
	}
	return text, nil
}

// buildMessages assembles the two-message exchange: the role's system
// prompt, and a user message carrying the original query, a clipped tail
// of conversation history, the dependency context, and the task.
func (r *Runner) buildMessages(role roles.Role, req scheduler.InvokeRequest) []llms.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original query: %s\n\n", req.Query)

	if tail := tailHistory(req.History, r.opts.HistoryLimit); len(tail) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range tail {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, clip(m.Content, r.opts.ContextClip))
		}
		sb.WriteString("\n")
	}

	if req.DepContext != "" {
		fmt.Fprintf(&sb, "Input from previous agents:\n%s\n\n", req.DepContext)
	}

	fmt.Fprintf(&sb, "You are agent %d of %d, in layer %d of %d.\n",
		req.Position+1, req.TotalAgents, req.Layer+1, req.TotalLayers)
	fmt.Fprintf(&sb, "Your task: %s", req.Task)

	return []llms.Message{
		{Role: "system", Content: role.SystemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// generateWithTools drives the tool-calling loop: execute every requested
// tool through the gateway client, feed the results back, and repeat
// until the model answers in text or the round budget runs out. Tool
// failures become tool-result strings, never agent failures.
func (r *Runner) generateWithTools(ctx context.Context, req scheduler.InvokeRequest, messages []llms.Message, tools []llms.ToolDefinition) (string, error) {
	for round := 0; ; round++ {
		completion, err := r.opts.Adapter.Generate(ctx, messages, tools)
		if err != nil {
			return "", errs.New("runner", "generate", req.AgentID, errs.ErrLLMError)
		}
		if r.opts.Tracker != nil {
			r.opts.Tracker.AddAgent(req.AgentID, req.Role, tokens.FromCompletion(completion.Usage))
		}

		if len(completion.ToolCalls) == 0 || round >= r.opts.MaxToolRounds {
			return completion.Text, nil
		}

		messages = append(messages, llms.Message{
			Role:      "assistant",
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			result := r.executeToolCall(ctx, req, call)
			messages = append(messages, llms.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
}

func (r *Runner) executeToolCall(ctx context.Context, req scheduler.InvokeRequest, call llms.ToolCall) string {
	result, err := r.opts.Tools.ExecuteQualified(ctx, call.Name, call.Arguments)
	if err != nil {
		r.log.Warn("tool call failed", "agent", req.AgentID, "tool", call.Name, "error", err)
		return fmt.Sprintf("Tool error: %v", err)
	}
	return result
}

// delegationRequest is the shape a delegating agent emits instead of
// free text when it wants a nested plan.
type delegationRequest struct {
	NeedsDelegation bool      `json:"needs_delegation"`
	Subtasks        []Subtask `json:"subtasks"`
}

// maybeDelegate inspects the agent's output for a delegation request.
// handled is false when the output is ordinary text; depth limits turn a
// request into a refusal note rather than an error.
func (r *Runner) maybeDelegate(ctx context.Context, req scheduler.InvokeRequest, text string) (string, bool, error) {
	var dr delegationRequest
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &dr); err != nil {
		return "", false, nil
	}
	if !dr.NeedsDelegation || len(dr.Subtasks) == 0 {
		return "", false, nil
	}

	if req.Depth+1 >= r.opts.MaxDepth {
		r.log.Warn("delegation refused at depth limit", "agent", req.AgentID, "depth", req.Depth)
		return "Delegation depth limit reached; answering directly is required.", true, nil
	}

	r.log.Info("delegating", "agent", req.AgentID, "subtasks", len(dr.Subtasks), "depth", req.Depth+1)
	outputs, err := r.opts.Delegate(ctx, req.Query, dr.Subtasks, req.Depth+1)
	if err != nil {
		return "", true, err
	}
	return r.synthesizeDelegated(ctx, req, dr.Subtasks, outputs)
}

// synthesizeDelegated folds the nested runs' outputs into one answer
// with a single further LLM call.
func (r *Runner) synthesizeDelegated(ctx context.Context, req scheduler.InvokeRequest, subtasks []Subtask, outputs []string) (string, bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original query: %s\n\nYour task was: %s\n\n", req.Query, req.Task)
	sb.WriteString("You delegated the work; the subtask results follow. Combine them into a single answer to your task.\n\n")
	for i, subtask := range subtasks {
		output := "(no output)"
		if i < len(outputs) && outputs[i] != "" {
			output = outputs[i]
		}
		fmt.Fprintf(&sb, "Subtask %d (%s): %s\nResult:\n%s\n\n", i+1, subtask.Role, subtask.Task, output)
	}

	completion, err := r.opts.Adapter.Generate(ctx, []llms.Message{
		{Role: "system", Content: "You combine delegated subtask results into one coherent answer."},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return "", true, errs.New("runner", "synthesize", req.AgentID, errs.ErrLLMError)
	}
	if r.opts.Tracker != nil {
		r.opts.Tracker.AddAgent(req.AgentID, req.Role, tokens.FromCompletion(completion.Usage))
	}
	return completion.Text, true, nil
}

func tailHistory(history []llms.Message, n int) []llms.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
