package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentmesh/agentmesh/complexity"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/roles"
	"github.com/agentmesh/agentmesh/tokens"
)

// historyTail caps how many prior conversation turns travel in the
// planning prompt.
const historyTail = 4

// Planner (C6) asks the planning model for a dependency graph of
// specialist agents and funnels whatever comes back through the
// Validator. It never fails: any planning error degrades to the
// deterministic fallback plan.
type Planner struct {
	adapter   llms.Adapter
	validator *Validator
	roles     *roles.Registry
	log       *slog.Logger
	tracer    trace.Tracer
}

// NewPlanner wires a Planner. The adapter should be configured with a low
// temperature; planning wants determinism, not creativity. A nil tracer
// disables span emission.
func NewPlanner(adapter llms.Adapter, validator *Validator, reg *roles.Registry, log *slog.Logger, tracer trace.Tracer) *Planner {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Planner{
		adapter:   adapter,
		validator: validator,
		roles:     reg,
		log:       logging.Component(log, "planner"),
		tracer:    tracer,
	}
}

// Plan produces a validated ExecutionPlan for the query. Planning token
// usage is accounted to the tracker's planning bucket. The returned
// Outcome is always usable; IsFallback marks the degraded path.
func (p *Planner) Plan(ctx context.Context, query string, history []llms.Message, depth int, tracker *tokens.Tracker) Outcome {
	ctx, span := p.tracer.Start(ctx, "planner.plan",
		trace.WithAttributes(
			attribute.Int("plan.depth", depth),
			attribute.Int("query.length", len(query)),
		))
	defer span.End()

	maxDepth := complexity.Analyze(query)
	messages := p.buildMessages(query, history, maxDepth, depth)

	completion, err := p.adapter.Generate(ctx, messages, nil)
	if err != nil {
		p.log.Warn("planning call failed, using fallback", "error", err)
		span.RecordError(err)
		return p.validator.Validate("", query, depth)
	}
	if tracker != nil {
		tracker.AddPlanning(tokens.FromCompletion(completion.Usage))
	}

	outcome := p.validator.Validate(completion.Text, query, depth)
	span.SetAttributes(
		attribute.Bool("plan.fallback", outcome.IsFallback),
		attribute.Int("plan.agents", len(outcome.Plan.Agents)),
	)
	p.log.Info("plan produced",
		"agents", len(outcome.Plan.Agents),
		"fallback", outcome.IsFallback,
		"depth", depth,
		"complexity_depth", maxDepth)
	return outcome
}

// buildMessages assembles the planning exchange: a system prompt with the
// closed role set, strict JSON instructions and a worked example, then a
// user turn carrying the recent history and the query.
func (p *Planner) buildMessages(query string, history []llms.Message, maxDepth, depth int) []llms.Message {
	var sb strings.Builder
	sb.WriteString("You are a task planner for a multi-agent system. ")
	sb.WriteString("Decompose the user's query into a dependency graph of specialist agents.\n\n")

	sb.WriteString("Available roles (use ONLY these):\n")
	for _, role := range p.roles.All() {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", role.Name, firstSentence(role.SystemPrompt)))
	}

	sb.WriteString(fmt.Sprintf("\nComplexity budget: use at most %d layers of dependent agents", maxDepth))
	if depth > 0 {
		sb.WriteString(fmt.Sprintf(" (this is a nested plan at recursion level %d; keep it small)", depth))
	}
	sb.WriteString(".\n\n")

	sb.WriteString("Rules:\n")
	sb.WriteString("- Respond with JSON only. No prose, no markdown fences.\n")
	sb.WriteString("- Shape: {\"description\": \"...\", \"agents\": [{\"role\": \"...\", \"task\": \"...\", \"depends_on\": [indices]}]}\n")
	sb.WriteString("- depends_on lists earlier agents (by 0-based position) whose output this agent needs.\n")
	sb.WriteString("- Agents with no mutual dependencies run in parallel; exploit that.\n")
	sb.WriteString("- The last agent's output is the final answer; end with a synthesizer when multiple threads need combining.\n\n")

	sb.WriteString("Example for \"Compare Python and Rust for systems programming\":\n")
	sb.WriteString(`{"description": "Compare the two languages", "agents": [`)
	sb.WriteString(`{"role": "researcher", "task": "Research Python's systems programming capabilities", "depends_on": []}, `)
	sb.WriteString(`{"role": "researcher", "task": "Research Rust's systems programming capabilities", "depends_on": []}, `)
	sb.WriteString(`{"role": "synthesizer", "task": "Combine both research threads into a comparison", "depends_on": [0, 1]}]}`)

	var user strings.Builder
	if tail := tailMessages(history, historyTail); len(tail) > 0 {
		user.WriteString("Recent conversation:\n")
		for _, m := range tail {
			user.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		}
		user.WriteString("\n")
	}
	user.WriteString("Query: ")
	user.WriteString(query)

	return []llms.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user.String()},
	}
}

func tailMessages(history []llms.Message, n int) []llms.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i != -1 {
		return s[:i+1]
	}
	return s
}
