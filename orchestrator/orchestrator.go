// Package orchestrator wires the execution engine end to end: complexity
// scoring, planning, validation, layered scheduling and agent running,
// returning one RunResult per query. It also serves as the delegation
// target for coordinator-class agents, executing nested plans at
// depth + 1.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/errs"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/plan"
	"github.com/agentmesh/agentmesh/roles"
	"github.com/agentmesh/agentmesh/runner"
	"github.com/agentmesh/agentmesh/scheduler"
	"github.com/agentmesh/agentmesh/tokens"
	"github.com/agentmesh/agentmesh/toolclient"
)

// RunResult is what a successful run returns to the caller.
type RunResult struct {
	FinalOutput         string                   `json:"final_output"`
	AgentCount          int                      `json:"agent_count"`
	LayerCount          int                      `json:"layer_count"`
	ExecutionTrace      []scheduler.TraceEvent   `json:"execution_trace"`
	ConversationHistory []scheduler.HistoryEntry `json:"conversation_history"`
	SessionID           string                   `json:"session_id"`
	Tokens              tokens.Summary           `json:"tokens"`
	UsedFallbackPlan    bool                     `json:"used_fallback_plan"`
	DurationMS          int64                    `json:"duration_ms"`
}

// Orchestrator owns the long-lived pieces (planner, scheduler, registries,
// tool client) and creates per-run state on each Run call. One
// Orchestrator serves any number of concurrent runs; the scheduler's
// semaphore is the shared cap across them.
type Orchestrator struct {
	planner *plan.Planner
	sched   *scheduler.Scheduler
	adapter llms.Adapter
	tools   *toolclient.Client
	roles   *roles.Registry
	cfg     config.SchedulerConfig
	log     *slog.Logger
	tracer  trace.Tracer
}

// Options wires an Orchestrator. Tools may be nil when no gateway is
// configured; agents then run tool-less.
type Options struct {
	Adapter llms.Adapter
	Tools   *toolclient.Client
	Roles   *roles.Registry
	Config  config.SchedulerConfig
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// New builds the orchestrator and its planner/scheduler internals.
func New(opts Options) *Orchestrator {
	opts.Config.SetDefaults()
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	validator := plan.NewValidator(opts.Roles, opts.Logger)
	return &Orchestrator{
		planner: plan.NewPlanner(opts.Adapter, validator, opts.Roles, opts.Logger, tracer),
		sched:   scheduler.New(opts.Config.MaxParallelAgents, opts.Logger, tracer),
		adapter: opts.Adapter,
		tools:   opts.Tools,
		roles:   opts.Roles,
		cfg:     opts.Config,
		log:     logging.Component(opts.Logger, "orchestrator"),
		tracer:  tracer,
	}
}

// Run answers one query: plan, schedule, execute, collect.
func (o *Orchestrator) Run(ctx context.Context, query string, history []llms.Message) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("orchestrator", "run", "before planning", errs.ErrCancelled)
	}

	sessionID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	start := time.Now()
	tracker := tokens.New()

	outcome := o.planner.Plan(ctx, query, history, 0, tracker)
	state := scheduler.NewState(query, sessionID)
	for _, rejectedRole := range outcome.RejectedRoles {
		state.AppendTrace(scheduler.TraceEvent{
			AgentID:   rejectedRole + "_rejected",
			Role:      rejectedRole,
			Timestamp: time.Now(),
			Status:    scheduler.StatusRejectedRole,
			Error:     fmt.Sprintf("role %q is not in the catalog", rejectedRole),
		})
	}

	run := o.newRunner(tracker, history)
	if err := o.sched.Execute(ctx, outcome.Plan, state, history, run); err != nil {
		// Scheduler-level faults are fatal; attach the partial trace.
		return &RunResult{
			ExecutionTrace:      state.Trace(),
			ConversationHistory: state.History(),
			SessionID:           sessionID,
			Tokens:              tracker.Summary(),
			UsedFallbackPlan:    outcome.IsFallback,
			DurationMS:          time.Since(start).Milliseconds(),
		}, err
	}

	result := &RunResult{
		FinalOutput:         state.FinalOutput(),
		AgentCount:          len(outcome.Plan.Agents),
		LayerCount:          state.TotalLayers(),
		ExecutionTrace:      state.Trace(),
		ConversationHistory: state.History(),
		SessionID:           sessionID,
		Tokens:              tracker.Summary(),
		UsedFallbackPlan:    outcome.IsFallback,
		DurationMS:          time.Since(start).Milliseconds(),
	}
	o.log.Info("run completed",
		"session", sessionID,
		"agents", result.AgentCount,
		"layers", result.LayerCount,
		"fallback", result.UsedFallbackPlan,
		"duration_ms", result.DurationMS)
	return result, nil
}

// newRunner builds the per-run Agent Runner, with this orchestrator as
// the delegation target.
func (o *Orchestrator) newRunner(tracker *tokens.Tracker, history []llms.Message) *runner.Runner {
	return runner.New(runner.Options{
		Adapter:       o.adapter,
		Tools:         o.tools,
		Roles:         o.roles,
		Tracker:       tracker,
		MaxDepth:      o.cfg.MaxDepth,
		ContextClip:   o.cfg.ContextClipChars,
		HistoryLimit:  o.cfg.HistoryMessages,
		MaxToolRounds: o.cfg.MaxToolRounds,
		Logger:        o.log,
		Tracer:        o.tracer,
		Delegate: func(ctx context.Context, query string, subtasks []runner.Subtask, depth int) ([]string, error) {
			return o.runSubtasks(ctx, query, subtasks, depth, tracker, history)
		},
	})
}

// runSubtasks executes a delegation request as a nested plan: the
// subtasks become independent agents (unknown roles dropped), scheduled
// at depth+1 under the same global semaphore and token tracker.
func (o *Orchestrator) runSubtasks(ctx context.Context, query string, subtasks []runner.Subtask, depth int, tracker *tokens.Tracker, history []llms.Message) ([]string, error) {
	var agents []plan.AgentSpec
	for _, subtask := range subtasks {
		role, ok := o.roles.Get(subtask.Role)
		if !ok {
			o.log.Warn("dropping delegated subtask with unknown role", "role", subtask.Role)
			continue
		}
		agents = append(agents, plan.AgentSpec{
			Index:       len(agents),
			Role:        role.Name,
			Task:        subtask.Task,
			CanDelegate: role.CanDelegate,
		})
	}
	if len(agents) == 0 {
		return nil, errs.New("orchestrator", "delegate", "no valid subtasks", errs.ErrInvalidPlan)
	}
	if len(agents) > 5 {
		agents = agents[:5]
	}

	nested := &plan.ExecutionPlan{
		Description: "delegated subtasks",
		Agents:      agents,
		Depth:       depth,
	}
	state := scheduler.NewState(query, uuid.NewString())
	if err := o.sched.Execute(ctx, nested, state, history, o.newRunner(tracker, history)); err != nil {
		return nil, err
	}

	outputs := make([]string, len(agents))
	for i, agent := range agents {
		output, ok := state.Output(agent.AgentID())
		if !ok {
			output = ""
		}
		outputs[i] = output
	}
	return outputs, nil
}
