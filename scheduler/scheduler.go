// Package scheduler implements the DAG Scheduler (C7): layered
// topological execution of a validated plan with a global concurrency
// cap, strict layer barriers, dependency-output propagation, and the
// failure semantics that keep a run alive through individual agent
// errors.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/errs"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/plan"
)

// noOutputToken stands in for a missing or empty dependency output in a
// dependent's prompt context. Diagnostic, never fatal.
const noOutputToken = "(no output from previous agent)"

// noFinalOutput is the final answer when even the last agent produced
// nothing.
const noFinalOutput = "No output generated"

// InvokeRequest is everything the Agent Runner needs to execute one
// agent.
type InvokeRequest struct {
	AgentID     string
	Role        string
	Task        string
	DepContext  string
	Query       string
	Layer       int
	TotalLayers int
	Position    int
	TotalAgents int
	Depth       int
	CanDelegate bool
	History     []llms.Message
}

// Invoker runs one agent to completion. Implementations must be safe for
// concurrent use; the scheduler fans a whole layer out against one
// Invoker.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (string, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	return f(ctx, req)
}

// Scheduler executes validated plans. One Scheduler may serve many
// concurrent runs; the semaphore bounds simultaneously active agent
// invocations across all of them.
type Scheduler struct {
	sem         *semaphore.Weighted
	maxParallel int
	log         *slog.Logger
	tracer      trace.Tracer
}

// New creates a Scheduler with the given global concurrency cap.
func New(maxParallel int, log *slog.Logger, tracer trace.Tracer) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Scheduler{
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		maxParallel: maxParallel,
		log:         logging.Component(log, "scheduler"),
		tracer:      tracer,
	}
}

// MaxParallel returns the configured concurrency cap.
func (s *Scheduler) MaxParallel() int { return s.maxParallel }

// Execute runs every layer of the plan in order, fanning each layer out
// under the semaphore and holding the barrier before the next. Individual
// agent failures are recorded and substituted; only cancellation, or a
// plan with no agents, is fatal.
func (s *Scheduler) Execute(ctx context.Context, p *plan.ExecutionPlan, state *State, history []llms.Message, invoker Invoker) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute",
		trace.WithAttributes(
			attribute.Int("plan.agents", len(p.Agents)),
			attribute.Int("plan.depth", p.Depth),
		))
	defer span.End()

	if len(p.Agents) == 0 {
		return errs.New("scheduler", "execute", "plan has no agents", errs.ErrInvalidPlan)
	}

	layers := plan.ComputeLayers(p)
	agentToLayer := make(map[string]int, len(p.Agents))
	for k, layer := range layers {
		for _, i := range layer {
			agentToLayer[p.Agents[i].AgentID()] = k
		}
	}
	state.SetLayout(len(layers), agentToLayer)
	span.SetAttributes(attribute.Int("plan.layers", len(layers)))

	for k, layer := range layers {
		if err := ctx.Err(); err != nil {
			return errs.New("scheduler", "execute", fmt.Sprintf("before layer %d", k), errs.ErrCancelled)
		}

		s.log.Debug("starting layer", "layer", k, "agents", len(layer))
		if err := s.runLayer(ctx, p, state, history, invoker, k, len(layers), layer); err != nil {
			return err
		}
		state.AdvanceLayer(k)
	}

	lastID := p.Agents[len(p.Agents)-1].AgentID()
	final, ok := state.Output(lastID)
	if !ok || final == "" {
		final = noFinalOutput
	}
	state.SetFinalOutput(final)
	return nil
}

// layerResult carries one agent's outcome across the barrier merge.
type layerResult struct {
	agentID string
	role    string
	task    string
	input   string
	output  string
	err     error
	done    time.Time
}

// runLayer executes one layer to completion: single agents run in the
// caller's context, larger layers fan out concurrently. Either way every
// invocation holds one semaphore permit from start to finish, tool and
// LLM round-trips included. Outputs, trace entries and history are merged
// only after the whole layer has finished.
func (s *Scheduler) runLayer(ctx context.Context, p *plan.ExecutionPlan, state *State, history []llms.Message, invoker Invoker, layerIdx, totalLayers int, layer []int) error {
	results := make([]layerResult, len(layer))

	if len(layer) == 1 {
		if err := ctx.Err(); err != nil {
			return errs.New("scheduler", "execute", "before agent dispatch", errs.ErrCancelled)
		}
		results[0] = s.runAgent(ctx, p, state, history, invoker, layerIdx, totalLayers, layer[0])
	} else {
		group, groupCtx := errgroup.WithContext(ctx)
		for pos, agentIdx := range layer {
			if err := ctx.Err(); err != nil {
				return errs.New("scheduler", "execute", "before agent dispatch", errs.ErrCancelled)
			}
			group.Go(func() error {
				results[pos] = s.runAgent(groupCtx, p, state, history, invoker, layerIdx, totalLayers, agentIdx)
				return nil
			})
		}
		// Barrier: nothing in layer k+1 starts until every agent in layer
		// k has produced an output or reported a failure.
		if err := group.Wait(); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return errs.New("scheduler", "execute", "after layer barrier", errs.ErrCancelled)
	}

	for _, res := range results {
		if res.err != nil {
			state.MergeOutput(res.agentID, "Error: "+res.err.Error())
			state.AppendTrace(TraceEvent{
				AgentID:   res.agentID,
				Role:      res.role,
				Layer:     layerIdx,
				Timestamp: res.done,
				Status:    StatusError,
				Error:     res.err.Error(),
			})
		} else {
			state.MergeOutput(res.agentID, res.output)
			state.AppendTrace(TraceEvent{
				AgentID:      res.agentID,
				Role:         res.role,
				Layer:        layerIdx,
				Timestamp:    res.done,
				Status:       StatusCompleted,
				OutputLength: len(res.output),
			})
		}
		state.AppendHistory(HistoryEntry{
			AgentID:      res.agentID,
			Role:         res.role,
			Task:         res.task,
			InputContext: res.input,
			Output:       res.output,
			Layer:        layerIdx,
			Timestamp:    res.done,
		})
	}
	return nil
}

// runAgent acquires a permit, assembles the dependency context and
// invokes the runner. Errors are returned in the result, not raised: the
// run continues.
func (s *Scheduler) runAgent(ctx context.Context, p *plan.ExecutionPlan, state *State, history []llms.Message, invoker Invoker, layerIdx, totalLayers, agentIdx int) layerResult {
	agent := p.Agents[agentIdx]
	res := layerResult{agentID: agent.AgentID(), role: agent.Role, task: agent.Task}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		res.err = errs.New("scheduler", "acquire", "semaphore wait interrupted", errs.ErrCancelled)
		res.done = time.Now()
		return res
	}
	defer s.sem.Release(1)

	res.input = s.dependencyContext(p, state, agent)

	ctx, span := s.tracer.Start(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("agent.id", res.agentID),
			attribute.String("agent.role", agent.Role),
			attribute.Int("agent.layer", layerIdx),
		))
	defer span.End()

	output, err := invoker.Invoke(ctx, InvokeRequest{
		AgentID:     res.agentID,
		Role:        agent.Role,
		Task:        agent.Task,
		DepContext:  res.input,
		Query:       state.Query(),
		Layer:       layerIdx,
		TotalLayers: totalLayers,
		Position:    agentIdx,
		TotalAgents: len(p.Agents),
		Depth:       p.Depth,
		CanDelegate: agent.CanDelegate,
		History:     history,
	})
	res.done = time.Now()
	if err != nil {
		span.RecordError(err)
		s.log.Warn("agent failed", "agent", res.agentID, "layer", layerIdx, "error", err)
		res.err = err
		return res
	}
	res.output = output
	return res
}

// dependencyContext concatenates the outputs of the agent's listed
// dependencies, in order, as "From <agent_id>:" blocks separated by blank
// lines. Dependencies live in earlier layers, so their outputs were
// merged behind a barrier and these reads race nothing.
func (s *Scheduler) dependencyContext(p *plan.ExecutionPlan, state *State, agent plan.AgentSpec) string {
	if len(agent.DependsOn) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(agent.DependsOn))
	for _, dep := range agent.DependsOn {
		if dep < 0 || dep >= len(p.Agents) {
			continue
		}
		depID := p.Agents[dep].AgentID()
		output, ok := state.Output(depID)
		if !ok || output == "" {
			output = noOutputToken
		}
		blocks = append(blocks, fmt.Sprintf("From %s:\n%s", depID, output))
	}
	return strings.Join(blocks, "\n\n")
}
