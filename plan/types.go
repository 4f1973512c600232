// Package plan implements the Plan Validator (C5) and Planner (C6): it
// turns a planner LLM's raw text into a validated ExecutionPlan, repairing
// malformed JSON, normalizing roles, auto-fixing missing synthesizer
// dependencies and guarding against cyclic or forward dependencies before
// the DAG Scheduler ever sees it.
package plan

import "strconv"

// AgentSpec is one node of an ExecutionPlan: a role assignment with a task
// and a set of indices it depends on.
type AgentSpec struct {
	Index       int    `json:"index"`
	Role        string `json:"role"`
	Task        string `json:"task"`
	DependsOn   []int  `json:"depends_on"`
	CanDelegate bool   `json:"can_delegate"`
}

// AgentID returns the canonical "<role>_<index>" identifier used to key
// agent_outputs and conversation_history entries.
func (a AgentSpec) AgentID() string {
	return a.Role + "_" + strconv.Itoa(a.Index)
}

// ExecutionPlan is a validated, acyclic agent dependency graph.
type ExecutionPlan struct {
	Description string      `json:"description"`
	Agents      []AgentSpec `json:"agents"`
	Depth       int         `json:"depth"`
}

// Outcome is the sum type C5 produces: either a validated plan, or a
// signal to use the deterministic fallback.
type Outcome struct {
	Plan       *ExecutionPlan
	IsFallback bool

	// RejectedRoles lists role names the planner proposed that are not in
	// the closed catalog; the orchestrator records them in the trace.
	RejectedRoles []string
}

