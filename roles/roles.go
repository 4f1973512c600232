// Package roles implements the closed Role Registry (C1): the fixed
// catalog of specialist roles a plan may assign to an agent, each carrying
// a system prompt template, the set of tool backends it is allowed to
// reach, and whether it may itself delegate (spawn a nested plan).
//
// The tool_servers mapping is ported from the original coordinator's
// role-to-backend table, restricted to the closed nine-role set; it is
// the single source of truth for which backends the Tool Client (C4)
// will route a given agent's tool calls to.
package roles

import (
	"fmt"

	"github.com/agentmesh/agentmesh/registry"
)

// Role describes one entry in the closed role catalog.
type Role struct {
	Name         string
	SystemPrompt string
	ToolServers  []string
	CanDelegate  bool
}

// catalog is the closed set of built-in roles. Names here are the only
// values a plan's AgentSpec.Role may take; config overrides
// (config.RoleOverride) adjust a role's prompt and tool servers but add
// no names.
var catalog = map[string]Role{
	"researcher": {
		Name:         "researcher",
		SystemPrompt: "You are a researcher. Gather facts and current information relevant to the task using the available tools, and report findings precisely with sources where possible.",
		ToolServers:  []string{"websearch", "github", "memory"},
	},
	"coder": {
		Name:         "coder",
		SystemPrompt: "You are a coder. Write, modify, and run code to accomplish the task, using the filesystem and execution tools available to you.",
		ToolServers:  []string{"filesystem", "github", "python", "database"},
	},
	"analyzer": {
		Name:         "analyzer",
		SystemPrompt: "You are an analyzer. Evaluate the information and outputs provided, identify patterns, and produce a structured assessment.",
		ToolServers:  []string{"websearch", "python", "database", "memory"},
	},
	"writer": {
		Name:         "writer",
		SystemPrompt: "You are a writer. Compose clear, well-structured prose from the inputs provided, without inventing facts not supported by them.",
		ToolServers:  []string{"filesystem", "memory"},
	},
	"retriever": {
		Name:         "retriever",
		SystemPrompt: "You are a retriever. Locate and return the specific stored or indexed information the task requires.",
		ToolServers:  []string{"filesystem", "database", "memory"},
	},
	"planner": {
		Name:         "planner",
		SystemPrompt: "You are a planner. Break the task down and, if needed, delegate sub-parts to a nested plan.",
		ToolServers:  []string{"websearch", "memory"},
		CanDelegate:  true,
	},
	"critic": {
		Name:         "critic",
		SystemPrompt: "You are a critic. Review the prior outputs for correctness, gaps, and risk, and state concrete issues.",
		ToolServers:  []string{"memory"},
	},
	"synthesizer": {
		Name:         "synthesizer",
		SystemPrompt: "You are a synthesizer. Combine the outputs of the agents that ran before you into a single coherent answer to the original query.",
		ToolServers:  []string{"memory"},
	},
	"coordinator": {
		Name:         "coordinator",
		SystemPrompt: "You are a coordinator. Oversee the task and delegate to a nested plan when the remaining work is itself complex.",
		ToolServers:  []string{"websearch", "filesystem", "github", "memory"},
		CanDelegate:  true,
	},
}

// Registry is the closed Role Registry. It is seeded from catalog at
// construction time and optionally extended with config.RoleOverride
// entries (prompt/tool_servers adjustments only — the set of role names
// itself stays closed).
type Registry struct {
	base *registry.BaseRegistry[Role]
}

// New builds a Role Registry seeded with the built-in catalog.
func New() *Registry {
	r := &Registry{base: registry.NewBaseRegistry[Role]()}
	for name, role := range catalog {
		_ = r.base.Register(name, role)
	}
	return r
}

// Override replaces the system prompt and/or tool_servers of an existing
// role. It never introduces a role name outside the closed catalog.
func (r *Registry) Override(name string, systemPrompt string, toolServers []string) error {
	role, ok := r.base.Get(name)
	if !ok {
		return fmt.Errorf("roles: cannot override unknown role %q", name)
	}
	if systemPrompt != "" {
		role.SystemPrompt = systemPrompt
	}
	if len(toolServers) > 0 {
		role.ToolServers = toolServers
	}
	return r.base.Register(name, role)
}

// Get looks up a role by name.
func (r *Registry) Get(name string) (Role, bool) {
	return r.base.Get(name)
}

// Known reports whether name is a catalogued role.
func (r *Registry) Known(name string) bool {
	_, ok := r.base.Get(name)
	return ok
}

// Names returns every catalogued role name, sorted.
func (r *Registry) Names() []string {
	return r.base.Names()
}

// All returns every catalogued role.
func (r *Registry) All() []Role {
	return r.base.List()
}
