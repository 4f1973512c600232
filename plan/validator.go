package plan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/roles"
)

// Agent-count caps: generous at the root, tighter once a delegation has
// already multiplied the fan-out.
const (
	maxAgentsRoot   = 10
	maxAgentsNested = 5
)

// Markers in the query that suggest the answer needs fresh information,
// steering the fallback plan toward a researcher instead of a bare
// analyzer.
var freshnessMarkers = []string{"current", "latest", "today", "news", "weather", "now"}

// Validator turns a planner LLM's raw output into a validated
// ExecutionPlan, or signals the deterministic fallback.
type Validator struct {
	roles *roles.Registry
	log   *slog.Logger
}

// NewValidator builds a Validator over the given role registry.
func NewValidator(reg *roles.Registry, log *slog.Logger) *Validator {
	return &Validator{roles: reg, log: logging.Component(log, "validator")}
}

// rawAgent is the loosely-typed shape one planner agent entry decodes
// into. WeaklyTypedInput handles the scalar and numeric-string depends_on
// variants models actually emit.
type rawAgent struct {
	Role      string `mapstructure:"role"`
	Task      string `mapstructure:"task"`
	DependsOn []int  `mapstructure:"depends_on"`
}

// Validate runs the full pipeline over the planner's raw output: JSON
// extraction and repair, shape check, role normalization, cap,
// synthesizer auto-fix, forward/self-dependency validation with one
// reshape attempt, and a final cycle guard. The query is needed only to
// choose the fallback plan's shape.
func (v *Validator) Validate(raw, query string, depth int) Outcome {
	parsed, ok := extractJSON(raw)
	if !ok {
		v.log.Warn("plan JSON unrecoverable, using fallback")
		return v.fallback(query, depth, nil)
	}

	rawAgents, ok := parsed["agents"].([]interface{})
	if !ok || len(rawAgents) == 0 {
		v.log.Warn("plan missing agents array, using fallback")
		return v.fallback(query, depth, nil)
	}

	description, _ := parsed["description"].(string)

	agents, rejected := v.normalizeAgents(rawAgents)
	if len(agents) == 0 {
		v.log.Warn("no valid agents after normalization, using fallback", "rejected_roles", rejected)
		return v.fallback(query, depth, rejected)
	}

	limit := maxAgentsRoot
	if depth > 0 {
		limit = maxAgentsNested
	}
	if len(agents) > limit {
		agents = clampDeps(agents[:limit])
	}

	autoFixSynthesizers(agents)

	if !depsValid(agents) {
		agents = reshape(agents)
		if !depsValid(agents) {
			v.log.Warn("forward or self dependency survived reshape, using fallback")
			return v.fallback(query, depth, rejected)
		}
	}

	p := &ExecutionPlan{Description: description, Agents: agents, Depth: depth}

	// deps strictly below the index make cycles impossible, but the
	// layering guard keeps the invariant local rather than inferred.
	if _, acyclic := Layers(p); !acyclic {
		v.log.Warn("cycle detected after validation, degrading to sequential layering")
	}

	return Outcome{Plan: p, RejectedRoles: rejected}
}

// normalizeAgents lowercases roles, drops unknown-role and incomplete
// entries, coerces depends_on, and reindexes the survivors while
// remapping their dependencies through the drops.
func (v *Validator) normalizeAgents(rawAgents []interface{}) ([]AgentSpec, []string) {
	var rejected []string

	type kept struct {
		origIndex int
		agent     AgentSpec
	}
	var survivors []kept

	for i, entry := range rawAgents {
		var ra rawAgent
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &ra,
			WeaklyTypedInput: true,
		})
		if err != nil {
			continue
		}
		if err := decoder.Decode(entry); err != nil {
			v.log.Debug("dropping undecodable agent entry", "position", i, "error", err)
			continue
		}

		ra.Role = strings.ToLower(strings.TrimSpace(ra.Role))
		if ra.Role == "" || strings.TrimSpace(ra.Task) == "" {
			continue
		}
		role, known := v.roles.Get(ra.Role)
		if !known {
			rejected = append(rejected, ra.Role)
			v.log.Warn("dropping agent with unknown role", "role", ra.Role, "position", i)
			continue
		}

		survivors = append(survivors, kept{
			origIndex: i,
			agent: AgentSpec{
				Role:        ra.Role,
				Task:        strings.TrimSpace(ra.Task),
				DependsOn:   ra.DependsOn,
				CanDelegate: role.CanDelegate,
			},
		})
	}

	// Remap dependencies through the dropped entries: a dep pointing at a
	// dropped agent is itself dropped (diagnosed, not fatal).
	newIndex := make(map[int]int, len(survivors))
	for newIdx, k := range survivors {
		newIndex[k.origIndex] = newIdx
	}

	agents := make([]AgentSpec, len(survivors))
	for newIdx, k := range survivors {
		agent := k.agent
		agent.Index = newIdx
		var deps []int
		for _, dep := range agent.DependsOn {
			if mapped, ok := newIndex[dep]; ok {
				deps = append(deps, mapped)
			}
		}
		agent.DependsOn = deps
		agents[newIdx] = agent
	}
	return agents, rejected
}

// clampDeps drops dependency references beyond a truncation point.
func clampDeps(agents []AgentSpec) []AgentSpec {
	n := len(agents)
	for i := range agents {
		var deps []int
		for _, dep := range agents[i].DependsOn {
			if dep < n {
				deps = append(deps, dep)
			}
		}
		agents[i].DependsOn = deps
	}
	return agents
}

// autoFixSynthesizers pins aggregation roles to their inputs: any
// synthesizer or writer past position 0 with no dependencies gets every
// prior non-aggregation agent as input.
func autoFixSynthesizers(agents []AgentSpec) {
	for i := range agents {
		if i == 0 || len(agents[i].DependsOn) > 0 {
			continue
		}
		if agents[i].Role != "synthesizer" && agents[i].Role != "writer" {
			continue
		}
		var deps []int
		for j := 0; j < i; j++ {
			switch agents[j].Role {
			case "synthesizer", "writer", "critic":
			default:
				deps = append(deps, j)
			}
		}
		agents[i].DependsOn = deps
	}
}

// depsValid reports whether every dependency points strictly backward.
func depsValid(agents []AgentSpec) bool {
	for _, agent := range agents {
		for _, dep := range agent.DependsOn {
			if dep < 0 || dep >= agent.Index {
				return false
			}
		}
	}
	return true
}

// reshape is the one repair attempted on a forward/self dependency: lift
// standalone aggregation agents (synthesizer, no deps) to the end of the
// plan and point them at every earlier agent.
func reshape(agents []AgentSpec) []AgentSpec {
	var body, tail []AgentSpec
	for _, agent := range agents {
		if agent.Role == "synthesizer" && len(agent.DependsOn) == 0 {
			tail = append(tail, agent)
			continue
		}
		body = append(body, agent)
	}
	if len(tail) == 0 {
		return agents
	}

	reshaped := append(body, tail...)
	for i := range reshaped {
		reshaped[i].Index = i
	}
	for i := len(body); i < len(reshaped); i++ {
		deps := make([]int, len(body))
		for j := range body {
			deps[j] = j
		}
		reshaped[i].DependsOn = deps
	}
	return reshaped
}

// fallback produces the deterministic plan used whenever validation
// yields nothing usable: research-then-synthesize for queries that need
// fresh information, a single analyzer otherwise.
func (v *Validator) fallback(query string, depth int, rejected []string) Outcome {
	lower := strings.ToLower(query)
	needsResearch := false
	for _, marker := range freshnessMarkers {
		if strings.Contains(lower, marker) {
			needsResearch = true
			break
		}
	}
	if strings.Contains(lower, strconv.Itoa(time.Now().Year())) {
		needsResearch = true
	}

	var agents []AgentSpec
	if needsResearch {
		agents = []AgentSpec{
			{Index: 0, Role: "researcher", Task: fmt.Sprintf("Research current information for: %s", query)},
			{Index: 1, Role: "synthesizer", Task: "Synthesize the research into a direct answer to the query.", DependsOn: []int{0}},
		}
	} else {
		agents = []AgentSpec{
			{Index: 0, Role: "analyzer", Task: fmt.Sprintf("Analyze and answer: %s", query)},
		}
	}

	return Outcome{
		Plan: &ExecutionPlan{
			Description: "fallback plan",
			Agents:      agents,
			Depth:       depth,
		},
		IsFallback:    true,
		RejectedRoles: rejected,
	}
}

var (
	codeFencePattern     = regexp.MustCompile("```(?:json)?\\s*")
	adjacentObjPattern   = regexp.MustCompile(`\}\s*\{`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([\]}])`)
)

// extractJSON recovers an object from the model's raw output: strict
// parse first, then fence stripping and brace slicing, then the repair
// rules (quote normalization, comma insertion between adjacent objects,
// trailing-comma removal).
func extractJSON(raw string) (map[string]interface{}, bool) {
	raw = strings.TrimSpace(raw)

	if m, ok := tryParse(raw); ok {
		return m, true
	}

	stripped := codeFencePattern.ReplaceAllString(raw, "")
	stripped = strings.TrimSpace(stripped)
	if m, ok := tryParse(stripped); ok {
		return m, true
	}

	first := strings.Index(stripped, "{")
	last := strings.LastIndex(stripped, "}")
	if first == -1 || last <= first {
		return nil, false
	}
	slice := stripped[first : last+1]
	if m, ok := tryParse(slice); ok {
		return m, true
	}

	repaired := strings.ReplaceAll(slice, "'", `"`)
	repaired = adjacentObjPattern.ReplaceAllString(repaired, "},{")
	repaired = trailingCommaPattern.ReplaceAllString(repaired, "$1")
	return tryParse(repaired)
}

func tryParse(s string) (map[string]interface{}, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	return m, true
}
