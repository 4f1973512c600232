// Package tokens implements Token Accounting (C10): per-agent and
// planning-phase token usage tracking that tolerates the several LLM
// provider response shapes the system talks to, ported from the original
// TokenTracker/extract_usage_from_response.
package tokens

import "sync"

// Usage is a single request's token breakdown.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two Usage values.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// AgentUsage accumulates usage for a single agent across however many LLM
// calls its run required (tool-calling loops issue more than one).
type AgentUsage struct {
	AgentID  string `json:"agent_id"`
	Role     string `json:"role"`
	Usage    Usage  `json:"usage"`
	LLMCalls int    `json:"llm_calls"`
}

// Summary is the JSON-serializable snapshot returned to callers.
type Summary struct {
	Total     Usage                 `json:"total"`
	Planning  Usage                 `json:"planning"`
	Agents    map[string]AgentUsage `json:"agents"`
	AgentCount int                  `json:"agent_count"`
}

// Tracker is a run-scoped accumulator. One Tracker is created per run and
// shared by the nested plans that run delegates (it is not a process-wide
// singleton — see the "no global state" design note).
type Tracker struct {
	mu       sync.Mutex
	total    Usage
	planning Usage
	agents   map[string]AgentUsage
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{agents: make(map[string]AgentUsage)}
}

// AddPlanning records token usage spent producing or repairing a plan.
func (t *Tracker) AddPlanning(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.planning = t.planning.Add(u)
	t.total = t.total.Add(u)
}

// AddAgent records one LLM call's usage against a named agent.
func (t *Tracker) AddAgent(agentID, role string, u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.agents[agentID]
	entry.AgentID = agentID
	entry.Role = role
	entry.Usage = entry.Usage.Add(u)
	entry.LLMCalls++
	t.agents[agentID] = entry
	t.total = t.total.Add(u)
}

// Summary returns a snapshot of everything tracked so far.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := make(map[string]AgentUsage, len(t.agents))
	for k, v := range t.agents {
		agents[k] = v
	}
	return Summary{
		Total:      t.total,
		Planning:   t.planning,
		Agents:     agents,
		AgentCount: len(agents),
	}
}

// ExtractUsage pulls a Usage out of a generic response metadata map,
// tolerating the provider shapes this system is known to see:
//
//   - OpenAI-style: metadata["token_usage"] = {prompt_tokens, completion_tokens, total_tokens}
//   - Anthropic-style: metadata["usage"] = {input_tokens, output_tokens} (total is their sum)
//   - generic: metadata["usage_metadata"] = {input_tokens, output_tokens, total_tokens}
//   - fallback: metadata["llm_output"]["token_usage"] in the OpenAI shape
//
// A response matching none of these shapes yields a zero Usage rather
// than an error: token accounting is best-effort telemetry, never a
// reason to fail an agent run.
func ExtractUsage(metadata map[string]interface{}) Usage {
	if metadata == nil {
		return Usage{}
	}
	if raw, ok := metadata["token_usage"]; ok {
		if u, ok := openAIShape(raw); ok {
			return u
		}
	}
	if raw, ok := metadata["usage"]; ok {
		if u, ok := anthropicShape(raw); ok {
			return u
		}
	}
	if raw, ok := metadata["usage_metadata"]; ok {
		if u, ok := genericShape(raw); ok {
			return u
		}
	}
	if llmOutput, ok := metadata["llm_output"].(map[string]interface{}); ok {
		if raw, ok := llmOutput["token_usage"]; ok {
			if u, ok := openAIShape(raw); ok {
				return u
			}
		}
	}
	return Usage{}
}

// FromCompletion normalizes the flat usage map an Adapter returns on a
// Completion: OpenAI-style prompt_tokens/completion_tokens or
// Anthropic-style input_tokens/output_tokens keys, tried in that order.
func FromCompletion(raw map[string]interface{}) Usage {
	if raw == nil {
		return Usage{}
	}
	if _, ok := raw["prompt_tokens"]; ok {
		u, _ := openAIShape(raw)
		return u
	}
	if _, ok := raw["input_tokens"]; ok {
		u, _ := anthropicShape(raw)
		return u
	}
	return Usage{}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func openAIShape(raw interface{}) (Usage, bool) {
	m, ok := asMap(raw)
	if !ok {
		return Usage{}, false
	}
	return Usage{
		PromptTokens:     asInt(m["prompt_tokens"]),
		CompletionTokens: asInt(m["completion_tokens"]),
		TotalTokens:      asInt(m["total_tokens"]),
	}, true
}

func anthropicShape(raw interface{}) (Usage, bool) {
	m, ok := asMap(raw)
	if !ok {
		return Usage{}, false
	}
	in := asInt(m["input_tokens"])
	out := asInt(m["output_tokens"])
	return Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}, true
}

func genericShape(raw interface{}) (Usage, bool) {
	m, ok := asMap(raw)
	if !ok {
		return Usage{}, false
	}
	in := asInt(m["input_tokens"])
	out := asInt(m["output_tokens"])
	total := asInt(m["total_tokens"])
	if total == 0 {
		total = in + out
	}
	return Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: total}, true
}
