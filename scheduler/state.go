package scheduler

import (
	"sync"
	"time"
)

// Trace event statuses.
const (
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusRejectedRole = "rejected_role"
)

// TraceEvent is one append-only entry in the execution trace.
type TraceEvent struct {
	AgentID      string    `json:"agent_id"`
	Role         string    `json:"role"`
	Layer        int       `json:"layer"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	OutputLength int       `json:"output_length,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// HistoryEntry is one append-only conversation history record: what an
// agent was asked, with what context, and what it produced.
type HistoryEntry struct {
	AgentID      string    `json:"agent_id"`
	Role         string    `json:"role"`
	Task         string    `json:"task"`
	InputContext string    `json:"input_context"`
	Output       string    `json:"output"`
	Layer        int       `json:"layer"`
	Timestamp    time.Time `json:"timestamp"`
}

// State is the shared execution record threaded through one run. Writers
// within a layer touch disjoint keys; the scheduler merges between
// barriers, so reads taken between layers are consistent.
type State struct {
	mu sync.Mutex

	query     string
	sessionID string
	startTime time.Time

	agentOutputs map[string]string
	trace        []TraceEvent
	history      []HistoryEntry

	currentLayer int
	totalLayers  int
	agentToLayer map[string]int

	finalOutput string
	finalSet    bool
}

// NewState creates the run-scoped state for one query.
func NewState(query, sessionID string) *State {
	return &State{
		query:        query,
		sessionID:    sessionID,
		startTime:    time.Now(),
		agentOutputs: make(map[string]string),
		agentToLayer: make(map[string]int),
	}
}

func (s *State) Query() string     { return s.query }
func (s *State) SessionID() string { return s.sessionID }
func (s *State) StartTime() time.Time {
	return s.startTime
}

// SetLayout fixes total_layers and the agent-to-layer mapping; both are
// immutable once set.
func (s *State) SetLayout(totalLayers int, agentToLayer map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalLayers = totalLayers
	for agentID, layer := range agentToLayer {
		s.agentToLayer[agentID] = layer
	}
}

// MergeOutput records one agent's output. Keys are disjoint by
// construction, so merge order within a layer does not matter.
func (s *State) MergeOutput(agentID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentOutputs[agentID] = output
}

// Output returns an agent's recorded output.
func (s *State) Output(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.agentOutputs[agentID]
	return out, ok
}

// AppendTrace adds one trace event.
func (s *State) AppendTrace(event TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, event)
}

// AppendHistory adds one conversation history entry.
func (s *State) AppendHistory(entry HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
}

// AdvanceLayer raises current_layer monotonically (merge = max).
func (s *State) AdvanceLayer(layer int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if layer > s.currentLayer {
		s.currentLayer = layer
	}
}

// CurrentLayer returns the highest layer reached so far.
func (s *State) CurrentLayer() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLayer
}

// SetFinalOutput stores the run's final answer; only the first write
// sticks.
func (s *State) SetFinalOutput(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalSet {
		return
	}
	s.finalOutput = output
	s.finalSet = true
}

// FinalOutput returns the stored final answer.
func (s *State) FinalOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalOutput
}

// Trace returns a copy of the execution trace.
func (s *State) Trace() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceEvent, len(s.trace))
	copy(out, s.trace)
	return out
}

// History returns a copy of the conversation history entries.
func (s *State) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Outputs returns a copy of the agent output map.
func (s *State) Outputs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.agentOutputs))
	for k, v := range s.agentOutputs {
		out[k] = v
	}
	return out
}

// TotalLayers returns the layer count fixed by SetLayout.
func (s *State) TotalLayers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLayers
}

// LayerOf returns the layer an agent was scheduled into.
func (s *State) LayerOf(agentID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	layer, ok := s.agentToLayer[agentID]
	return layer, ok
}
