package reasoning

import (
	"github.com/strandkit/strand/pkg/protocol"
)

// State is the mutable state of one agent run.
//
// Ownership: the runner owns Usage and the message slices; strategies own
// their scratch maps and the NeedsResponse flag; Deps are shared with tool
// handlers and receive context patches.
type State struct {
	// Deps is the run dependency map, visible to tool handlers and patched
	// by __update_context__ results.
	Deps map[string]any

	// Usage accumulates across every provider request of the run.
	Usage protocol.Usage

	// History is the conversation carried into this run; immutable here.
	History []protocol.Message

	// Turn collects the messages created during this run, in order.
	Turn []protocol.Message

	// NeedsResponse tells the runner to request another model response.
	NeedsResponse bool

	scratch map[string]map[string]any
}

// NewState seeds a run: prior history, the user prompt as the first turn
// message, and the initial deps.
func NewState(prompt string, history []protocol.Message, deps map[string]any) *State {
	if deps == nil {
		deps = make(map[string]any)
	}
	st := &State{
		Deps:    deps,
		History: history,
		scratch: make(map[string]map[string]any),
	}
	if prompt != "" {
		st.Append(protocol.NewUserMessage(prompt))
	}
	return st
}

// Messages returns history followed by this run's turn messages.
func (s *State) Messages() []protocol.Message {
	out := make([]protocol.Message, 0, len(s.History)+len(s.Turn))
	out = append(out, s.History...)
	return append(out, s.Turn...)
}

// Append adds a message to the current turn.
func (s *State) Append(msg protocol.Message) {
	s.Turn = append(s.Turn, msg)
}

// Scratch returns the named strategy-private map, creating it on first use.
func (s *State) Scratch(strategy string) map[string]any {
	m, ok := s.scratch[strategy]
	if !ok {
		m = make(map[string]any)
		s.scratch[strategy] = m
	}
	return m
}

// LastAssistant returns the most recent assistant message of the turn.
func (s *State) LastAssistant() (protocol.Message, bool) {
	for i := len(s.Turn) - 1; i >= 0; i-- {
		if s.Turn[i].Role == protocol.RoleAssistant {
			return s.Turn[i], true
		}
	}
	return protocol.Message{}, false
}

// Patch merges a tool context patch into deps.
func (s *State) Patch(patch map[string]any) {
	for k, v := range patch {
		s.Deps[k] = v
	}
}
