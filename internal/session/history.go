package session

import (
	"time"

	"goal-clarifier/internal/strategy"
)

// History is the append-only, insertion-ordered list of turns.
type History struct {
	turns []Turn
}

func (h *History) Append(t Turn) {
	h.turns = append(h.turns, t)
}

func (h *History) Len() int {
	return len(h.turns)
}

// Turns returns a copy of every recorded turn.
func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns a copy of the k most recent turns; k <= 0 means all.
func (h *History) Window(k int) []Turn {
	start := 0
	if k > 0 && len(h.turns) > k {
		start = len(h.turns) - k
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// AgentSession is the in-memory state of one conversation. It is only
// touched while the caller holds the session lock from Manager.Acquire.
type AgentSession struct {
	id           string
	history      History
	lastStrategy strategy.Strategy
	summary      Summary
}

// Summary condenses a finished conversation into the agreed research goal.
type Summary struct {
	Text      string
	UpdatedAt time.Time
}

func NewAgentSession(id string) *AgentSession {
	return &AgentSession{id: id}
}

// RestoreAgentSession rebuilds a session from persisted turns in order.
func RestoreAgentSession(id string, turns []Turn) *AgentSession {
	s := NewAgentSession(id)
	for _, t := range turns {
		s.append(t)
	}
	return s
}

func (s *AgentSession) ID() string {
	return s.id
}

func (s *AgentSession) History() *History {
	return &s.history
}

// LastStrategy reports the strategy of the most recent agent turn.
func (s *AgentSession) LastStrategy() (strategy.Strategy, bool) {
	return s.lastStrategy, s.lastStrategy.Valid()
}

// Summary returns the latest session summary, if one was written.
func (s *AgentSession) Summary() (Summary, bool) {
	return s.summary, s.summary.Text != ""
}

// SetSummary replaces the session summary. Stores use it when loading.
func (s *AgentSession) SetSummary(sum Summary) {
	s.summary = sum
}

// AgentTurns counts completed agent replies.
func (s *AgentSession) AgentTurns() int {
	n := 0
	for _, t := range s.history.turns {
		if t.Role == RoleAgent {
			n++
		}
	}
	return n
}

// ConfirmAttempts counts agent replies that asked the user to confirm the goal.
func (s *AgentSession) ConfirmAttempts() int {
	n := 0
	for _, t := range s.history.turns {
		if t.Role == RoleAgent && t.Strategy == strategy.ConfirmGoal {
			n++
		}
	}
	return n
}

func (s *AgentSession) append(t Turn) {
	s.history.Append(t)
	if t.Role == RoleAgent && t.Strategy.Valid() {
		s.lastStrategy = t.Strategy
	}
}
