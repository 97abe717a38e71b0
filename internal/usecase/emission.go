package usecase

import (
	"fmt"

	"goal-clarifier/internal/strategy"
)

// Phase is the delivery state of a single turn.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseEmitting   Phase = "emitting"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseGenerating},
	PhaseGenerating: {PhaseEmitting, PhaseFailed},
	PhaseEmitting:   {PhaseComplete, PhaseFailed},
}

type phaseTracker struct {
	current Phase
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{current: PhaseIdle}
}

func (t *phaseTracker) advance(next Phase) error {
	for _, allowed := range phaseTransitions[t.current] {
		if allowed == next {
			t.current = next
			return nil
		}
	}
	return fmt.Errorf("usecase: illegal phase transition %s -> %s", t.current, next)
}

// fail moves to PhaseFailed when the turn has started generating. Failures
// before that leave the tracker idle.
func (t *phaseTracker) fail() {
	if t.current == PhaseGenerating || t.current == PhaseEmitting {
		t.current = PhaseFailed
	}
}

type EventKind string

const (
	// EventStrategy carries the directive chosen for the turn, before any reply text.
	EventStrategy EventKind = "strategy"
	// EventFragment carries one piece of reply text.
	EventFragment EventKind = "fragment"
	// EventDone marks completion; the agent turn has been committed.
	EventDone EventKind = "done"
)

// Event is one element of a streamed turn.
type Event struct {
	Kind        EventKind
	Phase       Phase
	SessionID   string
	Strategy    strategy.Strategy
	Instruction string
	Fragment    string
	Output      *TurnOutput
}
