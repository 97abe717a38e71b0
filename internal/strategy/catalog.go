// Package strategy holds the closed set of user interaction strategies, the
// instruction bound to each, and the tool through which the model picks one
// per turn.
package strategy

import (
	"fmt"
	"strings"
)

// Strategy is the interaction posture the agent adopts for a single turn.
// The zero value is not a strategy.
type Strategy uint8

const (
	Chitchat Strategy = iota + 1
	ClarifyGoal
	ConfirmGoal
	EndInteraction
)

const instructionPrefix = "[Interaction Pattern] "

// All returns every strategy in declaration order.
func All() []Strategy {
	return []Strategy{Chitchat, ClarifyGoal, ConfirmGoal, EndInteraction}
}

// String returns the wire name used in tool arguments and persisted turns.
func (s Strategy) String() string {
	switch s {
	case Chitchat:
		return "chitchat"
	case ClarifyGoal:
		return "clarify_goal"
	case ConfirmGoal:
		return "confirm_goal"
	case EndInteraction:
		return "end_interaction"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the four defined strategies.
func (s Strategy) Valid() bool {
	return s >= Chitchat && s <= EndInteraction
}

// Parse maps a wire name to its Strategy.
func Parse(raw string) (Strategy, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range All() {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, &InvalidStrategyError{Raw: raw}
}

func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, &UnknownStrategyError{Strategy: s}
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Directive is the instruction text bound to a chosen strategy.
type Directive struct {
	Strategy    Strategy
	Instruction string
}

// InstructionFor returns the fixed instruction for s.
func InstructionFor(s Strategy) (string, error) {
	switch s {
	case Chitchat:
		return instructionPrefix + "Respond naturally to the user's message and tactfully steer the conversation " +
			"toward the research goal they want to pursue.", nil
	case ClarifyGoal:
		return instructionPrefix + "Ask the user for more detail on the aspects of the research goal that are " +
			"still uncovered, and offer concrete suggestions for each.", nil
	case ConfirmGoal:
		return instructionPrefix + "Summarize the research goal in your own words and ask the user to confirm it " +
			"or refine it with further details.", nil
	case EndInteraction:
		return instructionPrefix + "Thank the user, tell them the research goal clarification is complete, " +
			"state the final refined research goal, and let them know research will begin immediately.", nil
	default:
		return "", &UnknownStrategyError{Strategy: s}
	}
}

// DirectiveFor builds the Directive for s.
func DirectiveFor(s Strategy) (Directive, error) {
	instruction, err := InstructionFor(s)
	if err != nil {
		return Directive{}, err
	}
	return Directive{Strategy: s, Instruction: instruction}, nil
}
