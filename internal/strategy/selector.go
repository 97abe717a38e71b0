package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"goal-clarifier/internal/domain"
)

// ToolName is the name under which the selector is offered to the model.
const ToolName = "choose_user_interaction_strategy"

const toolDescription = "Use this tool to determine the most appropriate user interaction strategy based on " +
	"the current situation. Returns the instruction that must guide your reply under the chosen strategy."

type selectorArgs struct {
	Strategy string `json:"strategy"`
}

// Selector is the per-turn decision point. It validates the model's choice and
// maps it to a Directive; it never touches session state.
type Selector struct {
	schema     *jsonschema.Schema
	parameters json.RawMessage
}

// NewSelector compiles the argument schema for the selector tool.
func NewSelector() (*Selector, error) {
	params := parametersSchema()
	schema, err := jsonschema.CompileString(ToolName+".json", string(params))
	if err != nil {
		return nil, fmt.Errorf("strategy: compile selector schema: %w", err)
	}
	return &Selector{schema: schema, parameters: params}, nil
}

func parametersSchema() json.RawMessage {
	names := make([]string, 0, len(All()))
	for _, s := range All() {
		names = append(names, s.String())
	}
	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"strategy"},
		"properties": map[string]any{
			"strategy": map[string]any{
				"type":        "string",
				"enum":        names,
				"description": "The strategy to choose to interact with the user.",
			},
		},
	}
	b, _ := json.Marshal(doc)
	return b
}

// Definition returns the tool definition offered to the backend.
func (s *Selector) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        ToolName,
		Description: toolDescription,
		Parameters:  s.parameters,
	}
}

// Guidelines returns the selection policy appended to the system prompt.
func (s *Selector) Guidelines() string {
	return strings.Join([]string{
		"You have access to the `" + ToolName + "` tool to determine the most appropriate user interaction strategy.",
		"",
		"Tool Use Guidelines:",
		"- Purpose: choose the most appropriate user interaction strategy for the current situation.",
		"- Timing: ALWAYS call this tool exactly once before responding to the user.",
		"- Strategy selection guidelines:",
		"  - `chitchat`: the user has not started to talk about the research goal.",
		"  - `clarify_goal`: you are discussing what to research and some plausible aspect of the goal is not covered yet;",
		"    or you tried to confirm the goal and the user was not satisfied, did not approve it, or added more details.",
		"  - `confirm_goal`: the research goal is clear, all plausible aspects are covered and no question remains open.",
		"  - `end_interaction`: the user explicitly confirmed or approved the restated goal.",
		"- When unsure between `clarify_goal` and `confirm_goal`, choose `clarify_goal`.",
	}, "\n")
}

// Select validates raw tool arguments and returns the matching Directive.
func (s *Selector) Select(args string) (Directive, error) {
	raw := strings.TrimSpace(args)
	if raw == "" {
		return Directive{}, &InvalidStrategyError{Raw: args, Err: errors.New("empty arguments")}
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Directive{}, &InvalidStrategyError{Raw: raw, Err: err}
	}
	if err := s.schema.Validate(doc); err != nil {
		return Directive{}, &InvalidStrategyError{Raw: offendingValue(raw), Err: err}
	}

	var parsed selectorArgs
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Directive{}, &InvalidStrategyError{Raw: raw, Err: err}
	}
	chosen, err := Parse(parsed.Strategy)
	if err != nil {
		return Directive{}, err
	}
	return DirectiveFor(chosen)
}

// offendingValue extracts the strategy field when present so errors carry the
// value the model actually chose rather than the whole argument document.
func offendingValue(raw string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return raw
	}
	v, ok := fields["strategy"]
	if !ok {
		return raw
	}
	var str string
	if err := json.Unmarshal(v, &str); err == nil {
		return str
	}
	return string(v)
}
