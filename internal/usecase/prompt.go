package usecase

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"goal-clarifier/internal/domain"
	"goal-clarifier/internal/session"
	"goal-clarifier/internal/strategy"
)

func buildSystemPrompt(guidelines string, now time.Time) string {
	return strings.Join([]string{
		"Role:",
		"You are an excellent researcher who can research in depth on a given research goal.",
		"",
		"Skills:",
		"- Persuasive and tactful, skilled at guiding users to provide more information in a non-intrusive way.",
		"- Multi-dimensional exploration from multiple, preferably orthogonal, perspectives.",
		"",
		"Goal:",
		"Current phase: clarify research goal.",
		"Strategically interact with the user to gradually clarify and refine the user's real research goal.",
		"",
		"Instructions:",
		behaviorRules(),
		"",
		guidelines,
		"",
		"Current date and time: " + now.UTC().Format(time.RFC1123),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Consider all the possible aspects that may influence the research goal during the interaction.",
		"2) Be polite and patient during the interaction.",
		"3) Be helpful and provide valuable suggestions during the interaction.",
		"4) Follow the interaction pattern returned by the strategy tool when writing your reply.",
	}, "\n")
}

// buildContextMessages renders the system prompt followed by the bounded
// window of turns. The window already ends with the current user message.
func buildContextMessages(systemPrompt string, window []session.Turn) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(window)+1)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	for _, t := range window {
		if m, ok := turnToMessage(t); ok {
			messages = append(messages, m)
		}
	}
	return messages
}

func turnToMessage(t session.Turn) (domain.ChatMessage, bool) {
	content := strings.TrimSpace(t.Content)
	if content == "" {
		return domain.ChatMessage{}, false
	}
	switch t.Role {
	case session.RoleUser:
		return domain.ChatMessage{Role: domain.RoleUser, Content: content}, true
	case session.RoleAgent:
		return domain.ChatMessage{Role: domain.RoleAssistant, Content: content}, true
	default:
		return domain.ChatMessage{}, false
	}
}

// withDirective appends the strategy decision and its instruction as a tool
// call/result pair so the reply step sees the directive in context.
func withDirective(messages []domain.ChatMessage, call domain.ToolCall, d strategy.Directive) []domain.ChatMessage {
	if strings.TrimSpace(call.ID) == "" {
		call.ID = "call_" + ulid.Make().String()
	}
	if call.Type == "" {
		call.Type = "function"
	}
	out := make([]domain.ChatMessage, 0, len(messages)+2)
	out = append(out, messages...)
	out = append(out,
		domain.ChatMessage{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}},
		domain.ChatMessage{Role: domain.RoleTool, ToolCallID: call.ID, Content: d.Instruction},
	)
	return out
}

const summaryPrompt = "Summarize the conversation below in a short paragraph. State the research goal the user " +
	"confirmed, every aspect that was agreed on (scope, timeframe, sources, output), and any open constraint. " +
	"Write in the third person and do not add anything the user did not say."

// buildSummaryMessages renders the full history as one transcript for the
// summary call.
func buildSummaryMessages(turns []session.Turn) []domain.ChatMessage {
	var transcript strings.Builder
	for _, t := range turns {
		m, ok := turnToMessage(t)
		if !ok {
			continue
		}
		transcript.WriteString(string(t.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: summaryPrompt},
		{Role: domain.RoleUser, Content: transcript.String()},
	}
}
