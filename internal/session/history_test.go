package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goal-clarifier/internal/strategy"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func TestHistory_AppendKeepsOrder(t *testing.T) {
	var h History
	h.Append(NewUserTurn("hi", t0))
	h.Append(NewAgentTurn("hello", strategy.Chitchat, t0.Add(time.Second)))
	h.Append(NewUserTurn("battery materials", t0.Add(2*time.Second)))

	turns := h.Turns()
	require.Len(t, turns, 3)
	require.Equal(t, "hi", turns[0].Content)
	require.Equal(t, RoleAgent, turns[1].Role)
	require.Equal(t, "battery materials", turns[2].Content)

	turns[0].Content = "mutated"
	require.Equal(t, "hi", h.Turns()[0].Content)
}

func TestHistory_Window(t *testing.T) {
	var h History
	for i := 0; i < 10; i++ {
		h.Append(NewUserTurn(string(rune('a'+i)), t0))
	}

	w := h.Window(3)
	require.Len(t, w, 3)
	require.Equal(t, "h", w[0].Content)
	require.Equal(t, "j", w[2].Content)

	require.Len(t, h.Window(0), 10)
	require.Len(t, h.Window(50), 10)
	require.Equal(t, 10, h.Len())
}

func TestNewTurn_Fields(t *testing.T) {
	u := NewUserTurn("hi", t0)
	require.NotEmpty(t, u.ID)
	require.Equal(t, RoleUser, u.Role)
	require.False(t, u.Strategy.Valid())
	require.Equal(t, t0, u.Timestamp)

	a := NewAgentTurn("ok", strategy.ClarifyGoal, t0)
	require.NotEqual(t, u.ID, a.ID)
	require.Equal(t, strategy.ClarifyGoal, a.Strategy)
}

func TestAgentSession_Counters(t *testing.T) {
	s := RestoreAgentSession("s1", []Turn{
		NewUserTurn("hi", t0),
		NewAgentTurn("hello", strategy.Chitchat, t0),
		NewUserTurn("goal", t0),
		NewAgentTurn("so your goal is", strategy.ConfirmGoal, t0),
		NewUserTurn("no, cost too", t0),
		NewAgentTurn("what budget?", strategy.ClarifyGoal, t0),
		NewUserTurn("under 10k", t0),
		NewAgentTurn("so your goal is", strategy.ConfirmGoal, t0),
	})
	require.Equal(t, "s1", s.ID())
	require.Equal(t, 4, s.AgentTurns())
	require.Equal(t, 2, s.ConfirmAttempts())
	last, ok := s.LastStrategy()
	require.True(t, ok)
	require.Equal(t, strategy.ConfirmGoal, last)

	_, ok = NewAgentSession("empty").LastStrategy()
	require.False(t, ok)
}
