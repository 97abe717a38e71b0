// Package session owns conversation history: immutable turns, the bounded
// context window, per-session serialization and write-through persistence.
package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"goal-clarifier/internal/strategy"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one recorded message. Strategy is set on agent turns only.
type Turn struct {
	ID        string
	Role      Role
	Content   string
	Strategy  strategy.Strategy
	Timestamp time.Time
}

func NewUserTurn(content string, now time.Time) Turn {
	return Turn{ID: newTurnID(now), Role: RoleUser, Content: content, Timestamp: now.UTC()}
}

func NewAgentTurn(content string, s strategy.Strategy, now time.Time) Turn {
	return Turn{ID: newTurnID(now), Role: RoleAgent, Content: content, Strategy: s, Timestamp: now.UTC()}
}

func newTurnID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
