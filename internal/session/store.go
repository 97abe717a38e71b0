package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Store.Load when no turns exist for a session.
var ErrNotFound = errors.New("session: not found")

// Store persists turns beyond the process lifetime.
type Store interface {
	Load(ctx context.Context, sessionID string) (*AgentSession, error)
	Append(ctx context.Context, sessionID string, t Turn) error
	// SaveSummary replaces the stored summary of a session.
	SaveSummary(ctx context.Context, sessionID string, sum Summary) error
}

// StoreError wraps a durability failure with the session and operation.
type StoreError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session: store %s for %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// MemoryStore keeps turns in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	turns     map[string][]Turn
	summaries map[string]Summary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: map[string][]Turn{}, summaries: map[string]Summary{}}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns, ok := m.turns[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	sess := RestoreAgentSession(sessionID, turns)
	sess.SetSummary(m.summaries[sessionID])
	return sess, nil
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], t)
	return nil
}

func (m *MemoryStore) SaveSummary(_ context.Context, sessionID string, sum Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[sessionID] = sum
	return nil
}
