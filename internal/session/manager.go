package session

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

const defaultMaxCached = 1024

// Manager owns live sessions. Turns on one session are serialized through a
// per-session lock; distinct sessions never contend beyond the map lookup.
// At most maxCached idle sessions stay in memory; older ones are reloaded
// from the store on their next turn.
type Manager struct {
	store     Store
	reload    bool
	maxCached int

	mu      sync.Mutex
	entries map[string]*entry
	tick    uint64
}

type entry struct {
	sem chan struct{}
	// sess is guarded by sem; refs and lastUsed by Manager.mu.
	sess     *AgentSession
	refs     int
	lastUsed uint64
}

type ManagerOption func(*Manager)

// WithMaxCached bounds the number of idle sessions kept in memory.
func WithMaxCached(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxCached = n
		}
	}
}

// WithReload makes every Acquire read the session from the store instead of
// reusing the in-memory copy. Use it when other processes append to the same
// store.
func WithReload() ManagerOption {
	return func(m *Manager) {
		m.reload = true
	}
}

func NewManager(store Store, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	m := &Manager{store: store, maxCached: defaultMaxCached, entries: map[string]*entry{}}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire locks the session for one turn, loading it from the store or
// creating it. The returned release func must be called exactly once.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*AgentSession, func(), error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil, errors.New("session: id must not be empty")
	}
	e, release, err := m.lock(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if e.sess == nil || m.reload {
		loaded, err := m.store.Load(ctx, sessionID)
		switch {
		case errors.Is(err, ErrNotFound):
			loaded = NewAgentSession(sessionID)
		case err != nil:
			release()
			return nil, nil, &StoreError{SessionID: sessionID, Op: "load", Err: err}
		}
		e.sess = loaded
	}
	return e.sess, release, nil
}

// Record appends t in memory and writes it through to the store. A store
// failure is returned as *StoreError; the in-memory append stands.
func (m *Manager) Record(ctx context.Context, sess *AgentSession, t Turn) error {
	sess.append(t)
	if err := m.store.Append(ctx, sess.ID(), t); err != nil {
		return &StoreError{SessionID: sess.ID(), Op: "append", Err: err}
	}
	return nil
}

// Summarize stores sum on the session and writes it through. Like Record, a
// store failure leaves the in-memory summary in place.
func (m *Manager) Summarize(ctx context.Context, sess *AgentSession, sum Summary) error {
	sess.SetSummary(sum)
	if err := m.store.SaveSummary(ctx, sess.ID(), sum); err != nil {
		return &StoreError{SessionID: sess.ID(), Op: "save summary", Err: err}
	}
	return nil
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	SessionID    string
	Turns        []Turn
	LastStrategy string
	Summary      Summary
}

// View returns a snapshot of an existing session without creating one.
func (m *Manager) View(ctx context.Context, sessionID string) (Snapshot, error) {
	e, release, err := m.lock(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer release()

	sess := e.sess
	if sess == nil || m.reload {
		loaded, err := m.store.Load(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, ErrNotFound
		}
		if err != nil {
			return Snapshot{}, &StoreError{SessionID: sessionID, Op: "load", Err: err}
		}
		e.sess = loaded
		sess = loaded
	}
	snap := Snapshot{SessionID: sess.ID(), Turns: sess.History().Turns()}
	snap.Summary, _ = sess.Summary()
	if last, ok := sess.LastStrategy(); ok {
		snap.LastStrategy = last.String()
	}
	return snap, nil
}

func (m *Manager) lock(ctx context.Context, sessionID string) (*entry, func(), error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[sessionID] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(sessionID, e)
		return nil, nil, ctx.Err()
	}
	var once sync.Once
	return e, func() {
		once.Do(func() {
			<-e.sem
			m.unref(sessionID, e)
		})
	}, nil
}

// unref drops one holder of e. The last holder removes entries that never
// got a session and trims the idle cache.
func (m *Manager) unref(sessionID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	m.tick++
	e.lastUsed = m.tick
	if e.refs > 0 {
		return
	}
	if e.sess == nil {
		if m.entries[sessionID] == e {
			delete(m.entries, sessionID)
		}
		return
	}
	m.trimLocked()
}

func (m *Manager) trimLocked() {
	excess := len(m.entries) - m.maxCached
	if excess <= 0 {
		return
	}
	type idle struct {
		id       string
		lastUsed uint64
	}
	var candidates []idle
	for id, e := range m.entries {
		if e.refs == 0 {
			candidates = append(candidates, idle{id: id, lastUsed: e.lastUsed})
		}
	}
	slices.SortFunc(candidates, func(a, b idle) int {
		return cmp.Compare(a.lastUsed, b.lastUsed)
	})
	for _, c := range candidates[:min(excess, len(candidates))] {
		delete(m.entries, c.id)
	}
}
