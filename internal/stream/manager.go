package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credential"
	"stockbit-ingest/internal/csvsink"
	pkgerrors "stockbit-ingest/internal/errors"
)

// Manager owns every live streaming session and is the type the control
// facade talks to. Grounded on the teacher's service-layer pattern of
// keeping a map of named resources behind a mutex (see
// internal/broker/zerodha.go's subscription bookkeeping), generalized
// here to a full start/stop/list lifecycle since the teacher only ever
// ran one ticker connection at a time.
type Manager struct {
	userID     string
	wsURL      string
	cred       *credential.Store
	keyFetcher TradingKeyFetcher
	sink       *csvsink.Sink
	cfg        Config
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. The userID, wsURL, credential store,
// trading-key fetcher, CSV sink, and backoff/heartbeat config are shared
// by every session it starts.
func NewManager(userID, wsURL string, cred *credential.Store, keyFetcher TradingKeyFetcher, sink *csvsink.Sink, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		userID:     userID,
		wsURL:      wsURL,
		cred:       cred,
		keyFetcher: keyFetcher,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// StartSession creates and starts a new session subscribed to tickers,
// returning its session ID. If preferredID is non-empty, it is used as
// the session ID (the control facade's start_stream accepts an optional
// caller-chosen session_id); otherwise a UUID is generated. Either way
// the map is checked for collision before the ID is accepted.
func (m *Manager) StartSession(ctx context.Context, tickers []string, preferredID string) (string, error) {
	if len(tickers) == 0 {
		return "", pkgerrors.NewValidationError("tickers", tickers, "at least one ticker is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := preferredID
	if id != "" {
		if existing, exists := m.sessions[id]; exists && !isTerminal(existing.State()) {
			return "", pkgerrors.NewValidationError("session_id", id, "a session with this ID is already running")
		}
	} else {
		for {
			id = uuid.NewString()
			if _, exists := m.sessions[id]; !exists {
				break
			}
		}
	}

	sess := New(id, m.userID, tickers, m.wsURL, m.cred, m.keyFetcher, m.sink, m.cfg, m.logger)
	m.sessions[id] = sess
	sess.Start(ctx)
	return id, nil
}

// StopSession stops one session by ID, idempotently, bounded by ctx's
// deadline. Per spec.md §4.6, a stopped session's stats stay visible to
// GetStats/List until process exit or an explicit PruneStopped reap --
// StopSession marks the session terminal but does not remove it from the
// live set.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return pkgerrors.ErrSessionNotFound
	}
	if err := sess.Stop(ctx); err != nil {
		return fmt.Errorf("stopping session %s: %w", id, err)
	}
	return nil
}

// StopAll stops every live session, bounded in total by ctx's deadline.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.StopSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get returns the session for id, or false if none exists.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// List returns a stats snapshot for every live session.
func (m *Manager) List() []Stats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	out := make([]Stats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Stats())
	}
	return out
}

// PruneStopped removes every session that has reached a terminal state
// (stopped or errored) from the map -- the "explicit reap" spec.md §4.6
// names as the alternative to a stopped session's stats lingering in
// List/GetStats until process exit.
func (m *Manager) PruneStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if isTerminal(sess.State()) {
			delete(m.sessions, id)
		}
	}
}

// isTerminal reports whether state is one a session never leaves, per
// the state table in spec.md §4.5.
func isTerminal(state State) bool {
	return state == StateStopped || state == StateErrored
}
