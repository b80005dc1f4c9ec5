package session

import (
	"context"
	"sort"
	"sync"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/observability"
	"github.com/rs/zerolog"
)

// Manager is the registry of sessions, at most one per identity.
type Manager struct {
	cfg    Config
	policy Policy
	dialer Dialer
	creds  CredentialStore
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[identity.Identity]*Session
	closed   bool
}

func NewManager(cfg Config, dialer Dialer, creds CredentialStore, logger zerolog.Logger) *Manager {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		policy:   NewPolicy(cfg),
		dialer:   dialer,
		creds:    creds,
		log:      logger.With().Str("component", "session").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[identity.Identity]*Session),
	}
}

func (m *Manager) Policy() Policy {
	return m.policy
}

func (m *Manager) Credentials() CredentialStore {
	return m.creds
}

// Ensure returns the live session for id, creating and dialing one when none
// exists. A terminal session is replaced; if it ended logged out its
// credentials are wiped first. The dial is bounded by ctx as well as the dial
// timeout; a dial cut short counts as a transient close.
func (m *Manager) Ensure(ctx context.Context, id identity.Identity) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	existing := m.sessions[id]
	if existing != nil && !existing.Status().Terminal() {
		m.mu.Unlock()
		return existing, nil
	}
	wipe := existing != nil && existing.LoggedOut()
	s := newSession(m, id)
	m.sessions[id] = s
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	if existing != nil {
		existing.shutdown("replaced")
	}
	if wipe {
		if err := m.creds.Wipe(id); err != nil {
			m.log.Error().Err(err).Str("identity", id.String()).Msg("session.Manager.Ensure wipe credentials")
		}
	}
	m.log.Info().Str("identity", id.String()).Bool("replaced", existing != nil).Bool("wiped", wipe).
		Msg("session.Manager.Ensure created")
	s.rebuild(ctx, 0)
	return s, nil
}

func (m *Manager) Get(id identity.Identity) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Status is a snapshot of id's session.
func (m *Manager) Status(id identity.Identity) (Info, bool) {
	s, ok := m.Get(id)
	if !ok {
		return Info{}, false
	}
	return s.Snapshot(), true
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Disconnect stops reconnects, closes the transport and drops the session.
func (m *Manager) Disconnect(id identity.Identity) error {
	s := m.remove(id)
	if s == nil {
		return ErrNotFound
	}
	s.shutdown("disconnect")
	return nil
}

// Logout drops id's session, if any, and wipes its stored credentials. It
// reports whether a session was dropped.
func (m *Manager) Logout(id identity.Identity) (bool, error) {
	s := m.remove(id)
	if s != nil {
		s.shutdown("logout")
	}
	if err := m.creds.Wipe(id); err != nil {
		return s != nil, err
	}
	m.log.Info().Str("identity", id.String()).Bool("dropped", s != nil).Msg("session.Manager.Logout")
	return s != nil, nil
}

// Forget drops the session after its credentials were removed outside the process.
func (m *Manager) Forget(id identity.Identity) bool {
	s := m.remove(id)
	if s == nil {
		return false
	}
	s.shutdown("credentials removed")
	return true
}

// Reconnect forces an immediate rebuild with a fresh retry budget. A missing
// or terminal session is recreated through Ensure.
func (m *Manager) Reconnect(ctx context.Context, id identity.Identity) (*Session, error) {
	s, ok := m.Get(id)
	if !ok || s.Status().Terminal() {
		return m.Ensure(ctx, id)
	}
	s.force(ctx)
	return s, nil
}

// Close shuts down every session. Later Ensure calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.cancel()
	for _, s := range all {
		s.shutdown("manager closed")
	}
	observability.SetActiveSessions(0)
}

// rebuildIfCurrent is the scheduled-rebuild guard: s must still be the
// registered session for its identity.
func (m *Manager) rebuildIfCurrent(s *Session, gen uint64) {
	m.mu.RLock()
	cur := m.sessions[s.id]
	closed := m.closed
	m.mu.RUnlock()
	if closed || cur != s {
		s.log.Debug().Msg("session.Manager.rebuildIfCurrent superseded")
		return
	}
	s.rebuild(m.ctx, gen)
}

func (m *Manager) remove(id identity.Identity) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)
	return s
}
