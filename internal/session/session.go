package session

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/observability"
	"github.com/rs/zerolog"
)

// CloseInfo records the most recent transport close.
type CloseInfo struct {
	Code    int         `json:"code"`
	Reason  CloseReason `json:"reason"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// Info is a point-in-time copy of a session for callers and adapters.
type Info struct {
	Identity      identity.Identity `json:"identity"`
	Status        Status            `json:"status"`
	Registered    bool              `json:"registered"`
	RetriesLeft   int               `json:"retriesLeft"`
	AutoReconnect bool              `json:"autoReconnect"`
	Generation    uint64            `json:"generation"`
	LastClose     *CloseInfo        `json:"lastClose,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Session is the single live connection record for one identity. Only the
// Manager creates sessions.
type Session struct {
	id  identity.Identity
	mgr *Manager
	log zerolog.Logger

	mu            sync.Mutex
	transport     Transport
	gen           uint64
	status        Status
	registered    bool
	retriesLeft   int
	autoReconnect bool
	lastClose     *CloseInfo
	createdAt     time.Time
	updatedAt     time.Time
	changed       chan struct{}
	timer         *time.Timer
}

func newSession(mgr *Manager, id identity.Identity) *Session {
	now := time.Now()
	return &Session{
		id:            id,
		mgr:           mgr,
		log:           mgr.log.With().Str("identity", id.String()).Logger(),
		status:        StatusInit,
		retriesLeft:   mgr.policy.MaxRetries,
		autoReconnect: true,
		createdAt:     now,
		updatedAt:     now,
		changed:       make(chan struct{}),
	}
}

func (s *Session) Identity() identity.Identity {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// LoggedOut reports whether the session ended on a logged-out close.
func (s *Session) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Terminal() && s.lastClose != nil && s.lastClose.Reason == ReasonLoggedOut
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Identity:      s.id,
		Status:        s.status,
		Registered:    s.registered,
		RetriesLeft:   s.retriesLeft,
		AutoReconnect: s.autoReconnect,
		Generation:    s.gen,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}
	if s.lastClose != nil {
		lc := *s.lastClose
		info.LastClose = &lc
	}
	return info
}

// RequestPairingCode asks the current transport for a code.
func (s *Session) RequestPairingCode(ctx context.Context) (string, error) {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return "", ErrNoTransport
	}
	return tr.RequestPairingCode(ctx, s.id)
}

// FallbackPairingCode is a code the transport produced as a side effect, or "".
func (s *Session) FallbackPairingCode() string {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		return ""
	}
	return tr.PairingCode()
}

// WaitStatus blocks until pred holds for the current status or ctx ends.
// It returns the last observed status.
func (s *Session) WaitStatus(ctx context.Context, pred func(Status) bool) (Status, error) {
	for {
		s.mu.Lock()
		st, ch := s.status, s.changed
		s.mu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitReady blocks until the session is CONNECTING or OPEN with a transport
// installed. A terminal session fails fast with ErrTerminal.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, tr, ch := s.status, s.transport, s.changed
		s.mu.Unlock()
		if st.Terminal() {
			return ErrTerminal
		}
		if st.Ready() && tr != nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rebuild detaches and closes the current transport, then dials a new one.
// The dial ends early when ctx does. With expect != 0 it only proceeds while
// the generation is still expect and auto-reconnect is on.
func (s *Session) rebuild(ctx context.Context, expect uint64) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if expect != 0 && (s.gen != expect || !s.autoReconnect) {
		s.mu.Unlock()
		s.log.Debug().Uint64("expect", expect).Msg("session.Session.rebuild stale")
		return
	}
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	old := s.transport
	s.transport = nil
	s.setStatusLocked(StatusConnecting)
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug().Err(err).Msg("session.Session.rebuild close old transport")
		}
	}
	s.dial(ctx, gen)
}

func (s *Session) dial(caller context.Context, gen uint64) {
	creds, _, err := s.mgr.creds.Load(s.id)
	if err != nil {
		s.log.Warn().Err(err).Msg("session.Session.dial load credentials")
		creds = nil
	}
	ctx, cancel := context.WithTimeout(s.mgr.ctx, s.mgr.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(caller, cancel)
	defer stop()
	tr, err := s.mgr.dialer.Dial(ctx, DialRequest{
		Identity:    s.id,
		Credentials: creds,
		OnEvent: func(ev Event) {
			s.handle(gen, ev)
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Uint64("gen", gen).Msg("session.Session.dial failed")
		s.handle(gen, Event{Kind: EventClose, Code: CodeUnknown, Message: err.Error()})
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.status.Terminal() {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.transport = tr
	s.registered = s.registered || tr.Registered()
	s.touchLocked()
	s.mu.Unlock()
	s.log.Debug().Uint64("gen", gen).Msg("session.Session.dial installed transport")
}

// handle applies one transport event. Events from a detached transport are dropped.
func (s *Session) handle(gen uint64, ev Event) {
	if ev.Kind == EventCredentials {
		s.saveCredentials(gen, ev.Credentials)
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	var d Decision
	switch ev.Kind {
	case EventOpen:
		s.retriesLeft = s.mgr.policy.MaxRetries
		s.registered = s.registered || ev.Registered
		if s.transport != nil {
			s.registered = s.registered || s.transport.Registered()
		}
	case EventClose:
		d = s.mgr.policy.Decide(ClassifyClose(ev.Code), s.retriesLeft, s.autoReconnect)
		s.retriesLeft = d.RetriesLeft
		s.autoReconnect = d.AutoReconnect
		s.lastClose = &CloseInfo{Code: ev.Code, Reason: d.Reason, Message: ev.Message, At: time.Now()}
	}
	prev := s.status
	s.setStatusLocked(Next(prev, ev, d))

	var detached Transport
	switch d.Action {
	case ActionRetry:
		s.stopTimerLocked()
		s.timer = time.AfterFunc(d.Delay, func() {
			s.mgr.rebuildIfCurrent(s, gen)
		})
	case ActionRestart:
		go s.mgr.rebuildIfCurrent(s, gen)
	case ActionTerminal:
		s.stopTimerLocked()
		s.gen++
		detached = s.transport
		s.transport = nil
	}
	s.mu.Unlock()

	if ev.Kind == EventClose {
		s.log.Info().
			Int("code", ev.Code).
			Str("reason", string(d.Reason)).
			Str("action", string(d.Action)).
			Dur("delay", d.Delay).
			Int("retries_left", d.RetriesLeft).
			Msg("session.Session.handle close")
	}
	if detached != nil {
		_ = detached.Close()
	}
}

func (s *Session) saveCredentials(gen uint64, blob []byte) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale || len(blob) == 0 {
		return
	}
	if err := s.mgr.creds.Save(s.id, blob); err != nil {
		s.log.Error().Err(err).Msg("session.Session.saveCredentials")
	}
}

// shutdown stops reconnects and closes the transport. The session ends terminal.
func (s *Session) shutdown(reason string) {
	s.mu.Lock()
	s.autoReconnect = false
	s.stopTimerLocked()
	s.gen++
	tr := s.transport
	s.transport = nil
	s.setStatusLocked(StatusClosedTerminal)
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
	s.log.Info().Str("reason", reason).Msg("session.Session.shutdown")
}

// force re-arms the retry budget and rebuilds immediately.
func (s *Session) force(ctx context.Context) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.autoReconnect = true
	s.retriesLeft = s.mgr.policy.MaxRetries
	s.mu.Unlock()
	s.rebuild(ctx, 0)
}

func (s *Session) setStatusLocked(next Status) {
	if next != s.status {
		observability.RecordSessionTransition(string(s.status), string(next))
		s.log.Debug().Str("from", string(s.status)).Str("to", string(next)).Msg("session.Session status")
		s.status = next
	}
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
