// Package pairing runs the two-phase pairing protocol against a managed
// session and the subprocess login path through the supervisor.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/observability"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/rs/zerolog"
)

var (
	ErrTransportNotReady = errors.New("pairing: transport not ready")
	ErrPairingRequest    = errors.New("pairing: pairing code request failed")
)

// RequestError wraps a failed pairing-code request with no usable fallback.
type RequestError struct {
	Identity identity.Identity
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("pairing: request code for %s: %v", e.Identity, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	return target == ErrPairingRequest
}

type Phase string

const (
	PhasePairing Phase = "pairing"
	PhaseFinal   Phase = "final"
)

type Status string

const (
	StatusWaiting           Status = "waiting"
	StatusAlreadyRegistered Status = "already-registered"
	StatusAlreadyOpen       Status = "already-open"
	StatusConnected         Status = "connected"
	StatusPending           Status = "pending"
)

// Result is one emitted phase.
type Result struct {
	Phase       Phase             `json:"phase"`
	Identity    identity.Identity `json:"identity"`
	PairingCode *string           `json:"pairingCode"`
	Status      Status            `json:"status"`
}

// Config bounds the waits the coordinator performs.
type Config struct {
	ReadyTimeout time.Duration
	DefaultWait  time.Duration
	ProbeWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 10 * time.Second,
		DefaultWait:  60 * time.Second,
		ProbeWindow:  8 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.DefaultWait <= 0 {
		c.DefaultWait = def.DefaultWait
	}
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = def.ProbeWindow
	}
	return c
}

// Coordinator pairs identities against sessions held by a Manager.
type Coordinator struct {
	cfg   Config
	mgr   *session.Manager
	locks *identity.Locker
	log   zerolog.Logger
}

func NewCoordinator(cfg Config, mgr *session.Manager, locks *identity.Locker, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:   cfg.WithDefaults(),
		mgr:   mgr,
		locks: locks,
		log:   logger.With().Str("component", "pairing").Logger(),
	}
}

func (c *Coordinator) Config() Config {
	return c.cfg
}

// PairOptions tunes one Pair call.
type PairOptions struct {
	// Wait bounds phase two; <= 0 uses the configured default.
	Wait time.Duration
	// Clean logs the identity out before pairing.
	Clean bool
}

// Pair runs both phases for id under its identity lock and calls emit once
// per phase, in order. wait <= 0 uses the configured default. An error
// returned before the first emit means no phase result was produced.
func (c *Coordinator) Pair(ctx context.Context, id identity.Identity, wait time.Duration, emit func(Result)) error {
	return c.PairWith(ctx, id, PairOptions{Wait: wait}, emit)
}

// PairWith is Pair with options. With Clean the session is dropped and the
// credentials wiped under the same lock hold, so pairing starts from scratch.
func (c *Coordinator) PairWith(ctx context.Context, id identity.Identity, opts PairOptions, emit func(Result)) error {
	wait := opts.Wait
	if wait <= 0 {
		wait = c.cfg.DefaultWait
	}
	return c.locks.Do(ctx, id, func(ctx context.Context) error {
		if opts.Clean {
			if _, err := c.mgr.Logout(id); err != nil {
				return err
			}
		}
		return c.pair(ctx, id, wait, emit)
	})
}

// Logout drops id's session and wipes its credentials under the identity lock.
func (c *Coordinator) Logout(ctx context.Context, id identity.Identity) (bool, error) {
	var dropped bool
	err := c.locks.Do(ctx, id, func(context.Context) error {
		var err error
		dropped, err = c.mgr.Logout(id)
		return err
	})
	return dropped, err
}

// PairRaw normalizes raw first so validation fails before any session is touched.
func (c *Coordinator) PairRaw(ctx context.Context, raw string, wait time.Duration, emit func(Result)) error {
	id, err := identity.Normalize(raw)
	if err != nil {
		return err
	}
	return c.Pair(ctx, id, wait, emit)
}

func (c *Coordinator) pair(ctx context.Context, id identity.Identity, wait time.Duration, emit func(Result)) error {
	log := c.log.With().Str("identity", id.String()).Logger()

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	s, err := c.mgr.Ensure(readyCtx, id)
	if err == nil {
		err = s.WaitReady(readyCtx)
	}
	cancel()
	if s == nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTransportNotReady, err)
		}
		return err
	}
	if err != nil {
		if errors.Is(err, session.ErrTerminal) {
			log.Warn().Msg("pairing.Coordinator.pair session went terminal before ready")
			return fmt.Errorf("%w: %w", ErrTransportNotReady, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Str("status", string(s.Status())).Msg("pairing.Coordinator.pair transport not ready")
		return fmt.Errorf("%w: %s", ErrTransportNotReady, s.Status())
	}

	var code *string
	first := StatusAlreadyRegistered
	switch {
	case s.Status() == session.StatusOpen:
		first = StatusAlreadyOpen
	case !s.Registered():
		issued, err := c.requestCode(ctx, s)
		if err != nil {
			log.Warn().Err(err).Msg("pairing.Coordinator.pair code request failed")
			return err
		}
		code = &issued
		first = StatusWaiting
	}
	c.emit(emit, Result{Phase: PhasePairing, Identity: id, PairingCode: code, Status: first})
	log.Info().Str("status", string(first)).Bool("code", code != nil).Msg("pairing.Coordinator.pair phase pairing")

	final := StatusAlreadyOpen
	if first != StatusAlreadyOpen {
		final = c.awaitOpen(ctx, s, wait)
	}
	c.emit(emit, Result{Phase: PhaseFinal, Identity: id, PairingCode: code, Status: final})
	log.Info().Str("status", string(final)).Msg("pairing.Coordinator.pair phase final")
	return nil
}

// requestCode asks for exactly one code, falling back once to a code the
// transport already produced.
func (c *Coordinator) requestCode(ctx context.Context, s *session.Session) (string, error) {
	code, err := s.RequestPairingCode(ctx)
	if err == nil && code != "" {
		return code, nil
	}
	if fallback := s.FallbackPairingCode(); fallback != "" {
		c.log.Debug().Str("identity", s.Identity().String()).Msg("pairing.Coordinator.requestCode using transport fallback")
		return fallback, nil
	}
	if err == nil {
		err = errors.New("empty pairing code")
	}
	return "", &RequestError{Identity: s.Identity(), Err: err}
}

func (c *Coordinator) awaitOpen(ctx context.Context, s *session.Session, wait time.Duration) Status {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	st, err := s.WaitStatus(waitCtx, func(st session.Status) bool {
		return st == session.StatusOpen
	})
	if err == nil && st == session.StatusOpen {
		return StatusConnected
	}
	return StatusPending
}

func (c *Coordinator) emit(emit func(Result), r Result) {
	observability.RecordPairingResult(string(r.Phase), string(r.Status))
	if emit != nil {
		emit(r)
	}
}
