// Package service assembles the session manager, pairing paths and HTTP
// surface from a ServiceConfig and runs them until shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/pairctl/internal/auth"
	"github.com/danmuck/pairctl/internal/config"
	"github.com/danmuck/pairctl/internal/credential"
	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/danmuck/pairctl/internal/server"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/danmuck/pairctl/internal/transport/linebridge"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

var ErrInvalidHeartbeat = errors.New("service: invalid heartbeat interval")

const shutdownGrace = 5 * time.Second

type Service struct {
	cfg config.ServiceConfig
	log zerolog.Logger

	files    *credential.FileStore
	sessions *session.Manager
	locks    *identity.Locker
	pairing  *pairing.Coordinator
	worker   *pairing.Runner
	server   *server.Server

	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	addr string
}

// New builds every component. Nothing listens until Serve.
func New(cfg config.ServiceConfig, logger zerolog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Heartbeat <= 0 {
		return nil, ErrInvalidHeartbeat
	}
	log := logger.With().Str("service", cfg.Name).Logger()

	s := &Service{cfg: cfg, log: log, locks: identity.NewLocker()}
	creds, err := s.credentials()
	if err != nil {
		return nil, err
	}

	var dialer session.Dialer = linebridge.NewDialer(cfg.Bridge, log)
	if cfg.Bridge.Command == "" {
		log.Warn().Msg("service.New no bridge command configured; in-process pairing will report transport-not-ready")
	}
	s.sessions = session.NewManager(cfg.Session, dialer, creds, log)
	s.pairing = pairing.NewCoordinator(cfg.Pairing, s.sessions, s.locks, log)
	s.worker = pairing.NewRunner(cfg.Worker, s.locks, log)

	s.base, s.cancel = context.WithCancel(context.Background())
	var validator auth.Validator
	if cfg.Server.APIToken != "" {
		validator = auth.StaticToken{Token: cfg.Server.APIToken}
	}
	s.server = server.New(server.Options{
		Name:        cfg.Name,
		CorsOrigins: cfg.Server.CorsOrigins,
		Auth:        validator,
		LoginRate:   cfg.Server.LoginRate,
		LoginBurst:  cfg.Server.LoginBurst,
		Logger:      log,
		Context:     s.base,
	}, server.Deps{Sessions: s.sessions, Pairing: s.pairing, Worker: s.worker})
	return s, nil
}

func (s *Service) credentials() (session.CredentialStore, error) {
	switch s.cfg.Credentials.Backend {
	case config.BackendMemory:
		return credential.NewMemoryStore(), nil
	case config.BackendFile:
		opts := []credential.Option{credential.WithLogger(s.log)}
		if path := s.cfg.Credentials.AgeIdentityFile; path != "" {
			sealer, err := credential.LoadSealer(path)
			if err != nil {
				return nil, err
			}
			s.log.Info().Str("recipient", sealer.Recipient()).Msg("service.New sealing credentials at rest")
			opts = append(opts, credential.WithSealer(sealer))
		}
		files, err := credential.NewFileStore(s.cfg.Credentials.Dir, opts...)
		if err != nil {
			return nil, err
		}
		s.files = files
		return files, nil
	default:
		return nil, fmt.Errorf("%w: unknown credentials backend %q", config.ErrInvalid, s.cfg.Credentials.Backend)
	}
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

func (s *Service) Server() *server.Server {
	return s.server
}

func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Addr is the bound listen address once Serve is running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens and blocks until ctx ends or the listener fails. Every
// session and worker is shut down before it returns.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("service: listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	httpSrv := &http.Server{
		Handler:           s.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sctx := stopper.WithContext(ctx)
	failed := make(chan error, 1)

	sctx.Go(func(sctx *stopper.Context) error {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("service.Service.Serve listening")
		err := httpSrv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		select {
		case failed <- err:
		default:
		}
		return err
	})
	sctx.Go(func(sctx *stopper.Context) error {
		<-sctx.Stopping()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if s.files != nil && s.cfg.Credentials.Watch {
		sctx.Go(func(sctx *stopper.Context) error {
			wctx, cancel := untilStopping(sctx)
			defer cancel()
			return s.files.Watch(wctx, func(id identity.Identity) {
				if s.sessions.Forget(id) {
					s.log.Info().Str("identity", id.String()).Msg("service.Service credentials removed; session dropped")
				}
			})
		})
	}
	sctx.Go(func(sctx *stopper.Context) error {
		s.heartbeat(sctx)
		return nil
	})

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("service.Service.Serve shutdown")
	case runErr = <-failed:
		s.log.Error().Err(runErr).Msg("service.Service.Serve listener failed")
	}

	sctx.Stop(shutdownGrace)
	if err := sctx.Wait(); err != nil && runErr == nil {
		s.log.Warn().Err(err).Msg("service.Service.Serve stop")
	}
	s.sessions.Close()
	s.cancel()
	return runErr
}

func (s *Service) heartbeat(sctx *stopper.Context) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sctx.Stopping():
			return
		case <-ticker.C:
			open := 0
			list := s.sessions.List()
			for _, info := range list {
				if info.Status == session.StatusOpen {
					open++
				}
			}
			s.log.Info().
				Int("sessions", len(list)).
				Int("open", open).
				Int("locked", s.locks.Len()).
				Msg("service.Service.heartbeat")
		}
	}
}

// untilStopping is cancelled as soon as sctx begins stopping rather than
// when its grace period runs out.
func untilStopping(sctx *stopper.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(sctx)
	go func() {
		select {
		case <-sctx.Stopping():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
