package session

import (
	"context"
	"errors"

	"github.com/danmuck/pairctl/internal/identity"
)

var (
	ErrTerminal    = errors.New("session: terminal")
	ErrNotFound    = errors.New("session: not found")
	ErrNoTransport = errors.New("session: no transport")
	ErrClosed      = errors.New("session: manager closed")
)

// Transport is one live connection to the messaging service.
type Transport interface {
	// RequestPairingCode asks the service for a short-lived pairing code.
	RequestPairingCode(ctx context.Context, id identity.Identity) (string, error)
	// PairingCode is the last code the transport produced on its own, or "".
	PairingCode() string
	Registered() bool
	Close() error
}

// DialRequest carries what a Dialer needs to build a Transport.
type DialRequest struct {
	Identity    identity.Identity
	Credentials []byte
	OnEvent     func(Event)
}

// Dialer builds transports. OnEvent may be called from any goroutine,
// including before Dial returns.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Transport, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, req DialRequest) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, req DialRequest) (Transport, error) {
	return f(ctx, req)
}

// CredentialStore persists the opaque credential blob per identity.
type CredentialStore interface {
	Load(id identity.Identity) ([]byte, bool, error)
	Save(id identity.Identity, blob []byte) error
	Wipe(id identity.Identity) error
}
