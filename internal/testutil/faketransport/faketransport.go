// Package faketransport is a scripted session.Dialer for tests.
package faketransport

import (
	"context"
	"sync"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/session"
)

// Dialer records every dial and hands out scripted transports.
type Dialer struct {
	// Script runs on its own goroutine after each successful dial.
	Script func(t *Transport)
	// DialErr fails every dial while set.
	DialErr error

	PairCode   string
	PairErr    error
	Fallback   string
	Registered bool

	mu    sync.Mutex
	dials []*Transport
	fails int
}

func (d *Dialer) Dial(ctx context.Context, req session.DialRequest) (session.Transport, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		d.fails++
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	t := &Transport{
		id:          req.Identity,
		credentials: append([]byte(nil), req.Credentials...),
		onEvent:     req.OnEvent,
		code:        d.PairCode,
		codeErr:     d.PairErr,
		fallback:    d.Fallback,
		registered:  d.Registered || len(req.Credentials) > 0,
	}
	script := d.Script
	d.mu.Unlock()

	t.Emit(session.Event{Kind: session.EventConnecting})
	d.mu.Lock()
	d.dials = append(d.dials, t)
	d.mu.Unlock()
	if script != nil {
		go script(t)
	}
	return t, nil
}

func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialErr = err
}

// Dials counts successful dials.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *Dialer) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fails
}

// Last is the most recent transport, or nil.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

func (d *Dialer) At(i int) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

// Transport is one scripted connection.
type Transport struct {
	id          identity.Identity
	credentials []byte
	onEvent     func(session.Event)

	mu         sync.Mutex
	code       string
	codeErr    error
	fallback   string
	registered bool
	requests   int
	closed     bool
}

func (t *Transport) RequestPairingCode(ctx context.Context, id identity.Identity) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
	if t.codeErr != nil {
		return "", t.codeErr
	}
	return t.code, nil
}

func (t *Transport) PairingCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fallback
}

func (t *Transport) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Requests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

func (t *Transport) Credentials() []byte {
	return t.credentials
}

func (t *Transport) Emit(ev session.Event) {
	t.onEvent(ev)
}

// Open reports the connection as open.
func (t *Transport) Open(registered bool) {
	t.mu.Lock()
	t.registered = t.registered || registered
	t.mu.Unlock()
	t.Emit(session.Event{Kind: session.EventOpen, Registered: registered})
}

// Drop reports a close with code.
func (t *Transport) Drop(code int) {
	t.Emit(session.Event{Kind: session.EventClose, Code: code, Message: "scripted close"})
}

// SaveCredentials reports a credential update.
func (t *Transport) SaveCredentials(blob []byte) {
	t.Emit(session.Event{Kind: session.EventCredentials, Credentials: blob})
}
