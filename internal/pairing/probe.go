package pairing

import (
	"context"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/session"
)

type Connection string

const (
	ConnOpen         Connection = "open"
	ConnConnecting   Connection = "connecting"
	ConnRetrying     Connection = "retrying"
	ConnDisconnected Connection = "disconnected"
)

// ProbeResult answers "is this identity paired and connected".
type ProbeResult struct {
	Identity   identity.Identity `json:"identity"`
	Registered bool              `json:"registered"`
	Connection Connection        `json:"connection"`
	Session    *session.Info     `json:"session,omitempty"`
}

// Probe reports registration and connection state. A passive probe has no
// side effects. An active probe ensures a session under the identity lock
// and waits up to the probe window for it to open.
func (c *Coordinator) Probe(ctx context.Context, id identity.Identity, active bool) (ProbeResult, error) {
	if !active {
		return c.passive(id), nil
	}
	var res ProbeResult
	err := c.locks.Do(ctx, id, func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeWindow)
		defer cancel()
		s, err := c.mgr.Ensure(waitCtx, id)
		if err != nil {
			return err
		}
		st, _ := s.WaitStatus(waitCtx, func(st session.Status) bool {
			return st == session.StatusOpen || st.Terminal()
		})
		res = c.passive(id)
		if st == session.StatusOpen {
			res.Connection = ConnOpen
		} else {
			res.Connection = ConnDisconnected
		}
		return nil
	})
	return res, err
}

func (c *Coordinator) passive(id identity.Identity) ProbeResult {
	res := ProbeResult{Identity: id, Connection: ConnDisconnected}
	if s, ok := c.mgr.Get(id); ok {
		info := s.Snapshot()
		res.Session = &info
		res.Registered = info.Registered
		res.Connection = connectionFor(info.Status)
	}
	if !res.Registered {
		if _, ok, err := c.mgr.Credentials().Load(id); err == nil && ok {
			res.Registered = true
		}
	}
	return res
}

func connectionFor(st session.Status) Connection {
	switch st {
	case session.StatusOpen:
		return ConnOpen
	case session.StatusInit, session.StatusConnecting:
		return ConnConnecting
	case session.StatusClosedRetrying:
		return ConnRetrying
	default:
		return ConnDisconnected
	}
}
