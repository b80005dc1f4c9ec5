package session

import (
	"math/rand"
	"time"
)

// Close codes reported by the messaging client library.
const (
	CodeUnknown         = 0
	CodeLoggedOut       = 401
	CodeRestartRequired = 515
)

// CloseReason is the policy-relevant class of a transport close.
type CloseReason string

const (
	ReasonLoggedOut       CloseReason = "logged-out"
	ReasonRestartRequired CloseReason = "restart-required"
	ReasonTransient       CloseReason = "transient"
)

func ClassifyClose(code int) CloseReason {
	switch code {
	case CodeLoggedOut:
		return ReasonLoggedOut
	case CodeRestartRequired:
		return ReasonRestartRequired
	default:
		return ReasonTransient
	}
}

// Action is what the session does after a close.
type Action string

const (
	ActionNone     Action = ""
	ActionRetry    Action = "retry"
	ActionRestart  Action = "restart"
	ActionTerminal Action = "terminal"
)

// Decision is the policy output for one close.
type Decision struct {
	Action        Action
	Reason        CloseReason
	Delay         time.Duration
	RetriesLeft   int
	AutoReconnect bool
}

// Policy maps a close to a Decision. It has no side effects.
type Policy struct {
	MaxRetries int
	Backoff    BackoffConfig
	Rand       *rand.Rand
}

func NewPolicy(cfg Config) Policy {
	cfg = cfg.WithDefaults()
	return Policy{MaxRetries: cfg.MaxRetries, Backoff: cfg.Backoff}
}

func (p Policy) Decide(reason CloseReason, retriesLeft int, autoReconnect bool) Decision {
	switch reason {
	case ReasonLoggedOut:
		return Decision{Action: ActionTerminal, Reason: reason}
	case ReasonRestartRequired:
		return Decision{
			Action:        ActionRestart,
			Reason:        reason,
			RetriesLeft:   p.MaxRetries,
			AutoReconnect: true,
		}
	}
	if !autoReconnect || retriesLeft <= 0 {
		return Decision{Action: ActionTerminal, Reason: reason, AutoReconnect: autoReconnect}
	}
	attempt := p.MaxRetries - retriesLeft + 1
	return Decision{
		Action:        ActionRetry,
		Reason:        reason,
		Delay:         NextBackoffDelay(p.Backoff, attempt, p.Rand),
		RetriesLeft:   retriesLeft - 1,
		AutoReconnect: true,
	}
}
