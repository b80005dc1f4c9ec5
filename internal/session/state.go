package session

// Status is the lifecycle state of one session.
type Status string

const (
	StatusInit           Status = "INIT"
	StatusConnecting     Status = "CONNECTING"
	StatusOpen           Status = "OPEN"
	StatusClosedRetrying Status = "CLOSED_RETRYING"
	StatusClosedTerminal Status = "CLOSED_TERMINAL"
)

func (s Status) Terminal() bool {
	return s == StatusClosedTerminal
}

// Ready is true once a transport is live or being established.
func (s Status) Ready() bool {
	return s == StatusConnecting || s == StatusOpen
}

// EventKind enumerates transport callbacks.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventOpen
	EventClose
	EventCredentials
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// Event is one callback from a transport.
type Event struct {
	Kind        EventKind
	Registered  bool
	Code        int
	Message     string
	Credentials []byte
}

// Next is the transition function. Close events follow the policy decision;
// a terminal session never leaves CLOSED_TERMINAL.
func Next(cur Status, ev Event, d Decision) Status {
	if cur.Terminal() {
		return cur
	}
	switch ev.Kind {
	case EventConnecting:
		return StatusConnecting
	case EventOpen:
		return StatusOpen
	case EventClose:
		switch d.Action {
		case ActionRetry:
			return StatusClosedRetrying
		case ActionRestart:
			return StatusConnecting
		case ActionTerminal:
			return StatusClosedTerminal
		}
	}
	return cur
}
