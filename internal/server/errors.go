package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/gin-gonic/gin"
)

var (
	errRateLimited = errors.New("server: too many login attempts")
	errNoOutcome   = errors.New("server: worker finished without an outcome")
	errBadAction   = errors.New("server: unknown action")
)

// Error kinds carried in errorKind.
const (
	KindValidation        = "validation"
	KindTransportNotReady = "transport-not-ready"
	KindPairingRequest    = "pairing-request"
	KindTerminal          = "terminal"
	KindNotFound          = "not-found"
	KindBusy              = "busy"
	KindRateLimited       = "rate-limited"
	KindInternal          = "internal"
)

// ErrorMessage is the failure shape shared by HTTP and websocket replies.
type ErrorMessage struct {
	OK        bool   `json:"ok"`
	Action    string `json:"action"`
	Identity  string `json:"identity,omitempty"`
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind"`
	RequestID string `json:"requestId"`
}

// classify maps an error to its kind and HTTP status. Order matters: a
// terminal session surfaced as not-ready reports not-ready.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, identity.ErrInvalid), errors.Is(err, pairing.ErrInvalidScript), errors.Is(err, errBadAction):
		return KindValidation, http.StatusBadRequest
	case errors.Is(err, pairing.ErrTransportNotReady):
		return KindTransportNotReady, http.StatusServiceUnavailable
	case errors.Is(err, pairing.ErrPairingRequest):
		return KindPairingRequest, http.StatusBadGateway
	case errors.Is(err, session.ErrTerminal):
		return KindTerminal, http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		return KindNotFound, http.StatusNotFound
	case errors.Is(err, pairing.ErrBusy):
		return KindBusy, http.StatusConflict
	case errors.Is(err, errRateLimited):
		return KindRateLimited, http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindInternal, http.StatusGatewayTimeout
	default:
		return KindInternal, http.StatusInternalServerError
	}
}

func errorMessage(action, id, requestID string, err error) (ErrorMessage, int) {
	kind, status := classify(err)
	return ErrorMessage{
		Action:    action,
		Identity:  id,
		Error:     err.Error(),
		ErrorKind: kind,
		RequestID: requestID,
	}, status
}

func (s *Server) fail(c *gin.Context, action, id string, err error) {
	msg, status := errorMessage(action, id, requestID(c), err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("action", action).Str("identity", id).Msg("server.Server request failed")
	}
	c.AbortWithStatusJSON(status, msg)
}
