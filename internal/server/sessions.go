package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/observability"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/gin-gonic/gin"
)

// PhaseMessage is one pairing phase as sent to clients.
type PhaseMessage struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`
	pairing.Result
	RequestID string `json:"requestId"`
}

// ProbeMessage answers a status request.
type ProbeMessage struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`
	pairing.ProbeResult
	RequestID string `json:"requestId"`
}

func requestID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("requestId")); id != "" {
		return id
	}
	return observability.RequestIDFrom(c)
}

// waitParam reads ?wait= in milliseconds; absent or invalid means default.
func waitParam(c *gin.Context) time.Duration {
	ms, err := strconv.ParseInt(c.Query("wait"), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// login streams the two phase messages as NDJSON. Failures before the first
// phase get a regular JSON error response. ?clean=true logs out first.
func (s *Server) login(c *gin.Context) {
	raw := c.Param("identity")
	id, err := identity.Normalize(raw)
	if err != nil {
		s.fail(c, "login", raw, err)
		return
	}
	if !s.limiter.Allow(id) {
		s.fail(c, "login", id.String(), errRateLimited)
		return
	}

	rid := requestID(c)
	clean, _ := strconv.ParseBool(c.Query("clean"))
	enc := json.NewEncoder(c.Writer)
	started := false
	opts := pairing.PairOptions{Wait: waitParam(c), Clean: clean}
	err = s.pairing.PairWith(c.Request.Context(), id, opts, func(r pairing.Result) {
		if !started {
			c.Header("Content-Type", "application/x-ndjson")
			c.Status(http.StatusOK)
			started = true
		}
		if err := enc.Encode(PhaseMessage{OK: true, Action: "login", Result: r, RequestID: rid}); err != nil {
			s.log.Debug().Err(err).Msg("server.Server.login write phase")
			return
		}
		c.Writer.Flush()
	})
	if err != nil && !started {
		s.fail(c, "login", id.String(), err)
	}
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"action":    "list",
		"sessions":  s.sessions.List(),
		"requestId": requestID(c),
	})
}

func (s *Server) sessionStatus(c *gin.Context) {
	raw := c.Param("identity")
	id, err := identity.Normalize(raw)
	if err != nil {
		s.fail(c, "status", raw, err)
		return
	}
	active, _ := strconv.ParseBool(c.Query("active"))
	res, err := s.pairing.Probe(c.Request.Context(), id, active)
	if err != nil {
		s.fail(c, "status", id.String(), err)
		return
	}
	c.JSON(http.StatusOK, ProbeMessage{OK: true, Action: "status", ProbeResult: res, RequestID: requestID(c)})
}

func (s *Server) disconnect(c *gin.Context) {
	raw := c.Param("identity")
	id, err := identity.Normalize(raw)
	if err != nil {
		s.fail(c, "disconnect", raw, err)
		return
	}
	if err := s.sessions.Disconnect(id); err != nil {
		s.fail(c, "disconnect", id.String(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": "disconnect", "identity": id, "requestId": requestID(c)})
}

// logout drops the session and wipes stored credentials. It succeeds for an
// identity with nothing to remove.
func (s *Server) logout(c *gin.Context) {
	raw := c.Param("identity")
	id, err := identity.Normalize(raw)
	if err != nil {
		s.fail(c, "logout", raw, err)
		return
	}
	dropped, err := s.pairing.Logout(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "logout", id.String(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": "logout", "identity": id, "dropped": dropped, "requestId": requestID(c)})
}

func (s *Server) reconnect(c *gin.Context) {
	raw := c.Param("identity")
	id, err := identity.Normalize(raw)
	if err != nil {
		s.fail(c, "reconnect", raw, err)
		return
	}
	sess, err := s.sessions.Reconnect(c.Request.Context(), id)
	if err != nil {
		s.fail(c, "reconnect", id.String(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": "reconnect", "session": sess.Snapshot(), "requestId": requestID(c)})
}
