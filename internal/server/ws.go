package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
)

// WSRequest is one client message on /ws.
type WSRequest struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	Identity  string `json:"identity,omitempty"`
	// Wait is the phase-two bound in milliseconds.
	Wait   int64  `json:"wait,omitempty"`
	Active bool   `json:"active,omitempty"`
	// Clean logs out before a login.
	Clean bool   `json:"clean,omitempty"`
	Env   string `json:"env,omitempty"`
	pairing.LoginRequest
}

// AccountMessage streams one worker outcome.
type AccountMessage struct {
	Action string `json:"action"`
	pairing.Outcome
	RequestID string `json:"requestId"`
}

// LogMessage forwards one worker output line in dev mode.
type LogMessage struct {
	Type      string `json:"type"`
	Stream    string `json:"stream"`
	Line      string `json:"line"`
	RequestID string `json:"requestId"`
}

type wsConn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (w *wsConn) send(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteJSON(v); err != nil {
		w.log.Debug().Err(err).Msg("server.wsConn.send")
		w.closed = true
	}
}

func (w *wsConn) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		_ = w.conn.Close()
		return
	}
	w.closed = true
	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = w.conn.Close()
}

// websocket serves one client. Requests are handled concurrently; login and
// status work is cancelled when the client goes away, worker logins are not.
func (s *Server) websocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("server.Server.websocket upgrade")
		return
	}
	conn.SetReadLimit(wsReadLimit)
	ws := &wsConn{conn: conn, log: s.log}

	ctx, cancel := context.WithCancel(s.opts.Context)
	var wg sync.WaitGroup
	defer ws.close()
	defer wg.Wait()
	defer cancel()

	ws.send(gin.H{"ok": true, "action": "hello", "service": s.opts.Name, "version": version, "requestId": requestID(c)})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("server.Server.websocket read")
			}
			return
		}
		var req WSRequest
		if err := json.Unmarshal(data, &req); err != nil {
			msg, _ := errorMessage("", "", uuid.NewString(), &identity.ValidationError{Reason: "message: " + err.Error()})
			ws.send(msg)
			continue
		}
		if strings.TrimSpace(req.RequestID) == "" {
			req.RequestID = uuid.NewString()
		}
		s.dispatch(ctx, ws, &wg, req)
	}
}

func (s *Server) dispatch(ctx context.Context, ws *wsConn, wg *sync.WaitGroup, req WSRequest) {
	switch req.Action {
	case "ping":
		ws.send(gin.H{"ok": true, "action": "pong", "requestId": req.RequestID})
	case "status":
		id, ok := s.wsIdentity(ws, req, req.Identity)
		if !ok {
			return
		}
		wg.Go(func() {
			res, err := s.pairing.Probe(ctx, id, req.Active)
			if err != nil {
				s.wsFail(ws, req, id.String(), err)
				return
			}
			ws.send(ProbeMessage{OK: true, Action: "status", ProbeResult: res, RequestID: req.RequestID})
		})
	case "login":
		id, ok := s.wsIdentity(ws, req, req.Identity)
		if !ok {
			return
		}
		if !s.limiter.Allow(id) {
			s.wsFail(ws, req, id.String(), errRateLimited)
			return
		}
		wg.Go(func() {
			opts := pairing.PairOptions{Wait: time.Duration(req.Wait) * time.Millisecond, Clean: req.Clean}
			err := s.pairing.PairWith(ctx, id, opts, func(r pairing.Result) {
				ws.send(PhaseMessage{OK: true, Action: "login", Result: r, RequestID: req.RequestID})
			})
			if err != nil {
				s.wsFail(ws, req, id.String(), err)
			}
		})
	case "logout":
		id, ok := s.wsIdentity(ws, req, req.Identity)
		if !ok {
			return
		}
		wg.Go(func() {
			dropped, err := s.pairing.Logout(ctx, id)
			if err != nil {
				s.wsFail(ws, req, id.String(), err)
				return
			}
			ws.send(gin.H{"ok": true, "action": "logout", "identity": id, "dropped": dropped, "requestId": req.RequestID})
		})
	case "account_login":
		lr := req.LoginRequest
		if lr.Number == "" {
			lr.Number = req.Identity
		}
		id, ok := s.wsIdentity(ws, req, lr.Number)
		if !ok {
			return
		}
		if !s.limiter.Allow(id) {
			s.wsFail(ws, req, id.String(), errRateLimited)
			return
		}
		go s.wsAccountLogin(ws, req, lr)
	default:
		s.wsFail(ws, req, req.Identity, errBadAction)
	}
}

func (s *Server) wsAccountLogin(ws *wsConn, req WSRequest, lr pairing.LoginRequest) {
	var emitted atomic.Bool
	ev := pairing.Events{
		OnOutcome: func(o pairing.Outcome) {
			emitted.Store(true)
			ws.send(AccountMessage{Action: "account_login", Outcome: o, RequestID: req.RequestID})
		},
	}
	if req.Env == "dev" {
		ev.OnOutput = func(stream, line string) {
			ws.send(LogMessage{Type: "log", Stream: stream, Line: line, RequestID: req.RequestID})
		}
	}
	_, err := s.worker.Login(s.opts.Context, lr, ev)
	if err != nil && !emitted.Load() {
		s.wsFail(ws, req, lr.Number, err)
	}
}

func (s *Server) wsIdentity(ws *wsConn, req WSRequest, raw string) (identity.Identity, bool) {
	id, err := identity.Normalize(raw)
	if err != nil {
		s.wsFail(ws, req, raw, err)
		return "", false
	}
	return id, true
}

func (s *Server) wsFail(ws *wsConn, req WSRequest, id string, err error) {
	msg, _ := errorMessage(req.Action, id, req.RequestID, err)
	ws.send(msg)
}
