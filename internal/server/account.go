package server

import (
	"net/http"
	"sync"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/gin-gonic/gin"
)

// accountLogin answers once: with the first pair code, or with the final
// outcome when no code came first. The worker keeps running under the
// server context after the reply.
func (s *Server) accountLogin(c *gin.Context) {
	var req pairing.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "account_login", "", &identity.ValidationError{Raw: "", Reason: "body: " + err.Error()})
		return
	}
	id, err := identity.Normalize(req.Number)
	if err != nil {
		s.fail(c, "account_login", req.Number, err)
		return
	}
	if !s.limiter.Allow(id) {
		s.fail(c, "account_login", id.String(), errRateLimited)
		return
	}

	first := make(chan pairing.Outcome, 1)
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := s.worker.Login(s.opts.Context, req, pairing.Events{
			OnOutcome: func(o pairing.Outcome) {
				once.Do(func() { first <- o })
			},
		})
		done <- err
	}()

	select {
	case o := <-first:
		c.JSON(outcomeStatus(o), o)
	case err := <-done:
		select {
		case o := <-first:
			c.JSON(outcomeStatus(o), o)
		default:
			if err == nil {
				err = errNoOutcome
			}
			s.fail(c, "account_login", id.String(), err)
		}
	case <-c.Request.Context().Done():
		s.log.Debug().Str("identity", id.String()).Msg("server.Server.accountLogin client gone")
	}
}

func outcomeStatus(o pairing.Outcome) int {
	switch {
	case o.Type == "error":
		return http.StatusConflict
	case o.Code == pairing.CodeFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
