// Package server exposes sessions, pairing and worker logins over HTTP and
// a websocket.
package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/danmuck/pairctl/internal/auth"
	"github.com/danmuck/pairctl/internal/observability"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

type Options struct {
	Name        string
	CorsOrigins []string
	// Auth guards every route except /health. Nil disables auth.
	Auth       auth.Validator
	LoginRate  float64
	LoginBurst int
	Logger     zerolog.Logger
	// Context outlives requests; worker attempts run under it so a
	// disconnecting client does not kill a login in progress.
	Context context.Context
}

type Deps struct {
	Sessions *session.Manager
	Pairing  *pairing.Coordinator
	Worker   *pairing.Runner
}

type Server struct {
	opts     Options
	sessions *session.Manager
	pairing  *pairing.Coordinator
	worker   *pairing.Runner
	limiter  *limiter
	log      zerolog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
	started  time.Time
}

func New(opts Options, deps Deps) *Server {
	if opts.Name == "" {
		opts.Name = "pairctl"
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	observability.RegisterMetrics()

	s := &Server{
		opts:     opts,
		sessions: deps.Sessions,
		pairing:  deps.Pairing,
		worker:   deps.Worker,
		limiter:  newLimiter(opts.LoginRate, opts.LoginBurst),
		log:      opts.Logger.With().Str("component", "server").Logger(),
		started:  time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware(opts.Name))
	r.Use(cors.New(corsConfig(opts.CorsOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.router = r
	s.routes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)

	api := s.router.Group("/", auth.Middleware(s.opts.Auth))
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.POST("/account/login", s.accountLogin)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:identity", s.sessionStatus)
	api.DELETE("/sessions/:identity", s.disconnect)
	api.POST("/sessions/:identity/login", s.login)
	api.POST("/sessions/:identity/reconnect", s.reconnect)
	api.POST("/sessions/:identity/logout", s.logout)
	api.GET("/ws", s.websocket)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  s.opts.Name,
		"uptime":   time.Since(s.started).String(),
		"sessions": len(s.sessions.List()),
		"version":  version,
	})
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.CorsOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.CorsOrigins, "*") || slices.Contains(s.opts.CorsOrigins, origin)
}
