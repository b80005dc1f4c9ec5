package pairing

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/supervisor"
	"github.com/rs/zerolog"
)

const busyNote = "number is in working"

var (
	ErrBusy          = errors.New("pairing: " + busyNote)
	ErrInvalidScript = errors.New("pairing: invalid script name")
)

// Worker exit codes.
const (
	ExitSuccess       = 200
	ExitInactive      = 100
	ExitAlreadyLogged = 201
)

// Outcome codes and tags reported to callers of the subprocess path.
const (
	CodeOK            = 200
	CodeLoggedBefore  = 201
	CodeWaitTimeout   = 300
	CodeNoCodeTimeout = 301
	CodeBadRequest    = 400
	CodeFailure       = 500

	TagPairCode    = "pairCode"
	TagLoginResult = "loginResult"
	TagMessageSend = "message_send"
	TagResult      = "result"

	MethodAccountLogin = "account_login"
)

var scriptName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type WorkerConfig struct {
	Node           string
	ScriptDir      string
	DefaultScript  string
	DefaultTimeout time.Duration
	TimeoutSlack   time.Duration
	GraceKill      time.Duration
	RejectBusy     bool
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Node:           "node",
		ScriptDir:      ".",
		DefaultScript:  "login",
		DefaultTimeout: 240 * time.Second,
		TimeoutSlack:   10 * time.Second,
		GraceKill:      3 * time.Second,
		RejectBusy:     true,
	}
}

func (c WorkerConfig) WithDefaults() WorkerConfig {
	def := DefaultWorkerConfig()
	if strings.TrimSpace(c.Node) == "" {
		c.Node = def.Node
	}
	if strings.TrimSpace(c.ScriptDir) == "" {
		c.ScriptDir = def.ScriptDir
	}
	if strings.TrimSpace(c.DefaultScript) == "" {
		c.DefaultScript = def.DefaultScript
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.TimeoutSlack < 0 {
		c.TimeoutSlack = 0
	}
	if c.GraceKill <= 0 {
		c.GraceKill = def.GraceKill
	}
	return c
}

// LoginRequest is one subprocess login or action request.
type LoginRequest struct {
	Number       string `json:"number"`
	Script       string `json:"script,omitempty"`
	Type         string `json:"type,omitempty"`
	Proxy        string `json:"proxy,omitempty"`
	TargetNumber string `json:"target_number,omitempty"`
	Content      string `json:"content,omitempty"`
	// Timeout in seconds; <= 0 uses the configured default.
	Timeout int `json:"timeout,omitempty"`
}

// Outcome is one message on the subprocess path.
type Outcome struct {
	Type         string                   `json:"type,omitempty"`
	Tag          string                   `json:"tag,omitempty"`
	Code         int                      `json:"code"`
	Note         string                   `json:"note,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Number       string                   `json:"number"`
	PairCode     string                   `json:"pairCode,omitempty"`
	IsActive     string                   `json:"isActive,omitempty"`
	TargetNumber string                   `json:"target_number,omitempty"`
	Result       *supervisor.ActionResult `json:"result,omitempty"`
}

// Events receives outcomes as they happen. The final loginResult is always last.
type Events struct {
	OnOutcome func(Outcome)
	OnOutput  func(stream, line string)
}

// Runner drives login workers through the supervisor, one per identity at a time.
type Runner struct {
	cfg   WorkerConfig
	locks *identity.Locker
	log   zerolog.Logger
}

func NewRunner(cfg WorkerConfig, locks *identity.Locker, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:   cfg.WithDefaults(),
		locks: locks,
		log:   logger.With().Str("component", "worker").Logger(),
	}
}

// Command builds the worker argv for req.
func (r *Runner) Command(id identity.Identity, req LoginRequest) (supervisor.Command, error) {
	script := strings.TrimSpace(req.Script)
	if script == "" {
		script = r.cfg.DefaultScript
	}
	if !scriptName.MatchString(script) {
		return supervisor.Command{}, ErrInvalidScript
	}
	return supervisor.Command{
		Path: r.cfg.Node,
		Args: []string{
			filepath.Join(r.cfg.ScriptDir, script+".js"),
			"--phoneNumber=" + id.String(),
			"--methodType=" + req.Type,
			"--proxy=" + req.Proxy,
			"--target_number=" + req.TargetNumber,
			"--content=" + req.Content,
		},
		Dir: r.cfg.ScriptDir,
	}, nil
}

// Timeout is the wall-clock limit for req including slack.
func (r *Runner) Timeout(req LoginRequest) time.Duration {
	base := r.cfg.DefaultTimeout
	if req.Timeout > 0 {
		base = time.Duration(req.Timeout) * time.Second
	}
	return base + r.cfg.TimeoutSlack
}

// Login runs one worker for req.Number. Validation and busy rejections
// return an error without spawning. Every spawned attempt ends with a
// loginResult outcome.
func (r *Runner) Login(ctx context.Context, req LoginRequest, ev Events) (*supervisor.Result, error) {
	id, err := identity.Normalize(req.Number)
	if err != nil {
		return nil, err
	}
	cmd, err := r.Command(id, req)
	if err != nil {
		return nil, err
	}

	var ticket *identity.Ticket
	if r.cfg.RejectBusy {
		t, ok := r.locks.TryAcquire(id)
		if !ok {
			r.log.Warn().Str("identity", id.String()).Msg("pairing.Runner.Login busy")
			emitOutcome(ev, Outcome{Type: "error", Code: CodeFailure, Number: id.String(), Note: busyNote})
			return nil, ErrBusy
		}
		ticket = t
	} else {
		t, err := r.locks.Acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		ticket = t
	}
	defer ticket.Release()

	logger := r.log.With().Str("identity", id.String()).Str("method", req.Type).Logger()
	number := id.String()
	res, err := supervisor.Run(ctx, cmd, supervisor.Options{
		Timeout:   r.Timeout(req),
		GraceKill: r.cfg.GraceKill,
		Logger:    &logger,
	}, supervisor.Callbacks{
		OnPairCode: func(code string) {
			emitOutcome(ev, Outcome{Tag: TagPairCode, Code: CodeOK, Number: number, PairCode: code})
		},
		OnLoginStatus: func(status string) {
			logger.Info().Str("login_status", status).Msg("pairing.Runner.Login status")
		},
		OnResult: func(ar supervisor.ActionResult) {
			emitOutcome(ev, Outcome{Tag: TagResult, Code: CodeOK, Number: number, TargetNumber: ar.TargetNumber, Result: &ar})
		},
		OnSendResult: func(sr supervisor.SendResult) {
			emitOutcome(ev, Outcome{Tag: TagMessageSend, Code: sendCode(sr.Code), Number: number, TargetNumber: sr.TargetNumber})
		},
		OnOutput: ev.OnOutput,
	})
	if err != nil {
		emitOutcome(ev, Outcome{Tag: TagLoginResult, Code: CodeFailure, Number: number, Error: err.Error(), TargetNumber: req.TargetNumber})
		return nil, err
	}
	emitOutcome(ev, Interpret(number, req.Type, res))
	return res, nil
}

// Interpret maps a finished worker to its loginResult outcome.
func Interpret(number, method string, res *supervisor.Result) Outcome {
	out := Outcome{Tag: TagLoginResult, Number: number}
	gotCode := res.PairingCode != ""
	switch res.ExitCode {
	case ExitSuccess:
		switch {
		case method != MethodAccountLogin:
			out.Code, out.Note, out.IsActive = CodeOK, "login success", "active"
		case gotCode:
			out.Code, out.Note = CodeOK, "login success"
		default:
			out.Code, out.Note = CodeLoggedBefore, "has login before"
		}
	case ExitInactive:
		out.Code, out.Note, out.IsActive = CodeOK, "login success", "unavailable"
	case ExitAlreadyLogged:
		out.Code, out.Note = CodeLoggedBefore, "has login before"
	default:
		if gotCode {
			out.Code, out.Note = CodeWaitTimeout, "waiting for pair code timeout"
		} else {
			out.Code, out.Note = CodeNoCodeTimeout, "get pair code timeout"
		}
	}
	return out
}

func emitOutcome(ev Events, o Outcome) {
	if ev.OnOutcome != nil {
		ev.OnOutcome(o)
	}
}

func sendCode(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
