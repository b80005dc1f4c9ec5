// Package supervisor runs one worker attempt in its own process group,
// scrapes its output for result markers and enforces a wall-clock timeout
// with TERM then KILL escalation.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/pairctl/internal/observability"
	"github.com/danmuck/pairctl/internal/procgroup"
	"github.com/rs/zerolog"
)

var ErrSpawn = errors.New("supervisor: spawn failed")

// SpawnError is returned when the command could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return "supervisor: spawn " + e.Path + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

// Command is an argv plus optional working directory and extra environment.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Shell runs cmdline through sh -c.
func Shell(cmdline string) Command {
	return Command{Path: "sh", Args: []string{"-c", cmdline}}
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

const (
	DefaultGraceKill = 3 * time.Second
	// MaxOutput bounds the retained output buffer. Later lines are still
	// scanned and forwarded.
	MaxOutput = 1 << 20
	// MaxLine splits output that runs this long without a newline.
	MaxLine = 64 << 10
)

type Options struct {
	// Timeout <= 0 disables the wall-clock limit.
	Timeout   time.Duration
	GraceKill time.Duration
	Logger    *zerolog.Logger
}

// Callbacks are invoked from output-reading goroutines, one line at a time.
type Callbacks struct {
	OnPairCode    func(code string)
	OnLoginStatus func(status string)
	OnResult      func(ActionResult)
	OnSendResult  func(SendResult)
	OnOutput      func(stream, line string)
}

// Result describes one finished attempt.
type Result struct {
	Command     string         `json:"command"`
	StartedAt   time.Time      `json:"startedAt"`
	Deadline    time.Time      `json:"deadline,omitempty"`
	Duration    time.Duration  `json:"duration"`
	PairingCode string         `json:"pairCode,omitempty"`
	LoginStatus string         `json:"loginStatus,omitempty"`
	Results     []ActionResult `json:"results,omitempty"`
	Sends       []SendResult   `json:"sends,omitempty"`
	Output      string         `json:"output"`
	Truncated   bool           `json:"truncated,omitempty"`
	ExitCode    int            `json:"exitCode"`
	Signal      string         `json:"signal,omitempty"`
	TimedOut    bool           `json:"timedOut"`
	Cancelled   bool           `json:"cancelled,omitempty"`
}

// Run starts c and blocks until it exits. Timeout and ctx cancellation both
// TERM the process group, then KILL it after GraceKill. The only error is a
// *SpawnError.
func Run(ctx context.Context, c Command, opts Options, cb Callbacks) (*Result, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	grace := opts.GraceKill
	if grace <= 0 {
		grace = DefaultGraceKill
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	procgroup.Prepare(cmd)
	cmd.WaitDelay = grace + time.Second

	sc := newScanner(cb)
	stdout := sc.stream("stdout")
	stderr := sc.stream("stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	res := &Result{Command: c.String(), StartedAt: time.Now()}
	if err := cmd.Start(); err != nil {
		logger.Warn().Err(err).Str("command", res.Command).Msg("supervisor.Run spawn failed")
		return nil, &SpawnError{Path: c.Path, Err: err}
	}
	logger.Debug().Str("command", res.Command).Int("pid", cmd.Process.Pid).Dur("timeout", opts.Timeout).
		Msg("supervisor.Run started")

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		res.Deadline = res.StartedAt.Add(opts.Timeout)
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	ctxDone := ctx.Done()
	var killC <-chan time.Time
	terminate := func(why string) {
		logger.Info().Str("command", res.Command).Str("why", why).Msg("supervisor.Run terminating")
		if err := procgroup.Terminate(cmd); err != nil {
			logger.Warn().Err(err).Msg("supervisor.Run terminate")
		}
		killC = time.After(grace)
		timeoutC = nil
		ctxDone = nil
	}

wait:
	for {
		select {
		case <-done:
			break wait
		case <-timeoutC:
			res.TimedOut = true
			terminate("timeout")
		case <-ctxDone:
			res.Cancelled = true
			terminate("cancelled")
		case <-killC:
			killC = nil
			logger.Warn().Str("command", res.Command).Msg("supervisor.Run grace expired, killing group")
			if err := procgroup.Kill(cmd); err != nil {
				logger.Warn().Err(err).Msg("supervisor.Run kill")
			}
		}
	}

	stdout.flush()
	stderr.flush()
	res.Duration = time.Since(res.StartedAt)
	res.ExitCode, res.Signal = procgroup.ExitStatus(cmd.ProcessState)
	sc.fill(res)
	observability.RecordWorkerAttempt(res.ExitCode, res.TimedOut, res.Duration)
	logger.Info().
		Str("command", res.Command).
		Int("exit_code", res.ExitCode).
		Str("signal", res.Signal).
		Bool("timed_out", res.TimedOut).
		Bool("pair_code", res.PairingCode != "").
		Dur("duration", res.Duration).
		Msg("supervisor.Run finished")
	return res, nil
}

// scanner serializes marker extraction across both output streams.
type scanner struct {
	cb Callbacks

	mu          sync.Mutex
	output      strings.Builder
	truncated   bool
	pairCode    string
	loginStatus string
	results     []ActionResult
	sends       []SendResult
}

func newScanner(cb Callbacks) *scanner {
	return &scanner{cb: cb}
}

func (s *scanner) stream(name string) *lineWriter {
	return &lineWriter{name: name, sc: s}
}

func (s *scanner) line(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.output.Len()+len(line)+1 <= MaxOutput {
		s.output.WriteString(line)
		s.output.WriteByte('\n')
	} else {
		s.truncated = true
	}
	if s.cb.OnOutput != nil {
		s.cb.OnOutput(stream, line)
	}
	if s.pairCode == "" {
		if code, ok := firstMatch(pairCodePattern, line); ok {
			s.pairCode = code
			if s.cb.OnPairCode != nil {
				s.cb.OnPairCode(code)
			}
		}
	}
	if s.loginStatus == "" {
		if status, ok := firstMatch(loginStatusPattern, line); ok {
			s.loginStatus = status
			if s.cb.OnLoginStatus != nil {
				s.cb.OnLoginStatus(status)
			}
		}
	}
	if r, ok := ParseActionResult(line); ok {
		s.results = append(s.results, r)
		if s.cb.OnResult != nil {
			s.cb.OnResult(r)
		}
	}
	if r, ok := ParseSendResult(line); ok {
		s.sends = append(s.sends, r)
		if s.cb.OnSendResult != nil {
			s.cb.OnSendResult(r)
		}
	}
}

func (s *scanner) fill(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res.Output = s.output.String()
	res.Truncated = s.truncated
	res.PairingCode = s.pairCode
	res.LoginStatus = s.loginStatus
	res.Results = s.results
	res.Sends = s.sends
}

// lineWriter splits a byte stream into lines for the scanner.
type lineWriter struct {
	name string
	sc   *scanner
	mu   sync.Mutex
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.sc.line(w.name, line)
	}
	for len(w.buf) >= MaxLine {
		line := string(w.buf[:MaxLine])
		w.buf = w.buf[MaxLine:]
		w.sc.line(w.name, line)
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return
	}
	line := strings.TrimRight(string(w.buf), "\r")
	w.buf = nil
	w.sc.line(w.name, line)
}
