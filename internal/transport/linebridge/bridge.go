package linebridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/procgroup"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/rs/zerolog"
)

var (
	ErrNoCommand    = errors.New("linebridge: no bridge command configured")
	ErrExited       = errors.New("linebridge: bridge exited")
	ErrPairRejected = errors.New("linebridge: pairing code rejected")
)

const (
	// IdentityEnv carries the identity into the bridge environment.
	IdentityEnv = "PAIRCTL_IDENTITY"

	DefaultCloseGrace = 2 * time.Second
	maxLine           = 4 << 20
)

type Config struct {
	Command    string
	Args       []string
	Dir        string
	Env        []string
	CloseGrace time.Duration
}

func (c Config) WithDefaults() Config {
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	return c
}

// Dialer starts one bridge process per dial.
type Dialer struct {
	cfg Config
	log zerolog.Logger
}

func NewDialer(cfg Config, logger zerolog.Logger) *Dialer {
	return &Dialer{
		cfg: cfg.WithDefaults(),
		log: logger.With().Str("component", "linebridge").Logger(),
	}
}

// Dial spawns the bridge. The process outlives ctx; it ends on Close or on
// its own exit, which is reported as a close event.
func (d *Dialer) Dial(ctx context.Context, req session.DialRequest) (session.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(d.cfg.Command) == "" {
		return nil, ErrNoCommand
	}

	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Dir = d.cfg.Dir
	cmd.Env = append(cmd.Environ(), IdentityEnv+"="+req.Identity.String())
	cmd.Env = append(cmd.Env, d.cfg.Env...)
	procgroup.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("linebridge: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("linebridge: stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("linebridge: stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("linebridge: start %s: %w", d.cfg.Command, err)
	}

	t := &Transport{
		id:         req.Identity,
		cmd:        cmd,
		stdin:      stdin,
		onEvent:    req.OnEvent,
		grace:      d.cfg.CloseGrace,
		log:        d.log.With().Str("identity", req.Identity.String()).Int("pid", cmd.Process.Pid).Logger(),
		registered: len(req.Credentials) > 0,
		done:       make(chan struct{}),
	}
	t.log.Debug().Str("command", d.cfg.Command).Msg("linebridge.Dialer.Dial started")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		t.readStderr(stderr)
	}()
	go t.wait(&readers)

	if len(req.Credentials) > 0 {
		if err := t.write(credsLine(req.Credentials)); err != nil {
			t.log.Warn().Err(err).Msg("linebridge.Dialer.Dial send credentials")
		}
	}
	return t, nil
}

type pairReply struct {
	code string
	err  error
}

// Transport is one running bridge process.
type Transport struct {
	id      identity.Identity
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	onEvent func(session.Event)
	grace   time.Duration
	log     zerolog.Logger
	done    chan struct{}

	reqMu sync.Mutex
	wmu   sync.Mutex

	mu         sync.Mutex
	registered bool
	code       string
	pending    chan pairReply
	closed     bool
	sawClose   bool

	closeOnce sync.Once
}

// RequestPairingCode writes a pair request and waits for the bridge's answer.
// Requests are serialized.
func (t *Transport) RequestPairingCode(ctx context.Context, id identity.Identity) (string, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	ch := make(chan pairReply, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", session.ErrClosed
	}
	t.pending = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.pending == ch {
			t.pending = nil
		}
		t.mu.Unlock()
	}()

	if err := t.write(pairLine(id.String())); err != nil {
		return "", err
	}
	select {
	case r := <-ch:
		return r.code, r.err
	case <-t.done:
		return "", ErrExited
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Transport) PairingCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

func (t *Transport) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered
}

// Close asks the bridge to exit, then escalates to TERM and KILL on the
// process group in the background. It does not block on the exit.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		_ = t.write(closeLine)
		_ = t.stdin.Close()
		go t.escalate()
	})
	return nil
}

// Done is closed once the bridge process has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) escalate() {
	select {
	case <-t.done:
		return
	case <-time.After(t.grace):
	}
	t.log.Debug().Msg("linebridge.Transport.Close terminating group")
	if err := procgroup.Terminate(t.cmd); err != nil {
		t.log.Warn().Err(err).Msg("linebridge.Transport.Close terminate")
	}
	select {
	case <-t.done:
		return
	case <-time.After(t.grace):
	}
	t.log.Warn().Msg("linebridge.Transport.Close killing group")
	if err := procgroup.Kill(t.cmd); err != nil {
		t.log.Warn().Err(err).Msg("linebridge.Transport.Close kill")
	}
}

func (t *Transport) write(line string) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	select {
	case <-t.done:
		return ErrExited
	default:
	}
	_, err := io.WriteString(t.stdin, line)
	return err
}

func (t *Transport) readStdout(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		t.line(sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.log.Warn().Err(err).Msg("linebridge.Transport stdout")
	}
}

func (t *Transport) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		t.log.Debug().Str("line", sc.Text()).Msg("linebridge.Transport stderr")
	}
}

func (t *Transport) line(raw string) {
	p, err := parseLine(raw)
	if err != nil {
		t.log.Warn().Str("line", raw).Msg("linebridge.Transport malformed line")
		return
	}
	switch p.kind {
	case lineEvent:
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		switch p.event.Kind {
		case session.EventOpen:
			t.registered = t.registered || p.event.Registered
		case session.EventCredentials:
			t.registered = true
		case session.EventClose:
			t.sawClose = true
		}
		t.mu.Unlock()
		t.emit(p.event)
	case linePairCode:
		t.mu.Lock()
		t.code = p.text
		ch := t.pending
		t.pending = nil
		t.mu.Unlock()
		if ch != nil {
			ch <- pairReply{code: p.text}
		}
	case linePairError:
		t.mu.Lock()
		ch := t.pending
		t.pending = nil
		t.mu.Unlock()
		if ch != nil {
			ch <- pairReply{err: fmt.Errorf("%w: %s", ErrPairRejected, p.text)}
			return
		}
		t.log.Warn().Str("error", p.text).Msg("linebridge.Transport unsolicited pair error")
	}
}

// wait reaps the process after both pipes drain. An exit the host did not
// ask for and the bridge did not announce becomes a transient close.
func (t *Transport) wait(readers *sync.WaitGroup) {
	readers.Wait()
	_ = t.cmd.Wait()
	code, sig := procgroup.ExitStatus(t.cmd.ProcessState)

	t.wmu.Lock()
	close(t.done)
	t.wmu.Unlock()

	t.mu.Lock()
	report := !t.closed && !t.sawClose
	t.closed = true
	t.mu.Unlock()

	t.log.Debug().Int("exit_code", code).Str("signal", sig).Bool("reported", report).Msg("linebridge.Transport exited")
	if report {
		msg := fmt.Sprintf("bridge exited with code %d", code)
		if sig != "" {
			msg += " (" + sig + ")"
		}
		t.emit(session.Event{Kind: session.EventClose, Code: session.CodeUnknown, Message: msg})
	}
}

func (t *Transport) emit(ev session.Event) {
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}
