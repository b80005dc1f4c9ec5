package linebridge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/pairctl/internal/credential"
	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/danmuck/pairctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = identity.Identity("15550001111")

func bridgeScript(t *testing.T, body string) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return Config{Command: "sh", Args: []string{path}, CloseGrace: 200 * time.Millisecond}
}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) on(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

func (r *recorder) kinds() []session.EventKind {
	var out []session.EventKind
	for _, ev := range r.all() {
		out = append(out, ev.Kind)
	}
	return out
}

const echoBridge = `echo event:connecting
while read cmd arg; do
  case "$cmd" in
    pair) echo "pairCode:CODE$arg" ;;
    creds) echo "event:open registered=true" ;;
    close) exit 0 ;;
  esac
done
`

func TestParseLine(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		line string
		want parsed
		err  bool
	}{
		{line: "event:connecting", want: parsed{kind: lineEvent, event: session.Event{Kind: session.EventConnecting}}},
		{line: "event:open registered=true", want: parsed{kind: lineEvent, event: session.Event{Kind: session.EventOpen, Registered: true}}},
		{line: "event:close code=515 msg=stream errored out", want: parsed{kind: lineEvent, event: session.Event{Kind: session.EventClose, Code: 515, Message: "stream errored out"}}},
		{line: "event:close", want: parsed{kind: lineEvent, event: session.Event{Kind: session.EventClose}}},
		{line: "creds:c2VjcmV0", want: parsed{kind: lineEvent, event: session.Event{Kind: session.EventCredentials, Credentials: []byte("secret")}}},
		{line: "pairCode: AB12CD", want: parsed{kind: linePairCode, text: "AB12CD"}},
		{line: "pairError:rate limited", want: parsed{kind: linePairError, text: "rate limited"}},
		{line: "some log line", want: parsed{kind: lineIgnored}},
		{line: "event:close code=abc", err: true},
		{line: "event:bogus", err: true},
		{line: "creds:!!", err: true},
		{line: "pairCode:", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			got, err := parseLine(tc.line)
			if tc.err {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDialAndRequestCode(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(bridgeScript(t, echoBridge), testlog.Logger(t))
	rec := &recorder{}

	tr, err := d.Dial(context.Background(), session.DialRequest{Identity: testID, OnEvent: rec.on})
	require.NoError(t, err)
	assert.False(t, tr.Registered())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := tr.RequestPairingCode(ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, "CODE15550001111", code)
	assert.Equal(t, code, tr.PairingCode())

	require.NoError(t, tr.Close())
	select {
	case <-tr.(*Transport).Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not exit")
	}
	assert.Equal(t, []session.EventKind{session.EventConnecting}, rec.kinds())
}

func TestDialSendsCredentials(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(bridgeScript(t, echoBridge), testlog.Logger(t))
	rec := &recorder{}

	tr, err := d.Dial(context.Background(), session.DialRequest{Identity: testID, Credentials: []byte("blob"), OnEvent: rec.on})
	require.NoError(t, err)
	defer tr.Close()
	assert.True(t, tr.Registered())

	require.Eventually(t, func() bool {
		return len(rec.all()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	got := rec.all()
	assert.Equal(t, session.EventOpen, got[1].Kind)
	assert.True(t, got[1].Registered)
}

func TestUnannouncedExitIsClose(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(bridgeScript(t, "echo event:connecting\nexit 3\n"), testlog.Logger(t))
	rec := &recorder{}

	tr, err := d.Dial(context.Background(), session.DialRequest{Identity: testID, OnEvent: rec.on})
	require.NoError(t, err)
	<-tr.(*Transport).Done()

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	last := rec.all()[1]
	assert.Equal(t, session.EventClose, last.Kind)
	assert.Equal(t, session.CodeUnknown, last.Code)
	assert.Contains(t, last.Message, "code 3")

	_, err = tr.RequestPairingCode(context.Background(), testID)
	assert.Error(t, err)
}

func TestAnnouncedCloseReportedOnce(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(bridgeScript(t, "echo 'event:close code=401 msg=logged out'\nread x\n"), testlog.Logger(t))
	rec := &recorder{}

	tr, err := d.Dial(context.Background(), session.DialRequest{Identity: testID, OnEvent: rec.on})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Close())
	<-tr.(*Transport).Done()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, session.CodeLoggedOut, got[0].Code)
	assert.Equal(t, "logged out", got[0].Message)
}

func TestPairErrorRejected(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(bridgeScript(t, "read cmd arg\necho 'pairError:rate limited'\nread x\n"), testlog.Logger(t))

	tr, err := d.Dial(context.Background(), session.DialRequest{Identity: testID})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.RequestPairingCode(context.Background(), testID)
	assert.ErrorIs(t, err, ErrPairRejected)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Empty(t, tr.PairingCode())
}

func TestCloseEscalatesOnStubbornBridge(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(bridgeScript(t, "trap '' TERM\nwhile true; do sleep 1; done\n"), testlog.Logger(t))

	tr, err := d.Dial(context.Background(), session.DialRequest{Identity: testID})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	select {
	case <-tr.(*Transport).Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge survived kill escalation")
	}
}

func TestDialErrors(t *testing.T) {
	testlog.Start(t)
	_, err := NewDialer(Config{}, testlog.Logger(t)).Dial(context.Background(), session.DialRequest{Identity: testID})
	assert.ErrorIs(t, err, ErrNoCommand)

	_, err = NewDialer(Config{Command: "/nonexistent/bridge"}, testlog.Logger(t)).Dial(context.Background(), session.DialRequest{Identity: testID})
	assert.Error(t, err)
}

func TestManagerOverBridge(t *testing.T) {
	testlog.Start(t)
	script := `echo event:connecting
echo "event:open registered=false"
while read cmd arg; do
  case "$cmd" in
    pair)
      echo "pairCode:ZZ11"
      echo "creds:c2VjcmV0"
      echo "event:open registered=true" ;;
    close) exit 0 ;;
  esac
done
`
	store := credential.NewMemoryStore()
	mgr := session.NewManager(session.Config{MaxRetries: 1}, NewDialer(bridgeScript(t, script), testlog.Logger(t)), store, testlog.Logger(t))
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := mgr.Ensure(ctx, testID)
	require.NoError(t, err)
	_, err = s.WaitStatus(ctx, func(st session.Status) bool { return st == session.StatusOpen })
	require.NoError(t, err)
	require.NoError(t, s.WaitReady(ctx))

	code, err := s.RequestPairingCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ZZ11", code)

	require.Eventually(t, func() bool {
		blob, ok, _ := store.Load(testID)
		return ok && string(blob) == "secret"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, s.Registered, 5*time.Second, 10*time.Millisecond)
}
