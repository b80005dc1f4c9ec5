package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pairctl/internal/config"
	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/danmuck/pairctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bridge = `echo event:connecting
while read cmd arg; do
  case "$cmd" in
    pair) echo "pairCode:BR1DGE" ;;
    close) exit 0 ;;
  esac
done
`

func testConfig(t *testing.T) config.ServiceConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sh")
	require.NoError(t, os.WriteFile(path, []byte(bridge), 0o755))

	cfg := config.DefaultServiceConfig()
	cfg.Heartbeat = 50 * time.Millisecond
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.LoginRate = 0
	cfg.Credentials.Backend = config.BackendMemory
	cfg.Bridge.Command = "sh"
	cfg.Bridge.Args = []string{path}
	cfg.Bridge.CloseGrace = 200 * time.Millisecond
	cfg.Pairing.ReadyTimeout = 2 * time.Second
	return cfg
}

func start(t *testing.T, cfg config.ServiceConfig) (*Service, string, func() error) {
	t.Helper()
	svc, err := New(cfg, testlog.Logger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(15 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
	return svc, "http://" + svc.Addr(), stop
}

func TestServeEndToEnd(t *testing.T) {
	testlog.Start(t)
	svc, base, stop := start(t, testConfig(t))

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/sessions/15550001111/login?wait=100", "application/json", nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "BR1DGE", first["pairingCode"])

	var final map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &final))
	assert.Equal(t, "pending", final["status"])

	info, ok := svc.Sessions().Status(identity.Identity("15550001111"))
	require.True(t, ok)
	assert.Equal(t, session.StatusConnecting, info.Status)

	require.NoError(t, stop())
	assert.Empty(t, svc.Sessions().List())
}

func TestWatchDropsSessionOnExternalRemoval(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Credentials.Backend = config.BackendFile
	cfg.Credentials.Dir = t.TempDir()
	cfg.Credentials.Watch = true
	svc, _, stop := start(t, cfg)
	defer func() { require.NoError(t, stop()) }()

	id := identity.Identity("15550001111")
	require.NoError(t, svc.files.Save(id, []byte("creds")))
	_, err := svc.Sessions().Ensure(context.Background(), id)
	require.NoError(t, err)

	// Give the watcher time to register before removing the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.Credentials.Dir, id.String())))
	assert.Eventually(t, func() bool {
		_, ok := svc.Sessions().Get(id)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Heartbeat = 0
	_, err := New(cfg, testlog.Logger(t))
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)

	cfg = testConfig(t)
	cfg.Credentials.Backend = "s3"
	_, err = New(cfg, testlog.Logger(t))
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = testConfig(t)
	cfg.Credentials.Backend = config.BackendFile
	cfg.Credentials.Dir = t.TempDir()
	cfg.Credentials.AgeIdentityFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = New(cfg, testlog.Logger(t))
	assert.Error(t, err)
}
