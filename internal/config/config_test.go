package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/pairctl/internal/session"
	"github.com/danmuck/pairctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pairctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, "name = \"edge\"\n"))
	require.NoError(t, err)

	def := DefaultServiceConfig()
	assert.Equal(t, "edge", cfg.Name)
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Session, cfg.Session)
	assert.Equal(t, def.Worker, cfg.Worker)
	assert.Equal(t, 5, cfg.Session.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Session.Backoff.InitialDelay)
}

func TestLoadOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `
log_level = "debug"
heartbeat = "1m"

[server]
addr = "127.0.0.1:9001"
cors_origins = [" http://a ", ""]
api_token = "tok"
login_rate = 1.5
login_burst = 2

[session]
max_retries = 3
retry_delay = "2s"
retry_multiplier = 2.0
retry_max_delay = "30s"
ready_timeout = "4s"
default_wait = "20s"
probe_window = "3s"

[credentials]
backend = "memory"
watch = false

[worker]
node = "/usr/bin/node"
default_timeout = "60s"
timeout_slack = "0s"
reject_busy = false

[bridge]
command = "node"
args = ["bridge.js", "--quiet"]
close_grace = "500ms"
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.Heartbeat)
	assert.Equal(t, ServerConfig{Addr: "127.0.0.1:9001", CorsOrigins: []string{"http://a"}, APIToken: "tok", LoginRate: 1.5, LoginBurst: 2}, cfg.Server)
	assert.Equal(t, 3, cfg.Session.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Session.Backoff.InitialDelay)
	assert.Equal(t, 2.0, cfg.Session.Backoff.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.Session.Backoff.MaxDelay)
	assert.Equal(t, 4*time.Second, cfg.Pairing.ReadyTimeout)
	assert.Equal(t, 20*time.Second, cfg.Pairing.DefaultWait)
	assert.Equal(t, 3*time.Second, cfg.Pairing.ProbeWindow)
	assert.Equal(t, BackendMemory, cfg.Credentials.Backend)
	assert.False(t, cfg.Credentials.Watch)
	assert.Equal(t, "/usr/bin/node", cfg.Worker.Node)
	assert.Equal(t, time.Minute, cfg.Worker.DefaultTimeout)
	assert.Zero(t, cfg.Worker.TimeoutSlack)
	assert.False(t, cfg.Worker.RejectBusy)
	assert.Equal(t, "node", cfg.Bridge.Command)
	assert.Equal(t, []string{"bridge.js", "--quiet"}, cfg.Bridge.Args)
	assert.Equal(t, 500*time.Millisecond, cfg.Bridge.CloseGrace)
}

func TestLoadRejects(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "bad duration", body: "[session]\nretry_delay = \"soon\"\n", want: "session.retry_delay"},
		{name: "negative duration", body: "[worker]\ngrace_kill = \"-1s\"\n", want: "worker.grace_kill"},
		{name: "unknown backend", body: "[credentials]\nbackend = \"s3\"\n", want: "credentials.backend"},
		{name: "empty dir", body: "[credentials]\ndir = \"\"\n", want: "credentials.dir"},
		{name: "empty addr", body: "[server]\naddr = \"\"\n", want: "server.addr"},
		{name: "burst required", body: "[server]\nlogin_rate = 1.0\nlogin_burst = 0\n", want: "login_burst"},
		{name: "unknown key", body: "[server]\nport = 1\n", want: "server.port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "pairctl.toml")
	require.NoError(t, WriteTemplate(path, false))
	assert.Error(t, WriteTemplate(path, false))
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	def := DefaultServiceConfig()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.Session, cfg.Session)
	assert.Equal(t, def.Pairing, cfg.Pairing)
	assert.Equal(t, def.Worker, cfg.Worker)
	assert.Equal(t, def.Credentials, cfg.Credentials)
}

func TestLoadZeroRetriesDisablesReconnect(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, "[session]\nmax_retries = 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Session.MaxRetries)

	p := session.NewPolicy(cfg.Session)
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, session.ActionTerminal, p.Decide(session.ReasonTransient, p.MaxRetries, true).Action)
}
