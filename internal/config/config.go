// Package config loads the pairctl service configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pairctl/internal/pairing"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/danmuck/pairctl/internal/transport/linebridge"
)

var ErrInvalid = errors.New("config: invalid")

const (
	BackendFile   = "file"
	BackendMemory = "memory"
)

type ServerConfig struct {
	Addr        string
	CorsOrigins []string
	APIToken    string
	// LoginRate is pairing attempts per second per identity; <= 0 disables throttling.
	LoginRate  float64
	LoginBurst int
}

type CredentialsConfig struct {
	Backend         string
	Dir             string
	AgeIdentityFile string
	Watch           bool
}

type ServiceConfig struct {
	Name        string
	LogLevel    string
	Heartbeat   time.Duration
	Server      ServerConfig
	Session     session.Config
	Pairing     pairing.Config
	Credentials CredentialsConfig
	Worker      pairing.WorkerConfig
	Bridge      linebridge.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:      "pairctl",
		LogLevel:  "info",
		Heartbeat: 30 * time.Second,
		Server: ServerConfig{
			Addr:        ":8001",
			CorsOrigins: []string{"*"},
			LoginRate:   0.2,
			LoginBurst:  3,
		},
		Session: session.DefaultConfig(),
		Pairing: pairing.DefaultConfig(),
		Credentials: CredentialsConfig{
			Backend: BackendFile,
			Dir:     "auth_info",
			Watch:   true,
		},
		Worker: pairing.DefaultWorkerConfig(),
		Bridge: linebridge.Config{CloseGrace: linebridge.DefaultCloseGrace},
	}
}

type fileConfig struct {
	Name      string `toml:"name"`
	LogLevel  string `toml:"log_level"`
	Heartbeat string `toml:"heartbeat"`
	Server    struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
		APIToken    string   `toml:"api_token"`
		LoginRate   float64  `toml:"login_rate"`
		LoginBurst  int      `toml:"login_burst"`
	} `toml:"server"`
	Session struct {
		MaxRetries      int     `toml:"max_retries"`
		DialTimeout     string  `toml:"dial_timeout"`
		RetryDelay      string  `toml:"retry_delay"`
		RetryMultiplier float64 `toml:"retry_multiplier"`
		RetryMaxDelay   string  `toml:"retry_max_delay"`
		RetryJitter     bool    `toml:"retry_jitter"`
		ReadyTimeout    string  `toml:"ready_timeout"`
		DefaultWait     string  `toml:"default_wait"`
		ProbeWindow     string  `toml:"probe_window"`
	} `toml:"session"`
	Credentials struct {
		Backend         string `toml:"backend"`
		Dir             string `toml:"dir"`
		AgeIdentityFile string `toml:"age_identity_file"`
		Watch           bool   `toml:"watch"`
	} `toml:"credentials"`
	Worker struct {
		Node           string `toml:"node"`
		ScriptDir      string `toml:"script_dir"`
		DefaultScript  string `toml:"default_script"`
		DefaultTimeout string `toml:"default_timeout"`
		TimeoutSlack   string `toml:"timeout_slack"`
		GraceKill      string `toml:"grace_kill"`
		RejectBusy     bool   `toml:"reject_busy"`
	} `toml:"worker"`
	Bridge struct {
		Command    string   `toml:"command"`
		Args       []string `toml:"args"`
		Dir        string   `toml:"dir"`
		Env        []string `toml:"env"`
		CloseGrace string   `toml:"close_grace"`
	} `toml:"bridge"`
}

// Load reads path over DefaultServiceConfig. Only keys present in the file
// override defaults.
func Load(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServiceConfig{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	d := durations{meta: meta}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	d.set(&cfg.Heartbeat, raw.Heartbeat, "heartbeat")

	if meta.IsDefined("server", "addr") {
		cfg.Server.Addr = strings.TrimSpace(raw.Server.Addr)
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CorsOrigins = trimAll(raw.Server.CorsOrigins)
	}
	if meta.IsDefined("server", "api_token") {
		cfg.Server.APIToken = strings.TrimSpace(raw.Server.APIToken)
	}
	if meta.IsDefined("server", "login_rate") {
		cfg.Server.LoginRate = raw.Server.LoginRate
	}
	if meta.IsDefined("server", "login_burst") {
		cfg.Server.LoginBurst = raw.Server.LoginBurst
	}

	if meta.IsDefined("session", "max_retries") {
		cfg.Session.MaxRetries = raw.Session.MaxRetries
	}
	d.set(&cfg.Session.DialTimeout, raw.Session.DialTimeout, "session", "dial_timeout")
	d.set(&cfg.Session.Backoff.InitialDelay, raw.Session.RetryDelay, "session", "retry_delay")
	if meta.IsDefined("session", "retry_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Session.RetryMultiplier
	}
	d.set(&cfg.Session.Backoff.MaxDelay, raw.Session.RetryMaxDelay, "session", "retry_max_delay")
	if meta.IsDefined("session", "retry_jitter") {
		cfg.Session.Backoff.Jitter = raw.Session.RetryJitter
	}
	d.set(&cfg.Pairing.ReadyTimeout, raw.Session.ReadyTimeout, "session", "ready_timeout")
	d.set(&cfg.Pairing.DefaultWait, raw.Session.DefaultWait, "session", "default_wait")
	d.set(&cfg.Pairing.ProbeWindow, raw.Session.ProbeWindow, "session", "probe_window")

	if meta.IsDefined("credentials", "backend") {
		cfg.Credentials.Backend = strings.ToLower(strings.TrimSpace(raw.Credentials.Backend))
	}
	if meta.IsDefined("credentials", "dir") {
		cfg.Credentials.Dir = strings.TrimSpace(raw.Credentials.Dir)
	}
	if meta.IsDefined("credentials", "age_identity_file") {
		cfg.Credentials.AgeIdentityFile = strings.TrimSpace(raw.Credentials.AgeIdentityFile)
	}
	if meta.IsDefined("credentials", "watch") {
		cfg.Credentials.Watch = raw.Credentials.Watch
	}

	if meta.IsDefined("worker", "node") {
		cfg.Worker.Node = strings.TrimSpace(raw.Worker.Node)
	}
	if meta.IsDefined("worker", "script_dir") {
		cfg.Worker.ScriptDir = strings.TrimSpace(raw.Worker.ScriptDir)
	}
	if meta.IsDefined("worker", "default_script") {
		cfg.Worker.DefaultScript = strings.TrimSpace(raw.Worker.DefaultScript)
	}
	d.set(&cfg.Worker.DefaultTimeout, raw.Worker.DefaultTimeout, "worker", "default_timeout")
	d.set(&cfg.Worker.TimeoutSlack, raw.Worker.TimeoutSlack, "worker", "timeout_slack")
	d.set(&cfg.Worker.GraceKill, raw.Worker.GraceKill, "worker", "grace_kill")
	if meta.IsDefined("worker", "reject_busy") {
		cfg.Worker.RejectBusy = raw.Worker.RejectBusy
	}

	if meta.IsDefined("bridge", "command") {
		cfg.Bridge.Command = strings.TrimSpace(raw.Bridge.Command)
	}
	if meta.IsDefined("bridge", "args") {
		cfg.Bridge.Args = raw.Bridge.Args
	}
	if meta.IsDefined("bridge", "dir") {
		cfg.Bridge.Dir = strings.TrimSpace(raw.Bridge.Dir)
	}
	if meta.IsDefined("bridge", "env") {
		cfg.Bridge.Env = raw.Bridge.Env
	}
	d.set(&cfg.Bridge.CloseGrace, raw.Bridge.CloseGrace, "bridge", "close_grace")

	if d.err != nil {
		return ServiceConfig{}, d.err
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.Server.LoginRate > 0 && c.Server.LoginBurst <= 0 {
		return fmt.Errorf("%w: server.login_burst must be positive when login_rate is set", ErrInvalid)
	}
	switch c.Credentials.Backend {
	case BackendMemory:
	case BackendFile:
		if strings.TrimSpace(c.Credentials.Dir) == "" {
			return fmt.Errorf("%w: credentials.dir is required for the file backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown credentials.backend %q", ErrInvalid, c.Credentials.Backend)
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("%w: session.max_retries must not be negative", ErrInvalid)
	}
	if c.Session.Backoff.Multiplier < 0 {
		return fmt.Errorf("%w: session.retry_multiplier must not be negative", ErrInvalid)
	}
	return nil
}

// durations parses duration strings for defined keys and keeps the first error.
type durations struct {
	meta toml.MetaData
	err  error
}

func (d *durations) set(dst *time.Duration, raw string, key ...string) {
	if d.err != nil || !d.meta.IsDefined(key...) {
		return
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	if v < 0 {
		d.err = fmt.Errorf("%w: %s must not be negative", ErrInvalid, strings.Join(key, "."))
		return
	}
	*dst = v
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
