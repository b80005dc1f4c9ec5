package config

import (
	"fmt"
	"os"
)

// Template is a commented starter config matching DefaultServiceConfig.
func Template() string {
	return serviceTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(serviceTemplate), 0o600)
}

const serviceTemplate = `name = "pairctl"
log_level = "info"
heartbeat = "30s"

[server]
addr = ":8001"
cors_origins = ["*"]
# api_token = "change-me"
login_rate = 0.2
login_burst = 3

[session]
# 0 disables automatic reconnects after a transient close.
max_retries = 5
dial_timeout = "15s"
retry_delay = "5s"
retry_multiplier = 1.0
# retry_max_delay = "1m"
ready_timeout = "10s"
default_wait = "60s"
probe_window = "8s"

[credentials]
backend = "file"
dir = "auth_info"
# age_identity_file = "pairctl.key"
watch = true

[worker]
node = "node"
script_dir = "."
default_script = "login"
default_timeout = "240s"
timeout_slack = "10s"
grace_kill = "3s"
reject_busy = true

[bridge]
# command = "node"
# args = ["bridge.js"]
close_grace = "2s"
`
