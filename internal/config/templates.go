package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "panopticon":
		return panopticonTemplate, nil
	case "sentinel":
		return sentinelTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const panopticonTemplate = `tcp_addr = "0.0.0.0:8008"
admin_addr = "127.0.0.1:1337"
database_path = "panopticon.db"
authz_timeout = "10s"
idle_timeout = "0s"
max_line_bytes = 8192
scan_debounce = "3s"
admin_jwt_secret = "change-me"
admin_token_ttl = "12h"
cors_origins = ["http://localhost:3000"]

lock_provider = "none"
lock_api_url = "https://api.u-tec.com/action"
lock_access_token = ""
lock_webhook_token = ""
lock_id = ""
lock_queue_size = 16
lock_timeout = "10s"

events_buffer = 64
events_overflow = "drop"
events_redis_addr = ""
events_redis_channel = "panopticon.events"

session_security_mode = "development"
session_tls_enabled = false
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
`

const sentinelTemplate = `address = "127.0.0.1:8008"
secret = "change-me"
half_bit_us = 320
tolerance = 0.25
invert = false
capture_queue = 4096
required_reads = 2
cooldown = "5s"
scan_max_age = "5s"
outbox_size = 256
backoff_initial = "250ms"
backoff_max = "30s"
backoff_multiplier = 2.0
backoff_jitter = true
source = "synthetic"
replay_file = ""
synthetic_tag = "80:00:48:23:4C"
synthetic_every = "10s"

session_security_mode = "development"
session_tls_enabled = false
session_tls_mutual = false
session_tls_cert_file = ""
session_tls_key_file = ""
session_tls_ca_file = ""
session_tls_server_name = ""
session_tls_insecure_skip_verify = false
`
