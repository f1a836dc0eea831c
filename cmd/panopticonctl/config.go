package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/admin"
	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/config"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/lock"
	"github.com/danmuck/panopticon/internal/panopticon"
	"github.com/danmuck/panopticon/internal/protocol/session"
)

type lockConfig struct {
	Provider    string
	APIURL      string
	AccessToken string
	Actuator    lock.ActuatorConfig
}

type redisConfig struct {
	Addr    string
	Channel string
}

// runtimeConfig is the resolved panopticonctl setup.
type runtimeConfig struct {
	Service      panopticon.ServiceConfig
	Admin        admin.Config
	DatabasePath string
	Access       access.Config
	AdminSecret  string
	AdminTTL     time.Duration
	Lock         lockConfig
	Events       events.Config
	Redis        redisConfig
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Service:      panopticon.DefaultServiceConfig(),
		Admin:        admin.Config{Addr: admin.DefaultAddr},
		DatabasePath: "panopticon.db",
		Access:       access.DefaultConfig(),
		AdminTTL:     auth.DefaultTokenTTL,
		Lock: lockConfig{
			Provider: "none",
			APIURL:   lock.DefaultAPIURL,
			Actuator: lock.DefaultActuatorConfig(),
		},
		Events: events.DefaultConfig(),
		Redis:  redisConfig{Channel: events.DefaultRedisChannel},
	}
}

// panopticonctl loader for TOML config with default overlay. An empty path
// returns the defaults.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if strings.TrimSpace(path) == "" {
		cfg.Service.Session = cfg.Service.Session.WithDefaults()
		return cfg, nil
	}

	var raw config.PanopticonFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load panopticon config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return runtimeConfig{}, fmt.Errorf("load panopticon config: %w: unknown key %s", config.ErrInvalidConfig, undecoded[0])
	}
	if err := config.ValidatePanopticonConfig(raw); err != nil {
		return runtimeConfig{}, fmt.Errorf("load panopticon config: %w", err)
	}

	if meta.IsDefined("tcp_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("database_path") {
		cfg.DatabasePath = strings.TrimSpace(raw.DatabasePath)
	}
	overlayDuration(meta, "authz_timeout", raw.AuthzTimeout, &cfg.Service.Session.AuthzTimeout)
	overlayDuration(meta, "idle_timeout", raw.IdleTimeout, &cfg.Service.Session.IdleTimeout)
	if meta.IsDefined("max_line_bytes") {
		cfg.Service.Session.MaxLineBytes = raw.MaxLineBytes
	}
	overlayDuration(meta, "scan_debounce", raw.ScanDebounce, &cfg.Access.Debounce)
	if meta.IsDefined("admin_jwt_secret") {
		cfg.AdminSecret = strings.TrimSpace(raw.AdminSecret)
	}
	overlayDuration(meta, "admin_token_ttl", raw.AdminTTL, &cfg.AdminTTL)
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("lock_provider") {
		cfg.Lock.Provider = strings.ToLower(strings.TrimSpace(raw.LockProvider))
	}
	if meta.IsDefined("lock_api_url") {
		cfg.Lock.APIURL = strings.TrimSpace(raw.LockAPIURL)
	}
	if meta.IsDefined("lock_access_token") {
		cfg.Lock.AccessToken = strings.TrimSpace(raw.LockAccessToken)
	}
	if meta.IsDefined("lock_webhook_token") {
		cfg.Admin.LockWebhookToken = strings.TrimSpace(raw.LockWebhookToken)
	}
	if meta.IsDefined("lock_id") {
		cfg.Lock.Actuator.LockID = strings.TrimSpace(raw.LockID)
	}
	if meta.IsDefined("lock_queue_size") {
		cfg.Lock.Actuator.QueueSize = raw.LockQueueSize
	}
	overlayDuration(meta, "lock_timeout", raw.LockTimeout, &cfg.Lock.Actuator.Timeout)
	if meta.IsDefined("events_buffer") {
		cfg.Events.Buffer = raw.EventsBuffer
	}
	if meta.IsDefined("events_overflow") {
		policy, err := events.ParseOverflowPolicy(raw.EventsOverflow)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("load panopticon config: %w", err)
		}
		cfg.Events.Overflow = policy
	}
	if meta.IsDefined("events_redis_addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.EventsRedisAddr)
	}
	if meta.IsDefined("events_redis_channel") {
		cfg.Redis.Channel = strings.TrimSpace(raw.EventsRedisChannel)
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Service.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Service.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Service.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Service.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Service.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Service.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}

	cfg.Service.Session = cfg.Service.Session.WithDefaults()
	if err := cfg.Service.Session.ValidateServerTransport(); err != nil {
		return runtimeConfig{}, fmt.Errorf("load panopticon config: %w", err)
	}
	return cfg, nil
}

// overlayDuration applies a duration key that validation already accepted.
// An empty value keeps the default.
func overlayDuration(meta toml.MetaData, key, raw string, dst *time.Duration) {
	raw = strings.TrimSpace(raw)
	if !meta.IsDefined(key) || raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
