// Package config defines the TOML file schemas for panopticonctl and
// sentinelctl, strict validation of those files, and starter templates.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// PanopticonFile is the server config.toml.
type PanopticonFile struct {
	TCPAddr      string   `toml:"tcp_addr"`
	AdminAddr    string   `toml:"admin_addr"`
	DatabasePath string   `toml:"database_path"`
	AuthzTimeout string   `toml:"authz_timeout"`
	IdleTimeout  string   `toml:"idle_timeout"`
	MaxLineBytes int      `toml:"max_line_bytes"`
	ScanDebounce string   `toml:"scan_debounce"`
	AdminSecret  string   `toml:"admin_jwt_secret"`
	AdminTTL     string   `toml:"admin_token_ttl"`
	CORSOrigins  []string `toml:"cors_origins"`

	LockProvider     string `toml:"lock_provider"`
	LockAPIURL       string `toml:"lock_api_url"`
	LockAccessToken  string `toml:"lock_access_token"`
	LockWebhookToken string `toml:"lock_webhook_token"`
	LockID           string `toml:"lock_id"`
	LockQueueSize    int    `toml:"lock_queue_size"`
	LockTimeout      string `toml:"lock_timeout"`

	EventsBuffer       int    `toml:"events_buffer"`
	EventsOverflow     string `toml:"events_overflow"`
	EventsRedisAddr    string `toml:"events_redis_addr"`
	EventsRedisChannel string `toml:"events_redis_channel"`

	SessionSecurityMode string `toml:"session_security_mode"`
	SessionTLSEnabled   bool   `toml:"session_tls_enabled"`
	SessionTLSMutual    bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile  string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string `toml:"session_tls_key_file"`
	SessionTLSCAFile    string `toml:"session_tls_ca_file"`
}

// SentinelFile is the device config.toml.
type SentinelFile struct {
	Address           string  `toml:"address"`
	Secret            string  `toml:"secret"`
	HalfBitMicros     int     `toml:"half_bit_us"`
	Tolerance         float64 `toml:"tolerance"`
	Invert            bool    `toml:"invert"`
	CaptureQueue      int     `toml:"capture_queue"`
	RequiredReads     int     `toml:"required_reads"`
	Cooldown          string  `toml:"cooldown"`
	ScanMaxAge        string  `toml:"scan_max_age"`
	OutboxSize        int     `toml:"outbox_size"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
	Source            string  `toml:"source"`
	ReplayFile        string  `toml:"replay_file"`
	SyntheticTag      string  `toml:"synthetic_tag"`
	SyntheticEvery    string  `toml:"synthetic_every"`

	SessionSecurityMode    string `toml:"session_security_mode"`
	SessionTLSEnabled      bool   `toml:"session_tls_enabled"`
	SessionTLSMutual       bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile     string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile      string `toml:"session_tls_key_file"`
	SessionTLSCAFile       string `toml:"session_tls_ca_file"`
	SessionTLSServerName   string `toml:"session_tls_server_name"`
	SessionTLSInsecureSkip bool   `toml:"session_tls_insecure_skip_verify"`
}

// LoadPanopticonConfig strictly decodes and validates a server config.
func LoadPanopticonConfig(path string) (PanopticonFile, error) {
	var cfg PanopticonFile
	if err := loadStrict(path, &cfg); err != nil {
		return PanopticonFile{}, err
	}
	if err := ValidatePanopticonConfig(cfg); err != nil {
		return PanopticonFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadSentinelConfig strictly decodes and validates a device config.
func LoadSentinelConfig(path string) (SentinelFile, error) {
	var cfg SentinelFile
	if err := loadStrict(path, &cfg); err != nil {
		return SentinelFile{}, err
	}
	if err := ValidateSentinelConfig(cfg); err != nil {
		return SentinelFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func loadStrict(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %w: %s", path, ErrInvalidConfig, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidatePanopticonConfig(cfg PanopticonFile) error {
	var errs []error
	errs = append(errs,
		checkAddr("tcp_addr", cfg.TCPAddr),
		checkAddr("admin_addr", cfg.AdminAddr),
		checkDuration("authz_timeout", cfg.AuthzTimeout, false),
		checkDuration("idle_timeout", cfg.IdleTimeout, true),
		checkDuration("scan_debounce", cfg.ScanDebounce, true),
		checkDuration("admin_token_ttl", cfg.AdminTTL, false),
		checkDuration("lock_timeout", cfg.LockTimeout, false),
		checkNonNegative("max_line_bytes", cfg.MaxLineBytes),
		checkNonNegative("lock_queue_size", cfg.LockQueueSize),
		checkNonNegative("events_buffer", cfg.EventsBuffer),
		checkOneOf("lock_provider", cfg.LockProvider, "", "none", "utec"),
		checkOneOf("events_overflow", cfg.EventsOverflow, "", "drop", "disconnect"),
		checkOneOf("session_security_mode", cfg.SessionSecurityMode, "", "development", "production"),
	)
	if strings.EqualFold(strings.TrimSpace(cfg.LockProvider), "utec") && strings.TrimSpace(cfg.LockAccessToken) == "" {
		errs = append(errs, fmt.Errorf("%w: lock_access_token required for lock_provider utec", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func ValidateSentinelConfig(cfg SentinelFile) error {
	var errs []error
	if strings.TrimSpace(cfg.Address) == "" {
		errs = append(errs, fmt.Errorf("%w: address is required", ErrInvalidConfig))
	} else {
		errs = append(errs, checkAddr("address", cfg.Address))
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		errs = append(errs, fmt.Errorf("%w: secret is required", ErrInvalidConfig))
	}
	if cfg.Tolerance != 0 && (cfg.Tolerance < 0 || cfg.Tolerance >= 1.0/3.0) {
		errs = append(errs, fmt.Errorf("%w: tolerance %.3f outside (0, 0.333)", ErrInvalidConfig, cfg.Tolerance))
	}
	if cfg.BackoffMultiplier != 0 && cfg.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("%w: backoff_multiplier must be >= 1", ErrInvalidConfig))
	}
	errs = append(errs,
		checkNonNegative("half_bit_us", cfg.HalfBitMicros),
		checkNonNegative("capture_queue", cfg.CaptureQueue),
		checkNonNegative("required_reads", cfg.RequiredReads),
		checkNonNegative("outbox_size", cfg.OutboxSize),
		checkDuration("cooldown", cfg.Cooldown, true),
		checkDuration("scan_max_age", cfg.ScanMaxAge, true),
		checkDuration("backoff_initial", cfg.BackoffInitial, false),
		checkDuration("backoff_max", cfg.BackoffMax, false),
		checkDuration("synthetic_every", cfg.SyntheticEvery, false),
		checkOneOf("source", cfg.Source, "", "synthetic", "replay"),
		checkOneOf("session_security_mode", cfg.SessionSecurityMode, "", "development", "production"),
	)
	if strings.EqualFold(strings.TrimSpace(cfg.Source), "replay") && strings.TrimSpace(cfg.ReplayFile) == "" {
		errs = append(errs, fmt.Errorf("%w: replay_file required for source replay", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

func checkAddr(key, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(raw)); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, raw, err)
	}
	return nil
}

// checkDuration accepts an empty value. allowZero permits "0s".
func checkDuration(key, raw string, allowZero bool) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, raw, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, key)
	}
	return nil
}

func checkNonNegative(key string, v int) error {
	if v < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return nil
}

func checkOneOf(key, raw string, allowed ...string) error {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q (expected one of %s)", ErrInvalidConfig, key, raw, strings.Join(allowed[1:], "|"))
}
