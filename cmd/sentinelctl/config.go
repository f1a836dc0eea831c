package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/panopticon/internal/config"
	"github.com/danmuck/panopticon/internal/protocol/session"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/danmuck/panopticon/internal/rfid/capture"
	"github.com/danmuck/panopticon/internal/sentinel"
)

const (
	sourceSynthetic = "synthetic"
	sourceReplay    = "replay"

	defaultCaptureQueue = 4096
)

// runtimeConfig is the resolved sentinelctl setup.
type runtimeConfig struct {
	Client         sentinel.ClientConfig
	Decoder        sentinel.DecoderConfig
	CaptureQueue   int
	Source         string
	ReplayFile     string
	SyntheticTag   rfid.TagID
	SyntheticEvery time.Duration
}

// loadRuntimeConfig strictly decodes path and fills every zero value from
// the package defaults.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	raw, err := config.LoadSentinelConfig(path)
	if err != nil {
		return runtimeConfig{}, err
	}
	return resolve(raw)
}

func resolve(raw config.SentinelFile) (runtimeConfig, error) {
	cfg := runtimeConfig{
		Client:         sentinel.DefaultClientConfig(),
		Decoder:        sentinel.DefaultDecoderConfig(),
		CaptureQueue:   defaultCaptureQueue,
		Source:         sourceSynthetic,
		SyntheticEvery: 10 * time.Second,
	}
	cfg.Client.Address = strings.TrimSpace(raw.Address)
	cfg.Client.Secret = raw.Secret
	if raw.OutboxSize > 0 {
		cfg.Client.OutboxSize = raw.OutboxSize
	}
	setDuration(raw.ScanMaxAge, &cfg.Client.ScanMaxAge)

	backoff := &cfg.Client.Session.Backoff
	setDuration(raw.BackoffInitial, &backoff.InitialDelay)
	setDuration(raw.BackoffMax, &backoff.MaxDelay)
	if raw.BackoffMultiplier > 0 {
		backoff.Multiplier = raw.BackoffMultiplier
	}
	backoff.Jitter = raw.BackoffJitter

	s := &cfg.Client.Session
	s.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	s.TLS = session.TLSConfig{
		Enabled:            raw.SessionTLSEnabled,
		Mutual:             raw.SessionTLSMutual,
		CertFile:           strings.TrimSpace(raw.SessionTLSCertFile),
		KeyFile:            strings.TrimSpace(raw.SessionTLSKeyFile),
		CAFile:             strings.TrimSpace(raw.SessionTLSCAFile),
		ServerName:         strings.TrimSpace(raw.SessionTLSServerName),
		InsecureSkipVerify: raw.SessionTLSInsecureSkip,
	}
	*s = s.WithDefaults()
	if err := s.ValidateClientTransport(); err != nil {
		return runtimeConfig{}, fmt.Errorf("sentinel config: %w", err)
	}

	if raw.HalfBitMicros > 0 {
		cfg.Decoder.Manchester.HalfBit = time.Duration(raw.HalfBitMicros) * time.Microsecond
	}
	if raw.Tolerance > 0 {
		cfg.Decoder.Manchester.Tolerance = raw.Tolerance
	}
	cfg.Decoder.Manchester.Invert = raw.Invert
	if err := cfg.Decoder.Manchester.Validate(); err != nil {
		return runtimeConfig{}, fmt.Errorf("sentinel config: %w", err)
	}
	if raw.RequiredReads > 0 {
		cfg.Decoder.RequiredReads = raw.RequiredReads
	}
	setDuration(raw.Cooldown, &cfg.Decoder.Cooldown)

	if raw.CaptureQueue > 0 {
		cfg.CaptureQueue = raw.CaptureQueue
	}
	if src := strings.ToLower(strings.TrimSpace(raw.Source)); src != "" {
		cfg.Source = src
	}
	cfg.ReplayFile = strings.TrimSpace(raw.ReplayFile)
	setDuration(raw.SyntheticEvery, &cfg.SyntheticEvery)
	if cfg.Source == sourceSynthetic {
		tag, err := rfid.ParseTagID(strings.TrimSpace(raw.SyntheticTag))
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("sentinel config: synthetic_tag: %w", err)
		}
		cfg.SyntheticTag = tag
	}
	return cfg, nil
}

// setDuration applies a value config validation already accepted; empty
// keeps the default.
func setDuration(raw string, dst *time.Duration) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func (c runtimeConfig) newQueue() *capture.Queue {
	return capture.NewQueue(c.CaptureQueue)
}
