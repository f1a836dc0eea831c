package session

import "time"

// DefaultPort is the well-known panopticon line-protocol port.
const DefaultPort = 8008

// DefaultMaxLineBytes bounds one protocol line, excluding the terminator.
const DefaultMaxLineBytes = 8 * 1024

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig selects optional TLS for the line transport.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults for both ends.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// AuthzTimeout bounds how long a server waits for the first line.
	AuthzTimeout time.Duration
	WriteTimeout time.Duration
	// IdleTimeout is the post-auth read deadline; zero disables it and leaves
	// dead-peer detection to TCP keepalive.
	IdleTimeout  time.Duration
	KeepAlive    time.Duration
	MaxLineBytes int
	SecurityMode SecurityMode
	TLS          TLSConfig
	Backoff      BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		AuthzTimeout:     10 * time.Second,
		WriteTimeout:     5 * time.Second,
		IdleTimeout:      0,
		KeepAlive:        15 * time.Second,
		MaxLineBytes:     DefaultMaxLineBytes,
		SecurityMode:     SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills unset fields from DefaultConfig. IdleTimeout is left
// alone because zero is meaningful.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AuthzTimeout <= 0 {
		c.AuthzTimeout = d.AuthzTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = d.MaxLineBytes
	}
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	return c
}
