package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Errors reported when a sentinel or panopticon link config cannot be used.
var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// NormalizeSecurityMode trims and lowercases mode. Empty means development.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
	if m == "" {
		return SecurityModeDevelopment
	}
	return m
}

// checkLinkPolicy holds the rules both ends of the line link share.
// Production requires mutual TLS.
func (c Config) checkLinkPolicy() error {
	switch NormalizeSecurityMode(c.SecurityMode) {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if !c.TLS.Mutual {
			return ErrMTLSRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if c.TLS.Mutual && !c.TLS.Enabled {
		return ErrTLSRequired
	}
	return nil
}

// ValidateClientTransport checks the sentinel end. The sentinel verifies the
// panopticon certificate against CAFile unless verification is skipped,
// which production refuses.
func (c Config) ValidateClientTransport() error {
	if err := c.checkLinkPolicy(); err != nil {
		return err
	}
	if !c.TLS.Enabled {
		return nil
	}
	if c.TLS.InsecureSkipVerify {
		if NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
			return ErrTLSInsecureSkipNotAllow
		}
	} else if err := requireFile(c.TLS.CAFile, ErrTLSCAFileRequired); err != nil {
		return err
	}
	if !c.TLS.Mutual {
		return nil
	}
	return c.requireKeyPair()
}

// ValidateServerTransport checks the panopticon listener. Mutual mode also
// needs the CA that signed the sentinel client certificates.
func (c Config) ValidateServerTransport() error {
	if err := c.checkLinkPolicy(); err != nil {
		return err
	}
	if !c.TLS.Enabled {
		return nil
	}
	if err := c.requireKeyPair(); err != nil {
		return err
	}
	if c.TLS.Mutual {
		return requireFile(c.TLS.CAFile, ErrTLSCAFileRequired)
	}
	return nil
}

func (c Config) requireKeyPair() error {
	if err := requireFile(c.TLS.CertFile, ErrTLSCertFileRequired); err != nil {
		return err
	}
	return requireFile(c.TLS.KeyFile, ErrTLSKeyFileRequired)
}

func requireFile(path string, missing error) error {
	if strings.TrimSpace(path) == "" {
		return missing
	}
	return nil
}

// ServerTLSConfig builds the listener TLS config; mutual mode requires and
// verifies client certificates against CAFile.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLSConfig builds the dialer TLS config for address.
func (c Config) ClientTLSConfig(address string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Listen opens the line-protocol listener, wrapping it in TLS when enabled.
func (c Config) Listen(address string) (net.Listener, error) {
	if err := c.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !c.TLS.Enabled {
		return net.Listen("tcp", address)
	}
	tlsCfg, err := c.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", address, tlsCfg)
}

// Dial connects to address with keepalive enabled and completes the TLS
// handshake when configured.
func (c Config) Dial(ctx context.Context, address string) (net.Conn, error) {
	if err := c.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: c.ConnectTimeout, KeepAlive: c.KeepAlive}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !c.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := c.ClientTLSConfig(address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// EnableKeepAlive turns on TCP keepalive for accepted connections.
func (c Config) EnableKeepAlive(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(c.KeepAlive)
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
