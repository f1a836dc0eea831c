package sentinel

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/panopticon/internal/protocol/session"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("sentinel: server address required")
	ErrSecretRequired  = errors.New("sentinel: secret required")
	ErrSessionClosed   = errors.New("sentinel: session closed by server")
)

const (
	DefaultOutboxSize  = 256
	DefaultScanMaxAge  = 5 * time.Second
	DefaultStableAfter = 5 * time.Second
)

type ClientConfig struct {
	Address string
	Secret  string
	Session session.Config
	// OutboxSize bounds lines buffered while disconnected.
	OutboxSize int
	// ScanMaxAge drops queued scans that waited longer than this.
	ScanMaxAge time.Duration
	// StableAfter is how long a session must stay up before the reconnect
	// backoff resets. A server that rejects the secret closes immediately, so
	// a bad secret keeps backing off instead of re-dialing at the floor.
	StableAfter time.Duration
	// MaxConnectAttempts stops Run after that many consecutive failures.
	// Zero retries forever.
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Session:     session.DefaultConfig(),
		OutboxSize:  DefaultOutboxSize,
		ScanMaxAge:  DefaultScanMaxAge,
		StableAfter: DefaultStableAfter,
	}
}

// ClientStats is a point-in-time view of the client.
type ClientStats struct {
	State    session.State
	Sessions uint64
	Sent     uint64
	Outbox   session.OutboxStats
}

// Client is the reconnecting session client. SendScan and SendLog are safe
// from any goroutine and never block.
type Client struct {
	cfg     ClientConfig
	authz   string
	outbox  *session.Outbox
	backoff *session.Backoff

	state    atomic.Int32
	sessions atomic.Uint64
	sent     atomic.Uint64
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	authz, err := session.AuthzLine(cfg.Secret)
	if err != nil {
		return nil, errors.Join(ErrSecretRequired, err)
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.ScanMaxAge < 0 {
		cfg.ScanMaxAge = 0
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	return &Client{
		cfg:     cfg,
		authz:   authz,
		outbox:  session.NewOutbox(cfg.OutboxSize, cfg.ScanMaxAge),
		backoff: session.NewBackoff(cfg.Session.Backoff, rand.New(rand.NewSource(time.Now().UnixNano()))),
	}, nil
}

// SendScan queues a verified tag for the server.
func (c *Client) SendScan(tag rfid.TagID) {
	c.outbox.Push(session.Outbound{Kind: session.OutboundScan, Line: session.ScanLine(tag)})
}

// SendLog queues a diagnostic line.
func (c *Client) SendLog(level, target, message string) {
	c.outbox.Push(session.Outbound{Kind: session.OutboundLog, Line: session.LogLine(level, target, message)})
}

func (c *Client) State() session.State {
	return session.State(c.state.Load())
}

func (c *Client) Stats() ClientStats {
	return ClientStats{
		State:    c.State(),
		Sessions: c.sessions.Load(),
		Sent:     c.sent.Load(),
		Outbox:   c.outbox.Stats(),
	}
}

func (c *Client) setState(to session.State) {
	from := session.State(c.state.Swap(int32(to)))
	if from != to && !session.CanTransition(from, to) {
		log.Debug().Stringer("from", from).Stringer("to", to).Msg("sentinel.Client unexpected transition")
	}
}

// Run keeps a session open until ctx ends. It only returns an error when
// MaxConnectAttempts is exhausted.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			c.setState(session.StateDisconnected)
			return nil
		}

		started := time.Now()
		err := c.runSession(ctx)
		c.setState(session.StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= c.cfg.StableAfter {
			c.backoff.Reset()
			failures = 0
		}
		failures++
		log.Warn().Err(err).Str("addr", c.cfg.Address).Int("attempt", c.backoff.Attempt()+1).
			Msg("sentinel.Client session lost")
		if c.cfg.MaxConnectAttempts > 0 && failures >= c.cfg.MaxConnectAttempts {
			return err
		}
		if err := c.backoff.Sleep(ctx); err != nil {
			return nil
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	c.setState(session.StateConnecting)
	conn, err := c.cfg.Session.Dial(ctx, c.cfg.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setState(session.StateAuthenticating)
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	if _, err := io.WriteString(conn, c.authz); err != nil {
		return err
	}
	c.setState(session.StateAuthenticated)
	n := c.sessions.Add(1)
	log.Info().Str("addr", c.cfg.Address).Uint64("session", n).Msg("sentinel.Client connected")

	// The protocol is device->server only; a read returning means the peer
	// closed or the link failed.
	closed := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				if errors.Is(err, io.EOF) {
					err = ErrSessionClosed
				}
				closed <- err
				return
			}
		}
	}()

	for {
		if err := c.drain(conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-closed:
			return err
		case <-c.outbox.Ready():
		}
	}
}

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(time.Time) error
}

func (c *Client) drain(conn deadlineWriter) error {
	for {
		item, ok := c.outbox.Pop()
		if !ok {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
		if _, err := io.WriteString(conn, item.Line); err != nil {
			c.outbox.Requeue(item)
			return err
		}
		c.sent.Add(1)
	}
}
