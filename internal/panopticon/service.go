package panopticon

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/observability"
	"github.com/danmuck/panopticon/internal/protocol/session"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ScanProcessor is the access decision point fed by authenticated sessions.
type ScanProcessor interface {
	ProcessScan(ctx context.Context, tag rfid.TagID) (access.Decision, error)
}

// ServiceConfig configures the device session endpoint.
type ServiceConfig struct {
	ListenAddr string
	Session    session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: "0.0.0.0:8008",
		Session:    session.DefaultConfig(),
	}
}

// Service accepts device sessions and routes their lines.
type Service struct {
	cfg ServiceConfig

	registry *Registry
	scans    ScanProcessor
	logs     DeviceStore
	events   events.Publisher

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	sessionCount atomic.Int64
}

func NewService(cfg ServiceConfig, registry *Registry, scans ScanProcessor, logs DeviceStore, pub events.Publisher) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:      cfg,
		registry: registry,
		scans:    scans,
		logs:     logs,
		events:   pub,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (s *Service) Registry() *Registry { return s.registry }

// Listen opens the configured TCP or TLS listener.
func (s *Service) Listen() (net.Listener, error) {
	return s.cfg.Session.Listen(s.cfg.ListenAddr)
}

// Serve accepts sessions until ctx is done. On shutdown every live session
// is torn down with its connected flag cleared before the socket closes.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("panopticon.Service listening")
	go func() {
		<-ctx.Done()
		s.registry.CloseAll(context.Background())
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Disconnect force-closes deviceID's live session.
func (s *Service) Disconnect(ctx context.Context, deviceID string) error {
	return s.registry.ForceDisconnect(ctx, deviceID)
}

func (s *Service) ActiveSessions() int64 {
	return s.sessionCount.Load()
}

// DeviceLogs returns a device's newest log lines first.
func (s *Service) DeviceLogs(ctx context.Context, deviceID string, limit int) ([]DeviceLog, error) {
	if _, ok := s.registry.Device(deviceID); !ok {
		return nil, ErrDeviceNotFound
	}
	return s.logs.ListDeviceLogs(ctx, deviceID, ClampLogLimit(limit))
}

// conn lifecycle: connecting -> authenticating -> authenticated -> disconnected.
type sessionConn struct {
	net.Conn
	remote string
	state  session.State
}

func (c *sessionConn) transition(to session.State) {
	if !session.CanTransition(c.state, to) {
		log.Error().Str("remote", c.remote).Stringer("from", c.state).Stringer("to", to).
			Msg("panopticon.session illegal transition")
	}
	c.state = to
}

func (s *Service) handleConn(ctx context.Context, raw net.Conn) {
	sc := &sessionConn{Conn: raw, remote: raw.RemoteAddr().String(), state: session.StateDisconnected}
	defer s.untrackConn(raw)
	defer raw.Close()
	sc.transition(session.StateConnecting)
	s.cfg.Session.EnableKeepAlive(raw)

	if tlsConn, ok := raw.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			observability.RecordAuthFailure("tls")
			log.Warn().Err(err).Str("remote", sc.remote).Msg("panopticon.handleConn tls handshake failed")
			return
		}
	}

	sc.transition(session.StateAuthenticating)
	reader := session.NewLineReader(raw, s.cfg.Session.MaxLineBytes)
	device, err := s.authenticate(ctx, sc, reader)
	if err != nil {
		sc.transition(session.StateDisconnected)
		return
	}

	gen, err := s.registry.Attach(ctx, device.ID, sc.remote, raw)
	if err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Msg("panopticon.handleConn attach failed")
		sc.transition(session.StateDisconnected)
		return
	}
	sc.transition(session.StateAuthenticated)
	active := s.sessionCount.Add(1)
	observability.SessionOpened()
	defer func() {
		remaining := s.sessionCount.Add(-1)
		observability.SessionClosed()
		s.registry.Detach(context.Background(), device.ID, gen)
		sc.transition(session.StateDisconnected)
		log.Info().Str("device_id", device.ID).Str("remote", sc.remote).Int64("active", remaining).
			Msg("panopticon.handleConn session ended")
	}()
	log.Info().Str("device_id", device.ID).Str("remote", sc.remote).Int64("active", active).
		Msg("panopticon.handleConn session authenticated")

	if err := raw.SetDeadline(time.Time{}); err != nil {
		log.Warn().Err(err).Msg("panopticon.handleConn clear deadline")
	}
	s.readLoop(ctx, sc, reader, device)
}

// authenticate requires the first line to be a valid AUTHZ within the
// configured timeout. Failures close the socket without a response.
func (s *Service) authenticate(ctx context.Context, sc *sessionConn, reader *session.LineReader) (Device, error) {
	_ = sc.SetReadDeadline(time.Now().Add(s.cfg.Session.AuthzTimeout))
	line, err := reader.ReadLine()
	if err != nil {
		observability.RecordAuthFailure("read")
		log.Warn().Err(err).Str("remote", sc.remote).Msg("panopticon.authenticate no AUTHZ line")
		return Device{}, err
	}
	msg, err := session.ParseLine(line)
	if err == nil && msg.Type != session.TypeAuthz {
		err = session.ErrMalformedLine
	}
	if err != nil {
		observability.RecordAuthFailure("protocol")
		log.Warn().Err(err).Str("remote", sc.remote).Msg("panopticon.authenticate expected AUTHZ")
		return Device{}, err
	}
	device, err := s.registry.Authenticate(ctx, msg.Payload)
	if err != nil {
		observability.RecordAuthFailure("bad_secret")
		log.Warn().Err(err).Str("remote", sc.remote).Msg("panopticon.authenticate rejected")
		return Device{}, err
	}
	return device, nil
}

func (s *Service) readLoop(ctx context.Context, sc *sessionConn, reader *session.LineReader, device Device) {
	for {
		if s.cfg.Session.IdleTimeout > 0 {
			_ = sc.SetReadDeadline(time.Now().Add(s.cfg.Session.IdleTimeout))
		}
		line, err := reader.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, session.ErrLineTooLong), errors.Is(err, session.ErrInvalidUTF8):
				log.Warn().Err(err).Str("device_id", device.ID).Msg("panopticon.readLoop protocol error")
			default:
				log.Debug().Err(err).Str("device_id", device.ID).Msg("panopticon.readLoop read ended")
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		msg, err := session.ParseLine(line)
		if err != nil {
			log.Warn().Err(err).Str("device_id", device.ID).Msg("panopticon.readLoop malformed line")
			return
		}
		switch msg.Type {
		case session.TypeLog:
			s.storeLog(ctx, device, msg.Payload)
		case session.TypeScan:
			tag, err := msg.Tag()
			if err != nil {
				log.Warn().Err(err).Str("device_id", device.ID).Str("payload", msg.Payload).
					Msg("panopticon.readLoop malformed scan")
				return
			}
			s.processScan(ctx, device, tag)
		case session.TypeAuthz:
			log.Warn().Str("device_id", device.ID).Msg("panopticon.readLoop repeated AUTHZ")
			return
		default:
			log.Warn().Str("device_id", device.ID).Str("type", msg.Type).Msg("panopticon.readLoop unknown message type")
		}
	}
}

func (s *Service) processScan(ctx context.Context, device Device, tag rfid.TagID) {
	d, err := s.scans.ProcessScan(ctx, tag)
	if err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Str("tag_id", tag.String()).Msg("panopticon.processScan failed")
		return
	}
	if d.Suppressed {
		return
	}
	log.Info().Str("device_id", device.ID).Str("tag_id", tag.String()).Str("action", string(d.Action)).
		Bool("created", d.Created).Msg("panopticon.processScan decided")
}

func (s *Service) storeLog(ctx context.Context, device Device, message string) {
	entry := DeviceLog{
		ID:        uuid.NewString(),
		DeviceID:  device.ID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.logs.AppendDeviceLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("device_id", device.ID).Msg("panopticon.storeLog insert failed")
		return
	}
	if s.events != nil {
		s.events.Publish(events.DeviceLog(events.DeviceLogData{
			DeviceID:  device.ID,
			Message:   message,
			CreatedAt: entry.CreatedAt,
		}))
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
