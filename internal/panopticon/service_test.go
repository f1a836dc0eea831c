package panopticon

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/protocol/session"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/danmuck/panopticon/internal/testutil/testlog"
)

var sampleTag = rfid.TagID{0x80, 0x00, 0x48, 0x23, 0x4C}

type harness struct {
	addr    string
	svc     *Service
	devices *memDevices
	scans   *access.MemoryStore
	ctrl    *access.Controller
	bus     *events.Broadcaster
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

func startHarness(t *testing.T, mutate func(*ServiceConfig)) *harness {
	t.Helper()
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &harness{
		addr:    ln.Addr().String(),
		devices: newMemDevices(Device{ID: "dev-front", Name: "front door", Secret: "front-secret"}),
		scans:   access.NewMemoryStore(),
		bus:     events.NewBroadcaster(events.DefaultConfig()),
		done:    make(chan error, 1),
	}
	h.ctrl = access.NewController(access.Config{}, h.scans, h.bus, nil)
	reg := NewRegistry(h.devices, h.bus)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("registry load: %v", err)
	}

	cfg := DefaultServiceConfig()
	cfg.Session.AuthzTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc = NewService(cfg, reg, h.ctrl, h.devices, h.bus)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.svc.Serve(ctx, ln) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.once.Do(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
		}
	})
}

func (h *harness) scanCount() int {
	scans, _ := h.scans.ListScans(context.Background(), 100)
	return len(scans)
}

func (h *harness) connected() bool {
	info, ok := h.svc.Registry().Device("dev-front")
	return ok && info.Connected
}

func TestServiceRejectsBadSecretSilently(t *testing.T) {
	h := startHarness(t, nil)

	conn := dialLine(t, h.addr, "AUTHZ: wrong-secret", session.ScanLine(sampleTag))
	expectClosed(t, conn)

	if n := h.scanCount(); n != 0 {
		t.Fatalf("expected no scan events, got %d", n)
	}
	if h.devices.get("dev-front").Connected {
		t.Fatalf("device must not be marked connected")
	}
}

func TestServiceRequiresAuthzFirst(t *testing.T) {
	h := startHarness(t, nil)

	conn := dialLine(t, h.addr, session.ScanLine(sampleTag), "AUTHZ: front-secret")
	expectClosed(t, conn)
	if n := h.scanCount(); n != 0 {
		t.Fatalf("expected scan before AUTHZ ignored, got %d events", n)
	}
}

func TestServiceAuthzTimeout(t *testing.T) {
	h := startHarness(t, func(cfg *ServiceConfig) {
		cfg.Session.AuthzTimeout = 150 * time.Millisecond
	})

	conn := dialLine(t, h.addr)
	expectClosed(t, conn)
	if h.svc.ActiveSessions() != 0 {
		t.Fatalf("expected no active sessions")
	}
}

func TestServiceGuardScanOverSession(t *testing.T) {
	h := startHarness(t, nil)
	sub := h.bus.Subscribe()
	defer sub.Close()

	dialLine(t, h.addr, "AUTHZ: front-secret", session.ScanLine(sampleTag))
	waitFor(t, "scan recorded", func() bool { return h.scanCount() == 1 })

	scans, _ := h.scans.ListScans(context.Background(), 10)
	if scans[0].Action != access.ActionDenied || scans[0].TagID != sampleTag {
		t.Fatalf("unexpected scan event: %+v", scans[0])
	}

	sawScan := false
	deadline := time.After(2 * time.Second)
	for !sawScan {
		select {
		case ev := <-sub.Events():
			if ev.Type == events.KindScan {
				data := ev.Data.(events.ScanData)
				if data.Action != "denied" || data.TagID != "80:00:48:23:4C" {
					t.Fatalf("unexpected scan payload: %+v", data)
				}
				sawScan = true
			}
		case <-deadline:
			t.Fatalf("no scan event broadcast")
		}
	}
}

func TestServiceEnrollOverSession(t *testing.T) {
	h := startHarness(t, nil)
	if _, err := h.ctrl.SetMode(context.Background(), access.ModeEnroll); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	dialLine(t, h.addr, "AUTHZ: front-secret", session.ScanLine(sampleTag), session.ScanLine(sampleTag))
	waitFor(t, "enroll recorded", func() bool { return h.scanCount() == 1 })

	cards := h.ctrl.ListCards()
	if len(cards) != 1 || cards[0].TagID != sampleTag {
		t.Fatalf("expected one enrolled card, got %+v", cards)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.scanCount(); n != 1 {
		t.Fatalf("repeat enroll must not record, got %d events", n)
	}
}

func TestServiceReconnectUpdatesFlagOnce(t *testing.T) {
	h := startHarness(t, nil)

	first := dialLine(t, h.addr, "AUTHZ: front-secret")
	waitFor(t, "first connect", h.connected)
	firstAt := h.devices.get("dev-front").LastConnectedAt

	_ = first.Close()
	waitFor(t, "disconnect", func() bool { return !h.devices.get("dev-front").Connected })
	if h.connected() {
		t.Fatalf("registry still reports connected")
	}

	time.Sleep(5 * time.Millisecond)
	dialLine(t, h.addr, "AUTHZ: front-secret")
	waitFor(t, "reconnect", h.connected)

	d := h.devices.get("dev-front")
	if !d.Connected {
		t.Fatalf("expected connected flag set")
	}
	if !d.LastConnectedAt.After(firstAt) {
		t.Fatalf("last_connected_at not advanced: %v <= %v", d.LastConnectedAt, firstAt)
	}
	if got := h.devices.connectCount(); got != 2 {
		t.Fatalf("expected 2 connect transitions, got %d", got)
	}
}

func TestServiceSupersedesOlderSession(t *testing.T) {
	h := startHarness(t, nil)

	older := dialLine(t, h.addr, "AUTHZ: front-secret")
	waitFor(t, "first connect", h.connected)
	dialLine(t, h.addr, "AUTHZ: front-secret")
	waitFor(t, "second connect", func() bool { return h.devices.connectCount() == 2 })

	expectClosed(t, older)
	time.Sleep(50 * time.Millisecond)
	if !h.devices.get("dev-front").Connected || !h.connected() {
		t.Fatalf("superseded session cleared the connected flag")
	}
	waitFor(t, "one active session", func() bool { return h.svc.ActiveSessions() == 1 })
}

func TestServiceForceDisconnect(t *testing.T) {
	h := startHarness(t, nil)

	conn := dialLine(t, h.addr, "AUTHZ: front-secret")
	waitFor(t, "connect", h.connected)

	if err := h.svc.Disconnect(context.Background(), "dev-front"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h.devices.get("dev-front").Connected {
		t.Fatalf("flag still set after disconnect returned")
	}
	expectClosed(t, conn)
	if err := h.svc.Disconnect(context.Background(), "dev-front"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestServiceMalformedLineTerminates(t *testing.T) {
	cases := map[string]string{
		"no separator":   "garbage",
		"bad scan":       "SCAN: 80-00-48-23-4C",
		"lowercase scan": "SCAN: 80:00:48:23:4c",
		"second authz":   "AUTHZ: front-secret",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			h := startHarness(t, nil)
			conn := dialLine(t, h.addr, "AUTHZ: front-secret")
			waitFor(t, "connect", h.connected)
			writeLine(t, conn, line)
			expectClosed(t, conn)
			waitFor(t, "flag cleared", func() bool { return !h.devices.get("dev-front").Connected })
			if n := h.scanCount(); n != 0 {
				t.Fatalf("expected no scan events, got %d", n)
			}
		})
	}
}

func TestServiceStoresLogsAndIgnoresUnknownTypes(t *testing.T) {
	h := startHarness(t, nil)
	sub := h.bus.Subscribe()
	defer sub.Close()

	conn := dialLine(t, h.addr,
		"AUTHZ: front-secret",
		"PING: hello",
		"",
		session.LogLine("INFO", "sentinel::reader", "tag verified"),
	)
	waitFor(t, "log stored", func() bool { return h.devices.logCount() == 1 })

	logs, err := h.svc.DeviceLogs(context.Background(), "dev-front", 0)
	if err != nil {
		t.Fatalf("device logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "[INFO sentinel::reader] tag verified" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if _, err := h.svc.DeviceLogs(context.Background(), "missing", 0); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type != events.KindDeviceLog {
				continue
			}
			data := ev.Data.(events.DeviceLogData)
			if data.DeviceID != "dev-front" || data.Message != logs[0].Message {
				t.Fatalf("unexpected device_log payload: %+v", data)
			}
			writeLine(t, conn, session.ScanLine(sampleTag))
			waitFor(t, "scan after unknown type", func() bool { return h.scanCount() == 1 })
			return
		case <-deadline:
			t.Fatalf("no device_log event")
		}
	}
}

func TestServiceShutdownClearsFlags(t *testing.T) {
	h := startHarness(t, nil)

	conn := dialLine(t, h.addr, "AUTHZ: front-secret")
	waitFor(t, "connect", h.connected)

	h.stop()
	if h.devices.get("dev-front").Connected {
		t.Fatalf("flag still set after shutdown")
	}
	expectClosed(t, conn)
}
