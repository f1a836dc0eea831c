package panopticon

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type memDevices struct {
	mu       sync.Mutex
	devices  map[string]*Device
	logs     []DeviceLog
	connects int
	lists    int
}

func newMemDevices(devices ...Device) *memDevices {
	m := &memDevices{devices: make(map[string]*Device)}
	for _, d := range devices {
		d := d
		m.devices[d.ID] = &d
	}
	return m
}

func (m *memDevices) ListDevices(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out, nil
}

func (m *memDevices) MarkConnected(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Connected = true
	d.LastConnectedAt = at
	m.connects++
	return nil
}

func (m *memDevices) MarkDisconnected(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Connected = false
	return nil
}

func (m *memDevices) ClearConnected(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.devices {
		if d.Connected {
			d.Connected = false
			n++
		}
	}
	return n, nil
}

func (m *memDevices) AppendDeviceLog(_ context.Context, entry DeviceLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memDevices) ListDeviceLogs(_ context.Context, deviceID string, limit int) ([]DeviceLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeviceLog
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.logs[i].DeviceID == deviceID {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

func (m *memDevices) get(id string) Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.devices[id]
}

func (m *memDevices) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *memDevices) listCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists
}

func (m *memDevices) logCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

func (m *memDevices) add(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = &d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialLine(t *testing.T, addr string, lines ...string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	for _, line := range lines {
		writeLine(t, conn, line)
	}
	return conn
}

func writeLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

// expectClosed fails unless the peer closes conn without sending anything.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err == nil {
		t.Fatalf("expected close, got line %q", line)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("expected server close, read timed out")
	}
	if line != "" {
		t.Fatalf("server wrote %q before closing", line)
	}
}
