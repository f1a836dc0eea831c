package panopticon

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// missRefreshInterval bounds how often an unknown secret may reload the
// device table.
const missRefreshInterval = 3 * time.Second

// Registry owns device identity and the single live session per device.
// Connected flags in the store are only written here.
type Registry struct {
	mu sync.RWMutex

	store  DeviceStore
	events events.Publisher
	now    func() time.Time

	devices map[string]*deviceState
	nextGen uint64

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

type deviceState struct {
	meta   Device
	gen    uint64
	conn   io.Closer
	remote string
	state  session.State
}

// SessionInfo is the observed state of one device's live session.
type SessionInfo struct {
	Device
	RemoteAddr string        `json:"remote_addr,omitempty"`
	State      session.State `json:"-"`
	StateName  string        `json:"state"`
}

func NewRegistry(store DeviceStore, pub events.Publisher) *Registry {
	return &Registry{
		store:   store,
		events:  pub,
		now:     time.Now,
		devices: make(map[string]*deviceState),
	}
}

// Load clears stale connected flags left by a previous process and caches
// the device table.
func (r *Registry) Load(ctx context.Context) error {
	cleared, err := r.store.ClearConnected(ctx)
	if err != nil {
		return fmt.Errorf("panopticon: clear connected flags: %w", err)
	}
	if cleared > 0 {
		log.Warn().Int64("devices", cleared).Msg("panopticon.Registry cleared stale connected flags")
	}
	return r.Refresh(ctx)
}

// Refresh merges the store's device table into the cache, keeping live
// session ownership for devices that are still present.
func (r *Registry) Refresh(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("panopticon: list devices: %w", err)
	}
	r.refreshMu.Lock()
	r.lastRefresh = r.now()
	r.refreshMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		st, ok := r.devices[d.ID]
		if !ok {
			r.devices[d.ID] = &deviceState{meta: d}
			continue
		}
		connected, last := st.meta.Connected, st.meta.LastConnectedAt
		st.meta = d
		st.meta.Connected, st.meta.LastConnectedAt = connected, last
	}
	return nil
}

// Authenticate finds the device owning secret. Every candidate is compared
// in constant time. On a miss the store is re-read, at most once per
// missRefreshInterval, so devices added while running can connect.
func (r *Registry) Authenticate(ctx context.Context, secret string) (Device, error) {
	if d, ok := r.match(secret); ok {
		return d, nil
	}
	if !r.claimMissRefresh() {
		return Device{}, ErrUnauthorized
	}
	if err := r.Refresh(ctx); err != nil {
		return Device{}, err
	}
	if d, ok := r.match(secret); ok {
		return d, nil
	}
	return Device{}, ErrUnauthorized
}

func (r *Registry) claimMissRefresh() bool {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	now := r.now()
	if !r.lastRefresh.IsZero() && now.Sub(r.lastRefresh) < missRefreshInterval {
		return false
	}
	r.lastRefresh = now
	return true
}

func (r *Registry) match(secret string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *deviceState
	for _, st := range r.devices {
		if auth.MatchSecret(st.meta.Secret, secret) && found == nil {
			found = st
		}
	}
	if found == nil {
		return Device{}, false
	}
	return found.meta, true
}

// Attach makes conn the live session for deviceID. An older live session is
// superseded: its generation is invalidated before its socket is closed, so
// its own Detach becomes a no-op.
func (r *Registry) Attach(ctx context.Context, deviceID, remote string, conn io.Closer) (uint64, error) {
	r.mu.Lock()
	st, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrDeviceNotFound
	}
	now := r.now().UTC()
	if err := r.store.MarkConnected(ctx, deviceID, now); err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("panopticon: mark connected: %w", err)
	}
	old := st.conn
	r.nextGen++
	st.gen = r.nextGen
	st.conn = conn
	st.remote = remote
	st.state = session.StateAuthenticated
	st.meta.Connected = true
	st.meta.LastConnectedAt = now
	gen, meta := st.gen, st.meta
	r.publish(events.DeviceConnected(meta.ID, meta.Name))
	r.mu.Unlock()

	if old != nil {
		log.Warn().Str("device_id", deviceID).Str("remote", remote).Msg("panopticon.Registry superseding older session")
		_ = old.Close()
	}
	log.Info().Str("device_id", deviceID).Str("name", meta.Name).Str("remote", remote).Uint64("gen", gen).
		Msg("panopticon.Registry device authenticated")
	return gen, nil
}

// Detach ends session gen. It reports false when gen is no longer current.
func (r *Registry) Detach(ctx context.Context, deviceID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[deviceID]
	if !ok || st.gen != gen || st.conn == nil {
		return false
	}
	r.disconnectLocked(ctx, st)
	log.Info().Str("device_id", deviceID).Uint64("gen", gen).Msg("panopticon.Registry device disconnected")
	return true
}

// ForceDisconnect tears down the live session. The connected flag is cleared
// before the socket is closed.
func (r *Registry) ForceDisconnect(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	st, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	if st.conn == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}
	conn := st.conn
	r.disconnectLocked(ctx, st)
	r.mu.Unlock()

	_ = conn.Close()
	log.Warn().Str("device_id", deviceID).Msg("panopticon.Registry session force-closed")
	return nil
}

func (r *Registry) disconnectLocked(ctx context.Context, st *deviceState) {
	r.nextGen++
	st.gen = r.nextGen
	st.conn = nil
	st.remote = ""
	st.state = session.StateDisconnected
	st.meta.Connected = false
	if err := r.store.MarkDisconnected(ctx, st.meta.ID); err != nil {
		log.Error().Err(err).Str("device_id", st.meta.ID).Msg("panopticon.Registry mark disconnected failed")
	}
	r.publish(events.DeviceDisconnected(st.meta.ID))
}

// CloseAll force-closes every live session, clearing flags first.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	var conns []io.Closer
	for _, st := range r.devices {
		if st.conn == nil {
			continue
		}
		conns = append(conns, st.conn)
		r.disconnectLocked(ctx, st)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *Registry) Device(id string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.devices[strings.TrimSpace(id)]
	if !ok {
		return SessionInfo{}, false
	}
	return st.info(), true
}

// Snapshot lists devices ordered by name.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.devices))
	for _, st := range r.devices {
		out = append(out, st.info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (st *deviceState) info() SessionInfo {
	return SessionInfo{
		Device:     st.meta,
		RemoteAddr: st.remote,
		State:      st.state,
		StateName:  st.state.String(),
	}
}

func (r *Registry) publish(ev events.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}
