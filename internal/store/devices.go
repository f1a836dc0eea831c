package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/panopticon/internal/panopticon"
	"github.com/google/uuid"
)

var (
	ErrDeviceNameRequired = errors.New("store: device name required")
	ErrDuplicateSecret    = errors.New("store: secret already assigned to a device")
)

var _ panopticon.DeviceStore = (*Store)(nil)

// CreateDevice registers a sentinel. The secret must be unique.
func (s *Store) CreateDevice(ctx context.Context, name, secret string) (panopticon.Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return panopticon.Device{}, ErrDeviceNameRequired
	}
	d := panopticon.Device{
		ID:        uuid.NewString(),
		Name:      name,
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, secret, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(secret) DO NOTHING`, d.ID, d.Name, d.Secret, toUnix(d.CreatedAt))
	if err != nil {
		return panopticon.Device{}, fmt.Errorf("store: create device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return panopticon.Device{}, ErrDuplicateSecret
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]panopticon.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, secret, connected, last_connected_at, created_at FROM devices ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()
	var out []panopticon.Device
	for rows.Next() {
		var (
			d         panopticon.Device
			connected int
			last      sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Secret, &connected, &last, &created); err != nil {
			return nil, fmt.Errorf("store: device row: %w", err)
		}
		d.Connected = connected != 0
		if last.Valid {
			d.LastConnectedAt = fromUnix(last.Int64)
		}
		d.CreatedAt = fromUnix(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) MarkConnected(ctx context.Context, id string, at time.Time) error {
	return s.updateDevice(ctx, "UPDATE devices SET connected = 1, last_connected_at = ? WHERE id = ?", toUnix(at), id)
}

func (s *Store) MarkDisconnected(ctx context.Context, id string) error {
	return s.updateDevice(ctx, "UPDATE devices SET connected = 0 WHERE id = ?", id)
}

func (s *Store) ClearConnected(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE devices SET connected = 0 WHERE connected != 0")
	if err != nil {
		return 0, fmt.Errorf("store: clear connected: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) updateDevice(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return panopticon.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) AppendDeviceLog(ctx context.Context, entry panopticon.DeviceLog) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device_logs (id, device_id, message, created_at) VALUES (?, ?, ?, ?)",
		entry.ID, entry.DeviceID, entry.Message, toUnix(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append device log: %w", err)
	}
	return nil
}

func (s *Store) ListDeviceLogs(ctx context.Context, deviceID string, limit int) ([]panopticon.DeviceLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, message, created_at FROM device_logs
		WHERE device_id = ? ORDER BY seq DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list device logs: %w", err)
	}
	defer rows.Close()
	var out []panopticon.DeviceLog
	for rows.Next() {
		var (
			entry   panopticon.DeviceLog
			created int64
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.Message, &created); err != nil {
			return nil, fmt.Errorf("store: device log row: %w", err)
		}
		entry.CreatedAt = fromUnix(created)
		out = append(out, entry)
	}
	return out, rows.Err()
}
