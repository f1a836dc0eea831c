package panopticon

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("panopticon: device not found")
	ErrNotConnected   = errors.New("panopticon: device not connected")
	ErrUnauthorized   = errors.New("panopticon: unauthorized")
)

const (
	DefaultDeviceLogLimit = 200
	MaxDeviceLogLimit     = 1000
)

// Device is a sentinel known to the server, identified by its secret.
type Device struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Secret          string    `json:"-"`
	Connected       bool      `json:"connected"`
	LastConnectedAt time.Time `json:"last_connected_at,omitzero"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeviceLog is one LOG line received from a device.
type DeviceLog struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceStore persists devices and their logs.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]Device, error)
	MarkConnected(ctx context.Context, id string, at time.Time) error
	MarkDisconnected(ctx context.Context, id string) error
	// ClearConnected resets every connected flag; used at startup.
	ClearConnected(ctx context.Context) (int64, error)
	AppendDeviceLog(ctx context.Context, entry DeviceLog) error
	ListDeviceLogs(ctx context.Context, deviceID string, limit int) ([]DeviceLog, error)
}

// ClampLogLimit applies the default and maximum device log page size.
func ClampLogLimit(limit int) int {
	if limit <= 0 {
		return DefaultDeviceLogLimit
	}
	return min(limit, MaxDeviceLogLimit)
}
