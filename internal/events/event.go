// Package events fans access, connection and mode events out to live
// subscribers without ever blocking the producer.
package events

import "time"

type Kind string

const (
	KindScan               Kind = "scan"
	KindModeChanged        Kind = "mode_changed"
	KindCardAdded          Kind = "card_added"
	KindCardRemoved        Kind = "card_removed"
	KindDeviceConnected    Kind = "device_connected"
	KindDeviceDisconnected Kind = "device_disconnected"
	KindDeviceLog          Kind = "device_log"
	KindLockResult         Kind = "lock_result"
)

// Event is the feed envelope: {"type": ..., "data": {...}}.
type Event struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

type ScanData struct {
	TagID           string    `json:"tag_id"`
	Action          string    `json:"action"`
	CreatedAt       time.Time `json:"created_at"`
	AlreadyEnrolled bool      `json:"already_enrolled,omitempty"`
}

type ModeData struct {
	Mode string `json:"mode"`
}

type CardData struct {
	ID        string    `json:"id"`
	TagID     string    `json:"tag_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

type CardRemovedData struct {
	ID string `json:"id"`
}

type DeviceData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type DeviceDisconnectedData struct {
	ID string `json:"id"`
}

type DeviceLogData struct {
	DeviceID  string    `json:"device_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LockResultData reports an unlock outcome, or a state the lock pushed on
// its own, in which case TagID is empty and State is set.
type LockResultData struct {
	TagID  string `json:"tag_id,omitempty"`
	LockID string `json:"lock_id"`
	OK     bool   `json:"ok"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

func Scan(d ScanData) Event {
	return Event{Type: KindScan, Data: d}
}

func ModeChanged(mode string) Event {
	return Event{Type: KindModeChanged, Data: ModeData{Mode: mode}}
}

func CardAdded(d CardData) Event {
	return Event{Type: KindCardAdded, Data: d}
}

func CardRemoved(id string) Event {
	return Event{Type: KindCardRemoved, Data: CardRemovedData{ID: id}}
}

func DeviceConnected(id, name string) Event {
	return Event{Type: KindDeviceConnected, Data: DeviceData{ID: id, Name: name}}
}

func DeviceDisconnected(id string) Event {
	return Event{Type: KindDeviceDisconnected, Data: DeviceDisconnectedData{ID: id}}
}

func DeviceLog(d DeviceLogData) Event {
	return Event{Type: KindDeviceLog, Data: d}
}

func LockResult(d LockResultData) Event {
	return Event{Type: KindLockResult, Data: d}
}

// Publisher is the producer-side view of a Broadcaster.
type Publisher interface {
	Publish(Event)
}
