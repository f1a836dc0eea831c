// Package access is the single authority over system mode and the allow-list.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/panopticon/internal/rfid"
)

var (
	ErrInvalidMode  = errors.New("access: invalid mode")
	ErrCardNotFound = errors.New("access: card not found")
	ErrCardExists   = errors.New("access: card already exists for tag")
)

type Mode string

const (
	ModeGuard  Mode = "guard"
	ModeEnroll Mode = "enroll"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeGuard:
		return ModeGuard, nil
	case ModeEnroll:
		return ModeEnroll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

type Action string

const (
	ActionGranted  Action = "granted"
	ActionDenied   Action = "denied"
	ActionEnrolled Action = "enrolled"
)

// Card binds a tag to the allow-list.
type Card struct {
	ID        string     `json:"id"`
	TagID     rfid.TagID `json:"tag_id"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
}

// ScanEvent is one append-only scan log entry.
type ScanEvent struct {
	ID        string     `json:"id"`
	TagID     rfid.TagID `json:"tag_id"`
	Action    Action     `json:"action"`
	CreatedAt time.Time  `json:"created_at"`
}

// Decision is the controller's answer to one scan.
type Decision struct {
	Action Action
	// Suppressed scans were within the debounce window; nothing was recorded.
	Suppressed bool
	// Created is set when an enroll scan added a new card.
	Created bool
	// Recorded is false when no ScanEvent was persisted.
	Recorded bool
	Card     *Card
	Event    ScanEvent
}

// Store persists allow-list, mode and scan log. EnrollCard writes the card
// and its enrolled ScanEvent atomically; it must be idempotent per tag and
// report ErrCardExists, with nothing written, on a duplicate.
type Store interface {
	LoadMode(ctx context.Context) (Mode, bool, error)
	SaveMode(ctx context.Context, mode Mode) error
	ListCards(ctx context.Context) ([]Card, error)
	EnrollCard(ctx context.Context, card Card, ev ScanEvent) error
	DeleteCard(ctx context.Context, id string) (Card, error)
	UpdateCardLabel(ctx context.Context, id, label string) (Card, error)
	AppendScan(ctx context.Context, ev ScanEvent) error
	ListScans(ctx context.Context, limit int) ([]ScanEvent, error)
}

// Unlocker is the fire-and-forget smart-lock collaborator.
type Unlocker interface {
	RequestUnlock(tag rfid.TagID) bool
}
