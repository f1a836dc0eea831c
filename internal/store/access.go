package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/danmuck/panopticon/internal/access"
	"github.com/danmuck/panopticon/internal/rfid"
)

const modeKey = "mode"

var _ access.Store = (*Store)(nil)

func (s *Store) LoadMode(ctx context.Context) (access.Mode, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_config WHERE key = ?", modeKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: load mode: %w", err)
	}
	mode, err := access.ParseMode(raw)
	if err != nil {
		return "", false, err
	}
	return mode, true, nil
}

func (s *Store) SaveMode(ctx context.Context, mode access.Mode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, modeKey, string(mode))
	if err != nil {
		return fmt.Errorf("store: save mode: %w", err)
	}
	return nil
}

func (s *Store) ListCards(ctx context.Context) ([]access.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tag_id, label, created_at FROM cards ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("store: list cards: %w", err)
	}
	defer rows.Close()
	var out []access.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

// EnrollCard inserts card and its enrolled scan row in one transaction. It is
// idempotent per tag: a second enrollment for the same tag writes nothing and
// returns access.ErrCardExists.
func (s *Store) EnrollCard(ctx context.Context, card access.Card, ev access.ScanEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: enroll card: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cards (id, tag_id, label, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tag_id) DO NOTHING`,
		card.ID, card.TagID.String(), card.Label, toUnix(card.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: enroll card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: enroll card: %w", err)
	}
	if n == 0 {
		return access.ErrCardExists
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO scan_log (id, tag_id, action, created_at) VALUES (?, ?, ?, ?)",
		ev.ID, ev.TagID.String(), string(ev.Action), toUnix(ev.CreatedAt)); err != nil {
		return fmt.Errorf("store: enroll card: append scan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: enroll card: commit: %w", err)
	}
	return nil
}

func (s *Store) DeleteCard(ctx context.Context, id string) (access.Card, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, tag_id, label, created_at FROM cards WHERE id = ?", id)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Card{}, access.ErrCardNotFound
	}
	if err != nil {
		return access.Card{}, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cards WHERE id = ?", id); err != nil {
		return access.Card{}, fmt.Errorf("store: delete card: %w", err)
	}
	return card, nil
}

func (s *Store) UpdateCardLabel(ctx context.Context, id, label string) (access.Card, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE cards SET label = ? WHERE id = ?", label, id)
	if err != nil {
		return access.Card{}, fmt.Errorf("store: update card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return access.Card{}, access.ErrCardNotFound
	}
	row := s.db.QueryRowContext(ctx, "SELECT id, tag_id, label, created_at FROM cards WHERE id = ?", id)
	return scanCard(row)
}

func (s *Store) AppendScan(ctx context.Context, ev access.ScanEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO scan_log (id, tag_id, action, created_at) VALUES (?, ?, ?, ?)",
		ev.ID, ev.TagID.String(), string(ev.Action), toUnix(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append scan: %w", err)
	}
	return nil
}

func (s *Store) ListScans(ctx context.Context, limit int) ([]access.ScanEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tag_id, action, created_at FROM scan_log ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("store: list scans: %w", err)
	}
	defer rows.Close()
	var out []access.ScanEvent
	for rows.Next() {
		var (
			ev      access.ScanEvent
			tag     string
			action  string
			created int64
		)
		if err := rows.Scan(&ev.ID, &tag, &action, &created); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		if ev.TagID, err = rfid.ParseTagID(tag); err != nil {
			return nil, err
		}
		ev.Action = access.Action(action)
		ev.CreatedAt = fromUnix(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (access.Card, error) {
	var (
		card    access.Card
		tag     string
		created int64
	)
	if err := row.Scan(&card.ID, &tag, &card.Label, &created); err != nil {
		return access.Card{}, err
	}
	id, err := rfid.ParseTagID(tag)
	if err != nil {
		return access.Card{}, err
	}
	card.TagID = id
	card.CreatedAt = fromUnix(created)
	return card, nil
}
