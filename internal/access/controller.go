package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/observability"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce suppresses repeat scans of one tag held in the field.
const DefaultDebounce = 3 * time.Second

// DefaultScanLogLimit is the scan log page size when none is given.
const DefaultScanLogLimit = 50

type Config struct {
	// Debounce is the same-tag suppression window; zero disables it.
	Debounce time.Duration
	// InitialMode is used when the store has no persisted mode.
	InitialMode Mode
}

func DefaultConfig() Config {
	return Config{Debounce: DefaultDebounce, InitialMode: ModeGuard}
}

// Controller serializes every mode read/write and allow-list mutation behind
// one mutex. Events are published while holding it so their order matches the
// decision order; publishing never blocks.
type Controller struct {
	cfg      Config
	store    Store
	events   events.Publisher
	unlocker Unlocker
	now      func() time.Time

	mu       sync.Mutex
	mode     Mode
	cards    map[rfid.TagID]Card
	lastSeen map[rfid.TagID]time.Time
}

func NewController(cfg Config, store Store, pub events.Publisher, unlocker Unlocker) *Controller {
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.InitialMode == "" {
		cfg.InitialMode = ModeGuard
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		events:   pub,
		unlocker: unlocker,
		now:      time.Now,
		mode:     cfg.InitialMode,
		cards:    make(map[rfid.TagID]Card),
		lastSeen: make(map[rfid.TagID]time.Time),
	}
}

// SetClock replaces the time source.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Load fills the in-memory cache from the store. It must run before scans.
func (c *Controller) Load(ctx context.Context) error {
	mode, ok, err := c.store.LoadMode(ctx)
	if err != nil {
		return fmt.Errorf("access: load mode: %w", err)
	}
	cards, err := c.store.ListCards(ctx)
	if err != nil {
		return fmt.Errorf("access: load cards: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.mode = mode
	}
	c.cards = make(map[rfid.TagID]Card, len(cards))
	for _, card := range cards {
		c.cards[card.TagID] = card
	}
	log.Info().Str("mode", string(c.mode)).Int("cards", len(c.cards)).Msg("access.Load complete")
	return nil
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode persists and applies mode. It reports whether the value changed;
// mode_changed is only emitted on a change.
func (c *Controller) SetMode(ctx context.Context, mode Mode) (bool, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == mode {
		return false, nil
	}
	if err := c.store.SaveMode(ctx, mode); err != nil {
		return false, fmt.Errorf("access: save mode: %w", err)
	}
	prev := c.mode
	c.mode = mode
	// A scan suppressed under the old mode would otherwise miss the new one.
	clear(c.lastSeen)
	c.publish(events.ModeChanged(string(mode)))
	log.Info().Str("from", string(prev)).Str("to", string(mode)).Msg("access.SetMode changed")
	return true, nil
}

// ProcessScan applies the current mode to a validated tag.
func (c *Controller) ProcessScan(ctx context.Context, tag rfid.TagID) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	if c.debouncedLocked(tag, now) {
		log.Debug().Str("tag_id", tag.String()).Msg("access.ProcessScan debounced")
		return Decision{Suppressed: true}, nil
	}

	switch c.mode {
	case ModeEnroll:
		return c.enrollLocked(ctx, tag, now)
	default:
		return c.guardLocked(ctx, tag, now)
	}
}

func (c *Controller) guardLocked(ctx context.Context, tag rfid.TagID, now time.Time) (Decision, error) {
	card, known := c.cards[tag]
	action := ActionDenied
	if known {
		action = ActionGranted
	}
	ev := ScanEvent{ID: uuid.NewString(), TagID: tag, Action: action, CreatedAt: now}
	if err := c.store.AppendScan(ctx, ev); err != nil {
		return Decision{}, fmt.Errorf("access: record scan: %w", err)
	}
	c.lastSeen[tag] = now
	observability.RecordScan(string(action))

	d := Decision{Action: action, Recorded: true, Event: ev}
	if known {
		d.Card = &card
		if c.unlocker != nil && !c.unlocker.RequestUnlock(tag) {
			log.Warn().Str("tag_id", tag.String()).Msg("access.ProcessScan unlock queue full")
		}
	}
	c.publish(events.Scan(events.ScanData{
		TagID:     tag.String(),
		Action:    string(action),
		CreatedAt: now,
	}))
	log.Info().Str("tag_id", tag.String()).Str("action", string(action)).Msg("access.ProcessScan decided")
	return d, nil
}

func (c *Controller) enrollLocked(ctx context.Context, tag rfid.TagID, now time.Time) (Decision, error) {
	if existing, ok := c.cards[tag]; ok {
		c.lastSeen[tag] = now
		observability.RecordScan("already_enrolled")
		c.publish(events.Scan(events.ScanData{
			TagID:           tag.String(),
			Action:          string(ActionEnrolled),
			CreatedAt:       now,
			AlreadyEnrolled: true,
		}))
		log.Info().Str("tag_id", tag.String()).Str("card_id", existing.ID).Msg("access.ProcessScan already enrolled")
		return Decision{Action: ActionEnrolled, Card: &existing}, nil
	}

	card := Card{ID: uuid.NewString(), TagID: tag, CreatedAt: now}
	ev := ScanEvent{ID: uuid.NewString(), TagID: tag, Action: ActionEnrolled, CreatedAt: now}
	if err := c.store.EnrollCard(ctx, card, ev); err != nil {
		if !errors.Is(err, ErrCardExists) {
			return Decision{}, fmt.Errorf("access: enroll card: %w", err)
		}
		// Store already had it (e.g. added out of band); adopt the stored row.
		if err := c.reloadCardLocked(ctx, tag); err != nil {
			return Decision{}, err
		}
		existing := c.cards[tag]
		return Decision{Action: ActionEnrolled, Card: &existing}, nil
	}
	c.cards[tag] = card
	c.lastSeen[tag] = now
	observability.RecordScan(string(ActionEnrolled))

	c.publish(events.CardAdded(cardData(card)))
	c.publish(events.Scan(events.ScanData{
		TagID:     tag.String(),
		Action:    string(ActionEnrolled),
		CreatedAt: now,
	}))
	log.Info().Str("tag_id", tag.String()).Str("card_id", card.ID).Msg("access.ProcessScan enrolled")
	return Decision{Action: ActionEnrolled, Created: true, Recorded: true, Card: &card, Event: ev}, nil
}

func (c *Controller) reloadCardLocked(ctx context.Context, tag rfid.TagID) error {
	cards, err := c.store.ListCards(ctx)
	if err != nil {
		return fmt.Errorf("access: reload cards: %w", err)
	}
	for _, card := range cards {
		c.cards[card.TagID] = card
	}
	if _, ok := c.cards[tag]; !ok {
		return fmt.Errorf("%w: %s", ErrCardNotFound, tag)
	}
	return nil
}

func (c *Controller) debouncedLocked(tag rfid.TagID, now time.Time) bool {
	if c.cfg.Debounce <= 0 {
		return false
	}
	if len(c.lastSeen) > 1024 {
		for t, at := range c.lastSeen {
			if now.Sub(at) >= c.cfg.Debounce {
				delete(c.lastSeen, t)
			}
		}
	}
	last, ok := c.lastSeen[tag]
	return ok && now.Sub(last) < c.cfg.Debounce
}

// ListCards returns the allow-list ordered by creation time.
func (c *Controller) ListCards() []Card {
	c.mu.Lock()
	out := make([]Card, 0, len(c.cards))
	for _, card := range c.cards {
		out = append(out, card)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (c *Controller) RemoveCard(ctx context.Context, id string) (Card, error) {
	id = strings.TrimSpace(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	card, err := c.store.DeleteCard(ctx, id)
	if err != nil {
		return Card{}, err
	}
	delete(c.cards, card.TagID)
	delete(c.lastSeen, card.TagID)
	c.publish(events.CardRemoved(card.ID))
	log.Info().Str("card_id", card.ID).Str("tag_id", card.TagID.String()).Msg("access.RemoveCard removed")
	return card, nil
}

func (c *Controller) SetCardLabel(ctx context.Context, id, label string) (Card, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	card, err := c.store.UpdateCardLabel(ctx, strings.TrimSpace(id), strings.TrimSpace(label))
	if err != nil {
		return Card{}, err
	}
	c.cards[card.TagID] = card
	return card, nil
}

// ListScans returns the newest scan log entries first.
func (c *Controller) ListScans(ctx context.Context, limit int) ([]ScanEvent, error) {
	if limit <= 0 {
		limit = DefaultScanLogLimit
	}
	return c.store.ListScans(ctx, limit)
}

func (c *Controller) publish(ev events.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func cardData(card Card) events.CardData {
	return events.CardData{
		ID:        card.ID,
		TagID:     card.TagID.String(),
		Label:     card.Label,
		CreatedAt: card.CreatedAt,
	}
}
