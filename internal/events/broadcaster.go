package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/panopticon/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

var ErrInvalidOverflowPolicy = errors.New("events: invalid overflow policy")

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy int

const (
	// DropEvent discards the event for that subscriber only.
	DropEvent OverflowPolicy = iota
	// DisconnectSubscriber removes the subscriber; its Done channel closes.
	DisconnectSubscriber
)

func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "drop":
		return DropEvent, nil
	case "disconnect":
		return DisconnectSubscriber, nil
	default:
		return DropEvent, fmt.Errorf("%w: %q", ErrInvalidOverflowPolicy, raw)
	}
}

func (p OverflowPolicy) String() string {
	if p == DisconnectSubscriber {
		return "disconnect"
	}
	return "drop"
}

type Config struct {
	Buffer   int
	Overflow OverflowPolicy
}

func DefaultConfig() Config {
	return Config{Buffer: DefaultBuffer, Overflow: DropEvent}
}

// Subscription is one observer's bounded queue. The event channel is never
// closed; consumers select on Done as well.
type Subscription struct {
	id      uint64
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	b       *Broadcaster
}

func (s *Subscription) Events() <-chan Event  { return s.ch }
func (s *Subscription) Done() <-chan struct{} { return s.done }
func (s *Subscription) Dropped() uint64       { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Broadcaster delivers each published event to every live subscriber. Its
// lock is independent of any producer state.
type Broadcaster struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Broadcaster{
		cfg:  cfg,
		subs: make(map[uint64]*Subscription),
	}
}

func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		ch:   make(chan Event, b.cfg.Buffer),
		done: make(chan struct{}),
		b:    b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish never blocks.
func (b *Broadcaster) Publish(ev Event) {
	b.published.Add(1)
	var overflowed []uint64

	b.mu.RLock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			observability.RecordEventDropped()
			if b.cfg.Overflow == DisconnectSubscriber {
				overflowed = append(overflowed, id)
			}
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		log.Warn().Uint64("subscriber", id).Str("type", string(ev.Type)).Msg("events.Publish subscriber overflow, disconnecting")
		b.unsubscribe(id)
	}
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Published() uint64 { return b.published.Load() }
func (b *Broadcaster) Dropped() uint64   { return b.dropped.Load() }

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}
