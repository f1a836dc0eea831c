package session

import (
	"sync"
	"time"
)

type OutboundKind int

const (
	OutboundLog OutboundKind = iota
	OutboundScan
)

func (k OutboundKind) String() string {
	if k == OutboundScan {
		return "scan"
	}
	return "log"
}

// Outbound is one rendered line waiting for a live session.
type Outbound struct {
	Kind     OutboundKind
	Line     string
	QueuedAt time.Time
}

// OutboxStats is a point-in-time copy of drop counters.
type OutboxStats struct {
	Queued       int
	DroppedLogs  uint64
	DroppedScans uint64
	ExpiredScans uint64
}

// Outbox buffers device->server lines across reconnects. It is bounded: when
// full, the oldest LOG line is evicted first, then the oldest SCAN. SCAN lines
// older than ScanMaxAge are discarded at dequeue so a late reconnect never
// replays a stale unlock.
type Outbox struct {
	mu         sync.Mutex
	items      []Outbound
	max        int
	scanMaxAge time.Duration
	now        func() time.Time
	ready      chan struct{}

	droppedLogs  uint64
	droppedScans uint64
	expiredScans uint64
}

func NewOutbox(max int, scanMaxAge time.Duration) *Outbox {
	if max <= 0 {
		max = 256
	}
	return &Outbox{
		items:      make([]Outbound, 0, max),
		max:        max,
		scanMaxAge: scanMaxAge,
		now:        time.Now,
		ready:      make(chan struct{}, 1),
	}
}

// Push enqueues item, evicting per policy when full. It never blocks.
func (o *Outbox) Push(item Outbound) {
	o.mu.Lock()
	if item.QueuedAt.IsZero() {
		item.QueuedAt = o.now()
	}
	if len(o.items) >= o.max {
		o.evictLocked(item.Kind)
	}
	if len(o.items) < o.max {
		o.items = append(o.items, item)
	}
	o.mu.Unlock()
	o.signal()
}

// Requeue puts an item that failed to send back at the head.
func (o *Outbox) Requeue(item Outbound) {
	o.mu.Lock()
	if len(o.items) >= o.max {
		o.evictLocked(item.Kind)
	}
	if len(o.items) < o.max {
		o.items = append([]Outbound{item}, o.items...)
	}
	o.mu.Unlock()
	o.signal()
}

// Pop returns the oldest sendable item.
func (o *Outbox) Pop() (Outbound, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	for len(o.items) > 0 {
		item := o.items[0]
		o.items[0] = Outbound{}
		o.items = o.items[1:]
		if item.Kind == OutboundScan && o.scanMaxAge > 0 && now.Sub(item.QueuedAt) > o.scanMaxAge {
			o.expiredScans++
			continue
		}
		return item, true
	}
	return Outbound{}, false
}

// Ready is signalled after every push; receivers must drain with Pop.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutboxStats{
		Queued:       len(o.items),
		DroppedLogs:  o.droppedLogs,
		DroppedScans: o.droppedScans,
		ExpiredScans: o.expiredScans,
	}
}

func (o *Outbox) evictLocked(incoming OutboundKind) {
	for i, it := range o.items {
		if it.Kind == OutboundLog {
			o.items = append(o.items[:i], o.items[i+1:]...)
			o.droppedLogs++
			return
		}
	}
	if incoming == OutboundLog {
		// Queue is all scans; the new log line loses.
		o.droppedLogs++
		return
	}
	o.items = o.items[1:]
	o.droppedScans++
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
