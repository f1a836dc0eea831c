package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/panopticon/internal/events"
	"github.com/danmuck/panopticon/internal/observability"
	"github.com/danmuck/panopticon/internal/rfid"
	"github.com/rs/zerolog/log"
)

// Unlocker is the smart-lock capability the actuator drives.
type Unlocker interface {
	Unlock(ctx context.Context, lockID string) error
}

// Discoverer resolves a lock id when none is configured.
type Discoverer interface {
	ListLocks(ctx context.Context) ([]Device, error)
}

type ActuatorConfig struct {
	LockID    string
	QueueSize int
	Timeout   time.Duration
}

func DefaultActuatorConfig() ActuatorConfig {
	return ActuatorConfig{QueueSize: 16, Timeout: 10 * time.Second}
}

type request struct {
	tag rfid.TagID
	at  time.Time
}

// Actuator runs unlock calls on a single worker fed by a bounded queue.
// RequestUnlock never blocks; a full queue drops the request.
type Actuator struct {
	cfg    ActuatorConfig
	lock   Unlocker
	events events.Publisher
	queue  chan request

	mu     sync.Mutex
	lockID string
	closed bool
}

func NewActuator(cfg ActuatorConfig, lock Unlocker, pub events.Publisher) *Actuator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultActuatorConfig().QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultActuatorConfig().Timeout
	}
	return &Actuator{
		cfg:    cfg,
		lock:   lock,
		events: pub,
		queue:  make(chan request, cfg.QueueSize),
		lockID: strings.TrimSpace(cfg.LockID),
	}
}

// RequestUnlock enqueues an unlock for tag. It reports false when dropped.
func (a *Actuator) RequestUnlock(tag rfid.TagID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- request{tag: tag, at: time.Now()}:
		return true
	default:
		observability.RecordLockDropped()
		return false
	}
}

// Run drains the queue until ctx is done.
func (a *Actuator) Run(ctx context.Context) error {
	log.Info().Int("queue", a.cfg.QueueSize).Msg("lock.Actuator started")
	defer a.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-a.queue:
			a.execute(ctx, req)
		}
	}
}

func (a *Actuator) execute(ctx context.Context, req request) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	lockID, err := a.resolveLockID(callCtx)
	if err == nil {
		err = a.lock.Unlock(callCtx, lockID)
	}
	observability.RecordLockActuation(err == nil, time.Since(start))

	result := events.LockResultData{TagID: req.tag.String(), LockID: lockID, OK: err == nil}
	if err != nil {
		result.Error = err.Error()
		log.Error().Err(err).Str("tag_id", req.tag.String()).Str("lock_id", lockID).Msg("lock.Actuator unlock failed")
	} else {
		log.Info().Str("tag_id", req.tag.String()).Str("lock_id", lockID).
			Dur("queued", start.Sub(req.at)).Msg("lock.Actuator unlocked")
	}
	if a.events != nil {
		a.events.Publish(events.LockResult(result))
	}
}

// resolveLockID uses the configured lock or the first one the account lists.
func (a *Actuator) resolveLockID(ctx context.Context) (string, error) {
	a.mu.Lock()
	id := a.lockID
	a.mu.Unlock()
	if id != "" {
		return id, nil
	}
	d, ok := a.lock.(Discoverer)
	if !ok {
		return "", ErrNoLocks
	}
	locks, err := d.ListLocks(ctx)
	if err != nil {
		return "", err
	}
	if len(locks) == 0 {
		return "", ErrNoLocks
	}
	a.mu.Lock()
	a.lockID = locks[0].ID
	a.mu.Unlock()
	log.Info().Str("lock_id", locks[0].ID).Str("name", locks[0].Name).Msg("lock.Actuator discovered lock")
	return locks[0].ID, nil
}

func (a *Actuator) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// Noop logs unlock requests without contacting any lock.
type Noop struct{}

func (Noop) Unlock(_ context.Context, lockID string) error {
	log.Info().Str("lock_id", lockID).Msg("lock.Noop unlock")
	return nil
}

func (Noop) ListLocks(context.Context) ([]Device, error) {
	return []Device{{ID: "noop", Name: "noop"}}, nil
}
