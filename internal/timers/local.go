// Package timers is the in-process timer service triggers are registered
// with. Every outstanding trigger is one time.Timer; the table is bounded
// by a fixed ceiling.
package timers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

// DefaultCeiling matches the historical platform limit on outstanding
// timers.
const DefaultCeiling = 500

// lateGrace is how far in the past an instant may be and still fire
const lateGrace = time.Minute

// FiredFunc is called once a trigger has fired and left the table
type FiredFunc func(ctx context.Context, key trigger.Key, payload trigger.Payload)

// Pending is one outstanding trigger
type Pending struct {
	Key     trigger.Key     `json:"key"`
	At      time.Time       `json:"at"`
	Payload trigger.Payload `json:"payload"`
}

type entry struct {
	timer   *time.Timer
	at      time.Time
	payload trigger.Payload
	seq     uint64
}

// Local implements trigger.TimerService with time.AfterFunc
type Local struct {
	ceiling int
	journal *Journal
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[trigger.Key]*entry
	seq     uint64
	onFired FiredFunc
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocal creates a timer service. A non-positive ceiling falls back to
// DefaultCeiling. journal may be nil.
func NewLocal(ceiling int, journal *Journal, logger *zap.Logger) *Local {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		ceiling: ceiling,
		journal: journal,
		logger:  logger,
		now:     time.Now,
		entries: make(map[trigger.Key]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnFired sets the callback run when a trigger fires
func (l *Local) OnFired(fn FiredFunc) {
	l.mu.Lock()
	l.onFired = fn
	l.mu.Unlock()
}

// Register schedules key at the given instant. An existing registration
// for the key is replaced without consuming budget.
func (l *Local) Register(ctx context.Context, key trigger.Key, at time.Time, payload trigger.Payload) error {
	now := l.now()
	if at.Before(now.Add(-lateGrace)) {
		return apperrors.Wrapf(apperrors.ErrTimerInThePast, "%s at %s", key, at.Format(time.RFC3339))
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("timer service stopped")
	}

	existing, replacing := l.entries[key]
	if !replacing && len(l.entries) >= l.ceiling {
		l.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrBudgetExceeded, "%d timers outstanding", l.ceiling)
	}
	if replacing {
		existing.timer.Stop()
	}

	l.seq++
	seq := l.seq
	e := &entry{at: at, payload: payload, seq: seq}
	e.timer = time.AfterFunc(at.Sub(now), func() {
		l.fire(key, seq)
	})
	l.entries[key] = e
	l.mu.Unlock()

	if l.journal != nil {
		if err := l.journal.Put(Pending{Key: key, At: at, Payload: payload}); err != nil {
			l.logger.Warn("Failed to journal trigger", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return nil
}

// Cancel stops a registration. Unknown keys are ignored.
func (l *Local) Cancel(ctx context.Context, key trigger.Key) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if ok {
		e.timer.Stop()
		delete(l.entries, key)
	}
	l.mu.Unlock()

	if ok && l.journal != nil {
		if err := l.journal.Delete(key); err != nil {
			l.logger.Warn("Failed to remove journaled trigger", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return nil
}

// Remaining is the free capacity of the table
func (l *Local) Remaining() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ceiling - len(l.entries)
}

// Count is the number of outstanding timers
func (l *Local) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Ceiling is the most timers that may be outstanding at once
func (l *Local) Ceiling() int {
	return l.ceiling
}

// Pending returns the outstanding triggers ordered by instant
func (l *Local) Pending() []Pending {
	l.mu.RLock()
	out := make([]Pending, 0, len(l.entries))
	for k, e := range l.entries {
		out = append(out, Pending{Key: k, At: e.at, Payload: e.payload})
	}
	l.mu.RUnlock()

	sortPending(out)
	return out
}

// Stop cancels every timer and waits for running callbacks
func (l *Local) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for k, e := range l.entries {
		e.timer.Stop()
		delete(l.entries, k)
	}
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	l.logger.Info("Timer service stopped")
}

func (l *Local) fire(key trigger.Key, seq uint64) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok || e.seq != seq || l.stopped {
		l.mu.Unlock()
		return
	}
	delete(l.entries, key)
	fn := l.onFired
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	if l.journal != nil {
		if err := l.journal.Delete(key); err != nil {
			l.logger.Warn("Failed to remove journaled trigger", zap.String("key", key.String()), zap.Error(err))
		}
	}

	l.logger.Debug("Trigger fired", zap.String("key", key.String()), zap.Int32("code", key.LegacyCode()))
	if fn != nil {
		fn(l.ctx, key, e.payload)
	}
}

func sortPending(p []Pending) {
	sort.Slice(p, func(i, j int) bool {
		if !p[i].At.Equal(p[j].At) {
			return p[i].At.Before(p[j].At)
		}
		return p[i].Key.String() < p[j].Key.String()
	})
}
