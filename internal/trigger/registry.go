package trigger

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

// TimerService is the host facility that actually fires triggers.
// Register overwrites an existing registration for the same key and
// returns ErrBudgetExceeded when its ceiling is reached. Cancel of an
// unknown key is a no-op.
type TimerService interface {
	Register(ctx context.Context, key Key, at time.Time, payload Payload) error
	Cancel(ctx context.Context, key Key) error
	Remaining() int
}

// Request describes one reconcile for a medication
type Request struct {
	MedicationID string
	Version      int64
	Old          []Key
	New          []Entry
}

// Outcome reports what a reconcile did
type Outcome struct {
	Registered     int
	Cancelled      int
	BudgetExceeded bool
	Stale          bool
	Keys           []Key
}

// Lease is the set of triggers currently held for a medication
type Lease struct {
	MedicationID   string    `json:"medication_id"`
	Version        int64     `json:"version"`
	Keys           []Key     `json:"keys"`
	End            time.Time `json:"end"`
	BudgetExceeded bool      `json:"budget_exceeded"`

	// set by CancelAll and Forget; a reconcile carrying the same version
	// is as stale as an older one
	closed  bool
	deleted bool
}

// Options bounds the generous cancellation sweep
type Options struct {
	MaxPlannedDays int
	MaxDosesPerDay int
}

// Registry reconciles planned triggers against a TimerService. Calls for
// the same medication never interleave; different medications proceed in
// parallel.
type Registry struct {
	timers TimerService
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	leases map[string]*Lease
}

// NewRegistry creates a registry over timers
func NewRegistry(timers TimerService, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxPlannedDays <= 0 {
		opts.MaxPlannedDays = 30
	}
	if opts.MaxDosesPerDay <= 0 {
		opts.MaxDosesPerDay = 24
	}
	return &Registry{
		timers: timers,
		opts:   opts,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		leases: make(map[string]*Lease),
	}
}

func (r *Registry) lock(medicationID string) func() {
	r.mu.Lock()
	l, ok := r.locks[medicationID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[medicationID] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (r *Registry) lease(medicationID string) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases[medicationID]
}

func (r *Registry) setLease(l *Lease) {
	r.mu.Lock()
	r.leases[l.MedicationID] = l
	r.mu.Unlock()
}

// Reconcile cancels the old keys that are not part of the new schedule and
// registers every new entry. Old keys are merged with the keys the registry
// already tracks for the medication. A request older than the last applied
// version is discarded. Once the timer service reports its budget is
// exhausted no further entries are attempted; registrations made so far
// stay in place.
func (r *Registry) Reconcile(ctx context.Context, req Request) (Outcome, error) {
	unlock := r.lock(req.MedicationID)
	defer unlock()

	var out Outcome
	logger := r.logger.With(zap.String("medication_id", req.MedicationID), zap.Int64("version", req.Version))

	prev := r.lease(req.MedicationID)
	if prev != nil && (req.Version < prev.Version || (prev.closed && req.Version == prev.Version)) {
		logger.Debug("Discarding stale reconcile", zap.Int64("applied_version", prev.Version))
		out.Stale = true
		out.Keys = copyKeys(prev.Keys)
		return out, nil
	}

	wanted := make(map[Key]struct{}, len(req.New))
	for _, e := range req.New {
		wanted[e.Key] = struct{}{}
	}

	old := make(map[Key]struct{}, len(req.Old))
	for _, k := range req.Old {
		old[k] = struct{}{}
	}
	if prev != nil {
		for _, k := range prev.Keys {
			old[k] = struct{}{}
		}
	}

	var errs error
	for k := range old {
		if _, keep := wanted[k]; keep {
			continue
		}
		if err := r.timers.Cancel(ctx, k); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out.Cancelled++
	}

	registered := make(map[Key]struct{}, len(req.New))
	var end time.Time
	for _, e := range req.New {
		err := r.timers.Register(ctx, e.Key, e.At, e.Payload)
		if stderrors.Is(err, apperrors.ErrBudgetExceeded) {
			logger.Warn("Timer budget exhausted, schedule is partial",
				zap.Int("registered", out.Registered),
				zap.Int("planned", len(req.New)),
			)
			out.BudgetExceeded = true
			break
		}
		if err != nil {
			logger.Error("Failed to register trigger", zap.String("key", e.Key.String()), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		registered[e.Key] = struct{}{}
		out.Registered++
		if e.At.After(end) {
			end = e.At
		}
	}

	// Keys that were wanted but never re-registered still hold their previous
	// registration, so keep tracking them.
	for k := range old {
		if _, keep := wanted[k]; keep {
			registered[k] = struct{}{}
		}
	}

	out.Keys = sortedKeys(registered)
	r.setLease(&Lease{
		MedicationID:   req.MedicationID,
		Version:        req.Version,
		Keys:           out.Keys,
		End:            end,
		BudgetExceeded: out.BudgetExceeded,
	})

	logger.Debug("Reconciled triggers",
		zap.Int("registered", out.Registered),
		zap.Int("cancelled", out.Cancelled),
	)
	return out, errs
}

// CancelAll cancels every trigger the medication could hold: the tracked
// keys plus the full day by slot grid up to the planning limits. version
// is the edit that asked for the cancel; reconciles up to it are discarded
// afterwards.
func (r *Registry) CancelAll(ctx context.Context, medicationID string, version int64) (int, error) {
	unlock := r.lock(medicationID)
	defer unlock()

	keys := make(map[Key]struct{})
	if prev := r.lease(medicationID); prev != nil {
		if prev.Version > version {
			version = prev.Version
		}
		for _, k := range prev.Keys {
			keys[k] = struct{}{}
		}
	}
	for day := 0; day <= r.opts.MaxPlannedDays; day++ {
		for slot := 0; slot < r.opts.MaxDosesPerDay; slot++ {
			keys[Key{MedicationID: medicationID, Slot: slot, DayOffset: day}] = struct{}{}
		}
	}

	var errs error
	for k := range keys {
		errs = multierr.Append(errs, r.timers.Cancel(ctx, k))
	}

	r.setLease(&Lease{MedicationID: medicationID, Version: version, closed: true})
	r.logger.Debug("Cancelled all triggers",
		zap.String("medication_id", medicationID),
		zap.Int64("version", version),
		zap.Int("swept", len(keys)),
	)
	return len(keys), errs
}

// Forget marks a medication as deleted. Its keys are dropped but the
// version is kept as a tombstone, so a reconcile from a snapshot read
// before the delete cannot re-arm it. Medication ids are never reused.
func (r *Registry) Forget(medicationID string, version int64) {
	unlock := r.lock(medicationID)
	defer unlock()

	if prev := r.lease(medicationID); prev != nil && prev.Version > version {
		version = prev.Version
	}
	r.setLease(&Lease{MedicationID: medicationID, Version: version, closed: true, deleted: true})
}

// Budget is how many triggers the medication may hold right now: the timer
// service's free capacity plus the keys it already holds, since those get
// overwritten instead of added.
func (r *Registry) Budget(medicationID string) int {
	remaining := r.timers.Remaining()
	if remaining < 0 {
		return Unlimited
	}
	if l := r.lease(medicationID); l != nil {
		remaining += len(l.Keys)
	}
	return remaining
}

// NeedsReplan reports whether the medication's lease ends within lead of
// now and the next window should be planned.
func (r *Registry) NeedsReplan(medicationID string, now time.Time, lead time.Duration) bool {
	l := r.lease(medicationID)
	if l == nil || len(l.Keys) == 0 {
		return l != nil && l.BudgetExceeded
	}
	return l.End.Sub(now) < lead
}

// Keys returns the keys tracked for a medication
func (r *Registry) Keys(medicationID string) []Key {
	l := r.lease(medicationID)
	if l == nil {
		return nil
	}
	return copyKeys(l.Keys)
}

// Leases returns a snapshot of every lease, ordered by medication id
func (r *Registry) Leases() []Lease {
	r.mu.Lock()
	leases := make([]Lease, 0, len(r.leases))
	for _, l := range r.leases {
		if l.deleted {
			continue
		}
		c := *l
		c.Keys = copyKeys(l.Keys)
		leases = append(leases, c)
	}
	r.mu.Unlock()

	sort.Slice(leases, func(i, j int) bool {
		return leases[i].MedicationID < leases[j].MedicationID
	})
	return leases
}

func copyKeys(keys []Key) []Key {
	if keys == nil {
		return nil
	}
	out := make([]Key, len(keys))
	copy(out, keys)
	return out
}

func sortedKeys(set map[Key]struct{}) []Key {
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DayOffset != keys[j].DayOffset {
			return keys[i].DayOffset < keys[j].DayOffset
		}
		return keys[i].Slot < keys[j].Slot
	})
	return keys
}
