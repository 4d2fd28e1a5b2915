// Package service ties medication edits, fired triggers and stock changes
// to the scheduling core.
package service

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/dosing"
	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/notify"
	"github.com/gmsas95/dosekeeper/internal/planner"
	"github.com/gmsas95/dosekeeper/internal/recovery"
	"github.com/gmsas95/dosekeeper/internal/stock"
	"github.com/gmsas95/dosekeeper/internal/store"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

// MedicationStore is the persistence the service drives
type MedicationStore interface {
	medication.DataSource
	Create(ctx context.Context, med *medication.Medication) error
	Get(ctx context.Context, id string) (*medication.Medication, error)
	Update(ctx context.Context, med *medication.Medication) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, userID string) ([]medication.Medication, error)
	ConsumeDose(ctx context.Context, id string) (*medication.Medication, error)
	Replenish(ctx context.Context, id string, amount int) (*medication.Medication, error)
}

// HistoryStore keeps the intake log
type HistoryStore interface {
	LogDose(ctx context.Context, entry *store.DoseLog) error
	History(ctx context.Context, medicationID string, limit int) ([]store.DoseLog, error)
	DeleteHistory(ctx context.Context, medicationID string) error
}

// Notifier delivers dose reminders
type Notifier interface {
	Remind(ctx context.Context, msg notify.Message, repeats int, interval time.Duration) error
	CancelRepeats(medicationID string)
}

// Recorder receives domain metrics
type Recorder interface {
	RecordReconcile(origin string, registered, cancelled int, budgetExceeded bool)
	RecordCancelled(n int)
	RecordFired()
	RecordAlert(severity string)
	RecordRecovery(failed int)
}

// Options are the tunables that may change on config reload
type Options struct {
	ReplanLead     time.Duration
	Repetitions    int
	RepeatInterval time.Duration
}

// Deps groups the collaborators of a Service
type Deps struct {
	Medications MedicationStore
	History     HistoryStore
	Planner     *planner.Planner
	Registry    *trigger.Registry
	Stock       *stock.Engine
	Notifier    Notifier
	Metrics     Recorder
	Logger      *zap.Logger
}

type Service struct {
	meds      MedicationStore
	history   HistoryStore
	planner   *planner.Planner
	registry  *trigger.Registry
	recoverer *recovery.Recoverer
	stock     *stock.Engine
	notifier  Notifier
	metrics   Recorder
	logger    *zap.Logger
	now       func() time.Time

	optsMu sync.RWMutex
	opts   Options
}

func New(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		meds:      deps.Medications,
		history:   deps.History,
		planner:   deps.Planner,
		registry:  deps.Registry,
		recoverer: recovery.New(deps.Planner, deps.Registry, logger.Named("recovery")),
		stock:     deps.Stock,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	s.SetOptions(opts)
	return s
}

// SetOptions swaps the tunables
func (s *Service) SetOptions(opts Options) {
	if opts.Repetitions < 1 {
		opts.Repetitions = 1
	}
	s.optsMu.Lock()
	s.opts = opts
	s.optsMu.Unlock()
}

func (s *Service) Options() Options {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return s.opts
}

// ==================== Medication edits ====================

// Create stores a new medication and registers its reminders
func (s *Service) Create(ctx context.Context, med *medication.Medication) (trigger.Outcome, error) {
	if err := s.meds.Create(ctx, med); err != nil {
		return trigger.Outcome{}, err
	}
	return s.Apply(ctx, med)
}

// Update saves med and reconciles its reminders with the new profile
func (s *Service) Update(ctx context.Context, med *medication.Medication) (trigger.Outcome, error) {
	if err := s.meds.Update(ctx, med); err != nil {
		return trigger.Outcome{}, err
	}
	return s.Apply(ctx, med)
}

// Pause stops reminders while keeping the record
func (s *Service) Pause(ctx context.Context, id string) (*medication.Medication, error) {
	return s.toggle(ctx, id, (*medication.Medication).Pause)
}

// Resume restarts reminders for a paused medication
func (s *Service) Resume(ctx context.Context, id string) (*medication.Medication, error) {
	return s.toggle(ctx, id, (*medication.Medication).Resume)
}

func (s *Service) toggle(ctx context.Context, id string, fn func(*medication.Medication)) (*medication.Medication, error) {
	med, err := s.meds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(med)
	if _, err := s.Update(ctx, med); err != nil {
		return nil, err
	}
	return med, nil
}

// Apply brings the registered triggers of med in line with its current
// profile, then re-evaluates stock. A medication that no longer needs
// reminders has every possible trigger cancelled.
func (s *Service) Apply(ctx context.Context, med *medication.Medication) (trigger.Outcome, error) {
	out, err := s.reconcile(ctx, med, "edit")
	if _, serr := s.RefreshStock(ctx); serr != nil {
		s.logger.Warn("Stock evaluation failed", zap.Error(serr))
	}
	return out, err
}

func (s *Service) reconcile(ctx context.Context, med *medication.Medication, origin string) (trigger.Outcome, error) {
	if !med.NeedsTriggers() {
		swept, err := s.registry.CancelAll(ctx, med.ID, med.Version)
		s.metrics.RecordCancelled(swept)
		s.notifier.CancelRepeats(med.ID)
		return trigger.Outcome{Cancelled: swept}, err
	}

	now := s.now()
	times := dosing.Generate(med.DosesPerDay, med.FirstDoseTime)
	plan := s.planner.Plan(med, times, now, s.registry.Budget(med.ID))

	out, err := s.registry.Reconcile(ctx, trigger.Request{
		MedicationID: med.ID,
		Version:      med.Version,
		New:          plan.Entries,
	})
	if plan.BudgetExceeded {
		out.BudgetExceeded = true
	}
	if out.Stale {
		s.logger.Debug("Reconcile superseded by a newer version", zap.String("medication_id", med.ID))
		return out, nil
	}

	s.metrics.RecordReconcile(origin, out.Registered, out.Cancelled, out.BudgetExceeded)
	if out.BudgetExceeded {
		s.logger.Warn("Schedule is partial, timer budget exhausted",
			zap.String("medication_id", med.ID),
			zap.Int("planned_days", plan.Days),
			zap.Int("registered", out.Registered),
		)
	}
	return out, err
}

// Remove deletes a medication and everything scheduled for it
func (s *Service) Remove(ctx context.Context, id string) error {
	var version int64
	if med, err := s.meds.Get(ctx, id); err == nil {
		version = med.Version
	}

	swept, err := s.registry.CancelAll(ctx, id, version)
	s.metrics.RecordCancelled(swept)
	if err != nil {
		s.logger.Warn("Some triggers failed to cancel", zap.String("medication_id", id), zap.Error(err))
	}
	s.registry.Forget(id, version)
	s.notifier.CancelRepeats(id)

	if err := s.meds.Delete(ctx, id); err != nil {
		return err
	}
	if s.history != nil {
		if err := s.history.DeleteHistory(ctx, id); err != nil {
			s.logger.Warn("Failed to delete dose history", zap.String("medication_id", id), zap.Error(err))
		}
	}

	if _, err := s.RefreshStock(ctx); err != nil {
		s.logger.Warn("Stock evaluation failed", zap.Error(err))
	}
	return nil
}

// ==================== Triggers ====================

// HandleFired is called by the timer service when a dose is due. Triggers
// of deleted, paused or inactive medications are ignored. When the
// medication's lease is about to run out the next window is planned.
func (s *Service) HandleFired(ctx context.Context, key trigger.Key, payload trigger.Payload) {
	s.metrics.RecordFired()

	id := payload.MedicationID
	if id == "" {
		id = key.MedicationID
	}
	logger := s.logger.With(zap.String("medication_id", id), zap.String("key", key.String()))

	med, err := s.meds.GetMedication(ctx, id)
	if stderrors.Is(err, apperrors.ErrNotFound) {
		logger.Debug("Trigger fired for a deleted medication")
		return
	}
	if err != nil {
		logger.Error("Failed to load medication for trigger", zap.Error(err))
		return
	}
	if !med.NeedsTriggers() {
		logger.Debug("Trigger fired for an inactive medication")
		return
	}

	opts := s.Options()
	if err := s.notifier.Remind(ctx, notify.DoseReminder(med, payload.DoseTime), opts.Repetitions, opts.RepeatInterval); err != nil {
		logger.Warn("Dose reminder not delivered", zap.Error(err))
	}

	if s.registry.NeedsReplan(med.ID, s.now(), opts.ReplanLead) {
		out, err := s.reconcile(ctx, med, "replan")
		if err != nil {
			logger.Warn("Replan finished with errors", zap.Error(err))
		}
		logger.Info("Planned next window", zap.Int("registered", out.Registered))
	}
}

// Plan previews the schedule that would be registered for a medication
func (s *Service) Plan(ctx context.Context, id string) (*medication.Medication, planner.Result, error) {
	med, err := s.meds.Get(ctx, id)
	if err != nil {
		return nil, planner.Result{}, err
	}
	times := dosing.Generate(med.DosesPerDay, med.FirstDoseTime)
	return med, s.planner.Plan(med, times, s.now(), s.registry.Budget(med.ID)), nil
}

// Leases lists what the registry currently holds
func (s *Service) Leases() []trigger.Lease {
	return s.registry.Leases()
}

// Recover rebuilds every eligible schedule, e.g. after a restart or on the
// daily horizon refresh
func (s *Service) Recover(ctx context.Context) (recovery.Report, error) {
	report, err := s.recoverer.RecoverFromSource(ctx, s.meds)
	if err != nil {
		return report, err
	}
	s.metrics.RecordRecovery(len(report.Failed))
	s.metrics.RecordReconcile("recovery", report.Registered, 0, len(report.Partial) > 0)
	return report, nil
}

// ==================== Stock ====================

// TakeDose consumes one dose, logs it and stops pending repeats of the
// reminder
func (s *Service) TakeDose(ctx context.Context, id, doseTime, source string) (*medication.Medication, error) {
	med, err := s.meds.ConsumeDose(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifier.CancelRepeats(id)

	if s.history != nil {
		entry := &store.DoseLog{
			MedicationID: med.ID,
			Name:         med.Name,
			DoseTime:     doseTime,
			Source:       source,
			StockAfter:   remaining(med),
			TakenAt:      s.now(),
		}
		if err := s.history.LogDose(ctx, entry); err != nil {
			s.logger.Warn("Failed to log dose", zap.String("medication_id", id), zap.Error(err))
		}
	}

	if _, err := s.RefreshStock(ctx); err != nil {
		s.logger.Warn("Stock evaluation failed", zap.Error(err))
	}
	return med, nil
}

// Refill adds supply and re-evaluates stock
func (s *Service) Refill(ctx context.Context, id string, amount int) (*medication.Medication, error) {
	med, err := s.meds.Replenish(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	if _, err := s.RefreshStock(ctx); err != nil {
		s.logger.Warn("Stock evaluation failed", zap.Error(err))
	}
	return med, nil
}

// RefreshStock evaluates every stored medication and returns the alerts
// emitted by this pass
func (s *Service) RefreshStock(ctx context.Context) ([]stock.Alert, error) {
	meds, err := s.meds.List(ctx, "")
	if err != nil {
		return nil, err
	}
	alerts := s.stock.Evaluate(ctx, meds)
	for _, a := range alerts {
		s.metrics.RecordAlert(a.Severity.String())
	}
	return alerts, nil
}

// StockReport classifies every active medication without touching the
// dedup record
func (s *Service) StockReport(ctx context.Context) ([]StockLine, error) {
	meds, err := s.meds.List(ctx, "")
	if err != nil {
		return nil, err
	}
	lines := make([]StockLine, 0, len(meds))
	for i := range meds {
		med := &meds[i]
		if !med.Active {
			continue
		}
		st := stock.StateOf(med)
		sev := stock.Classify(st, s.stock.WarnDays())
		if med.IsAsNeeded() && sev != stock.SeverityDepleted {
			sev = stock.SeverityNone
		}
		lines = append(lines, StockLine{
			MedicationID:  med.ID,
			Name:          med.Name,
			Severity:      sev,
			RemainingDays: st.RemainingDays,
			Status:        med.Status(s.now()),
		})
	}
	return lines, nil
}

// StockLine is one row of a stock report
type StockLine struct {
	MedicationID  string         `json:"medication_id" yaml:"medication_id"`
	Name          string         `json:"name" yaml:"name"`
	Severity      stock.Severity `json:"severity" yaml:"severity"`
	RemainingDays int            `json:"remaining_days" yaml:"remaining_days"`
	Status        string         `json:"status" yaml:"status"`
}

// ==================== Reads ====================

func (s *Service) Get(ctx context.Context, id string) (*medication.Medication, error) {
	return s.meds.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]medication.Medication, error) {
	return s.meds.List(ctx, userID)
}

// History returns the latest intakes of a medication
func (s *Service) History(ctx context.Context, id string, limit int) ([]store.DoseLog, error) {
	if s.history == nil {
		return nil, nil
	}
	if _, err := s.meds.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.history.History(ctx, id, limit)
}

func remaining(med *medication.Medication) int {
	if med.StockType == "" || med.StockType == medication.StockCountable {
		return med.CurrentStock
	}
	return med.RemainingDurationDays
}

type nopRecorder struct{}

func (nopRecorder) RecordReconcile(string, int, int, bool) {}
func (nopRecorder) RecordCancelled(int)                    {}
func (nopRecorder) RecordFired()                           {}
func (nopRecorder) RecordAlert(string)                     {}
func (nopRecorder) RecordRecovery(int)                     {}
