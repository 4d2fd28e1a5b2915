// Package recovery re-derives and re-registers the triggers of every
// eligible medication after a restart.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/dosing"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/planner"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

// Report summarizes one recovery run. Err accumulates every per-medication
// failure; none of them stops the run.
type Report struct {
	Recovered  []string `json:"recovered"`
	Skipped    []string `json:"skipped"`
	Partial    []string `json:"partial"`
	Failed     []string `json:"failed"`
	Registered int      `json:"registered"`
	Err        error    `json:"-"`
}

// Errors lists the accumulated failures
func (r Report) Errors() []error {
	return multierr.Errors(r.Err)
}

// Recoverer re-registers the schedules lost when the process restarts
type Recoverer struct {
	planner  *planner.Planner
	registry *trigger.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a recoverer planning with p and reconciling through registry
func New(p *planner.Planner, registry *trigger.Registry, logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{
		planner:  p,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// RecoverAll rebuilds the schedule of each active, unpaused, scheduled
// medication. It is safe to run repeatedly: later runs overwrite the same
// keys.
func (r *Recoverer) RecoverAll(ctx context.Context, meds []medication.Medication) Report {
	var report Report
	now := r.now()

	for i := range meds {
		med := &meds[i]
		if !med.NeedsTriggers() {
			report.Skipped = append(report.Skipped, med.ID)
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Err = multierr.Append(report.Err, err)
			report.Failed = append(report.Failed, med.ID)
			continue
		}

		out, err := r.recoverOne(ctx, med, now)
		if err != nil {
			r.logger.Warn("Failed to recover medication",
				zap.String("medication_id", med.ID),
				zap.Error(err),
			)
			report.Err = multierr.Append(report.Err, fmt.Errorf("medication %s: %w", med.ID, err))
			report.Failed = append(report.Failed, med.ID)
			continue
		}

		report.Registered += out.Registered
		if out.BudgetExceeded {
			report.Partial = append(report.Partial, med.ID)
		}
		report.Recovered = append(report.Recovered, med.ID)
	}

	r.logger.Info("Recovery finished",
		zap.Int("recovered", len(report.Recovered)),
		zap.Int("partial", len(report.Partial)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("registered", report.Registered),
	)
	return report
}

// RecoverFromSource reads the active snapshot and recovers it
func (r *Recoverer) RecoverFromSource(ctx context.Context, source medication.DataSource) (Report, error) {
	meds, err := source.ListActiveMedications(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list active medications: %w", err)
	}
	return r.RecoverAll(ctx, meds), nil
}

func (r *Recoverer) recoverOne(ctx context.Context, med *medication.Medication, now time.Time) (trigger.Outcome, error) {
	if err := med.Validate(); err != nil {
		return trigger.Outcome{}, err
	}

	times := dosing.Generate(med.DosesPerDay, med.FirstDoseTime)
	plan := r.planner.Plan(med, times, now, r.registry.Budget(med.ID))

	out, err := r.registry.Reconcile(ctx, trigger.Request{
		MedicationID: med.ID,
		Version:      med.Version,
		New:          plan.Entries,
	})
	if plan.BudgetExceeded {
		out.BudgetExceeded = true
	}
	return out, err
}
