package stock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/dosekeeper/internal/medication"
)

type call struct {
	id        string
	depleted  bool
	remaining int
	message   string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (s *recordingSink) NotifyDepleted(ctx context.Context, med *medication.Medication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{id: med.ID, depleted: true})
	return s.err
}

func (s *recordingSink) NotifyLowStock(ctx context.Context, med *medication.Medication, remainingDays int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{id: med.ID, remaining: remainingDays, message: message})
	return s.err
}

func (s *recordingSink) drain() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.calls
	s.calls = nil
	return out
}

func countable(id string, units, doses, treatment int) medication.Medication {
	return medication.Medication{
		ID:            id,
		Name:          "Paracetamol",
		StockType:     medication.StockCountable,
		CurrentStock:  units,
		DosesPerDay:   doses,
		TreatmentDays: treatment,
		Active:        true,
	}
}

func TestEvaluate_OneDayThenDepleted(t *testing.T) {
	sink := &recordingSink{}
	engine := NewEngine(DefaultWarnDays, sink, nil)
	ctx := context.Background()

	med := countable("med-1", 2, 2, 10)
	alerts := engine.Evaluate(ctx, []medication.Medication{med})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityOneDay, alerts[0].Severity)
	assert.Equal(t, 1, alerts[0].RemainingDays)

	calls := sink.drain()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].remaining)
	assert.Equal(t, "Paracetamol: Only enough medication left for 1 day. Add stock to complete the treatment.", calls[0].message)

	// unchanged input: nothing new
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{med}))
	assert.Empty(t, sink.drain())

	med.CurrentStock = 0
	alerts = engine.Evaluate(ctx, []medication.Medication{med})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityDepleted, alerts[0].Severity)
	calls = sink.drain()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].depleted)

	assert.Equal(t, []Tracked{{MedicationID: "med-1", Severity: SeverityDepleted}}, engine.Tracked())
}

func TestEvaluate_Bands(t *testing.T) {
	tests := []struct {
		units    int
		expected Severity
	}{
		{0, SeverityDepleted},
		{1, SeverityNone}, // less than a day left
		{2, SeverityOneDay},
		{4, SeverityTwoDays},
		{6, SeverityThreeDays},
		{8, SeverityLow},
		{14, SeverityLow},
		{16, SeverityNone},
		{40, SeverityNone}, // covers the whole treatment
	}

	for _, tt := range tests {
		st := StateOf(&medication.Medication{CurrentStock: tt.units, DosesPerDay: 2, TreatmentDays: 20})
		assert.Equal(t, tt.expected, Classify(st, DefaultWarnDays), "units %d", tt.units)
	}
}

func TestEvaluate_FinerSupersedesCoarser(t *testing.T) {
	sink := &recordingSink{}
	engine := NewEngine(DefaultWarnDays, sink, nil)
	ctx := context.Background()

	var seen []Severity
	for _, units := range []int{7, 6, 5, 3, 3, 2, 1, 0, 0} {
		for _, a := range engine.Evaluate(ctx, []medication.Medication{countable("m", units, 1, 30)}) {
			seen = append(seen, a.Severity)
		}
	}
	assert.Equal(t, []Severity{SeverityLow, SeverityThreeDays, SeverityTwoDays, SeverityOneDay, SeverityDepleted}, seen)

	calls := sink.drain()
	require.Len(t, calls, 5)
	assert.Equal(t, 7, calls[0].remaining)
	assert.Equal(t, "Paracetamol: The medication will run out before the treatment ends. About 7 days of stock left.", calls[0].message)
}

func TestEvaluate_RecoveryClearsAndReentryFiresAgain(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	ctx := context.Background()

	assert.Len(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 3, 1, 30)}), 1)

	// refilled past the warning window
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 12, 1, 30)}))
	assert.Empty(t, engine.Tracked())

	alerts := engine.Evaluate(ctx, []medication.Medication{countable("m", 3, 1, 30)})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityThreeDays, alerts[0].Severity)

	// depleted, then refilled to a sufficient level, then depleted again
	assert.Len(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 0, 1, 30)}), 1)
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 100, 1, 30)}))
	assert.Len(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 0, 1, 30)}), 1)
}

func TestEvaluate_DeletedMedicationIsPurged(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	ctx := context.Background()

	engine.Evaluate(ctx, []medication.Medication{countable("gone", 2, 2, 10), countable("kept", 0, 1, 5)})
	require.Len(t, engine.Tracked(), 2)

	engine.Evaluate(ctx, []medication.Medication{countable("kept", 0, 1, 5)})
	assert.Equal(t, []Tracked{{MedicationID: "kept", Severity: SeverityDepleted}}, engine.Tracked())

	// same id reused by a new medication starts clean
	alerts := engine.Evaluate(ctx, []medication.Medication{countable("gone", 2, 2, 10), countable("kept", 0, 1, 5)})
	require.Len(t, alerts, 1)
	assert.Equal(t, "gone", alerts[0].MedicationID)
	assert.Equal(t, SeverityOneDay, alerts[0].Severity)
}

func TestEvaluate_InactiveSkippedButNotPurged(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	ctx := context.Background()

	med := countable("m", 0, 1, 5)
	require.Len(t, engine.Evaluate(ctx, []medication.Medication{med}), 1)

	med.Pause()
	med.CurrentStock = 50
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{med}))
	assert.Len(t, engine.Tracked(), 1)

	med.Resume()
	med.CurrentStock = 0
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{med}))
}

func TestEvaluate_AsNeededOnlyDepleted(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	ctx := context.Background()

	med := countable("prn", 1, 0, 10)
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{med}))
	assert.Equal(t, -1, StateOf(&med).RemainingDays)

	med.CurrentStock = 0
	alerts := engine.Evaluate(ctx, []medication.Medication{med})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityDepleted, alerts[0].Severity)
}

func TestEvaluate_ChronicNeverProjects(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	assert.Empty(t, engine.Evaluate(context.Background(), []medication.Medication{countable("m", 1, 1, medication.Indefinite)}))
}

func TestEvaluate_NonCountableDividesUnits(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)

	syrup := medication.Medication{
		ID:                    "syrup",
		Name:                  "Amoxicillin syrup",
		StockType:             medication.StockLiquidML,
		CurrentStock:          2,
		RemainingDurationDays: 20,
		DosesPerDay:           2,
		TreatmentDays:         10,
		Active:                true,
	}
	assert.Equal(t, State{Units: 2, DosesPerDay: 2, TreatmentDays: 10, RemainingDays: 1}, StateOf(&syrup))

	alerts := engine.Evaluate(context.Background(), []medication.Medication{syrup})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityOneDay, alerts[0].Severity)
}

func TestEvaluate_AsNeededNonCountableUsesDayCounter(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	ctx := context.Background()

	spray := medication.Medication{
		ID:                    "spray",
		Name:                  "Salbutamol",
		StockType:             medication.StockApproximate,
		CurrentStock:          0,
		RemainingDurationDays: 5,
		DosesPerDay:           0,
		TreatmentDays:         medication.Indefinite,
		Active:                true,
	}
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{spray}))

	spray.RemainingDurationDays = 0
	alerts := engine.Evaluate(ctx, []medication.Medication{spray})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityDepleted, alerts[0].Severity)
}

func TestEvaluate_LessThanADayKeepsBand(t *testing.T) {
	sink := &recordingSink{}
	engine := NewEngine(DefaultWarnDays, sink, nil)
	ctx := context.Background()

	require.Len(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 2, 2, 10)}), 1)
	sink.drain()

	// one unit left with two doses a day: no band, nothing sent
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 1, 2, 10)}))
	assert.Empty(t, sink.drain())
	assert.Equal(t, []Tracked{{MedicationID: "m", Severity: SeverityOneDay}}, engine.Tracked())

	// back to one day: already alerted
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 2, 2, 10)}))

	fresh := NewEngine(DefaultWarnDays, sink, nil)
	assert.Empty(t, fresh.Evaluate(ctx, []medication.Medication{countable("m", 1, 2, 10)}))
	assert.Empty(t, fresh.Tracked())
}

type reentrantSink struct {
	engine *Engine
	seen   []Tracked
}

func (s *reentrantSink) NotifyDepleted(ctx context.Context, med *medication.Medication) error {
	s.seen = s.engine.Tracked()
	return nil
}

func (s *reentrantSink) NotifyLowStock(ctx context.Context, med *medication.Medication, remainingDays int, message string) error {
	s.seen = s.engine.Tracked()
	return nil
}

func TestEvaluate_SinkRunsOutsideTheLock(t *testing.T) {
	sink := &reentrantSink{}
	engine := NewEngine(DefaultWarnDays, sink, nil)
	sink.engine = engine

	done := make(chan struct{})
	go func() {
		engine.Evaluate(context.Background(), []medication.Medication{countable("m", 0, 1, 5)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink blocked on the engine")
	}
	assert.Equal(t, []Tracked{{MedicationID: "m", Severity: SeverityDepleted}}, sink.seen)
}

func TestEvaluate_CustomWarnDays(t *testing.T) {
	engine := NewEngine(10, nil, nil)
	alerts := engine.Evaluate(context.Background(), []medication.Medication{countable("m", 9, 1, 30)})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityLow, alerts[0].Severity)

	assert.Equal(t, DefaultWarnDays, NewEngine(2, nil, nil).WarnDays())
}

func TestEvaluate_SinkErrorsAreNotFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("telegram down")}
	engine := NewEngine(DefaultWarnDays, sink, nil)
	ctx := context.Background()

	assert.Len(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 0, 1, 5)}), 1)
	assert.Empty(t, engine.Evaluate(ctx, []medication.Medication{countable("m", 0, 1, 5)}))
}

func TestReset(t *testing.T) {
	engine := NewEngine(DefaultWarnDays, nil, nil)
	ctx := context.Background()
	med := countable("m", 0, 1, 5)

	engine.Evaluate(ctx, []medication.Medication{med})
	engine.Reset()
	assert.Empty(t, engine.Tracked())
	assert.Len(t, engine.Evaluate(ctx, []medication.Medication{med}), 1)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "depleted", SeverityDepleted.String())
	assert.Equal(t, "1-day", SeverityOneDay.String())
	assert.Equal(t, "none", SeverityNone.String())
}
