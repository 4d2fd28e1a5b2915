package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/notify"
	"github.com/gmsas95/dosekeeper/internal/planner"
	"github.com/gmsas95/dosekeeper/internal/stock"
	"github.com/gmsas95/dosekeeper/internal/store"
	"github.com/gmsas95/dosekeeper/internal/timers"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []notify.Message
	repeats   []int
	cancelled []string
}

func (f *fakeNotifier) Remind(ctx context.Context, msg notify.Message, repeats int, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	f.repeats = append(f.repeats, repeats)
	return nil
}

func (f *fakeNotifier) CancelRepeats(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

type fakeSink struct {
	mu       sync.Mutex
	depleted []string
	low      map[string]int
}

func (f *fakeSink) NotifyDepleted(ctx context.Context, med *medication.Medication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depleted = append(f.depleted, med.ID)
	return nil
}

func (f *fakeSink) NotifyLowStock(ctx context.Context, med *medication.Medication, days int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.low[med.ID] = days
	return nil
}

type fakeRecorder struct {
	nopRecorder
	mu      sync.Mutex
	origins []string
	fired   int
}

func (f *fakeRecorder) RecordReconcile(origin string, registered, cancelled int, exceeded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origins = append(f.origins, origin)
}

func (f *fakeRecorder) RecordFired() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired++
}

type harness struct {
	svc      *Service
	meds     *medication.Store
	timers   *timers.Local
	registry *trigger.Registry
	notifier *fakeNotifier
	sink     *fakeSink
	metrics  *fakeRecorder
}

func setup(t *testing.T, ceiling int) *harness {
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	meds, err := medication.NewStore(st.DB())
	require.NoError(t, err)

	local := timers.NewLocal(ceiling, nil, nil)
	t.Cleanup(local.Stop)

	h := &harness{
		meds:     meds,
		timers:   local,
		registry: trigger.NewRegistry(local, trigger.Options{}, nil),
		notifier: &fakeNotifier{},
		sink:     &fakeSink{low: make(map[string]int)},
		metrics:  &fakeRecorder{},
	}
	h.svc = New(Deps{
		Medications: meds,
		History:     st,
		Planner:     planner.New(30),
		Registry:    h.registry,
		Stock:       stock.NewEngine(7, h.sink, nil),
		Notifier:    h.notifier,
		Metrics:     h.metrics,
	}, Options{ReplanLead: 2 * 24 * time.Hour, Repetitions: 3, RepeatInterval: time.Minute})
	return h
}

func newMed() *medication.Medication {
	return &medication.Medication{
		Name:          "Amoxicillin",
		Presentation:  "capsules",
		DosesPerDay:   3,
		FirstDoseTime: "08:00",
		TreatmentDays: 7,
		InitialStock:  100,
		CurrentStock:  100,
		Active:        true,
	}
}

func TestCreate_RegistersTriggers(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	out, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	assert.Greater(t, out.Registered, 0)
	assert.False(t, out.BudgetExceeded)
	assert.Len(t, h.registry.Keys(med.ID), out.Registered)
	assert.Equal(t, out.Registered, h.timers.Count())
	assert.Contains(t, h.metrics.origins, "edit")
}

func TestUpdate_ShrinksSchedule(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	med.DosesPerDay = 1
	_, err = h.svc.Update(ctx, med)
	require.NoError(t, err)

	keys := h.registry.Keys(med.ID)
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Equal(t, 0, k.Slot)
	}
	assert.Equal(t, len(keys), h.timers.Count())
}

func TestPauseResume(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	paused, err := h.svc.Pause(ctx, med.ID)
	require.NoError(t, err)
	assert.True(t, paused.Paused)
	assert.Equal(t, 0, h.timers.Count())
	assert.Contains(t, h.notifier.cancelled, med.ID)

	_, err = h.svc.Resume(ctx, med.ID)
	require.NoError(t, err)
	assert.Greater(t, h.timers.Count(), 0)
}

func TestRemove(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	require.NoError(t, h.svc.Remove(ctx, med.ID))
	assert.Equal(t, 0, h.timers.Count())
	assert.Empty(t, h.svc.Leases())

	_, err = h.svc.Get(ctx, med.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// removing twice is harmless
	assert.NoError(t, h.svc.Remove(ctx, med.ID))
}

func TestApply_SnapshotOlderThanPauseOrDelete(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)
	snapshot := *med

	_, err = h.svc.Pause(ctx, med.ID)
	require.NoError(t, err)

	// a recovery pass that read the medication before the pause
	out, err := h.svc.Apply(ctx, &snapshot)
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Equal(t, 0, h.timers.Count())

	resumed, err := h.svc.Resume(ctx, med.ID)
	require.NoError(t, err)
	snapshot = *resumed
	require.NoError(t, h.svc.Remove(ctx, med.ID))

	out, err = h.svc.Apply(ctx, &snapshot)
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Equal(t, 0, h.timers.Count())
}

func TestCreate_BudgetExceeded(t *testing.T) {
	h := setup(t, 10)
	ctx := context.Background()

	med := newMed()
	med.DosesPerDay = 4
	med.TreatmentDays = medication.Indefinite

	out, err := h.svc.Create(ctx, med)
	require.NoError(t, err)
	assert.True(t, out.BudgetExceeded)
	assert.Equal(t, 10, out.Registered)
	assert.Equal(t, 10, h.timers.Count())
}

func TestHandleFired_SendsReminder(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	key := trigger.Key{MedicationID: med.ID, Slot: 0, DayOffset: 1}
	h.svc.HandleFired(ctx, key, trigger.Payload{MedicationID: med.ID, Name: med.Name, DoseTime: "08:00"})

	require.Len(t, h.notifier.sent, 1)
	msg := h.notifier.sent[0]
	assert.Equal(t, notify.KindDose, msg.Kind)
	assert.Equal(t, "Time to take your medication", msg.Title)
	assert.Equal(t, "Amoxicillin (capsules) at 08:00", msg.Body)
	assert.Equal(t, 3, h.notifier.repeats[0])
	assert.Equal(t, 1, h.metrics.fired)
}

func TestHandleFired_IgnoresGoneAndPaused(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	h.svc.HandleFired(ctx, trigger.Key{MedicationID: "missing"}, trigger.Payload{MedicationID: "missing"})

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)
	_, err = h.svc.Pause(ctx, med.ID)
	require.NoError(t, err)

	h.svc.HandleFired(ctx, trigger.Key{MedicationID: med.ID}, trigger.Payload{MedicationID: med.ID})
	assert.Empty(t, h.notifier.sent)
}

func TestHandleFired_ReplansNearLeaseEnd(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	med.TreatmentDays = medication.Indefinite
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	// a lead longer than the horizon means every fire plans the next window
	h.svc.SetOptions(Options{ReplanLead: 60 * 24 * time.Hour, Repetitions: 1})
	h.svc.HandleFired(ctx, trigger.Key{MedicationID: med.ID}, trigger.Payload{MedicationID: med.ID})

	assert.Contains(t, h.metrics.origins, "replan")
	assert.Equal(t, len(h.registry.Keys(med.ID)), h.timers.Count())
}

func TestTakeDose(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	taken, err := h.svc.TakeDose(ctx, med.ID, "08:00", "cli")
	require.NoError(t, err)
	assert.Equal(t, 99, taken.CurrentStock)
	assert.Contains(t, h.notifier.cancelled, med.ID)

	logs, err := h.svc.History(ctx, med.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "cli", logs[0].Source)
	assert.Equal(t, 99, logs[0].StockAfter)
}

func TestTakeDose_OutOfStock(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	med.CurrentStock = 0
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	_, err = h.svc.TakeDose(ctx, med.ID, "", "api")
	assert.ErrorIs(t, err, apperrors.ErrOutOfStock)
}

func TestStockAlerts_FireOnceAndClearOnRefill(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	med.DosesPerDay = 1
	med.CurrentStock = 2
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)
	assert.Equal(t, 2, h.sink.low[med.ID])

	alerts, err := h.svc.RefreshStock(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = h.svc.Refill(ctx, med.ID, 40)
	require.NoError(t, err)

	lines, err := h.svc.StockReport(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, stock.SeverityNone, lines[0].Severity)

	_, err = h.svc.Refill(ctx, med.ID, 0)
	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
}

func TestStockAlerts_Depleted(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	med.DosesPerDay = 1
	med.CurrentStock = 1
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	_, err = h.svc.TakeDose(ctx, med.ID, "", "api")
	require.NoError(t, err)
	assert.Equal(t, []string{med.ID}, h.sink.depleted)
}

func TestRecover_AfterRestart(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)
	before := h.timers.Count()

	inactive := newMed()
	inactive.Name = "Old"
	inactive.Active = false
	_, err = h.svc.Create(ctx, inactive)
	require.NoError(t, err)

	// fresh timers and registry, same data
	local := timers.NewLocal(500, nil, nil)
	defer local.Stop()
	registry := trigger.NewRegistry(local, trigger.Options{}, nil)
	svc := New(Deps{
		Medications: h.meds,
		Planner:     planner.New(30),
		Registry:    registry,
		Stock:       stock.NewEngine(7, nil, nil),
		Notifier:    h.notifier,
	}, Options{})

	report, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{med.ID}, report.Recovered)
	assert.Empty(t, report.Failed)
	assert.Equal(t, before, local.Count())

	// running it again changes nothing
	_, err = svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, local.Count())
}

func TestPlan_Preview(t *testing.T) {
	h := setup(t, 500)
	ctx := context.Background()

	med := newMed()
	_, err := h.svc.Create(ctx, med)
	require.NoError(t, err)

	_, plan, err := h.svc.Plan(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, plan.Days)
	assert.Len(t, plan.Entries, h.timers.Count())

	_, _, err = h.svc.Plan(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
