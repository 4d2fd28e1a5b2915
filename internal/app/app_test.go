package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gmsas95/dosekeeper/internal/config"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/store"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

func setupApp(t *testing.T) *App {
	cfg, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	cfg.Jobs.Enabled = false

	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	app, err := New(cfg, st, zap.NewNop(), "test")
	require.NoError(t, err)
	t.Cleanup(app.Stop)
	return app
}

func TestNew(t *testing.T) {
	app := setupApp(t)

	assert.Equal(t, "test", app.Version)
	assert.Equal(t, 500, app.Timers.Ceiling())
	assert.Equal(t, []string{"log"}, app.Dispatcher.Channels())
	assert.True(t, app.LastRecovery().IsZero())
}

func TestNew_SkipsBrokenChannels(t *testing.T) {
	cfg, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	// a discord bot without channels cannot be built
	cfg.Notify.Discord.Enabled = true
	cfg.Notify.Discord.Token = "token"

	st, err := store.NewInMemory()
	require.NoError(t, err)
	defer st.Close()

	app, err := New(cfg, st, nil, "test")
	require.NoError(t, err)
	defer app.Stop()
	assert.Equal(t, []string{"log"}, app.Dispatcher.Channels())
}

func TestStart_RecoversStoredMedications(t *testing.T) {
	app := setupApp(t)
	ctx := context.Background()

	med := &medication.Medication{
		Name:          "Metformin",
		Presentation:  "tablets",
		DosesPerDay:   2,
		FirstDoseTime: "08:00",
		TreatmentDays: medication.Indefinite,
		InitialStock:  60,
		CurrentStock:  60,
		Active:        true,
	}
	require.NoError(t, app.Medications.Create(ctx, med))

	require.NoError(t, app.Start(ctx))
	assert.Greater(t, app.Timers.Count(), 0)
	assert.Equal(t, app.Timers.Count(), len(app.Registry.Keys(med.ID)))
	assert.False(t, app.LastRecovery().IsZero())

	journaled, err := app.Journal.List()
	require.NoError(t, err)
	assert.Len(t, journaled, app.Timers.Count())
}

func TestFiredTriggerReachesService(t *testing.T) {
	app := setupApp(t)
	ctx := context.Background()

	med := &medication.Medication{
		Name:          "Insulin",
		Presentation:  "vials",
		DosesPerDay:   1,
		FirstDoseTime: "08:00",
		TreatmentDays: medication.Indefinite,
		Active:        true,
	}
	require.NoError(t, app.Medications.Create(ctx, med))
	require.NoError(t, app.Start(ctx))

	key := trigger.Key{MedicationID: med.ID, Slot: 0, DayOffset: 99}
	require.NoError(t, app.Timers.Register(ctx, key, time.Now().Add(20*time.Millisecond), trigger.Payload{
		MedicationID: med.ID,
		Name:         med.Name,
		DoseTime:     "08:00",
	}))

	assert.Eventually(t, func() bool {
		return app.Metrics.Snapshot().TriggersFired == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReload(t *testing.T) {
	app := setupApp(t)
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))

	next, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	next.Notify.Enabled = false
	next.Notify.Repetitions = 5
	next.Log.Level = "debug"

	app.Reload(next)

	assert.False(t, app.Dispatcher.Config().Enabled)
	assert.Equal(t, 5, app.Service.Options().Repetitions)
	assert.Equal(t, zapcore.DebugLevel, app.Level.Level())
}

func TestReload_BadJobSpecKeepsPrevious(t *testing.T) {
	app := setupApp(t)
	require.NoError(t, app.scheduleJobs())

	next, err := config.Load("", t.TempDir())
	require.NoError(t, err)
	next.Jobs.StockCheck = "whenever"

	app.Reload(next)
	assert.Equal(t, "@every 1h", app.Config.Jobs.StockCheck)
	assert.Len(t, app.Jobs.Jobs(), 2)
}
