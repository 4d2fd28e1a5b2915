package medication

import (
	"context"
	"database/sql"
	stderrors "errors"
	"testing"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

func setupTestStore(t *testing.T) *Store {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every pooled connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{})
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func newTestMedication() *Medication {
	return &Medication{
		UserID:        "user_123",
		Name:          "Amoxicillin",
		Presentation:  "capsules",
		DosesPerDay:   3,
		FirstDoseTime: "8:00",
		TreatmentDays: 7,
		InitialStock:  21,
		CurrentStock:  21,
		Active:        true,
	}
}

func TestStore_Create(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	med := newTestMedication()
	require.NoError(t, store.Create(ctx, med))

	assert.NotEmpty(t, med.ID)
	assert.Equal(t, StockCountable, med.StockType)
	assert.Equal(t, int64(1), med.Version)
	assert.Equal(t, "08:00", med.FirstDoseTime)
	assert.Equal(t, []string{"08:00", "16:00", "00:00"}, med.DoseTimes)
	assert.False(t, med.StartDate.IsZero())

	retrieved, err := store.Get(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, med.Name, retrieved.Name)
	assert.Equal(t, med.DoseTimes, retrieved.DoseTimes)
}

func TestStore_CreateRejectsMalformed(t *testing.T) {
	store := setupTestStore(t)

	med := newTestMedication()
	med.TreatmentDays = 0

	err := store.Create(context.Background(), med)
	assert.True(t, stderrors.Is(err, apperrors.ErrMalformedInput))
}

func TestStore_AsNeededHasNoDoseTimes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	med := newTestMedication()
	med.DosesPerDay = 0
	require.NoError(t, store.Create(ctx, med))

	retrieved, err := store.Get(ctx, med.ID)
	require.NoError(t, err)
	assert.Empty(t, retrieved.DoseTimes)
	assert.NotNil(t, retrieved.DoseTimes)
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupTestStore(t)

	med, err := store.Get(context.Background(), "missing")
	assert.Nil(t, med)
	assert.True(t, stderrors.Is(err, apperrors.ErrNotFound))
}

func TestStore_UpdateBumpsVersionAndRecomputes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	med := newTestMedication()
	require.NoError(t, store.Create(ctx, med))
	createdAt := med.CreatedAt

	med.DosesPerDay = 2
	med.FirstDoseTime = "09:30"
	require.NoError(t, store.Update(ctx, med))
	assert.Equal(t, int64(2), med.Version)

	require.NoError(t, store.Update(ctx, med))
	assert.Equal(t, int64(3), med.Version)

	retrieved, err := store.Get(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), retrieved.Version)
	assert.Equal(t, []string{"09:30", "21:30"}, retrieved.DoseTimes)
	assert.WithinDuration(t, createdAt, retrieved.CreatedAt, time.Second)
}

func TestStore_UpdateMissing(t *testing.T) {
	store := setupTestStore(t)

	med := newTestMedication()
	med.ID = "ghost"
	err := store.Update(context.Background(), med)
	assert.True(t, stderrors.Is(err, apperrors.ErrNotFound))
}

func TestStore_ListAndListActive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	active := newTestMedication()
	require.NoError(t, store.Create(ctx, active))

	paused := newTestMedication()
	paused.Name = "Vitamin D"
	paused.Pause()
	require.NoError(t, store.Create(ctx, paused))

	other := newTestMedication()
	other.UserID = "user_456"
	other.Name = "Metformin"
	require.NoError(t, store.Create(ctx, other))

	mine, err := store.List(ctx, "user_123")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	listed, err := store.ListActiveMedications(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, med := range listed {
		assert.NotEqual(t, "Vitamin D", med.Name)
		assert.Len(t, med.DoseTimes, 3)
	}
}

func TestStore_Delete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	med := newTestMedication()
	require.NoError(t, store.Create(ctx, med))
	require.NoError(t, store.Delete(ctx, med.ID))
	require.NoError(t, store.Delete(ctx, med.ID))

	_, err := store.GetMedication(ctx, med.ID)
	assert.True(t, stderrors.Is(err, apperrors.ErrNotFound))
}

func TestStore_ConsumeDose(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	med := newTestMedication()
	med.CurrentStock = 1
	require.NoError(t, store.Create(ctx, med))

	updated, err := store.ConsumeDose(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.CurrentStock)
	assert.Equal(t, int64(1), updated.Version)

	_, err = store.ConsumeDose(ctx, med.ID)
	assert.True(t, stderrors.Is(err, apperrors.ErrOutOfStock))

	retrieved, err := store.Get(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, retrieved.CurrentStock)

	_, err = store.ConsumeDose(ctx, "missing")
	assert.True(t, stderrors.Is(err, apperrors.ErrNotFound))
}

func TestStore_Replenish(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	med := newTestMedication()
	med.CurrentStock = 2
	require.NoError(t, store.Create(ctx, med))

	updated, err := store.Replenish(ctx, med.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 12, updated.CurrentStock)

	_, err = store.Replenish(ctx, med.ID, 0)
	assert.True(t, stderrors.Is(err, apperrors.ErrMalformedInput))
}
