package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/dosekeeper/internal/config"
)

func setupTestStore(t *testing.T) *Store {
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_OnDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Storage: config.StorageConfig{
		DataDir:    dir,
		SQLitePath: filepath.Join(dir, "test.db"),
		BadgerPath: filepath.Join(dir, "badger"),
	}}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.SetKV("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = New(cfg)
	require.NoError(t, err)
	defer s.Close()

	val, err := s.GetKV("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestDoseHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.LogDose(ctx, &DoseLog{
			MedicationID: "med_1",
			Name:         "Ibuprofen",
			DoseTime:     "08:00",
			StockAfter:   10 - i,
			TakenAt:      base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.LogDose(ctx, &DoseLog{MedicationID: "med_2", Name: "Other", Source: "cli"}))

	logs, err := s.History(ctx, "med_1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 8, logs[0].StockAfter)
	assert.Equal(t, "api", logs[0].Source)
	assert.Contains(t, logs[0].ID, "dose_")

	all, err := s.History(ctx, "med_1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteHistory(ctx, "med_1"))
	all, err = s.History(ctx, "med_1", 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	other, err := s.History(ctx, "med_2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "cli", other[0].Source)
	assert.False(t, other[0].TakenAt.IsZero())
}

func TestKV_Missing(t *testing.T) {
	s := setupTestStore(t)

	val, err := s.GetKV("absent")
	require.NoError(t, err)
	assert.Nil(t, val)
}
