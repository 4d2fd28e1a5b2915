package medication

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gmsas95/dosekeeper/internal/dosing"
	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

// DataSource is the read side the scheduling core consumes. Reads are
// snapshots; nothing downstream relies on streaming.
type DataSource interface {
	ListActiveMedications(ctx context.Context) ([]Medication, error)
	GetMedication(ctx context.Context, id string) (*Medication, error)
}

// Store handles medication persistence
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new medication store
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Medication{}); err != nil {
		return nil, fmt.Errorf("failed to migrate medication schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Create validates and inserts a medication, assigning an id when absent
func (s *Store) Create(ctx context.Context, med *Medication) error {
	if med.ID == "" {
		med.ID = uuid.NewString()
	}
	if med.StockType == "" {
		med.StockType = StockTypeFor(med.Presentation)
	}
	if med.StartDate.IsZero() {
		med.StartDate = s.now()
	}
	if err := s.prepare(med); err != nil {
		return err
	}

	med.Version = 1
	med.CreatedAt = s.now()
	med.UpdatedAt = med.CreatedAt
	return s.db.WithContext(ctx).Create(med).Error
}

func (s *Store) Get(ctx context.Context, id string) (*Medication, error) {
	var med Medication
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&med).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "medication %s", id)
	}
	if err != nil {
		return nil, err
	}
	decode(&med)
	return &med, nil
}

// Update saves every field and bumps the version
func (s *Store) Update(ctx context.Context, med *Medication) error {
	if err := s.prepare(med); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Medication
		err := tx.Select("id", "version", "created_at").Where("id = ?", med.ID).First(&current).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Wrapf(apperrors.ErrNotFound, "medication %s", med.ID)
		}
		if err != nil {
			return err
		}

		med.Version = current.Version + 1
		med.CreatedAt = current.CreatedAt
		med.UpdatedAt = s.now()
		return tx.Save(med).Error
	})
}

// Delete removes a medication. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Medication{}).Error
}

func (s *Store) List(ctx context.Context, userID string) ([]Medication, error) {
	query := s.db.WithContext(ctx)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var meds []Medication
	if err := query.Order("created_at ASC").Find(&meds).Error; err != nil {
		return nil, err
	}
	for i := range meds {
		decode(&meds[i])
	}
	return meds, nil
}

// ListActive returns every active, unpaused medication
func (s *Store) ListActive(ctx context.Context) ([]Medication, error) {
	var meds []Medication
	err := s.db.WithContext(ctx).
		Where("active = ? AND paused = ?", true, false).
		Order("created_at ASC").
		Find(&meds).Error
	if err != nil {
		return nil, err
	}
	for i := range meds {
		decode(&meds[i])
	}
	return meds, nil
}

// ConsumeDose takes one dose out of the supply
func (s *Store) ConsumeDose(ctx context.Context, id string) (*Medication, error) {
	return s.mutate(ctx, id, func(med *Medication) error {
		if !med.ConsumeDose() {
			return apperrors.Wrapf(apperrors.ErrOutOfStock, "medication %s", id)
		}
		return nil
	})
}

// Replenish adds amount units (or days) to the supply
func (s *Store) Replenish(ctx context.Context, id string, amount int) (*Medication, error) {
	if amount <= 0 {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedInput, "refill amount must be positive, got %d", amount)
	}
	return s.mutate(ctx, id, func(med *Medication) error {
		med.AddStock(amount)
		return nil
	})
}

// ListActiveMedications implements DataSource
func (s *Store) ListActiveMedications(ctx context.Context) ([]Medication, error) {
	return s.ListActive(ctx)
}

// GetMedication implements DataSource
func (s *Store) GetMedication(ctx context.Context, id string) (*Medication, error) {
	return s.Get(ctx, id)
}

// mutate applies fn to the stored row inside a transaction. Stock changes
// do not touch the dosing profile, so the version stays put.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Medication) error) (*Medication, error) {
	var med Medication
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).First(&med).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.Wrapf(apperrors.ErrNotFound, "medication %s", id)
		}
		if err != nil {
			return err
		}
		if err := fn(&med); err != nil {
			return err
		}
		med.UpdatedAt = s.now()
		return tx.Model(&Medication{}).Where("id = ?", id).Updates(map[string]interface{}{
			"current_stock":           med.CurrentStock,
			"remaining_duration_days": med.RemainingDurationDays,
			"updated_at":              med.UpdatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	decode(&med)
	return &med, nil
}

// prepare validates the profile and recomputes the derived dose times
func (s *Store) prepare(med *Medication) error {
	if err := med.Validate(); err != nil {
		return err
	}
	if med.FirstDoseTime != "" {
		med.FirstDoseTime = dosing.Normalize(med.FirstDoseTime)
	}

	med.DoseTimes = dosing.Generate(med.DosesPerDay, med.FirstDoseTime)
	timesJSON, err := json.Marshal(med.DoseTimes)
	if err != nil {
		return fmt.Errorf("failed to encode dose times: %w", err)
	}
	med.DoseTimesJSON = string(timesJSON)
	return nil
}

func decode(med *Medication) {
	med.DoseTimes = []string{}
	if med.DoseTimesJSON != "" {
		_ = json.Unmarshal([]byte(med.DoseTimesJSON), &med.DoseTimes)
	}
}
