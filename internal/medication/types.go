package medication

import (
	"math"
	"strings"
	"time"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

// StockType decides how supply is counted for a medication
type StockType string

const (
	StockCountable   StockType = "countable"    // tablets, capsules: exact units
	StockApproximate StockType = "approximate"  // vials, sprays: estimated days
	StockTopicalDays StockType = "topical_days" // creams, ointments: days only
	StockLiquidML    StockType = "liquid_ml"    // drops, syrups
)

// Indefinite marks a chronic treatment with no end date
const Indefinite = -1

// Medication is a medication with its dosing profile and supply
type Medication struct {
	ID     string `json:"id" gorm:"primaryKey"`
	UserID string `json:"user_id" gorm:"index"`

	// Details
	Name         string `json:"name"`
	Presentation string `json:"presentation"` // tablets, syrup, cream, drops, ...
	Condition    string `json:"condition,omitempty"`
	Details      string `json:"details,omitempty"`
	Color        int    `json:"color,omitempty"`

	// Dosing profile
	DosesPerDay   int       `json:"doses_per_day"`
	FirstDoseTime string    `json:"first_dose_time,omitempty"` // "HH:MM"
	DoseTimes     []string  `json:"dose_times" gorm:"-"`
	DoseTimesJSON string    `json:"-" gorm:"type:text"`
	TreatmentDays int       `json:"treatment_days"` // -1 = indefinite
	StartDate     time.Time `json:"start_date"`

	// Supply
	StockType             StockType  `json:"stock_type"`
	InitialStock          int        `json:"initial_stock"`
	CurrentStock          int        `json:"current_stock"`
	EstimatedDurationDays int        `json:"estimated_duration_days,omitempty"`
	RemainingDurationDays int        `json:"remaining_duration_days,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`

	// Status
	Active bool `json:"active"`
	Paused bool `json:"paused"`

	// Version increases on every update; reconciles carrying an older
	// version are discarded.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockTypeFor maps a presentation to the way its supply is counted
func StockTypeFor(presentation string) StockType {
	switch strings.ToLower(strings.TrimSpace(presentation)) {
	case "tablets", "pills", "capsules", "comprimidos", "pastillas", "cápsulas":
		return StockCountable
	case "syrup", "drops", "jarabe", "gotas":
		return StockLiquidML
	case "cream", "ointment", "gel", "crema", "pomada", "ungüento":
		return StockTopicalDays
	default:
		return StockApproximate
	}
}

// Validate rejects profiles the scheduling core never accepts
func (m *Medication) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return apperrors.Wrapf(apperrors.ErrMalformedInput, "name is required")
	}
	if m.DosesPerDay < 0 {
		return apperrors.Wrapf(apperrors.ErrMalformedInput, "doses per day must not be negative, got %d", m.DosesPerDay)
	}
	if m.TreatmentDays == 0 || m.TreatmentDays < Indefinite {
		return apperrors.Wrapf(apperrors.ErrMalformedInput, "treatment days must be -1 or positive, got %d", m.TreatmentDays)
	}
	if m.CurrentStock < 0 || m.InitialStock < 0 {
		return apperrors.Wrapf(apperrors.ErrMalformedInput, "stock must not be negative")
	}
	return nil
}

func (m *Medication) IsAsNeeded() bool {
	return m.DosesPerDay == 0
}

func (m *Medication) IsChronic() bool {
	return m.TreatmentDays == Indefinite
}

// NeedsTriggers reports whether reminders should be registered at all
func (m *Medication) NeedsTriggers() bool {
	return m.Active && !m.Paused && m.DosesPerDay > 0
}

func (m *Medication) countable() bool {
	return m.StockType == "" || m.StockType == StockCountable
}

// ConsumeDose takes one unit (or one day for non-countable stock). It never
// drives the supply below zero.
func (m *Medication) ConsumeDose() bool {
	if m.countable() {
		if m.CurrentStock > 0 {
			m.CurrentStock--
			return true
		}
		return false
	}
	if m.RemainingDurationDays > 0 {
		m.RemainingDurationDays--
		return true
	}
	return false
}

// AddStock replenishes supply. Non-positive amounts are ignored.
func (m *Medication) AddStock(amount int) {
	if amount <= 0 {
		return
	}
	if m.countable() {
		m.CurrentStock += amount
		return
	}
	m.RemainingDurationDays += amount
}

func (m *Medication) IsDepleted() bool {
	if m.countable() {
		return m.CurrentStock <= 0
	}
	return m.RemainingDurationDays <= 0
}

func (m *Medication) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Pause keeps the record but stops reminders (treatment finished)
func (m *Medication) Pause() {
	m.Paused = true
	m.Active = false
}

func (m *Medication) Resume() {
	m.Paused = false
	m.Active = true
}

// StockPercent is the remaining supply as a percentage of the initial one
func (m *Medication) StockPercent() int {
	if m.countable() {
		if m.InitialStock <= 0 {
			return 0
		}
		return m.CurrentStock * 100 / m.InitialStock
	}
	if m.EstimatedDurationDays <= 0 {
		return 0
	}
	return m.RemainingDurationDays * 100 / m.EstimatedDurationDays
}

func (m *Medication) NeedsRefill() bool {
	return m.StockPercent() <= 20
}

// Status returns the label shown next to a medication
func (m *Medication) Status(now time.Time) string {
	switch {
	case m.IsExpired(now):
		return "EXPIRED"
	case m.Paused:
		return "PAUSED"
	case !m.Active:
		return "INACTIVE"
	case m.IsDepleted():
		return "DEPLETED"
	case m.NeedsRefill():
		return "LOW STOCK"
	default:
		return "ACTIVE"
	}
}

// DaysElapsed counts whole calendar days between the start date and now
func (m *Medication) DaysElapsed(now time.Time) int {
	if m.StartDate.IsZero() {
		return 0
	}
	start := midnight(m.StartDate.In(now.Location()))
	today := midnight(now)
	if today.Before(start) {
		return 0
	}
	return int(math.Round(today.Sub(start).Hours() / 24))
}

// DaysRemainingInTreatment is never negative; Indefinite for chronic ones
func (m *Medication) DaysRemainingInTreatment(now time.Time) int {
	if m.IsChronic() {
		return Indefinite
	}
	remaining := m.TreatmentDays - m.DaysElapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
