package store

import (
	"crypto/rand"
	"time"

	"gorm.io/gorm"
)

// DoseLog records one dose taken by the user
type DoseLog struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	MedicationID string    `gorm:"index:idx_dose_med_taken" json:"medication_id"`
	Name         string    `json:"name"`
	DoseTime     string    `json:"dose_time,omitempty"` // scheduled slot "HH:MM", empty for as-needed
	Source       string    `json:"source"`              // api, cli
	StockAfter   int       `json:"stock_after"`
	TakenAt      time.Time `gorm:"index:idx_dose_med_taken" json:"taken_at"`
}

// BeforeCreate hook for DoseLog
func (d *DoseLog) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = generateID("dose")
	}
	if d.Source == "" {
		d.Source = "api"
	}
	if d.TakenAt.IsZero() {
		d.TakenAt = time.Now()
	}
	return nil
}

// generateID creates a unique ID with second precision and a random suffix
func generateID(prefix string) string {
	return prefix + "_" + time.Now().Format("20060102150405") + "_" + randomString(8)
}

// randomString generates a cryptographically secure random string
func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b)
}
