// Package trigger owns the mapping from (medication, dose slot, day offset)
// to registered timers.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the budget value meaning no timer ceiling applies
const Unlimited = -1

// Key identifies one trigger. DayOffset is relative to the day the schedule
// was planned, so re-planning on a later day overwrites earlier keys.
type Key struct {
	MedicationID string `json:"medication_id" yaml:"medication_id"`
	Slot         int    `json:"slot" yaml:"slot"`
	DayOffset    int    `json:"day_offset" yaml:"day_offset"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.MedicationID, k.Slot, k.DayOffset)
}

// ParseKey reverses Key.String
func ParseKey(s string) (Key, error) {
	dayIdx := strings.LastIndex(s, "/")
	if dayIdx <= 0 {
		return Key{}, fmt.Errorf("invalid trigger key %q", s)
	}
	slotIdx := strings.LastIndex(s[:dayIdx], "/")
	if slotIdx <= 0 {
		return Key{}, fmt.Errorf("invalid trigger key %q", s)
	}

	slot, err := strconv.Atoi(s[slotIdx+1 : dayIdx])
	if err != nil {
		return Key{}, fmt.Errorf("invalid slot in trigger key %q: %w", s, err)
	}
	day, err := strconv.Atoi(s[dayIdx+1:])
	if err != nil {
		return Key{}, fmt.Errorf("invalid day in trigger key %q: %w", s, err)
	}
	return Key{MedicationID: s[:slotIdx], Slot: slot, DayOffset: day}, nil
}

// LegacyCode is the 32-bit notification code older clients derived from a
// key: abs(hash(id)) + slot*1000 + day. Distinct medications can collide,
// so it is only ever used for display and log correlation.
func (k Key) LegacyCode() int32 {
	var h int32
	for _, r := range utf16Units(k.MedicationID) {
		h = 31*h + int32(r)
	}
	if h < 0 {
		h = -h
	}
	return h + int32(k.Slot)*1000 + int32(k.DayOffset)
}

func utf16Units(s string) []uint16 {
	units := make([]uint16, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			units = append(units, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
			continue
		}
		units = append(units, uint16(r))
	}
	return units
}

// Payload travels with a timer and comes back when it fires
type Payload struct {
	MedicationID string `json:"medication_id" yaml:"medication_id"`
	Name         string `json:"name" yaml:"name"`
	Presentation string `json:"presentation,omitempty" yaml:"presentation,omitempty"`
	DoseTime     string `json:"dose_time" yaml:"dose_time"`
}

// Entry is one planned trigger
type Entry struct {
	Key     Key       `json:"key" yaml:"key"`
	At      time.Time `json:"at" yaml:"at"`
	Payload Payload   `json:"payload" yaml:"payload"`
}
