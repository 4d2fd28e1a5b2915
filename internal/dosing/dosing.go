// Package dosing derives the daily dose times of a medication from its
// dosing frequency and the time of the first dose.
package dosing

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultFirstDose is used whenever the first dose time is absent or cannot
// be parsed.
const DefaultFirstDose = "00:00"

// MaxDosesPerDay bounds the number of slots a single day can hold. Beyond
// it the hourly interval would be zero and every slot would collapse.
const MaxDosesPerDay = 24

// Generate returns dosesPerDay clock times starting at firstDoseTime and
// spaced by 24/dosesPerDay whole hours, wrapping past midnight. The minute
// of the first dose is reused by every slot. Remainder hours are dropped,
// so the last gap of the day may be longer than the others.
func Generate(dosesPerDay int, firstDoseTime string) []string {
	if dosesPerDay <= 0 {
		return []string{}
	}
	if dosesPerDay > MaxDosesPerDay {
		dosesPerDay = MaxDosesPerDay
	}

	hour, minute, ok := ParseClock(firstDoseTime)
	if !ok {
		hour, minute = 0, 0
	}

	interval := 24 / dosesPerDay
	times := make([]string, 0, dosesPerDay)
	for i := 0; i < dosesPerDay; i++ {
		times = append(times, FormatClock((hour+i*interval)%24, minute))
	}
	return times
}

// ParseClock parses "HH:MM" (or "H:MM"). ok is false for anything else,
// including out of range hours and minutes.
func ParseClock(s string) (hour, minute int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || parts[0] == "" || len(parts[1]) != 2 {
		return 0, 0, false
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// Normalize returns s in canonical "HH:MM" form, or DefaultFirstDose when
// s is malformed.
func Normalize(s string) string {
	h, m, ok := ParseClock(s)
	if !ok {
		return DefaultFirstDose
	}
	return FormatClock(h, m)
}

// FormatClock renders a clock time as zero padded "HH:MM"
func FormatClock(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
