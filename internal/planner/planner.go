// Package planner projects daily dose times onto a bounded window of
// concrete trigger instants.
package planner

import (
	"time"

	"github.com/gmsas95/dosekeeper/internal/dosing"
	"github.com/gmsas95/dosekeeper/internal/medication"
	"github.com/gmsas95/dosekeeper/internal/trigger"
)

// DefaultHorizonDays is the rolling window planned for a medication
const DefaultHorizonDays = 30

// Unlimited disables the budget check
const Unlimited = trigger.Unlimited

// Result is a planned schedule. BudgetExceeded means planning stopped
// early because the caller's timer budget ran out. LeaseEnd is the latest
// planned instant; slots past midnight land earlier on the same date, so
// entry order is not instant order.
type Result struct {
	Entries        []trigger.Entry `json:"entries" yaml:"entries"`
	Days           int             `json:"days" yaml:"days"`
	BudgetExceeded bool            `json:"budget_exceeded" yaml:"budget_exceeded"`
	LeaseEnd       time.Time       `json:"lease_end" yaml:"lease_end"`
}

// Keys returns the planned keys in order
func (r Result) Keys() []trigger.Key {
	keys := make([]trigger.Key, len(r.Entries))
	for i, e := range r.Entries {
		keys[i] = e.Key
	}
	return keys
}

// Planner lays schedules out over a rolling window of HorizonDays
type Planner struct {
	HorizonDays int
}

// New creates a planner; a non-positive horizon means DefaultHorizonDays
func New(horizonDays int) *Planner {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Planner{HorizonDays: horizonDays}
}

// Days is the number of calendar days that would be planned from now
func (p *Planner) Days(med *medication.Medication, now time.Time) int {
	if med.IsChronic() {
		return p.HorizonDays
	}
	remaining := med.DaysRemainingInTreatment(now)
	if remaining > p.HorizonDays {
		return p.HorizonDays
	}
	return remaining
}

// Plan lays out one entry per day and dose slot, ordered by day then slot,
// starting today in now's location. Slots of today that are not after now
// are skipped. budget caps the number of entries; pass Unlimited to plan
// the whole window.
func (p *Planner) Plan(med *medication.Medication, doseTimes []string, now time.Time, budget int) Result {
	var res Result
	if med.IsAsNeeded() || !med.NeedsTriggers() {
		return res
	}

	slots := len(doseTimes)
	if slots > med.DosesPerDay {
		slots = med.DosesPerDay
	}
	if slots == 0 {
		return res
	}

	res.Days = p.Days(med, now)
	clocks := make([][2]int, slots)
	for i := 0; i < slots; i++ {
		h, m, ok := dosing.ParseClock(doseTimes[i])
		if !ok {
			h, m = 0, 0
		}
		clocks[i] = [2]int{h, m}
	}

	loc := now.Location()
	y, mo, d := now.Date()
	res.Entries = make([]trigger.Entry, 0, res.Days*slots)

	for day := 0; day < res.Days; day++ {
		for slot, clock := range clocks {
			at := time.Date(y, mo, d+day, clock[0], clock[1], 0, 0, loc)
			if day == 0 && !at.After(now) {
				continue
			}
			if budget >= 0 && len(res.Entries) >= budget {
				res.BudgetExceeded = true
				return res
			}

			res.Entries = append(res.Entries, trigger.Entry{
				Key: trigger.Key{MedicationID: med.ID, Slot: slot, DayOffset: day},
				At:  at,
				Payload: trigger.Payload{
					MedicationID: med.ID,
					Name:         med.Name,
					Presentation: med.Presentation,
					DoseTime:     dosing.FormatClock(clock[0], clock[1]),
				},
			})
			if at.After(res.LeaseEnd) {
				res.LeaseEnd = at
			}
		}
	}
	return res
}
