// Package stock watches remaining supply and raises one alert per severity
// band until the medication leaves that band.
package stock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/medication"
)

// DefaultWarnDays is the widest band that still alerts
const DefaultWarnDays = 7

// Severity orders the alert bands from none to depleted
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityThreeDays
	SeverityTwoDays
	SeverityOneDay
	SeverityDepleted
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityThreeDays:
		return "3-day"
	case SeverityTwoDays:
		return "2-day"
	case SeverityOneDay:
		return "1-day"
	case SeverityDepleted:
		return "depleted"
	default:
		return "none"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the supply of one medication as the engine sees it.
// RemainingDays is -1 for as-needed medications.
type State struct {
	Units         int `json:"units"`
	DosesPerDay   int `json:"doses_per_day"`
	TreatmentDays int `json:"treatment_days"`
	RemainingDays int `json:"remaining_days"`
}

// StateOf derives the supply state. With a fixed daily dose count the
// days left are the units divided by it, whatever the stock type. As-needed
// medications have no daily rate; non-countable ones fall back to their
// day counter.
func StateOf(med *medication.Medication) State {
	st := State{
		Units:         med.CurrentStock,
		DosesPerDay:   med.DosesPerDay,
		TreatmentDays: med.TreatmentDays,
		RemainingDays: -1,
	}
	if med.DosesPerDay > 0 {
		st.RemainingDays = floorDiv(med.CurrentStock, med.DosesPerDay)
		return st
	}
	if med.StockType != "" && med.StockType != medication.StockCountable {
		st.Units = med.RemainingDurationDays
	}
	return st
}

// Classify maps a state to its band. Units left but less than a full day
// of supply match no band; see holds.
func Classify(st State, warnDays int) Severity {
	if st.Units <= 0 {
		return SeverityDepleted
	}
	if !short(st) {
		return SeverityNone
	}

	switch {
	case st.RemainingDays == 1:
		return SeverityOneDay
	case st.RemainingDays == 2:
		return SeverityTwoDays
	case st.RemainingDays == 3:
		return SeverityThreeDays
	case st.RemainingDays > 3 && st.RemainingDays <= warnDays:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// short reports whether the supply runs out before the treatment ends
func short(st State) bool {
	return st.TreatmentDays > 0 && st.RemainingDays >= 0 && st.RemainingDays < st.TreatmentDays
}

// holds reports a state that raises nothing new but keeps the recorded
// band: short supply with less than one day left.
func holds(st State) bool {
	return st.Units > 0 && st.RemainingDays == 0 && short(st)
}

// Message is the user facing text for a low stock band
func Message(name string, sev Severity, remainingDays int) string {
	switch sev {
	case SeverityDepleted:
		return fmt.Sprintf("%s: Out of stock.", name)
	case SeverityOneDay:
		return fmt.Sprintf("%s: Only enough medication left for 1 day. Add stock to complete the treatment.", name)
	case SeverityTwoDays:
		return fmt.Sprintf("%s: Medication left for 2 days.", name)
	case SeverityThreeDays:
		return fmt.Sprintf("%s: Medication left for 3 days.", name)
	case SeverityLow:
		return fmt.Sprintf("%s: The medication will run out before the treatment ends. About %d days of stock left.", name, remainingDays)
	default:
		return ""
	}
}

// Sink receives alerts
type Sink interface {
	NotifyDepleted(ctx context.Context, med *medication.Medication) error
	NotifyLowStock(ctx context.Context, med *medication.Medication, remainingDays int, message string) error
}

// Alert is one emitted alert
type Alert struct {
	MedicationID  string   `json:"medication_id"`
	Name          string   `json:"name"`
	Severity      Severity `json:"severity"`
	RemainingDays int      `json:"remaining_days"`
	Message       string   `json:"message"`
}

// Engine holds the dedup record for one session. Each medication keeps
// only the band it was last alerted for.
type Engine struct {
	warnDays int
	sink     Sink
	logger   *zap.Logger

	mu       sync.Mutex
	notified map[string]Severity
}

// NewEngine creates an engine. warnDays below 4 falls back to the default
// since the low band starts above 3 days. sink may be nil.
func NewEngine(warnDays int, sink Sink, logger *zap.Logger) *Engine {
	if warnDays <= 3 {
		warnDays = DefaultWarnDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		warnDays: warnDays,
		sink:     sink,
		logger:   logger,
		notified: make(map[string]Severity),
	}
}

// Evaluate checks every active medication, emits the alerts whose band was
// not already recorded and purges records of medications absent from meds.
// Alerts reach the sink after the dedup record is released.
func (e *Engine) Evaluate(ctx context.Context, meds []medication.Medication) []Alert {
	var (
		alerts  []Alert
		targets []*medication.Medication
	)
	present := make(map[string]struct{}, len(meds))

	e.mu.Lock()
	for i := range meds {
		med := &meds[i]
		present[med.ID] = struct{}{}
		if !med.Active {
			continue
		}

		st := StateOf(med)
		sev := Classify(st, e.warnDays)
		if med.IsAsNeeded() && sev != SeverityDepleted {
			sev = SeverityNone
		}

		if sev == SeverityNone {
			if !holds(st) {
				delete(e.notified, med.ID)
			}
			continue
		}
		if e.notified[med.ID] == sev {
			continue
		}
		e.notified[med.ID] = sev

		alerts = append(alerts, Alert{
			MedicationID:  med.ID,
			Name:          med.Name,
			Severity:      sev,
			RemainingDays: st.RemainingDays,
			Message:       Message(med.Name, sev, st.RemainingDays),
		})
		targets = append(targets, med)
	}

	for id := range e.notified {
		if _, ok := present[id]; !ok {
			delete(e.notified, id)
		}
	}
	e.mu.Unlock()

	for i, alert := range alerts {
		e.emit(ctx, targets[i], alert)
	}
	return alerts
}

func (e *Engine) emit(ctx context.Context, med *medication.Medication, alert Alert) {
	e.logger.Warn("Stock alert",
		zap.String("medication_id", alert.MedicationID),
		zap.Stringer("severity", alert.Severity),
		zap.Int("remaining_days", alert.RemainingDays),
	)
	if e.sink == nil {
		return
	}

	var err error
	if alert.Severity == SeverityDepleted {
		err = e.sink.NotifyDepleted(ctx, med)
	} else {
		err = e.sink.NotifyLowStock(ctx, med, severityDays(alert), alert.Message)
	}
	if err != nil {
		e.logger.Error("Failed to deliver stock alert",
			zap.String("medication_id", alert.MedicationID),
			zap.Error(err),
		)
	}
}

// severityDays is the day count reported with a band
func severityDays(a Alert) int {
	switch a.Severity {
	case SeverityOneDay:
		return 1
	case SeverityTwoDays:
		return 2
	case SeverityThreeDays:
		return 3
	default:
		return a.RemainingDays
	}
}

// Reset forgets every recorded alert
func (e *Engine) Reset() {
	e.mu.Lock()
	e.notified = make(map[string]Severity)
	e.mu.Unlock()
}

// Tracked is one dedup record
type Tracked struct {
	MedicationID string   `json:"medication_id"`
	Severity     Severity `json:"severity"`
}

// Tracked returns the dedup records ordered by medication id
func (e *Engine) Tracked() []Tracked {
	e.mu.Lock()
	out := make([]Tracked, 0, len(e.notified))
	for id, sev := range e.notified {
		out = append(out, Tracked{MedicationID: id, Severity: sev})
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MedicationID < out[j].MedicationID })
	return out
}

// WarnDays is the widest band that alerts
func (e *Engine) WarnDays() int {
	return e.warnDays
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
