package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gmsas95/dosekeeper/internal/medication"
)

// Config controls delivery
type Config struct {
	Enabled        bool
	Repetitions    int
	RepeatInterval time.Duration
	RatePerMinute  int
}

// Observer is told about every delivery attempt
type Observer interface {
	NotificationSent(channel string)
	NotificationFailed(channel string)
}

// Dispatcher fans messages out to every channel. Each channel sits behind
// its own circuit breaker and all sends share one rate limiter.
type Dispatcher struct {
	logger   *zap.Logger
	observer Observer

	mu       sync.RWMutex
	cfg      Config
	channels []Channel
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	limiter  *rate.Limiter

	repeatMu sync.Mutex
	repeats  map[string]*repeat
	closed   bool
	wg       sync.WaitGroup
}

type repeat struct {
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher over channels. observer may be nil.
func NewDispatcher(cfg Config, observer Observer, logger *zap.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger:   logger,
		observer: observer,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		repeats:  make(map[string]*repeat),
	}
	for _, ch := range channels {
		d.channels = append(d.channels, ch)
		d.breakers[ch.Name()] = newBreaker(ch.Name(), logger)
	}
	d.SetConfig(cfg)
	return d
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notification channel breaker changed state",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// SetConfig swaps the delivery settings, e.g. after a config reload
func (d *Dispatcher) SetConfig(cfg Config) {
	if cfg.Repetitions <= 0 {
		cfg.Repetitions = 1
	}
	if cfg.RepeatInterval <= 0 {
		cfg.RepeatInterval = 5 * time.Minute
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
		burst = cfg.RatePerMinute
	}

	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(limit, burst)
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Channels lists the channel names in registration order
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Send delivers msg to every channel. A failing channel does not keep the
// others from receiving it; the returned error lists every failure.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	d.mu.RLock()
	cfg := d.cfg
	limiter := d.limiter
	channels := d.channels
	d.mu.RUnlock()

	if !cfg.Enabled {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notification rate limit: %w", err)
	}

	var errs error
	for _, ch := range channels {
		cb := d.breakers[ch.Name()]
		_, err := cb.Execute(func() (struct{}, error) {
			return struct{}{}, ch.Send(ctx, msg)
		})
		if err != nil {
			d.logger.Warn("Failed to deliver notification",
				zap.String("channel", ch.Name()),
				zap.String("medication_id", msg.MedicationID),
				zap.Error(err),
			)
			if d.observer != nil {
				d.observer.NotificationFailed(ch.Name())
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		if d.observer != nil {
			d.observer.NotificationSent(ch.Name())
		}
	}
	return errs
}

// Remind sends msg now and repeats it in the background, repeats times in
// total, interval apart. A newer reminder for the same medication replaces
// any repeats still pending.
func (d *Dispatcher) Remind(ctx context.Context, msg Message, repeats int, interval time.Duration) error {
	err := d.Send(ctx, msg)
	if repeats <= 1 || msg.MedicationID == "" {
		return err
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &repeat{cancel: cancel}

	d.repeatMu.Lock()
	if d.closed {
		d.repeatMu.Unlock()
		cancel()
		return err
	}
	if prev, ok := d.repeats[msg.MedicationID]; ok {
		prev.cancel()
	}
	d.repeats[msg.MedicationID] = r
	d.wg.Add(1)
	d.repeatMu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.release(msg.MedicationID, r)

		for i := 1; i < repeats; i++ {
			timer := time.NewTimer(interval)
			select {
			case <-rctx.Done():
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if err := d.Send(rctx, msg); err != nil {
				d.logger.Debug("Repeat reminder failed", zap.Int("attempt", i+1), zap.Error(err))
			}
		}
	}()
	return err
}

// release drops r once its goroutine is done, unless a newer reminder
// already took its place
func (d *Dispatcher) release(medicationID string, r *repeat) {
	r.cancel()
	d.repeatMu.Lock()
	if d.repeats[medicationID] == r {
		delete(d.repeats, medicationID)
	}
	d.repeatMu.Unlock()
}

// Pending is the number of medications with repeats still scheduled
func (d *Dispatcher) Pending() int {
	d.repeatMu.Lock()
	defer d.repeatMu.Unlock()
	return len(d.repeats)
}

// CancelRepeats stops the pending repeats for a medication
func (d *Dispatcher) CancelRepeats(medicationID string) {
	d.repeatMu.Lock()
	if r, ok := d.repeats[medicationID]; ok {
		r.cancel()
		delete(d.repeats, medicationID)
	}
	d.repeatMu.Unlock()
}

// Close stops every pending repeat and waits for them to exit. Reminders
// sent afterwards are delivered once, without repeats.
func (d *Dispatcher) Close() {
	d.repeatMu.Lock()
	d.closed = true
	for id, r := range d.repeats {
		r.cancel()
		delete(d.repeats, id)
	}
	d.repeatMu.Unlock()
	d.wg.Wait()
}

// NotifyDepleted implements stock.Sink
func (d *Dispatcher) NotifyDepleted(ctx context.Context, med *medication.Medication) error {
	return d.Send(ctx, Message{
		Kind:         KindDepleted,
		MedicationID: med.ID,
		Title:        "Out of stock",
		Body:         fmt.Sprintf("%s has run out. Add stock to continue the treatment.", med.Name),
	})
}

// NotifyLowStock implements stock.Sink
func (d *Dispatcher) NotifyLowStock(ctx context.Context, med *medication.Medication, remainingDays int, message string) error {
	title := "Low stock"
	if remainingDays == 1 {
		title = "Stock runs out tomorrow"
	}
	return d.Send(ctx, Message{
		Kind:         KindLowStock,
		MedicationID: med.ID,
		Title:        title,
		Body:         message,
	})
}

// DoseReminder builds the message sent when a dose is due
func DoseReminder(med *medication.Medication, doseTime string) Message {
	body := med.Name
	if med.Presentation != "" {
		body += " (" + med.Presentation + ")"
	}
	if doseTime != "" {
		body += " at " + doseTime
	}
	return Message{
		Kind:         KindDose,
		MedicationID: med.ID,
		Title:        "Time to take your medication",
		Body:         body,
	}
}
