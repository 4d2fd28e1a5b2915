package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dosekeeper"

// Metrics records scheduler, stock and delivery activity on a private
// registry and keeps running totals for the status endpoint.
type Metrics struct {
	startTime time.Time
	registry  *prometheus.Registry

	triggersRegistered *prometheus.CounterVec
	triggersCancelled  prometheus.Counter
	triggersFired      prometheus.Counter
	budgetExceeded     prometheus.Counter
	alertsRaised       *prometheus.CounterVec
	recoveryRuns       prometheus.Counter
	recoveryFailures   prometheus.Counter
	notifications      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec

	registered atomic.Int64
	cancelled  atomic.Int64
	fired      atomic.Int64
	exceeded   atomic.Int64
	recoveries atomic.Int64
	failures   atomic.Int64

	alerts     map[string]int64
	alertsLock sync.Mutex

	outstanding func() int
	outLock     sync.RWMutex
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,
		alerts:    make(map[string]int64),

		triggersRegistered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "registered_total",
			Help:      "Triggers registered with the timer service, by origin.",
		}, []string{"origin"}),
		triggersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "cancelled_total",
			Help:      "Triggers cancelled during reconciles.",
		}),
		triggersFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "fired_total",
			Help:      "Triggers that fired.",
		}),
		budgetExceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "budget_exceeded_total",
			Help:      "Reconciles that stopped early on the timer ceiling. Alert if non-zero.",
		}),
		alertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stock",
			Name:      "alerts_total",
			Help:      "Stock alerts raised, by severity.",
		}, []string{"severity"}),
		recoveryRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Recovery runs.",
		}),
		recoveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "failures_total",
			Help:      "Medications that failed to recover.",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"method", "path"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "triggers",
		Name:      "outstanding",
		Help:      "Timers currently registered.",
	}, func() float64 {
		return float64(m.Outstanding())
	})
	return m
}

// TrackOutstanding sets the source of the outstanding timers gauge
func (m *Metrics) TrackOutstanding(fn func() int) {
	m.outLock.Lock()
	m.outstanding = fn
	m.outLock.Unlock()
}

func (m *Metrics) Outstanding() int {
	m.outLock.RLock()
	defer m.outLock.RUnlock()
	if m.outstanding == nil {
		return 0
	}
	return m.outstanding()
}

func (m *Metrics) RecordReconcile(origin string, registered, cancelled int, budgetExceeded bool) {
	m.triggersRegistered.WithLabelValues(origin).Add(float64(registered))
	m.triggersCancelled.Add(float64(cancelled))
	m.registered.Add(int64(registered))
	m.cancelled.Add(int64(cancelled))
	if budgetExceeded {
		m.budgetExceeded.Inc()
		m.exceeded.Add(1)
	}
}

func (m *Metrics) RecordCancelled(n int) {
	m.triggersCancelled.Add(float64(n))
	m.cancelled.Add(int64(n))
}

func (m *Metrics) RecordFired() {
	m.triggersFired.Inc()
	m.fired.Add(1)
}

func (m *Metrics) RecordAlert(severity string) {
	m.alertsRaised.WithLabelValues(severity).Inc()

	m.alertsLock.Lock()
	m.alerts[severity]++
	m.alertsLock.Unlock()
}

func (m *Metrics) RecordRecovery(failed int) {
	m.recoveryRuns.Inc()
	m.recoveryFailures.Add(float64(failed))
	m.recoveries.Add(1)
	m.failures.Add(int64(failed))
}

// NotificationSent implements notify.Observer
func (m *Metrics) NotificationSent(channel string) {
	m.notifications.WithLabelValues(channel, "sent").Inc()
}

// NotificationFailed implements notify.Observer
func (m *Metrics) NotificationFailed(channel string) {
	m.notifications.WithLabelValues(channel, "failed").Inc()
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Registry exposes the private registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type Snapshot struct {
	Uptime             time.Duration    `json:"uptime"`
	TriggersRegistered int64            `json:"triggers_registered"`
	TriggersCancelled  int64            `json:"triggers_cancelled"`
	TriggersFired      int64            `json:"triggers_fired"`
	BudgetExceeded     int64            `json:"budget_exceeded"`
	Outstanding        int              `json:"outstanding"`
	RecoveryRuns       int64            `json:"recovery_runs"`
	RecoveryFailures   int64            `json:"recovery_failures"`
	Alerts             map[string]int64 `json:"alerts"`
}

func (m *Metrics) Snapshot() *Snapshot {
	s := &Snapshot{
		Uptime:             time.Since(m.startTime),
		TriggersRegistered: m.registered.Load(),
		TriggersCancelled:  m.cancelled.Load(),
		TriggersFired:      m.fired.Load(),
		BudgetExceeded:     m.exceeded.Load(),
		Outstanding:        m.Outstanding(),
		RecoveryRuns:       m.recoveries.Load(),
		RecoveryFailures:   m.failures.Load(),
		Alerts:             make(map[string]int64),
	}

	m.alertsLock.Lock()
	for k, v := range m.alerts {
		s.Alerts[k] = v
	}
	m.alertsLock.Unlock()
	return s
}
