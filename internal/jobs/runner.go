// Package jobs runs the periodic maintenance tasks (horizon refresh, stock
// checks) on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is one unit of periodic work
type Func func(ctx context.Context) error

// Job describes a registered job
type Job struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitempty"`
	Runs    int64     `json:"runs"`
	LastErr string    `json:"last_error,omitempty"`
}

type job struct {
	spec    string
	fn      Func
	id      cron.EntryID
	runs    int64
	lastErr error
}

// Runner manages scheduled job execution
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	jobs    map[string]*job
	running bool
}

// NewRunner creates a new job runner
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	adapter := cronLogger{logger: logger}

	return &Runner{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name with a standard cron spec or a descriptor
// such as "@daily" or "@every 1h". Re-adding a name replaces the old job.
func (r *Runner) Add(name, spec string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.jobs[name]; ok {
		r.cron.Remove(prev.id)
	}

	j := &job{spec: spec, fn: fn}
	id, err := r.cron.AddFunc(spec, func() { r.execute(name, j) })
	if err != nil {
		delete(r.jobs, name)
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	j.id = id
	r.jobs[name] = j

	r.logger.Info("Scheduled job added", zap.String("name", name), zap.String("spec", spec))
	return nil
}

// Remove drops a job. Unknown names are ignored.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[name]; ok {
		r.cron.Remove(j.id)
		delete(r.jobs, name)
	}
}

// RunNow executes a job synchronously outside its schedule
func (r *Runner) RunNow(name string) error {
	r.mu.RLock()
	j, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	return r.execute(name, j)
}

// Start starts the runner
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("job runner already running")
	}
	r.running = true
	r.cron.Start()
	return nil
}

// Stop stops the runner and waits for running jobs to return
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("Job runner stopped")
}

// IsRunning returns whether the runner is active
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Jobs lists the registered jobs ordered by name
func (r *Runner) Jobs() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.jobs))
	for name, j := range r.jobs {
		entry := r.cron.Entry(j.id)
		info := Job{Name: name, Spec: j.spec, Next: entry.Next, Prev: entry.Prev, Runs: j.runs}
		if j.lastErr != nil {
			info.LastErr = j.lastErr.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (r *Runner) execute(name string, j *job) error {
	start := time.Now()
	err := j.fn(r.ctx)

	r.mu.Lock()
	j.runs++
	j.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("Scheduled job failed", zap.String("name", name), zap.Error(err))
		return err
	}
	r.logger.Debug("Scheduled job completed", zap.String("name", name), zap.Duration("took", time.Since(start)))
	return nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
