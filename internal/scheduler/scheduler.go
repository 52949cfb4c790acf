// Package scheduler runs the named periodic tasks that move time-driven
// state: worker auto-selection, job expiry, contract start, reminders,
// auto-confirmation and counter resets.
//
// Every task is idempotent. A tick runs each registered task in its own
// goroutine; a task still running from the previous tick is skipped, and
// with a shared Locker only one instance in the fleet runs a task at a time.
// RunOnce triggers a single task on demand, for admins and tests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/metrics"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskRunning = errors.New("task is already running")
	ErrLeaseHeld   = errors.New("task lease held by another instance")
)

// Report summarizes one task run.
type Report struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// TaskFunc is one pass of a task.
type TaskFunc func(ctx context.Context) (Report, error)

type task struct {
	name     string
	run      TaskFunc
	inFlight atomic.Bool
	lastRun  atomic.Pointer[Run]
}

// Run is the outcome of the last completed pass of a task.
type Run struct {
	Task     string        `json:"task"`
	Result   string        `json:"result"`
	Report   Report        `json:"report"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Scheduler owns the task registry and the tick loop.
type Scheduler struct {
	mu       sync.RWMutex
	tasks    map[string]*task
	interval time.Duration
	leaseTTL time.Duration
	locker   Locker
	logger   *slog.Logger
	now      func() time.Time

	stop    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler ticking every interval. Without a Locker set
// through WithLocker, tasks are only guarded within this process.
func New(interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:    make(map[string]*task),
		interval: interval,
		leaseTTL: 5 * interval,
		locker:   NewLocalLocker(),
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithLocker sets the cross-instance lease.
func (s *Scheduler) WithLocker(l Locker) *Scheduler {
	s.locker = l
	return s
}

// WithLeaseTTL sets how long a lease outlives a crashed holder.
func (s *Scheduler) WithLeaseTTL(ttl time.Duration) *Scheduler {
	s.leaseTTL = ttl
	return s
}

// Register adds a named task. Registering a name twice panics.
func (s *Scheduler) Register(name string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[name]; dup {
		panic(fmt.Sprintf("scheduler: task %q registered twice", name))
	}
	s.tasks[name] = &task{name: name, run: fn}
}

// Tasks returns the registered task names, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastRuns returns the last completed run of each task that has run.
func (s *Scheduler) LastRuns() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Run
	for _, t := range s.tasks {
		if r := t.lastRun.Load(); r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the tick loop until ctx is cancelled or Stop is called. Call in
// a goroutine. It waits for in-flight tasks before returning.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)
	defer s.wg.Wait()

	s.logger.Info("scheduler started", "interval", s.interval.String(), "tasks", s.Tasks())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the tick loop to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	for _, t := range tasks {
		if !t.inFlight.CompareAndSwap(false, true) {
			metrics.SweepRunsTotal.WithLabelValues(t.name, "skipped").Inc()
			s.logger.Debug("task still running, skipping tick", "task", t.name)
			continue
		}
		s.wg.Add(1)
		go func(t *task) {
			defer s.wg.Done()
			defer t.inFlight.Store(false)
			_, _ = s.execute(ctx, t)
		}(t)
	}
}

// RunOnce runs a task now and waits for it.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Report, error) {
	s.mu.RLock()
	t, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		return Report{}, ErrTaskRunning
	}
	defer t.inFlight.Store(false)
	return s.execute(ctx, t)
}

// execute acquires the lease, runs the task and records the outcome.
// A panic inside the task is recovered and reported as an error.
func (s *Scheduler) execute(ctx context.Context, t *task) (rep Report, err error) {
	release, acquired, err := s.locker.Acquire(ctx, t.name, s.leaseTTL)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(t.name, "error").Inc()
		s.logger.Warn("task lease failed", "task", t.name, "error", err)
		return Report{}, err
	}
	if !acquired {
		metrics.SweepRunsTotal.WithLabelValues(t.name, "skipped").Inc()
		return Report{}, ErrLeaseHeld
	}
	defer release()

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			var iv *escrow.InvariantViolation
			if e, ok := r.(error); ok && errors.As(e, &iv) {
				s.logger.Error("CRITICAL: escrow invariant violated in task",
					"task", t.name, "contract_id", iv.ContractID, "violation", iv.Msg)
			} else {
				s.logger.Error("panic in scheduled task", "task", t.name, "panic", fmt.Sprint(r))
			}
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
			s.record(t, started, "panic", rep, err)
		}
	}()

	rep, err = t.run(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Warn("task failed", "task", t.name, "processed", rep.Processed, "failed", rep.Failed, "error", err)
	} else if rep.Processed > 0 || rep.Failed > 0 {
		s.logger.Info("task complete", "task", t.name, "processed", rep.Processed, "failed", rep.Failed)
	}
	s.record(t, started, result, rep, err)
	return rep, err
}

func (s *Scheduler) record(t *task, started time.Time, result string, rep Report, err error) {
	elapsed := s.now().Sub(started)
	metrics.SweepRunsTotal.WithLabelValues(t.name, result).Inc()
	metrics.SweepDuration.WithLabelValues(t.name).Observe(elapsed.Seconds())
	if rep.Processed > 0 {
		metrics.SweepItemsTotal.WithLabelValues(t.name, "processed").Add(float64(rep.Processed))
	}
	if rep.Failed > 0 {
		metrics.SweepItemsTotal.WithLabelValues(t.name, "failed").Add(float64(rep.Failed))
	}
	run := &Run{Task: t.name, Result: result, Report: rep, Started: started, Duration: elapsed}
	if err != nil {
		run.Error = err.Error()
	}
	t.lastRun.Store(run)
}
