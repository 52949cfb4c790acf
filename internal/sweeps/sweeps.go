// Package sweeps holds the time-driven passes over jobs and contracts.
//
// Each pass lists a bounded batch of due records and applies one idempotent
// operation per record through the owning service. Rows run concurrently
// with a per-row timeout; a failing row is logged and counted and does not
// stop the batch.
package sweeps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mbd888/taskhold/internal/contracts"
	"github.com/mbd888/taskhold/internal/jobs"
	"github.com/mbd888/taskhold/internal/logging"
	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/notify"
	"github.com/mbd888/taskhold/internal/scheduler"
	"github.com/mbd888/taskhold/internal/traces"
)

// Task names as registered on the scheduler.
const (
	TaskAutoSelectWorker      = "auto_select_worker"
	TaskExpireJobs            = "expire_jobs"
	TaskSuspendFlexibleJobs   = "suspend_flexible_jobs"
	TaskStartContracts        = "start_contracts"
	TaskConfirmationReminders = "confirmation_reminders"
	TaskAutoConfirm           = "auto_confirm"
	TaskResetCounters         = "reset_counters"
)

// ExpiryReason is recorded on contracts cancelled because their job expired.
const ExpiryReason = "job reached its start date without an accepted contract"

// Contracts is the slice of the contract service the sweeps drive.
type Contracts interface {
	Create(ctx context.Context, req contracts.CreateRequest) (*contracts.Result, error)
	Start(ctx context.Context, id string) (*contracts.Result, error)
	Remind(ctx context.Context, id string) (*contracts.Result, error)
	AutoConfirm(ctx context.Context, id string) (*contracts.Result, error)
	Expire(ctx context.Context, id, reason string) (*contracts.Result, error)
	ListByJob(ctx context.Context, jobID string) ([]*contracts.Contract, error)
	ListStartDue(ctx context.Context, limit int) ([]*contracts.Contract, error)
	ListReminderDue(ctx context.Context, afterID string, limit int) ([]*contracts.Contract, error)
	ListAutoConfirmDue(ctx context.Context, afterID string, limit int) ([]*contracts.Contract, error)
}

// Quota resets the periodic usage counters.
type Quota interface {
	ResetPeriod(ctx context.Context) (int64, error)
}

// Config tunes the sweeps.
type Config struct {
	AutoSelectLead      time.Duration
	FlexibleSuspendLead time.Duration
	RowTimeout          time.Duration
	Concurrency         int
	ReminderRPS         int
	BatchSize           int
}

func (c Config) withDefaults() Config {
	if c.RowTimeout <= 0 {
		c.RowTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ReminderRPS <= 0 {
		c.ReminderRPS = 20
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Sweeper runs the periodic passes.
type Sweeper struct {
	jobs       jobs.Catalog
	contracts  Contracts
	quota      Quota
	dispatcher *notify.Dispatcher
	cfg        Config
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a sweeper. quota may be nil, in which case reset_counters is
// not registered.
func New(catalog jobs.Catalog, svc Contracts, quota Quota, dispatcher *notify.Dispatcher, cfg Config, logger *slog.Logger) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		jobs:       catalog,
		contracts:  svc,
		quota:      quota,
		dispatcher: dispatcher,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ReminderRPS), cfg.ReminderRPS),
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source. The contract service keeps its own.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Register adds every sweep to the scheduler.
func (s *Sweeper) Register(sched *scheduler.Scheduler) {
	sched.Register(TaskAutoSelectWorker, s.AutoSelectWorkers)
	sched.Register(TaskExpireJobs, s.ExpireJobs)
	sched.Register(TaskSuspendFlexibleJobs, s.SuspendFlexibleJobs)
	sched.Register(TaskStartContracts, s.StartContracts)
	sched.Register(TaskConfirmationReminders, s.SendReminders)
	sched.Register(TaskAutoConfirm, s.AutoConfirm)
	if s.quota != nil {
		sched.Register(TaskResetCounters, s.ResetCounters)
	}
}

// AutoSelectWorkers picks the earliest proposal for open jobs nearing their
// start and creates the contract on the client's behalf.
func (s *Sweeper) AutoSelectWorkers(ctx context.Context) (scheduler.Report, error) {
	due, err := s.jobs.ListAwaitingSelection(ctx, s.now().Add(s.cfg.AutoSelectLead), s.cfg.BatchSize)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("list jobs awaiting selection: %w", err)
	}
	return forEach(ctx, s, TaskAutoSelectWorker, due, func(j *jobs.Job) string { return j.ID }, s.autoSelect), nil
}

func (s *Sweeper) autoSelect(ctx context.Context, job *jobs.Job) (bool, error) {
	proposals, err := s.jobs.Proposals(ctx, job.ID)
	if err != nil {
		return false, err
	}
	pick := jobs.PickProposal(proposals)
	if pick == nil {
		return false, nil
	}
	if err := s.jobs.MarkWorkerSelected(ctx, job.ID, pick.ID, pick.DoerID); err != nil {
		if errors.Is(err, jobs.ErrJobNotOpen) {
			return false, nil
		}
		return false, err
	}

	res, err := s.contracts.Create(ctx, contracts.CreateRequest{
		JobID:      job.ID,
		ClientID:   job.ClientID,
		DoerID:     pick.DoerID,
		Price:      pick.Price,
		Commission: job.CommissionFor(pick.Price),
		StartDate:  job.StartDate,
		EndDate:    job.EndDate,
		Deliveries: deliveryNames(job),
	})
	if err != nil {
		if rerr := s.jobs.RevertSelection(context.WithoutCancel(ctx), job.ID, pick.ID); rerr != nil {
			s.logger.Error("failed to revert worker selection", "job_id", job.ID, "error", rerr)
		}
		return false, fmt.Errorf("create contract for job %s: %w", job.ID, err)
	}
	metrics.JobEventsTotal.WithLabelValues("worker_auto_selected").Inc()

	payload := map[string]any{
		"jobId":      job.ID,
		"proposalId": pick.ID,
		"doerId":     pick.DoerID,
		"contractId": res.Contract.ID,
	}
	s.dispatcher.Dispatch(ctx, []notify.Notification{
		jobNote(job.ID, job.ClientID, notify.EventWorkerAutoSelected, payload),
		jobNote(job.ID, pick.DoerID, notify.EventWorkerAutoSelected, payload),
	})
	return true, nil
}

// deliveryNames labels the milestones of an auto-created contract. A
// flexible job always gets at least one.
func deliveryNames(job *jobs.Job) []string {
	n := job.DeliveryCount
	if n == 0 && job.IsFlexible() {
		n = 1
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("Delivery %d", i+1)
	}
	return names
}

// ExpireJobs retires jobs whose start date passed. Pending contracts of the
// job are cancelled; a job with an accepted or running contract is marked
// contracted instead of expired.
func (s *Sweeper) ExpireJobs(ctx context.Context) (scheduler.Report, error) {
	due, err := s.jobs.ListExpired(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("list expired jobs: %w", err)
	}
	return forEach(ctx, s, TaskExpireJobs, due, func(j *jobs.Job) string { return j.ID }, s.expire), nil
}

func (s *Sweeper) expire(ctx context.Context, job *jobs.Job) (bool, error) {
	list, err := s.contracts.ListByJob(ctx, job.ID)
	if err != nil {
		return false, err
	}
	live := false
	for _, c := range list {
		switch c.Status {
		case contracts.StatusPending:
			if _, err := s.contracts.Expire(ctx, c.ID, ExpiryReason); err != nil {
				return false, fmt.Errorf("expire contract %s: %w", c.ID, err)
			}
		case contracts.StatusAccepted, contracts.StatusInProgress, contracts.StatusCompleted, contracts.StatusDisputed:
			live = true
		}
	}

	if live {
		if err := s.jobs.MarkContracted(ctx, job.ID); err != nil {
			if errors.Is(err, jobs.ErrJobNotOpen) {
				return false, nil
			}
			return false, err
		}
		metrics.JobEventsTotal.WithLabelValues("contracted").Inc()
		return true, nil
	}
	if err := s.jobs.MarkExpired(ctx, job.ID); err != nil {
		if errors.Is(err, jobs.ErrJobNotOpen) {
			return false, nil
		}
		return false, err
	}
	metrics.JobEventsTotal.WithLabelValues("expired").Inc()
	s.dispatcher.Dispatch(ctx, []notify.Notification{
		jobNote(job.ID, job.ClientID, notify.EventJobExpired, map[string]any{"jobId": job.ID}),
	})
	return true, nil
}

// SuspendFlexibleJobs suspends open flexible-end jobs close to their start
// that have nobody left to select.
func (s *Sweeper) SuspendFlexibleJobs(ctx context.Context) (scheduler.Report, error) {
	due, err := s.jobs.ListFlexibleNearStart(ctx, s.now().Add(s.cfg.FlexibleSuspendLead), s.cfg.BatchSize)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("list flexible jobs: %w", err)
	}
	return forEach(ctx, s, TaskSuspendFlexibleJobs, due, func(j *jobs.Job) string { return j.ID },
		func(ctx context.Context, job *jobs.Job) (bool, error) {
			if err := s.jobs.MarkSuspended(ctx, job.ID); err != nil {
				if errors.Is(err, jobs.ErrJobNotOpen) {
					return false, nil
				}
				return false, err
			}
			metrics.JobEventsTotal.WithLabelValues("suspended").Inc()
			s.dispatcher.Dispatch(ctx, []notify.Notification{
				jobNote(job.ID, job.ClientID, notify.EventJobSuspended, map[string]any{"jobId": job.ID}),
			})
			return true, nil
		}), nil
}

// StartContracts moves accepted contracts whose start date arrived to
// in_progress.
func (s *Sweeper) StartContracts(ctx context.Context) (scheduler.Report, error) {
	due, err := s.contracts.ListStartDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("list contracts due to start: %w", err)
	}
	return s.eachContract(ctx, TaskStartContracts, due, s.contracts.Start), nil
}

// SendReminders sends due confirmation reminders, rate limited.
func (s *Sweeper) SendReminders(ctx context.Context) (scheduler.Report, error) {
	return s.eachContractPage(ctx, TaskConfirmationReminders, s.contracts.ListReminderDue,
		func(ctx context.Context, id string) (*contracts.Result, error) {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return s.contracts.Remind(ctx, id)
		})
}

// AutoConfirm completes contracts whose confirmation grace window ran out.
func (s *Sweeper) AutoConfirm(ctx context.Context) (scheduler.Report, error) {
	return s.eachContractPage(ctx, TaskAutoConfirm, s.contracts.ListAutoConfirmDue, s.contracts.AutoConfirm)
}

// ResetCounters clears the usage counters of the previous period.
func (s *Sweeper) ResetCounters(ctx context.Context) (scheduler.Report, error) {
	n, err := s.quota.ResetPeriod(ctx)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("reset usage counters: %w", err)
	}
	return scheduler.Report{Processed: int(n)}, nil
}

// eachContractPage walks every due contract in ID order, one batch at a
// time, so rows that stay due cannot hide the ones after them.
func (s *Sweeper) eachContractPage(
	ctx context.Context,
	task string,
	list func(ctx context.Context, afterID string, limit int) ([]*contracts.Contract, error),
	op func(context.Context, string) (*contracts.Result, error),
) (scheduler.Report, error) {
	var total scheduler.Report
	after := ""
	for ctx.Err() == nil {
		page, err := list(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list contracts for %s: %w", task, err)
		}
		if len(page) == 0 {
			break
		}
		rep := s.eachContract(ctx, task, page, op)
		total.Processed += rep.Processed
		total.Failed += rep.Failed
		after = page[len(page)-1].ID
	}
	return total, nil
}

func (s *Sweeper) eachContract(ctx context.Context, task string, list []*contracts.Contract, op func(context.Context, string) (*contracts.Result, error)) scheduler.Report {
	return forEach(ctx, s, task, list, func(c *contracts.Contract) string { return c.ID },
		func(ctx context.Context, c *contracts.Contract) (bool, error) {
			res, err := op(ctx, c.ID)
			if err != nil {
				return false, err
			}
			return res != nil && len(res.Notifications) > 0, nil
		})
}

// forEach runs fn over items with bounded concurrency. Rows that act count as
// processed; rows that fail are logged and counted. A panic in a row is
// carried back to the calling goroutine so the scheduler reports it.
func forEach[T any](ctx context.Context, s *Sweeper, task string, items []T, id func(T) string, fn func(context.Context, T) (bool, error)) scheduler.Report {
	var (
		processed, failed atomic.Int64
		panicOnce         sync.Once
		panicked          any
		g                 errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicked = r })
				}
			}()
			rowCtx, cancel := context.WithTimeout(ctx, s.cfg.RowTimeout)
			defer cancel()
			rowCtx = logging.With(logging.WithLogger(rowCtx, s.logger), "task", task, "id", id(item))
			rowCtx, span := traces.StartSpan(rowCtx, "sweep."+task, traces.Task(task), traces.Row(id(item)))

			acted, err := fn(rowCtx, item)
			traces.End(span, err)
			if err != nil {
				failed.Add(1)
				logging.L(rowCtx).Warn("sweep row failed", "error", err)
				return nil
			}
			if acted {
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if panicked != nil {
		panic(panicked)
	}
	return scheduler.Report{Processed: int(processed.Load()), Failed: int(failed.Load())}
}

func jobNote(jobID, userID string, event notify.EventType, payload map[string]any) notify.Notification {
	return notify.Notification{
		UserID:  userID,
		Event:   event,
		Payload: payload,
		Key:     fmt.Sprintf("%s:%s:%s", jobID, event, userID),
	}
}
