package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xolo/internal/config"
	"xolo/internal/logger"
	"xolo/internal/models"

	"github.com/gorhill/cronexpr"
	"golang.org/x/sync/errgroup"
)

const (
	TaskExpiration = "expiration"
	TaskCleanup    = "cleanup"
	TaskRotateLogs = "rotate_logs"
	TaskStaleLocks = "stale_locks"

	stagingMaxAge = 24 * time.Hour
)

// TaskFunc runs one maintenance task and returns a one-line summary.
type TaskFunc func(ctx context.Context, now time.Time) (string, error)

type maintTask struct {
	name     string
	schedule string
	expr     *cronexpr.Expression
	fn       TaskFunc

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr string
	nextRun time.Time
}

/**
 * Runs maintenance tasks on cron schedules
 * @description
 * - Each scheduled task has its own loop, a run is skipped while the previous one is still going
 * - Tasks with an empty schedule can only be run on demand
 * - Failures are logged, counted and sent to the alerter
 */
type Scheduler struct {
	alerts Alerter
	now    func() time.Time

	mu    sync.Mutex
	tasks []*maintTask
}

func NewScheduler(alerts Alerter) *Scheduler {
	if alerts == nil {
		alerts = nopAlerter{}
	}
	return &Scheduler{alerts: alerts, now: time.Now}
}

/**
 * Register a task
 * @param {string} name - Task name, used by RunNow and in the state report
 * @param {string} schedule - Five-field cron expression, empty for on-demand only
 * @throws
 * - ErrValidation for an unparsable schedule or a duplicate name
 */
func (s *Scheduler) Add(name, schedule string, fn TaskFunc) error {
	t := &maintTask{name: name, schedule: schedule, fn: fn}
	if schedule != "" {
		expr, err := cronexpr.Parse(schedule)
		if err != nil {
			return ErrValidation.New("schedule of %s: %v", name, err)
		}
		t.expr = expr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.tasks {
		if other.name == name {
			return ErrValidation.New("task %s registered twice", name)
		}
	}
	s.tasks = append(s.tasks, t)
	return nil
}

func (s *Scheduler) task(name string) *maintTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t
		}
	}
	return nil
}

/**
 * Run the scheduling loops until ctx is cancelled
 * @returns {error} Always nil after a clean stop
 */
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]*maintTask(nil), s.tasks...)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		if t.expr == nil {
			logger.Infof("Maintenance task %s has no schedule", t.name)
			continue
		}
		t := t
		g.Go(func() error {
			return s.loop(ctx, t)
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t *maintTask) error {
	for {
		next := t.expr.Next(s.now())
		if next.IsZero() {
			logger.Warnf("Schedule '%s' of %s has no next run", t.schedule, t.name)
			return nil
		}
		t.mu.Lock()
		t.nextRun = next
		t.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.execute(ctx, t); err != nil && ErrConflict.Has(err) {
			logger.Warnf("Maintenance task %s still running, skipped", t.name)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *maintTask) (string, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return "", ErrConflict.New("maintenance task %s is already running", t.name)
	}
	t.running = true
	t.mu.Unlock()

	now := s.now()
	logger.Infof("Maintenance task %s started", t.name)
	summary, err := t.fn(ctx, now)

	t.mu.Lock()
	t.running = false
	t.lastRun = now
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()

	recordMaintenance(t.name, err)
	if err != nil {
		logger.Errorf("Maintenance task %s failed: %v", t.name, err)
		s.alerts.Alert(fmt.Sprintf("xolo maintenance task %s failed", t.name), err.Error())
		return summary, err
	}
	logger.Infof("Maintenance task %s finished: %s", t.name, summary)
	return summary, nil
}

/**
 * Run a task immediately
 * @throws
 * - ErrNotFound for an unknown task
 * - ErrConflict while the task is running
 */
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	t := s.task(name)
	if t == nil {
		return "", ErrNotFound.New("no maintenance task '%s'", name)
	}
	return s.execute(ctx, t)
}

// State reports every task in registration order.
func (s *Scheduler) State() []models.TaskState {
	s.mu.Lock()
	tasks := append([]*maintTask(nil), s.tasks...)
	s.mu.Unlock()

	states := make([]models.TaskState, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		states = append(states, models.TaskState{
			Name:     t.name,
			Schedule: t.schedule,
			Running:  t.running,
			LastRun:  t.lastRun,
			LastErr:  t.lastErr,
			NextRun:  t.nextRun,
		})
		t.mu.Unlock()
	}
	return states
}

/**
 * The maintenance tasks of the server
 */
type Maintenance struct {
	Titles       *TitleEngine
	Streams      *StreamManager
	Packages     *PackageHandler
	Logs         *LogService
	Locks        *LockManager
	StaleLockAge time.Duration
}

// Register adds the four tasks to a scheduler with the configured schedules.
func (m *Maintenance) Register(s *Scheduler, cfg config.MaintenanceConfig) error {
	tasks := []struct {
		name     string
		schedule string
		fn       TaskFunc
	}{
		{TaskExpiration, cfg.Expiration, m.expire},
		{TaskCleanup, cfg.Cleanup, m.cleanup},
		{TaskRotateLogs, cfg.RotateLogs, m.rotateLogs},
		{TaskStaleLocks, cfg.StaleLocks, m.staleLocks},
	}
	for _, t := range tasks {
		if err := s.Add(t.name, t.schedule, t.fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintenance) expire(ctx context.Context, now time.Time) (string, error) {
	n, err := m.Titles.ExpireSweep(ctx, now)
	return fmt.Sprintf("%d computer(s) expired", n), err
}

/**
 * Remove expired progress streams, abandoned staging directories and old log backups
 */
func (m *Maintenance) Cleanup(now time.Time) (models.CleanupResult, error) {
	var result models.CleanupResult
	var err error
	if result.StreamsRemoved, err = m.Streams.Cleanup(now); err != nil {
		return result, err
	}
	if result.StagingRemoved, err = m.Packages.Cleanup(now, stagingMaxAge); err != nil {
		return result, err
	}
	if result.LogsRemoved, err = m.Logs.Prune(); err != nil {
		return result, err
	}
	return result, nil
}

func (m *Maintenance) cleanup(_ context.Context, now time.Time) (string, error) {
	r, err := m.Cleanup(now)
	return fmt.Sprintf("%d stream(s), %d staging dir(s), %d log(s) removed",
		r.StreamsRemoved, r.StagingRemoved, r.LogsRemoved), err
}

func (m *Maintenance) rotateLogs(context.Context, time.Time) (string, error) {
	backup, removed, err := m.Logs.Rotate()
	return fmt.Sprintf("rotated to %s, %d old backup(s) removed", backup, removed), err
}

// staleLocks 清理空闲的锁条目；超时仍持有的锁只报告，不强制释放
func (m *Maintenance) staleLocks(context.Context, time.Time) (string, error) {
	pruned := m.Locks.Prune()
	stale := 0
	for _, l := range m.Locks.Held(m.StaleLockAge) {
		if !l.Stale {
			continue
		}
		stale++
		logger.Warnf("Lock %s (%s) held by '%s' for %s since %s",
			l.Key, l.Mode, l.Admin, l.Operation, l.Since.Format(time.RFC3339))
	}
	return fmt.Sprintf("%d idle lock entries pruned, %d stale lock(s)", pruned, stale), nil
}
