// Package scheduler drives retention jobs from their cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tritrack/compliance/internal/lock"
	"github.com/tritrack/compliance/internal/metrics"
	"github.com/tritrack/compliance/internal/models"
	"github.com/tritrack/compliance/internal/retention"
)

var (
	ErrJobNotFound       = errors.New("retention job not found")
	ErrJobAlreadyRunning = errors.New("retention job already running")
	ErrJobTimeout        = errors.New("retention job timed out")
	ErrInvalidSchedule   = errors.New("invalid job schedule")
	ErrInvalidJob        = errors.New("invalid retention job")
)

// Store defines the interface for job persistence. Every write bumps the
// job version; ClaimJob and UpdateJob return models.ErrConflict when the
// caller's version is stale.
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.RetentionJob, error)
	GetJobByName(ctx context.Context, name string) (*models.RetentionJob, error)
	ListJobs(ctx context.Context) ([]*models.RetentionJob, error)
	ListDueJobs(ctx context.Context, now, staleBefore time.Time) ([]*models.RetentionJob, error)
	CreateJob(ctx context.Context, job *models.RetentionJob) error
	UpdateJob(ctx context.Context, job *models.RetentionJob) error
	ClaimJob(ctx context.Context, req models.JobClaim) (*models.RetentionJob, error)
	CompleteJob(ctx context.Context, job *models.RetentionJob) error
	CreateExecution(ctx context.Context, exec *models.RetentionJobExecution) error
	UpdateExecution(ctx context.Context, exec *models.RetentionJobExecution) error
	ListExecutions(ctx context.Context, jobID uuid.UUID, limit int) ([]*models.RetentionJobExecution, error)
}

type Executor interface {
	Run(ctx context.Context, job *models.RetentionJob, exec *models.RetentionJobExecution) (retention.Result, error)
}

type AlertSink interface {
	Raise(ctx context.Context, alert models.ComplianceAlert) (*models.ComplianceAlert, error)
}

// TaskFunc is a periodic maintenance task.
type TaskFunc func(ctx context.Context) error

type Config struct {
	TickSchedule   string
	Concurrency    int
	MaxJobDuration time.Duration
	RetryBackoff   time.Duration
	InstanceID     string
	// Locker, when set, guards each job across processes.
	Locker lock.Locker
}

func (c *Config) applyDefaults() {
	if c.TickSchedule == "" {
		c.TickSchedule = "@every 1m"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = 2 * time.Hour
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 15 * time.Minute
	}
	if c.InstanceID == "" {
		host, _ := os.Hostname()
		c.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

// Scheduler manages retention jobs. A single cron entry selects due jobs and
// hands them to a bounded pool of workers; the tick never waits for a run.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	store  Store
	exec   Executor
	alerts AlertSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  map[string]cron.EntryID
	runCtx context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler
func NewScheduler(store Store, exec Executor, alerts AlertSink, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	runCtx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		parser: parser,
		store:  store,
		exec:   exec,
		alerts: alerts,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.Concurrency),
		tasks:  make(map[string]cron.EntryID),
		runCtx: runCtx,
		cancel: cancel,
	}
}

// Start schedules the dispatch tick and fills in NextRun for enabled jobs
// that have none.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	now := s.now().UTC()
	for _, job := range jobs {
		if !job.IsEnabled || job.NextRun != nil || job.Status == models.JobRunning {
			continue
		}
		next, err := s.next(job.Schedule, now)
		if err != nil {
			s.logger.Error("job has invalid schedule",
				"job_id", job.ID,
				"job_name", job.Name,
				"schedule", job.Schedule,
				"error", err)
			continue
		}
		job.NextRun = &next
		if err := s.store.UpdateJob(ctx, job); err != nil {
			s.logger.Warn("failed to initialize next run", "job_id", job.ID, "error", err)
		}
	}

	if err := s.RegisterTask("retention-dispatch", s.cfg.TickSchedule, func(context.Context) error {
		s.tick()
		return nil
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"jobs_count", len(jobs),
		"tick", s.cfg.TickSchedule,
		"concurrency", s.cfg.Concurrency,
		"instance", s.cfg.InstanceID)
	return nil
}

// Stop halts new ticks and waits for running jobs. When ctx expires first,
// running jobs are cancelled and Stop returns ctx's error.
func (s *Scheduler) Stop(ctx context.Context) error {
	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// RegisterTask runs fn on spec alongside the dispatch tick. Re-registering a
// name replaces the previous entry.
func (s *Scheduler) RegisterTask(name, spec string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled task panicked", "task", name, "panic", r)
			}
		}()
		if err := fn(s.runCtx); err != nil {
			s.logger.Error("scheduled task failed", "task", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, spec, err)
	}
	s.tasks[name] = id
	return nil
}

func (s *Scheduler) tick() {
	ctx := s.runCtx
	now := s.now().UTC()

	jobs, err := s.store.ListDueJobs(ctx, now, now.Add(-s.staleAfter()))
	if err != nil {
		metrics.SchedulerTicksFailed.Inc()
		s.logger.Error("failed to load due jobs", "error", err)
		s.raise(ctx, models.ComplianceAlert{
			AlertType: models.AlertSchedulerTick,
			Severity:  models.SeverityHigh,
			Title:     "Retention scheduler tick failed",
			Message:   err.Error(),
		})
		return
	}

	for _, job := range jobs {
		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Debug("worker pool saturated, deferring remaining jobs", "deferred", len(jobs))
			return
		}

		s.wg.Add(1)
		go func(job *models.RetentionJob) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("retention job panicked", "job_id", job.ID, "panic", r)
				}
			}()

			if _, err := s.execute(ctx, job); err != nil {
				switch {
				case errors.Is(err, ErrJobAlreadyRunning), errors.Is(err, retention.ErrNoEligibleData):
				default:
					s.logger.Error("retention job failed",
						"job_id", job.ID,
						"job_name", job.Name,
						"error", err)
				}
			}
		}(job)
	}
}

// RunNow executes the job synchronously. It returns ErrJobAlreadyRunning when
// another run holds the job and retention.ErrNoEligibleData when there was
// nothing to dispose of.
func (s *Scheduler) RunNow(ctx context.Context, id uuid.UUID) (retention.Result, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return retention.Result{}, err
	}
	if job.Status == models.JobRunning {
		return retention.Result{}, ErrJobAlreadyRunning
	}

	s.wg.Add(1)
	defer s.wg.Done()
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job *models.RetentionJob) (retention.Result, error) {
	if s.cfg.Locker != nil {
		lease, err := s.cfg.Locker.TryAcquire(ctx, "retention-job:"+job.ID.String(), s.cfg.MaxJobDuration+time.Minute)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				return retention.Result{}, ErrJobAlreadyRunning
			}
			return retention.Result{}, fmt.Errorf("locking job %s: %w", job.ID, err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release job lock", "job_id", job.ID, "error", err)
			}
		}()
	}

	start := s.now().UTC()
	claimed, err := s.store.ClaimJob(ctx, models.JobClaim{
		ID:          job.ID,
		Version:     job.Version,
		ClaimedBy:   s.cfg.InstanceID,
		Now:         start,
		StaleBefore: start.Add(-s.staleAfter()),
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return retention.Result{}, ErrJobAlreadyRunning
		}
		return retention.Result{}, fmt.Errorf("claiming job %s: %w", job.ID, err)
	}

	exec := &models.RetentionJobExecution{
		JobID:     claimed.ID,
		StartTime: start,
		Status:    models.JobRunning,
	}
	models.Stamp(&exec.Base, start)
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "job_id", claimed.ID, "error", err)
	}

	s.logger.Info("executing job",
		"job_id", claimed.ID,
		"job_name", claimed.Name,
		"data_type", claimed.DataType,
		"execution_id", exec.ID)

	timer := metrics.NewTimer()
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxJobDuration)
	res, runErr := s.exec.Run(runCtx, claimed, exec)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("%w after %s", ErrJobTimeout, s.cfg.MaxJobDuration)
	}
	cancel()
	timer.ObserveDuration(metrics.JobDuration)

	status := models.JobSucceeded
	lastErr := res.LastError()
	if res.Failed > 0 || (runErr != nil && !errors.Is(runErr, retention.ErrNoEligibleData)) {
		status = models.JobFailed
		if runErr != nil {
			lastErr = joinErrors(runErr.Error(), lastErr)
		}
	}

	end := s.now().UTC()
	persistCtx := context.WithoutCancel(ctx)

	exec.EndTime = &end
	exec.Status = status
	exec.ProcessedRecords = res.Processed
	exec.SucceededRecords = res.Succeeded
	exec.FailedRecords = res.Failed
	exec.SkippedRecords = res.Skipped
	exec.ErrorMessage = lastErr
	exec.UpdatedAt = end
	if err := s.store.UpdateExecution(persistCtx, exec); err != nil {
		s.logger.Error("failed to update execution record", "execution_id", exec.ID, "error", err)
	}

	claimed.Status = status
	claimed.LastRun = &start
	claimed.ProcessedRecords = res.Processed
	claimed.FailedRecords = res.Failed
	claimed.LastError = lastErr
	claimed.ClaimedBy = ""
	claimed.ClaimedAt = nil
	if next, err := s.nextRun(claimed.Schedule, end, status); err == nil {
		claimed.NextRun = &next
	} else {
		s.logger.Error("job has invalid schedule", "job_id", claimed.ID, "error", err)
		claimed.NextRun = nil
	}
	if err := s.store.CompleteJob(persistCtx, claimed); err != nil {
		s.logger.Error("failed to complete job", "job_id", claimed.ID, "error", err)
	}

	metrics.JobRunsTotal.WithLabelValues(string(status)).Inc()

	if status == models.JobFailed {
		s.logger.Error("job execution failed",
			"job_id", claimed.ID,
			"job_name", claimed.Name,
			"failed_records", res.Failed,
			"error", lastErr,
			"duration", end.Sub(start))
		s.raise(persistCtx, models.ComplianceAlert{
			AlertType:         models.AlertJobFailed,
			Severity:          models.SeverityHigh,
			Title:             fmt.Sprintf("Retention job %s failed", claimed.Name),
			Message:           lastErr,
			RelatedEntityType: "RetentionJob",
			RelatedEntityID:   claimed.ID.String(),
		})
	} else {
		s.logger.Info("job execution completed",
			"job_id", claimed.ID,
			"job_name", claimed.Name,
			"processed", res.Processed,
			"duration", end.Sub(start))
	}

	return res, runErr
}

// AddJob validates and stores a new job, computing its first run.
func (s *Scheduler) AddJob(ctx context.Context, job *models.RetentionJob) error {
	if job.Name == "" || job.DataType == "" {
		return fmt.Errorf("%w: name and data type are required", ErrInvalidJob)
	}
	now := s.now().UTC()
	next, err := s.next(job.Schedule, now)
	if err != nil {
		return err
	}

	models.Stamp(&job.Base, now)
	job.Status = models.JobPending
	if job.IsEnabled {
		job.NextRun = &next
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("creating job %s: %w", job.Name, err)
	}

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", job.NextRun)
	return nil
}

// EnsureJob creates job unless a job with the same name exists.
func (s *Scheduler) EnsureJob(ctx context.Context, job *models.RetentionJob) (bool, error) {
	_, err := s.store.GetJobByName(ctx, job.Name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return false, fmt.Errorf("looking up job %s: %w", job.Name, err)
	}
	if err := s.AddJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) GetJob(ctx context.Context, id uuid.UUID) (*models.RetentionJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	return job, nil
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]*models.RetentionJob, error) {
	return s.store.ListJobs(ctx)
}

func (s *Scheduler) Executions(ctx context.Context, id uuid.UUID, limit int) ([]*models.RetentionJobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListExecutions(ctx, id, limit)
}

// EnableJob enables a job
func (s *Scheduler) EnableJob(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(job *models.RetentionJob, now time.Time) error {
		next, err := s.next(job.Schedule, now)
		if err != nil {
			return err
		}
		job.IsEnabled = true
		job.NextRun = &next
		return nil
	})
}

// DisableJob disables a job
func (s *Scheduler) DisableJob(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(job *models.RetentionJob, _ time.Time) error {
		job.IsEnabled = false
		job.NextRun = nil
		return nil
	})
}

// Requeue makes the job due on the next tick.
func (s *Scheduler) Requeue(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(job *models.RetentionJob, now time.Time) error {
		job.Status = models.JobPending
		job.NextRun = &now
		return nil
	})
}

// mutate applies fn to a job that is not currently claimed. A running job
// is completed by version CAS, so changing it underneath would strand it in
// Running.
func (s *Scheduler) mutate(ctx context.Context, id uuid.UUID, fn func(*models.RetentionJob, time.Time) error) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobRunning {
		return fmt.Errorf("%w: job %s", ErrJobAlreadyRunning, id)
	}
	now := s.now().UTC()
	if err := fn(job, now); err != nil {
		return err
	}
	job.UpdatedAt = now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return fmt.Errorf("%w: job %s changed concurrently", ErrJobAlreadyRunning, id)
		}
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	return nil
}

// NextRuns returns the next count fire times of the job's schedule.
func (s *Scheduler) NextRuns(job *models.RetentionJob, count int) []time.Time {
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return nil
	}
	runs := make([]time.Time, 0, count)
	next := s.now()
	for i := 0; i < count; i++ {
		next = sched.Next(next)
		runs = append(runs, next)
	}
	return runs
}

func (s *Scheduler) next(spec string, now time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return sched.Next(now), nil
}

// nextRun retries failed jobs after RetryBackoff unless the schedule fires
// sooner.
func (s *Scheduler) nextRun(spec string, now time.Time, status models.JobStatus) (time.Time, error) {
	next, err := s.next(spec, now)
	if err != nil {
		return time.Time{}, err
	}
	if status == models.JobFailed {
		if retry := now.Add(s.cfg.RetryBackoff); retry.Before(next) {
			return retry, nil
		}
	}
	return next, nil
}

func (s *Scheduler) staleAfter() time.Duration {
	return s.cfg.MaxJobDuration + 5*time.Minute
}

func (s *Scheduler) raise(ctx context.Context, alert models.ComplianceAlert) {
	if s.alerts == nil {
		return
	}
	if _, err := s.alerts.Raise(ctx, alert); err != nil {
		s.logger.Error("failed to raise alert", "alert_type", alert.AlertType, "error", err)
	}
}

func joinErrors(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
