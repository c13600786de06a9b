// Package housekeeping runs periodic maintenance such as pruning expired
// key-value rows.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard 5-field expressions, an optional seconds
// field, and descriptors such as "@every 10m".
var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// Job is one maintenance task. Run returns the number of rows or entries
// it removed.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (int64, error)
}

// Scheduler runs jobs on a cron schedule. A run is skipped while the
// previous one is still in progress.
type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates a scheduler for jobs. It does not start until Start is called.
func New(expr string, logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(jobs) == 0 {
		return nil, errors.New("housekeeping: no jobs")
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		jobs:   jobs,
		logger: logger.With("component", "housekeeping"),
	}
	s.cron = cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.RunOnce(context.Background()) }))
	return s, nil
}

// Start begins scheduled runs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("housekeeping started", "jobs", len(s.jobs))
}

// Stop halts scheduling and waits for a running pass to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every job immediately. A failing job is logged and does not
// stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(s.jobs))
	for _, job := range s.jobs {
		jobCtx := ctx
		var cancel context.CancelFunc = func() {}
		if job.Timeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		}
		start := time.Now()
		n, err := job.Run(jobCtx)
		cancel()
		if err != nil {
			s.logger.Warn("housekeeping job failed", "job", job.Name, "error", err)
			continue
		}
		removed[job.Name] = n
		s.logger.Debug("housekeeping job finished", "job", job.Name, "removed", n, "duration_ms", time.Since(start).Milliseconds())
	}
	return removed
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
