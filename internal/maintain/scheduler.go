// Package maintain runs periodic housekeeping jobs (retention pruning,
// read-cache eviction) on cron schedules, off the main cycle loop. Jobs
// must not touch ledger documents directly; anything that writes goes
// through the cycle loop instead.
package maintain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named maintenance task with a cron schedule.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context)

	next time.Time
}

// Scheduler ticks once a minute and fires any job whose schedule is due.
type Scheduler struct {
	jobs     []*Job
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's cron expression and builds a
// scheduler. Invalid expressions fail construction.
func NewScheduler(jobs []Job, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	owned := make([]*Job, 0, len(jobs))
	for i := range jobs {
		j := jobs[i]
		next, err := NextRunTime(j.Expr, now)
		if err != nil {
			return nil, err
		}
		j.next = next
		owned = append(owned, &j)
	}
	return &Scheduler{jobs: owned, logger: logger, interval: time.Minute}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every due job and advances its next-run time.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.next) {
			continue
		}
		next, err := NextRunTime(j.Expr, now)
		if err != nil {
			s.logger.Error("maintenance: next run computation failed", "job", j.Name, "error", err)
			continue
		}
		j.next = next
		s.logger.Info("maintenance job fired", "job", j.Name, "next_run_at", next)
		j.Run(ctx)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
