// Package scheduler runs maintenance jobs on cron schedules inside a worker
// process.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between two runs of the same job.
const DefaultCooldown = 60 * time.Second

// Job is a named piece of maintenance.
type Job struct {
	Name     string
	Cron     *CronExpr
	Cooldown time.Duration
	Run      func(ctx context.Context) error
}

// Config configures a Scheduler.
type Config struct {
	// Tick is how often schedules are checked (default one minute).
	Tick time.Duration
	Now  func() time.Time
}

type entry struct {
	job     Job
	lastRun time.Time
	runs    int
	running bool
}

// Scheduler triggers jobs whose schedule matches the current minute. A job
// never overlaps with itself.
type Scheduler struct {
	tick time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{tick: cfg.Tick, now: cfg.Now, entries: make(map[string]*entry)}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Cron == nil || job.Run == nil {
		return errors.New("scheduler: job needs a name, a schedule and a run func")
	}
	if job.Cooldown <= 0 {
		job.Cooldown = DefaultCooldown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return errors.New("scheduler: duplicate job " + job.Name)
	}
	s.entries[job.Name] = &entry{job: job}
	return nil
}

// Runs returns how many times the named job has been triggered.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.runs
	}
	return 0
}

// Run checks schedules every tick until ctx ends, then waits for running
// jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "jobs", len(s.entries))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Check(ctx, s.now())
		}
	}
}

// Check starts every job due at now.
func (s *Scheduler) Check(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.running || !e.job.Cron.Matches(now) {
			continue
		}
		if !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.job.Cooldown {
			continue
		}
		e.lastRun = now
		e.runs++
		e.running = true
		s.wg.Add(1)
		go s.trigger(ctx, e)
	}
}

func (s *Scheduler) trigger(ctx context.Context, e *entry) {
	defer s.wg.Done()
	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.running = false
	s.mu.Unlock()

	if err != nil {
		slog.Error("scheduled job failed", "job", e.job.Name, "error", err)
		return
	}
	slog.Info("scheduled job done", "job", e.job.Name, "duration", time.Since(start).Truncate(time.Millisecond))
}
