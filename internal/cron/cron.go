// Package cron runs supervisor housekeeping on cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five-field expressions, an optional leading seconds
// field and descriptors such as "@every 1h" or "@daily".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is one scheduled task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
	// AllowOverlap lets a tick fire while the previous run is still going.
	// By default such ticks are skipped.
	AllowOverlap bool

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Runs reports how many times the job body has been entered.
func (j *Job) Runs() int64 { return j.runs.Load() }

// Skipped reports how many ticks were dropped because a run was in flight.
func (j *Job) Skipped() int64 { return j.skipped.Load() }

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return fmt.Errorf("cron job %s requires a schedule", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no function", j.Name)
	}
	return ValidateSchedule(j.Schedule)
}

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler owns a robfig cron instance and the jobs registered on it.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	started bool
	log     *slog.Logger
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:       cron.New(cron.WithParser(parser)),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		log:     log.With("component", "cron"),
	}
}

// Add registers job. Names are unique within a scheduler.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("cron job %s already registered", job.Name)
	}
	id, err := s.c.AddFunc(job.Schedule, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("failed to schedule cron job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	s.log.Info("cron job scheduled", "name", job.Name, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) fire(j *Job) {
	if !j.AllowOverlap && !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("cron job still running, tick skipped", "name", j.Name)
		return
	}
	if j.AllowOverlap {
		j.running.Store(true)
	}
	defer j.running.Store(false)
	j.runs.Add(1)

	start := time.Now()
	err := safeRun(s.ctx, j.Run)
	if err != nil {
		s.log.Error("cron job failed", "name", j.Name, "error", err, "took", time.Since(start))
		return
	}
	s.log.Debug("cron job finished", "name", j.Name, "took", time.Since(start))
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Next returns the next activation time of the named job, or zero.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(id).Next
}

// RunNow runs the named job immediately, honoring its overlap rule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %s not found", name)
	}
	s.fire(j)
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
}
