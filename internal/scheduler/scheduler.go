// Package scheduler polls registered jobs on a fixed interval. Each job runs
// at most once at a time and all jobs share a bounded pool of worker slots.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
)

const (
	DefaultPollInterval      = time.Minute
	DefaultMaxConcurrentJobs = 2
)

// JobFunc reports whether the job did any work and a short message.
type JobFunc func(ctx context.Context) (ran bool, message string, err error)

type Job struct {
	Name string
	Run  JobFunc
}

type JobStatus struct {
	Name           string     `json:"name"`
	Running        bool       `json:"running"`
	Runs           int        `json:"runs"`
	LastStartedAt  *time.Time `json:"lastStartedAt,omitempty"`
	LastFinishedAt *time.Time `json:"lastFinishedAt,omitempty"`
	LastRanAt      *time.Time `json:"lastRanAt,omitempty"`
	LastMessage    string     `json:"lastMessage,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

type Options struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	Clock             clock.Clock
	Logger            *slog.Logger
}

type Scheduler struct {
	mu          sync.RWMutex
	jobs        []Job
	status      map[string]*JobStatus
	workerSlots chan struct{}
	inflight    sync.WaitGroup
	opts        Options
}

func New(opts Options, jobs ...Job) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	status := make(map[string]*JobStatus, len(jobs))
	for _, job := range jobs {
		status[job.Name] = &JobStatus{Name: job.Name}
	}
	return &Scheduler{
		jobs:        jobs,
		status:      status,
		workerSlots: make(chan struct{}, opts.MaxConcurrentJobs),
		opts:        opts,
	}
}

// Start polls until ctx is done, then waits for in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.opts.Clock.Ticker(s.opts.PollInterval)
	defer ticker.Stop()
	s.opts.Logger.Info("scheduler started", "interval", s.opts.PollInterval, "jobs", len(s.jobs))

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			s.opts.Logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every job that is not already running. It does not wait
// for them to finish.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, job := range s.jobs {
		if !s.claim(job.Name) {
			s.opts.Logger.Debug("job still running, skipping tick", "job", job.Name)
			continue
		}
		s.inflight.Add(1)
		go s.runJob(ctx, job)
	}
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	if st.Running {
		return false
	}
	st.Running = true
	return true
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.inflight.Done()

	select {
	case s.workerSlots <- struct{}{}:
	case <-ctx.Done():
		s.update(job.Name, func(st *JobStatus) { st.Running = false })
		return
	}
	defer func() { <-s.workerSlots }()

	start := s.opts.Clock.Now().UTC()
	s.update(job.Name, func(st *JobStatus) {
		st.LastStartedAt = &start
	})

	ran, msg, err := s.invoke(ctx, job)

	finish := s.opts.Clock.Now().UTC()
	s.update(job.Name, func(st *JobStatus) {
		st.Running = false
		st.LastFinishedAt = &finish
		st.LastMessage = msg
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
		if ran {
			st.Runs++
			st.LastRanAt = &finish
		}
	})

	log := s.opts.Logger.With("job", job.Name, "duration", finish.Sub(start))
	switch {
	case err != nil:
		log.Error("job failed", "error", err)
	case ran:
		log.Info("job ran", "message", msg)
	default:
		log.Debug("job not due", "message", msg)
	}
}

func (s *Scheduler) invoke(ctx context.Context, job Job) (ran bool, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ran, msg, err = false, "", fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) update(name string, mutate func(st *JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.status[name])
}

// Status returns a copy of every job's status ordered by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, cloneStatus(*st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func cloneStatus(st JobStatus) JobStatus {
	clone := st
	if st.LastStartedAt != nil {
		t := *st.LastStartedAt
		clone.LastStartedAt = &t
	}
	if st.LastFinishedAt != nil {
		t := *st.LastFinishedAt
		clone.LastFinishedAt = &t
	}
	if st.LastRanAt != nil {
		t := *st.LastRanAt
		clone.LastRanAt = &t
	}
	return clone
}
