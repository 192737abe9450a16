// Package retention removes finished jobs after the retention window and
// sweeps working directories nothing owns any more.
package retention

import (
	"os"
	"sync"
	"time"

	"audio2mp4/internal/jobs"
	"audio2mp4/internal/pkg/logger"
)

// Teardowner ends every subscription of a job.
type Teardowner interface {
	Teardown(jobID string)
}

type Deps struct {
	Registry *jobs.Registry
	Bus      Teardowner
	// Delay is the retention window, measured from Schedule.
	Delay time.Duration
	Log   *logger.Logger
}

// Scheduler owns one timer per finished job. Stop cancels every pending
// timer, so nothing fires after shutdown.
type Scheduler struct {
	registry *jobs.Registry
	bus      Teardowner
	delay    time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	timers  map[string]*pending
	stopped bool
}

type pending struct {
	timer *time.Timer
}

func New(d Deps) *Scheduler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Scheduler{
		registry: d.Registry,
		bus:      d.Bus,
		delay:    d.Delay,
		log:      log.WithComponent("retention"),
		timers:   make(map[string]*pending),
	}
}

// Schedule arms the cleanup of jobID after the retention window. Scheduling
// a job again restarts its window.
func (s *Scheduler) Schedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.log.Debug("cleanup not scheduled after stop", "job_id", jobID)
		return
	}
	if p, ok := s.timers[jobID]; ok {
		p.timer.Stop()
	}
	p := &pending{}
	s.timers[jobID] = p
	p.timer = time.AfterFunc(s.delay, func() { s.fire(jobID, p) })
	s.log.Debug("cleanup scheduled", "job_id", jobID, "delay", s.delay.String())
}

func (s *Scheduler) fire(jobID string, p *pending) {
	s.mu.Lock()
	current := s.timers[jobID] == p
	if current {
		delete(s.timers, jobID)
	}
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || !current {
		return
	}
	s.Cleanup(jobID)
}

// Cleanup removes the job's working directory, tears down its event topic
// and evicts the record, in that order. A directory that is already gone is
// fine; any other filesystem error is logged and eviction still happens.
// Calling Cleanup again for the same job is harmless.
func (s *Scheduler) Cleanup(jobID string) {
	log := s.log.WithJobID(jobID)

	if job, err := s.registry.Get(jobID); err == nil && job.WorkDir != "" {
		if err := os.RemoveAll(job.WorkDir); err != nil && !os.IsNotExist(err) {
			log.Error("failed to remove work dir", "dir", job.WorkDir, "error", err)
		} else {
			log.Info("work dir removed", "dir", job.WorkDir)
		}
	}

	if s.bus != nil {
		s.bus.Teardown(jobID)
	}
	s.registry.Delete(jobID)
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending cleanup and rejects new ones. It returns the
// number of timers it canceled.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	n := 0
	for id, p := range s.timers {
		if p.timer.Stop() {
			n++
		}
		delete(s.timers, id)
	}
	if n > 0 {
		s.log.Info("pending cleanups canceled", "count", n)
	}
	return n
}
