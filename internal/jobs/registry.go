package jobs

import (
	"errors"
	"sync"
	"time"

	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/pkg/logger"
)

var (
	// ErrNotFound is returned for unknown or already evicted job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a job ID is inserted twice.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrBusy is returned when the gate is held by another job.
	ErrBusy = errors.New("another job is processing")
	// ErrInvalidTransition is returned for a non-monotonic status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// BusyMessage is the client-facing text of a gate rejection.
const BusyMessage = "Server is busy processing another job. Please try again later."

// Registry maps job IDs to records and owns the active-job gate.
// All methods are safe for concurrent use.
type Registry struct {
	log *logger.Logger

	mu     sync.RWMutex
	jobs   map[string]*Job
	active string
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Registry{
		log:  log.WithComponent("registry"),
		jobs: make(map[string]*Job),
	}
}

// Put inserts a new job record.
func (r *Registry) Put(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return apperrors.WrapWithCode(ErrDuplicateJob, apperrors.CodeAlreadyExists, "jobs.put", "job already exists: "+job.ID)
	}
	r.jobs[job.ID] = job.clone()
	return nil
}

// Get returns a snapshot of the job record.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, notFound("jobs.get", id)
	}
	return job.clone(), nil
}

// UpdateStatus moves a job to status. Reaching a terminal status stamps
// CompletedAt; a non-empty errText is recorded. An unknown ID is logged and
// ignored since the retention scheduler may already have evicted it.
func (r *Registry) UpdateStatus(id string, status Status, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		r.log.Warn("status update for unknown job ignored", "job_id", id, "status", string(status))
		return nil
	}
	if !canTransition(job.Status, status) {
		r.log.Warn("rejected status transition",
			"job_id", id,
			"from", string(job.Status),
			"to", string(status),
		)
		return apperrors.WrapWithCode(ErrInvalidTransition, apperrors.CodeConflict, "jobs.update_status",
			string(job.Status)+" -> "+string(status))
	}

	job.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	if errText != "" {
		job.Error = errText
	}
	return nil
}

// TryAcquireGate claims the gate for id without waiting. Exactly one of any
// number of racing callers wins; the others get ErrBusy.
func (r *Registry) TryAcquireGate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != "" {
		return BusyError("jobs.acquire_gate")
	}
	r.active = id
	return nil
}

// ReleaseGate clears the gate only when id holds it.
func (r *Registry) ReleaseGate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == id {
		r.active = ""
		return
	}
	if r.active != "" {
		r.log.Debug("stale gate release ignored", "job_id", id, "holder", r.active)
	}
}

// ActiveJob returns the gate holder, if any.
func (r *Registry) ActiveJob() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.active != ""
}

// Busy reports whether the gate is held.
func (r *Registry) Busy() bool {
	_, held := r.ActiveJob()
	return held
}

// Delete removes the record, releasing the gate first if id holds it.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == id {
		r.active = ""
	}
	delete(r.jobs, id)
}

// WorkDirs returns the working directories of every registered job.
func (r *Registry) WorkDirs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]struct{}, len(r.jobs))
	for _, job := range r.jobs {
		if job.WorkDir != "" {
			out[job.WorkDir] = struct{}{}
		}
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// BusyError is the coded form of ErrBusy, for callers that reject work
// before touching the gate.
func BusyError(op string) error {
	return apperrors.WrapWithCode(ErrBusy, apperrors.CodeBusy, op, BusyMessage)
}

func notFound(op, id string) error {
	return apperrors.WrapWithCode(ErrNotFound, apperrors.CodeNotFound, op, "job not found: "+id).
		WithField("job_id", id)
}
