// Package jobs holds render job records and the single-slot gate that lets
// at most one job process at a time.
package jobs

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a render job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// canTransition enforces pending -> processing -> {done | error}.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusDone || to == StatusError
	default:
		return false
	}
}

// Track describes one image/audio pair. Title is optional.
type Track struct {
	Title string `json:"title,omitempty"`
}

// Label returns the title, or "Track N" using a one-based position.
func (t Track) Label(index int) string {
	if t.Title != "" {
		return t.Title
	}
	return "Track " + strconv.Itoa(index+1)
}

// Meta is the render request: ordered tracks and the target frame.
type Meta struct {
	Tracks []Track `json:"tracks"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    int     `json:"fps"`
}

// Job is one render request and its lifecycle state.
type Job struct {
	ID          string     `json:"id"`
	Meta        Meta       `json:"meta"`
	WorkDir     string     `json:"-"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// New builds a pending job.
func New(id string, meta Meta, workDir string) *Job {
	return &Job{
		ID:        id,
		Meta:      meta,
		WorkDir:   workDir,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Meta.Tracks = append([]Track(nil), j.Meta.Tracks...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
