package ports

import (
	"context"

	"audio2mp4/internal/jobs"
)

// JobHistory records job status changes outside the process. It is write
// only; nothing is read back on restart.
type JobHistory interface {
	RecordStatus(ctx context.Context, job *jobs.Job) error
}
