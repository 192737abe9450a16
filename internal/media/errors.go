package media

import (
	"fmt"
	"path/filepath"
)

// LaunchError reports that the tool could not be started at all, e.g. the
// executable is missing or not runnable.
type LaunchError struct {
	Tool string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", filepath.Base(e.Tool), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit status.
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", filepath.Base(e.Tool), e.Code)
}

// SegmentError wraps any failure while rendering the segment for the
// zero-based track Index.
type SegmentError struct {
	Index int
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("track %d: %v", e.Index, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// ConcatError wraps any failure while joining segments.
type ConcatError struct {
	Err error
}

func (e *ConcatError) Error() string {
	return fmt.Sprintf("concatenation failed: %v", e.Err)
}

func (e *ConcatError) Unwrap() error { return e.Err }
