// Package events defines render job notifications and the per-job bus that
// broadcasts them to live subscribers.
package events

import "encoding/json"

// Kind names an event type. The values double as SSE event names.
type Kind string

const (
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
	KindDone     Kind = "done"
	KindError    Kind = "error"
)

// Progress steps.
const (
	StepSegment = "segment"
	StepConcat  = "concat"
)

// Progress reports a render milestone. Index and Total are set only for
// segment steps.
type Progress struct {
	Step  string `json:"step"`
	Index *int   `json:"index,omitempty"`
	Total *int   `json:"total,omitempty"`
}

// Done points at the finished artifact.
type Done struct {
	DownloadURL string `json:"downloadUrl"`
}

// Event is one notification for a job. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind     Kind      `json:"type"`
	Message  string    `json:"message,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Done     *Done     `json:"done,omitempty"`
}

func Log(line string) Event {
	return Event{Kind: KindLog, Message: line}
}

func Error(message string) Event {
	return Event{Kind: KindError, Message: message}
}

// SegmentProgress reports the start of segment index (zero-based) of total.
func SegmentProgress(index, total int) Event {
	return Event{Kind: KindProgress, Progress: &Progress{Step: StepSegment, Index: &index, Total: &total}}
}

func ConcatProgress() Event {
	return Event{Kind: KindProgress, Progress: &Progress{Step: StepConcat}}
}

func Completed(downloadURL string) Event {
	return Event{Kind: KindDone, Done: &Done{DownloadURL: downloadURL}}
}

// Data renders the wire payload: plain text for log and error events, JSON
// for progress and done.
func (e Event) Data() (string, error) {
	switch e.Kind {
	case KindProgress:
		b, err := json.Marshal(e.Progress)
		return string(b), err
	case KindDone:
		b, err := json.Marshal(e.Done)
		return string(b), err
	default:
		return e.Message, nil
	}
}
