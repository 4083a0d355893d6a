package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is a single task pushed to a pool queue. It references the
// session whose AuthContext the worker must use instead of carrying the
// credential itself.
type Envelope struct {
	// JobID correlates every envelope submitted by one executor.
	JobID string `json:"job_id"`

	// SessionID names the stored AuthContext (see StoreSession).
	SessionID string `json:"session_id"`

	// TaskID identifies the task within the job.
	TaskID string `json:"task_id"`

	// Index is the item's position in its source.
	Index int64 `json:"index"`

	// Handler is the registered handler name.
	Handler string `json:"handler"`

	// Input is the JSON-encoded task input.
	Input json.RawMessage `json:"input"`

	// TraceID and SpanID propagate the submitter's span.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// SubmittedAt is the Unix timestamp in milliseconds when the task was
	// pushed.
	SubmittedAt int64 `json:"submitted_at"`
}

// Result is the outcome of one Envelope, published on the job's channel.
type Result struct {
	JobID  string          `json:"job_id"`
	TaskID string          `json:"task_id"`
	Index  int64           `json:"index"`
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the failure message. Empty on success.
	Error string `json:"error,omitempty"`

	// ErrorKind is the fetcherr kind of the failure, if any.
	ErrorKind string `json:"error_kind,omitempty"`

	WorkerID    string `json:"worker_id"`
	StartedAt   int64  `json:"started_at"`
	CompletedAt int64  `json:"completed_at"`
}

// WorkerMeta describes a live remote worker process.
type WorkerMeta struct {
	ID          string   `json:"id"`
	Pool        string   `json:"pool"`
	Hostname    string   `json:"hostname"`
	Handlers    []string `json:"handlers"`
	Concurrency int      `json:"concurrency"`
	StartedAt   int64    `json:"started_at"`
}

// Validate checks that the envelope can be executed.
func (e *Envelope) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.Index < 0 {
		return fmt.Errorf("index must be non-negative, got %d", e.Index)
	}
	if e.Handler == "" {
		return fmt.Errorf("handler is required")
	}
	if e.SubmittedAt <= 0 {
		return fmt.Errorf("submitted_at must be positive, got %d", e.SubmittedAt)
	}
	return nil
}

// Age returns how long ago the envelope was submitted.
func (e *Envelope) Age() time.Duration {
	if e.SubmittedAt <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixMilli()-e.SubmittedAt) * time.Millisecond
}

// HasError reports whether the result is a failure.
func (r *Result) HasError() bool {
	return r.Error != ""
}

// Duration returns the time the worker spent on the task.
func (r *Result) Duration() time.Duration {
	if r.StartedAt <= 0 || r.CompletedAt <= 0 {
		return 0
	}
	return time.Duration(r.CompletedAt-r.StartedAt) * time.Millisecond
}

// QueueKey returns the list key of pool.
func QueueKey(pool string) string {
	return formatKeyName("granule", "pool", pool, "queue")
}

// ResultChannel returns the pub/sub channel of job.
func ResultChannel(jobID string) string {
	return formatKeyName("granule", "results", jobID)
}

func sessionKey(sessionID string) string {
	return formatKeyName("granule", "session", sessionID)
}

func cancelKey(jobID string) string {
	return formatKeyName("granule", "job", jobID, "cancelled")
}

func workersKey(pool string) string {
	return formatKeyName("granule", "pool", pool, "workers")
}

func workerSetKey(pool string) string {
	return formatKeyName("granule", "pool", pool, "members")
}

func workerMetaKey(workerID string) string {
	return formatKeyName("granule", "worker", workerID, "meta")
}

func healthKey(workerID string) string {
	return formatKeyName("granule", "worker", workerID, "health")
}
