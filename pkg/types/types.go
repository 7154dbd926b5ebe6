// Package types defines the core domain model shared by the voicequeue packages.
package types

import (
	"errors"
	"time"
)

// JobID is the unique identifier of a command job.
type JobID string

// JobState is the lifecycle state of a command job.
type JobState string

const (
	StateQueued     JobState = "queued"     // accepted, waiting for a worker (or for its retry delay)
	StateProcessing JobState = "processing" // owned by exactly one worker
	StateCompleted  JobState = "completed"  // terminal: result available
	StateFailed     JobState = "failed"     // terminal: attempts exhausted
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Error classes surfaced across package boundaries.
var (
	// ErrValidation rejects a request before anything is enqueued.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned for unknown (or evicted) job IDs.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable marks a language model call that failed or was not attempted.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Entities holds structured values extracted from a command.
type Entities struct {
	Courses  []string `json:"courses"`
	Dates    []string `json:"dates"`
	Numbers  []int    `json:"numbers"`
	Subjects []string `json:"subjects"`
}

// Clone returns a deep copy so callers cannot mutate shared results.
func (e Entities) Clone() Entities {
	return Entities{
		Courses:  append([]string(nil), e.Courses...),
		Dates:    append([]string(nil), e.Dates...),
		Numbers:  append([]int(nil), e.Numbers...),
		Subjects: append([]string(nil), e.Subjects...),
	}
}

// CommandResult is produced once per successfully processed command.
type CommandResult struct {
	Command          string    `json:"command"`
	Response         string    `json:"response"`
	Intent           string    `json:"intent"`
	Entities         Entities  `json:"entities"`
	Confidence       float64   `json:"confidence"`
	Language         string    `json:"language"`
	DetectedLanguage string    `json:"detectedLanguage"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Cached           bool      `json:"cached"`
	Timestamp        time.Time `json:"timestamp"`
}

// Clone returns a deep copy of the result.
func (r CommandResult) Clone() CommandResult {
	r.Entities = r.Entities.Clone()
	return r
}

// CommandJob is one unit of queued work.
type CommandJob struct {
	ID          JobID                  `json:"id"`
	Command     string                 `json:"command"`
	Context     map[string]interface{} `json:"context,omitempty"`
	UserID      string                 `json:"userId,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	Language    string                 `json:"language,omitempty"` // requested language, empty means auto
	State       JobState               `json:"state"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"maxAttempts"`
	Progress    int                    `json:"progress"`

	EnqueuedAt time.Time  `json:"enqueuedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"` // set while waiting for a retry
	Deadline   *time.Time `json:"deadline,omitempty"`  // set while processing
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Result    *CommandResult `json:"result,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// Clone returns a copy that shares no mutable state with j.
func (j *CommandJob) Clone() *CommandJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Context != nil {
		c.Context = make(map[string]interface{}, len(j.Context))
		for k, v := range j.Context {
			c.Context[k] = v
		}
	}
	if j.Result != nil {
		r := j.Result.Clone()
		c.Result = &r
	}
	c.NextRunAt = cloneTime(j.NextRunAt)
	c.Deadline = cloneTime(j.Deadline)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// HistoryRecord is the persisted projection of a terminal command outcome.
type HistoryRecord struct {
	ID               int64                  `json:"id"`
	JobID            JobID                  `json:"jobId,omitempty"`
	UserID           string                 `json:"userId"`
	SessionID        string                 `json:"sessionId"`
	Command          string                 `json:"command"`
	Response         string                 `json:"response"`
	Intent           string                 `json:"intent"`
	Entities         Entities               `json:"entities"`
	Confidence       float64                `json:"confidence"`
	ProcessingTimeMs int64                  `json:"processingTime"`
	Language         string                 `json:"language,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}

// SnapshotData is the persisted job table used to survive restarts.
type SnapshotData struct {
	Jobs      map[JobID]*CommandJob `json:"jobs"`
	SchemaVer int                   `json:"schema_ver"`
	TakenAt   time.Time             `json:"taken_at"`
}
