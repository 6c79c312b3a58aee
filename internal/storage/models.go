package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses. A job is terminal once succeeded or failed.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Step record statuses.
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// Job is one run of a named step sequence triggered by an external event.
// PayloadJSON is immutable after creation; ResultJSON is set when the job
// succeeds, FailedStep and LastError when it fails.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	ResultJSON  string
	FailedStep  string
	LastError   string
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// StepRecord is the durable result of a single named step within a job.
// A succeeded record is never recomputed: replaying the job returns
// ResultJSON without invoking the step again.
type StepRecord struct {
	JobID        string
	StepName     string
	Status       string
	ResultJSON   string
	AttemptCount int
	LastError    string
	UpdatedAt    time.Time
}
