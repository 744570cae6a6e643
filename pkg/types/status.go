package types

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is a position in the lifecycle state machine.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusStopped   JobStatus = "stopped"
	StatusFinished  JobStatus = "finished"
)

// ParseJobStatus parses a case-insensitive status name, as received on
// the X-Foreman-Job-Status header.
func ParseJobStatus(s string) (JobStatus, error) {
	switch strings.ToUpper(s) {
	case "PENDING":
		return StatusPending, nil
	case "RUNNING":
		return StatusRunning, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "STOPPED":
		return StatusStopped, nil
	case "FINISHED":
		return StatusFinished, nil
	default:
		return "", fmt.Errorf("unrecognized job status %q", s)
	}
}

// TrackedJob is a Job plus the lifecycle metadata the Tracker owns.
// Values handed to callers are copies; TrackedJob itself carries no
// synchronization because the Tracker is its only writer.
type TrackedJob struct {
	Job      Job
	Status   JobStatus
	Progress float64

	StartTime     time.Time
	CompletedTime *time.Time
	StoppedTime   *time.Time
	FinishedTime  *time.Time
}

// Clone returns a value copy suitable for handing to a caller outside
// the Tracker goroutine. The embedded Job is not deep-copied since Job
// values are immutable once admitted.
func (t TrackedJob) Clone() TrackedJob {
	clone := t
	if t.CompletedTime != nil {
		ct := *t.CompletedTime
		clone.CompletedTime = &ct
	}
	if t.StoppedTime != nil {
		st := *t.StoppedTime
		clone.StoppedTime = &st
	}
	if t.FinishedTime != nil {
		ft := *t.FinishedTime
		clone.FinishedTime = &ft
	}
	return clone
}
