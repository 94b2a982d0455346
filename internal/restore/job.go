package restore

import (
	"errors"
	"fmt"
	"time"

	"drb/internal/bootloader"
	"drb/internal/classify"
)

// ErrRestoreFailed is returned by Coordinator.Run when at least one disk failed.
var ErrRestoreFailed = errors.New("restore failed")

type State string

const (
	Pending              State = "Pending"
	RestoringTable       State = "RestoringTable"
	RestoringPartitions  State = "RestoringPartitions"
	InstallingBootloader State = "InstallingBootloader"
	Succeeded            State = "Succeeded"
	Failed               State = "Failed"
)

// ValidationError rejects a target before anything is written to it.
type ValidationError struct {
	Target string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid target %s: %s: %v", e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid target %s: %s", e.Target, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PartitionFailure is one partition that could not be restored.
type PartitionFailure struct {
	Ordinal int
	Device  string
	Err     error
}

// Job tracks the restore of one set onto one disk.
type Job struct {
	ID     string
	Target string
	State  State

	PartitionFailures int
	Failures          []PartitionFailure

	// Notes are restore-level warnings that are not tied to a boot step.
	Notes []string

	// OS and Boot are set once the bootloader stage has run.
	OS   classify.OSType
	Boot *bootloader.Outcome

	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Warnings returns the notes and bootloader warnings of a finished job.
func (j *Job) Warnings() []string {
	out := append([]string(nil), j.Notes...)
	if j.Boot != nil {
		out = append(out, j.Boot.Warnings()...)
	}
	return out
}

func (j *Job) Duration() time.Duration {
	if j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}
