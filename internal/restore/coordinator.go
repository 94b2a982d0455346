package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"drb/internal/blockdev"
	"drb/internal/logging"
)

// Coordinator restores one set onto many disks in parallel.
type Coordinator struct {
	Pipeline *Pipeline
	// Parallelism caps concurrent pipelines; 0 means unbounded.
	Parallelism int
	// Stagger delays each launch after the first.
	Stagger time.Duration
	Logger  *slog.Logger
}

// Summary is the per-disk breakdown of a coordinated restore, in target order.
type Summary struct {
	Jobs      []*Job
	Succeeded int
	Failed    int
}

// Run restores onto every target and waits for all of them. The error is
// ErrRestoreFailed when any disk failed, or a ValidationError when the
// targets are not distinct.
func (c *Coordinator) Run(ctx context.Context, targets []string) (*Summary, error) {
	logger := logging.OrDefault(c.Logger)

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		dev := blockdev.DevicePath(t)
		if seen[dev] {
			return nil, &ValidationError{Target: dev, Reason: "listed more than once"}
		}
		seen[dev] = true
	}
	if len(targets) == 0 {
		return nil, &ValidationError{Reason: "no targets"}
	}

	jobs := make([]*Job, len(targets))
	for i, t := range targets {
		jobs[i] = newJob(t)
	}

	var sem chan struct{}
	if c.Parallelism > 0 {
		sem = make(chan struct{}, c.Parallelism)
	}

	logger.Info("Coordinated restore started", "targets", len(targets), "parallelism", c.Parallelism, "stagger", c.Stagger)

	var wg sync.WaitGroup
launch:
	for i, job := range jobs {
		if i > 0 && c.Stagger > 0 {
			timer := time.NewTimer(c.Stagger)
			select {
			case <-ctx.Done():
				timer.Stop()
				break launch
			case <-timer.C:
			}
		}
		if sem != nil {
			select {
			case <-ctx.Done():
				break launch
			case sem <- struct{}{}:
			}
		}
		if ctx.Err() != nil {
			if sem != nil {
				<-sem
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Restore pipeline panicked", "disk", job.Target, "panic", r, "stack", string(debug.Stack()))
					job.State = Failed
					job.Err = fmt.Errorf("pipeline panic: %v", r)
					job.FinishedAt = time.Now()
				}
			}()
			c.Pipeline.run(ctx, job)
		}()
	}
	wg.Wait()

	summary := &Summary{Jobs: jobs}
	for _, job := range jobs {
		if job.State == Pending {
			job.State = Failed
			job.Err = fmt.Errorf("restore not started: %w", context.Cause(ctx))
		}
		if job.State == Succeeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	logger.Info("Coordinated restore finished", "succeeded", summary.Succeeded, "failed", summary.Failed)
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d disks failed", ErrRestoreFailed, summary.Failed, len(jobs))
	}
	return summary, nil
}

// Report writes the per-disk breakdown and the tally.
func (s *Summary) Report(w io.Writer) {
	for _, job := range s.Jobs {
		fmt.Fprintf(w, "%-16s %-10s", job.Target, job.State)
		switch {
		case job.State == Failed && job.PartitionFailures > 0:
			fmt.Fprintf(w, " %d partition(s) failed", job.PartitionFailures)
		case job.State == Failed:
			fmt.Fprintf(w, " %v", job.Err)
		default:
			fmt.Fprintf(w, " os=%s", job.OS)
		}
		if warnings := job.Warnings(); len(warnings) > 0 {
			fmt.Fprintf(w, " warnings: %s", strings.Join(warnings, "; "))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Succeeded: %d  Failed: %d\n", s.Succeeded, s.Failed)
}
