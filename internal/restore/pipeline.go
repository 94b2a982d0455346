package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"drb/internal/blockdev"
	"drb/internal/bootloader"
	"drb/internal/catalog"
	"drb/internal/classify"
	"drb/internal/codec"
	"drb/internal/lock"
	"drb/internal/logging"
	"drb/internal/ptable"
	"drb/internal/verify"
)

// TableRestorer recreates a partition table from a set directory.
type TableRestorer interface {
	Restore(ctx context.Context, disk, dir string, expected int) (*blockdev.Disk, error)
}

// BootInstaller repairs boot on a restored disk.
type BootInstaller interface {
	Install(ctx context.Context, t bootloader.Target, osType classify.OSType, mode blockdev.BootMode) *bootloader.Outcome
}

// Pipeline restores one backup set onto one disk at a time. A Pipeline holds
// no per-run state and may be shared by concurrent runs.
type Pipeline struct {
	Set      *catalog.BackupSet
	Identity age.Identity

	Enumerator blockdev.Enumerator
	Table      TableRestorer
	Imager     codec.Imager
	Prober     classify.Prober
	Boot       BootInstaller

	// HostMode is the boot mode of the running host. Boot repair follows the
	// set; a differing host mode is reported. Empty skips the comparison.
	HostMode blockdev.BootMode

	// LockDir holds the disk claim locks. Empty disables locking.
	LockDir            string
	AllowSmallerTarget bool
	Logger             *slog.Logger
}

// Run restores the set onto target and returns the finished job.
func (p *Pipeline) Run(ctx context.Context, target string) *Job {
	job := newJob(target)
	p.run(ctx, job)
	return job
}

func newJob(target string) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Target: blockdev.DevicePath(target),
		State:  Pending,
	}
}

func (p *Pipeline) run(ctx context.Context, job *Job) {
	logger := logging.OrDefault(p.Logger).With("disk", job.Target, "job", job.ID)
	job.StartedAt = time.Now()
	defer func() {
		job.FinishedAt = time.Now()
		if job.State == Failed {
			logger.Error("Restore failed", "error", job.Err, "partitionFailures", job.PartitionFailures, "duration", job.Duration())
			return
		}
		logger.Info("Restore finished", "state", job.State, "warnings", len(job.Warnings()), "duration", job.Duration())
	}()

	fail := func(err error) {
		job.Err = err
		job.State = Failed
	}
	transition := func(s State) {
		logger.Info("Restore state changed", "from", job.State, "to", s)
		job.State = s
	}

	logger.Info("Restore started", "set", p.Set.Name(), "partitions", p.Set.PartitionCount)

	release, err := p.validate(ctx, job.Target)
	if err != nil {
		fail(err)
		return
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("Failed to release disk lock", "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		fail(fmt.Errorf("restore cancelled before start: %w", err))
		return
	}

	transition(RestoringTable)
	disk, err := p.Table.Restore(context.WithoutCancel(ctx), job.Target, p.Set.Dir, p.Set.PartitionCount)
	if err != nil {
		fail(fmt.Errorf("failed to restore partition table: %w", err))
		return
	}

	transition(RestoringPartitions)
	for i := range p.Set.Partitions {
		rec := &p.Set.Partitions[i]
		if err := ctx.Err(); err != nil {
			fail(fmt.Errorf("restore cancelled before partition %d: %w", rec.Ordinal, err))
			return
		}

		dev := ""
		if rec.Ordinal <= len(disk.Partitions) {
			dev = disk.Partitions[rec.Ordinal-1].Path
		}
		if err := p.restorePartition(context.WithoutCancel(ctx), rec, dev, logger); err != nil {
			logger.Error("Partition restore failed", "ordinal", rec.Ordinal, "device", dev, "error", err)
			job.PartitionFailures++
			job.Failures = append(job.Failures, PartitionFailure{Ordinal: rec.Ordinal, Device: dev, Err: err})
			continue
		}
		logger.Info("Partition restored", "ordinal", rec.Ordinal, "device", dev, "filesystem", rec.FilesystemKind)
	}

	if job.PartitionFailures > 0 {
		errs := make([]error, 0, len(job.Failures))
		for _, f := range job.Failures {
			errs = append(errs, fmt.Errorf("partition %d: %w", f.Ordinal, f.Err))
		}
		fail(fmt.Errorf("%d of %d partitions failed, bootloader not installed: %w",
			job.PartitionFailures, len(p.Set.Partitions), errors.Join(errs...)))
		return
	}
	if err := ctx.Err(); err != nil {
		fail(fmt.Errorf("restore cancelled before bootloader: %w", err))
		return
	}

	transition(InstallingBootloader)
	if restored, err := p.Enumerator.Disk(ctx, job.Target); err == nil {
		disk = restored
	} else {
		logger.Warn("Failed to re-enumerate restored disk", "error", err)
	}
	class := classify.Classify(ctx, disk.Partitions, p.Prober, logger)
	job.OS = class.OS
	logger.Info("Restored disk classified", "os", class.OS, "bootMode", p.Set.BootMode)
	if p.HostMode != "" && p.HostMode != p.Set.BootMode {
		note := fmt.Sprintf("set was captured under %s but this host booted %s, boot repair may fail", p.Set.BootMode, p.HostMode)
		logger.Warn("Boot mode mismatch", "setBootMode", p.Set.BootMode, "hostBootMode", p.HostMode)
		job.Notes = append(job.Notes, note)
	}

	job.Boot = p.Boot.Install(ctx, bootloader.Target{
		Disk:       disk,
		BootSector: p.Set.Path(ptable.BootSectorFile),
	}, class.OS, p.Set.BootMode)

	transition(Succeeded)
}

// validate checks the target and claims it. Nothing destructive happens here.
func (p *Pipeline) validate(ctx context.Context, target string) (func() error, error) {
	disk, err := p.Enumerator.Disk(ctx, target)
	if err != nil {
		return nil, &ValidationError{Target: target, Reason: "cannot enumerate disk", Err: err}
	}
	if disk.Type != "disk" {
		return nil, &ValidationError{Target: target, Reason: fmt.Sprintf("not a whole disk (type %s)", disk.Type)}
	}
	if mounted := disk.MountedPaths(); len(mounted) > 0 {
		return nil, &ValidationError{Target: target, Reason: fmt.Sprintf("mounted at %v", mounted)}
	}
	if need := p.Set.SourceSize; need > 0 && int64(disk.Size) < need && !p.AllowSmallerTarget {
		return nil, &ValidationError{
			Target: target,
			Reason: fmt.Sprintf("disk is %d bytes, source was %d bytes", disk.Size, need),
		}
	}

	if p.LockDir == "" {
		return func() error { return nil }, nil
	}
	release, err := lock.AcquireDisk(p.LockDir, target, "restore")
	if err != nil {
		return nil, &ValidationError{Target: target, Reason: "disk is claimed", Err: err}
	}
	return release, nil
}

func (p *Pipeline) restorePartition(ctx context.Context, rec *catalog.PartitionRecord, dev string, logger *slog.Logger) error {
	if dev == "" {
		return fmt.Errorf("partition %d not present on target", rec.Ordinal)
	}
	if rec.Failed {
		return fmt.Errorf("partition was not captured: %s", rec.Error)
	}
	if rec.Swap {
		return p.Imager.InitSwap(ctx, dev, rec.Label)
	}

	if err := verify.VerifyRecord(p.Set, rec, p.Identity); err != nil {
		return err
	}
	method, err := codec.ParseMethod(rec.Codec, rec.FilesystemKind)
	if err != nil {
		return err
	}
	logger.Info("Restoring partition", "ordinal", rec.Ordinal, "device", dev, "codec", method, "image", rec.Image)
	return codec.RestoreImage(ctx, p.Imager, dev, rec.FilesystemKind, method, p.Set.ImagePath(rec), p.Identity)
}
