package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"drb/internal/blockdev"
	"drb/internal/catalog"
	"drb/internal/codec"
	"drb/internal/lock"
	"drb/internal/logging"
	"drb/internal/ptable"
	"drb/internal/tool"
	"drb/internal/verify"
)

var (
	// ErrInvalidSource rejects a source disk before anything is written.
	ErrInvalidSource = errors.New("invalid backup source")
	// ErrPartialBackup is returned with a finalized set that recorded failed partitions.
	ErrPartialBackup = errors.New("backup completed with failed partitions")
)

// TableCapturer snapshots a partition table into a set directory.
type TableCapturer interface {
	Capture(ctx context.Context, disk *blockdev.Disk, dir string) (*ptable.Snapshot, error)
}

// Pusher copies a finalized set offsite.
type Pusher interface {
	PushSet(ctx context.Context, set *catalog.BackupSet) error
}

// Backup images a whole disk into a new backup set.
type Backup struct {
	Enumerator blockdev.Enumerator
	Table      TableCapturer
	Imager     codec.Imager
	// Runner collects system information for the metadata record.
	Runner tool.Runner

	BaseDir string
	LockDir string
	Options codec.Options
	// AgePublicKey is recorded in the metadata when Options.Recipient is set.
	AgePublicKey string
	// SysRoot is where the boot mode is detected; empty means /sys.
	SysRoot string

	// Pusher is optional.
	Pusher Pusher
	Now    func() time.Time
	Logger *slog.Logger
}

func (b *Backup) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Run backs up disk. The returned set is finalized whenever it is non-nil,
// even when the error reports failed partitions or a failed push.
func (b *Backup) Run(ctx context.Context, disk string) (*catalog.BackupSet, error) {
	disk = blockdev.DevicePath(disk)
	logger := logging.OrDefault(b.Logger).With("disk", disk)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backup cancelled before start: %w", err)
	}

	src, err := b.validate(ctx, disk)
	if err != nil {
		return nil, err
	}

	release, err := lock.AcquireDisk(b.LockDir, disk, "backup")
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s: %w", disk, err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("Failed to release disk lock", "error", err)
		}
	}()

	mode := blockdev.DetectBootMode(b.SysRoot)
	logger.Info("Backup started", "size", src.Size, "table", src.PTType, "partitions", len(src.Partitions), "bootMode", mode)

	set, err := catalog.Create(b.BaseDir, src.Name, b.now())
	if err != nil {
		return nil, err
	}
	set.SourceSize = int64(src.Size)
	set.TableType = src.PTType
	if b.Options.Recipient != nil {
		set.AgePublicKey = b.AgePublicKey
	}
	set.System = catalog.GetSystemInfo(ctx, b.Runner)

	discard := func(cause error) (*catalog.BackupSet, error) {
		logger.Error("Backup aborted, removing incomplete set", "set", set.Dir, "error", cause)
		if err := os.RemoveAll(set.Dir); err != nil {
			logger.Warn("Failed to remove incomplete set", "set", set.Dir, "error", err)
		}
		return nil, cause
	}

	if _, err := b.Table.Capture(ctx, src, set.Dir); err != nil {
		return discard(err)
	}

	for i, part := range src.Partitions {
		if err := ctx.Err(); err != nil {
			return discard(fmt.Errorf("backup cancelled before partition %d: %w", i+1, err))
		}
		c := b.capturePartition(ctx, set, i+1, part, logger)
		if err := set.AppendPartition(i+1, part.Kind, c); err != nil {
			return discard(err)
		}
	}

	if err := set.Finalize(mode); err != nil {
		return discard(err)
	}
	logger.Info("Backup set written", "set", set.Dir, "partitions", set.PartitionCount, "failed", set.FailedPartitionCount)

	var errs []error
	if set.FailedPartitionCount > 0 {
		errs = append(errs, fmt.Errorf("%w: %d of %d", ErrPartialBackup, set.FailedPartitionCount, set.PartitionCount))
	}
	if b.Pusher != nil {
		if err := b.Pusher.PushSet(ctx, set); err != nil {
			errs = append(errs, fmt.Errorf("backup stored locally but push failed: %w", err))
		} else {
			logger.Info("Backup set pushed", "set", set.Name())
		}
	}
	return set, errors.Join(errs...)
}

func (b *Backup) validate(ctx context.Context, disk string) (*blockdev.Disk, error) {
	src, err := b.Enumerator.Disk(ctx, disk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	if src.Type != "disk" {
		return nil, fmt.Errorf("%w: %s is not a whole disk (type %s)", ErrInvalidSource, disk, src.Type)
	}
	if mounted := src.MountedPaths(); len(mounted) > 0 {
		return nil, fmt.Errorf("%w: %s is mounted at %v", ErrInvalidSource, disk, mounted)
	}
	if len(src.Partitions) == 0 {
		return nil, fmt.Errorf("%w: %s has no partitions", ErrInvalidSource, disk)
	}
	return src, nil
}

func (b *Backup) capturePartition(ctx context.Context, set *catalog.BackupSet, ordinal int, part blockdev.Partition, logger *slog.Logger) catalog.Capture {
	logger = logger.With("ordinal", ordinal, "partition", part.Path, "filesystem", part.Kind)
	c := catalog.Capture{SourceSize: int64(part.Size), Label: part.Label}

	if part.Kind == blockdev.Swap {
		c.Codec = string(codec.SkipSwap)
		logger.Info("Swap partition recorded")
		return c
	}

	encrypted := b.Options.Recipient != nil
	name := catalog.ImageName(ordinal, encrypted)
	path := set.Path(name)

	start := time.Now()
	method, info, err := codec.CaptureImage(ctx, b.Imager, part.Path, part.Kind, path, b.Options, logger)
	c.Codec = string(method)
	if err != nil {
		logger.Error("Partition capture failed", "error", err)
		c.Err = err
		return c
	}

	if encrypted {
		err = verify.VerifyStored(path, info.Blake3)
	} else {
		err = verify.VerifyImage(path, info.Blake3, nil)
	}
	if err != nil {
		logger.Error("Captured image failed verification", "error", err)
		os.Remove(path)
		c.Err = err
		return c
	}

	c.Image = name
	c.Size = info.Size
	c.Blake3 = info.Blake3
	c.Encrypted = info.Encrypted
	logger.Info("Partition captured", "codec", method, "stored", info.Size, "raw", info.SourceBytes, "blake3", info.Blake3, "duration", time.Since(start))
	return c
}
