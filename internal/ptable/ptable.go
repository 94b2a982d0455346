package ptable

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"drb/internal/blockdev"
	"drb/internal/logging"
	"drb/internal/tool"
)

const (
	GPTFile        = "table.gpt"
	SfdiskFile     = "table.sfdisk"
	BootSectorFile = "bootsector.img"
	GeometryFile   = "geometry.txt"

	// BootCodeSize is the MBR boot-code region that precedes the partition entries.
	BootCodeSize = 446

	mib                 = 1 << 20
	defaultPollInterval = 500 * time.Millisecond
)

var (
	ErrTableRestore = errors.New("partition table restore failed")
	ErrNoBootSector = errors.New("no boot sector backup")
)

// Manager snapshots and reconstructs partition tables with sgdisk and sfdisk.
type Manager struct {
	Runner        tool.Runner
	Enumerator    blockdev.Enumerator
	SettleTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

func (m *Manager) log() *slog.Logger {
	return logging.OrDefault(m.Logger)
}

// Snapshot reports which artifacts a capture produced.
type Snapshot struct {
	TableType  string
	GPT        bool
	Sfdisk     bool
	BootSector bool
}

// Capture writes the table of disk into dir in every format the disk
// supports, plus the raw first MiB and a geometry note.
func (m *Manager) Capture(ctx context.Context, disk *blockdev.Disk, dir string) (*Snapshot, error) {
	snap := &Snapshot{TableType: disk.PTType}
	var errs []error

	if disk.PTType == "gpt" {
		res := m.Runner.Run(ctx, tool.Command{
			Name: "sgdisk",
			Args: []string{"--backup=" + filepath.Join(dir, GPTFile), disk.Path},
		})
		if res.OK() {
			snap.GPT = true
		} else {
			errs = append(errs, res.Err())
			m.log().Warn("GPT snapshot failed", "disk", disk.Path, "error", res.Err())
		}
	}

	if err := m.runToFile(ctx, filepath.Join(dir, SfdiskFile), tool.Command{
		Name: "sfdisk",
		Args: []string{"--dump", disk.Path},
	}); err == nil {
		snap.Sfdisk = true
	} else {
		errs = append(errs, err)
		m.log().Warn("sfdisk snapshot failed", "disk", disk.Path, "error", err)
	}

	if !snap.GPT && !snap.Sfdisk {
		return nil, fmt.Errorf("failed to snapshot partition table of %s: %w", disk.Path, errors.Join(errs...))
	}

	res := m.Runner.Run(ctx, tool.Command{
		Name: "dd",
		Args: []string{"if=" + disk.Path, "of=" + filepath.Join(dir, BootSectorFile), "bs=1M", "count=1", "status=none"},
	})
	if res.OK() {
		snap.BootSector = true
	} else {
		m.log().Warn("Boot sector backup failed", "disk", disk.Path, "error", res.Err())
	}

	if err := m.runToFile(ctx, filepath.Join(dir, GeometryFile), tool.Command{
		Name: "sfdisk",
		Args: []string{"--show-geometry", disk.Path},
	}); err != nil {
		m.log().Debug("Geometry not recorded", "disk", disk.Path, "error", err)
	}

	m.log().Info("Partition table captured", "disk", disk.Path, "type", snap.TableType, "gpt", snap.GPT, "sfdisk", snap.Sfdisk, "bootSector", snap.BootSector)
	return snap, nil
}

func (m *Manager) runToFile(ctx context.Context, path string, cmd tool.Command) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cmd.Stdout = f
	res := m.Runner.Run(ctx, cmd)
	cerr := f.Close()
	if !res.OK() {
		os.Remove(path)
		return res.Err()
	}
	return cerr
}

// Restore rebuilds the table of disk from the snapshot in dir and waits for
// the kernel to enumerate expected partitions. It returns the enumerated
// disk; fewer partitions than expected after the settle timeout is logged,
// not fatal.
func (m *Manager) Restore(ctx context.Context, disk, dir string, expected int) (*blockdev.Disk, error) {
	disk = blockdev.DevicePath(disk)

	m.Wipe(ctx, disk)

	tableType, err := m.Load(ctx, disk, dir)
	if err != nil {
		return nil, err
	}

	m.Randomize(ctx, disk, tableType)

	return m.Settle(ctx, disk, expected)
}

// Wipe destroys the primary GPT header and its backup copy at the end of the
// disk, plus any MBR. Failures are logged; the load that follows rewrites
// the table anyway.
func (m *Manager) Wipe(ctx context.Context, disk string) {
	if res := m.Runner.Run(ctx, tool.Command{Name: "sgdisk", Args: []string{"--zap-all", disk}}); !res.OK() {
		m.log().Warn("sgdisk --zap-all failed", "disk", disk, "error", res.Err())
	}

	// zero overwrites the MiB starting at byte offset.
	zero := func(offset uint64) {
		args := []string{"if=/dev/zero", "of=" + disk, "bs=1M", "count=1", "conv=fsync", "status=none"}
		if offset > 0 {
			args = append(args, "oflag=seek_bytes", "seek="+strconv.FormatUint(offset, 10))
		}
		if res := m.Runner.Run(ctx, tool.Command{Name: "dd", Args: args}); !res.OK() {
			m.log().Warn("Zeroing table region failed", "disk", disk, "offset", offset, "error", res.Err())
		}
	}
	zero(0)

	d, err := m.Enumerator.Disk(ctx, disk)
	if err != nil {
		m.log().Warn("Disk size unknown, backup header not zeroed", "disk", disk, "error", err)
		return
	}
	// The backup GPT header sits in the last sector, which is not MiB
	// aligned on most drives, so the tail is addressed in bytes.
	if d.Size > mib {
		zero(d.Size - mib)
	}
}

// Load writes the snapshot onto disk, preferring the GPT backup over the
// sfdisk dump. It returns the table type that was written.
func (m *Manager) Load(ctx context.Context, disk, dir string) (string, error) {
	var errs []error

	gptPath := filepath.Join(dir, GPTFile)
	if _, err := os.Stat(gptPath); err == nil {
		res := m.Runner.Run(ctx, tool.Command{Name: "sgdisk", Args: []string{"--load-backup=" + gptPath, disk}})
		if res.OK() {
			m.log().Info("GPT table loaded", "disk", disk)
			return "gpt", nil
		}
		errs = append(errs, res.Err())
		m.log().Warn("GPT load failed, trying sfdisk dump", "disk", disk, "error", res.Err())
	}

	dumpPath := filepath.Join(dir, SfdiskFile)
	f, err := os.Open(dumpPath)
	if err != nil {
		if len(errs) == 0 {
			return "", fmt.Errorf("%w: no table snapshot in %s", ErrTableRestore, dir)
		}
		return "", fmt.Errorf("%w: %w", ErrTableRestore, errors.Join(errs...))
	}
	defer f.Close()

	res := m.Runner.Run(ctx, tool.Command{Name: "sfdisk", Args: []string{"--no-reread", disk}, Stdin: f})
	if !res.OK() {
		errs = append(errs, res.Err())
		return "", fmt.Errorf("%w: %w", ErrTableRestore, errors.Join(errs...))
	}

	label := dumpLabel(dumpPath)
	m.log().Info("sfdisk table loaded", "disk", disk, "label", label)
	return label, nil
}

// dumpLabel reads the "label:" header of an sfdisk dump.
func dumpLabel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "label:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return "dos"
}

// Randomize gives the restored table fresh identifiers so clones of one
// source never collide on a host.
func (m *Manager) Randomize(ctx context.Context, disk, tableType string) {
	var cmd tool.Command
	if tableType == "gpt" {
		cmd = tool.Command{Name: "sgdisk", Args: []string{"-G", disk}}
	} else {
		cmd = tool.Command{Name: "sfdisk", Args: []string{"--disk-id", disk, RandomDiskID()}}
	}
	if res := m.Runner.Run(ctx, cmd); !res.OK() {
		m.log().Warn("Identifier randomization failed", "disk", disk, "error", res.Err())
	}
}

// RandomDiskID returns an MBR disk signature in sfdisk notation.
func RandomDiskID() string {
	id := uuid.New()
	return fmt.Sprintf("0x%02x%02x%02x%02x", id[0], id[1], id[2], id[3])
}

// Settle makes the kernel re-read the table and polls until expected
// partitions are enumerated or the settle timeout elapses.
func (m *Manager) Settle(ctx context.Context, disk string, expected int) (*blockdev.Disk, error) {
	if res := m.Runner.Run(ctx, tool.Command{Name: "partprobe", Args: []string{disk}}); !res.OK() {
		m.log().Warn("partprobe failed, falling back to blockdev", "disk", disk, "error", res.Err())
		if res := m.Runner.Run(ctx, tool.Command{Name: "blockdev", Args: []string{"--rereadpt", disk}}); !res.OK() {
			m.log().Warn("Table re-read failed", "disk", disk, "error", res.Err())
		}
	}

	timeout := m.SettleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m.Runner.Run(ctx, tool.Command{
		Name: "udevadm",
		Args: []string{"settle", fmt.Sprintf("--timeout=%d", int(timeout.Seconds()))},
	})

	interval := m.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		d, err := m.Enumerator.Disk(ctx, disk)
		if err == nil && len(d.Partitions) >= expected {
			return d, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, fmt.Errorf("failed to enumerate %s after table restore: %w", disk, err)
			}
			m.log().Warn("Partitions did not settle", "disk", disk, "expected", expected, "found", len(d.Partitions))
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// WriteBootCode writes the boot-code region of a captured boot sector back
// to disk, leaving the partition entries that follow it untouched.
func (m *Manager) WriteBootCode(ctx context.Context, disk, bootSector string) error {
	if _, err := os.Stat(bootSector); err != nil {
		return fmt.Errorf("%w: %w", ErrNoBootSector, err)
	}
	res := m.Runner.Run(ctx, tool.Command{
		Name: "dd",
		Args: []string{
			"if=" + bootSector,
			"of=" + disk,
			"bs=" + strconv.Itoa(BootCodeSize),
			"count=1",
			"conv=notrunc,fsync",
			"status=none",
		},
	})
	return res.Err()
}

// SetActive marks partition index bootable in an MBR table.
func (m *Manager) SetActive(ctx context.Context, disk string, index int) error {
	return m.Runner.Run(ctx, tool.Command{
		Name: "sfdisk",
		Args: []string{"--activate", disk, strconv.Itoa(index)},
	}).Err()
}
