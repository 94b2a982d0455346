package restore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"drb/internal/blockdev"
	"drb/internal/blockdev/blockdevtest"
	"drb/internal/bootloader"
	"drb/internal/catalog"
	"drb/internal/classify"
	"drb/internal/codec"
	"drb/internal/logging"
	"drb/internal/tool/tooltest"
)

const gib = 1 << 30

var fsTypes = map[blockdev.FilesystemKind]string{
	blockdev.Ext4:    "ext4",
	blockdev.NTFS:    "ntfs",
	blockdev.FAT32:   "vfat",
	blockdev.Swap:    "swap",
	blockdev.Unknown: "xfs",
}

// buildSet writes a finalized set holding one small image per non-swap kind.
func buildSet(t *testing.T, mode blockdev.BootMode, recipient age.Recipient, kinds ...blockdev.FilesystemKind) *catalog.BackupSet {
	t.Helper()
	set, err := catalog.Create(t.TempDir(), "sda", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	set.SourceSize = 50 * gib
	set.TableType = "gpt"

	for i, kind := range kinds {
		ordinal := i + 1
		if kind == blockdev.Swap {
			require.NoError(t, set.AppendPartition(ordinal, kind, catalog.Capture{Codec: string(codec.SkipSwap), Label: "swap0"}))
			continue
		}
		name := catalog.ImageName(ordinal, recipient != nil)
		info, err := codec.WriteImage(set.Path(name), codec.Options{Level: 1, Recipient: recipient}, func(w io.Writer) error {
			_, err := w.Write(bytes.Repeat([]byte(fmt.Sprintf("partition %d ", ordinal)), 4096))
			return err
		})
		require.NoError(t, err)
		require.NoError(t, set.AppendPartition(ordinal, kind, catalog.Capture{
			Codec:     string(codec.Select(kind)),
			Image:     name,
			Size:      info.Size,
			Blake3:    info.Blake3,
			Encrypted: info.Encrypted,
		}))
	}
	require.NoError(t, set.Finalize(mode))
	return set
}

// restoredLayout is the disk the kernel would report once the table of set
// is loaded on path.
func restoredLayout(path string, size uint64, kinds ...blockdev.FilesystemKind) *blockdev.Disk {
	parts := make([]blockdev.Partition, len(kinds))
	for i, kind := range kinds {
		parts[i] = blockdevtest.Partition(path, i+1, fsTypes[kind], 10*gib)
	}
	return blockdevtest.Disk(path, size, "gpt", parts...)
}

// fakeTable publishes a prepared layout through the enumerator, the way a
// real table load makes the kernel re-read partitions.
type fakeTable struct {
	enum    *blockdevtest.Enumerator
	layouts map[string]*blockdev.Disk
	fail    map[string]error
	onLoad  func()
	delay   time.Duration

	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
}

func (f *fakeTable) Restore(_ context.Context, disk, dir string, expected int) (*blockdev.Disk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, disk)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.onLoad != nil {
		f.onLoad()
	}
	if err := f.fail[disk]; err != nil {
		return nil, err
	}
	layout := f.layouts[disk]
	f.enum.Set(layout)
	return f.enum.Disk(context.Background(), disk)
}

func (f *fakeTable) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProber map[string]bool

func (f fakeProber) HasWindowsMarker(_ context.Context, part blockdev.Partition) (bool, error) {
	return f[part.Path], nil
}

type bootCall struct {
	Disk string
	OS   classify.OSType
	Mode blockdev.BootMode
}

type fakeBoot struct {
	panicOn string

	mu    sync.Mutex
	calls []bootCall
}

func (f *fakeBoot) Install(_ context.Context, t bootloader.Target, osType classify.OSType, mode blockdev.BootMode) *bootloader.Outcome {
	if t.Disk.Path == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	f.calls = append(f.calls, bootCall{Disk: t.Disk.Path, OS: osType, Mode: mode})
	f.mu.Unlock()

	out := &bootloader.Outcome{OS: osType, Mode: mode}
	for _, step := range bootloader.Plan(osType, mode) {
		out.Steps = append(out.Steps, bootloader.StepResult{Step: step, Status: bootloader.StatusOK})
	}
	return out
}

func (f *fakeBoot) Calls() []bootCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bootCall(nil), f.calls...)
}

type fixture struct {
	set      *catalog.BackupSet
	enum     *blockdevtest.Enumerator
	table    *fakeTable
	runner   *tooltest.Runner
	boot     *fakeBoot
	pipeline *Pipeline
}

// newFixture prepares empty target disks of 100 GiB that restore to the
// layout of kinds.
func newFixture(t *testing.T, set *catalog.BackupSet, targets []string, kinds ...blockdev.FilesystemKind) *fixture {
	t.Helper()
	f := &fixture{
		set:    set,
		enum:   blockdevtest.New(),
		runner: tooltest.New(),
		boot:   &fakeBoot{},
	}
	f.table = &fakeTable{enum: f.enum, layouts: map[string]*blockdev.Disk{}, fail: map[string]error{}}
	for _, target := range targets {
		f.enum.Set(blockdevtest.Disk(target, 100*gib, ""))
		f.table.layouts[target] = restoredLayout(target, 100*gib, kinds...)
	}
	f.pipeline = &Pipeline{
		Set:        set,
		Enumerator: f.enum,
		Table:      f.table,
		Imager:     &codec.ToolImager{Runner: f.runner},
		Prober:     fakeProber{},
		Boot:       f.boot,
		LockDir:    t.TempDir(),
		Logger:     logging.Discard(),
	}
	return f
}
