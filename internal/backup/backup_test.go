package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drb/internal/blockdev"
	"drb/internal/blockdev/blockdevtest"
	"drb/internal/bootloader"
	"drb/internal/catalog"
	"drb/internal/classify"
	"drb/internal/codec"
	"drb/internal/logging"
	"drb/internal/ptable"
	"drb/internal/restore"
	"drb/internal/tool"
	"drb/internal/tool/tooltest"
	"drb/internal/util"
)

const gib = 1 << 30

const sfdiskDump = `label: gpt
label-id: 0B3C4D5E-1111-2222-3333-444455556666
device: /dev/sda
unit: sectors

/dev/sda1 : start=2048, size=20971520, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4
/dev/sda2 : start=20973568, size=41943040, type=EBD0A0A2-B9E5-4433-87C0-68B6B72699C7
/dev/sda3 : start=62916608, size=1048576, type=C12A7328-F81F-11D2-BA4B-00A0C93EC93B
/dev/sda4 : start=63965184, size=4194304, type=0657FD6D-A4AB-43C4-84E5-0933C84B4F4F
`

// memImager keeps partition contents in memory, keyed by device.
type memImager struct {
	mu        sync.Mutex
	content   map[string][]byte
	failBlock map[string]bool
	failRaw   map[string]bool
	swaps     []string
}

func newMemImager() *memImager {
	return &memImager{content: map[string][]byte{}, failBlock: map[string]bool{}, failRaw: map[string]bool{}}
}

func (m *memImager) Capture(_ context.Context, dev string, kind blockdev.FilesystemKind, method codec.Method, w io.Writer) error {
	m.mu.Lock()
	data := m.content[dev]
	failed := (method == codec.BlockCopy && m.failBlock[dev]) || (method == codec.RawCopy && m.failRaw[dev])
	m.mu.Unlock()
	if failed {
		return fmt.Errorf("%s cannot read %s", method, dev)
	}
	_, err := w.Write(data)
	return err
}

func (m *memImager) Restore(_ context.Context, dev string, _ blockdev.FilesystemKind, _ codec.Method, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[dev] = data
	return nil
}

func (m *memImager) InitSwap(_ context.Context, dev, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps = append(m.swaps, dev+" "+label)
	return nil
}

func (m *memImager) get(dev string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[dev]
}

type fakePusher struct {
	err    error
	pushed []string
}

func (f *fakePusher) PushSet(_ context.Context, set *catalog.BackupSet) error {
	f.pushed = append(f.pushed, set.Name())
	return f.err
}

type noMarker struct{}

func (noMarker) HasWindowsMarker(context.Context, blockdev.Partition) (bool, error) {
	return false, nil
}

type recordingBoot struct {
	calls []classify.OSType
}

func (r *recordingBoot) Install(_ context.Context, _ bootloader.Target, osType classify.OSType, mode blockdev.BootMode) *bootloader.Outcome {
	r.calls = append(r.calls, osType)
	return &bootloader.Outcome{OS: osType, Mode: mode}
}

func sourceDisk(path string, parts ...blockdev.Partition) *blockdev.Disk {
	return blockdevtest.Disk(path, 64*gib, "gpt", parts...)
}

func dualBootPartitions(disk string) []blockdev.Partition {
	swap := blockdevtest.Partition(disk, 4, "swap", 2*gib)
	swap.Label = "swap0"
	return []blockdev.Partition{
		blockdevtest.Partition(disk, 1, "ext4", 10*gib),
		blockdevtest.Partition(disk, 2, "ntfs", 20*gib),
		blockdevtest.Partition(disk, 3, "vfat", 512<<20),
		swap,
	}
}

type fixture struct {
	base    string
	enum    *blockdevtest.Enumerator
	runner  *tooltest.Runner
	imager  *memImager
	backup  *Backup
	sysRoot string
}

func newFixture(t *testing.T, src *blockdev.Disk) *fixture {
	t.Helper()
	base := t.TempDir()
	sysRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, "firmware", "efi"), 0o755))

	f := &fixture{
		base:    base,
		enum:    blockdevtest.New(src),
		runner:  tooltest.New(tooltest.Reply("sfdisk --dump", sfdiskDump)),
		imager:  newMemImager(),
		sysRoot: sysRoot,
	}
	for i, p := range src.Partitions {
		f.imager.content[p.Path] = bytes.Repeat([]byte(fmt.Sprintf("%s block %d;", p.FSType, i)), 2048)
	}
	f.backup = &Backup{
		Enumerator: f.enum,
		Table:      &ptable.Manager{Runner: f.runner, Logger: logging.Discard()},
		Imager:     f.imager,
		Runner:     f.runner,
		BaseDir:    base,
		LockDir:    util.LockDir(base),
		Options:    codec.Options{Level: 1},
		SysRoot:    sysRoot,
		Now:        func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) },
		Logger:     logging.Discard(),
	}
	return f
}

func TestBackupWritesCompleteSet(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))

	set, err := f.backup.Run(context.Background(), "sda")
	require.NoError(t, err)
	assert.Equal(t, "sda_20240601_080000", set.Name())

	loaded, err := catalog.Load(set.Dir)
	require.NoError(t, err)
	assert.Equal(t, "sda", loaded.SourceDiskID)
	assert.Equal(t, blockdev.UEFI, loaded.BootMode)
	assert.Equal(t, 4, loaded.PartitionCount)
	assert.Zero(t, loaded.FailedPartitionCount)
	assert.Equal(t, int64(64*gib), loaded.SourceSize)
	assert.Equal(t, "gpt", loaded.TableType)

	kinds := []blockdev.FilesystemKind{blockdev.Ext4, blockdev.NTFS, blockdev.FAT32, blockdev.Swap}
	for i, rec := range loaded.Partitions {
		assert.Equal(t, i+1, rec.Ordinal)
		assert.Equal(t, kinds[i], rec.FilesystemKind)
	}
	assert.Equal(t, "partclone", loaded.Partitions[0].Codec)
	assert.True(t, loaded.Partitions[3].Swap)
	assert.Empty(t, loaded.Partitions[3].Image)
	assert.Equal(t, "swap0", loaded.Partitions[3].Label)

	assert.FileExists(t, set.Path(ptable.SfdiskFile))
	assert.Equal(t, 1, f.runner.Count("sgdisk --backup="+set.Path(ptable.GPTFile)+" /dev/sda"))
	assert.Equal(t, 1, f.runner.Count("uname -r"))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		encrypted bool
	}{
		{name: "plain"},
		{name: "encrypted", encrypted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))
			var identity age.Identity
			if tt.encrypted {
				id, err := age.GenerateX25519Identity()
				require.NoError(t, err)
				identity = id
				f.backup.Options.Recipient = id.Recipient()
				f.backup.AgePublicKey = id.Recipient().String()
			}

			set, err := f.backup.Run(context.Background(), "/dev/sda")
			require.NoError(t, err)
			assert.Equal(t, tt.encrypted, set.Encrypted())

			loaded, err := catalog.Load(set.Dir)
			require.NoError(t, err)

			// restore onto a blank disk the kernel re-reads as the source layout
			target := blockdevtest.Disk("/dev/sdb", 64*gib, "")
			f.enum.Set(target)
			restored := sourceDisk("/dev/sdb", dualBootPartitions("/dev/sdb")...)
			runner := tooltest.New(func(cmd tool.Command) (tool.Result, bool) {
				if cmd.Name == "partprobe" {
					f.enum.Set(restored)
				}
				return tool.Result{}, false
			})
			boot := &recordingBoot{}
			pipeline := &restore.Pipeline{
				Set:        loaded,
				Identity:   identity,
				Enumerator: f.enum,
				Table: &ptable.Manager{
					Runner:        runner,
					Enumerator:    f.enum,
					SettleTimeout: time.Second,
					PollInterval:  time.Millisecond,
					Logger:        logging.Discard(),
				},
				Imager:  f.imager,
				Prober:  noMarker{},
				Boot:    boot,
				LockDir: util.LockDir(f.base),
				Logger:  logging.Discard(),
			}

			job := pipeline.Run(context.Background(), "/dev/sdb")
			require.Equal(t, restore.Succeeded, job.State, job.Err)

			for i := 1; i <= 3; i++ {
				src := fmt.Sprintf("/dev/sda%d", i)
				dst := fmt.Sprintf("/dev/sdb%d", i)
				assert.Equal(t, f.imager.get(src), f.imager.get(dst), dst)
			}
			assert.Equal(t, []string{"/dev/sdb4 swap0"}, f.imager.swaps)
			assert.Equal(t, []classify.OSType{classify.Linux}, boot.calls)
			assert.Equal(t, 1, runner.Count("sgdisk --zap-all /dev/sdb"))
			assert.Equal(t, 1, runner.Count("sfdisk --no-reread /dev/sdb"))
			assert.Equal(t, 1, runner.Count("sgdisk -G /dev/sdb"))
		})
	}
}

func TestBackupUnknownFilesystemUsesRawCopy(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda",
		blockdevtest.Partition("/dev/sda", 1, "xfs", gib),
		blockdevtest.Partition("/dev/sda", 2, "", gib),
	))

	set, err := f.backup.Run(context.Background(), "/dev/sda")
	require.NoError(t, err)
	for _, rec := range set.Partitions {
		assert.Equal(t, blockdev.Unknown, rec.FilesystemKind)
		assert.Equal(t, "dd", rec.Codec)
		assert.True(t, rec.HasImage())
	}
}

func TestBackupFallsBackToRawCopy(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))
	f.imager.failBlock["/dev/sda2"] = true

	set, err := f.backup.Run(context.Background(), "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, "dd", set.Partitions[1].Codec)
	assert.Equal(t, blockdev.NTFS, set.Partitions[1].FilesystemKind)
	assert.True(t, set.Partitions[1].HasImage())
}

func TestBackupRecordsFailedPartition(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))
	f.imager.failBlock["/dev/sda2"] = true
	f.imager.failRaw["/dev/sda2"] = true

	set, err := f.backup.Run(context.Background(), "/dev/sda")
	assert.ErrorIs(t, err, ErrPartialBackup)
	require.NotNil(t, set)

	loaded, err := catalog.Load(set.Dir)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.PartitionCount)
	assert.Equal(t, 1, loaded.FailedPartitionCount)
	assert.True(t, loaded.Partitions[1].Failed)
	assert.Contains(t, loaded.Partitions[1].Error, "cannot read /dev/sda2")
	assert.NoFileExists(t, set.Path(catalog.ImageName(2, false)))
	assert.True(t, loaded.Partitions[2].HasImage())
}

func TestBackupRejectsInvalidSource(t *testing.T) {
	mounted := dualBootPartitions("/dev/sda")
	mounted[0].Mountpoints = []string{"/"}

	tests := []struct {
		name string
		disk *blockdev.Disk
		dev  string
	}{
		{name: "missing", disk: sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...), dev: "/dev/sdx"},
		{name: "mounted", disk: sourceDisk("/dev/sda", mounted...), dev: "/dev/sda"},
		{name: "no partitions", disk: sourceDisk("/dev/sda"), dev: "/dev/sda"},
		{name: "partition", disk: &blockdev.Disk{Path: "/dev/sda1", Type: "part"}, dev: "/dev/sda1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.disk)
			set, err := f.backup.Run(context.Background(), tt.dev)
			assert.Nil(t, set)
			assert.ErrorIs(t, err, ErrInvalidSource)
			assert.NoDirExists(t, util.SetsDir(f.base))
		})
	}
}

func TestBackupTableFailureDiscardsSet(t *testing.T) {
	src := sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...)
	src.PTType = "dos"
	f := newFixture(t, src)
	f.runner = tooltest.New(tooltest.FailWhen("sfdisk --dump", "sfdisk: cannot open /dev/sda"))
	f.backup.Table = &ptable.Manager{Runner: f.runner, Logger: logging.Discard()}

	set, err := f.backup.Run(context.Background(), "/dev/sda")
	assert.Nil(t, set)
	assert.ErrorContains(t, err, "failed to snapshot partition table")

	entries, err := os.ReadDir(util.SetsDir(f.base))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBackupPush(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))
	pusher := &fakePusher{}
	f.backup.Pusher = pusher

	set, err := f.backup.Run(context.Background(), "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, []string{set.Name()}, pusher.pushed)

	pusher.err = errors.New("bucket unreachable")
	f.backup.Now = func() time.Time { return time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC) }
	set, err = f.backup.Run(context.Background(), "/dev/sda")
	require.NotNil(t, set)
	assert.ErrorContains(t, err, "push failed")
	_, lerr := catalog.Load(set.Dir)
	assert.NoError(t, lerr)
}

func TestBackupCancelled(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	set, err := f.backup.Run(ctx, "/dev/sda")
	assert.Nil(t, set)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackupBIOSHost(t *testing.T) {
	f := newFixture(t, sourceDisk("/dev/sda", dualBootPartitions("/dev/sda")...))
	f.backup.SysRoot = t.TempDir()

	set, err := f.backup.Run(context.Background(), "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, blockdev.BIOS, set.BootMode)
}
