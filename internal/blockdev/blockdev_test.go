package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drb/internal/tool/tooltest"
)

const lsblkSample = `{
   "blockdevices": [
      {"name":"sdb", "path":"/dev/sdb", "size":64424509440, "type":"disk", "fstype":null, "fsver":null, "parttype":null, "pttype":"gpt", "label":null, "mountpoints":[null],
         "children": [
            {"name":"sdb1", "path":"/dev/sdb1", "size":536870912, "type":"part", "fstype":"vfat", "fsver":"FAT32", "parttype":"C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "pttype":"gpt", "label":"EFI", "mountpoints":["/boot/efi"]},
            {"name":"sdb2", "path":"/dev/sdb2", "size":"21474836480", "type":"part", "fstype":"ntfs", "fsver":null, "parttype":"ebd0a0a2-b9e5-4433-87c0-68b6b72699c7", "pttype":"gpt", "label":"Windows", "mountpoints":[null]},
            {"name":"sdb3", "path":"/dev/sdb3", "size":2147483648, "type":"part", "fstype":"swap", "fsver":"1", "parttype":"0657fd6d-a4ab-43c4-84e5-0933c84b4f4f", "pttype":"gpt", "label":null, "mountpoints":[null]},
            {"name":"sdb4", "path":"/dev/sdb4", "size":40265318400, "type":"part", "fstype":"xfs", "fsver":null, "parttype":"0fc63daf-8483-4772-8e79-3d69d8477de4", "pttype":"gpt", "label":null, "mountpoints":[null]}
         ]
      }
   ]
}`

func TestParseLsblk(t *testing.T) {
	disk, err := ParseLsblk([]byte(lsblkSample))
	require.NoError(t, err)

	assert.Equal(t, "/dev/sdb", disk.Path)
	assert.Equal(t, uint64(64424509440), disk.Size)
	assert.Equal(t, "gpt", disk.PTType)
	assert.Empty(t, disk.Mountpoints)
	require.Len(t, disk.Partitions, 4)

	efi := disk.Partitions[0]
	assert.Equal(t, 1, efi.Index)
	assert.Equal(t, FAT32, efi.Kind)
	assert.Equal(t, "c12a7328-f81f-11d2-ba4b-00a0c93ec93b", efi.PartType)
	assert.True(t, efi.Mounted())

	assert.Equal(t, uint64(21474836480), disk.Partitions[1].Size)
	assert.Equal(t, NTFS, disk.Partitions[1].Kind)
	assert.Equal(t, Swap, disk.Partitions[2].Kind)
	assert.Equal(t, Unknown, disk.Partitions[3].Kind)
	assert.Equal(t, "xfs", disk.Partitions[3].FSType)

	assert.Equal(t, []string{"/dev/sdb1 -> /boot/efi"}, disk.MountedPaths())
}

func TestParseLsblkEmpty(t *testing.T) {
	_, err := ParseLsblk([]byte(`{"blockdevices":[]}`))
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestLsblkDisk(t *testing.T) {
	r := tooltest.New(tooltest.Reply("lsblk", lsblkSample))
	disk, err := (&Lsblk{Runner: r}).Disk(context.Background(), "sdb")
	require.NoError(t, err)
	assert.Len(t, disk.Partitions, 4)
	assert.Equal(t, 1, r.Count("/dev/sdb"))
}

func TestLsblkDiskMissing(t *testing.T) {
	r := tooltest.New(tooltest.FailWhen("lsblk", "lsblk: /dev/sdz: not a block device"))
	_, err := (&Lsblk{Runner: r}).Disk(context.Background(), "sdz")
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestParseFilesystemKind(t *testing.T) {
	tests := []struct {
		fstype, fsver string
		want          FilesystemKind
	}{
		{"ext4", "1.0", Ext4},
		{"ext3", "", Ext3},
		{"ext2", "", Ext2},
		{"ntfs", "", NTFS},
		{"vfat", "FAT16", FAT16},
		{"vfat", "FAT12", FAT16},
		{"vfat", "FAT32", FAT32},
		{"vfat", "", FAT32},
		{"swap", "1", Swap},
		{"", "", Unknown},
		{"btrfs", "", Unknown},
		{"crypto_LUKS", "2", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.fstype+"/"+tt.fsver, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFilesystemKind(tt.fstype, tt.fsver))
		})
	}
}

func TestIsLinuxNative(t *testing.T) {
	assert.True(t, IsLinuxNative("ext4"))
	assert.True(t, IsLinuxNative("XFS"))
	assert.True(t, IsLinuxNative("btrfs"))
	assert.False(t, IsLinuxNative("ntfs"))
	assert.False(t, IsLinuxNative("vfat"))
	assert.False(t, IsLinuxNative(""))
}

func TestDetectBootMode(t *testing.T) {
	sys := t.TempDir()
	assert.Equal(t, BIOS, DetectBootMode(sys))

	require.NoError(t, os.MkdirAll(filepath.Join(sys, "firmware", "efi"), 0o755))
	assert.Equal(t, UEFI, DetectBootMode(sys))
}

func TestParseBootMode(t *testing.T) {
	m, err := ParseBootMode("uefi")
	require.NoError(t, err)
	assert.Equal(t, UEFI, m)

	_, err = ParseBootMode("coreboot")
	assert.Error(t, err)
}

func TestLooksLikePartition(t *testing.T) {
	cases := []struct {
		dev  string
		want bool
	}{
		{"/dev/sda1", true},
		{"/dev/sda", false},
		{"/dev/mmcblk0p2", true},
		{"/dev/mmcblk0", false},
		{"/dev/nvme0n1p3", true},
		{"/dev/nvme0n1", false},
		{"/dev/loop0", false},
		{"/dev/loop0p1", true},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LooksLikePartition(tc.dev), tc.dev)
	}
}

func TestPartitionPath(t *testing.T) {
	assert.Equal(t, "/dev/sdb2", PartitionPath("sdb", 2))
	assert.Equal(t, "/dev/nvme0n1p1", PartitionPath("/dev/nvme0n1", 1))
	assert.Equal(t, "/dev/loop3p4", PartitionPath("loop3", 4))
}

func TestSameDiskAndID(t *testing.T) {
	assert.True(t, SameDisk("/dev/sda1", "sda"))
	assert.True(t, SameDisk("/dev/nvme0n1p1", "/dev/nvme0n1"))
	assert.False(t, SameDisk("/dev/sda1", "/dev/sdb1"))
	assert.Equal(t, "sda", DiskID("/dev/sda"))
	assert.Equal(t, "nvme0n1", DiskID("nvme0n1p2"))
}

func TestParseLsblkTableWithGaps(t *testing.T) {
	data := `{"blockdevices":[{"name":"nvme1n1","path":"/dev/nvme1n1","size":1000204886016,"type":"disk","pttype":"gpt","mountpoints":[null],
		"children":[
			{"name":"nvme1n1p1","path":"/dev/nvme1n1p1","size":536870912,"type":"part","fstype":"vfat","mountpoints":[null]},
			{"name":"nvme1n1p3","path":"/dev/nvme1n1p3","size":999667957760,"type":"part","fstype":"ntfs","mountpoints":[null]}
		]}]}`

	disk, err := ParseLsblk([]byte(data))
	require.NoError(t, err)
	require.Len(t, disk.Partitions, 2)
	assert.Equal(t, 1, disk.Partitions[0].Number)
	assert.Equal(t, 2, disk.Partitions[1].Index)
	assert.Equal(t, 3, disk.Partitions[1].Number)
}

func TestPartitionNumber(t *testing.T) {
	assert.Equal(t, 3, PartitionNumber("/dev/sdb", "sdb3"))
	assert.Equal(t, 12, PartitionNumber("sda", "/dev/sda12"))
	assert.Equal(t, 2, PartitionNumber("nvme0n1", "nvme0n1p2"))
	assert.Equal(t, 1, PartitionNumber("/dev/loop7", "/dev/loop7p1"))
	assert.Zero(t, PartitionNumber("sdb", "sdc1"))
	assert.Zero(t, PartitionNumber("nvme0n1", "nvme0n12"))
	assert.Zero(t, PartitionNumber("sdb", "sdb"))
}
