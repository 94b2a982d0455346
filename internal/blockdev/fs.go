package blockdev

import "strings"

// FilesystemKind is the filesystem family a partition image is taken with.
type FilesystemKind string

const (
	Ext2    FilesystemKind = "ext2"
	Ext3    FilesystemKind = "ext3"
	Ext4    FilesystemKind = "ext4"
	NTFS    FilesystemKind = "ntfs"
	FAT16   FilesystemKind = "fat16"
	FAT32   FilesystemKind = "fat32"
	Swap    FilesystemKind = "swap"
	Unknown FilesystemKind = "unknown"
)

// ParseFilesystemKind maps blkid/lsblk FSTYPE and FSVER values to a kind.
// Anything not listed is Unknown, which images with the raw copier.
func ParseFilesystemKind(fstype, fsver string) FilesystemKind {
	switch strings.ToLower(strings.TrimSpace(fstype)) {
	case "ext2":
		return Ext2
	case "ext3":
		return Ext3
	case "ext4":
		return Ext4
	case "ntfs", "ntfs3":
		return NTFS
	case "swap":
		return Swap
	case "vfat", "fat", "msdos":
		switch strings.ToUpper(strings.TrimSpace(fsver)) {
		case "FAT12", "FAT16":
			return FAT16
		default:
			return FAT32
		}
	case "fat16":
		return FAT16
	case "fat32":
		return FAT32
	default:
		return Unknown
	}
}

func (k FilesystemKind) IsExt() bool {
	return k == Ext2 || k == Ext3 || k == Ext4
}

func (k FilesystemKind) IsFAT() bool {
	return k == FAT16 || k == FAT32
}

func (k FilesystemKind) Valid() bool {
	switch k {
	case Ext2, Ext3, Ext4, NTFS, FAT16, FAT32, Swap, Unknown:
		return true
	}
	return false
}

var linuxNative = map[string]bool{
	"ext2":     true,
	"ext3":     true,
	"ext4":     true,
	"xfs":      true,
	"btrfs":    true,
	"f2fs":     true,
	"jfs":      true,
	"reiserfs": true,
}

// IsLinuxNative reports whether a raw FSTYPE is a filesystem a Linux root
// would normally live on.
func IsLinuxNative(fstype string) bool {
	return linuxNative[strings.ToLower(strings.TrimSpace(fstype))]
}
