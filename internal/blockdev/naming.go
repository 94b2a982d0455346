package blockdev

import (
	"fmt"
	"strconv"
	"strings"
)

// DevicePath turns "sda" into "/dev/sda" and leaves full paths alone.
func DevicePath(name string) string {
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}

// DiskID is the short identifier used in set directory names ("sda").
func DiskID(dev string) string {
	return strings.TrimPrefix(BaseDisk(DevicePath(dev)), "/dev/")
}

// PartitionPath builds the node of partition index on disk, honouring the
// "p" separator used by nvme, mmcblk and loop devices.
func PartitionPath(disk string, index int) string {
	name := strings.TrimPrefix(DevicePath(disk), "/dev/")
	if needsPartitionSeparator(name) {
		return fmt.Sprintf("/dev/%sp%d", name, index)
	}
	return fmt.Sprintf("/dev/%s%d", name, index)
}

// PartitionNumber is the kernel partition number carried by the node name of
// part on disk: sdb3 -> 3, nvme0n1p2 -> 2. It is zero when part is not named
// after disk.
func PartitionNumber(disk, part string) int {
	d := strings.TrimPrefix(DevicePath(disk), "/dev/")
	rest, ok := strings.CutPrefix(strings.TrimPrefix(DevicePath(part), "/dev/"), d)
	if !ok || d == "" {
		return 0
	}
	if needsPartitionSeparator(d) {
		if rest, ok = strings.CutPrefix(rest, "p"); !ok {
			return 0
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func needsPartitionSeparator(name string) bool {
	if name == "" {
		return false
	}
	last := name[len(name)-1]
	return last >= '0' && last <= '9'
}

// LooksLikePartition reports whether dev names a partition rather than a
// whole disk (sda1, nvme0n1p2, mmcblk0p1, loop0p1).
func LooksLikePartition(dev string) bool {
	name := strings.TrimPrefix(dev, "/dev/")
	if name == "" {
		return false
	}
	for _, prefix := range []string{"nvme", "mmcblk", "loop"} {
		if strings.HasPrefix(name, prefix) {
			rest := name[len(prefix):]
			idx := strings.LastIndex(rest, "p")
			if idx <= 0 || idx == len(rest)-1 {
				return false
			}
			_, err := strconv.Atoi(rest[idx+1:])
			return err == nil
		}
	}
	last := name[len(name)-1]
	return last >= '0' && last <= '9'
}

// BaseDisk strips a partition suffix: /dev/nvme0n1p2 -> /dev/nvme0n1,
// /dev/sda1 -> /dev/sda.
func BaseDisk(dev string) string {
	if !LooksLikePartition(dev) {
		return dev
	}
	s := strings.TrimRight(dev, "0123456789")
	name := strings.TrimPrefix(s, "/dev/")
	for _, prefix := range []string{"nvme", "mmcblk", "loop"} {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(s, "p") {
			return strings.TrimSuffix(s, "p")
		}
	}
	return s
}

// SameDisk reports whether a and b live on the same whole disk.
func SameDisk(a, b string) bool {
	return BaseDisk(DevicePath(a)) == BaseDisk(DevicePath(b))
}
