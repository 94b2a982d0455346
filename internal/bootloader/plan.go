package bootloader

import (
	"strings"

	"drb/internal/blockdev"
	"drb/internal/classify"
)

// Step is one boot-repair action.
type Step string

const (
	StepLinux                Step = "linux"
	StepWindowsEFIFiles      Step = "windows-efi-files"
	StepWindowsFirmwareEntry Step = "windows-firmware-entry"
	StepWindowsBootCode      Step = "windows-boot-code"
)

// dependsOn maps a step to the step whose failure makes it pointless.
var dependsOn = map[Step]Step{
	StepWindowsFirmwareEntry: StepWindowsEFIFiles,
}

// Plan returns the ordered steps for a disk. Linux goes first on mixed
// disks so GRUB becomes the primary loader and can chainload Windows.
func Plan(osType classify.OSType, mode blockdev.BootMode) []Step {
	uefi := mode == blockdev.UEFI
	switch osType {
	case classify.Windows:
		if uefi {
			return []Step{StepWindowsEFIFiles, StepWindowsFirmwareEntry}
		}
		return []Step{StepWindowsBootCode}
	case classify.Mixed:
		if uefi {
			return []Step{StepLinux, StepWindowsEFIFiles, StepWindowsFirmwareEntry}
		}
		return []Step{StepLinux}
	default:
		return []Step{StepLinux}
	}
}

const (
	efiPartitionGUID = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	efiMBRType       = "ef"
)

func isEFIType(partType string) bool {
	t := strings.ToLower(strings.TrimSpace(partType))
	return t == efiPartitionGUID || strings.TrimPrefix(t, "0x") == efiMBRType
}

// FindEFI returns the EFI system partition by type, falling back to the
// first FAT partition.
func FindEFI(parts []blockdev.Partition) *blockdev.Partition {
	for i := range parts {
		if isEFIType(parts[i].PartType) {
			return &parts[i]
		}
	}
	for i := range parts {
		if parts[i].Kind.IsFAT() {
			return &parts[i]
		}
	}
	return nil
}

// LargestNTFS returns the largest NTFS partition, the Windows system volume
// on every stock layout.
func LargestNTFS(parts []blockdev.Partition) *blockdev.Partition {
	return largest(parts, func(p blockdev.Partition) bool { return p.Kind == blockdev.NTFS })
}

// LargestLinuxRoot returns the largest partition with a Linux-native filesystem.
func LargestLinuxRoot(parts []blockdev.Partition) *blockdev.Partition {
	return largest(parts, func(p blockdev.Partition) bool { return blockdev.IsLinuxNative(p.FSType) })
}

func largest(parts []blockdev.Partition, match func(blockdev.Partition) bool) *blockdev.Partition {
	var best *blockdev.Partition
	for i := range parts {
		if !match(parts[i]) {
			continue
		}
		if best == nil || parts[i].Size > best.Size {
			best = &parts[i]
		}
	}
	return best
}
