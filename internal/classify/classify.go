package classify

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"drb/internal/blockdev"
	"drb/internal/logging"
	"drb/internal/mount"
)

type OSType string

const (
	Windows OSType = "WINDOWS"
	Linux   OSType = "LINUX"
	Mixed   OSType = "MIXED"
	Unknown OSType = "UNKNOWN"
)

// Prober inspects a partition's contents for a Windows installation.
type Prober interface {
	HasWindowsMarker(ctx context.Context, part blockdev.Partition) (bool, error)
}

// Result is the classification of one disk.
type Result struct {
	OS OSType
	// Windows is the first NTFS partition holding a Windows marker.
	Windows *blockdev.Partition
	// Linux lists the partitions with a Linux-native filesystem.
	Linux []blockdev.Partition
}

// Classify infers the operating systems on a disk from its partitions.
// The first NTFS partition with a Windows marker wins; a partition that
// cannot be probed is a non-match. Any Linux-native filesystem counts as a
// Linux indicator without looking inside.
func Classify(ctx context.Context, parts []blockdev.Partition, prober Prober, logger *slog.Logger) Result {
	logger = logging.OrDefault(logger)
	var res Result

	for i := range parts {
		p := parts[i]
		if blockdev.IsLinuxNative(p.FSType) {
			res.Linux = append(res.Linux, p)
			continue
		}
		if p.Kind != blockdev.NTFS || res.Windows != nil {
			continue
		}
		found, err := prober.HasWindowsMarker(ctx, p)
		if err != nil {
			logger.Info("Partition not probed, treating as non-Windows", "partition", p.Path, "error", err)
			continue
		}
		if found {
			res.Windows = &p
		}
	}

	switch {
	case res.Windows != nil && len(res.Linux) > 0:
		res.OS = Mixed
	case res.Windows != nil:
		res.OS = Windows
	case len(res.Linux) > 0:
		res.OS = Linux
	default:
		res.OS = Unknown
	}
	return res
}

var windowsMarkers = [][]string{
	{"Windows", "System32"},
	{"bootmgr"},
	{"Boot", "BCD"},
	{"EFI", "Microsoft", "Boot", "bootmgfw.efi"},
}

// HasWindowsMarker reports whether root holds any Windows system directory
// or boot manager file. Names match case-insensitively as NTFS does.
func HasWindowsMarker(root string) bool {
	for _, marker := range windowsMarkers {
		if _, ok := LookupFold(root, marker...); ok {
			return true
		}
	}
	return false
}

// LookupFold resolves elems under root ignoring case and returns the path
// as it exists on disk.
func LookupFold(root string, elems ...string) (string, bool) {
	cur := root
	for _, elem := range elems {
		entries, err := os.ReadDir(cur)
		if err != nil {
			return "", false
		}
		next := ""
		for _, e := range entries {
			if e.Name() == elem {
				next = e.Name()
				break
			}
			if next == "" && strings.EqualFold(e.Name(), elem) {
				next = e.Name()
			}
		}
		if next == "" {
			return "", false
		}
		cur = filepath.Join(cur, next)
	}
	return cur, true
}

// MountProber mounts candidates read-only in a throwaway scope.
type MountProber struct {
	Mounter *mount.Mounter
}

func (p *MountProber) HasWindowsMarker(ctx context.Context, part blockdev.Partition) (bool, error) {
	scope, err := p.Mounter.NewScope()
	if err != nil {
		return false, err
	}
	defer scope.Close(ctx)

	dir, err := scope.Mount(ctx, part.Path, "probe", "ro")
	if err != nil {
		return false, err
	}
	return HasWindowsMarker(dir), nil
}
