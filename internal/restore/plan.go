package restore

import (
	"fmt"

	"drb/internal/catalog"
	"drb/internal/codec"
)

// Describe lists what a restore of set would do, one line per action, for
// dry runs.
func Describe(set *catalog.BackupSet) []string {
	lines := []string{fmt.Sprintf("restore %s partition table from %s", tableName(set.TableType), set.Name())}
	for i := range set.Partitions {
		rec := &set.Partitions[i]
		switch {
		case rec.Failed:
			lines = append(lines, fmt.Sprintf("partition %d: not captured (%s), will fail", rec.Ordinal, rec.Error))
		case rec.Swap:
			lines = append(lines, fmt.Sprintf("partition %d: re-create swap signature", rec.Ordinal))
		default:
			method, err := codec.ParseMethod(rec.Codec, rec.FilesystemKind)
			if err != nil {
				lines = append(lines, fmt.Sprintf("partition %d: %v", rec.Ordinal, err))
				continue
			}
			enc := ""
			if rec.Encrypted {
				enc = ", encrypted"
			}
			lines = append(lines, fmt.Sprintf("partition %d: %s via %s (%s, %d bytes%s)",
				rec.Ordinal, rec.FilesystemKind, method, rec.Image, rec.Size, enc))
		}
	}
	if set.FailedPartitionCount > 0 {
		lines = append(lines, "bootloader: withheld, the set has failed partitions")
	} else {
		lines = append(lines, fmt.Sprintf("bootloader: classify restored disk and repair %s boot", set.BootMode))
	}
	return lines
}

func tableName(t string) string {
	if t == "" {
		return "unknown"
	}
	return t
}
