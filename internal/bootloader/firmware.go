package bootloader

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"drb/internal/tool"
)

// Entry is one firmware boot entry.
type Entry struct {
	Num    string
	Label  string
	Loader string
	Active bool
}

// Firmware is the UEFI boot-entry registry.
type Firmware interface {
	List(ctx context.Context) ([]Entry, error)
	Add(ctx context.Context, disk string, partition int, label, loader string) error
}

// EFIBootMgr manages entries with efibootmgr.
type EFIBootMgr struct {
	Runner tool.Runner
}

func (e *EFIBootMgr) List(ctx context.Context) ([]Entry, error) {
	res := e.Runner.Run(ctx, tool.Command{Name: "efibootmgr", Args: []string{"-v"}})
	if err := res.Err(); err != nil {
		return nil, err
	}
	return ParseEntries(res.Output), nil
}

func (e *EFIBootMgr) Add(ctx context.Context, disk string, partition int, label, loader string) error {
	return e.Runner.Run(ctx, tool.Command{
		Name: "efibootmgr",
		Args: []string{
			"--create",
			"--disk", disk,
			"--part", strconv.Itoa(partition),
			"--label", label,
			"--loader", loader,
		},
	}).Err()
}

var (
	entryLine = regexp.MustCompile(`^Boot([0-9A-Fa-f]{4})(\*?)\s+(.*)$`)
	fileRef   = regexp.MustCompile(`(?i)File\(([^)]*)\)`)
)

// ParseEntries reads `efibootmgr -v` output.
func ParseEntries(out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		m := entryLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		rest := m[3]
		label := rest
		if i := strings.IndexAny(rest, "\t"); i >= 0 {
			label = rest[:i]
		} else if i := strings.Index(rest, "  "); i >= 0 {
			label = rest[:i]
		}
		entry := Entry{Num: m[1], Active: m[2] == "*", Label: strings.TrimSpace(label)}
		if f := fileRef.FindStringSubmatch(rest); f != nil {
			entry.Loader = f[1]
		}
		entries = append(entries, entry)
	}
	return entries
}
