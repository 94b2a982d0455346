package blockdev

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"drb/internal/tool"
)

// ErrNoDevice is returned when the requested disk does not exist.
var ErrNoDevice = errors.New("block device not found")

// Partition is one enumerated partition, in the order the kernel lists it.
// Index is the position in that order and maps backup ordinals; Number is
// the partition number in the table, which differs when the table has gaps.
type Partition struct {
	Path        string
	Name        string
	Index       int
	Number      int
	Size        uint64
	FSType      string
	FSVersion   string
	Kind        FilesystemKind
	PartType    string
	Label       string
	Mountpoints []string
}

func (p Partition) Mounted() bool {
	return len(p.Mountpoints) > 0
}

// Disk is a whole block device and its partitions.
type Disk struct {
	Path        string
	Name        string
	Size        uint64
	Type        string
	PTType      string
	Mountpoints []string
	Partitions  []Partition
}

// MountedPaths lists every mountpoint on the disk or any of its partitions.
func (d *Disk) MountedPaths() []string {
	var out []string
	for _, m := range d.Mountpoints {
		out = append(out, d.Path+" -> "+m)
	}
	for _, p := range d.Partitions {
		for _, m := range p.Mountpoints {
			out = append(out, p.Path+" -> "+m)
		}
	}
	return out
}

// Enumerator returns typed records for a disk.
type Enumerator interface {
	Disk(ctx context.Context, dev string) (*Disk, error)
}

// Lsblk enumerates devices through lsblk's JSON output.
type Lsblk struct {
	Runner tool.Runner
}

var lsblkColumns = "NAME,PATH,SIZE,TYPE,FSTYPE,FSVER,PARTTYPE,PTTYPE,LABEL,MOUNTPOINTS"

func (l *Lsblk) Disk(ctx context.Context, dev string) (*Disk, error) {
	path := DevicePath(dev)
	var out bytes.Buffer
	res := l.Runner.Run(ctx, tool.Command{
		Name:   "lsblk",
		Args:   []string{"--json", "--bytes", "--output", lsblkColumns, path},
		Stdout: &out,
	})
	if !res.OK() {
		if strings.Contains(res.Output, "not a block device") || strings.Contains(res.Output, "No such file") {
			return nil, fmt.Errorf("%s: %w", path, ErrNoDevice)
		}
		return nil, res.Err()
	}
	return ParseLsblk(out.Bytes())
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Size        json.Number   `json:"size"`
	Type        string        `json:"type"`
	FSType      *string       `json:"fstype"`
	FSVer       *string       `json:"fsver"`
	PartType    *string       `json:"parttype"`
	PTType      *string       `json:"pttype"`
	Label       *string       `json:"label"`
	Mountpoints []*string     `json:"mountpoints"`
	Children    []lsblkDevice `json:"children"`
}

// ParseLsblk decodes `lsblk --json --bytes` output for a single disk.
func ParseLsblk(data []byte) (*Disk, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	if len(out.BlockDevices) == 0 {
		return nil, ErrNoDevice
	}
	raw := out.BlockDevices[0]
	size, _ := raw.Size.Int64()
	disk := &Disk{
		Path:        raw.Path,
		Name:        raw.Name,
		Size:        uint64(size),
		Type:        raw.Type,
		PTType:      deref(raw.PTType),
		Mountpoints: mountpoints(raw.Mountpoints),
	}
	if disk.Path == "" {
		disk.Path = DevicePath(raw.Name)
	}

	index := 0
	for _, c := range raw.Children {
		if c.Type != "part" {
			continue
		}
		index++
		psize, _ := c.Size.Int64()
		p := Partition{
			Path:        c.Path,
			Name:        c.Name,
			Index:       index,
			Size:        uint64(psize),
			FSType:      deref(c.FSType),
			FSVersion:   deref(c.FSVer),
			PartType:    strings.ToLower(deref(c.PartType)),
			Label:       deref(c.Label),
			Mountpoints: mountpoints(c.Mountpoints),
		}
		if p.Path == "" {
			p.Path = DevicePath(c.Name)
		}
		if p.Number = PartitionNumber(disk.Name, c.Name); p.Number == 0 {
			p.Number = index
		}
		p.Kind = ParseFilesystemKind(p.FSType, p.FSVersion)
		disk.Partitions = append(disk.Partitions, p)
	}
	return disk, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func mountpoints(in []*string) []string {
	var out []string
	for _, m := range in {
		if m != nil && *m != "" {
			out = append(out, *m)
		}
	}
	return out
}
