// Package blockdevtest provides an in-memory blockdev.Enumerator.
package blockdevtest

import (
	"context"
	"fmt"
	"sync"

	"drb/internal/blockdev"
)

type Enumerator struct {
	mu    sync.Mutex
	disks map[string]*blockdev.Disk
	calls map[string]int
}

func New(disks ...*blockdev.Disk) *Enumerator {
	e := &Enumerator{disks: make(map[string]*blockdev.Disk), calls: make(map[string]int)}
	for _, d := range disks {
		e.Set(d)
	}
	return e
}

// Set replaces the record returned for d.Path.
func (e *Enumerator) Set(d *blockdev.Disk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disks[d.Path] = d
}

func (e *Enumerator) Disk(_ context.Context, dev string) (*blockdev.Disk, error) {
	path := blockdev.DevicePath(dev)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[path]++
	d, ok := e.disks[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, blockdev.ErrNoDevice)
	}
	cp := *d
	cp.Partitions = append([]blockdev.Partition(nil), d.Partitions...)
	return &cp, nil
}

func (e *Enumerator) Calls(dev string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[blockdev.DevicePath(dev)]
}

// Partition builds an enumerated partition of disk at index.
func Partition(disk string, index int, fstype string, size uint64) blockdev.Partition {
	path := blockdev.PartitionPath(disk, index)
	return blockdev.Partition{
		Path:   path,
		Name:   path[len("/dev/"):],
		Index:  index,
		Number: index,
		Size:   size,
		FSType: fstype,
		Kind:   blockdev.ParseFilesystemKind(fstype, ""),
	}
}

// Disk builds an unmounted whole disk holding parts.
func Disk(path string, size uint64, ptType string, parts ...blockdev.Partition) *blockdev.Disk {
	return &blockdev.Disk{
		Path:       path,
		Name:       path[len("/dev/"):],
		Size:       size,
		Type:       "disk",
		PTType:     ptType,
		Partitions: parts,
	}
}
