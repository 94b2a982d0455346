package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrLocked is returned when another live process already claims the path.
var ErrLocked = errors.New("already locked")

type Entry struct {
	Pid       int    `yaml:"pid"`
	StartedAt string `yaml:"started_at"`
	Disk      string `yaml:"disk,omitempty"`
	Operation string `yaml:"operation,omitempty"`
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func writeTemp(path string, entry *Entry) (string, error) {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// create links a fully written entry into place; it fails if path exists.
func create(path string, entry *Entry) error {
	tmp, err := writeTemp(path, entry)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	return os.Link(tmp, path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// Acquire claims lockPath for the calling process.
// Returns a release function which should be called (deferred) when work is done.
func Acquire(lockPath string) (func() error, error) {
	return acquire(lockPath, &Entry{})
}

// AcquireDisk claims a block device for one backup or restore. Locks live in
// dir, one file per disk name.
func AcquireDisk(dir, disk, operation string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	name := strings.ReplaceAll(strings.TrimPrefix(disk, "/dev/"), "/", "_")
	return acquire(filepath.Join(dir, name+".lock"), &Entry{Disk: disk, Operation: operation})
}

func acquire(lockPath string, entry *Entry) (func() error, error) {
	entry.Pid = os.Getpid()
	entry.StartedAt = time.Now().Format(time.RFC3339)

	for attempt := 0; attempt < 2; attempt++ {
		err := create(lockPath, entry)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, err
		}

		existing, rerr := readLock(lockPath)
		if rerr != nil {
			return nil, rerr
		}
		if existing != nil && existing.Pid > 0 && isProcessAlive(existing.Pid) {
			if existing.Operation != "" {
				return nil, fmt.Errorf("%w by pid %d (%s since %s)", ErrLocked, existing.Pid, existing.Operation, existing.StartedAt)
			}
			return nil, fmt.Errorf("%w by pid %d (started %s)", ErrLocked, existing.Pid, existing.StartedAt)
		}
		if attempt == 1 {
			return nil, fmt.Errorf("%w: could not reclaim stale lock %s", ErrLocked, lockPath)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	release := func() error {
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	return release, nil
}
