package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"drb/internal/blockdev"
	"drb/internal/util"
)

var (
	ErrNotFound = errors.New("backup set not found")
	ErrCorrupt  = errors.New("backup set corrupt")
)

const (
	MetadataFile = "metadata.yaml"
	maxSuffix    = 1000
)

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

func SidecarName(ordinal int) string {
	return fmt.Sprintf("part%d.yaml", ordinal)
}

func ImageName(ordinal int, encrypted bool) string {
	name := fmt.Sprintf("part%d.img.zst", ordinal)
	if encrypted {
		name += ".age"
	}
	return name
}

// Create allocates a new set directory under <baseDir>/sets. Nothing but the
// directory exists until partitions are appended and the set is finalized.
func Create(baseDir, sourceDiskID string, now time.Time) (*BackupSet, error) {
	setsDir := util.SetsDir(baseDir)
	if err := os.MkdirAll(setsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sets directory: %w", err)
	}

	name := util.SetDirName(sourceDiskID, now)
	dir := filepath.Join(setsDir, name)
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create set directory: %w", err)
		}
		if i > maxSuffix {
			return nil, fmt.Errorf("failed to allocate set directory for %s", name)
		}
		dir = filepath.Join(setsDir, fmt.Sprintf("%s_%d", name, i))
	}

	return &BackupSet{
		Metadata: Metadata{
			SourceDiskID: sourceDiskID,
			CreatedAt:    now.UTC(),
		},
		Dir: dir,
	}, nil
}

func (s *BackupSet) Name() string {
	return filepath.Base(s.Dir)
}

func (s *BackupSet) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// ImagePath returns the absolute path of the record's image.
func (s *BackupSet) ImagePath(r *PartitionRecord) string {
	return s.Path(r.Image)
}

// Encrypted reports whether any image of the set needs an age identity.
func (s *BackupSet) Encrypted() bool {
	for i := range s.Partitions {
		if s.Partitions[i].Encrypted {
			return true
		}
	}
	return false
}

// AppendPartition records one partition outcome and writes its sidecar.
func (s *BackupSet) AppendPartition(ordinal int, kind blockdev.FilesystemKind, c Capture) error {
	if want := len(s.Partitions) + 1; ordinal != want {
		return fmt.Errorf("partition ordinal %d out of sequence, expected %d", ordinal, want)
	}

	rec := PartitionRecord{
		Ordinal:        ordinal,
		FilesystemKind: kind,
		Codec:          c.Codec,
		SourceSize:     c.SourceSize,
		Label:          c.Label,
	}
	switch {
	case c.Err != nil:
		rec.Failed = true
		rec.Error = c.Err.Error()
	case kind == blockdev.Swap:
		rec.Swap = true
	case c.Image == "":
		rec.Failed = true
		rec.Error = "no image produced"
	default:
		rec.Image = c.Image
		rec.Size = c.Size
		rec.Blake3 = c.Blake3
		rec.Encrypted = c.Encrypted
	}

	if err := writeYAML(s.Path(SidecarName(ordinal)), &rec); err != nil {
		return fmt.Errorf("failed to write sidecar for partition %d: %w", ordinal, err)
	}
	s.Partitions = append(s.Partitions, rec)
	return nil
}

// Finalize writes metadata.yaml. A set without it is not loadable.
func (s *BackupSet) Finalize(bootMode blockdev.BootMode) error {
	s.BootMode = bootMode
	s.PartitionCount = len(s.Partitions)
	s.FailedPartitionCount = 0
	for i := range s.Partitions {
		if s.Partitions[i].Failed {
			s.FailedPartitionCount++
		}
	}
	if err := writeYAML(s.Path(MetadataFile), &s.Metadata); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// Load reads and checks a finalized set.
func Load(dir string) (*BackupSet, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	set := &BackupSet{Dir: dir}
	if err := yaml.Unmarshal(data, &set.Metadata); err != nil {
		return nil, corrupt("metadata: %v", err)
	}

	sidecars, err := filepath.Glob(filepath.Join(dir, "part*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, path := range sidecars {
		var rec PartitionRecord
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sidecar: %w", err)
		}
		if err := yaml.Unmarshal(data, &rec); err != nil {
			return nil, corrupt("%s: %v", filepath.Base(path), err)
		}
		set.Partitions = append(set.Partitions, rec)
	}
	sort.Slice(set.Partitions, func(i, j int) bool {
		return set.Partitions[i].Ordinal < set.Partitions[j].Ordinal
	})

	if err := set.check(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *BackupSet) check() error {
	if len(s.Partitions) != s.PartitionCount {
		return corrupt("metadata declares %d partitions, found %d sidecars", s.PartitionCount, len(s.Partitions))
	}

	failed := 0
	for i := range s.Partitions {
		rec := &s.Partitions[i]
		if rec.Ordinal != i+1 {
			return corrupt("partition ordinals not contiguous at %d", rec.Ordinal)
		}
		if rec.Image != "" && !isFileName(rec.Image) {
			return corrupt("partition %d image %q is not a file name inside the set", rec.Ordinal, rec.Image)
		}
		switch {
		case rec.Failed:
			failed++
		case rec.Swap != (rec.FilesystemKind == blockdev.Swap):
			return corrupt("partition %d swap marker disagrees with filesystem kind %s", rec.Ordinal, rec.FilesystemKind)
		case rec.Swap && rec.Image != "":
			return corrupt("partition %d marked swap but references an image", rec.Ordinal)
		case rec.Swap:
		case rec.Image == "":
			return corrupt("partition %d has neither image nor swap marker", rec.Ordinal)
		default:
			if _, err := os.Stat(s.ImagePath(rec)); err != nil {
				return corrupt("partition %d image %s: %v", rec.Ordinal, rec.Image, err)
			}
		}
	}
	if failed != s.FailedPartitionCount {
		return corrupt("metadata declares %d failed partitions, found %d", s.FailedPartitionCount, failed)
	}
	return nil
}

func isFileName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// Files lists the regular files of the set, excluding partial writes.
func (s *BackupSet) Files() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}

// List returns every loadable set under <baseDir>/sets, newest first.
// Incomplete or corrupt sets are reported through skipped.
func List(baseDir string) (sets []*BackupSet, skipped map[string]error, err error) {
	entries, err := os.ReadDir(util.SetsDir(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	skipped = make(map[string]error)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		set, err := Load(filepath.Join(util.SetsDir(baseDir), e.Name()))
		if err != nil {
			skipped[e.Name()] = err
			continue
		}
		sets = append(sets, set)
	}

	sort.SliceStable(sets, func(i, j int) bool {
		if sets[i].CreatedAt.Equal(sets[j].CreatedAt) {
			return sets[i].Name() > sets[j].Name()
		}
		return sets[i].CreatedAt.After(sets[j].CreatedAt)
	})
	return sets, skipped, nil
}

// Resolve accepts a set directory or a set name under <baseDir>/sets.
func Resolve(baseDir, ref string) string {
	if strings.ContainsRune(ref, filepath.Separator) {
		return ref
	}
	return filepath.Join(util.SetsDir(baseDir), ref)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
