package list

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"drb/internal/catalog"
	"drb/internal/util"
)

// RemoteSets lists set names held in offsite storage.
type RemoteSets interface {
	ListSets(ctx context.Context) ([]string, error)
}

type Info struct {
	Name           string   `json:"name"`
	SourceDiskID   string   `json:"source_disk_id"`
	CreatedAt      int64    `json:"created_at"`
	CreatedAtStr   string   `json:"created_at_str"`
	BootMode       string   `json:"boot_mode,omitempty"`
	TableType      string   `json:"table_type,omitempty"`
	Partitions     int      `json:"partitions,omitempty"`
	Failed         int      `json:"failed_partitions,omitempty"`
	Encrypted      bool     `json:"encrypted"`
	StoredSizeGB   float64  `json:"stored_size_gb,omitempty"`
	SourceSizeGB   float64  `json:"source_size_gb,omitempty"`
	Hostname       string   `json:"hostname,omitempty"`
	PartitionKinds []string `json:"partition_kinds,omitempty"`
}

type Skipped struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type Output struct {
	Source  string    `json:"source"`
	Sets    []Info    `json:"sets"`
	Skipped []Skipped `json:"skipped,omitempty"`
	Summary struct {
		TotalSets         int     `json:"total_sets"`
		EncryptedSets     int     `json:"encrypted_sets"`
		PartialSets       int     `json:"partial_sets"`
		TotalStoredSizeGB float64 `json:"total_stored_size_gb"`
	} `json:"summary"`
}

const gib = 1 << 30

func gigabytes(n int64) float64 {
	return float64(n*100/gib) / 100
}

// Local writes the loadable sets under baseDir as JSON. Incomplete or corrupt
// sets are reported under skipped.
func Local(baseDir string, w io.Writer) error {
	sets, skipped, err := catalog.List(baseDir)
	if err != nil {
		return fmt.Errorf("failed to list backup sets: %w", err)
	}

	output := Output{Source: "local", Sets: []Info{}}
	for _, set := range sets {
		output.Sets = append(output.Sets, describe(set))
	}
	for name, err := range skipped {
		output.Skipped = append(output.Skipped, Skipped{Name: name, Error: err.Error()})
	}
	sort.Slice(output.Skipped, func(i, j int) bool {
		return output.Skipped[i].Name < output.Skipped[j].Name
	})

	return write(w, &output)
}

// Remote writes the sets found in offsite storage as JSON. Only what the set
// name carries is known without downloading metadata.
func Remote(ctx context.Context, sets RemoteSets, w io.Writer) error {
	names, err := sets.ListSets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote backup sets: %w", err)
	}

	output := Output{Source: "s3", Sets: []Info{}}
	for _, name := range names {
		info := Info{Name: name}
		if disk, ts, ok := util.ParseSetDirName(name); ok {
			info.SourceDiskID = disk
			info.CreatedAt = ts.Unix()
			info.CreatedAtStr = ts.Format("2006-01-02 15:04:05")
		}
		output.Sets = append(output.Sets, info)
	}

	return write(w, &output)
}

func describe(set *catalog.BackupSet) Info {
	info := Info{
		Name:         set.Name(),
		SourceDiskID: set.SourceDiskID,
		CreatedAt:    set.CreatedAt.Unix(),
		CreatedAtStr: set.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		BootMode:     string(set.BootMode),
		TableType:    set.TableType,
		Partitions:   set.PartitionCount,
		Failed:       set.FailedPartitionCount,
		Encrypted:    set.Encrypted(),
		SourceSizeGB: gigabytes(set.SourceSize),
		Hostname:     set.System.Hostname,
	}
	var stored int64
	for _, rec := range set.Partitions {
		stored += rec.Size
		kind := string(rec.FilesystemKind)
		if rec.Failed {
			kind += " (failed)"
		}
		info.PartitionKinds = append(info.PartitionKinds, kind)
	}
	info.StoredSizeGB = gigabytes(stored)
	return info
}

func write(w io.Writer, output *Output) error {
	output.Summary.TotalSets = len(output.Sets)
	for _, set := range output.Sets {
		if set.Encrypted {
			output.Summary.EncryptedSets++
		}
		if set.Failed > 0 {
			output.Summary.PartialSets++
		}
		output.Summary.TotalStoredSizeGB += set.StoredSizeGB
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

