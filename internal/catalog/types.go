package catalog

import (
	"time"

	"drb/internal/blockdev"
)

type SystemInfo struct {
	Hostname string `yaml:"hostname"`
	OS       string `yaml:"os"`
	Kernel   string `yaml:"kernel"`
}

// Metadata is the set-level record stored as metadata.yaml.
type Metadata struct {
	SourceDiskID         string            `yaml:"source_disk_id"`
	CreatedAt            time.Time         `yaml:"created_at"`
	BootMode             blockdev.BootMode `yaml:"boot_mode"`
	PartitionCount       int               `yaml:"partition_count"`
	FailedPartitionCount int               `yaml:"failed_partition_count"`
	SourceSize           int64             `yaml:"source_size,omitempty"`
	TableType            string            `yaml:"table_type,omitempty"`
	AgePublicKey         string            `yaml:"age_public_key,omitempty"`
	System               SystemInfo        `yaml:"system"`
}

// PartitionRecord is one partition of a set, stored as partN.yaml.
// A record holds exactly one of Image or Swap unless Failed is set.
type PartitionRecord struct {
	Ordinal        int                     `yaml:"ordinal"`
	FilesystemKind blockdev.FilesystemKind `yaml:"filesystem_kind"`
	Codec          string                  `yaml:"codec,omitempty"`
	Image          string                  `yaml:"image,omitempty"`
	Swap           bool                    `yaml:"swap,omitempty"`
	Failed         bool                    `yaml:"failed,omitempty"`
	Error          string                  `yaml:"error,omitempty"`
	Size           int64                   `yaml:"size,omitempty"`
	Blake3         string                  `yaml:"blake3,omitempty"`
	Encrypted      bool                    `yaml:"encrypted,omitempty"`
	SourceSize     int64                   `yaml:"source_size,omitempty"`
	Label          string                  `yaml:"label,omitempty"`
}

// HasImage reports whether the record references an image artifact.
func (r *PartitionRecord) HasImage() bool {
	return !r.Failed && !r.Swap && r.Image != ""
}

// Capture is the outcome of imaging one partition, as reported by the backup
// side. A non-nil Err records the partition as failed.
type Capture struct {
	Codec      string
	Image      string
	Size       int64
	Blake3     string
	Encrypted  bool
	SourceSize int64
	Label      string
	Err        error
}

// BackupSet is one backup of one source disk.
type BackupSet struct {
	Metadata   `yaml:",inline"`
	Dir        string            `yaml:"-"`
	Partitions []PartitionRecord `yaml:"-"`
}
