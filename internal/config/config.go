package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

type Timeouts struct {
	// Settle bounds the wait for the kernel to enumerate restored partitions.
	Settle time.Duration `yaml:"settle"`
	// Tool bounds every external command. Zero means no limit.
	Tool time.Duration `yaml:"tool,omitempty"`
}

type RestoreConfig struct {
	Parallelism        int           `yaml:"parallelism"`
	Stagger            time.Duration `yaml:"stagger"`
	AllowSmallerTarget bool          `yaml:"allow_smaller_target,omitempty"`
}

type MountConfig struct {
	BaseDir            string   `yaml:"base_dir"`
	ProtectedProcesses []string `yaml:"protected_processes,omitempty"`
	TerminateHolders   bool     `yaml:"terminate_holders,omitempty"`
}

type Config struct {
	BaseDir          string        `yaml:"base_dir"`
	LogLevel         string        `yaml:"log_level,omitempty"`
	AgePublicKey     string        `yaml:"age_public_key,omitempty"`
	CompressionLevel int           `yaml:"compression_level,omitempty"`
	Timeouts         Timeouts      `yaml:"timeouts"`
	Restore          RestoreConfig `yaml:"restore"`
	Mount            MountConfig   `yaml:"mount"`
	S3               S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storage_class"`
	Retry        struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

const (
	DefaultSettle         = 30 * time.Second
	DefaultStagger        = 5 * time.Second
	DefaultMountBaseDir   = "/run/drb"
	DefaultLogLevel       = "info"
	DefaultCompression    = 3
	defaultS3StorageClass = types.StorageClassStandard
)

// DefaultProtectedProcesses are never terminated by stuck-mount cleanup. A
// name also covers processes whose name starts with it, so sshd covers
// sshd-session and sshd-auth. Configured names are added to these.
var DefaultProtectedProcesses = []string{
	"sshd",
	"ssh-agent",
	"systemd",
	"init",
	"login",
	"agetty",
	"tmux",
	"tmux: server",
	"screen",
	"mosh-server",
}

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	// Defaults that zero may legitimately override are set before decoding.
	cfg := Config{Restore: RestoreConfig{Stagger: DefaultStagger}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = DefaultCompression
	}
	if c.Timeouts.Settle == 0 {
		c.Timeouts.Settle = DefaultSettle
	}
	if c.Mount.BaseDir == "" {
		c.Mount.BaseDir = DefaultMountBaseDir
	}
	c.Mount.ProtectedProcesses = mergeProtected(c.Mount.ProtectedProcesses)
	if c.S3.Enabled && c.S3.StorageClass == "" {
		c.S3.StorageClass = defaultS3StorageClass
	}
}

// mergeProtected adds the default session-critical processes to configured,
// which can only extend the list.
func mergeProtected(configured []string) []string {
	out := append([]string(nil), DefaultProtectedProcesses...)
	for _, name := range configured {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.AgePublicKey != "" && !strings.HasPrefix(c.AgePublicKey, "age1") {
		return fmt.Errorf("age_public_key must start with 'age1'")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 4 {
		return fmt.Errorf("compression_level must be between 1 and 4")
	}
	if c.Timeouts.Settle < 0 || c.Timeouts.Tool < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Restore.Parallelism < 0 {
		return fmt.Errorf("restore.parallelism must not be negative")
	}
	if c.Restore.Stagger < 0 {
		return fmt.Errorf("restore.stagger must not be negative")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
	}
	return nil
}

// Encrypted reports whether new images are age-encrypted.
func (c *Config) Encrypted() bool {
	return c.AgePublicKey != ""
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}
