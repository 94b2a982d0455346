package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"drb/internal/config"
)

// Tools are the external commands backup and restore shell out to.
var Tools = []string{
	"lsblk",
	"blockdev",
	"sgdisk",
	"sfdisk",
	"partprobe",
	"udevadm",
	"partclone.extfs",
	"partclone.ntfs",
	"partclone.fat",
	"dd",
	"mkswap",
	"mount",
	"umount",
	"fuser",
	"kill",
	"chroot",
	"efibootmgr",
}

// Checker verifies the host can run drb. The zero value checks the real host.
type Checker struct {
	LookPath func(string) (string, error)
	Geteuid  func() int
	// Remote verifies S3 credentials; it is only called when S3 is enabled.
	Remote func(ctx context.Context) error
}

func (c *Checker) lookPath(name string) (string, error) {
	if c.LookPath != nil {
		return c.LookPath(name)
	}
	return exec.LookPath(name)
}

func (c *Checker) euid() int {
	if c.Geteuid != nil {
		return c.Geteuid()
	}
	return os.Geteuid()
}

// Prerequisites reports missing privileges or tools.
func (c *Checker) Prerequisites() error {
	if c.euid() != 0 {
		return fmt.Errorf("drb must run as root because it rewrites disks and mounts filesystems")
	}

	var missing []string
	for _, name := range Tools {
		if _, err := c.lookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required commands: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Run prints one line per passed check and stops at the first failure.
func (c *Checker) Run(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintln(w, "config: OK")

	if err := c.Prerequisites(); err != nil {
		return err
	}
	fmt.Fprintf(w, "tools (%d): OK\n", len(Tools))

	if _, err := os.Stat(cfg.BaseDir); err != nil {
		fmt.Fprintf(w, "base_dir %s: will be created\n", cfg.BaseDir)
	} else {
		fmt.Fprintf(w, "base_dir %s: OK\n", cfg.BaseDir)
	}

	if cfg.Encrypted() {
		fmt.Fprintln(w, "encryption: enabled")
	} else {
		fmt.Fprintln(w, "encryption: disabled")
	}

	if cfg.S3.Enabled {
		if c.Remote == nil {
			return fmt.Errorf("S3 credentials: no verifier configured")
		}
		if err := c.Remote(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(w, "S3 bucket %s: OK\n", cfg.S3.Bucket)
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}
