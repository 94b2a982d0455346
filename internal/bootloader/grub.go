package bootloader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"drb/internal/blockdev"
	"drb/internal/tool"
)

// Installer installs and configures the Linux bootloader inside a mounted root.
type Installer interface {
	Install(ctx context.Context, root, disk string, mode blockdev.BootMode) error
	// Regenerate rewrites the boot menu. Running it twice is harmless.
	Regenerate(ctx context.Context, root string) error
}

// GrubInstaller runs GRUB's tools chrooted into the restored system.
type GrubInstaller struct {
	Runner tool.Runner
}

type grubFlavor struct {
	install  string
	mkconfig string
	config   string
}

var (
	grub  = grubFlavor{install: "grub-install", mkconfig: "grub-mkconfig", config: "/boot/grub/grub.cfg"}
	grub2 = grubFlavor{install: "grub2-install", mkconfig: "grub2-mkconfig", config: "/boot/grub2/grub.cfg"}
)

func hasBinary(root, name string) bool {
	for _, dir := range []string{"usr/sbin", "usr/bin", "sbin", "bin"} {
		if _, err := os.Stat(filepath.Join(root, dir, name)); err == nil {
			return true
		}
	}
	return false
}

func flavor(root string) grubFlavor {
	if !hasBinary(root, grub.install) && hasBinary(root, grub2.install) {
		return grub2
	}
	return grub
}

func (g *GrubInstaller) chroot(ctx context.Context, root string, args ...string) error {
	return g.Runner.Run(ctx, tool.Command{Name: "chroot", Args: append([]string{root}, args...)}).Err()
}

func (g *GrubInstaller) Install(ctx context.Context, root, disk string, mode blockdev.BootMode) error {
	f := flavor(root)
	if mode == blockdev.UEFI {
		return g.chroot(ctx, root, f.install,
			"--target=x86_64-efi",
			"--efi-directory=/boot/efi",
			"--bootloader-id="+bootloaderID(root),
			"--recheck",
		)
	}
	return g.chroot(ctx, root, f.install, "--target=i386-pc", "--recheck", disk)
}

func (g *GrubInstaller) Regenerate(ctx context.Context, root string) error {
	if hasBinary(root, "update-grub") {
		return g.chroot(ctx, root, "update-grub")
	}
	f := flavor(root)
	return g.chroot(ctx, root, f.mkconfig, "-o", f.config)
}

// bootloaderID names the EFI directory after the distribution.
func bootloaderID(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "etc", "os-release"))
	if err != nil {
		return "linux"
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if v, ok := strings.CutPrefix(scanner.Text(), "ID="); ok {
			if id := strings.Trim(v, `"`); id != "" {
				return id
			}
		}
	}
	return "linux"
}

const osProberKey = "GRUB_DISABLE_OS_PROBER"

// EnableOSProber makes GRUB look for other operating systems the next time
// its configuration is generated.
func EnableOSProber(root string) error {
	path := filepath.Join(root, "etc", "default", "grub")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	want := osProberKey + "=false"
	var lines []string
	replaced := false
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		trimmed := strings.TrimLeft(strings.TrimSpace(line), "#")
		if strings.HasPrefix(strings.TrimSpace(trimmed), osProberKey+"=") {
			if !replaced {
				lines = append(lines, want)
				replaced = true
			}
			continue
		}
		lines = append(lines, line)
	}
	if !replaced {
		lines = append(lines, want)
	}

	out := strings.TrimLeft(strings.Join(lines, "\n"), "\n") + "\n"
	if out == string(data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
