package bootloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"drb/internal/blockdev"
	"drb/internal/classify"
	"drb/internal/logging"
	"drb/internal/mount"
	"drb/internal/ptable"
)

const (
	WindowsLoader = `\EFI\Microsoft\Boot\bootmgfw.efi`
	WindowsLabel  = "Windows Boot Manager"
)

// BootCode restores legacy BIOS boot code.
type BootCode interface {
	WriteBootCode(ctx context.Context, disk, bootSector string) error
	SetActive(ctx context.Context, disk string, index int) error
}

// Machine runs the boot-repair plan for one restored disk.
type Machine struct {
	Mounter   *mount.Mounter
	Installer Installer
	Firmware  Firmware
	BootCode  BootCode
	Logger    *slog.Logger
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type StepResult struct {
	Step     Step
	Status   Status
	Err      error
	Warnings []string
}

// Outcome records what boot repair did. It never fails a restore.
type Outcome struct {
	OS    classify.OSType
	Mode  blockdev.BootMode
	Steps []StepResult
}

// Warnings lists every step failure and in-step warning.
func (o *Outcome) Warnings() []string {
	var out []string
	for _, s := range o.Steps {
		switch s.Status {
		case StatusFailed:
			out = append(out, fmt.Sprintf("%s: %v", s.Step, s.Err))
		case StatusSkipped:
			out = append(out, fmt.Sprintf("%s: skipped", s.Step))
		}
		for _, w := range s.Warnings {
			out = append(out, fmt.Sprintf("%s: %s", s.Step, w))
		}
	}
	return out
}

func (o *Outcome) Clean() bool {
	return len(o.Warnings()) == 0
}

// Target is the disk being repaired.
type Target struct {
	Disk *blockdev.Disk
	// BootSector is the captured first MiB, used on Windows BIOS disks.
	BootSector string
}

type stepFunc func(ctx context.Context, t Target, mode blockdev.BootMode) (warnings []string, err error)

// Install runs Plan(osType, mode) against t. A failed step is logged and
// skips only the steps that depend on it.
func (m *Machine) Install(ctx context.Context, t Target, osType classify.OSType, mode blockdev.BootMode) *Outcome {
	logger := logging.OrDefault(m.Logger)
	out := &Outcome{OS: osType, Mode: mode}
	status := make(map[Step]Status)

	steps := map[Step]stepFunc{
		StepLinux:                m.linux,
		StepWindowsEFIFiles:      m.windowsEFIFiles,
		StepWindowsFirmwareEntry: m.windowsFirmwareEntry,
		StepWindowsBootCode:      m.windowsBootCode,
	}

	for _, step := range Plan(osType, mode) {
		if dep, ok := dependsOn[step]; ok {
			if st, planned := status[dep]; planned && st != StatusOK {
				logger.Warn("Bootloader step skipped", "step", step, "dependsOn", dep)
				status[step] = StatusSkipped
				out.Steps = append(out.Steps, StepResult{Step: step, Status: StatusSkipped})
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			status[step] = StatusSkipped
			out.Steps = append(out.Steps, StepResult{Step: step, Status: StatusSkipped, Err: err})
			continue
		}

		logger.Info("Bootloader step started", "step", step, "os", osType, "mode", mode)
		warnings, err := steps[step](ctx, t, mode)
		res := StepResult{Step: step, Status: StatusOK, Warnings: warnings}
		for _, w := range warnings {
			logger.Warn("Bootloader step warning", "step", step, "warning", w)
		}
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			logger.Warn("Bootloader step failed", "step", step, "error", err)
		} else {
			logger.Info("Bootloader step finished", "step", step)
		}
		status[step] = res.Status
		out.Steps = append(out.Steps, res)
	}
	return out
}

var linuxBinds = []string{"dev", "dev/pts", "proc", "sys", "run"}

const efivars = "sys/firmware/efi/efivars"

func (m *Machine) linux(ctx context.Context, t Target, mode blockdev.BootMode) (warnings []string, err error) {
	root := LargestLinuxRoot(t.Disk.Partitions)
	if root == nil {
		return nil, errors.New("no Linux root partition")
	}

	scope, err := m.Mounter.NewScope()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := scope.Close(ctx); cerr != nil {
			warnings = append(warnings, cerr.Error())
		}
	}()

	rootDir, err := scope.Mount(ctx, root.Path, "root")
	if err != nil {
		return nil, err
	}

	if mode == blockdev.UEFI {
		efi := FindEFI(t.Disk.Partitions)
		if efi == nil {
			return nil, errors.New("no EFI system partition")
		}
		if err := scope.MountAt(ctx, efi.Path, filepath.Join(rootDir, "boot", "efi")); err != nil {
			return nil, err
		}
	}

	binds := linuxBinds
	if mode == blockdev.UEFI {
		binds = append(append([]string(nil), linuxBinds...), efivars)
	}
	for _, b := range binds {
		if err := scope.Bind(ctx, "/"+b, filepath.Join(rootDir, b)); err != nil {
			return nil, err
		}
	}

	if err := m.Installer.Install(ctx, rootDir, t.Disk.Path, mode); err != nil {
		return nil, fmt.Errorf("failed to install bootloader: %w", err)
	}
	if err := EnableOSProber(rootDir); err != nil {
		warnings = append(warnings, fmt.Sprintf("os-prober not enabled: %v", err))
	}
	if err := m.Installer.Regenerate(ctx, rootDir); err != nil {
		return warnings, fmt.Errorf("failed to regenerate boot configuration: %w", err)
	}
	return warnings, nil
}

func (m *Machine) windowsEFIFiles(ctx context.Context, t Target, _ blockdev.BootMode) (warnings []string, err error) {
	efi := FindEFI(t.Disk.Partitions)
	if efi == nil {
		return nil, errors.New("no EFI system partition")
	}
	win := LargestNTFS(t.Disk.Partitions)
	if win == nil {
		return nil, errors.New("no Windows partition")
	}

	scope, err := m.Mounter.NewScope()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := scope.Close(ctx); cerr != nil {
			warnings = append(warnings, cerr.Error())
		}
	}()

	efiDir, err := scope.Mount(ctx, efi.Path, "efi")
	if err != nil {
		return nil, err
	}
	winDir, err := scope.Mount(ctx, win.Path, "windows", "ro")
	if err != nil {
		return nil, err
	}

	if _, ok := classify.LookupFold(efiDir, "EFI", "Microsoft", "Boot", "bootmgfw.efi"); ok {
		return nil, nil
	}
	src, ok := classify.LookupFold(winDir, "Windows", "Boot", "EFI")
	if !ok {
		return nil, fmt.Errorf("no Windows/Boot/EFI on %s", win.Path)
	}
	if err := copyTree(src, filepath.Join(efiDir, "EFI", "Microsoft", "Boot")); err != nil {
		return nil, fmt.Errorf("failed to copy Windows boot files: %w", err)
	}
	if _, ok := classify.LookupFold(efiDir, "EFI", "Microsoft", "Boot", "bootmgfw.efi"); !ok {
		return nil, fmt.Errorf("bootmgfw.efi missing after copy from %s", win.Path)
	}
	return nil, nil
}

func (m *Machine) windowsFirmwareEntry(ctx context.Context, t Target, _ blockdev.BootMode) ([]string, error) {
	efi := FindEFI(t.Disk.Partitions)
	if efi == nil {
		return nil, errors.New("no EFI system partition")
	}

	entries, err := m.Firmware.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list firmware entries: %w", err)
	}
	for _, e := range entries {
		if strings.EqualFold(e.Loader, WindowsLoader) && e.Label == WindowsLabel {
			logging.OrDefault(m.Logger).Info("Firmware entry already present", "entry", e.Num)
			return nil, nil
		}
	}
	return nil, m.Firmware.Add(ctx, t.Disk.Path, efi.Number, WindowsLabel, WindowsLoader)
}

func (m *Machine) windowsBootCode(ctx context.Context, t Target, _ blockdev.BootMode) ([]string, error) {
	win := LargestNTFS(t.Disk.Partitions)
	if win == nil {
		return nil, errors.New("no Windows partition")
	}

	var warnings []string
	if err := m.BootCode.WriteBootCode(ctx, t.Disk.Path, t.BootSector); err != nil {
		if !errors.Is(err, ptable.ErrNoBootSector) {
			return nil, err
		}
		warnings = append(warnings, "no boot sector backup, disk may need a recovery-environment repair")
	}
	if t.Disk.PTType == "gpt" {
		return warnings, nil
	}
	if err := m.BootCode.SetActive(ctx, t.Disk.Path, win.Number); err != nil {
		return warnings, fmt.Errorf("failed to mark %s active: %w", win.Path, err)
	}
	return warnings, nil
}

// copyTree copies regular files and directories from src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
