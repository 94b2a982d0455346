// Package app builds the shared runtime environment of a drb command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

	"drb/internal/backup"
	"drb/internal/blockdev"
	"drb/internal/bootloader"
	"drb/internal/catalog"
	"drb/internal/classify"
	"drb/internal/codec"
	"drb/internal/config"
	"drb/internal/crypto"
	"drb/internal/lock"
	"drb/internal/logging"
	"drb/internal/mount"
	"drb/internal/ptable"
	"drb/internal/remote"
	"drb/internal/restore"
	"drb/internal/tool"
	"drb/internal/util"
)

// Env holds the config and every collaborator, built once per command.
type Env struct {
	Config *config.Config
	Logger *slog.Logger

	Runner     tool.Runner
	Enumerator blockdev.Enumerator
	Table      *ptable.Manager
	Imager     codec.Imager
	Mounter    *mount.Mounter
	Machine    *bootloader.Machine
	// SysRoot is where the host boot mode is detected; empty means /sys.
	SysRoot string

	logFile *os.File
}

// New prepares the base directory layout, opens the day's log file and wires
// the collaborators.
func New(cfg *config.Config, console io.Writer) (*Env, error) {
	if err := util.SetupDirectories(cfg.BaseDir, util.SetsDir(cfg.BaseDir), util.LockDir(cfg.BaseDir)); err != nil {
		return nil, err
	}

	logPath := filepath.Join(util.LogDir(cfg.BaseDir), fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))
	logger, logFile, err := util.SetupLogging(logPath, console, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	env := Wire(cfg, &tool.Exec{Timeout: cfg.Timeouts.Tool, Logger: logger}, logger)
	env.logFile = logFile
	return env, nil
}

// Wire connects the collaborators around runner without touching the
// filesystem.
func Wire(cfg *config.Config, runner tool.Runner, logger *slog.Logger) *Env {
	enum := &blockdev.Lsblk{Runner: runner}
	table := &ptable.Manager{
		Runner:        runner,
		Enumerator:    enum,
		SettleTimeout: cfg.Timeouts.Settle,
		Logger:        logger,
	}
	mounter := &mount.Mounter{
		Runner:           runner,
		BaseDir:          cfg.Mount.BaseDir,
		Protected:        cfg.Mount.ProtectedProcesses,
		TerminateHolders: cfg.Mount.TerminateHolders,
		Logger:           logger,
	}
	return &Env{
		Config:     cfg,
		Logger:     logger,
		Runner:     runner,
		Enumerator: enum,
		Table:      table,
		Imager:     &codec.ToolImager{Runner: runner},
		Mounter:    mounter,
		Machine: &bootloader.Machine{
			Mounter:   mounter,
			Installer: &bootloader.GrubInstaller{Runner: runner},
			Firmware:  &bootloader.EFIBootMgr{Runner: runner},
			BootCode:  table,
			Logger:    logger,
		},
	}
}

func (e *Env) Close() error {
	if e.logFile == nil {
		return nil
	}
	return e.logFile.Close()
}

// Recipient is the configured encryption key, or nil when images are stored
// in the clear.
func (e *Env) Recipient() (age.Recipient, error) {
	if !e.Config.Encrypted() {
		return nil, nil
	}
	return crypto.ParseRecipient(e.Config.AgePublicKey)
}

// Remote returns the S3-backed set store after checking credentials.
func (e *Env) Remote(ctx context.Context) (*remote.Sets, error) {
	if !e.Config.S3.Enabled {
		return nil, errors.New("S3 is not enabled in config")
	}
	if err := remote.ValidateStorageClass(string(e.Config.S3.StorageClass)); err != nil {
		return nil, err
	}
	backend, err := remote.NewS3FromConfig(ctx, e.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: %w", err)
	}
	if err := backend.VerifyCredentials(ctx); err != nil {
		return nil, fmt.Errorf("AWS credentials verification failed: %w", err)
	}
	return &remote.Sets{Backend: backend, Logger: e.Logger}, nil
}

// Backup returns a backup runner. A non-nil pusher copies the finished set
// offsite.
func (e *Env) Backup(pusher backup.Pusher) (*backup.Backup, error) {
	recipient, err := e.Recipient()
	if err != nil {
		return nil, err
	}
	return &backup.Backup{
		Enumerator:   e.Enumerator,
		Table:        e.Table,
		Imager:       e.Imager,
		Runner:       e.Runner,
		BaseDir:      e.Config.BaseDir,
		LockDir:      util.LockDir(e.Config.BaseDir),
		Options:      codec.Options{Level: e.Config.CompressionLevel, Recipient: recipient},
		AgePublicKey: e.Config.AgePublicKey,
		Pusher:       pusher,
		SysRoot:      e.SysRoot,
		Logger:       e.Logger,
	}, nil
}

// Pipeline returns a single-disk restore pipeline for set.
func (e *Env) Pipeline(set *catalog.BackupSet, identity age.Identity) *restore.Pipeline {
	return &restore.Pipeline{
		Set:                set,
		Identity:           identity,
		Enumerator:         e.Enumerator,
		Table:              e.Table,
		Imager:             e.Imager,
		Prober:             &classify.MountProber{Mounter: e.Mounter},
		Boot:               e.Machine,
		HostMode:           blockdev.DetectBootMode(e.SysRoot),
		LockDir:            util.LockDir(e.Config.BaseDir),
		AllowSmallerTarget: e.Config.Restore.AllowSmallerTarget,
		Logger:             e.Logger,
	}
}

// Coordinator returns a multi-disk restore coordinator for set.
func (e *Env) Coordinator(set *catalog.BackupSet, identity age.Identity) *restore.Coordinator {
	return &restore.Coordinator{
		Pipeline:    e.Pipeline(set, identity),
		Parallelism: e.Config.Restore.Parallelism,
		Stagger:     e.Config.Restore.Stagger,
		Logger:      e.Logger,
	}
}

// RepairBoot re-runs boot repair on an already restored disk. With a set the
// boot mode and captured boot sector come from it; without one the host boot
// mode applies.
func (e *Env) RepairBoot(ctx context.Context, diskPath string, set *catalog.BackupSet) (*bootloader.Outcome, error) {
	diskPath = blockdev.DevicePath(diskPath)
	disk, err := e.Enumerator.Disk(ctx, diskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", diskPath, err)
	}
	if disk.Type != "disk" {
		return nil, fmt.Errorf("%s is not a whole disk", diskPath)
	}

	release, err := lock.AcquireDisk(util.LockDir(e.Config.BaseDir), diskPath, "bootloader")
	if err != nil {
		return nil, err
	}
	defer release()

	mode := blockdev.DetectBootMode(e.SysRoot)
	target := bootloader.Target{Disk: disk}
	if set != nil {
		mode = set.BootMode
		target.BootSector = set.Path(ptable.BootSectorFile)
	}

	class := classify.Classify(ctx, disk.Partitions, &classify.MountProber{Mounter: e.Mounter}, e.Logger)
	e.Logger.Info("Disk classified", "disk", diskPath, "os", class.OS, "bootMode", mode)
	return e.Machine.Install(ctx, target, class.OS, mode), nil
}

// LoadSet resolves a set name or directory and loads it.
func (e *Env) LoadSet(ref string) (*catalog.BackupSet, error) {
	set, err := catalog.Load(catalog.Resolve(e.Config.BaseDir, ref))
	if err != nil {
		return nil, fmt.Errorf("failed to load backup set %s: %w", ref, err)
	}
	return set, nil
}

// Identity loads the private key needed by an encrypted set. An empty path
// is fine for sets stored in the clear.
func Identity(set *catalog.BackupSet, privateKeyPath string) (age.Identity, error) {
	if !set.Encrypted() {
		return nil, nil
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("set %s is encrypted, --private-key is required", set.Name())
	}
	return crypto.LoadIdentity(privateKeyPath)
}
