package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "drb",
		Usage:   "Disk Restore Backup",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to configuration yaml file",
				Value: "drb_config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "genkey",
				Usage: "Generate public and private key pair",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return generateKey(ctx)
				},
			},
			{
				Name:  "test-keys",
				Usage: "Test if public and private key pair match",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "private-key",
						Usage:    "Path to age private key file",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return testKeys(ctx, cmd.String("config"), cmd.String("private-key"))
				},
			},
			{
				Name:  "check",
				Usage: "Check config, privileges, required tools and S3 credentials",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "backup",
				Usage: "Back up every partition of a disk into a new backup set",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "disk",
						Usage:    "Source disk (e.g., sda or /dev/nvme0n1)",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "push",
						Usage: "Upload the finished set to S3",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd.String("config"), cmd.String("disk"), cmd.Bool("push"))
				},
			},
			{
				Name:  "restore",
				Usage: "Restore a backup set onto one or more disks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "set",
						Usage:    "Backup set name or directory",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:     "target",
						Usage:    "Target disk, repeat for several disks",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "private-key",
						Usage: "Path to age private key file, required for encrypted sets",
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "Data source: local or s3",
						Value: "local",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Show what would be restored without touching any disk",
					},
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Skip the typed confirmation",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return restoreSet(ctx, restoreOptions{
						configPath:     cmd.String("config"),
						set:            cmd.String("set"),
						targets:        cmd.StringSlice("target"),
						privateKeyPath: cmd.String("private-key"),
						source:         cmd.String("source"),
						dryRun:         cmd.Bool("dry-run"),
						yes:            cmd.Bool("yes"),
					})
				},
			},
			{
				Name:  "verify",
				Usage: "Verify every image of a backup set against its recorded hash",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "set",
						Usage:    "Backup set name or directory",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "private-key",
						Usage: "Path to age private key file, required for encrypted sets",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return verifySet(ctx, cmd.String("config"), cmd.String("set"), cmd.String("private-key"))
				},
			},
			{
				Name:  "list",
				Usage: "List available backup sets",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "Data source: local or s3",
						Value: "local",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return listSets(ctx, cmd.String("config"), cmd.String("source"))
				},
			},
			{
				Name:  "bootloader",
				Usage: "Re-run boot repair on a restored disk",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "disk",
						Usage:    "Disk to repair",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "set",
						Usage: "Backup set the disk was restored from",
					},
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Skip the typed confirmation",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return repairBoot(ctx, cmd.String("config"), cmd.String("disk"), cmd.String("set"), cmd.Bool("yes"))
				},
			},
			{
				Name:  "push",
				Usage: "Upload a local backup set to S3",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "set",
						Usage:    "Backup set name or directory",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return pushSet(ctx, cmd.String("config"), cmd.String("set"))
				},
			},
			{
				Name:  "pull",
				Usage: "Download a backup set from S3",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "set",
						Usage:    "Backup set name",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return pullSet(ctx, cmd.String("config"), cmd.String("set"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n⚠ Interrupted by user")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
