package main

import (
	"context"
	"fmt"

	"drb/internal/backup"
)

func runBackup(ctx context.Context, configPath, disk string, push bool) error {
	env, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	env.Logger.Info("Backup started", "disk", disk, "encrypted", env.Config.Encrypted(), "push", push)

	var pusher backup.Pusher
	if push {
		sets, err := env.Remote(ctx)
		if err != nil {
			return err
		}
		pusher = sets
	}

	b, err := env.Backup(pusher)
	if err != nil {
		return err
	}

	set, err := b.Run(ctx, disk)
	if set != nil {
		fmt.Printf("\n=== Backup Set ===\n")
		fmt.Printf("  Name:        %s\n", set.Name())
		fmt.Printf("  Directory:   %s\n", set.Dir)
		fmt.Printf("  Boot mode:   %s\n", set.BootMode)
		fmt.Printf("  Partitions:  %d (%d failed)\n", set.PartitionCount, set.FailedPartitionCount)
		fmt.Printf("  Encrypted:   %t\n", set.Encrypted())
	}
	if err != nil {
		return err
	}

	env.Logger.Info("Backup completed successfully", "set", set.Name())
	return nil
}
