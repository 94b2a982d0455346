package main

import (
	"context"
	"fmt"

	"drb/internal/catalog"
	"drb/internal/confirm"
)

func repairBoot(ctx context.Context, configPath, disk, ref string, yes bool) error {
	env, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	var set *catalog.BackupSet
	if ref != "" {
		if set, err = env.LoadSet(ref); err != nil {
			return err
		}
	}

	if !yes {
		plan := []string{fmt.Sprintf("reinstall boot loader on %s", disk)}
		if err := confirm.Stdio().Disks(ctx, plan, []string{disk}); err != nil {
			return err
		}
	}

	out, err := env.RepairBoot(ctx, disk, set)
	if err != nil {
		return err
	}

	fmt.Printf("os=%s mode=%s\n", out.OS, out.Mode)
	for _, step := range out.Steps {
		fmt.Printf("  %-24s %s\n", step.Step, step.Status)
	}
	for _, w := range out.Warnings() {
		fmt.Printf("  warning: %s\n", w)
	}
	if !out.Clean() {
		env.Logger.Warn("Boot repair finished with warnings", "disk", disk, "warnings", len(out.Warnings()))
	}
	return nil
}
