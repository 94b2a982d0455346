package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"drb/internal/app"
	"drb/internal/catalog"
	"drb/internal/confirm"
	"drb/internal/restore"
)

type restoreOptions struct {
	configPath     string
	set            string
	targets        []string
	privateKeyPath string
	source         string
	dryRun         bool
	yes            bool
}

func restoreSet(ctx context.Context, opts restoreOptions) error {
	env, err := loadEnv(opts.configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	env.Logger.Info("Restore started", "set", opts.set, "targets", opts.targets, "source", opts.source, "dryRun", opts.dryRun)

	set, err := resolveSet(ctx, env, opts.set, opts.source)
	if err != nil {
		return err
	}

	identity, err := app.Identity(set, opts.privateKeyPath)
	if err != nil {
		return err
	}

	plan := restore.Describe(set)
	if opts.dryRun {
		fmt.Printf("\n=== DRY RUN MODE ===\n")
		fmt.Printf("Would restore backup set %s onto %v:\n", set.Name(), opts.targets)
		for _, line := range plan {
			fmt.Printf("  %s\n", line)
		}
		fmt.Printf("\nNo changes made.\n")
		return nil
	}

	if !opts.yes {
		if err := confirm.Stdio().Disks(ctx, plan, opts.targets); err != nil {
			return err
		}
	}

	summary, err := env.Coordinator(set, identity).Run(ctx, opts.targets)
	if summary != nil {
		summary.Report(os.Stdout)
	}
	if err != nil {
		return err
	}

	env.Logger.Info("Restore completed successfully", "set", set.Name(), "disks", len(opts.targets))
	return nil
}

// resolveSet loads a local set, pulling it from S3 first when asked to and
// it is not already present.
func resolveSet(ctx context.Context, env *app.Env, ref, source string) (*catalog.BackupSet, error) {
	switch source {
	case "local":
		return env.LoadSet(ref)
	case "s3":
		set, err := env.LoadSet(ref)
		if err == nil {
			env.Logger.Info("Set already present locally, skipping download", "set", set.Name())
			return set, nil
		}
		if !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}
		sets, err := env.Remote(ctx)
		if err != nil {
			return nil, err
		}
		return sets.PullSet(ctx, filepath.Base(ref), env.Config.BaseDir)
	default:
		return nil, fmt.Errorf("unknown source %q, expected local or s3", source)
	}
}
