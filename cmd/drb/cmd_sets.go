package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"drb/internal/app"
	"drb/internal/list"
	"drb/internal/verify"
)

func verifySet(_ context.Context, configPath, ref, privateKeyPath string) error {
	env, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	set, err := env.LoadSet(ref)
	if err != nil {
		return err
	}
	identity, err := app.Identity(set, privateKeyPath)
	if err != nil {
		return err
	}

	env.Logger.Info("Verifying backup set", "set", set.Name(), "partitions", len(set.Partitions))
	if err := verify.VerifySet(set, identity); err != nil {
		return fmt.Errorf("backup set %s failed verification: %w", set.Name(), err)
	}

	fmt.Printf("backup set %s: OK (%d partitions, %d failed at capture)\n", set.Name(), set.PartitionCount, set.FailedPartitionCount)
	return nil
}

func listSets(ctx context.Context, configPath, source string) error {
	env, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	switch source {
	case "local":
		return list.Local(env.Config.BaseDir, os.Stdout)
	case "s3":
		sets, err := env.Remote(ctx)
		if err != nil {
			return fmt.Errorf("cannot list from S3: %w", err)
		}
		return list.Remote(ctx, sets, os.Stdout)
	default:
		return fmt.Errorf("unknown source %q, expected local or s3", source)
	}
}

func pushSet(ctx context.Context, configPath, ref string) error {
	env, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	set, err := env.LoadSet(ref)
	if err != nil {
		return err
	}
	sets, err := env.Remote(ctx)
	if err != nil {
		return err
	}
	if err := sets.PushSet(ctx, set); err != nil {
		return err
	}

	fmt.Printf("backup set %s pushed to s3://%s\n", set.Name(), env.Config.S3.Bucket)
	return nil
}

func pullSet(ctx context.Context, configPath, name string) error {
	env, err := loadEnv(configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	sets, err := env.Remote(ctx)
	if err != nil {
		return err
	}
	set, err := sets.PullSet(ctx, filepath.Base(name), env.Config.BaseDir)
	if err != nil {
		return err
	}

	fmt.Printf("backup set %s pulled to %s\n", set.Name(), set.Dir)
	return nil
}
