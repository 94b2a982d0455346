package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"drb/internal/app"
	"drb/internal/check"
	"drb/internal/config"
	"drb/internal/keys"
	"drb/internal/logging"
	"drb/internal/tool"
)

func generateKey(_ context.Context) error {
	_, err := keys.Generate(os.Stdout)
	return err
}

func testKeys(_ context.Context, configPath, privateKeyPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Encrypted() {
		return fmt.Errorf("age_public_key is not set in %s", configPath)
	}
	return keys.Test(cfg.AgePublicKey, privateKeyPath, os.Stdout)
}

func runCheck(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}))
	env := app.Wire(cfg, &tool.Exec{Timeout: cfg.Timeouts.Tool, Logger: logger}, logger)

	checker := &check.Checker{
		Remote: func(ctx context.Context) error {
			_, err := env.Remote(ctx)
			return err
		},
	}
	return checker.Run(ctx, cfg, os.Stdout)
}
