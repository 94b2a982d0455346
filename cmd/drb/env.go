package main

import (
	"fmt"
	"os"

	"drb/internal/app"
	"drb/internal/config"
)

func loadEnv(configPath string) (*app.Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	env, err := app.New(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	return env, nil
}
