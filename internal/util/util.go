package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"drb/internal/logging"
)

const setTimeLayout = "20060102_150405"

// SetDirName is the directory name of a backup set: <sourceDiskId>_<timestamp>.
func SetDirName(diskID string, timestamp time.Time) string {
	return fmt.Sprintf("%s_%s", diskID, timestamp.UTC().Format(setTimeLayout))
}

func SetsDir(baseDir string) string {
	return filepath.Join(baseDir, "sets")
}

func RunDir(baseDir string) string {
	return filepath.Join(baseDir, "run")
}

func LockDir(baseDir string) string {
	return filepath.Join(RunDir(baseDir), "locks")
}

func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

func SetupDirectories(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func SetupLogging(logPath string, console io.Writer, level slog.Level) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, logFile, err := logging.NewLogger(logPath, console, level)
	if err != nil {
		return nil, nil, err
	}

	return logger, logFile, nil
}

// ParseSetDirName splits a set directory name back into disk id and time.
func ParseSetDirName(name string) (string, time.Time, bool) {
	if len(name) < len(setTimeLayout)+2 {
		return "", time.Time{}, false
	}
	cut := len(name) - len(setTimeLayout)
	if name[cut-1] != '_' {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(setTimeLayout, name[cut:])
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:cut-1], ts, true
}
