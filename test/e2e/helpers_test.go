//go:build e2e_loop

package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	minioEndpoint  = "http://127.0.0.1:9000"
	minioAccessKey = "admin"
	minioSecretKey = "password123"
	minioBucket    = "drb-test"

	diskSize = "256M"
)

// host runs commands on the machine under test. The suite needs root and
// loop device support.
type host struct {
	bin     string
	workDir string
}

func newHost(t *testing.T) *host {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("e2e tests need root to attach loop devices")
	}
	return &host{bin: buildBinary(t), workDir: t.TempDir()}
}

func (h *host) execWithTimeout(command string, timeout time.Duration, env ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (h *host) exec(command string) (string, error) {
	return h.execWithTimeout(command, 2*time.Minute)
}

func (h *host) mustExec(t *testing.T, command string) string {
	t.Helper()
	out, err := h.exec(command)
	require.NoError(t, err, "command failed: %s\noutput: %s", command, out)
	return out
}

// drb runs the binary with args.
func (h *host) drb(args string) (string, error) {
	return h.execWithTimeout(h.bin+" "+args, 5*time.Minute)
}

func (h *host) mustDrb(t *testing.T, args string) string {
	t.Helper()
	out, err := h.drb(args)
	require.NoError(t, err, "drb command failed: %s\noutput: %s", args, out)
	return out
}

func (h *host) drbWithS3(args string) (string, error) {
	return h.execWithTimeout(h.bin+" "+args, 5*time.Minute,
		"AWS_ACCESS_KEY_ID="+minioAccessKey, "AWS_SECRET_ACCESS_KEY="+minioSecretKey)
}

func (h *host) mustDrbWithS3(t *testing.T, args string) string {
	t.Helper()
	out, err := h.drbWithS3(args)
	require.NoError(t, err, "drb command failed: %s\noutput: %s", args, out)
	return out
}

// loopDisk attaches a sparse image as a partitioned loop device and detaches
// it when the test ends.
func (h *host) loopDisk(t *testing.T, name string) string {
	t.Helper()
	image := filepath.Join(h.workDir, name+".img")
	h.mustExec(t, fmt.Sprintf("truncate -s %s %s", diskSize, image))
	dev := h.mustExec(t, "losetup --find --show --partscan "+image)
	t.Cleanup(func() {
		h.exec("umount " + dev + "p* 2>/dev/null || true")
		h.exec("losetup -d " + dev)
	})
	return dev
}

// writeConfig writes a drb config under the work directory.
func (h *host) writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.workDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binary := filepath.Join(t.TempDir(), "drb")

	cmd := exec.Command("go", "build", "-o", binary, "../../cmd/drb")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(out))
	return binary
}

// extractJSON extracts a JSON object from mixed output (slog lines + JSON).
func extractJSON(output string) string {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start >= 0 && end > start {
		return output[start : end+1]
	}
	return output
}

func localConfig(baseDir, agePublicKey string) string {
	return fmt.Sprintf(`base_dir: %s
age_public_key: "%s"
timeouts:
  settle: 20s
restore:
  parallelism: 2
  stagger: 1s
mount:
  base_dir: %s/mnt
`, baseDir, agePublicKey, baseDir)
}

func s3Config(baseDir, agePublicKey string) string {
	return localConfig(baseDir, agePublicKey) + fmt.Sprintf(`s3:
  enabled: true
  bucket: %s
  region: us-east-1
  prefix: e2e/
  endpoint: %s
  storage_class: STANDARD
  retry:
    max_attempts: 3
`, minioBucket, minioEndpoint)
}

// listOutput mirrors the JSON printed by drb list.
type listOutput struct {
	Source string `json:"source"`
	Sets   []struct {
		Name         string   `json:"name"`
		SourceDiskID string   `json:"source_disk_id"`
		Partitions   int      `json:"partitions"`
		Encrypted    bool     `json:"encrypted"`
		Kinds        []string `json:"partition_kinds"`
	} `json:"sets"`
	Summary struct {
		TotalSets int `json:"total_sets"`
	} `json:"summary"`
}
