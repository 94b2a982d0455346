//go:build e2e_loop

package e2e

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPullMinIO(t *testing.T) {
	h := newHost(t)
	if _, err := h.exec("curl -sf " + minioEndpoint + "/minio/health/live"); err != nil {
		t.Skip("MinIO not available, skipping S3 tests")
	}
	h.exec(fmt.Sprintf("mc alias set myminio %s %s %s >/dev/null 2>&1 || true", minioEndpoint, minioAccessKey, minioSecretKey))
	h.exec("mc mb --ignore-existing myminio/" + minioBucket)

	baseDir := filepath.Join(h.workDir, "base")
	configPath := h.writeConfig(t, "drb_s3_config.yaml", s3Config(baseDir, ""))
	source := h.loopDisk(t, "source")
	target := h.loopDisk(t, "target")
	var setName string
	var baseline string

	t.Run("BackupAndPush", func(t *testing.T) {
		baseline = prepareSource(t, h, source)
		out := h.mustDrbWithS3(t, "backup --config "+configPath+" --disk "+source+" --push")
		assert.Contains(t, out, "Backup completed successfully")
	})

	t.Run("ListS3", func(t *testing.T) {
		out := h.mustDrbWithS3(t, "list --config "+configPath+" --source s3")
		var result listOutput
		require.NoError(t, json.Unmarshal([]byte(extractJSON(out)), &result), "failed to parse list JSON: %s", out)
		require.NotEmpty(t, result.Sets)
		assert.Equal(t, "s3", result.Source)
		setName = result.Sets[0].Name
	})

	t.Run("MetadataUploaded", func(t *testing.T) {
		out, err := h.exec("mc ls --recursive myminio/" + minioBucket + "/e2e/sets/" + setName + "/")
		require.NoError(t, err)
		assert.Contains(t, out, "metadata.yaml")
		assert.Contains(t, out, "part1.img.zst")
	})

	t.Run("RestoreFromS3", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(filepath.Join(baseDir, "sets", setName)))

		out := h.mustDrbWithS3(t, fmt.Sprintf("restore --config %s --set %s --target %s --source s3 --yes",
			configPath, setName, target))
		assert.Contains(t, out, "Succeeded: 1  Failed: 0")
		assert.DirExists(t, filepath.Join(baseDir, "sets", setName))
		assert.Equal(t, baseline, restoredSums(t, h, target, "target"))
	})

	t.Run("PullExistingRejected", func(t *testing.T) {
		out, err := h.drbWithS3("pull --config " + configPath + " --set " + setName)
		require.Error(t, err)
		assert.Contains(t, out, "already exists locally")
	})
}
