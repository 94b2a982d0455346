package verify

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drb/internal/blockdev"
	"drb/internal/catalog"
	"drb/internal/codec"
)

func writeImage(t *testing.T, path string, opts codec.Options, content string) codec.ImageInfo {
	t.Helper()
	info, err := codec.WriteImage(path, opts, func(w io.Writer) error {
		_, err := io.WriteString(w, content)
		return err
	})
	require.NoError(t, err)
	return info
}

func TestVerifyImage(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "part1.img.zst")
	info := writeImage(t, good, codec.Options{}, "ext4 blocks")

	t.Run("valid image", func(t *testing.T) {
		assert.NoError(t, VerifyImage(good, info.Blake3, nil))
	})

	t.Run("no recorded hash", func(t *testing.T) {
		assert.NoError(t, VerifyImage(good, "", nil))
	})

	t.Run("hash mismatch", func(t *testing.T) {
		err := VerifyImage(good, "deadbeef", nil)
		var ie *IntegrityError
		require.ErrorAs(t, err, &ie)
		assert.Contains(t, ie.Reason, "BLAKE3 mismatch")
	})

	t.Run("missing", func(t *testing.T) {
		err := VerifyImage(filepath.Join(dir, "absent.img.zst"), "", nil)
		var ie *IntegrityError
		require.ErrorAs(t, err, &ie)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("empty", func(t *testing.T) {
		empty := filepath.Join(dir, "empty.img.zst")
		require.NoError(t, os.WriteFile(empty, nil, 0o644))
		err := VerifyImage(empty, "", nil)
		assert.ErrorContains(t, err, "image is empty")
	})

	t.Run("corrupt stream", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.img.zst")
		data, err := os.ReadFile(good)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(bad, data[:len(data)/2], 0o644))

		err = VerifyImage(bad, "", nil)
		var ie *IntegrityError
		require.ErrorAs(t, err, &ie)
		assert.Contains(t, ie.Reason, "does not decode")
	})
}

func TestVerifyEncryptedImage(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "part1.img.zst.age")
	info := writeImage(t, path, codec.Options{Recipient: identity.Recipient()}, "secret blocks")

	assert.NoError(t, VerifyImage(path, info.Blake3, identity))

	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	err = VerifyImage(path, info.Blake3, other)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "decryption failed", ie.Reason)
}

func TestVerifySet(t *testing.T) {
	set, err := catalog.Create(t.TempDir(), "sda", time.Now())
	require.NoError(t, err)

	for ordinal := 1; ordinal <= 2; ordinal++ {
		name := catalog.ImageName(ordinal, false)
		info := writeImage(t, set.Path(name), codec.Options{}, "data")
		require.NoError(t, set.AppendPartition(ordinal, blockdev.Ext4, catalog.Capture{
			Codec: string(codec.BlockCopy), Image: name, Size: info.Size, Blake3: info.Blake3,
		}))
	}
	require.NoError(t, set.AppendPartition(3, blockdev.Swap, catalog.Capture{}))
	require.NoError(t, set.AppendPartition(4, blockdev.NTFS, catalog.Capture{Err: errors.New("partclone failed")}))
	require.NoError(t, set.Finalize(blockdev.BIOS))

	require.NoError(t, VerifySet(set, nil))

	require.NoError(t, os.WriteFile(set.Path(catalog.ImageName(2, false)), []byte("garbage"), 0o644))
	err = VerifySet(set, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition 2")
	assert.NotContains(t, err.Error(), "partition 1")
}

func TestVerifyStored(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "part1.img.zst.age")
	info := writeImage(t, path, codec.Options{Recipient: identity.Recipient()}, "ntfs clusters")

	assert.NoError(t, VerifyStored(path, info.Blake3))

	err = VerifyStored(path, "deadbeef")
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "BLAKE3 mismatch")

	assert.Error(t, VerifyStored(filepath.Join(t.TempDir(), "missing"), ""))
}
