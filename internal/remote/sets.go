package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"drb/internal/catalog"
	"drb/internal/crypto"
	"drb/internal/logging"
	"drb/internal/util"
)

const setsPrefix = "sets"

// Sets pushes and pulls backup sets to a Backend, one object per set file
// under sets/<name>/.
type Sets struct {
	Backend Backend
	Logger  *slog.Logger
}

func setKey(name, file string) string {
	return path.Join(setsPrefix, name, file)
}

// PushSet uploads every file of set. Objects already present with the same
// hash are skipped. metadata.yaml goes last so an interrupted push never
// looks complete remotely.
func (s *Sets) PushSet(ctx context.Context, set *catalog.BackupSet) error {
	logger := logging.OrDefault(s.Logger).With("set", set.Name())

	files, err := set.Files()
	if err != nil {
		return err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[j] == catalog.MetadataFile && files[i] != catalog.MetadataFile
	})

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("push cancelled: %w", err)
		}
		local := set.Path(file)
		hash, err := crypto.BLAKE3File(local)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", file, err)
		}

		key := setKey(set.Name(), file)
		if info, err := s.Backend.Head(ctx, key); err == nil && info.Blake3 == hash {
			logger.Info("Object already uploaded, skipping", "key", key)
			continue
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := s.Backend.Upload(ctx, local, key, hash); err != nil {
			return fmt.Errorf("failed to upload %s: %w", file, err)
		}
	}
	logger.Info("Set pushed", "files", len(files))
	return nil
}

// PullSet downloads a remote set into <baseDir>/sets/<name>, checking every
// object against its recorded hash, and loads it.
func (s *Sets) PullSet(ctx context.Context, name, baseDir string) (*catalog.BackupSet, error) {
	logger := logging.OrDefault(s.Logger).With("set", name)

	keys, err := s.Backend.List(ctx, setsPrefix+"/"+name+"/")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: remote set %s", catalog.ErrNotFound, name)
	}

	dest := filepath.Join(util.SetsDir(baseDir), name)
	if _, err := os.Stat(filepath.Join(dest, catalog.MetadataFile)); err == nil {
		return nil, fmt.Errorf("set %s already exists locally", name)
	}
	partial := dest + ".partial"
	if err := os.MkdirAll(partial, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	cleanup := func(err error) (*catalog.BackupSet, error) {
		logger.Warn("Pull failed, partial download left for retry", "dir", partial, "error", err)
		return nil, err
	}

	for _, key := range keys {
		file := path.Base(key)
		local := filepath.Join(partial, file)

		info, err := s.Backend.Head(ctx, key)
		if err != nil {
			return cleanup(err)
		}
		if hash, err := crypto.BLAKE3File(local); err == nil && hash == info.Blake3 {
			logger.Info("Object already downloaded, skipping", "key", key)
			continue
		}
		if err := s.Backend.Download(ctx, key, local); err != nil {
			return cleanup(fmt.Errorf("failed to download %s: %w", file, err))
		}
		if info.Blake3 != "" {
			hash, err := crypto.BLAKE3File(local)
			if err != nil {
				return cleanup(err)
			}
			if hash != info.Blake3 {
				os.Remove(local)
				return cleanup(fmt.Errorf("BLAKE3 mismatch for %s: expected %s, got %s", key, info.Blake3, hash))
			}
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		return nil, fmt.Errorf("failed to move pulled set into place: %w", err)
	}
	set, err := catalog.Load(dest)
	if err != nil {
		return nil, fmt.Errorf("pulled set is not usable: %w", err)
	}
	logger.Info("Set pulled", "dir", dest, "files", len(keys))
	return set, nil
}

// ListSets returns the names of the remote sets that carry a metadata
// record, newest first.
func (s *Sets) ListSets(ctx context.Context) ([]string, error) {
	keys, err := s.Backend.List(ctx, setsPrefix+"/")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, key := range keys {
		rest, ok := strings.CutPrefix(key, setsPrefix+"/")
		if !ok {
			continue
		}
		name, file, ok := strings.Cut(rest, "/")
		if ok && file == catalog.MetadataFile {
			names = append(names, name)
		}
	}
	sort.SliceStable(names, func(i, j int) bool {
		ti, tj := setStamp(names[i]), setStamp(names[j])
		if ti == tj {
			return names[i] > names[j]
		}
		return ti > tj
	})
	return names, nil
}

var stampPattern = regexp.MustCompile(`_(\d{8}_\d{6})(?:_\d+)?$`)

// setStamp extracts the sortable timestamp of a set name.
func setStamp(name string) string {
	if m := stampPattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return ""
}
