package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"

	"drb/internal/blockdev"
)

// CaptureImage images dev into path with the method Select picks for kind.
// A block copier failure is retried once with RawCopy. The returned method is
// the one that produced the image.
func CaptureImage(ctx context.Context, im Imager, dev string, kind blockdev.FilesystemKind, path string, opts Options, logger *slog.Logger) (Method, ImageInfo, error) {
	method := Select(kind)
	if method == SkipSwap {
		return method, ImageInfo{}, nil
	}

	info, err := captureWith(ctx, im, dev, kind, method, path, opts)
	if err == nil || method != BlockCopy || ctx.Err() != nil {
		return method, info, err
	}

	logger.Warn("Block copier failed, retrying with raw copy", "device", dev, "filesystem", kind, "error", err)
	info, rawErr := captureWith(ctx, im, dev, kind, RawCopy, path, opts)
	if rawErr != nil {
		return RawCopy, ImageInfo{}, errors.Join(err, rawErr)
	}
	return RawCopy, info, nil
}

func captureWith(ctx context.Context, im Imager, dev string, kind blockdev.FilesystemKind, method Method, path string, opts Options) (ImageInfo, error) {
	info, err := WriteImage(path, opts, func(w io.Writer) error {
		return im.Capture(ctx, dev, kind, method, w)
	})
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to capture %s with %s: %w", dev, method, err)
	}
	return info, nil
}

// RestoreImage streams a stored image onto dev.
func RestoreImage(ctx context.Context, im Imager, dev string, kind blockdev.FilesystemKind, method Method, path string, identity age.Identity) error {
	rc, err := OpenImage(path, identity)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer rc.Close()

	if err := im.Restore(ctx, dev, kind, method, rc); err != nil {
		return fmt.Errorf("failed to restore %s with %s: %w", dev, method, err)
	}
	return nil
}
