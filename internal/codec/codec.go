package codec

import (
	"context"
	"fmt"
	"io"

	"drb/internal/blockdev"
	"drb/internal/tool"
)

// Method is the external operation used to image a partition.
type Method string

const (
	// BlockCopy copies only used blocks with partclone.
	BlockCopy Method = "partclone"
	// RawCopy copies every sector with dd.
	RawCopy Method = "dd"
	// SkipSwap stores no image; restore re-initializes the swap signature.
	SkipSwap Method = "swap"
)

// Select maps a filesystem kind to its imaging method. Kinds without a
// filesystem-aware copier fall back to RawCopy, never to an error.
func Select(kind blockdev.FilesystemKind) Method {
	switch {
	case kind == blockdev.Swap:
		return SkipSwap
	case kind.IsExt(), kind == blockdev.NTFS, kind.IsFAT():
		return BlockCopy
	default:
		return RawCopy
	}
}

// ParseMethod reads a method stored in a sidecar. Empty means the sidecar
// predates the field and the method is derived from kind.
func ParseMethod(s string, kind blockdev.FilesystemKind) (Method, error) {
	switch Method(s) {
	case "":
		return Select(kind), nil
	case BlockCopy, RawCopy, SkipSwap:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

// Imager reads and writes partition content as raw byte streams.
type Imager interface {
	Capture(ctx context.Context, dev string, kind blockdev.FilesystemKind, method Method, w io.Writer) error
	Restore(ctx context.Context, dev string, kind blockdev.FilesystemKind, method Method, r io.Reader) error
	InitSwap(ctx context.Context, dev, label string) error
}

// ToolImager drives partclone, dd and mkswap through a tool.Runner.
type ToolImager struct {
	Runner tool.Runner
}

func partcloneBinary(kind blockdev.FilesystemKind) (string, error) {
	switch {
	case kind.IsExt():
		return "partclone.extfs", nil
	case kind == blockdev.NTFS:
		return "partclone.ntfs", nil
	case kind.IsFAT():
		return "partclone.fat", nil
	default:
		return "", fmt.Errorf("no block copier for filesystem %s", kind)
	}
}

func (t *ToolImager) Capture(ctx context.Context, dev string, kind blockdev.FilesystemKind, method Method, w io.Writer) error {
	var cmd tool.Command
	switch method {
	case BlockCopy:
		bin, err := partcloneBinary(kind)
		if err != nil {
			return err
		}
		cmd = tool.Command{Name: bin, Args: []string{"-c", "-q", "-s", dev, "-o", "-"}, Stdout: w}
	case RawCopy:
		cmd = tool.Command{Name: "dd", Args: []string{"if=" + dev, "bs=4M", "status=none"}, Stdout: w}
	default:
		return fmt.Errorf("codec %s does not capture data", method)
	}
	return t.Runner.Run(ctx, cmd).Err()
}

func (t *ToolImager) Restore(ctx context.Context, dev string, kind blockdev.FilesystemKind, method Method, r io.Reader) error {
	var cmd tool.Command
	switch method {
	case BlockCopy:
		bin, err := partcloneBinary(kind)
		if err != nil {
			return err
		}
		cmd = tool.Command{Name: bin, Args: []string{"-r", "-q", "-s", "-", "-o", dev}, Stdin: r}
	case RawCopy:
		cmd = tool.Command{Name: "dd", Args: []string{"of=" + dev, "bs=4M", "conv=fsync", "status=none"}, Stdin: r}
	default:
		return fmt.Errorf("codec %s does not restore data", method)
	}
	return t.Runner.Run(ctx, cmd).Err()
}

func (t *ToolImager) InitSwap(ctx context.Context, dev, label string) error {
	args := []string{}
	if label != "" {
		args = append(args, "-L", label)
	}
	args = append(args, dev)
	return t.Runner.Run(ctx, tool.Command{Name: "mkswap", Args: args}).Err()
}
