package codec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"drb/internal/crypto"
)

// EncryptedSuffix marks images wrapped in age.
const EncryptedSuffix = ".age"

type Options struct {
	// Level is a zstd speed level from 1 (fastest) to 4 (best).
	Level int
	// Recipient enables encryption when set.
	Recipient age.Recipient
}

func (o Options) encoderLevel() zstd.EncoderLevel {
	if o.Level < int(zstd.SpeedFastest) || o.Level > int(zstd.SpeedBestCompression) {
		return zstd.SpeedDefault
	}
	return zstd.EncoderLevel(o.Level)
}

// ImageInfo describes a stored image.
type ImageInfo struct {
	// Size is the number of stored bytes.
	Size int64
	// SourceBytes is the number of raw bytes before compression.
	SourceBytes int64
	// Blake3 is the hash of the stored bytes.
	Blake3    string
	Encrypted bool
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteImage stores the raw stream produced by fill at path, compressed and
// optionally encrypted. The file only appears once fill and every stream
// layer have completed; a failure leaves nothing behind.
func WriteImage(path string, opts Options, fill func(w io.Writer) error) (info ImageInfo, err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to create image file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	hasher := blake3.New()
	stored := &countingWriter{w: io.MultiWriter(f, hasher)}

	var (
		sink io.Writer = stored
		enc  io.WriteCloser
	)
	if opts.Recipient != nil {
		enc, err = crypto.EncryptWriter(stored, opts.Recipient)
		if err != nil {
			return ImageInfo{}, fmt.Errorf("failed to start encryption: %w", err)
		}
		sink = enc
	}

	zw, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(opts.encoderLevel()))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to start compression: %w", err)
	}
	raw := &countingWriter{w: zw}

	if err = fill(raw); err != nil {
		zw.Close()
		return ImageInfo{}, err
	}
	if err = zw.Close(); err != nil {
		return ImageInfo{}, fmt.Errorf("failed to finish compression: %w", err)
	}
	if enc != nil {
		if err = enc.Close(); err != nil {
			return ImageInfo{}, fmt.Errorf("failed to finish encryption: %w", err)
		}
	}
	if err = f.Sync(); err != nil {
		return ImageInfo{}, fmt.Errorf("failed to sync image file: %w", err)
	}
	if err = f.Close(); err != nil {
		return ImageInfo{}, fmt.Errorf("failed to close image file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return ImageInfo{}, fmt.Errorf("failed to rename image file: %w", err)
	}

	return ImageInfo{
		Size:        stored.n,
		SourceBytes: raw.n,
		Blake3:      crypto.Sum(hasher),
		Encrypted:   opts.Recipient != nil,
	}, nil
}

type imageReader struct {
	io.Reader
	dec  *zstd.Decoder
	file *os.File
}

func (r *imageReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

// OpenImage returns the raw partition stream of a stored image. Encrypted
// images need identity.
func OpenImage(path string, identity age.Identity) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var src io.Reader = f
	if IsEncrypted(path) {
		src, err = crypto.DecryptReader(f, identity)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to decrypt image: %w", err)
		}
	}

	dec, err := zstd.NewReader(src)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open compressed stream: %w", err)
	}
	return &imageReader{Reader: dec, dec: dec, file: f}, nil
}

func IsEncrypted(path string) bool {
	return strings.HasSuffix(path, EncryptedSuffix)
}

// TestStream decodes a compressed stream into a discard sink and reports
// the number of raw bytes it holds.
func TestStream(r io.Reader) (int64, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	n, err := io.Copy(io.Discard, dec)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errors.New("compressed stream holds no data")
	}
	return n, nil
}
