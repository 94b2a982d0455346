package verify

import (
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"drb/internal/catalog"
	"drb/internal/codec"
	"drb/internal/crypto"
)

// IntegrityError reports a stored image that failed verification.
type IntegrityError struct {
	Path   string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity check failed for %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// VerifyImage checks that the image at path is non-empty, matches
// expectedBlake3 when one is recorded, and decodes end to end. Encrypted
// images are decrypted with identity on the way.
func VerifyImage(path, expectedBlake3 string, identity age.Identity) error {
	st, err := os.Stat(path)
	if err != nil {
		return &IntegrityError{Path: path, Reason: "image missing", Err: err}
	}
	if st.Size() == 0 {
		return &IntegrityError{Path: path, Reason: "image is empty"}
	}

	f, err := os.Open(path)
	if err != nil {
		return &IntegrityError{Path: path, Reason: "image unreadable", Err: err}
	}
	defer f.Close()

	hasher := blake3.New()
	var src io.Reader = io.TeeReader(f, hasher)
	if codec.IsEncrypted(path) {
		src, err = crypto.DecryptReader(src, identity)
		if err != nil {
			return &IntegrityError{Path: path, Reason: "decryption failed", Err: err}
		}
	}

	if _, err := codec.TestStream(src); err != nil {
		return &IntegrityError{Path: path, Reason: "compressed stream does not decode", Err: err}
	}
	// Trailing bytes after the last frame still count towards the hash.
	if _, err := io.Copy(io.Discard, io.TeeReader(f, hasher)); err != nil {
		return &IntegrityError{Path: path, Reason: "image unreadable", Err: err}
	}

	if expectedBlake3 != "" {
		if actual := crypto.Sum(hasher); actual != expectedBlake3 {
			return &IntegrityError{Path: path, Reason: fmt.Sprintf("BLAKE3 mismatch: expected %s, got %s", expectedBlake3, actual)}
		}
	}
	return nil
}

// VerifyStored checks only that the image at path is non-empty and hashes
// to expectedBlake3. It is what a backup can check on an encrypted image
// without the private key.
func VerifyStored(path, expectedBlake3 string) error {
	st, err := os.Stat(path)
	if err != nil {
		return &IntegrityError{Path: path, Reason: "image missing", Err: err}
	}
	if st.Size() == 0 {
		return &IntegrityError{Path: path, Reason: "image is empty"}
	}
	actual, err := crypto.BLAKE3File(path)
	if err != nil {
		return &IntegrityError{Path: path, Reason: "image unreadable", Err: err}
	}
	if expectedBlake3 != "" && actual != expectedBlake3 {
		return &IntegrityError{Path: path, Reason: fmt.Sprintf("BLAKE3 mismatch: expected %s, got %s", expectedBlake3, actual)}
	}
	return nil
}

// VerifyRecord verifies the image of one partition record. Swap and failed
// records carry no image and pass.
func VerifyRecord(set *catalog.BackupSet, rec *catalog.PartitionRecord, identity age.Identity) error {
	if !rec.HasImage() {
		return nil
	}
	return VerifyImage(set.ImagePath(rec), rec.Blake3, identity)
}

// VerifySet verifies every image of set and joins the failures.
func VerifySet(set *catalog.BackupSet, identity age.Identity) error {
	var errs []error
	for i := range set.Partitions {
		if err := VerifyRecord(set, &set.Partitions[i], identity); err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", set.Partitions[i].Ordinal, err))
		}
	}
	return errors.Join(errs...)
}
