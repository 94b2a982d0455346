package crypto

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

func ParseRecipient(publicKey string) (age.Recipient, error) {
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse age public key: %w", err)
	}
	return recipient, nil
}

// LoadIdentity reads an age private key file, as written by age-keygen.
func LoadIdentity(path string) (age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return identities[0], nil
}

// EncryptWriter returns a writer that age-encrypts into w. Closing it
// flushes the final chunk but does not close w.
func EncryptWriter(w io.Writer, recipient age.Recipient) (io.WriteCloser, error) {
	return age.Encrypt(w, recipient)
}

// DecryptReader returns the plaintext of an age stream.
func DecryptReader(r io.Reader, identity age.Identity) (io.Reader, error) {
	if identity == nil {
		return nil, fmt.Errorf("image is encrypted but no private key was provided")
	}
	return age.Decrypt(r, identity)
}

func Encrypt(inputFile, outputFile string, recipient age.Recipient) error {
	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	w, err := EncryptWriter(out, recipient)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, in); err != nil {
		return err
	}

	return w.Close()
}

func Decrypt(inputFile, outputFile string, identity age.Identity) error {
	in, err := os.Open(inputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	r, err := DecryptReader(in, identity)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, r); err != nil {
		return err
	}

	return nil
}

// BLAKE3File computes the BLAKE3 hash of a file
func BLAKE3File(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return Sum(hasher), nil
}

// Sum formats a hasher's digest the way sidecars store it.
func Sum(h *blake3.Hasher) string {
	return fmt.Sprintf("%x", h.Sum(nil))
}
