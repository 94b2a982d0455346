package keys

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

	"drb/internal/crypto"
)

// Generate prints a fresh age key pair. The public half goes into
// age_public_key; the private half is needed for every encrypted restore.
func Generate(w io.Writer) (*age.X25519Identity, error) {
	fmt.Fprintln(w, "Generating age public and private key pair...")

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Fprintln(w, "\n=== Age Key Pair Generated ===")
	fmt.Fprintf(w, "Public key:  %s\n", identity.Recipient().String())
	fmt.Fprintf(w, "Private key: %s\n", identity.String())
	fmt.Fprintln(w, "\n!! Keep your private key secure, images cannot be restored without it !!")

	return identity, nil
}

// Test encrypts a sample with publicKey and checks the identity at
// privateKeyPath decrypts it back unchanged.
func Test(publicKey, privateKeyPath string, w io.Writer) error {
	fmt.Fprintln(w, "Testing age key pair compatibility...")

	recipient, err := crypto.ParseRecipient(publicKey)
	if err != nil {
		return fmt.Errorf("failed to parse public key from config: %w", err)
	}
	fmt.Fprintf(w, "Public key from config: %s\n", publicKey)

	identity, err := crypto.LoadIdentity(privateKeyPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Private key loaded from: %s\n", privateKeyPath)

	tempDir, err := os.MkdirTemp("", "drb_key_test_*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	testContent := []byte("Disk Restore Backup - Key Pair Test - " + time.Now().Format(time.RFC3339))
	testFile := filepath.Join(tempDir, "test.txt")
	if err := os.WriteFile(testFile, testContent, 0o644); err != nil {
		return fmt.Errorf("failed to create test file: %w", err)
	}

	encryptedFile := filepath.Join(tempDir, "test.txt.age")
	fmt.Fprintln(w, "\nEncrypting test data with public key...")
	if err := crypto.Encrypt(testFile, encryptedFile, recipient); err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	fmt.Fprintln(w, "Encryption successful")

	decryptedFile := filepath.Join(tempDir, "test_decrypted.txt")
	fmt.Fprintln(w, "Decrypting test data with private key...")
	if err := crypto.Decrypt(encryptedFile, decryptedFile, identity); err != nil {
		return fmt.Errorf("decryption failed: %w\nThis means the private key does not match the public key in config", err)
	}
	fmt.Fprintln(w, "Decryption successful")

	decrypted, err := os.ReadFile(decryptedFile)
	if err != nil {
		return fmt.Errorf("failed to read decrypted file: %w", err)
	}
	if !bytes.Equal(decrypted, testContent) {
		return fmt.Errorf("content mismatch: decrypted content does not match original")
	}

	fmt.Fprintln(w, "Content verification successful")
	return nil
}
