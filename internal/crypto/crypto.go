// Package crypto provides the content-encryption primitives of the vault
// core: AES-256-GCM with out-of-band IVs, streamed BLAKE2b hashing,
// Crockford base32 codecs and the namespace-prefixed ID generator.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeySize is the size of every vault and master key.
	KeySize = 32
	// IVSize is the AES-GCM nonce size; IVs are stored out-of-band.
	IVSize = 12
)

// ErrDecryptionFailed is returned when GCM tag verification fails or the
// ciphertext is malformed.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// Encrypt seals plaintext under a 32-byte key with a fresh random 96-bit IV.
// The returned ciphertext carries the 16-byte GCM tag appended; the IV is
// returned separately and must be stored out-of-band.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("read iv: %w", err)
	}

	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext produced by Encrypt with the same key and IV.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrDecryptionFailed, IVSize, len(iv))
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// NewKey generates a fresh random 32-byte key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// Sum returns the hex-encoded BLAKE2b-512 digest of b.
func Sum(b []byte) string {
	sum := blake2b.Sum512(b)
	return hex.EncodeToString(sum[:])
}

// SumReader streams r through BLAKE2b-512 and returns the hex digest.
func SumReader(r io.Reader) (string, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile streams the file at path through BLAKE2b-512.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return SumReader(f)
}
