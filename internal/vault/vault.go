// Package vault implements the Credential Vault: authenticated encryption
// of connection secrets with a per-process master key (spec.md §4.1).
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// blobVersion is the single self-describing version byte prefixed to every
// sealed blob, so future key-rotation schemes can add a v2 without
// breaking existing ciphertext.
const blobVersion byte = 1

// Vault seals and opens connection secrets using XChaCha20-Poly1305, whose
// 24-byte nonce is large enough to draw at random for every seal (spec.md
// §9: "the re-implementation must not" repeat the deprecated primitives of
// the source).
type Vault struct {
	aead   cipherAEAD
	keyLen int
}

type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New builds a Vault from a hex-encoded 32-byte master key.
func New(masterKeyHex string) (*Vault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	return &Vault{aead: aead, keyLen: len(key)}, nil
}

// Seal encrypts plaintext into a self-describing blob:
// version(1) || nonce(24) || ciphertext || tag.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	out = v.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// CryptoError is returned by Open when the blob is malformed or fails
// authentication (tampering or wrong key).
type CryptoError struct{ reason string }

func (e *CryptoError) Error() string { return "vault: " + e.reason }

// Open decrypts a blob produced by Seal, verifying its authentication tag.
func (v *Vault) Open(blob []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(blob) < 1+nonceSize {
		return nil, &CryptoError{"blob too short"}
	}
	if blob[0] != blobVersion {
		return nil, &CryptoError{"unsupported blob version"}
	}

	nonce := blob[1 : 1+nonceSize]
	ciphertext := blob[1+nonceSize:]

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &CryptoError{"authentication failed"}
	}
	return plaintext, nil
}

// Mask returns "first4···last4" for use in log contexts, per spec.md §4.1.
func Mask(s string) string {
	const ellipsis = "···"
	if len(s) <= 8 {
		return ellipsis
	}
	return s[:4] + ellipsis + s[len(s)-4:]
}
