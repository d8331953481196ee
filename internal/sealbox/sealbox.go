// Package sealbox encrypts short payloads under a caller-supplied key using
// XChaCha20-Poly1305 with a random nonce per message.
package sealbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/benchwarmers/marketplace/internal/apperr"
)

// MinKeyLength is the shortest key material accepted, in bytes.
const MinKeyLength = 32

const (
	version = "v1"
	kdfInfo = "benchwarmers sealbox v1"
)

var (
	ErrShortKey         = apperr.Validation("key must be at least 32 characters")
	ErrMalformed        = apperr.Validation("malformed ciphertext")
	ErrDecryptionFailed = apperr.Validation("decryption failed")
)

var b64 = base64.RawURLEncoding

func deriveKey(material string) ([]byte, error) {
	if len(material) < MinKeyLength {
		return nil, ErrShortKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(material), nil, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("sealbox: derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext and returns "v1:<nonce>:<ciphertext>" with both
// parts base64url encoded.
func Seal(keyMaterial string, plaintext []byte) (string, error) {
	key, err := deriveKey(keyMaterial)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("sealbox: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sealbox: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(version))
	return version + ":" + b64.EncodeToString(nonce) + ":" + b64.EncodeToString(ct), nil
}

// Open reverses Seal. Any tampering or a wrong key yields ErrDecryptionFailed.
func Open(keyMaterial, token string) ([]byte, error) {
	key, err := deriveKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] != version {
		return nil, ErrMalformed
	}
	nonce, err := b64.DecodeString(parts[1])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrMalformed
	}
	ct, err := b64.DecodeString(parts[2])
	if err != nil || len(ct) < chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("sealbox: cipher: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(version))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
