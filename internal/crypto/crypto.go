// Package crypto provides the cryptographic primitives for TeamVault.
// It implements AES-256-GCM for authenticated encryption and
// PBKDF2-HMAC-SHA256 for passphrase key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of AES-256 keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of GCM authentication tags in bytes.
	TagSize = 16

	// SaltSize is the size of salts for key derivation in bytes.
	SaltSize = 16

	// MinKDFIterations is the floor for PBKDF2 iteration counts.
	// Envelopes claiming fewer iterations are rejected as corrupted.
	MinKDFIterations = 100_000

	// DefaultKDFIterations is used when creating a new master key envelope.
	DefaultKDFIterations = 600_000
)

var (
	// ErrInvalidKeySize is returned when a key has an incorrect size.
	ErrInvalidKeySize = errors.New("key must be 32 bytes")

	// ErrInvalidCiphertext is returned when ciphertext is too short to
	// contain a nonce and tag.
	ErrInvalidCiphertext = errors.New("ciphertext too short")

	// ErrDecryptionFailed is returned when the GCM tag check fails.
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")

	// ErrInvalidSaltSize is returned when a salt has an incorrect size.
	ErrInvalidSaltSize = errors.New("salt must be 16 bytes")

	// ErrWeakKDF is returned when an iteration count is below the floor.
	ErrWeakKDF = errors.New("kdf iteration count below minimum")
)

// Encrypt encrypts plaintext using AES-256-GCM with a fresh random nonce.
// The result is: nonce (12 bytes) + ciphertext + tag (16 bytes).
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal prepends nonce to ciphertext.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext produced by Encrypt. A tag mismatch is
// reported as ErrDecryptionFailed; there is no plaintext comparison
// anywhere in the scheme.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateKey generates a cryptographically secure random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// GenerateSalt generates a cryptographically secure random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte key from a passphrase using
// PBKDF2-HMAC-SHA256. Deterministic for a fixed (passphrase, salt,
// iterations) triple.
func DeriveKey(passphrase, salt []byte, iterations int) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSaltSize
	}
	if iterations < MinKDFIterations {
		return nil, ErrWeakKDF
	}
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New), nil
}

// HashToken creates a SHA-256 hash of a token. Break-glass tokens are
// stored hashed, never in the clear.
func HashToken(token []byte) []byte {
	hash := sha256.Sum256(token)
	return hash[:]
}

// HashTokenString is a convenience wrapper around HashToken.
func HashTokenString(token string) []byte {
	return HashToken([]byte(token))
}

// CompareTokens compares two token hashes in constant time.
func CompareTokens(hash1, hash2 []byte) bool {
	return subtle.ConstantTimeCompare(hash1, hash2) == 1
}

// GenerateToken generates a random token of the specified length in bytes.
func GenerateToken(length int) ([]byte, error) {
	token := make([]byte, length)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// GenerateTokenString generates a random token and returns it as a
// URL-safe base64 string.
func GenerateTokenString(length int) (string, error) {
	token, err := GenerateToken(length)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(token), nil
}

// ZeroBytes securely zeros a byte slice. Use this to clear key material
// from memory when done.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
