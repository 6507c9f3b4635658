// Package keyring manages the master key envelope: deriving a key from
// the bootstrap passphrase, unwrapping the data encryption key (DEK),
// and rotating the passphrase without touching credential ciphertext.
//
// The unlocked DEK lives in a Keyring, an explicit process-scoped
// object handed to store operations. It is created by Init or Unlock
// and zeroed by Close; there is no ambient singleton.
package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/teamvault-io/teamvault/internal/crypto"
	"github.com/teamvault-io/teamvault/internal/store"
)

var (
	// ErrAuthentication is returned when the passphrase is wrong. Wrong
	// passphrases are detected by AEAD tag failure on the envelope,
	// never by comparing plaintext. Fatal; never auto-retried.
	ErrAuthentication = errors.New("authentication failed: wrong passphrase")

	// ErrIntegrity is returned when the envelope is structurally
	// corrupted. Fatal; requires out-of-band recovery.
	ErrIntegrity = errors.New("master key envelope corrupted")

	// ErrClosed is returned when the keyring has been closed and its
	// DEK zeroed.
	ErrClosed = errors.New("keyring closed")
)

// Keyring holds the unlocked DEK. All credential encryption and
// decryption borrows the key through WithKey so the material never
// escapes the package by reference.
type Keyring struct {
	mu  sync.RWMutex
	dek []byte // nil after Close
}

// Init creates a fresh master key envelope in the store: random salt,
// PBKDF2-derived wrapping key, random DEK sealed under it. Returns the
// unlocked keyring.
func Init(s store.Store, passphrase string, iterations int) (*Keyring, error) {
	if iterations == 0 {
		iterations = crypto.DefaultKDFIterations
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	wrapKey, err := crypto.DeriveKey([]byte(passphrase), salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer crypto.ZeroBytes(wrapKey)

	dek, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate DEK: %w", err)
	}

	wrapped, err := crypto.Encrypt(wrapKey, dek)
	if err != nil {
		crypto.ZeroBytes(dek)
		return nil, fmt.Errorf("wrap DEK: %w", err)
	}

	env := &store.Envelope{
		Salt:             salt,
		KDFIterations:    iterations,
		EncryptedDataKey: wrapped,
	}
	if err := s.SetEnvelope(env); err != nil {
		crypto.ZeroBytes(dek)
		return nil, fmt.Errorf("persist envelope: %w", err)
	}

	return &Keyring{dek: dek}, nil
}

// Unlock loads the envelope, derives the wrapping key from the
// passphrase, and unwraps the DEK. A tag mismatch means a wrong
// passphrase (ErrAuthentication); a malformed envelope means
// corruption (ErrIntegrity).
func Unlock(s store.Store, passphrase string) (*Keyring, error) {
	env, err := s.GetEnvelope()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: envelope missing", ErrIntegrity)
		}
		return nil, fmt.Errorf("load envelope: %w", err)
	}

	if len(env.Salt) != crypto.SaltSize || env.KDFIterations < crypto.MinKDFIterations ||
		len(env.EncryptedDataKey) < crypto.NonceSize+crypto.TagSize {
		return nil, fmt.Errorf("%w: malformed fields", ErrIntegrity)
	}

	wrapKey, err := crypto.DeriveKey([]byte(passphrase), env.Salt, env.KDFIterations)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer crypto.ZeroBytes(wrapKey)

	dek, err := crypto.Decrypt(wrapKey, env.EncryptedDataKey)
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(dek) != crypto.KeySize {
		crypto.ZeroBytes(dek)
		return nil, fmt.Errorf("%w: unwrapped key has wrong size", ErrIntegrity)
	}

	return &Keyring{dek: dek}, nil
}

// RotatePassphrase re-wraps the same DEK under a key derived from the
// new passphrase with a fresh salt. Credential ciphertext is untouched.
// The old passphrase is verified by unwrapping the current envelope.
func RotatePassphrase(s store.Store, oldPassphrase, newPassphrase string, iterations int) error {
	kr, err := Unlock(s, oldPassphrase)
	if err != nil {
		return err
	}
	defer kr.Close()

	if iterations == 0 {
		iterations = crypto.DefaultKDFIterations
	}

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("generate new salt: %w", err)
	}

	newWrapKey, err := crypto.DeriveKey([]byte(newPassphrase), newSalt, iterations)
	if err != nil {
		return fmt.Errorf("derive new key: %w", err)
	}
	defer crypto.ZeroBytes(newWrapKey)

	var wrapped []byte
	err = kr.WithKey(func(dek []byte) error {
		var encErr error
		wrapped, encErr = crypto.Encrypt(newWrapKey, dek)
		return encErr
	})
	if err != nil {
		return fmt.Errorf("re-wrap DEK: %w", err)
	}

	env := &store.Envelope{
		Salt:             newSalt,
		KDFIterations:    iterations,
		EncryptedDataKey: wrapped,
	}
	if err := s.SetEnvelope(env); err != nil {
		return fmt.Errorf("persist envelope: %w", err)
	}
	return nil
}

// WithKey runs fn with the DEK. The slice must not be retained or
// mutated by fn.
func (k *Keyring) WithKey(fn func(dek []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.dek == nil {
		return ErrClosed
	}
	return fn(k.dek)
}

// Encrypt seals plaintext under the DEK.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, error) {
	var out []byte
	err := k.WithKey(func(dek []byte) error {
		var encErr error
		out, encErr = crypto.Encrypt(dek, plaintext)
		return encErr
	})
	return out, err
}

// Decrypt opens ciphertext under the DEK.
func (k *Keyring) Decrypt(ciphertext []byte) ([]byte, error) {
	var out []byte
	err := k.WithKey(func(dek []byte) error {
		var decErr error
		out, decErr = crypto.Decrypt(dek, ciphertext)
		return decErr
	})
	return out, err
}

// Close zeroes the DEK. The keyring is unusable afterwards.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dek != nil {
		crypto.ZeroBytes(k.dek)
		k.dek = nil
	}
}
