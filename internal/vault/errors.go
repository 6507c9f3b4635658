package vault

import "errors"

var (
	// ErrNotFound is returned when a credential does not exist, is
	// tombstoned, or a requested version is no longer readable.
	ErrNotFound = errors.New("credential not found")

	// ErrExpired is returned when a credential's hard expiry has passed.
	ErrExpired = errors.New("credential expired")

	// ErrTimeout is returned when a lock or I/O wait exceeds the
	// operation deadline. Recoverable with caller backoff.
	ErrTimeout = errors.New("operation timed out")

	// ErrIntegrity is returned when stored ciphertext fails its AEAD
	// tag check. Fatal for the affected credential; never locally
	// recovered.
	ErrIntegrity = errors.New("credential ciphertext corrupted")
)
