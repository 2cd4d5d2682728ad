// Package tpm supplies the daemon's 32-byte master key, sealed to the
// platform TPM. The key is unsealed once at init, held in memory, and never
// leaves the process.
package tpm

import "errors"

// ErrTPMUnavailable is fatal at init: the platform has no TPM or the
// persisted blobs are corrupt.
var ErrTPMUnavailable = errors.New("tpm: unavailable")

// Provider hands out the in-memory master key.
type Provider interface {
	// MasterKey returns the unsealed 32-byte master key.
	MasterKey() [32]byte
	Close() error
}
