// Package idgen generates identifiers for ledger rows, batches, escrows and proofs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefixes used across the service.
const (
	PrefixEscrow     = "esc_"
	PrefixSettlement = "stl_"
	PrefixBatch      = "bat_"
	PrefixProof      = "prf_"
	PrefixRefund     = "rfd_"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + a 32-hex-char random UUID without dashes
// (e.g. "stl_6f1c...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id carries prefix followed by a 32-hex-char UUID.
func Valid(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
