// Package notary produces non-repudiable proofs of computed settlements and
// escrow releases.
//
// A proof binds a subject (a ledger row or an escrow) to the keccak-256
// digest of its canonical JSON payload and a signature over that digest.
// Proofs are audit artifacts only: nothing in the settlement flow branches on
// them, and callers treat a notarization failure as degraded, not fatal.
package notary

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrProofNotFound  = errors.New("notary: proof not found")
	ErrNoSigner       = errors.New("notary: no signer configured")
	ErrInvalidSubject = errors.New("notary: subject type and id are required")
)

// Subject types.
const (
	SubjectSettlement = "settlement"
	SubjectEscrow     = "escrow"
)

// Proof is a stored notarization.
type Proof struct {
	ID            string          `json:"id"`
	SubjectType   string          `json:"subjectType"`
	SubjectID     string          `json:"subjectId"`
	CorrelationID string          `json:"correlationId"`
	Algorithm     string          `json:"algorithm"`
	Signer        string          `json:"signer"`
	Digest        string          `json:"digest"`
	Signature     string          `json:"signature"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Verification is the outcome of checking a stored proof.
type Verification struct {
	ProofID        string `json:"proofId"`
	Valid          bool   `json:"valid"`
	DigestMatches  bool   `json:"digestMatches"`
	SignatureValid bool   `json:"signatureValid"`
	// SubjectMatches is set when the current state of the subject could be
	// loaded and re-hashed.
	SubjectMatches *bool  `json:"subjectMatches,omitempty"`
	Algorithm      string `json:"algorithm"`
	Signer         string `json:"signer"`
	Error          string `json:"error,omitempty"`
}

// Signer signs and verifies 32-byte digests.
type Signer interface {
	Algorithm() string
	// ID identifies the key (an address or key fingerprint).
	ID() string
	Sign(digest []byte) (string, error)
	Verify(digest []byte, signature, signerID string) bool
}

// Store persists proofs.
type Store interface {
	Create(ctx context.Context, p *Proof) error
	Get(ctx context.Context, id string) (*Proof, error)
	ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*Proof, error)
}

// Resolver loads the current payload of a subject so a proof can be
// re-checked against live data.
type Resolver func(ctx context.Context, subjectID string) (any, error)
