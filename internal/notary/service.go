package notary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/traces"
)

// Service notarizes payloads and verifies stored proofs.
type Service struct {
	store     Store
	signer    Signer
	logger    *slog.Logger
	timeout   time.Duration
	resolvers map[string]Resolver
	now       func() time.Time
}

// NewService creates a notary service. signer may be nil, in which case
// Notarize fails with ErrNoSigner and callers log the degradation.
func NewService(store Store, signer Signer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		signer:    signer,
		logger:    logger,
		timeout:   5 * time.Second,
		resolvers: make(map[string]Resolver),
		now:       time.Now,
	}
}

// WithTimeout bounds each Notarize call.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithResolver registers a loader for the live state of a subject type.
func (s *Service) WithResolver(subjectType string, r Resolver) *Service {
	s.resolvers[subjectType] = r
	return s
}

// Digest returns the keccak-256 digest of payload's JSON encoding and the
// encoding itself.
func Digest(payload any) ([]byte, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("notary: marshal payload: %w", err)
	}
	return crypto.Keccak256(data), data, nil
}

// Notarize signs payload and stores the proof, returning its id.
func (s *Service) Notarize(ctx context.Context, subjectType, subjectID, correlationID string, payload any) (string, error) {
	if s == nil || s.signer == nil {
		return "", ErrNoSigner
	}
	if subjectType == "" || subjectID == "" {
		return "", ErrInvalidSubject
	}

	ctx, span := traces.StartSpan(ctx, "notary.Notarize")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	digest, data, err := Digest(payload)
	if err != nil {
		notarizeTotal.WithLabelValues("error").Inc()
		return "", err
	}
	sig, err := s.signer.Sign(digest)
	if err != nil {
		notarizeTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return "", fmt.Errorf("notary: sign: %w", err)
	}

	proof := &Proof{
		ID:            idgen.WithPrefix(idgen.PrefixProof),
		SubjectType:   subjectType,
		SubjectID:     subjectID,
		CorrelationID: correlationID,
		Algorithm:     s.signer.Algorithm(),
		Signer:        s.signer.ID(),
		Digest:        hexutil.Encode(digest),
		Signature:     sig,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.Create(ctx, proof); err != nil {
		notarizeTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return "", fmt.Errorf("notary: store proof: %w", err)
	}

	notarizeTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("notarized", "proofId", proof.ID, "subject", subjectType, "subjectId", subjectID)
	return proof.ID, nil
}

// Get returns a stored proof.
func (s *Service) Get(ctx context.Context, id string) (*Proof, error) {
	return s.store.Get(ctx, id)
}

// ListBySubject returns all proofs for a subject, oldest first.
func (s *Service) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*Proof, error) {
	return s.store.ListBySubject(ctx, subjectType, subjectID)
}

// Verify re-hashes the stored payload, checks the signature, and when a
// resolver is registered for the subject type, compares against live data.
func (s *Service) Verify(ctx context.Context, id string) (*Verification, error) {
	proof, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &Verification{ProofID: id, Algorithm: proof.Algorithm, Signer: proof.Signer}

	digest := crypto.Keccak256(proof.Payload)
	v.DigestMatches = hexutil.Encode(digest) == proof.Digest
	v.SignatureValid = s.verifySignature(proof, digest)

	if resolve, ok := s.resolvers[proof.SubjectType]; ok {
		current, err := resolve(ctx, proof.SubjectID)
		if err != nil {
			v.Error = fmt.Sprintf("load subject: %v", err)
		} else if d, _, err := Digest(current); err == nil {
			match := hexutil.Encode(d) == proof.Digest
			v.SubjectMatches = &match
		}
	}

	v.Valid = v.DigestMatches && v.SignatureValid && (v.SubjectMatches == nil || *v.SubjectMatches)
	if !v.Valid && v.Error == "" {
		v.Error = "proof does not verify"
	}
	return v, nil
}

func (s *Service) verifySignature(p *Proof, digest []byte) bool {
	switch {
	case p.Algorithm == "secp256k1-keccak256":
		return RecoverVerify(digest, p.Signature, p.Signer)
	case s.signer != nil && p.Algorithm == s.signer.Algorithm():
		return s.signer.Verify(digest, p.Signature, p.Signer)
	}
	return false
}
