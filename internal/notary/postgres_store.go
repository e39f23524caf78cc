package notary

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists proofs in PostgreSQL. The payload column is JSON
// (not JSONB) so the signed bytes round-trip unchanged.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed proof store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const proofColumns = `id, subject_type, subject_id, correlation_id, algorithm, signer,
		digest, signature, payload, created_at`

func (p *PostgresStore) Create(ctx context.Context, pr *Proof) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_proofs (`+proofColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pr.ID, pr.SubjectType, pr.SubjectID, pr.CorrelationID, pr.Algorithm, pr.Signer,
		pr.Digest, pr.Signature, string(pr.Payload), pr.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Proof, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM audit_proofs WHERE id = $1`, id)
	pr, err := scanProof(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProofNotFound
	}
	return pr, err
}

func (p *PostgresStore) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*Proof, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proofColumns+`
		FROM audit_proofs
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at ASC`, subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Proof
	for rows.Next() {
		pr, err := scanProof(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProof(s scanner) (*Proof, error) {
	pr := &Proof{}
	var payload []byte
	if err := s.Scan(
		&pr.ID, &pr.SubjectType, &pr.SubjectID, &pr.CorrelationID, &pr.Algorithm, &pr.Signer,
		&pr.Digest, &pr.Signature, &payload, &pr.CreatedAt,
	); err != nil {
		return nil, err
	}
	pr.Payload = payload
	return pr, nil
}

var _ Store = (*PostgresStore)(nil)
