package main

import (
	"context"
	"fmt"

	"perimeter/pkg/database"
)

// PostgresAttemptStore writes to verification_attempts.
type PostgresAttemptStore struct {
	pool *database.Pool
}

func NewPostgresAttemptStore(pool *database.Pool) *PostgresAttemptStore {
	return &PostgresAttemptStore{pool: pool}
}

func (s *PostgresAttemptStore) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.pool.ExecContext(ctx, `
		INSERT INTO verification_attempts
			(id, correlation_id, mode, subject, token_hash, verified, reason, pattern_bytes, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.CorrelationID, a.Mode, a.Subject, a.TokenHash, a.Verified, a.Reason, a.PatternBytes, a.RemoteAddr, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert verification attempt: %w", err)
	}
	return nil
}
