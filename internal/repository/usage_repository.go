package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UsageRepository records applied usage batches for deduplication.
type UsageRepository struct {
	db *sqlx.DB
}

// NewUsageRepository constructs the repository.
func NewUsageRepository(db *sqlx.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// BatchExists reports whether a usage batch id has already been applied.
func (r *UsageRepository) BatchExists(ctx context.Context, batchID string) (bool, error) {
	const query = `SELECT 1 FROM usage_batches WHERE id = $1 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, batchID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check usage batch: %w", err)
	}
	return true, nil
}

// RecordBatchTx stores the batch id with the licences it touched, inside
// the same transaction that applied the usage.
func (r *UsageRepository) RecordBatchTx(ctx context.Context, tx *sqlx.Tx, batchID string, licenceIDs []string) error {
	const batchQuery = `INSERT INTO usage_batches (id, created_at) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, batchQuery, batchID, time.Now().UTC()); err != nil {
		return fmt.Errorf("record usage batch: %w", err)
	}
	const linkQuery = `INSERT INTO usage_batch_licences (batch_id, licence_id) VALUES ($1, $2)`
	for _, licenceID := range licenceIDs {
		if _, err := tx.ExecContext(ctx, linkQuery, batchID, licenceID); err != nil {
			return fmt.Errorf("link usage batch licence: %w", err)
		}
	}
	return nil
}
