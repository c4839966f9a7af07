package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/exports-digital/licensing-api/internal/models"
)

// CountersignRepository handles persistence of countersignatures.
// Only the countersign gate mutates the valid column.
type CountersignRepository struct {
	db *sqlx.DB
}

// NewCountersignRepository constructs the repository.
func NewCountersignRepository(db *sqlx.DB) *CountersignRepository {
	return &CountersignRepository{db: db}
}

const countersignColumns = `id, case_id, advice_id, countersign_order, valid, outcome_accepted, reasons, countersigned_by, created_at`

// Create stores a new countersignature.
func (r *CountersignRepository) Create(ctx context.Context, cs *models.CountersignAdvice) error {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	cs.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO countersign_advice (id, case_id, advice_id, countersign_order, valid, outcome_accepted, reasons, countersigned_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := r.db.ExecContext(ctx, query,
		cs.ID, cs.CaseID, cs.AdviceID, cs.Order, cs.Valid, cs.OutcomeAccepted, cs.Reasons, cs.CountersignedBy, cs.CreatedAt); err != nil {
		return fmt.Errorf("create countersign advice: %w", err)
	}
	return nil
}

// ListValidByOrder returns the currently valid countersignatures on a
// case's final advice for one tier.
func (r *CountersignRepository) ListValidByOrder(ctx context.Context, caseID string, order models.CountersignOrder) ([]models.CountersignAdvice, error) {
	query := fmt.Sprintf(`SELECT %s FROM countersign_advice WHERE case_id = $1 AND countersign_order = $2 AND valid = TRUE ORDER BY created_at`, countersignColumns)
	var entries []models.CountersignAdvice
	if err := r.db.SelectContext(ctx, &entries, query, caseID, order); err != nil {
		return nil, fmt.Errorf("list countersign advice: %w", err)
	}
	return entries, nil
}

// ListByAdvice returns every countersignature tied to one advice entry.
func (r *CountersignRepository) ListByAdvice(ctx context.Context, adviceID string) ([]models.CountersignAdvice, error) {
	query := fmt.Sprintf(`SELECT %s FROM countersign_advice WHERE advice_id = $1 ORDER BY created_at`, countersignColumns)
	var entries []models.CountersignAdvice
	if err := r.db.SelectContext(ctx, &entries, query, adviceID); err != nil {
		return nil, fmt.Errorf("list countersign advice for advice: %w", err)
	}
	return entries, nil
}

// InvalidateForAdvice marks every countersignature tied to an advice entry
// as invalid. Rows are retained for the audit history.
func (r *CountersignRepository) InvalidateForAdvice(ctx context.Context, adviceID string) (int64, error) {
	const query = `UPDATE countersign_advice SET valid = FALSE WHERE advice_id = $1 AND valid = TRUE`
	result, err := r.db.ExecContext(ctx, query, adviceID)
	if err != nil {
		return 0, fmt.Errorf("invalidate countersign advice: %w", err)
	}
	return result.RowsAffected()
}
