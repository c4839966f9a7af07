package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/exports-digital/licensing-api/internal/models"
)

// DecisionRepository handles persistence of licence decisions.
type DecisionRepository struct {
	db *sqlx.DB
}

// NewDecisionRepository constructs the repository.
func NewDecisionRepository(db *sqlx.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// CreateTx writes a decision row inside the finalisation transaction.
func (r *DecisionRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, decision *models.LicenceDecision) error {
	if decision.ID == "" {
		decision.ID = uuid.NewString()
	}
	decision.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO licence_decisions (id, case_id, decision, licence_id, made_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, query,
		decision.ID, decision.CaseID, decision.Decision, decision.LicenceID, decision.MadeBy, decision.CreatedAt); err != nil {
		return fmt.Errorf("create licence decision: %w", err)
	}
	return nil
}

// ListGeneratedDocumentTypes returns the decision types for which a
// decision document has been generated on the case. Generation itself is an
// external collaborator; finalisation only checks presence.
func (r *DecisionRepository) ListGeneratedDocumentTypes(ctx context.Context, caseID string) ([]string, error) {
	const query = `SELECT decision_type FROM decision_documents WHERE case_id = $1 AND generated = TRUE`
	var types []string
	if err := r.db.SelectContext(ctx, &types, query, caseID); err != nil {
		return nil, fmt.Errorf("list decision documents: %w", err)
	}
	return types, nil
}

// FindLatestByCase returns the most recent decision for a case.
func (r *DecisionRepository) FindLatestByCase(ctx context.Context, caseID string) (*models.LicenceDecision, error) {
	const query = `SELECT id, case_id, decision, licence_id, made_by, created_at
		FROM licence_decisions WHERE case_id = $1 ORDER BY created_at DESC LIMIT 1`
	var decision models.LicenceDecision
	if err := r.db.GetContext(ctx, &decision, query, caseID); err != nil {
		return nil, err
	}
	return &decision, nil
}
