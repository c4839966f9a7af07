package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exports-digital/licensing-api/internal/models"
)

// AuditRepository handles persistence of the audit trail.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository constructs the repository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create writes one audit entry in its own transaction.
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	return r.insert(ctx, r.db, entry)
}

// CreateTx writes one audit entry inside an enclosing transaction so the
// mutation and its audit commit or roll back together.
func (r *AuditRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	return r.insert(ctx, tx, entry)
}

// DeleteFlagAddedTx removes the still-open flag-added entries for flags
// being cleared on finalisation.
func (r *AuditRepository) DeleteFlagAddedTx(ctx context.Context, tx *sqlx.Tx, caseID string, flags []models.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = string(f)
	}
	const query = `DELETE FROM audit_trail WHERE case_id = $1 AND verb = $2 AND payload->>'flag' = ANY($3)`
	if _, err := tx.ExecContext(ctx, query, caseID, models.AuditVerbFlagAdded, pq.Array(names)); err != nil {
		return fmt.Errorf("delete flag audit entries: %w", err)
	}
	return nil
}

// ListByCase returns a case's audit trail, newest first.
func (r *AuditRepository) ListByCase(ctx context.Context, caseID string) ([]models.AuditEntry, error) {
	const query = `SELECT id, actor_id, verb, case_id, payload, created_at
		FROM audit_trail WHERE case_id = $1 ORDER BY created_at DESC`
	var entries []models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, caseID); err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	return entries, nil
}

func (r *AuditRepository) insert(ctx context.Context, execer sqlx.ExtContext, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ActorID == "" {
		entry.ActorID = models.SystemActor
	}
	entry.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO audit_trail (id, actor_id, verb, case_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := execer.ExecContext(ctx, query,
		entry.ID, entry.ActorID, entry.Verb, entry.CaseID, entry.Payload, entry.CreatedAt); err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}
