package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exports-digital/licensing-api/internal/models"
)

// AdviceRepository is the sole writer of advice rows.
type AdviceRepository struct {
	db *sqlx.DB
}

// NewAdviceRepository constructs the repository.
func NewAdviceRepository(db *sqlx.DB) *AdviceRepository {
	return &AdviceRepository{db: db}
}

const adviceColumns = `id, case_id, user_id, team_id, level, type, text, note, proviso, good_id, party_id, created_at, updated_at`

// FindByID returns one advice entry with its denial reasons.
func (r *AdviceRepository) FindByID(ctx context.Context, id string) (*models.Advice, error) {
	query := fmt.Sprintf(`SELECT %s FROM advice WHERE id = $1`, adviceColumns)
	var advice models.Advice
	if err := r.db.GetContext(ctx, &advice, query, id); err != nil {
		return nil, err
	}
	if err := r.loadDenialReasons(ctx, &advice); err != nil {
		return nil, err
	}
	return &advice, nil
}

// ListByCaseLevel returns all advice for a case at one level.
func (r *AdviceRepository) ListByCaseLevel(ctx context.Context, caseID string, level models.AdviceLevel) ([]models.Advice, error) {
	query := fmt.Sprintf(`SELECT %s FROM advice WHERE case_id = $1 AND level = $2 ORDER BY created_at`, adviceColumns)
	var entries []models.Advice
	if err := r.db.SelectContext(ctx, &entries, query, caseID, level); err != nil {
		return nil, fmt.Errorf("list advice: %w", err)
	}
	for i := range entries {
		if err := r.loadDenialReasons(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// ExistsFinalForTeam reports whether a team has any final advice on a case.
func (r *AdviceRepository) ExistsFinalForTeam(ctx context.Context, caseID, teamID string) (bool, error) {
	const query = `SELECT 1 FROM advice WHERE case_id = $1 AND team_id = $2 AND level = $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, caseID, teamID, models.AdviceLevelFinal); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check final advice: %w", err)
	}
	return true, nil
}

// Upsert writes an advice entry, replacing any previous entry for the same
// (case, entity, level, team) so re-submission never duplicates.
func (r *AdviceRepository) Upsert(ctx context.Context, advice *models.Advice) error {
	if advice.ID == "" {
		advice.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	advice.CreatedAt = now
	advice.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advice upsert: %w", err)
	}

	const deleteQuery = `DELETE FROM advice WHERE case_id = $1 AND team_id = $2 AND level = $3
		AND good_id IS NOT DISTINCT FROM $4 AND party_id IS NOT DISTINCT FROM $5`
	if _, err := tx.ExecContext(ctx, deleteQuery, advice.CaseID, advice.TeamID, advice.Level, advice.GoodID, advice.PartyID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("replace advice: %w", err)
	}

	const insertQuery = `INSERT INTO advice (id, case_id, user_id, team_id, level, type, text, note, proviso, good_id, party_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		advice.ID, advice.CaseID, advice.UserID, advice.TeamID, advice.Level, advice.Type,
		advice.Text, advice.Note, advice.Proviso, advice.GoodID, advice.PartyID,
		advice.CreatedAt, advice.UpdatedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert advice: %w", err)
	}

	if err := r.replaceDenialReasonsTx(ctx, tx, advice.ID, advice.DenialReasons); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateSubstance overwrites the substantive fields of an advice entry in
// place, keeping its identity (used by the post-countersign edit pathway).
func (r *AdviceRepository) UpdateSubstance(ctx context.Context, advice *models.Advice) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advice update: %w", err)
	}
	const query = `UPDATE advice SET type = $2, text = $3, note = $4, proviso = $5, updated_at = NOW() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, advice.ID, advice.Type, advice.Text, advice.Note, advice.Proviso); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update advice: %w", err)
	}
	if err := r.replaceDenialReasonsTx(ctx, tx, advice.ID, advice.DenialReasons); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// DeleteFinalForTeam bulk-deletes a team's final advice on a case and
// returns how many entries were removed.
func (r *AdviceRepository) DeleteFinalForTeam(ctx context.Context, caseID, teamID string) (int64, error) {
	const query = `DELETE FROM advice WHERE case_id = $1 AND team_id = $2 AND level = $3`
	result, err := r.db.ExecContext(ctx, query, caseID, teamID, models.AdviceLevelFinal)
	if err != nil {
		return 0, fmt.Errorf("clear final advice: %w", err)
	}
	return result.RowsAffected()
}

func (r *AdviceRepository) loadDenialReasons(ctx context.Context, advice *models.Advice) error {
	const query = `SELECT reason FROM advice_denial_reasons WHERE advice_id = $1 ORDER BY reason`
	var reasons []string
	if err := r.db.SelectContext(ctx, &reasons, query, advice.ID); err != nil {
		return fmt.Errorf("load denial reasons: %w", err)
	}
	advice.DenialReasons = reasons
	return nil
}

func (r *AdviceRepository) replaceDenialReasonsTx(ctx context.Context, tx *sqlx.Tx, adviceID string, reasons []string) error {
	const deleteQuery = `DELETE FROM advice_denial_reasons WHERE advice_id = $1`
	if _, err := tx.ExecContext(ctx, deleteQuery, adviceID); err != nil {
		return fmt.Errorf("clear denial reasons: %w", err)
	}
	if len(reasons) == 0 {
		return nil
	}
	const insertQuery = `INSERT INTO advice_denial_reasons (advice_id, reason) SELECT $1, unnest($2::text[])`
	if _, err := tx.ExecContext(ctx, insertQuery, adviceID, pq.Array(reasons)); err != nil {
		return fmt.Errorf("insert denial reasons: %w", err)
	}
	return nil
}
