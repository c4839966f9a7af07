package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exports-digital/licensing-api/internal/models"
)

// CaseRepository handles persistence of cases, their parties and flags.
type CaseRepository struct {
	db *sqlx.DB
}

// NewCaseRepository constructs the repository.
func NewCaseRepository(db *sqlx.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

const caseColumns = `id, reference_code, case_type, status, sub_status, organisation_id, submitted_by_email, appeal_deadline, created_at, updated_at`

// FindByID returns a case by its ID.
func (r *CaseRepository) FindByID(ctx context.Context, id string) (*models.Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE id = $1`, caseColumns)
	var cs models.Case
	if err := r.db.GetContext(ctx, &cs, query, id); err != nil {
		return nil, err
	}
	return &cs, nil
}

// WithCaseLock runs fn inside a transaction holding a row lock on the case.
// Concurrent finalisation attempts serialise here: the loser blocks until
// the winner commits and then observes the committed state.
func (r *CaseRepository) WithCaseLock(ctx context.Context, caseID string, fn func(tx *sqlx.Tx, cs *models.Case) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin case transaction: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM cases WHERE id = $1 FOR UPDATE`, caseColumns)
	var cs models.Case
	if err := tx.GetContext(ctx, &cs, query, caseID); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := fn(tx, &cs); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateStatusTx moves the case to a new status. Sub-status is always
// cleared on a status change unless a replacement valid for the new status
// is supplied.
func (r *CaseRepository) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, caseID string, status models.CaseStatus, subStatus *string) error {
	if subStatus != nil && !models.SubStatusAllowed(status, *subStatus) {
		return fmt.Errorf("sub-status %q is not valid for status %q", *subStatus, status)
	}
	const query = `UPDATE cases SET status = $2, sub_status = $3, updated_at = NOW() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, caseID, status, subStatus); err != nil {
		return fmt.Errorf("update case status: %w", err)
	}
	return nil
}

// SetAppealDeadlineTx records the appeal deadline set on refusal.
func (r *CaseRepository) SetAppealDeadlineTx(ctx context.Context, tx *sqlx.Tx, caseID string, deadline *time.Time) error {
	const query = `UPDATE cases SET appeal_deadline = $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, caseID, deadline); err != nil {
		return fmt.Errorf("set appeal deadline: %w", err)
	}
	return nil
}

// ListParties returns the destination parties attached to a case.
func (r *CaseRepository) ListParties(ctx context.Context, caseID string) ([]models.Party, error) {
	const query = `SELECT p.id, p.case_id, p.type, p.name, p.address, p.country_id, c.name AS country_name
		FROM parties p
		JOIN countries c ON c.id = p.country_id
		WHERE p.case_id = $1
		ORDER BY p.created_at`
	var parties []models.Party
	if err := r.db.SelectContext(ctx, &parties, query, caseID); err != nil {
		return nil, fmt.Errorf("list parties: %w", err)
	}
	return parties, nil
}

// ListCaseFlags returns the flags set directly on the case.
func (r *CaseRepository) ListCaseFlags(ctx context.Context, caseID string) ([]models.Flag, error) {
	const query = `SELECT flag FROM case_flags WHERE case_id = $1`
	var flags []models.Flag
	if err := r.db.SelectContext(ctx, &flags, query, caseID); err != nil {
		return nil, fmt.Errorf("list case flags: %w", err)
	}
	return flags, nil
}

// ListPartyFlags returns the flags set on each of the case's parties.
func (r *CaseRepository) ListPartyFlags(ctx context.Context, caseID string) ([]models.PartyFlags, error) {
	const query = `SELECT pf.party_id, pf.flag FROM party_flags pf
		JOIN parties p ON p.id = pf.party_id
		WHERE p.case_id = $1
		ORDER BY pf.party_id`
	rows, err := r.db.QueryxContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("list party flags: %w", err)
	}
	defer rows.Close()

	byParty := make(map[string]*models.PartyFlags)
	var order []string
	for rows.Next() {
		var partyID string
		var flag models.Flag
		if err := rows.Scan(&partyID, &flag); err != nil {
			return nil, fmt.Errorf("scan party flag: %w", err)
		}
		entry, ok := byParty[partyID]
		if !ok {
			entry = &models.PartyFlags{PartyID: partyID}
			byParty[partyID] = entry
			order = append(order, partyID)
		}
		entry.Flags = append(entry.Flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate party flags: %w", err)
	}

	result := make([]models.PartyFlags, 0, len(order))
	for _, id := range order {
		result = append(result, *byParty[id])
	}
	return result, nil
}

// RemovePartyFlagsTx strips the given flags from one party.
func (r *CaseRepository) RemovePartyFlagsTx(ctx context.Context, tx *sqlx.Tx, partyID string, flags []models.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	const query = `DELETE FROM party_flags WHERE party_id = $1 AND flag = ANY($2)`
	if _, err := tx.ExecContext(ctx, query, partyID, pq.Array(flagStrings(flags))); err != nil {
		return fmt.Errorf("remove party flags: %w", err)
	}
	return nil
}

// RemoveCaseFlagsTx strips the given flags from the case itself.
func (r *CaseRepository) RemoveCaseFlagsTx(ctx context.Context, tx *sqlx.Tx, caseID string, flags []models.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	const query = `DELETE FROM case_flags WHERE case_id = $1 AND flag = ANY($2)`
	if _, err := tx.ExecContext(ctx, query, caseID, pq.Array(flagStrings(flags))); err != nil {
		return fmt.Errorf("remove case flags: %w", err)
	}
	return nil
}

// ListGoods returns the goods applied for on a case.
func (r *CaseRepository) ListGoods(ctx context.Context, caseID string) ([]models.Good, error) {
	const query = `SELECT id, case_id, name, description, unit, applied_quantity, applied_value, created_at
		FROM goods WHERE case_id = $1 ORDER BY created_at`
	var goods []models.Good
	if err := r.db.SelectContext(ctx, &goods, query, caseID); err != nil {
		return nil, fmt.Errorf("list case goods: %w", err)
	}
	return goods, nil
}

// FindOrganisation returns the exporter organisation owning a case.
func (r *CaseRepository) FindOrganisation(ctx context.Context, caseID string) (*models.Organisation, error) {
	const query = `SELECT o.id, o.name, o.eori_number, o.site_name, o.address_line, o.city, o.region, o.postcode, o.country_id, c.name AS country_name
		FROM organisations o
		JOIN cases cs ON cs.organisation_id = o.id
		JOIN countries c ON c.id = o.country_id
		WHERE cs.id = $1`
	var org models.Organisation
	if err := r.db.GetContext(ctx, &org, query, caseID); err != nil {
		return nil, err
	}
	return &org, nil
}

func flagStrings(flags []models.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
