package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exports-digital/licensing-api/internal/models"
)

// LicenceRepository handles persistence of licences and their goods.
type LicenceRepository struct {
	db *sqlx.DB
}

// NewLicenceRepository constructs the repository.
func NewLicenceRepository(db *sqlx.DB) *LicenceRepository {
	return &LicenceRepository{db: db}
}

const licenceColumns = `id, case_id, reference_code, status, start_date, duration, end_date, hmrc_sent_at, created_at, updated_at`

// Transact runs fn inside a transaction on this repository's database.
func (r *LicenceRepository) Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin licence transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Create persists a new licence. The end date is derived before insert.
func (r *LicenceRepository) Create(ctx context.Context, licence *models.Licence) error {
	if licence.ID == "" {
		licence.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	licence.CreatedAt = now
	licence.UpdatedAt = now
	licence.EndDate = licence.ComputeEndDate()

	const query = `INSERT INTO licences (id, case_id, reference_code, status, start_date, duration, end_date, hmrc_sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := r.db.ExecContext(ctx, query,
		licence.ID, licence.CaseID, licence.ReferenceCode, licence.Status,
		licence.StartDate, licence.Duration, licence.EndDate, licence.HMRCSentAt,
		licence.CreatedAt, licence.UpdatedAt); err != nil {
		return fmt.Errorf("create licence: %w", err)
	}
	return nil
}

// FindByID returns a licence by its ID.
func (r *LicenceRepository) FindByID(ctx context.Context, id string) (*models.Licence, error) {
	query := fmt.Sprintf(`SELECT %s FROM licences WHERE id = $1`, licenceColumns)
	var licence models.Licence
	if err := r.db.GetContext(ctx, &licence, query, id); err != nil {
		return nil, err
	}
	return &licence, nil
}

// FindByIDForUpdateTx locks and returns a licence row inside tx.
func (r *LicenceRepository) FindByIDForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Licence, error) {
	query := fmt.Sprintf(`SELECT %s FROM licences WHERE id = $1 FOR UPDATE`, licenceColumns)
	var licence models.Licence
	if err := tx.GetContext(ctx, &licence, query, id); err != nil {
		return nil, err
	}
	return &licence, nil
}

// FindDraftByCase returns the case's draft licence, if any.
func (r *LicenceRepository) FindDraftByCase(ctx context.Context, caseID string) (*models.Licence, error) {
	query := fmt.Sprintf(`SELECT %s FROM licences WHERE case_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`, licenceColumns)
	var licence models.Licence
	if err := r.db.GetContext(ctx, &licence, query, caseID, models.LicenceStatusDraft); err != nil {
		return nil, err
	}
	return &licence, nil
}

// FindLatestNonDraftByCase returns the most recent non-draft licence for
// the case, regardless of status. Used by the reissue path.
func (r *LicenceRepository) FindLatestNonDraftByCase(ctx context.Context, caseID string) (*models.Licence, error) {
	query := fmt.Sprintf(`SELECT %s FROM licences WHERE case_id = $1 AND status <> $2 ORDER BY created_at DESC LIMIT 1`, licenceColumns)
	var licence models.Licence
	if err := r.db.GetContext(ctx, &licence, query, caseID, models.LicenceStatusDraft); err != nil {
		return nil, err
	}
	return &licence, nil
}

// CountByCase returns how many licences exist for a case. Drives the
// reference suffix of reissues.
func (r *LicenceRepository) CountByCase(ctx context.Context, caseID string) (int, error) {
	const query = `SELECT COUNT(*) FROM licences WHERE case_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, caseID); err != nil {
		return 0, fmt.Errorf("count licences: %w", err)
	}
	return count, nil
}

// SaveStatusTx persists a status change inside tx, recomputing the end
// date as it always is on save.
func (r *LicenceRepository) SaveStatusTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error {
	licence.EndDate = licence.ComputeEndDate()
	licence.UpdatedAt = time.Now().UTC()
	const query = `UPDATE licences SET status = $2, end_date = $3, updated_at = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, licence.ID, licence.Status, licence.EndDate, licence.UpdatedAt); err != nil {
		return fmt.Errorf("save licence status: %w", err)
	}
	return nil
}

// SaveIssuedTx persists an issuance inside tx: reference, status and the
// recomputed end date in one write.
func (r *LicenceRepository) SaveIssuedTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error {
	licence.EndDate = licence.ComputeEndDate()
	licence.UpdatedAt = time.Now().UTC()
	const query = `UPDATE licences SET reference_code = $2, status = $3, end_date = $4, updated_at = $5 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, licence.ID, licence.ReferenceCode, licence.Status, licence.EndDate, licence.UpdatedAt); err != nil {
		return fmt.Errorf("save issued licence: %w", err)
	}
	return nil
}

// SaveStatus persists a status change in its own transaction.
func (r *LicenceRepository) SaveStatus(ctx context.Context, licence *models.Licence) error {
	return r.Transact(ctx, func(tx *sqlx.Tx) error {
		return r.SaveStatusTx(ctx, tx, licence)
	})
}

// DeleteTx removes a licence row inside tx. Used to drop an orphan draft
// when a case is refused.
func (r *LicenceRepository) DeleteTx(ctx context.Context, tx *sqlx.Tx, licenceID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM goods_on_licences WHERE licence_id = $1`, licenceID); err != nil {
		return fmt.Errorf("delete licence goods: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM licences WHERE id = $1`, licenceID); err != nil {
		return fmt.Errorf("delete licence: %w", err)
	}
	return nil
}

// SetHMRCSentAt stamps the last successful delivery to the customs system.
func (r *LicenceRepository) SetHMRCSentAt(ctx context.Context, licenceID string, sentAt time.Time) error {
	const query = `UPDATE licences SET hmrc_sent_at = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, licenceID, sentAt); err != nil {
		return fmt.Errorf("set hmrc sent at: %w", err)
	}
	return nil
}

// LatestCancelledID returns the id of the most recently cancelled licence
// for a case. Referenced as old_id on update actions.
func (r *LicenceRepository) LatestCancelledID(ctx context.Context, caseID string) (string, error) {
	const query = `SELECT id FROM licences WHERE case_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	var id string
	if err := r.db.GetContext(ctx, &id, query, caseID, models.LicenceStatusCancelled); err != nil {
		return "", err
	}
	return id, nil
}

// AddGood allocates quantity and value for one good on a licence.
func (r *LicenceRepository) AddGood(ctx context.Context, gol *models.GoodOnLicence) error {
	if gol.ID == "" {
		gol.ID = uuid.NewString()
	}
	gol.CreatedAt = time.Now().UTC()
	const query = `INSERT INTO goods_on_licences (id, licence_id, good_id, quantity, value, usage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, query,
		gol.ID, gol.LicenceID, gol.GoodID, gol.Quantity, gol.Value, gol.Usage, gol.CreatedAt); err != nil {
		return fmt.Errorf("add good on licence: %w", err)
	}
	return nil
}

// ListGoods returns the licence's goods in creation order. The order is the
// line-number contract the customs system uses when reporting usage.
func (r *LicenceRepository) ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error) {
	const query = `SELECT gol.id, gol.licence_id, gol.good_id, gol.quantity, gol.value, gol.usage, gol.created_at,
		g.name AS good_name, g.description AS good_description, g.unit AS good_unit, g.applied_quantity
		FROM goods_on_licences gol
		JOIN goods g ON g.id = gol.good_id
		WHERE gol.licence_id = $1
		ORDER BY gol.created_at`
	var goods []models.GoodOnLicenceDetail
	if err := r.db.SelectContext(ctx, &goods, query, licenceID); err != nil {
		return nil, fmt.Errorf("list goods on licence: %w", err)
	}
	return goods, nil
}

// CountGoods returns how many goods a licence covers.
func (r *LicenceRepository) CountGoods(ctx context.Context, licenceID string) (int, error) {
	const query = `SELECT COUNT(*) FROM goods_on_licences WHERE licence_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, licenceID); err != nil {
		return 0, fmt.Errorf("count goods on licence: %w", err)
	}
	return count, nil
}

// FindGoodOnLicenceTx locks and returns one allocation row inside tx.
func (r *LicenceRepository) FindGoodOnLicenceTx(ctx context.Context, tx *sqlx.Tx, licenceID, goodID string) (*models.GoodOnLicence, error) {
	const query = `SELECT id, licence_id, good_id, quantity, value, usage, created_at
		FROM goods_on_licences WHERE licence_id = $1 AND good_id = $2 FOR UPDATE`
	var gol models.GoodOnLicence
	if err := tx.GetContext(ctx, &gol, query, licenceID, goodID); err != nil {
		return nil, err
	}
	return &gol, nil
}

// GoodExistsOnLicence reports whether the good is allocated on the licence.
func (r *LicenceRepository) GoodExistsOnLicence(ctx context.Context, licenceID, goodID string) (bool, error) {
	const query = `SELECT 1 FROM goods_on_licences WHERE licence_id = $1 AND good_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, licenceID, goodID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check good on licence: %w", err)
	}
	return true, nil
}

// AddGoodUsageTx accumulates usage onto one allocation and returns the new
// cumulative total. Usage is additive, never overwritten.
func (r *LicenceRepository) AddGoodUsageTx(ctx context.Context, tx *sqlx.Tx, licenceID, goodID string, delta float64) (float64, error) {
	const query = `UPDATE goods_on_licences SET usage = usage + $3 WHERE licence_id = $1 AND good_id = $2 RETURNING usage`
	var total float64
	if err := tx.GetContext(ctx, &total, query, licenceID, goodID, delta); err != nil {
		return 0, fmt.Errorf("add good usage: %w", err)
	}
	return total, nil
}

// HasUnexhaustedGoodsTx reports whether any good still has quantity left.
func (r *LicenceRepository) HasUnexhaustedGoodsTx(ctx context.Context, tx *sqlx.Tx, licenceID string) (bool, error) {
	const query = `SELECT 1 FROM goods_on_licences WHERE licence_id = $1 AND usage < quantity LIMIT 1`
	var exists int
	if err := tx.GetContext(ctx, &exists, query, licenceID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check unexhausted goods: %w", err)
	}
	return true, nil
}

// FindDetailByID returns a licence joined with its case context.
func (r *LicenceRepository) FindDetailByID(ctx context.Context, id string) (*models.LicenceDetail, error) {
	const query = `SELECT l.id, l.case_id, l.reference_code, l.status, l.start_date, l.duration, l.end_date, l.hmrc_sent_at, l.created_at, l.updated_at,
		c.reference_code AS case_reference, c.case_type, c.status AS case_status
		FROM licences l
		JOIN cases c ON c.id = l.case_id
		WHERE l.id = $1`
	var detail models.LicenceDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns licences filtered by the provided criteria.
func (r *LicenceRepository) List(ctx context.Context, filter models.LicenceFilter) ([]models.LicenceDetail, int, error) {
	base := `FROM licences l JOIN cases c ON c.id = l.case_id`
	var conditions []string
	var args []interface{}

	if filter.Reference != "" {
		conditions = append(conditions, fmt.Sprintf("(l.reference_code ILIKE $%d OR c.reference_code ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Reference+"%")
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("l.status = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(statuses))
	}
	if filter.CaseID != "" {
		conditions = append(conditions, fmt.Sprintf("l.case_id = $%d", len(args)+1))
		args = append(args, filter.CaseID)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT l.id, l.case_id, l.reference_code, l.status, l.start_date, l.duration, l.end_date, l.hmrc_sent_at, l.created_at, l.updated_at,
		c.reference_code AS case_reference, c.case_type, c.status AS case_status
		%s ORDER BY l.created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var licences []models.LicenceDetail
	if err := r.db.SelectContext(ctx, &licences, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list licences: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count licences: %w", err)
	}
	return licences, total, nil
}

// ExpireDue marks every live licence past its end date as expired and
// returns the affected ids.
func (r *LicenceRepository) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	const query = `UPDATE licences SET status = $1, updated_at = $2
		WHERE status = ANY($3) AND end_date < $2
		RETURNING id`
	live := []string{
		string(models.LicenceStatusIssued),
		string(models.LicenceStatusReinstated),
		string(models.LicenceStatusSuspended),
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, models.LicenceStatusExpired, now, pq.Array(live)); err != nil {
		return nil, fmt.Errorf("expire licences: %w", err)
	}
	return ids, nil
}
