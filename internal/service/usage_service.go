package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

type usageLicenceRepository interface {
	Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	FindByID(ctx context.Context, id string) (*models.Licence, error)
	ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error)
	GoodExistsOnLicence(ctx context.Context, licenceID, goodID string) (bool, error)
	AddGoodUsageTx(ctx context.Context, tx *sqlx.Tx, licenceID, goodID string, delta float64) (float64, error)
	HasUnexhaustedGoodsTx(ctx context.Context, tx *sqlx.Tx, licenceID string) (bool, error)
	SaveStatusTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error
}

type usageCaseReader interface {
	FindByID(ctx context.Context, id string) (*models.Case, error)
}

type usageBatchRepository interface {
	BatchExists(ctx context.Context, batchID string) (bool, error)
	RecordBatchTx(ctx context.Context, tx *sqlx.Tx, batchID string, licenceIDs []string) error
}

type usageAuditWriter interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error
}

// licenceTransitioner applies post-commit licence transitions for status
// actions carried on usage updates.
type licenceTransitioner interface {
	ApplyUsageAction(ctx context.Context, licence *models.Licence, action string) error
	InvalidateCache(ctx context.Context)
}

// acceptedUpdate is one validated licence update ready to apply.
type acceptedUpdate struct {
	licence *models.Licence
	cs      *models.Case
	action  string
	goods   []models.UsageGoodUpdate
	details map[string]models.GoodOnLicenceDetail
	result  *models.LicenceUsageResult
}

// UsageService reconciles inbound usage-update batches from the customs
// system. Batches are idempotent by id; usage always accumulates, never
// overwrites.
type UsageService struct {
	licences    usageLicenceRepository
	cases       usageCaseReader
	batches     usageBatchRepository
	audit       usageAuditWriter
	transitions licenceTransitioner
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewUsageService constructs UsageService.
func NewUsageService(licences usageLicenceRepository, cases usageCaseReader, batches usageBatchRepository, audit usageAuditWriter, transitions licenceTransitioner, validate *validator.Validate, logger *zap.Logger) *UsageService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageService{licences: licences, cases: cases, batches: batches, audit: audit, transitions: transitions, validator: validate, logger: logger}
}

// ApplyBatch validates and applies one usage-update batch, partitioning
// accepted and rejected updates at licence and good granularity. A batch id
// seen before is refused wholesale as already reported.
func (s *UsageService) ApplyBatch(ctx context.Context, req models.UsageBatchRequest) (*models.UsageBatchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid usage batch payload")
	}

	seen, err := s.batches.BatchExists(ctx, req.UsageDataID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check usage batch")
	}
	if seen {
		return nil, appErrors.ErrAlreadyReported
	}

	result := &models.UsageBatchResult{
		UsageDataID: req.UsageDataID,
		Accepted:    []models.LicenceUsageResult{},
		Rejected:    []models.LicenceUsageResult{},
	}

	var accepted []acceptedUpdate
	for _, update := range req.Licences {
		item, rejection, err := s.validateUpdate(ctx, update)
		if err != nil {
			return nil, err
		}
		if rejection != nil {
			result.Rejected = append(result.Rejected, *rejection)
			continue
		}
		accepted = append(accepted, *item)
	}

	if len(accepted) > 0 {
		if err := s.applyAccepted(ctx, req.UsageDataID, accepted); err != nil {
			return nil, err
		}
		for i := range accepted {
			result.Accepted = append(result.Accepted, *accepted[i].result)
		}
		s.afterApply(ctx, accepted)
	}
	return result, nil
}

// validateUpdate checks one licence update. A licence-level failure rejects
// the whole update; good-level failures only reject the offending goods.
func (s *UsageService) validateUpdate(ctx context.Context, update models.UsageLicenceUpdate) (*acceptedUpdate, *models.LicenceUsageResult, error) {
	reject := func(field, message string) *models.LicenceUsageResult {
		return &models.LicenceUsageResult{
			ID:     update.ID,
			Action: update.Action,
			Errors: map[string][]string{field: {message}},
		}
	}

	if !models.UsageActionAllowed(update.Action) {
		return nil, reject("action", fmt.Sprintf("action %q is not allowed", update.Action)), nil
	}
	licence, err := s.licences.FindByID(ctx, update.ID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, reject("id", "licence not found"), nil
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load licence")
	}
	cs, err := s.cases.FindByID(ctx, licence.CaseID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	if !cs.CaseType.UsageReportable() {
		return nil, reject("id", fmt.Sprintf("case type %q does not accept usage updates", cs.CaseType)), nil
	}

	item := &acceptedUpdate{
		licence: licence,
		cs:      cs,
		action:  update.Action,
		details: make(map[string]models.GoodOnLicenceDetail),
		result:  &models.LicenceUsageResult{ID: update.ID, Action: update.Action},
	}

	goods, err := s.licences.ListGoods(ctx, licence.ID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load licence goods")
	}
	for _, g := range goods {
		item.details[g.GoodID] = g
	}

	for _, good := range update.Goods {
		if good.Usage < 0 {
			item.result.GoodsRejected = append(item.result.GoodsRejected, models.GoodUsageResult{
				ID:     good.ID,
				Usage:  good.Usage,
				Errors: map[string][]string{"usage": {"usage must not be negative"}},
			})
			continue
		}
		if _, ok := item.details[good.ID]; !ok {
			item.result.GoodsRejected = append(item.result.GoodsRejected, models.GoodUsageResult{
				ID:     good.ID,
				Usage:  good.Usage,
				Errors: map[string][]string{"id": {"good is not on this licence"}},
			})
			continue
		}
		item.goods = append(item.goods, good)
	}
	return item, nil, nil
}

// applyAccepted applies every accepted update inside one transaction and
// records the batch id with the licences it touched.
func (s *UsageService) applyAccepted(ctx context.Context, batchID string, accepted []acceptedUpdate) error {
	return s.licences.Transact(ctx, func(tx *sqlx.Tx) error {
		touched := make([]string, 0, len(accepted))
		for i := range accepted {
			item := &accepted[i]
			touched = append(touched, item.licence.ID)

			for _, good := range item.goods {
				total, err := s.licences.AddGoodUsageTx(ctx, tx, item.licence.ID, good.ID, good.Usage)
				if err != nil {
					return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply usage")
				}
				item.result.GoodsAccepted = append(item.result.GoodsAccepted, models.GoodUsageResult{ID: good.ID, Usage: total})

				if err := s.auditGoodUsageTx(ctx, tx, item, good.ID, total); err != nil {
					return err
				}
			}

			if err := s.autoExhaustTx(ctx, tx, item); err != nil {
				return err
			}
		}
		if err := s.batches.RecordBatchTx(ctx, tx, batchID, touched); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record usage batch")
		}
		return nil
	})
}

// autoExhaustTx exhausts a standard-type licence once every good's usage
// has reached its licensed quantity.
func (s *UsageService) autoExhaustTx(ctx context.Context, tx *sqlx.Tx, item *acceptedUpdate) error {
	if item.cs.CaseType != models.CaseTypeStandard || len(item.goods) == 0 {
		return nil
	}
	if !item.licence.Status.Open() {
		return nil
	}
	remaining, err := s.licences.HasUnexhaustedGoodsTx(ctx, tx, item.licence.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check remaining quantity")
	}
	if remaining {
		return nil
	}

	item.licence.Status = models.LicenceStatusExhausted
	if err := s.licences.SaveStatusTx(ctx, tx, item.licence); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to exhaust licence")
	}
	payload, _ := json.Marshal(map[string]interface{}{"licence_id": item.licence.ID, "status": models.LicenceStatusExhausted})
	entry := &models.AuditEntry{ActorID: models.SystemActor, Verb: models.AuditVerbLicenceStatusUpdated, CaseID: item.cs.ID, Payload: payload}
	if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
	}
	return nil
}

func (s *UsageService) auditGoodUsageTx(ctx context.Context, tx *sqlx.Tx, item *acceptedUpdate, goodID string, total float64) error {
	detail := item.details[goodID]
	payload, err := json.Marshal(map[string]interface{}{
		"product":           truncateDescription(detail.GoodDescription),
		"licence_reference": item.licence.ReferenceCode,
		"usage":             total,
		"quantity":          detail.Quantity,
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode audit payload")
	}
	entry := &models.AuditEntry{ActorID: models.SystemActor, Verb: models.AuditVerbGoodUsageUpdated, CaseID: item.cs.ID, Payload: payload}
	if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
	}
	return nil
}

// afterApply runs the post-commit transitions for non-open actions and
// drops cached licence reads.
func (s *UsageService) afterApply(ctx context.Context, accepted []acceptedUpdate) {
	for i := range accepted {
		item := &accepted[i]
		if item.action == models.UsageActionOpen {
			continue
		}
		if !item.licence.Status.Open() {
			// Already moved terminally, e.g. auto-exhausted above.
			continue
		}
		if err := s.transitions.ApplyUsageAction(ctx, item.licence, item.action); err != nil {
			s.logger.Sugar().Errorw("failed to apply usage action",
				"licence_id", item.licence.ID, "action", item.action, "error", err)
		}
	}
	s.transitions.InvalidateCache(ctx)
}

// truncateDescription shortens a product description for audit text.
func truncateDescription(description string) string {
	if len(description) <= 15 {
		return description
	}
	return description[:15] + "..."
}
