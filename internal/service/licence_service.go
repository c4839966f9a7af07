package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/pkg/config"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

type licenceRepository interface {
	Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	Create(ctx context.Context, licence *models.Licence) error
	FindByID(ctx context.Context, id string) (*models.Licence, error)
	FindByIDForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Licence, error)
	FindDraftByCase(ctx context.Context, caseID string) (*models.Licence, error)
	FindLatestNonDraftByCase(ctx context.Context, caseID string) (*models.Licence, error)
	CountByCase(ctx context.Context, caseID string) (int, error)
	SaveStatusTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error
	SaveIssuedTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error
	AddGood(ctx context.Context, gol *models.GoodOnLicence) error
	ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error)
	FindDetailByID(ctx context.Context, id string) (*models.LicenceDetail, error)
	List(ctx context.Context, filter models.LicenceFilter) ([]models.LicenceDetail, int, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
}

type licenceCaseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Case, error)
	ListGoods(ctx context.Context, caseID string) ([]models.Good, error)
}

type syncScheduler interface {
	Schedule(ctx context.Context, licenceID string, status models.LicenceStatus) error
}

type licenceAuditWriter interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
	CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error
}

type licenceCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// GoodAllocation assigns licensed quantity and value to one applied-for
// good.
type GoodAllocation struct {
	GoodID   string  `json:"good_id" validate:"required,uuid"`
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
}

// CreateDraftLicenceRequest describes a draft licence with its allocations.
type CreateDraftLicenceRequest struct {
	CaseID      string           `json:"case_id" validate:"required,uuid"`
	StartDate   time.Time        `json:"start_date" validate:"required"`
	Duration    int              `json:"duration" validate:"required,gt=0"`
	Allocations []GoodAllocation `json:"goods" validate:"dive"`
}

// UpdateLicenceStatusRequest is the administrative status-change payload.
type UpdateLicenceStatusRequest struct {
	Status models.LicenceStatus `json:"status" validate:"required,oneof=suspended reinstated revoked"`
}

// LicenceView is the read shape for one licence with its goods.
type LicenceView struct {
	models.LicenceDetail
	Goods []models.GoodOnLicenceDetail `json:"goods"`
}

// LicenceService owns the licence status state machine. End dates are
// recomputed on every persist and never stored independently.
type LicenceService struct {
	repo      licenceRepository
	cases     licenceCaseRepository
	scheduler syncScheduler
	audit     licenceAuditWriter
	cache     licenceCache
	notifier  Notifier
	cfg       config.LicencesConfig
	validator *validator.Validate
	logger    *zap.Logger
}

// NewLicenceService constructs LicenceService.
func NewLicenceService(repo licenceRepository, cases licenceCaseRepository, scheduler syncScheduler, audit licenceAuditWriter, cache licenceCache, notifier Notifier, cfg config.LicencesConfig, validate *validator.Validate, logger *zap.Logger) *LicenceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LicenceService{repo: repo, cases: cases, scheduler: scheduler, audit: audit, cache: cache, notifier: notifier, cfg: cfg, validator: validate, logger: logger}
}

// CreateDraft prepares the draft licence an approval will issue, validating
// each good allocation against the applied-for amounts. Validation errors
// are keyed per field ("quantity-<good-id>", "value-<good-id>").
func (s *LicenceService) CreateDraft(ctx context.Context, actor Actor, req CreateDraftLicenceRequest) (*models.Licence, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid draft licence payload")
	}

	cs, err := s.cases.FindByID(ctx, req.CaseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	if cs.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "case has reached a terminal status")
	}
	if _, err := s.repo.FindDraftByCase(ctx, req.CaseID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a draft licence already exists for this case")
	} else if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check draft licence")
	}

	goods, err := s.cases.ListGoods(ctx, req.CaseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case goods")
	}
	applied := make(map[string]models.Good, len(goods))
	for _, g := range goods {
		applied[g.ID] = g
	}

	fields := make(map[string][]string)
	for _, alloc := range req.Allocations {
		good, ok := applied[alloc.GoodID]
		if !ok {
			fields["non_field_errors"] = append(fields["non_field_errors"], fmt.Sprintf("good %s is not on this case", alloc.GoodID))
			continue
		}
		if alloc.Quantity <= 0 {
			fields["quantity-"+alloc.GoodID] = append(fields["quantity-"+alloc.GoodID], "quantity must be greater than zero")
		} else if alloc.Quantity > good.AppliedQuantity {
			fields["quantity-"+alloc.GoodID] = append(fields["quantity-"+alloc.GoodID], "quantity exceeds the applied-for amount")
		}
		if alloc.Value < 0 {
			fields["value-"+alloc.GoodID] = append(fields["value-"+alloc.GoodID], "value must not be negative")
		}
	}
	if len(fields) > 0 {
		return nil, appErrors.FieldErrors(fields)
	}

	licence := &models.Licence{
		CaseID:    req.CaseID,
		Status:    models.LicenceStatusDraft,
		StartDate: req.StartDate,
		Duration:  req.Duration,
	}
	if err := s.repo.Create(ctx, licence); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create draft licence")
	}
	for _, alloc := range req.Allocations {
		gol := &models.GoodOnLicence{LicenceID: licence.ID, GoodID: alloc.GoodID, Quantity: alloc.Quantity, Value: alloc.Value}
		if err := s.repo.AddGood(ctx, gol); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate good")
		}
	}
	s.logger.Sugar().Infow("draft licence created", "licence_id", licence.ID, "case_id", req.CaseID, "actor", actor.ID)
	return licence, nil
}

// IssueTx issues the case's draft licence inside the finalisation
// transaction. When a previous non-draft licence exists it is cancelled
// first, without outward sync, and the new licence is issued as reinstated.
// Returns the resulting status so the caller can schedule sync after
// commit.
func (s *LicenceService) IssueTx(ctx context.Context, tx *sqlx.Tx, cs *models.Case, licence *models.Licence, actorID string) error {
	status := models.LicenceStatusIssued
	verb := models.AuditVerbApplicationGranted

	prev, err := s.repo.FindLatestNonDraftByCase(ctx, cs.ID)
	if err != nil && err != sql.ErrNoRows {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load previous licence")
	}
	if err == nil {
		prev.Status = models.LicenceStatusCancelled
		if err := s.repo.SaveStatusTx(ctx, tx, prev); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel superseded licence")
		}
		status = models.LicenceStatusReinstated
		verb = models.AuditVerbApplicationReinstated
	}

	reference, err := s.referenceFor(ctx, cs)
	if err != nil {
		return err
	}
	licence.ReferenceCode = reference
	licence.Status = status
	if err := s.repo.SaveIssuedTx(ctx, tx, licence); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue licence")
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"licence_id": licence.ID,
		"reference":  licence.ReferenceCode,
		"status":     licence.Status,
	})
	entry := &models.AuditEntry{ActorID: actorID, Verb: verb, CaseID: cs.ID, Payload: payload}
	if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
	}
	return nil
}

// UpdateStatus is the administrative status endpoint. Only suspension,
// reinstatement and revocation are allowed, only on finalised cases, and
// only while the licence is in an editable status.
func (s *LicenceService) UpdateStatus(ctx context.Context, actor Actor, licenceID string, req UpdateLicenceStatusRequest) (*models.Licence, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}

	var licence *models.Licence
	err := s.repo.Transact(ctx, func(tx *sqlx.Tx) error {
		var err error
		licence, err = s.repo.FindByIDForUpdateTx(ctx, tx, licenceID)
		if err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrNotFound, "licence not found")
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load licence")
		}
		cs, err := s.cases.FindByID(ctx, licence.CaseID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
		}
		if cs.Status != models.CaseStatusFinalised {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "licence status can only be changed on a finalised case")
		}
		if !licence.Status.Editable() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("licence in status %q cannot be changed", licence.Status))
		}

		licence.Status = req.Status
		if err := s.repo.SaveStatusTx(ctx, tx, licence); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save licence status")
		}

		payload, _ := json.Marshal(map[string]interface{}{"licence_id": licence.ID, "status": licence.Status})
		entry := &models.AuditEntry{ActorID: actor.ID, Verb: models.AuditVerbLicenceStatusUpdated, CaseID: licence.CaseID, Payload: payload}
		if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, licence)
	return licence, nil
}

// ApplyUsageAction transitions a licence following a status action carried
// on an inbound usage update.
func (s *LicenceService) ApplyUsageAction(ctx context.Context, licence *models.Licence, action string) error {
	var target models.LicenceStatus
	switch action {
	case models.UsageActionOpen:
		return nil
	case models.UsageActionExhaust:
		target = models.LicenceStatusExhausted
	case models.UsageActionCancel:
		target = models.LicenceStatusCancelled
	case models.UsageActionSurrender:
		target = models.LicenceStatusSurrendered
	case models.UsageActionExpire:
		target = models.LicenceStatusExpired
	default:
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown usage action %q", action))
	}
	return s.transition(ctx, models.SystemActor, licence, target)
}

// Exhaust marks a licence as fully consumed.
func (s *LicenceService) Exhaust(ctx context.Context, licence *models.Licence) error {
	return s.transition(ctx, models.SystemActor, licence, models.LicenceStatusExhausted)
}

// ExpireSweep moves every open licence past its end date to expired.
// Intended to be driven by a ticker.
func (s *LicenceService) ExpireSweep(ctx context.Context) (int, error) {
	ids, err := s.repo.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire licences")
	}
	for _, id := range ids {
		payload, _ := json.Marshal(map[string]interface{}{"licence_id": id, "status": models.LicenceStatusExpired})
		entry := &models.AuditEntry{ActorID: models.SystemActor, Verb: models.AuditVerbLicenceStatusUpdated, Payload: payload}
		if err := s.audit.Create(ctx, entry); err != nil {
			s.logger.Sugar().Errorw("failed to audit licence expiry", "licence_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.invalidateCache(ctx)
	}
	return len(ids), nil
}

// Get returns one licence with its goods, served from cache when possible.
// The second return reports whether the read was a cache hit.
func (s *LicenceService) Get(ctx context.Context, id string) (*LicenceView, bool, error) {
	key := "licences:detail:" + id
	var view LicenceView
	if hit, _ := s.cache.Get(ctx, key, &view); hit {
		return &view, true, nil
	}

	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, appErrors.Clone(appErrors.ErrNotFound, "licence not found")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load licence")
	}
	goods, err := s.repo.ListGoods(ctx, id)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load licence goods")
	}
	view = LicenceView{LicenceDetail: *detail, Goods: goods}
	if err := s.cache.Set(ctx, key, view, s.cfg.CacheTTL); err != nil {
		s.logger.Sugar().Warnw("failed to cache licence", "licence_id", id, "error", err)
	}
	return &view, false, nil
}

// List returns licences matching the filter with pagination metadata.
func (s *LicenceService) List(ctx context.Context, filter models.LicenceFilter) ([]models.LicenceDetail, *models.Pagination, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	key := listCacheKey(filter)
	var cached struct {
		Items []models.LicenceDetail `json:"items"`
		Total int                    `json:"total"`
	}
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return cached.Items, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: cached.Total}, nil
	}

	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list licences")
	}
	cached.Items = items
	cached.Total = total
	if err := s.cache.Set(ctx, key, cached, s.cfg.CacheTTL); err != nil {
		s.logger.Sugar().Warnw("failed to cache licence list", "error", err)
	}
	return items, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// InvalidateCache drops all cached licence reads. Called by collaborators
// that change licence state inside their own transactions.
func (s *LicenceService) InvalidateCache(ctx context.Context) {
	s.invalidateCache(ctx)
}

func (s *LicenceService) transition(ctx context.Context, actorID string, licence *models.Licence, target models.LicenceStatus) error {
	err := s.repo.Transact(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.repo.FindByIDForUpdateTx(ctx, tx, licence.ID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load licence")
		}
		locked.Status = target
		if err := s.repo.SaveStatusTx(ctx, tx, locked); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save licence status")
		}
		*licence = *locked

		payload, _ := json.Marshal(map[string]interface{}{"licence_id": licence.ID, "status": target})
		entry := &models.AuditEntry{ActorID: actorID, Verb: models.AuditVerbLicenceStatusUpdated, CaseID: licence.CaseID, Payload: payload}
		return s.audit.CreateTx(ctx, tx, entry)
	})
	if err != nil {
		return err
	}
	s.afterTransition(ctx, licence)
	return nil
}

// afterTransition runs the post-commit side effects of a status change:
// outward sync scheduling, cache invalidation and applicant notification.
func (s *LicenceService) afterTransition(ctx context.Context, licence *models.Licence) {
	if err := s.scheduler.Schedule(ctx, licence.ID, licence.Status); err != nil {
		s.logger.Sugar().Errorw("failed to schedule licence sync", "licence_id", licence.ID, "status", licence.Status, "error", err)
	}
	s.invalidateCache(ctx)

	if s.notifier != nil {
		cs, err := s.cases.FindByID(ctx, licence.CaseID)
		if err != nil {
			s.logger.Sugar().Warnw("failed to load case for notification", "case_id", licence.CaseID, "error", err)
			return
		}
		s.notifier.LicenceStatusChanged(ctx, cs, licence)
	}
}

func (s *LicenceService) invalidateCache(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, "licences:*"); err != nil {
		s.logger.Sugar().Warnw("failed to invalidate licence cache", "error", err)
	}
}

// referenceFor derives the licence reference from the case reference plus
// an alphabetic suffix for reissues: "", "/A", "/B" and so on.
func (s *LicenceService) referenceFor(ctx context.Context, cs *models.Case) (string, error) {
	count, err := s.repo.CountByCase(ctx, cs.ID)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count licences")
	}
	// The draft being issued is included in the count.
	prior := count - 1
	if prior <= 0 {
		return cs.ReferenceCode, nil
	}
	return cs.ReferenceCode + referenceSuffix(prior), nil
}

// referenceSuffix returns "/A" for the first reissue, "/B" for the second,
// and so on.
func referenceSuffix(reissue int) string {
	letters := ""
	for reissue > 0 {
		reissue--
		letters = string(rune('A'+reissue%26)) + letters
		reissue /= 26
	}
	return "/" + letters
}

func listCacheKey(filter models.LicenceFilter) string {
	statuses := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		statuses[i] = string(st)
	}
	return fmt.Sprintf("licences:list:%s:%s:%s:%d:%d",
		filter.Reference, strings.Join(statuses, ","), filter.CaseID, filter.Page, filter.PageSize)
}
