package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

type countersignRepository interface {
	Create(ctx context.Context, cs *models.CountersignAdvice) error
	ListValidByOrder(ctx context.Context, caseID string, order models.CountersignOrder) ([]models.CountersignAdvice, error)
	ListByAdvice(ctx context.Context, adviceID string) ([]models.CountersignAdvice, error)
	InvalidateForAdvice(ctx context.Context, adviceID string) (int64, error)
}

type countersignCaseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Case, error)
	ListCaseFlags(ctx context.Context, caseID string) ([]models.Flag, error)
	ListPartyFlags(ctx context.Context, caseID string) ([]models.PartyFlags, error)
	RemovePartyFlagsTx(ctx context.Context, tx *sqlx.Tx, partyID string, flags []models.Flag) error
}

type countersignAdviceReader interface {
	FindByID(ctx context.Context, id string) (*models.Advice, error)
}

type countersignAuditWriter interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
	CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error
}

// CountersignRequest records one sign-off on a final advice entry.
type CountersignRequest struct {
	AdviceID        string `json:"advice_id" validate:"required,uuid"`
	Order           int    `json:"order" validate:"required,oneof=1 2"`
	OutcomeAccepted bool   `json:"outcome_accepted"`
	Reasons         string `json:"reasons"`
}

// CountersignService decides whether a case's flags require one or two
// independent sign-offs and whether those sign-offs permit finalisation.
// It is the only mutator of countersign validity.
type CountersignService struct {
	repo      countersignRepository
	cases     countersignCaseRepository
	advice    countersignAdviceReader
	audit     countersignAuditWriter
	validator *validator.Validate
	logger    *zap.Logger
}

// NewCountersignService constructs CountersignService.
func NewCountersignService(repo countersignRepository, cases countersignCaseRepository, advice countersignAdviceReader, audit countersignAuditWriter, validate *validator.Validate, logger *zap.Logger) *CountersignService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CountersignService{repo: repo, cases: cases, advice: advice, audit: audit, validator: validate, logger: logger}
}

// Countersign records a sign-off from a countersigner and audits the
// outcome.
func (s *CountersignService) Countersign(ctx context.Context, actor Actor, req CountersignRequest) (*models.CountersignAdvice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid countersign payload")
	}
	advice, err := s.advice.FindByID(ctx, req.AdviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "advice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load advice")
	}
	if advice.Level != models.AdviceLevelFinal {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "only final advice can be countersigned")
	}

	cs := &models.CountersignAdvice{
		CaseID:          advice.CaseID,
		AdviceID:        advice.ID,
		Order:           models.CountersignOrder(req.Order),
		Valid:           true,
		OutcomeAccepted: req.OutcomeAccepted,
		Reasons:         req.Reasons,
		CountersignedBy: actor.ID,
	}
	if err := s.repo.Create(ctx, cs); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record countersignature")
	}

	verb := models.AuditVerbCountersignAccepted
	if !req.OutcomeAccepted {
		verb = models.AuditVerbCountersignRejected
	}
	s.writeAudit(ctx, actor.ID, verb, advice.CaseID, map[string]interface{}{
		"advice_id": advice.ID,
		"order":     req.Order,
	})
	return cs, nil
}

// RequiredOrders computes which countersign tiers the case's current flags
// demand. Flags are collected from the case and all of its destination
// parties and intersected with the fixed gating set.
func (s *CountersignService) RequiredOrders(ctx context.Context, caseID string) ([]models.CountersignOrder, error) {
	caseFlags, err := s.cases.ListCaseFlags(ctx, caseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case flags")
	}
	partyFlags, err := s.cases.ListPartyFlags(ctx, caseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load party flags")
	}

	gating := make(map[models.Flag]struct{})
	for _, f := range caseFlags {
		if f.TriggersCountersign() {
			gating[f] = struct{}{}
		}
	}
	for _, pf := range partyFlags {
		for _, f := range pf.Flags {
			if f.TriggersCountersign() {
				gating[f] = struct{}{}
			}
		}
	}
	if len(gating) == 0 {
		return nil, nil
	}

	orders := []models.CountersignOrder{models.CountersignOrderFirst}
	for f := range gating {
		if f.TriggersSeniorCountersign() {
			orders = append(orders, models.CountersignOrderSecond)
			break
		}
	}
	return orders, nil
}

// Check validates that every required tier carries an accepted, valid
// countersignature. A missing sign-off is retryable; a rejection on
// non-refusal advice is terminal for the attempt. Rejections recorded
// against refusal advice are expected and never block.
func (s *CountersignService) Check(ctx context.Context, caseID string) error {
	orders, err := s.RequiredOrders(ctx, caseID)
	if err != nil {
		return err
	}
	for _, order := range orders {
		entries, err := s.repo.ListValidByOrder(ctx, caseID, order)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load countersignatures")
		}
		accepted := false
		for _, entry := range entries {
			if entry.OutcomeAccepted {
				accepted = true
				continue
			}
			advice, err := s.advice.FindByID(ctx, entry.AdviceID)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load countersigned advice")
			}
			if advice.Type != models.AdviceTypeRefuse {
				return appErrors.ErrCountersignRefused
			}
		}
		if !accepted {
			return appErrors.ErrCountersignIncomplete
		}
	}
	return nil
}

// StripFlagsTx removes the removable countersigning flags from every party
// that holds them, writing one audit entry per affected party naming the
// removed flags. Parties that never held the flags are skipped silently.
func (s *CountersignService) StripFlagsTx(ctx context.Context, tx *sqlx.Tx, actorID, caseID string) error {
	partyFlags, err := s.cases.ListPartyFlags(ctx, caseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load party flags")
	}
	for _, pf := range partyFlags {
		var removable []models.Flag
		for _, f := range pf.Flags {
			if f.RemovableOnCountersign() {
				removable = append(removable, f)
			}
		}
		if len(removable) == 0 {
			continue
		}
		sort.Slice(removable, func(i, j int) bool { return removable[i] < removable[j] })
		if err := s.cases.RemovePartyFlagsTx(ctx, tx, pf.PartyID, removable); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove party flags")
		}

		payload, err := json.Marshal(map[string]interface{}{
			"party_id": pf.PartyID,
			"text":     flagRemovalText(removable),
		})
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode audit payload")
		}
		entry := &models.AuditEntry{ActorID: actorID, Verb: models.AuditVerbDestinationFlagsRemoved, CaseID: caseID, Payload: payload}
		if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
		}
	}
	return nil
}

// InvalidateOnEdit marks every countersignature tied to an advice entry as
// invalid because its substance changed. A countersigned refusal can never
// be re-opened, so the edit is refused instead.
func (s *CountersignService) InvalidateOnEdit(ctx context.Context, advice *models.Advice) error {
	entries, err := s.repo.ListByAdvice(ctx, advice.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load countersignatures")
	}
	signed := false
	for _, entry := range entries {
		if entry.Valid {
			signed = true
			break
		}
	}
	if !signed {
		return nil
	}
	if advice.Type == models.AdviceTypeRefuse {
		return appErrors.ErrRefusalLocked
	}
	if _, err := s.repo.InvalidateForAdvice(ctx, advice.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to invalidate countersignatures")
	}
	return nil
}

// flagRemovalText builds the audit wording for removed flags, singular for
// one flag and plural for two.
func flagRemovalText(flags []models.Flag) string {
	if len(flags) == 1 {
		return fmt.Sprintf("removed the flag '%s'.", flags[0].DisplayName())
	}
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = fmt.Sprintf("'%s'", f.DisplayName())
	}
	text := names[0]
	for i := 1; i < len(names); i++ {
		if i == len(names)-1 {
			text += " and " + names[i]
		} else {
			text += ", " + names[i]
		}
	}
	return fmt.Sprintf("removed the flags %s.", text)
}

func (s *CountersignService) writeAudit(ctx context.Context, actorID, verb, caseID string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Sugar().Errorw("failed to encode audit payload", "verb", verb, "case_id", caseID, "error", err)
		return
	}
	entry := &models.AuditEntry{ActorID: actorID, Verb: verb, CaseID: caseID, Payload: body}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Sugar().Errorw("failed to write audit entry", "verb", verb, "case_id", caseID, "error", err)
	}
}
