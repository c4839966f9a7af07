package service

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

// Actor identifies the caseworker performing an operation, resolved from
// the bearer token by the auth middleware.
type Actor struct {
	ID          string
	TeamID      string
	Permissions []string
}

// HasPermission reports whether the actor's token carried the permission.
func (a Actor) HasPermission(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type adviceRepository interface {
	FindByID(ctx context.Context, id string) (*models.Advice, error)
	ListByCaseLevel(ctx context.Context, caseID string, level models.AdviceLevel) ([]models.Advice, error)
	ExistsFinalForTeam(ctx context.Context, caseID, teamID string) (bool, error)
	Upsert(ctx context.Context, advice *models.Advice) error
	UpdateSubstance(ctx context.Context, advice *models.Advice) error
	DeleteFinalForTeam(ctx context.Context, caseID, teamID string) (int64, error)
}

type adviceCaseReader interface {
	FindByID(ctx context.Context, id string) (*models.Case, error)
}

// countersignEditGuard owns countersign validity. The ledger hands it the
// advice being edited so sign-offs can be invalidated or the edit refused.
type countersignEditGuard interface {
	InvalidateOnEdit(ctx context.Context, advice *models.Advice) error
}

type adviceAuditWriter interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
}

// GiveAdviceRequest is the payload for recording advice on a case.
type GiveAdviceRequest struct {
	CaseID        string             `json:"case_id" validate:"required,uuid"`
	Level         models.AdviceLevel `json:"level" validate:"required,oneof=user team final"`
	Type          models.AdviceType  `json:"type" validate:"required,oneof=approve proviso refuse no_licence_required not_applicable conflicting"`
	Text          string             `json:"text" validate:"required"`
	Note          string             `json:"note"`
	Proviso       *string            `json:"proviso,omitempty"`
	DenialReasons []string           `json:"denial_reasons,omitempty"`
	GoodID        *string            `json:"good_id,omitempty" validate:"omitempty,uuid"`
	PartyID       *string            `json:"party_id,omitempty" validate:"omitempty,uuid"`
}

// EditFinalAdviceRequest is the payload for the post-countersign edit
// pathway on a single final advice entry.
type EditFinalAdviceRequest struct {
	Type          models.AdviceType `json:"type" validate:"required,oneof=approve proviso refuse no_licence_required not_applicable conflicting"`
	Text          string            `json:"text" validate:"required"`
	Note          string            `json:"note"`
	Proviso       *string           `json:"proviso,omitempty"`
	DenialReasons []string          `json:"denial_reasons,omitempty"`
}

// AdviceService is the ledger of advice entries. It is the only writer of
// advice rows and enforces the level-ordering rules between user, team and
// final advice.
type AdviceService struct {
	repo         adviceRepository
	cases        adviceCaseReader
	countersigns countersignEditGuard
	audit        adviceAuditWriter
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewAdviceService constructs AdviceService.
func NewAdviceService(repo adviceRepository, cases adviceCaseReader, countersigns countersignEditGuard, audit adviceAuditWriter, validate *validator.Validate, logger *zap.Logger) *AdviceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdviceService{repo: repo, cases: cases, countersigns: countersigns, audit: audit, validator: validate, logger: logger}
}

// Give records advice from an actor, replacing any previous entry for the
// same (case, entity, level, team).
func (s *AdviceService) Give(ctx context.Context, actor Actor, req GiveAdviceRequest) (*models.Advice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid advice payload")
	}
	if req.GoodID != nil && req.PartyID != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "advice targets at most one of good or party")
	}
	if req.Type == models.AdviceTypeRefuse && len(req.DenialReasons) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "refusal advice requires at least one denial reason")
	}
	if req.Type == models.AdviceTypeProviso && (req.Proviso == nil || *req.Proviso == "") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "proviso advice requires proviso text")
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

	advice := &models.Advice{
		CaseID:        req.CaseID,
		UserID:        actor.ID,
		TeamID:        actor.TeamID,
		Level:         req.Level,
		Type:          req.Type,
		Text:          req.Text,
		Note:          req.Note,
		Proviso:       req.Proviso,
		DenialReasons: req.DenialReasons,
		GoodID:        req.GoodID,
		PartyID:       req.PartyID,
	}

	switch req.Level {
	case models.AdviceLevelUser:
		blocked, err := s.finalExistsForEntity(ctx, req.CaseID, actor.TeamID, advice.EntityKey())
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, appErrors.Clone(appErrors.ErrConflict, "final advice exists for this entity; clear it before giving user advice")
		}
	case models.AdviceLevelTeam:
		exists, err := s.repo.ExistsFinalForTeam(ctx, req.CaseID, actor.TeamID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check final advice")
		}
		if exists {
			return nil, appErrors.Clone(appErrors.ErrConflict, "final advice exists for this team; clear it before giving team advice")
		}
	}

	if err := s.repo.Upsert(ctx, advice); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record advice")
	}

	if req.Level == models.AdviceLevelFinal {
		s.writeAudit(ctx, actor.ID, models.AuditVerbFinalAdviceCreated, req.CaseID, map[string]interface{}{
			"advice_id": advice.ID,
			"entity":    advice.EntityKey(),
			"type":      advice.Type,
		})
	}
	return advice, nil
}

// EditFinal overwrites the substantive fields of a final advice entry while
// keeping its identity. Editing countersigned advice invalidates the
// sign-offs unless the advice is a refusal, which can never be re-opened.
func (s *AdviceService) EditFinal(ctx context.Context, actor Actor, adviceID string, req EditFinalAdviceRequest) (*models.Advice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid advice payload")
	}

	advice, err := s.repo.FindByID(ctx, adviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "advice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load advice")
	}
	if advice.Level != models.AdviceLevelFinal {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "only final advice can be edited through this pathway")
	}
	if advice.TeamID != actor.TeamID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "final advice belongs to another team")
	}

	updated := *advice
	updated.Type = req.Type
	updated.Text = req.Text
	updated.Note = req.Note
	updated.Proviso = req.Proviso
	updated.DenialReasons = req.DenialReasons
	if advice.SubstanceEquals(&updated) {
		return advice, nil
	}

	// The guard errors before any write when the advice is a
	// countersigned refusal.
	if err := s.countersigns.InvalidateOnEdit(ctx, advice); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSubstance(ctx, &updated); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update advice")
	}
	return &updated, nil
}

// ConsolidatedFinal returns the case's final advice keyed by advised entity.
func (s *AdviceService) ConsolidatedFinal(ctx context.Context, caseID string) (map[string]models.Advice, error) {
	entries, err := s.repo.ListByCaseLevel(ctx, caseID, models.AdviceLevelFinal)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load final advice")
	}
	consolidated := make(map[string]models.Advice, len(entries))
	for _, entry := range entries {
		consolidated[entry.EntityKey()] = entry
	}
	return consolidated, nil
}

// List returns all advice on a case at one level.
func (s *AdviceService) List(ctx context.Context, caseID string, level models.AdviceLevel) ([]models.Advice, error) {
	entries, err := s.repo.ListByCaseLevel(ctx, caseID, level)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list advice")
	}
	return entries, nil
}

// ClearFinal bulk-deletes the calling team's own final advice on a case and
// writes one audit entry when anything was removed.
func (s *AdviceService) ClearFinal(ctx context.Context, actor Actor, caseID string) error {
	cs, err := s.cases.FindByID(ctx, caseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "case not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case")
	}
	if cs.Status.Terminal() {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "case has reached a terminal status")
	}

	removed, err := s.repo.DeleteFinalForTeam(ctx, caseID, actor.TeamID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear final advice")
	}
	if removed > 0 {
		s.writeAudit(ctx, actor.ID, models.AuditVerbFinalAdviceCleared, caseID, map[string]interface{}{
			"team_id": actor.TeamID,
			"removed": removed,
		})
	}
	return nil
}

func (s *AdviceService) finalExistsForEntity(ctx context.Context, caseID, teamID, entityKey string) (bool, error) {
	entries, err := s.repo.ListByCaseLevel(ctx, caseID, models.AdviceLevelFinal)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check final advice")
	}
	for _, entry := range entries {
		if entry.TeamID == teamID && entry.EntityKey() == entityKey {
			return true, nil
		}
	}
	return false, nil
}

func (s *AdviceService) writeAudit(ctx context.Context, actorID, verb, caseID string, payload map[string]interface{}) {
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
