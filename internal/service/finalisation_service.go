package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/pkg/config"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

type finalisationCaseRepository interface {
	WithCaseLock(ctx context.Context, caseID string, fn func(tx *sqlx.Tx, cs *models.Case) error) error
	UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, caseID string, status models.CaseStatus, subStatus *string) error
	SetAppealDeadlineTx(ctx context.Context, tx *sqlx.Tx, caseID string, deadline *time.Time) error
	ListCaseFlags(ctx context.Context, caseID string) ([]models.Flag, error)
	RemoveCaseFlagsTx(ctx context.Context, tx *sqlx.Tx, caseID string, flags []models.Flag) error
}

type finalisationLicenceRepository interface {
	FindDraftByCase(ctx context.Context, caseID string) (*models.Licence, error)
	DeleteTx(ctx context.Context, tx *sqlx.Tx, licenceID string) error
}

type finalAdviceReader interface {
	ConsolidatedFinal(ctx context.Context, caseID string) (map[string]models.Advice, error)
}

// countersignGate gates finalisation on the case's required sign-offs and
// strips the removable countersigning flags once they have served.
type countersignGate interface {
	Check(ctx context.Context, caseID string) error
	StripFlagsTx(ctx context.Context, tx *sqlx.Tx, actorID, caseID string) error
}

type licenceIssuer interface {
	IssueTx(ctx context.Context, tx *sqlx.Tx, cs *models.Case, licence *models.Licence, actorID string) error
	InvalidateCache(ctx context.Context)
}

type decisionRepository interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, decision *models.LicenceDecision) error
	FindLatestByCase(ctx context.Context, caseID string) (*models.LicenceDecision, error)
	ListGeneratedDocumentTypes(ctx context.Context, caseID string) ([]string, error)
}

type finalisationAuditWriter interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error
	DeleteFlagAddedTx(ctx context.Context, tx *sqlx.Tx, caseID string, flags []models.Flag) error
}

// FinalisationResult reports the outcome of a finalisation. LicenceID is
// empty for refusals and advice-only outcomes.
type FinalisationResult struct {
	CaseID     string `json:"case_id"`
	Outcome    string `json:"outcome"`
	LicenceID  string `json:"licence_id,omitempty"`
	Reference  string `json:"licence_reference,omitempty"`
	DecisionID string `json:"decision_id"`
}

// FinalisationService converts consolidated final advice into a binding
// case outcome inside one transaction holding a row lock on the case.
// Concurrent calls serialise on the lock; the loser observes the winner's
// committed outcome and returns it unchanged.
type FinalisationService struct {
	cases     finalisationCaseRepository
	licences  finalisationLicenceRepository
	advice    finalAdviceReader
	gate      countersignGate
	issuer    licenceIssuer
	decisions decisionRepository
	audit     finalisationAuditWriter
	scheduler syncScheduler
	notifier  Notifier
	cfg       config.LicencesConfig
	logger    *zap.Logger
}

// NewFinalisationService constructs FinalisationService.
func NewFinalisationService(cases finalisationCaseRepository, licences finalisationLicenceRepository, advice finalAdviceReader, gate countersignGate, issuer licenceIssuer, decisions decisionRepository, audit finalisationAuditWriter, scheduler syncScheduler, notifier Notifier, cfg config.LicencesConfig, logger *zap.Logger) *FinalisationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FinalisationService{
		cases: cases, licences: licences, advice: advice, gate: gate,
		issuer: issuer, decisions: decisions, audit: audit,
		scheduler: scheduler, notifier: notifier, cfg: cfg, logger: logger,
	}
}

// Finalise converts the case's final advice into its outcome.
func (s *FinalisationService) Finalise(ctx context.Context, actor Actor, caseID string) (*FinalisationResult, error) {
	var (
		result      FinalisationResult
		issued      *models.Licence
		finalStatus models.LicenceStatus
		finalCase   *models.Case
	)

	err := s.cases.WithCaseLock(ctx, caseID, func(tx *sqlx.Tx, cs *models.Case) error {
		finalCase = cs
		if !actor.HasPermission(models.FinalisePermissionFor(cs.CaseType)) {
			return appErrors.Clone(appErrors.ErrForbidden, "missing permission to finalise this case")
		}

		// A concurrent finalisation that won the lock race leaves the
		// case finalised; converge on its outcome instead of failing.
		if cs.Status == models.CaseStatusFinalised {
			return s.convergeFinalised(ctx, cs, &result)
		}
		if cs.Status.Terminal() {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, fmt.Sprintf("case in status %q cannot be finalised", cs.Status))
		}

		consolidated, err := s.advice.ConsolidatedFinal(ctx, cs.ID)
		if err != nil {
			return err
		}
		if len(consolidated) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, "case has no final advice to finalise")
		}
		types := distinctAdviceTypes(consolidated)
		refusal := len(types) == 1 && types[0] == models.AdviceTypeRefuse

		if err := s.checkDecisionDocuments(ctx, cs.ID, types); err != nil {
			return err
		}
		if err := s.gate.Check(ctx, cs.ID); err != nil {
			return err
		}

		decision := &models.LicenceDecision{CaseID: cs.ID, MadeBy: actor.ID}
		subStatus := models.SubStatusApproved
		outcome := "approved"

		if refusal {
			decision.Decision = models.DecisionRefused
			subStatus = models.SubStatusRefused
			outcome = "refused"

			// A refused case must not keep an orphan draft around.
			draft, err := s.licences.FindDraftByCase(ctx, cs.ID)
			if err != nil && err != sql.ErrNoRows {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load draft licence")
			}
			if err == nil {
				if err := s.licences.DeleteTx(ctx, tx, draft.ID); err != nil {
					return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove draft licence")
				}
			}

			deadline := time.Now().UTC().AddDate(0, 0, s.cfg.AppealWindowDays)
			if err := s.cases.SetAppealDeadlineTx(ctx, tx, cs.ID, &deadline); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to set appeal deadline")
			}

			payload, _ := json.Marshal(map[string]interface{}{"appeal_deadline": deadline.Format("2006-01-02")})
			entry := &models.AuditEntry{ActorID: actor.ID, Verb: models.AuditVerbApplicationRefused, CaseID: cs.ID, Payload: payload}
			if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
			}
		} else {
			decision.Decision = models.DecisionIssued
			if allNoLicenceRequired(types) {
				outcome = "no_licence_required"
			}

			draft, err := s.licences.FindDraftByCase(ctx, cs.ID)
			if err != nil && err != sql.ErrNoRows {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load draft licence")
			}
			if err == nil {
				if err := s.issuer.IssueTx(ctx, tx, cs, draft, actor.ID); err != nil {
					return err
				}
				issued = draft
				finalStatus = draft.Status
				decision.LicenceID = &draft.ID
				result.LicenceID = draft.ID
				result.Reference = draft.ReferenceCode
			} else {
				// Advice-only finalisation, e.g. a case entirely
				// no-licence-required with no draft prepared.
				payload, _ := json.Marshal(map[string]interface{}{"outcome": outcome})
				entry := &models.AuditEntry{ActorID: actor.ID, Verb: models.AuditVerbApplicationGranted, CaseID: cs.ID, Payload: payload}
				if err := s.audit.CreateTx(ctx, tx, entry); err != nil {
					return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
				}
			}
		}

		if err := s.decisions.CreateTx(ctx, tx, decision); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record decision")
		}
		result.DecisionID = decision.ID
		result.CaseID = cs.ID
		result.Outcome = outcome

		sub := subStatus
		if err := s.cases.UpdateStatusTx(ctx, tx, cs.ID, models.CaseStatusFinalised, &sub); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalise case status")
		}

		if err := s.gate.StripFlagsTx(ctx, tx, actor.ID, cs.ID); err != nil {
			return err
		}
		if err := s.removeFinalisationFlags(ctx, tx, cs.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, finalCase, &result, issued, finalStatus)
	return &result, nil
}

// convergeFinalised returns the already-committed outcome for a case that
// was finalised by a concurrent call.
func (s *FinalisationService) convergeFinalised(ctx context.Context, cs *models.Case, result *FinalisationResult) error {
	decision, err := s.decisions.FindLatestByCase(ctx, cs.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load existing decision")
	}
	result.CaseID = cs.ID
	result.DecisionID = decision.ID
	switch decision.Decision {
	case models.DecisionRefused:
		result.Outcome = "refused"
	default:
		result.Outcome = "approved"
	}
	if decision.LicenceID != nil {
		result.LicenceID = *decision.LicenceID
	}
	return nil
}

// checkDecisionDocuments requires a generated decision document for every
// decision type present in the final advice. Errors are keyed per decision
// so the caller can surface exactly which documents are missing.
func (s *FinalisationService) checkDecisionDocuments(ctx context.Context, caseID string, types []models.AdviceType) error {
	generated, err := s.decisions.ListGeneratedDocumentTypes(ctx, caseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load decision documents")
	}
	have := make(map[string]struct{}, len(generated))
	for _, t := range generated {
		have[t] = struct{}{}
	}

	fields := make(map[string][]string)
	for _, t := range types {
		if !requiresDocument(t) {
			continue
		}
		if _, ok := have[string(t)]; !ok {
			fields["decision-"+string(t)] = []string{fmt.Sprintf("Generate the %s document", t)}
		}
	}
	if len(fields) > 0 {
		return appErrors.FieldErrors(fields)
	}
	return nil
}

func (s *FinalisationService) removeFinalisationFlags(ctx context.Context, tx *sqlx.Tx, caseID string) error {
	flags, err := s.cases.ListCaseFlags(ctx, caseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load case flags")
	}
	var removable []models.Flag
	for _, f := range flags {
		if f.RemoveOnFinalisation() {
			removable = append(removable, f)
		}
	}
	if len(removable) == 0 {
		return nil
	}
	if err := s.cases.RemoveCaseFlagsTx(ctx, tx, caseID, removable); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove case flags")
	}
	// The open audit entries about those flags having been added go with
	// them.
	if err := s.audit.DeleteFlagAddedTx(ctx, tx, caseID, removable); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove flag audit entries")
	}
	return nil
}

// afterCommit runs the post-transaction side effects. None of them can
// roll the finalisation back.
func (s *FinalisationService) afterCommit(ctx context.Context, cs *models.Case, result *FinalisationResult, issued *models.Licence, status models.LicenceStatus) {
	if issued != nil {
		if err := s.scheduler.Schedule(ctx, issued.ID, status); err != nil {
			s.logger.Sugar().Errorw("failed to schedule licence sync", "licence_id", issued.ID, "error", err)
		}
		s.issuer.InvalidateCache(ctx)
	}
	if s.notifier != nil && cs != nil {
		s.notifier.CaseFinalised(ctx, cs, result.Outcome, result.Reference)
	}
}

func distinctAdviceTypes(consolidated map[string]models.Advice) []models.AdviceType {
	seen := make(map[models.AdviceType]struct{})
	for _, advice := range consolidated {
		seen[advice.Type] = struct{}{}
	}
	types := make([]models.AdviceType, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func allNoLicenceRequired(types []models.AdviceType) bool {
	for _, t := range types {
		if t != models.AdviceTypeNoLicenceRequired {
			return false
		}
	}
	return len(types) > 0
}

// requiresDocument reports whether a decision type needs a generated
// document before finalisation.
func requiresDocument(t models.AdviceType) bool {
	switch t {
	case models.AdviceTypeApprove, models.AdviceTypeProviso, models.AdviceTypeRefuse, models.AdviceTypeNoLicenceRequired:
		return true
	default:
		return false
	}
}
