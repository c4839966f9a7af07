package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/pkg/config"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

type mockFinalisationCases struct {
	cs            models.Case
	flags         []models.Flag
	statusUpdates []string
	subStatuses   []string
	deadline      *time.Time
	removedFlags  []models.Flag
}

func (m *mockFinalisationCases) WithCaseLock(ctx context.Context, caseID string, fn func(tx *sqlx.Tx, cs *models.Case) error) error {
	cs := m.cs
	return fn(nil, &cs)
}

func (m *mockFinalisationCases) UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, caseID string, status models.CaseStatus, subStatus *string) error {
	m.statusUpdates = append(m.statusUpdates, string(status))
	if subStatus != nil {
		m.subStatuses = append(m.subStatuses, *subStatus)
	}
	return nil
}

func (m *mockFinalisationCases) SetAppealDeadlineTx(ctx context.Context, tx *sqlx.Tx, caseID string, deadline *time.Time) error {
	m.deadline = deadline
	return nil
}

func (m *mockFinalisationCases) ListCaseFlags(ctx context.Context, caseID string) ([]models.Flag, error) {
	return m.flags, nil
}

func (m *mockFinalisationCases) RemoveCaseFlagsTx(ctx context.Context, tx *sqlx.Tx, caseID string, flags []models.Flag) error {
	m.removedFlags = append(m.removedFlags, flags...)
	return nil
}

type mockFinalisationLicences struct {
	draft   *models.Licence
	deleted []string
}

func (m *mockFinalisationLicences) FindDraftByCase(ctx context.Context, caseID string) (*models.Licence, error) {
	if m.draft != nil {
		return m.draft, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockFinalisationLicences) DeleteTx(ctx context.Context, tx *sqlx.Tx, licenceID string) error {
	m.deleted = append(m.deleted, licenceID)
	return nil
}

type mockFinalAdvice struct {
	consolidated map[string]models.Advice
}

func (m *mockFinalAdvice) ConsolidatedFinal(ctx context.Context, caseID string) (map[string]models.Advice, error) {
	return m.consolidated, nil
}

type mockGate struct {
	checkErr error
	stripped bool
}

func (m *mockGate) Check(ctx context.Context, caseID string) error {
	return m.checkErr
}

func (m *mockGate) StripFlagsTx(ctx context.Context, tx *sqlx.Tx, actorID, caseID string) error {
	m.stripped = true
	return nil
}

type mockIssuer struct {
	issued      []string
	status      models.LicenceStatus
	reference   string
	invalidated int
}

func (m *mockIssuer) IssueTx(ctx context.Context, tx *sqlx.Tx, cs *models.Case, licence *models.Licence, actorID string) error {
	licence.Status = m.status
	licence.ReferenceCode = m.reference
	m.issued = append(m.issued, licence.ID)
	return nil
}

func (m *mockIssuer) InvalidateCache(ctx context.Context) {
	m.invalidated++
}

type mockDecisions struct {
	latest  *models.LicenceDecision
	docs    []string
	created []models.LicenceDecision
}

func (m *mockDecisions) CreateTx(ctx context.Context, tx *sqlx.Tx, decision *models.LicenceDecision) error {
	decision.ID = "dec-1"
	m.created = append(m.created, *decision)
	return nil
}

func (m *mockDecisions) FindLatestByCase(ctx context.Context, caseID string) (*models.LicenceDecision, error) {
	if m.latest != nil {
		return m.latest, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockDecisions) ListGeneratedDocumentTypes(ctx context.Context, caseID string) ([]string, error) {
	return m.docs, nil
}

type mockFinalisationAudit struct {
	entries          []models.AuditEntry
	flagAuditRemoved []models.Flag
}

func (m *mockFinalisationAudit) CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockFinalisationAudit) DeleteFlagAddedTx(ctx context.Context, tx *sqlx.Tx, caseID string, flags []models.Flag) error {
	m.flagAuditRemoved = append(m.flagAuditRemoved, flags...)
	return nil
}

type finalisationFixture struct {
	cases     *mockFinalisationCases
	licences  *mockFinalisationLicences
	advice    *mockFinalAdvice
	gate      *mockGate
	issuer    *mockIssuer
	decisions *mockDecisions
	audit     *mockFinalisationAudit
	scheduler *mockScheduler
	notifier  *mockNotifier
	svc       *FinalisationService
}

func newFinalisationFixture() *finalisationFixture {
	f := &finalisationFixture{
		cases: &mockFinalisationCases{cs: models.Case{
			ID:            testCaseID,
			ReferenceCode: "GBSIEL/2026/0000001/P",
			CaseType:      models.CaseTypeStandard,
			Status:        models.CaseStatusUnderFinalReview,
		}},
		licences:  &mockFinalisationLicences{},
		advice:    &mockFinalAdvice{},
		gate:      &mockGate{},
		issuer:    &mockIssuer{status: models.LicenceStatusIssued, reference: "GBSIEL/2026/0000001/P"},
		decisions: &mockDecisions{},
		audit:     &mockFinalisationAudit{},
		scheduler: &mockScheduler{},
		notifier:  &mockNotifier{},
	}
	f.svc = NewFinalisationService(f.cases, f.licences, f.advice, f.gate, f.issuer, f.decisions, f.audit, f.scheduler, f.notifier, config.LicencesConfig{AppealWindowDays: 28}, nil)
	return f
}

func finaliser() Actor {
	return Actor{ID: "user-1", TeamID: "team-1", Permissions: []string{models.PermissionManageLicenceFinalAdvice}}
}

func approvalAdvice() map[string]models.Advice {
	return map[string]models.Advice{
		"good:g-1": {ID: "adv-1", Type: models.AdviceTypeApprove},
	}
}

func TestFinalisePermissionDenied(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = approvalAdvice()

	_, err := f.svc.Finalise(context.Background(), Actor{ID: "user-1"}, testCaseID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	assert.Empty(t, f.decisions.created)
}

func TestFinaliseClearanceNeedsClearancePermission(t *testing.T) {
	f := newFinalisationFixture()
	f.cases.cs.CaseType = models.CaseTypeClearance
	f.advice.consolidated = approvalAdvice()

	_, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.Error(t, err)

	actor := finaliser()
	actor.Permissions = []string{models.PermissionManageClearanceFinalAdvice}
	f.decisions.docs = []string{"approve"}
	_, err = f.svc.Finalise(context.Background(), actor, testCaseID)
	require.NoError(t, err)
}

func TestFinaliseConvergesOnAlreadyFinalisedCase(t *testing.T) {
	f := newFinalisationFixture()
	f.cases.cs.Status = models.CaseStatusFinalised
	licID := "lic-1"
	f.decisions.latest = &models.LicenceDecision{ID: "dec-0", CaseID: testCaseID, Decision: models.DecisionIssued, LicenceID: &licID}

	result, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.NoError(t, err)
	assert.Equal(t, "approved", result.Outcome)
	assert.Equal(t, "dec-0", result.DecisionID)
	assert.Equal(t, "lic-1", result.LicenceID)

	// The converged call writes nothing of its own.
	assert.Empty(t, f.decisions.created)
	assert.Empty(t, f.cases.statusUpdates)
	assert.Empty(t, f.audit.entries)
}

func TestFinaliseWithdrawnCaseRejected(t *testing.T) {
	f := newFinalisationFixture()
	f.cases.cs.Status = models.CaseStatusWithdrawn

	_, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestFinaliseWithoutFinalAdvice(t *testing.T) {
	f := newFinalisationFixture()

	_, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFinaliseMissingDecisionDocuments(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = map[string]models.Advice{
		"good:g-1": {ID: "adv-1", Type: models.AdviceTypeApprove},
		"good:g-2": {ID: "adv-2", Type: models.AdviceTypeRefuse},
	}
	f.decisions.docs = []string{"approve"}

	_, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.Error(t, err)

	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr.Fields)
	assert.Contains(t, appErr.Fields, "decision-refuse")
	assert.NotContains(t, appErr.Fields, "decision-approve")
}

func TestFinaliseBlockedByCountersignGate(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = approvalAdvice()
	f.decisions.docs = []string{"approve"}
	f.gate.checkErr = appErrors.Clone(appErrors.ErrPreconditionFailed, "countersigning incomplete")

	_, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.Error(t, err)
	assert.Empty(t, f.decisions.created)
	assert.Empty(t, f.cases.statusUpdates)
}

func TestFinaliseApprovalIssuesDraft(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = approvalAdvice()
	f.decisions.docs = []string{"approve"}
	f.licences.draft = &models.Licence{ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusDraft}

	result, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.NoError(t, err)

	assert.Equal(t, "approved", result.Outcome)
	assert.Equal(t, "lic-1", result.LicenceID)
	assert.Equal(t, "GBSIEL/2026/0000001/P", result.Reference)
	assert.Equal(t, "dec-1", result.DecisionID)

	assert.Equal(t, []string{"lic-1"}, f.issuer.issued)
	require.Len(t, f.decisions.created, 1)
	assert.Equal(t, models.DecisionIssued, f.decisions.created[0].Decision)
	require.NotNil(t, f.decisions.created[0].LicenceID)
	assert.Equal(t, "lic-1", *f.decisions.created[0].LicenceID)

	assert.Equal(t, []string{"finalised"}, f.cases.statusUpdates)
	assert.Equal(t, []string{models.SubStatusApproved}, f.cases.subStatuses)
	assert.True(t, f.gate.stripped)

	// Post-commit effects.
	assert.Equal(t, []string{"lic-1:issued"}, f.scheduler.scheduled)
	assert.Equal(t, 1, f.issuer.invalidated)
	assert.Equal(t, []string{testCaseID + ":approved"}, f.notifier.finalised)
}

func TestFinaliseRefusalDeletesDraftAndSetsAppealDeadline(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = map[string]models.Advice{
		"good:g-1": {ID: "adv-1", Type: models.AdviceTypeRefuse},
		"case":     {ID: "adv-2", Type: models.AdviceTypeRefuse},
	}
	f.decisions.docs = []string{"refuse"}
	f.licences.draft = &models.Licence{ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusDraft}

	result, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.NoError(t, err)

	assert.Equal(t, "refused", result.Outcome)
	assert.Empty(t, result.LicenceID)
	assert.Equal(t, []string{"lic-1"}, f.licences.deleted)
	assert.Empty(t, f.issuer.issued)

	require.NotNil(t, f.cases.deadline)
	wantDeadline := time.Now().UTC().AddDate(0, 0, 28)
	assert.WithinDuration(t, wantDeadline, *f.cases.deadline, time.Minute)

	require.Len(t, f.decisions.created, 1)
	assert.Equal(t, models.DecisionRefused, f.decisions.created[0].Decision)
	assert.Nil(t, f.decisions.created[0].LicenceID)
	assert.Equal(t, []string{models.SubStatusRefused}, f.cases.subStatuses)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.AuditVerbApplicationRefused, f.audit.entries[0].Verb)

	assert.Empty(t, f.scheduler.scheduled)
	assert.Equal(t, []string{testCaseID + ":refused"}, f.notifier.finalised)
}

func TestFinaliseMixedAdviceIsNotRefusal(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = map[string]models.Advice{
		"good:g-1": {ID: "adv-1", Type: models.AdviceTypeRefuse},
		"good:g-2": {ID: "adv-2", Type: models.AdviceTypeApprove},
	}
	f.decisions.docs = []string{"approve", "refuse"}
	f.licences.draft = &models.Licence{ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusDraft}

	result, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.NoError(t, err)
	assert.Equal(t, "approved", result.Outcome)
	assert.Equal(t, []string{"lic-1"}, f.issuer.issued)
	assert.Empty(t, f.licences.deleted)
}

func TestFinaliseNoLicenceRequiredWithoutDraft(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = map[string]models.Advice{
		"good:g-1": {ID: "adv-1", Type: models.AdviceTypeNoLicenceRequired},
	}
	f.decisions.docs = []string{"no_licence_required"}

	result, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.NoError(t, err)

	assert.Equal(t, "no_licence_required", result.Outcome)
	assert.Empty(t, result.LicenceID)
	assert.Empty(t, f.issuer.issued)

	// The grant is still audited even though no licence was issued.
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.AuditVerbApplicationGranted, f.audit.entries[0].Verb)

	require.Len(t, f.decisions.created, 1)
	assert.Equal(t, models.DecisionIssued, f.decisions.created[0].Decision)
	assert.Nil(t, f.decisions.created[0].LicenceID)
	assert.Empty(t, f.scheduler.scheduled)
	assert.Equal(t, []string{testCaseID + ":no_licence_required"}, f.notifier.finalised)
}

func TestFinaliseRemovesFinalisationFlags(t *testing.T) {
	f := newFinalisationFixture()
	f.advice.consolidated = approvalAdvice()
	f.decisions.docs = []string{"approve"}
	f.cases.flags = []models.Flag{models.FlagCountersignRequired, models.FlagManpads}

	_, err := f.svc.Finalise(context.Background(), finaliser(), testCaseID)
	require.NoError(t, err)

	// Product-risk flags survive finalisation.
	assert.Equal(t, []models.Flag{models.FlagCountersignRequired}, f.cases.removedFlags)
	assert.Equal(t, []models.Flag{models.FlagCountersignRequired}, f.audit.flagAuditRemoved)
}
