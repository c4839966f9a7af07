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

type mockLicenceRepo struct {
	licences     map[string]models.Licence
	draft        *models.Licence
	latest       *models.Licence
	count        int
	goods        map[string][]models.GoodOnLicenceDetail
	details      map[string]models.LicenceDetail
	listed       []models.LicenceDetail
	expireDue    []string
	created      []models.Licence
	addedGoods   []models.GoodOnLicence
	savedStatus  []models.Licence
	savedIssued  []models.Licence
}

func (m *mockLicenceRepo) Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (m *mockLicenceRepo) Create(ctx context.Context, licence *models.Licence) error {
	if licence.ID == "" {
		licence.ID = "lic-new"
	}
	licence.EndDate = licence.ComputeEndDate()
	m.created = append(m.created, *licence)
	return nil
}

func (m *mockLicenceRepo) FindByID(ctx context.Context, id string) (*models.Licence, error) {
	if l, ok := m.licences[id]; ok {
		return &l, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLicenceRepo) FindByIDForUpdateTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.Licence, error) {
	return m.FindByID(ctx, id)
}

func (m *mockLicenceRepo) FindDraftByCase(ctx context.Context, caseID string) (*models.Licence, error) {
	if m.draft != nil {
		return m.draft, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLicenceRepo) FindLatestNonDraftByCase(ctx context.Context, caseID string) (*models.Licence, error) {
	if m.latest != nil {
		return m.latest, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLicenceRepo) CountByCase(ctx context.Context, caseID string) (int, error) {
	return m.count, nil
}

func (m *mockLicenceRepo) SaveStatusTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error {
	m.savedStatus = append(m.savedStatus, *licence)
	if _, ok := m.licences[licence.ID]; ok {
		m.licences[licence.ID] = *licence
	}
	return nil
}

func (m *mockLicenceRepo) SaveIssuedTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error {
	licence.EndDate = licence.ComputeEndDate()
	m.savedIssued = append(m.savedIssued, *licence)
	return nil
}

func (m *mockLicenceRepo) AddGood(ctx context.Context, gol *models.GoodOnLicence) error {
	m.addedGoods = append(m.addedGoods, *gol)
	return nil
}

func (m *mockLicenceRepo) ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error) {
	return m.goods[licenceID], nil
}

func (m *mockLicenceRepo) FindDetailByID(ctx context.Context, id string) (*models.LicenceDetail, error) {
	if d, ok := m.details[id]; ok {
		return &d, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLicenceRepo) List(ctx context.Context, filter models.LicenceFilter) ([]models.LicenceDetail, int, error) {
	return m.listed, len(m.listed), nil
}

func (m *mockLicenceRepo) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	return m.expireDue, nil
}

type mockCache struct {
	invalidated []string
	sets        int
}

func (m *mockCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	return false, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.sets++
	return nil
}

func (m *mockCache) Invalidate(ctx context.Context, pattern string) error {
	m.invalidated = append(m.invalidated, pattern)
	return nil
}

type mockScheduler struct {
	scheduled []string
}

func (m *mockScheduler) Schedule(ctx context.Context, licenceID string, status models.LicenceStatus) error {
	m.scheduled = append(m.scheduled, licenceID+":"+string(status))
	return nil
}

type mockNotifier struct {
	finalised []string
	changed   []string
}

func (m *mockNotifier) CaseFinalised(ctx context.Context, cs *models.Case, outcome string, licenceRef string) {
	m.finalised = append(m.finalised, cs.ID+":"+outcome)
}

func (m *mockNotifier) LicenceStatusChanged(ctx context.Context, cs *models.Case, licence *models.Licence) {
	m.changed = append(m.changed, licence.ID+":"+string(licence.Status))
}

type mockLicenceAudit struct {
	entries   []models.AuditEntry
	txEntries []models.AuditEntry
}

func (m *mockLicenceAudit) Create(ctx context.Context, entry *models.AuditEntry) error {
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockLicenceAudit) CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	m.txEntries = append(m.txEntries, *entry)
	return nil
}

func newLicenceService(repo *mockLicenceRepo, cases *mockLicenceCases, scheduler *mockScheduler, audit *mockLicenceAudit, cache *mockCache, notifier *mockNotifier) *LicenceService {
	return NewLicenceService(repo, cases, scheduler, audit, cache, notifier, config.LicencesConfig{CacheTTL: time.Minute}, nil, nil)
}

type mockLicenceCases struct {
	cases map[string]models.Case
	goods []models.Good
}

func (m *mockLicenceCases) FindByID(ctx context.Context, id string) (*models.Case, error) {
	if cs, ok := m.cases[id]; ok {
		return &cs, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockLicenceCases) ListGoods(ctx context.Context, caseID string) ([]models.Good, error) {
	return m.goods, nil
}

func finalisedCase() *models.Case {
	return &models.Case{
		ID:            testCaseID,
		ReferenceCode: "GBSIEL/2026/0000001/P",
		CaseType:      models.CaseTypeStandard,
		Status:        models.CaseStatusFinalised,
	}
}

func TestReferenceSuffixSequence(t *testing.T) {
	assert.Equal(t, "/A", referenceSuffix(1))
	assert.Equal(t, "/B", referenceSuffix(2))
	assert.Equal(t, "/Z", referenceSuffix(26))
	assert.Equal(t, "/AA", referenceSuffix(27))
}

func TestIssueFirstLicenceKeepsCaseReference(t *testing.T) {
	repo := &mockLicenceRepo{count: 1}
	audit := &mockLicenceAudit{}
	svc := newLicenceService(repo, &mockLicenceCases{}, &mockScheduler{}, audit, &mockCache{}, &mockNotifier{})

	licence := &models.Licence{ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusDraft, StartDate: time.Now(), Duration: 24}
	require.NoError(t, svc.IssueTx(context.Background(), nil, finalisedCase(), licence, "user-1"))

	assert.Equal(t, "GBSIEL/2026/0000001/P", licence.ReferenceCode)
	assert.Equal(t, models.LicenceStatusIssued, licence.Status)
	require.Len(t, audit.txEntries, 1)
	assert.Equal(t, models.AuditVerbApplicationGranted, audit.txEntries[0].Verb)
}

func TestIssueSecondLicenceCancelsPreviousAndSuffixes(t *testing.T) {
	prev := &models.Licence{ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusIssued}
	repo := &mockLicenceRepo{count: 2, latest: prev, licences: map[string]models.Licence{"lic-1": *prev}}
	audit := &mockLicenceAudit{}
	svc := newLicenceService(repo, &mockLicenceCases{}, &mockScheduler{}, audit, &mockCache{}, &mockNotifier{})

	licence := &models.Licence{ID: "lic-2", CaseID: testCaseID, Status: models.LicenceStatusDraft, StartDate: time.Now(), Duration: 24}
	require.NoError(t, svc.IssueTx(context.Background(), nil, finalisedCase(), licence, "user-1"))

	assert.Equal(t, "GBSIEL/2026/0000001/P/A", licence.ReferenceCode)
	assert.Equal(t, models.LicenceStatusReinstated, licence.Status)

	// The superseded licence is cancelled quietly, with no outward sync of
	// its own.
	require.Len(t, repo.savedStatus, 1)
	assert.Equal(t, models.LicenceStatusCancelled, repo.savedStatus[0].Status)
	require.Len(t, audit.txEntries, 1)
	assert.Equal(t, models.AuditVerbApplicationReinstated, audit.txEntries[0].Verb)
}

func TestIssueThirdLicenceSuffixB(t *testing.T) {
	prev := &models.Licence{ID: "lic-2", CaseID: testCaseID, Status: models.LicenceStatusReinstated}
	repo := &mockLicenceRepo{count: 3, latest: prev, licences: map[string]models.Licence{"lic-2": *prev}}
	svc := newLicenceService(repo, &mockLicenceCases{}, &mockScheduler{}, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{})

	licence := &models.Licence{ID: "lic-3", CaseID: testCaseID, Status: models.LicenceStatusDraft, StartDate: time.Now(), Duration: 24}
	require.NoError(t, svc.IssueTx(context.Background(), nil, finalisedCase(), licence, "user-1"))
	assert.Equal(t, "GBSIEL/2026/0000001/P/B", licence.ReferenceCode)
}

func TestCreateDraftConflictsWithExistingDraft(t *testing.T) {
	repo := &mockLicenceRepo{draft: &models.Licence{ID: "lic-1"}}
	cases := &mockLicenceCases{cases: map[string]models.Case{
		testCaseID: {ID: testCaseID, Status: models.CaseStatusUnderFinalReview},
	}}
	svc := newLicenceService(repo, cases, &mockScheduler{}, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{})

	_, err := svc.CreateDraft(context.Background(), Actor{ID: "user-1"}, CreateDraftLicenceRequest{
		CaseID: testCaseID, StartDate: time.Now(), Duration: 24,
	})
	require.Error(t, err)
}

func TestCreateDraftAllocationErrorsKeyedByGood(t *testing.T) {
	goodID := "33333333-3333-3333-3333-333333333333"
	repo := &mockLicenceRepo{}
	cases := &mockLicenceCases{
		cases: map[string]models.Case{testCaseID: {ID: testCaseID, Status: models.CaseStatusUnderFinalReview}},
		goods: []models.Good{{ID: goodID, AppliedQuantity: 5}},
	}
	svc := NewLicenceService(repo, cases, &mockScheduler{}, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{}, config.LicencesConfig{}, nil, nil)

	_, err := svc.CreateDraft(context.Background(), Actor{ID: "user-1"}, CreateDraftLicenceRequest{
		CaseID: testCaseID, StartDate: time.Now(), Duration: 24,
		Allocations: []GoodAllocation{{GoodID: goodID, Quantity: 9, Value: -1}},
	})
	require.Error(t, err)

	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr.Fields)
	assert.Contains(t, appErr.Fields, "quantity-"+goodID)
	assert.Contains(t, appErr.Fields, "value-"+goodID)
}

func TestCreateDraftUnknownGoodRejected(t *testing.T) {
	repo := &mockLicenceRepo{}
	cases := &mockLicenceCases{
		cases: map[string]models.Case{testCaseID: {ID: testCaseID, Status: models.CaseStatusUnderFinalReview}},
	}
	svc := NewLicenceService(repo, cases, &mockScheduler{}, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{}, config.LicencesConfig{}, nil, nil)

	_, err := svc.CreateDraft(context.Background(), Actor{ID: "user-1"}, CreateDraftLicenceRequest{
		CaseID: testCaseID, StartDate: time.Now(), Duration: 24,
		Allocations: []GoodAllocation{{GoodID: "33333333-3333-3333-3333-333333333333", Quantity: 1}},
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Contains(t, appErr.Fields, "non_field_errors")
}

func TestUpdateStatusRequiresFinalisedCase(t *testing.T) {
	repo := &mockLicenceRepo{licences: map[string]models.Licence{
		"lic-1": {ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusIssued},
	}}
	cases := &mockLicenceCases{cases: map[string]models.Case{
		testCaseID: {ID: testCaseID, Status: models.CaseStatusUnderFinalReview},
	}}
	svc := newLicenceService(repo, cases, &mockScheduler{}, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{})

	_, err := svc.UpdateStatus(context.Background(), Actor{ID: "user-1"}, "lic-1", UpdateLicenceStatusRequest{Status: models.LicenceStatusSuspended})
	require.Error(t, err)
}

func TestUpdateStatusRejectsTerminalLicence(t *testing.T) {
	repo := &mockLicenceRepo{licences: map[string]models.Licence{
		"lic-1": {ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusRevoked},
	}}
	cases := &mockLicenceCases{cases: map[string]models.Case{testCaseID: *finalisedCase()}}
	svc := newLicenceService(repo, cases, &mockScheduler{}, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{})

	_, err := svc.UpdateStatus(context.Background(), Actor{ID: "user-1"}, "lic-1", UpdateLicenceStatusRequest{Status: models.LicenceStatusReinstated})
	require.Error(t, err)
}

func TestUpdateStatusRevokedSchedulesCancelAndNotifies(t *testing.T) {
	repo := &mockLicenceRepo{licences: map[string]models.Licence{
		"lic-1": {ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusIssued},
	}}
	cases := &mockLicenceCases{cases: map[string]models.Case{testCaseID: *finalisedCase()}}
	scheduler := &mockScheduler{}
	cache := &mockCache{}
	notifier := &mockNotifier{}
	audit := &mockLicenceAudit{}
	svc := newLicenceService(repo, cases, scheduler, audit, cache, notifier)

	licence, err := svc.UpdateStatus(context.Background(), Actor{ID: "user-1"}, "lic-1", UpdateLicenceStatusRequest{Status: models.LicenceStatusRevoked})
	require.NoError(t, err)
	assert.Equal(t, models.LicenceStatusRevoked, licence.Status)

	assert.Equal(t, []string{"lic-1:revoked"}, scheduler.scheduled)
	assert.NotEmpty(t, cache.invalidated)
	assert.Equal(t, []string{"lic-1:revoked"}, notifier.changed)
	require.Len(t, audit.txEntries, 1)
	assert.Equal(t, models.AuditVerbLicenceStatusUpdated, audit.txEntries[0].Verb)
	assert.Equal(t, "user-1", audit.txEntries[0].ActorID)
}

func TestApplyUsageActionMapping(t *testing.T) {
	repo := &mockLicenceRepo{licences: map[string]models.Licence{
		"lic-1": {ID: "lic-1", CaseID: testCaseID, Status: models.LicenceStatusIssued},
	}}
	cases := &mockLicenceCases{cases: map[string]models.Case{testCaseID: *finalisedCase()}}
	scheduler := &mockScheduler{}
	svc := newLicenceService(repo, cases, scheduler, &mockLicenceAudit{}, &mockCache{}, &mockNotifier{})

	licence := repoLicence(repo, "lic-1")
	require.NoError(t, svc.ApplyUsageAction(context.Background(), licence, models.UsageActionOpen))
	assert.Empty(t, scheduler.scheduled, "open is a no-op")

	require.NoError(t, svc.ApplyUsageAction(context.Background(), licence, models.UsageActionSurrender))
	assert.Equal(t, models.LicenceStatusSurrendered, licence.Status)
	assert.Equal(t, []string{"lic-1:surrendered"}, scheduler.scheduled, "surrender syncs outward as a cancel action")

	require.Error(t, svc.ApplyUsageAction(context.Background(), licence, "melt"))
}

func TestExpireSweepAuditsEachLicence(t *testing.T) {
	repo := &mockLicenceRepo{expireDue: []string{"lic-1", "lic-2"}}
	audit := &mockLicenceAudit{}
	cache := &mockCache{}
	svc := newLicenceService(repo, &mockLicenceCases{}, &mockScheduler{}, audit, cache, &mockNotifier{})

	n, err := svc.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, audit.entries, 2)
	assert.NotEmpty(t, cache.invalidated)
}

func repoLicence(repo *mockLicenceRepo, id string) *models.Licence {
	l := repo.licences[id]
	return &l
}
