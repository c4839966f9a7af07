package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

const testBatchID = "66666666-6666-6666-6666-666666666666"

type mockUsageLicences struct {
	licences    map[string]models.Licence
	goods       map[string][]models.GoodOnLicenceDetail
	usage       map[string]float64
	unexhausted map[string]bool
	saved       []models.Licence
}

func (m *mockUsageLicences) Transact(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (m *mockUsageLicences) FindByID(ctx context.Context, id string) (*models.Licence, error) {
	if l, ok := m.licences[id]; ok {
		return &l, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUsageLicences) ListGoods(ctx context.Context, licenceID string) ([]models.GoodOnLicenceDetail, error) {
	return m.goods[licenceID], nil
}

func (m *mockUsageLicences) GoodExistsOnLicence(ctx context.Context, licenceID, goodID string) (bool, error) {
	for _, g := range m.goods[licenceID] {
		if g.GoodID == goodID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUsageLicences) AddGoodUsageTx(ctx context.Context, tx *sqlx.Tx, licenceID, goodID string, delta float64) (float64, error) {
	if m.usage == nil {
		m.usage = make(map[string]float64)
	}
	key := licenceID + "/" + goodID
	m.usage[key] += delta
	return m.usage[key], nil
}

func (m *mockUsageLicences) HasUnexhaustedGoodsTx(ctx context.Context, tx *sqlx.Tx, licenceID string) (bool, error) {
	return m.unexhausted[licenceID], nil
}

func (m *mockUsageLicences) SaveStatusTx(ctx context.Context, tx *sqlx.Tx, licence *models.Licence) error {
	m.saved = append(m.saved, *licence)
	return nil
}

type mockBatches struct {
	existing map[string]bool
	recorded map[string][]string
}

func (m *mockBatches) BatchExists(ctx context.Context, batchID string) (bool, error) {
	return m.existing[batchID], nil
}

func (m *mockBatches) RecordBatchTx(ctx context.Context, tx *sqlx.Tx, batchID string, licenceIDs []string) error {
	if m.recorded == nil {
		m.recorded = make(map[string][]string)
	}
	m.recorded[batchID] = licenceIDs
	return nil
}

type mockTransitioner struct {
	applied     []string
	invalidated int
	err         error
}

func (m *mockTransitioner) ApplyUsageAction(ctx context.Context, licence *models.Licence, action string) error {
	m.applied = append(m.applied, licence.ID+":"+action)
	return m.err
}

func (m *mockTransitioner) InvalidateCache(ctx context.Context) {
	m.invalidated++
}

func usageFixture() (*mockUsageLicences, *mockCaseReader) {
	licences := &mockUsageLicences{
		licences: map[string]models.Licence{
			"lic-1": {ID: "lic-1", CaseID: "case-1", ReferenceCode: "GBSIEL/2026/0000001/P", Status: models.LicenceStatusIssued},
		},
		goods: map[string][]models.GoodOnLicenceDetail{
			"lic-1": {
				{GoodOnLicence: models.GoodOnLicence{GoodID: "good-1", Quantity: 10}, GoodDescription: "Hardened optical assembly"},
			},
		},
		unexhausted: map[string]bool{"lic-1": true},
	}
	cases := &mockCaseReader{cases: map[string]models.Case{
		"case-1": {ID: "case-1", CaseType: models.CaseTypeStandard, Status: models.CaseStatusFinalised},
	}}
	return licences, cases
}

func newUsageService(licences *mockUsageLicences, cases *mockCaseReader, batches *mockBatches, audit *mockUsageAudit, transitions *mockTransitioner) *UsageService {
	return NewUsageService(licences, cases, batches, audit, transitions, nil, nil)
}

type mockUsageAudit struct {
	entries []models.AuditEntry
}

func (m *mockUsageAudit) CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	m.entries = append(m.entries, *entry)
	return nil
}

func TestApplyBatchReplayedBatchRefused(t *testing.T) {
	licences, cases := usageFixture()
	batches := &mockBatches{existing: map[string]bool{testBatchID: true}}
	svc := newUsageService(licences, cases, batches, &mockUsageAudit{}, &mockTransitioner{})

	_, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences:    []models.UsageLicenceUpdate{{ID: "lic-1", Action: models.UsageActionOpen}},
	})
	assert.ErrorIs(t, err, appErrors.ErrAlreadyReported)
}

func TestApplyBatchUsageAccumulates(t *testing.T) {
	licences, cases := usageFixture()
	batches := &mockBatches{}
	audit := &mockUsageAudit{}
	svc := newUsageService(licences, cases, batches, audit, &mockTransitioner{})

	result, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences: []models.UsageLicenceUpdate{{
			ID: "lic-1", Action: models.UsageActionOpen,
			Goods: []models.UsageGoodUpdate{{ID: "good-1", Usage: 3}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, result.Accepted, 1)
	require.Len(t, result.Accepted[0].GoodsAccepted, 1)
	assert.Equal(t, 3.0, result.Accepted[0].GoodsAccepted[0].Usage)

	// A later batch adds on top of what is already recorded.
	result, err = svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: "77777777-7777-7777-7777-777777777777",
		Licences: []models.UsageLicenceUpdate{{
			ID: "lic-1", Action: models.UsageActionOpen,
			Goods: []models.UsageGoodUpdate{{ID: "good-1", Usage: 4}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 7.0, result.Accepted[0].GoodsAccepted[0].Usage)

	assert.Equal(t, []string{"lic-1"}, batches.recorded[testBatchID])
	require.NotEmpty(t, audit.entries)
	assert.Equal(t, models.SystemActor, audit.entries[0].ActorID)
	assert.Equal(t, models.AuditVerbGoodUsageUpdated, audit.entries[0].Verb)
}

func TestApplyBatchPartitionsRejections(t *testing.T) {
	licences, cases := usageFixture()
	svc := newUsageService(licences, cases, &mockBatches{}, &mockUsageAudit{}, &mockTransitioner{})

	result, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences: []models.UsageLicenceUpdate{
			{ID: "lic-1", Action: models.UsageActionOpen, Goods: []models.UsageGoodUpdate{
				{ID: "good-1", Usage: 2},
				{ID: "good-unknown", Usage: 1},
				{ID: "good-1", Usage: -5},
			}},
			{ID: "lic-missing", Action: models.UsageActionOpen},
			{ID: "lic-1", Action: "detonate"},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Rejected, 2)
	assert.Contains(t, result.Rejected[0].Errors, "id")
	assert.Contains(t, result.Rejected[1].Errors, "action")

	require.Len(t, result.Accepted, 1)
	accepted := result.Accepted[0]
	require.Len(t, accepted.GoodsAccepted, 1)
	assert.Equal(t, "good-1", accepted.GoodsAccepted[0].ID)
	require.Len(t, accepted.GoodsRejected, 2)
	assert.Contains(t, accepted.GoodsRejected[0].Errors, "id")
	assert.Contains(t, accepted.GoodsRejected[1].Errors, "usage")
}

func TestApplyBatchWhollyRejectedBatchNotRecorded(t *testing.T) {
	licences, cases := usageFixture()
	batches := &mockBatches{}
	svc := newUsageService(licences, cases, batches, &mockUsageAudit{}, &mockTransitioner{})

	result, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences:    []models.UsageLicenceUpdate{{ID: "lic-missing", Action: models.UsageActionOpen}},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Accepted)
	assert.Empty(t, batches.recorded, "a wholly rejected batch stays retryable under the same id")
}

func TestApplyBatchNonUsageReportableCaseRejected(t *testing.T) {
	licences, cases := usageFixture()
	cases.cases["case-1"] = models.Case{ID: "case-1", CaseType: models.CaseTypeQuery}
	svc := newUsageService(licences, cases, &mockBatches{}, &mockUsageAudit{}, &mockTransitioner{})

	result, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences:    []models.UsageLicenceUpdate{{ID: "lic-1", Action: models.UsageActionOpen}},
	})
	require.NoError(t, err)
	require.Len(t, result.Rejected, 1)
}

func TestApplyBatchAutoExhaustsStandardLicence(t *testing.T) {
	licences, cases := usageFixture()
	licences.unexhausted["lic-1"] = false
	audit := &mockUsageAudit{}
	transitions := &mockTransitioner{}
	svc := newUsageService(licences, cases, &mockBatches{}, audit, transitions)

	_, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences: []models.UsageLicenceUpdate{{
			ID: "lic-1", Action: models.UsageActionOpen,
			Goods: []models.UsageGoodUpdate{{ID: "good-1", Usage: 10}},
		}},
	})
	require.NoError(t, err)

	require.Len(t, licences.saved, 1)
	assert.Equal(t, models.LicenceStatusExhausted, licences.saved[0].Status)

	// Usage audit plus the exhaustion audit.
	require.Len(t, audit.entries, 2)
	assert.Equal(t, models.AuditVerbLicenceStatusUpdated, audit.entries[1].Verb)

	// The open action carries no post-commit transition; the cache still
	// gets dropped.
	assert.Empty(t, transitions.applied)
	assert.Equal(t, 1, transitions.invalidated)
}

func TestApplyBatchStatusActionTransitionsPostCommit(t *testing.T) {
	licences, cases := usageFixture()
	transitions := &mockTransitioner{}
	svc := newUsageService(licences, cases, &mockBatches{}, &mockUsageAudit{}, transitions)

	_, err := svc.ApplyBatch(context.Background(), models.UsageBatchRequest{
		UsageDataID: testBatchID,
		Licences:    []models.UsageLicenceUpdate{{ID: "lic-1", Action: models.UsageActionSurrender}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lic-1:surrender"}, transitions.applied)
}
