package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exports-digital/licensing-api/internal/models"
	appErrors "github.com/exports-digital/licensing-api/pkg/errors"
)

type mockCountersignRepo struct {
	created      []models.CountersignAdvice
	validByOrder map[models.CountersignOrder][]models.CountersignAdvice
	byAdvice     map[string][]models.CountersignAdvice
	invalidated  []string
}

func (m *mockCountersignRepo) Create(ctx context.Context, cs *models.CountersignAdvice) error {
	if cs.ID == "" {
		cs.ID = "cs-new"
	}
	m.created = append(m.created, *cs)
	return nil
}

func (m *mockCountersignRepo) ListValidByOrder(ctx context.Context, caseID string, order models.CountersignOrder) ([]models.CountersignAdvice, error) {
	return m.validByOrder[order], nil
}

func (m *mockCountersignRepo) ListByAdvice(ctx context.Context, adviceID string) ([]models.CountersignAdvice, error) {
	return m.byAdvice[adviceID], nil
}

func (m *mockCountersignRepo) InvalidateForAdvice(ctx context.Context, adviceID string) (int64, error) {
	m.invalidated = append(m.invalidated, adviceID)
	return int64(len(m.byAdvice[adviceID])), nil
}

type mockCountersignCases struct {
	cases      map[string]models.Case
	caseFlags  []models.Flag
	partyFlags []models.PartyFlags
	removed    map[string][]models.Flag
}

func (m *mockCountersignCases) FindByID(ctx context.Context, id string) (*models.Case, error) {
	if cs, ok := m.cases[id]; ok {
		return &cs, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockCountersignCases) ListCaseFlags(ctx context.Context, caseID string) ([]models.Flag, error) {
	return m.caseFlags, nil
}

func (m *mockCountersignCases) ListPartyFlags(ctx context.Context, caseID string) ([]models.PartyFlags, error) {
	return m.partyFlags, nil
}

func (m *mockCountersignCases) RemovePartyFlagsTx(ctx context.Context, tx *sqlx.Tx, partyID string, flags []models.Flag) error {
	if m.removed == nil {
		m.removed = make(map[string][]models.Flag)
	}
	m.removed[partyID] = append(m.removed[partyID], flags...)
	return nil
}

type mockAdviceReader struct {
	advice map[string]models.Advice
}

func (m *mockAdviceReader) FindByID(ctx context.Context, id string) (*models.Advice, error) {
	if a, ok := m.advice[id]; ok {
		return &a, nil
	}
	return nil, sql.ErrNoRows
}

type mockAuditWriter struct {
	entries   []models.AuditEntry
	txEntries []models.AuditEntry
}

func (m *mockAuditWriter) Create(ctx context.Context, entry *models.AuditEntry) error {
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockAuditWriter) CreateTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	m.txEntries = append(m.txEntries, *entry)
	return nil
}

func newCountersignService(repo *mockCountersignRepo, cases *mockCountersignCases, advice *mockAdviceReader, audit *mockAuditWriter) *CountersignService {
	return NewCountersignService(repo, cases, advice, audit, nil, nil)
}

func TestCountersignRequiresFinalAdvice(t *testing.T) {
	advice := &mockAdviceReader{advice: map[string]models.Advice{
		"11111111-1111-1111-1111-111111111111": {ID: "adv-1", CaseID: "case-1", Level: models.AdviceLevelTeam, Type: models.AdviceTypeApprove},
	}}
	svc := newCountersignService(&mockCountersignRepo{}, &mockCountersignCases{}, advice, &mockAuditWriter{})

	_, err := svc.Countersign(context.Background(), Actor{ID: "user-1"}, CountersignRequest{AdviceID: "11111111-1111-1111-1111-111111111111", Order: 1})
	require.Error(t, err)

	advice.advice["11111111-1111-1111-1111-111111111111"] = models.Advice{
		ID: "adv-2", CaseID: "case-1", Level: models.AdviceLevelFinal, Type: models.AdviceTypeApprove,
	}
	repo := &mockCountersignRepo{}
	audit := &mockAuditWriter{}
	svc = newCountersignService(repo, &mockCountersignCases{}, advice, audit)
	cs, err := svc.Countersign(context.Background(), Actor{ID: "user-1"}, CountersignRequest{AdviceID: "11111111-1111-1111-1111-111111111111", Order: 2, OutcomeAccepted: true})
	require.NoError(t, err)
	assert.True(t, cs.Valid)
	assert.Equal(t, models.CountersignOrderSecond, cs.Order)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditVerbCountersignAccepted, audit.entries[0].Verb)
}

func TestCountersignRejectionAudited(t *testing.T) {
	advice := &mockAdviceReader{advice: map[string]models.Advice{
		"11111111-1111-1111-1111-111111111111": {ID: "adv-1", CaseID: "case-1", Level: models.AdviceLevelFinal, Type: models.AdviceTypeApprove},
	}}
	audit := &mockAuditWriter{}
	svc := newCountersignService(&mockCountersignRepo{}, &mockCountersignCases{}, advice, audit)

	cs, err := svc.Countersign(context.Background(), Actor{ID: "user-2"}, CountersignRequest{AdviceID: "11111111-1111-1111-1111-111111111111", Order: 1, OutcomeAccepted: false, Reasons: "insufficient assurances"})
	require.NoError(t, err)
	assert.False(t, cs.OutcomeAccepted)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditVerbCountersignRejected, audit.entries[0].Verb)
}

func TestRequiredOrders(t *testing.T) {
	tests := []struct {
		name       string
		caseFlags  []models.Flag
		partyFlags []models.PartyFlags
		want       []models.CountersignOrder
	}{
		{name: "no flags", want: nil},
		{
			name:      "first tier only",
			caseFlags: []models.Flag{models.FlagCountersignRequired},
			want:      []models.CountersignOrder{models.CountersignOrderFirst},
		},
		{
			name:      "senior check escalates",
			caseFlags: []models.Flag{models.FlagSeniorManagerCheckRequired},
			want:      []models.CountersignOrder{models.CountersignOrderFirst, models.CountersignOrderSecond},
		},
		{
			name: "manpads flag on a party escalates",
			partyFlags: []models.PartyFlags{
				{PartyID: "party-1", Flags: []models.Flag{models.FlagManpads}},
			},
			want: []models.CountersignOrder{models.CountersignOrderFirst, models.CountersignOrderSecond},
		},
		{
			name: "landmine flag stays first tier",
			partyFlags: []models.PartyFlags{
				{PartyID: "party-1", Flags: []models.Flag{models.FlagLandmine}},
			},
			want: []models.CountersignOrder{models.CountersignOrderFirst},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cases := &mockCountersignCases{caseFlags: tt.caseFlags, partyFlags: tt.partyFlags}
			svc := newCountersignService(&mockCountersignRepo{}, cases, &mockAdviceReader{}, &mockAuditWriter{})
			orders, err := svc.RequiredOrders(context.Background(), "case-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, orders)
		})
	}
}

func TestCheckMissingSignoffIsIncomplete(t *testing.T) {
	cases := &mockCountersignCases{caseFlags: []models.Flag{models.FlagCountersignRequired}}
	svc := newCountersignService(&mockCountersignRepo{}, cases, &mockAdviceReader{}, &mockAuditWriter{})

	err := svc.Check(context.Background(), "case-1")
	assert.ErrorIs(t, err, appErrors.ErrCountersignIncomplete)
}

func TestCheckAcceptedSignoffPasses(t *testing.T) {
	cases := &mockCountersignCases{caseFlags: []models.Flag{models.FlagCountersignRequired}}
	repo := &mockCountersignRepo{validByOrder: map[models.CountersignOrder][]models.CountersignAdvice{
		models.CountersignOrderFirst: {{ID: "cs-1", AdviceID: "adv-1", Valid: true, OutcomeAccepted: true}},
	}}
	svc := newCountersignService(repo, cases, &mockAdviceReader{}, &mockAuditWriter{})

	assert.NoError(t, svc.Check(context.Background(), "case-1"))
}

func TestCheckRejectionOnNonRefusalIsTerminal(t *testing.T) {
	cases := &mockCountersignCases{caseFlags: []models.Flag{models.FlagCountersignRequired}}
	repo := &mockCountersignRepo{validByOrder: map[models.CountersignOrder][]models.CountersignAdvice{
		models.CountersignOrderFirst: {{ID: "cs-1", AdviceID: "adv-1", Valid: true, OutcomeAccepted: false}},
	}}
	advice := &mockAdviceReader{advice: map[string]models.Advice{
		"adv-1": {ID: "adv-1", Type: models.AdviceTypeApprove, Level: models.AdviceLevelFinal},
	}}
	svc := newCountersignService(repo, cases, advice, &mockAuditWriter{})

	err := svc.Check(context.Background(), "case-1")
	assert.ErrorIs(t, err, appErrors.ErrCountersignRefused)
}

func TestCheckRejectionOnRefusalAdviceIsExpected(t *testing.T) {
	cases := &mockCountersignCases{caseFlags: []models.Flag{models.FlagCountersignRequired}}
	repo := &mockCountersignRepo{validByOrder: map[models.CountersignOrder][]models.CountersignAdvice{
		models.CountersignOrderFirst: {
			{ID: "cs-1", AdviceID: "adv-refuse", Valid: true, OutcomeAccepted: false},
			{ID: "cs-2", AdviceID: "adv-other", Valid: true, OutcomeAccepted: true},
		},
	}}
	advice := &mockAdviceReader{advice: map[string]models.Advice{
		"adv-refuse": {ID: "adv-refuse", Type: models.AdviceTypeRefuse, Level: models.AdviceLevelFinal},
	}}
	svc := newCountersignService(repo, cases, advice, &mockAuditWriter{})

	assert.NoError(t, svc.Check(context.Background(), "case-1"))
}

func TestCheckSecondTierEnforced(t *testing.T) {
	cases := &mockCountersignCases{caseFlags: []models.Flag{models.FlagSeniorManagerCheckRequired}}
	repo := &mockCountersignRepo{validByOrder: map[models.CountersignOrder][]models.CountersignAdvice{
		models.CountersignOrderFirst: {{ID: "cs-1", AdviceID: "adv-1", Valid: true, OutcomeAccepted: true}},
	}}
	svc := newCountersignService(repo, cases, &mockAdviceReader{}, &mockAuditWriter{})

	err := svc.Check(context.Background(), "case-1")
	assert.ErrorIs(t, err, appErrors.ErrCountersignIncomplete)
}

func TestStripFlagsRemovesOnlyProcessFlags(t *testing.T) {
	cases := &mockCountersignCases{partyFlags: []models.PartyFlags{
		{PartyID: "party-1", Flags: []models.Flag{models.FlagCountersignRequired, models.FlagManpads}},
		{PartyID: "party-2", Flags: []models.Flag{models.FlagLandmine}},
	}}
	audit := &mockAuditWriter{}
	svc := newCountersignService(&mockCountersignRepo{}, cases, &mockAdviceReader{}, audit)

	require.NoError(t, svc.StripFlagsTx(context.Background(), nil, "user-1", "case-1"))

	assert.Equal(t, []models.Flag{models.FlagCountersignRequired}, cases.removed["party-1"])
	assert.NotContains(t, cases.removed, "party-2")
	require.Len(t, audit.txEntries, 1)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(audit.txEntries[0].Payload, &payload))
	assert.Equal(t, "removed the flag 'Countersign required'.", payload["text"])
}

func TestStripFlagsPluralPhrasing(t *testing.T) {
	cases := &mockCountersignCases{partyFlags: []models.PartyFlags{
		{PartyID: "party-1", Flags: []models.Flag{models.FlagSeniorManagerCheckRequired, models.FlagCountersignRequired}},
	}}
	audit := &mockAuditWriter{}
	svc := newCountersignService(&mockCountersignRepo{}, cases, &mockAdviceReader{}, audit)

	require.NoError(t, svc.StripFlagsTx(context.Background(), nil, "user-1", "case-1"))
	require.Len(t, audit.txEntries, 1)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(audit.txEntries[0].Payload, &payload))
	assert.Equal(t, "removed the flags 'Countersign required' and 'Senior manager check required'.", payload["text"])
}

func TestInvalidateOnEditNoSignoffsIsNoop(t *testing.T) {
	repo := &mockCountersignRepo{}
	svc := newCountersignService(repo, &mockCountersignCases{}, &mockAdviceReader{}, &mockAuditWriter{})

	err := svc.InvalidateOnEdit(context.Background(), &models.Advice{ID: "adv-1", Type: models.AdviceTypeApprove})
	require.NoError(t, err)
	assert.Empty(t, repo.invalidated)
}

func TestInvalidateOnEditMarksInvalid(t *testing.T) {
	repo := &mockCountersignRepo{byAdvice: map[string][]models.CountersignAdvice{
		"adv-1": {{ID: "cs-1", AdviceID: "adv-1", Valid: true}},
	}}
	svc := newCountersignService(repo, &mockCountersignCases{}, &mockAdviceReader{}, &mockAuditWriter{})

	err := svc.InvalidateOnEdit(context.Background(), &models.Advice{ID: "adv-1", Type: models.AdviceTypeProviso})
	require.NoError(t, err)
	assert.Equal(t, []string{"adv-1"}, repo.invalidated)
}

func TestInvalidateOnEditRefusalLocked(t *testing.T) {
	repo := &mockCountersignRepo{byAdvice: map[string][]models.CountersignAdvice{
		"adv-1": {{ID: "cs-1", AdviceID: "adv-1", Valid: true}},
	}}
	svc := newCountersignService(repo, &mockCountersignCases{}, &mockAdviceReader{}, &mockAuditWriter{})

	err := svc.InvalidateOnEdit(context.Background(), &models.Advice{ID: "adv-1", Type: models.AdviceTypeRefuse})
	assert.ErrorIs(t, err, appErrors.ErrRefusalLocked)
	assert.Empty(t, repo.invalidated)
}

func TestInvalidateOnEditAlreadyInvalidatedSignoffs(t *testing.T) {
	repo := &mockCountersignRepo{byAdvice: map[string][]models.CountersignAdvice{
		"adv-1": {{ID: "cs-1", AdviceID: "adv-1", Valid: false}},
	}}
	svc := newCountersignService(repo, &mockCountersignCases{}, &mockAdviceReader{}, &mockAuditWriter{})

	err := svc.InvalidateOnEdit(context.Background(), &models.Advice{ID: "adv-1", Type: models.AdviceTypeRefuse})
	require.NoError(t, err)
	assert.Empty(t, repo.invalidated)
}
