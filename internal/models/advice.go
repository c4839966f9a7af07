package models

import "time"

// AdviceLevel is the authority level an advice entry was given at.
type AdviceLevel string

const (
	AdviceLevelUser  AdviceLevel = "user"
	AdviceLevelTeam  AdviceLevel = "team"
	AdviceLevelFinal AdviceLevel = "final"
)

// AdviceType is the recommendation an advice entry carries.
type AdviceType string

const (
	AdviceTypeApprove           AdviceType = "approve"
	AdviceTypeProviso           AdviceType = "proviso"
	AdviceTypeRefuse            AdviceType = "refuse"
	AdviceTypeNoLicenceRequired AdviceType = "no_licence_required"
	AdviceTypeNotApplicable     AdviceType = "not_applicable"
	AdviceTypeConflicting       AdviceType = "conflicting"
)

// Advice records one author's assessment of one entity on a case.
// Exactly one of GoodID/PartyID is set, or neither for case-general advice.
type Advice struct {
	ID            string      `db:"id" json:"id"`
	CaseID        string      `db:"case_id" json:"case_id"`
	UserID        string      `db:"user_id" json:"user_id"`
	TeamID        string      `db:"team_id" json:"team_id"`
	Level         AdviceLevel `db:"level" json:"level"`
	Type          AdviceType  `db:"type" json:"type"`
	Text          string      `db:"text" json:"text"`
	Note          string      `db:"note" json:"note"`
	Proviso       *string     `db:"proviso" json:"proviso,omitempty"`
	DenialReasons []string    `db:"-" json:"denial_reasons,omitempty"`
	GoodID        *string     `db:"good_id" json:"good_id,omitempty"`
	PartyID       *string     `db:"party_id" json:"party_id,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// EntityKey identifies the advised entity within a case. Good and party
// advice are keyed by their ids, case-general advice by a fixed token.
func (a *Advice) EntityKey() string {
	switch {
	case a.GoodID != nil:
		return "good:" + *a.GoodID
	case a.PartyID != nil:
		return "party:" + *a.PartyID
	default:
		return "case"
	}
}

// SubstanceEquals reports whether the advice's substantive fields match.
// Countersignatures stay valid only while the substance is unchanged.
func (a *Advice) SubstanceEquals(other *Advice) bool {
	if a.Type != other.Type || a.Text != other.Text || a.Note != other.Note {
		return false
	}
	if (a.Proviso == nil) != (other.Proviso == nil) {
		return false
	}
	if a.Proviso != nil && *a.Proviso != *other.Proviso {
		return false
	}
	if len(a.DenialReasons) != len(other.DenialReasons) {
		return false
	}
	for i := range a.DenialReasons {
		if a.DenialReasons[i] != other.DenialReasons[i] {
			return false
		}
	}
	return true
}

// CountersignOrder is the tier of a countersignature.
type CountersignOrder int

const (
	CountersignOrderFirst  CountersignOrder = 1
	CountersignOrderSecond CountersignOrder = 2
)

// CountersignAdvice is a sign-off on one final advice entry. Entries are
// never deleted; editing the underlying advice marks them invalid instead.
type CountersignAdvice struct {
	ID              string           `db:"id" json:"id"`
	CaseID          string           `db:"case_id" json:"case_id"`
	AdviceID        string           `db:"advice_id" json:"advice_id"`
	Order           CountersignOrder `db:"countersign_order" json:"order"`
	Valid           bool             `db:"valid" json:"valid"`
	OutcomeAccepted bool             `db:"outcome_accepted" json:"outcome_accepted"`
	Reasons         string           `db:"reasons" json:"reasons"`
	CountersignedBy string           `db:"countersigned_by" json:"countersigned_by"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}
