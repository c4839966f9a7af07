package models

import "time"

// DecisionKind is the outcome recorded for a finalisation event.
type DecisionKind string

const (
	DecisionIssued  DecisionKind = "issued"
	DecisionRefused DecisionKind = "refused"
	DecisionRevoked DecisionKind = "revoked"
)

// LicenceDecision is the immutable audit record of a finalisation outcome.
// Exactly one issued/refused decision exists per finalisation event.
type LicenceDecision struct {
	ID        string       `db:"id" json:"id"`
	CaseID    string       `db:"case_id" json:"case_id"`
	Decision  DecisionKind `db:"decision" json:"decision"`
	LicenceID *string      `db:"licence_id" json:"licence_id,omitempty"`
	MadeBy    string       `db:"made_by" json:"made_by"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
