package models

import "time"

// Audit verbs recorded against cases and licences.
const (
	AuditVerbFinalAdviceCreated      = "FINAL_ADVICE_CREATED"
	AuditVerbFinalAdviceCleared      = "FINAL_ADVICE_CLEARED"
	AuditVerbCountersignAccepted     = "COUNTERSIGN_ACCEPTED"
	AuditVerbCountersignRejected     = "COUNTERSIGN_REJECTED"
	AuditVerbDestinationFlagsRemoved = "DESTINATION_FLAGS_REMOVED"
	AuditVerbFlagAdded               = "FLAG_ADDED"
	AuditVerbCaseStatusUpdated       = "CASE_STATUS_UPDATED"
	AuditVerbCaseSubStatusUpdated    = "CASE_SUB_STATUS_UPDATED"
	AuditVerbApplicationGranted      = "APPLICATION_GRANTED"
	AuditVerbApplicationReinstated   = "APPLICATION_REINSTATED"
	AuditVerbApplicationRefused      = "APPLICATION_REFUSED"
	AuditVerbLicenceStatusUpdated    = "LICENCE_STATUS_UPDATED"
	AuditVerbGoodUsageUpdated        = "LICENCE_GOOD_USAGE_UPDATED"
)

// SystemActor marks audit entries written by the system rather than a user.
const SystemActor = "system"

// AuditEntry is one audit-trail record. Emission is always an explicit step
// of the function that mutates state, inside the same transaction.
type AuditEntry struct {
	ID        string    `db:"id" json:"id"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	Verb      string    `db:"verb" json:"verb"`
	CaseID    string    `db:"case_id" json:"case_id"`
	Payload   []byte    `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
