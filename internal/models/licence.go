package models

import "time"

// LicenceStatus is the lifecycle status of a licence.
type LicenceStatus string

const (
	LicenceStatusDraft       LicenceStatus = "draft"
	LicenceStatusIssued      LicenceStatus = "issued"
	LicenceStatusReinstated  LicenceStatus = "reinstated"
	LicenceStatusSuspended   LicenceStatus = "suspended"
	LicenceStatusRevoked     LicenceStatus = "revoked"
	LicenceStatusSurrendered LicenceStatus = "surrendered"
	LicenceStatusCancelled   LicenceStatus = "cancelled"
	LicenceStatusExpired     LicenceStatus = "expired"
	LicenceStatusExhausted   LicenceStatus = "exhausted"
)

// OpenLicenceStatuses are the statuses in which a licence is live and can
// still transition. A case carries at most one licence in these statuses.
var OpenLicenceStatuses = []LicenceStatus{
	LicenceStatusDraft,
	LicenceStatusIssued,
	LicenceStatusReinstated,
	LicenceStatusSuspended,
}

// Open reports whether the status is non-terminal.
func (s LicenceStatus) Open() bool {
	for _, open := range OpenLicenceStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// Editable reports whether the administrative status endpoint may act on a
// licence in this status.
func (s LicenceStatus) Editable() bool {
	switch s {
	case LicenceStatusIssued, LicenceStatusReinstated, LicenceStatusSuspended:
		return true
	default:
		return false
	}
}

// HMRCAction is the action reported to the customs integration service.
type HMRCAction string

const (
	HMRCActionInsert HMRCAction = "insert"
	HMRCActionUpdate HMRCAction = "update"
	HMRCActionCancel HMRCAction = "cancel"
)

// statusToHMRCAction fixes which status changes are reported outward.
// Statuses missing from the table are not reported.
var statusToHMRCAction = map[LicenceStatus]HMRCAction{
	LicenceStatusIssued:      HMRCActionInsert,
	LicenceStatusReinstated:  HMRCActionUpdate,
	LicenceStatusRevoked:     HMRCActionCancel,
	LicenceStatusSurrendered: HMRCActionCancel,
	LicenceStatusCancelled:   HMRCActionCancel,
}

// HMRCActionFor returns the integration action for a status change, or
// false when the change is not reported.
func HMRCActionFor(status LicenceStatus) (HMRCAction, bool) {
	action, ok := statusToHMRCAction[status]
	return action, ok
}

// Inbound usage-update actions the customs system is allowed to send.
const (
	UsageActionOpen      = "open"
	UsageActionExhaust   = "exhaust"
	UsageActionCancel    = "cancel"
	UsageActionSurrender = "surrender"
	UsageActionExpire    = "expire"
)

// UsageActionAllowed reports whether an inbound usage action is recognised.
func UsageActionAllowed(action string) bool {
	switch action {
	case UsageActionOpen, UsageActionExhaust, UsageActionCancel, UsageActionSurrender, UsageActionExpire:
		return true
	default:
		return false
	}
}

// Licence is one issuance unit for a case.
type Licence struct {
	ID            string        `db:"id" json:"id"`
	CaseID        string        `db:"case_id" json:"case_id"`
	ReferenceCode string        `db:"reference_code" json:"reference_code"`
	Status        LicenceStatus `db:"status" json:"status"`
	StartDate     time.Time     `db:"start_date" json:"start_date"`
	Duration      int           `db:"duration" json:"duration"`
	EndDate       time.Time     `db:"end_date" json:"end_date"`
	HMRCSentAt    *time.Time    `db:"hmrc_sent_at" json:"hmrc_sent_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// ComputeEndDate derives the licence end date from its start and duration.
// End date is never stored independently of this computation.
func (l *Licence) ComputeEndDate() time.Time {
	return l.StartDate.AddDate(0, l.Duration, 0)
}

// GoodOnLicence allocates licensed quantity and value for one good, and
// accumulates the usage reported back by the customs system.
type GoodOnLicence struct {
	ID        string    `db:"id" json:"id"`
	LicenceID string    `db:"licence_id" json:"licence_id"`
	GoodID    string    `db:"good_id" json:"good_id"`
	Quantity  float64   `db:"quantity" json:"quantity"`
	Value     float64   `db:"value" json:"value"`
	Usage     float64   `db:"usage" json:"usage"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GoodOnLicenceDetail joins the allocation with its good's details.
type GoodOnLicenceDetail struct {
	GoodOnLicence
	GoodName        string  `db:"good_name" json:"good_name"`
	GoodDescription string  `db:"good_description" json:"good_description"`
	GoodUnit        string  `db:"good_unit" json:"good_unit"`
	AppliedQuantity float64 `db:"applied_quantity" json:"applied_quantity"`
}

// LicenceDetail joins a licence with its case context for read endpoints.
type LicenceDetail struct {
	Licence
	CaseReference string     `db:"case_reference" json:"case_reference"`
	CaseType      CaseType   `db:"case_type" json:"case_type"`
	CaseStatus    CaseStatus `db:"case_status" json:"case_status"`
}

// LicenceFilter constrains licence listing queries.
type LicenceFilter struct {
	Reference string
	Statuses  []LicenceStatus
	CaseID    string
	Page      int
	PageSize  int
}
