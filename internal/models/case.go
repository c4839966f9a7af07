package models

import "time"

// CaseType categorises the application behind a case.
type CaseType string

const (
	CaseTypeStandard  CaseType = "standard"
	CaseTypeOpen      CaseType = "open"
	CaseTypeClearance CaseType = "clearance"
	CaseTypeQuery     CaseType = "query"
)

// UsageReportable reports whether licences for this case type accept
// inbound usage updates from the customs system.
func (t CaseType) UsageReportable() bool {
	switch t {
	case CaseTypeStandard, CaseTypeOpen, CaseTypeClearance:
		return true
	default:
		return false
	}
}

// CaseStatus represents the workflow status of a case.
type CaseStatus string

const (
	CaseStatusSubmitted        CaseStatus = "submitted"
	CaseStatusUnderReview      CaseStatus = "under_review"
	CaseStatusUnderFinalReview CaseStatus = "under_final_review"
	CaseStatusFinalised        CaseStatus = "finalised"
	CaseStatusWithdrawn        CaseStatus = "withdrawn"
	CaseStatusClosed           CaseStatus = "closed"
)

// Terminal reports whether a case in this status can still change.
func (s CaseStatus) Terminal() bool {
	switch s {
	case CaseStatusFinalised, CaseStatusWithdrawn, CaseStatusClosed:
		return true
	default:
		return false
	}
}

// Sub-statuses attached to the finalised status.
const (
	SubStatusApproved = "approved"
	SubStatusRefused  = "refused"
)

// allowedSubStatuses maps each status to the sub-statuses it may carry.
var allowedSubStatuses = map[CaseStatus][]string{
	CaseStatusFinalised: {SubStatusApproved, SubStatusRefused},
}

// SubStatusAllowed reports whether sub may be set while the case is in status.
func SubStatusAllowed(status CaseStatus, sub string) bool {
	for _, s := range allowedSubStatuses[status] {
		if s == sub {
			return true
		}
	}
	return false
}

// Case is a unit of work under assessment.
type Case struct {
	ID               string     `db:"id" json:"id"`
	ReferenceCode    string     `db:"reference_code" json:"reference_code"`
	CaseType         CaseType   `db:"case_type" json:"case_type"`
	Status           CaseStatus `db:"status" json:"status"`
	SubStatus        *string    `db:"sub_status" json:"sub_status,omitempty"`
	OrganisationID   string     `db:"organisation_id" json:"organisation_id"`
	SubmittedByEmail string     `db:"submitted_by_email" json:"submitted_by_email"`
	AppealDeadline   *time.Time `db:"appeal_deadline" json:"appeal_deadline,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// PartyType identifies the role a party plays on a case.
type PartyType string

const (
	PartyTypeEndUser         PartyType = "end_user"
	PartyTypeConsignee       PartyType = "consignee"
	PartyTypeUltimateEndUser PartyType = "ultimate_end_user"
	PartyTypeThirdParty      PartyType = "third_party"
)

// Party is a destination attached to a case.
type Party struct {
	ID          string    `db:"id" json:"id"`
	CaseID      string    `db:"case_id" json:"case_id"`
	Type        PartyType `db:"type" json:"type"`
	Name        string    `db:"name" json:"name"`
	Address     string    `db:"address" json:"address"`
	CountryID   string    `db:"country_id" json:"country_id"`
	CountryName string    `db:"country_name" json:"country_name"`
}

// Good is a product included on a case's application.
type Good struct {
	ID              string    `db:"id" json:"id"`
	CaseID          string    `db:"case_id" json:"case_id"`
	Name            string    `db:"name" json:"name"`
	Description     string    `db:"description" json:"description"`
	Unit            string    `db:"unit" json:"unit"`
	AppliedQuantity float64   `db:"applied_quantity" json:"applied_quantity"`
	AppliedValue    float64   `db:"applied_value" json:"applied_value"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Organisation is the exporter that owns a case.
type Organisation struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	EORINumber  string `db:"eori_number" json:"eori_number"`
	SiteName    string `db:"site_name" json:"site_name"`
	AddressLine string `db:"address_line" json:"address_line"`
	City        string `db:"city" json:"city"`
	Region      string `db:"region" json:"region"`
	Postcode    string `db:"postcode" json:"postcode"`
	CountryID   string `db:"country_id" json:"country_id"`
	CountryName string `db:"country_name" json:"country_name"`
}
