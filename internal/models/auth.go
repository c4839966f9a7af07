package models

import "github.com/golang-jwt/jwt/v5"

// Caseworker permissions carried in the SSO token.
const (
	PermissionManageLicenceFinalAdvice   = "MANAGE_LICENCE_FINAL_ADVICE"
	PermissionManageClearanceFinalAdvice = "MANAGE_CLEARANCE_FINAL_ADVICE"
	PermissionManageLicenceStatus        = "MANAGE_LICENCE_STATUS"
)

// JWTClaims are the claims issued by the SSO collaborator for caseworkers
// and for the customs integration service account.
type JWTClaims struct {
	UserID      string   `json:"user_id"`
	TeamID      string   `json:"team_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the token carries the named permission.
func (c *JWTClaims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// FinalisePermissionFor returns the permission required to finalise a case
// of the given type. Clearance cases use a distinct permission.
func FinalisePermissionFor(caseType CaseType) string {
	if caseType == CaseTypeClearance {
		return PermissionManageClearanceFinalAdvice
	}
	return PermissionManageLicenceFinalAdvice
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
