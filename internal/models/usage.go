package models

import "time"

// UsageBatch records a usage-update batch id that has been applied. The
// existence of the row is the idempotency token: a batch id that is already
// recorded is refused wholesale on replay.
type UsageBatch struct {
	ID        string    `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UsageGoodUpdate is one good's reported usage delta within a batch.
type UsageGoodUpdate struct {
	ID    string  `json:"id" validate:"required,uuid"`
	Usage float64 `json:"usage" validate:"gte=0"`
}

// UsageLicenceUpdate is one licence's usage report within a batch.
type UsageLicenceUpdate struct {
	ID     string            `json:"id" validate:"required,uuid"`
	Action string            `json:"action" validate:"required"`
	Goods  []UsageGoodUpdate `json:"goods"`
}

// UsageBatchRequest is the inbound batch payload from the customs system.
type UsageBatchRequest struct {
	UsageDataID string               `json:"usage_data_id" validate:"required,uuid"`
	Licences    []UsageLicenceUpdate `json:"licences" validate:"required,min=1"`
}

// GoodUsageResult reports the outcome for a single good within an update.
type GoodUsageResult struct {
	ID     string              `json:"id"`
	Usage  float64             `json:"usage"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// LicenceUsageResult reports the outcome for one licence update. A
// partially valid update lists which goods were accepted and rejected.
type LicenceUsageResult struct {
	ID            string              `json:"id"`
	Action        string              `json:"action"`
	GoodsAccepted []GoodUsageResult   `json:"goods_accepted,omitempty"`
	GoodsRejected []GoodUsageResult   `json:"goods_rejected,omitempty"`
	Errors        map[string][]string `json:"errors,omitempty"`
}

// UsageBatchResult partitions a batch's licence updates.
type UsageBatchResult struct {
	UsageDataID string               `json:"usage_data_id"`
	Accepted    []LicenceUsageResult `json:"licences_accepted"`
	Rejected    []LicenceUsageResult `json:"licences_rejected"`
}
