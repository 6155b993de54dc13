package models

import "time"

// ComputeRequest bounds one attribution engine run.
type ComputeRequest struct {
	TenantID   string
	CampaignID string
	Start      time.Time
	End        time.Time
	Model      ModelKind
}

// MetricsRequest identifies one (campaign, period, model) aggregation unit.
type MetricsRequest struct {
	TenantID   string
	CampaignID string
	Period     string
	Model      ModelKind
}

// ValidationRequest scopes a validator run.
type ValidationRequest struct {
	TenantID string
	Model    ModelKind
	Start    time.Time
	End      time.Time
}
