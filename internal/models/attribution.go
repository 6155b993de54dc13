package models

import "time"

// ModelKind is the closed set of credit-assignment models. Keeping this an
// enum rather than free-form strings means an unregistered name fails loudly
// instead of silently no-opping.
type ModelKind string

const (
	ModelFirstTouch    ModelKind = "first_touch"
	ModelLastTouch     ModelKind = "last_touch"
	ModelLinear        ModelKind = "linear"
	ModelTimeDecay     ModelKind = "time_decay"
	ModelPositionBased ModelKind = "position_based"
)

// AllModels lists every registered model kind in stable order.
func AllModels() []ModelKind {
	return []ModelKind{
		ModelFirstTouch,
		ModelLastTouch,
		ModelLinear,
		ModelTimeDecay,
		ModelPositionBased,
	}
}

// Registered reports whether the kind names a known model.
func (m ModelKind) Registered() bool {
	switch m {
	case ModelFirstTouch, ModelLastTouch, ModelLinear, ModelTimeDecay, ModelPositionBased:
		return true
	}
	return false
}

// AttributionResult is the derived, version-tagged credit assignment for one
// (journey, model) pair. Weights sum to 1.0 for closed journeys with at least
// one pre-conversion touchpoint and are empty otherwise. Never source of
// truth: stale the moment the journey's version advances.
type AttributionResult struct {
	JourneyKey string             `json:"journey_key"`
	Model      ModelKind          `json:"model"`
	Version    int64              `json:"version"`
	Credits    map[string]float64 `json:"credits"`
	// Unattributed marks direct conversions (and open journeys) whose value
	// counts toward raw totals but receives no per-channel credit.
	Unattributed bool      `json:"unattributed,omitempty"`
	ComputedAt   time.Time `json:"computed_at"`
}

// CreditFor returns the weight assigned to a touchpoint, zero when absent.
func (r AttributionResult) CreditFor(touchpointID string) float64 {
	return r.Credits[touchpointID]
}

// CampaignMetric holds the financial outcome of one aggregation unit. ROI and
// ROAS are pointers so a zero-cost campaign reports explicit nulls, never a
// coerced zero or Inf.
type CampaignMetric struct {
	CampaignID              string    `json:"campaign_id"`
	Period                  string    `json:"period"`
	Model                   ModelKind `json:"model"`
	AttributedRevenueCents  int64     `json:"attributed_revenue_cents"`
	CostCents               int64     `json:"cost_cents"`
	ROIPercent              *float64  `json:"roi_percent"`
	ROAS                    *float64  `json:"roas"`
	ZeroCost                bool      `json:"zero_cost"`
	ConvertedJourneys       int       `json:"converted_journeys"`
	UnattributedConversions int       `json:"unattributed_conversions"`
	ComputedAt              time.Time `json:"computed_at"`
}

// BiasDirection classifies where a model concentrates credit along journeys.
type BiasDirection string

const (
	BiasEarlyWeighted BiasDirection = "early-weighted"
	BiasLateWeighted  BiasDirection = "late-weighted"
	BiasBalanced      BiasDirection = "balanced"
)

// ConfidenceInterval is a Wilson-score interval around a proportion.
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ValidationReport scores a model against the ground-truth proxy. The report
// is advisory: AccuracyScore is nil with ReasonCode set whenever the
// unambiguous subset is too small to support a number.
type ValidationReport struct {
	Model         ModelKind           `json:"model"`
	RunID         string              `json:"run_id"`
	AccuracyScore *float64            `json:"accuracy_score"`
	ReasonCode    string              `json:"reason_code,omitempty"`
	BiasDirection BiasDirection       `json:"bias_direction"`
	SampleSize    int                 `json:"sample_size"`
	Confidence    *ConfidenceInterval `json:"confidence_interval,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// PathPattern summarises one pre-conversion channel sequence mined from
// closed journeys.
type PathPattern struct {
	Path            string    `json:"path"`
	Conversions     int       `json:"conversions"`
	Prevalence      float64   `json:"prevalence"`
	RevenueCents    int64     `json:"revenue_cents"`
	AvgRevenueCents int64     `json:"avg_revenue_cents"`
	LastSeen        time.Time `json:"last_seen"`
}

// MergeEvent records an identifier collision resolved by folding one journey
// into another. Informational, operator-queryable, never surfaced to end
// users.
type MergeEvent struct {
	ID              string    `json:"id"`
	WinnerKey       string    `json:"winner_key"`
	LoserKey        string    `json:"loser_key"`
	TouchpointCount int       `json:"touchpoint_count"`
	OccurredAt      time.Time `json:"occurred_at"`
}
