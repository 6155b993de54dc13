package roi

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/utils"
)

// CostSource supplies campaign spend as read-only reference data, expressed
// in integer minor units.
type CostSource interface {
	CampaignCost(ctx context.Context, tenantID, campaignID, period string) (int64, error)
}

// JourneySource yields the journeys a campaign is credited by in a window:
// selection anchors on the conversion's timestamp so a click in one period
// still earns credit when the conversion lands in the next.
type JourneySource interface {
	ConvertedJourneyKeysForCampaign(ctx context.Context, tenantID, campaignID string, start, end time.Time) ([]string, error)
	GetJourneys(ctx context.Context, keys []string) ([]*models.Journey, error)
}

// CreditSource computes attribution results over a journey set.
type CreditSource interface {
	ResultsFor(ctx context.Context, journeys []*models.Journey, model models.ModelKind) ([]models.AttributionResult, error)
}

// Calculator converts attributed credit plus campaign cost into ROI/ROAS.
// All arithmetic stays in integer cents; decimal currency is a concern of the
// output boundary.
type Calculator struct {
	journeys JourneySource
	credits  CreditSource
	costs    CostSource
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Calculator.
func New(journeys JourneySource, credits CreditSource, costs CostSource, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		journeys: journeys,
		credits:  credits,
		costs:    costs,
		logger:   logger,
		now:      time.Now,
	}
}

// Calculate produces the CampaignMetric for one (campaign, period, model)
// unit. The result is returned, not persisted; aggregation runs commit it
// inside their all-or-nothing unit transaction.
func (c *Calculator) Calculate(ctx context.Context, req models.MetricsRequest) (models.CampaignMetric, error) {
	start, end, err := utils.ParsePeriod(req.Period)
	if err != nil {
		return models.CampaignMetric{}, utils.CampaignError("roi.calculate", "bad period", req.CampaignID, err)
	}

	keys, err := c.journeys.ConvertedJourneyKeysForCampaign(ctx, req.TenantID, req.CampaignID, start, end)
	if err != nil {
		return models.CampaignMetric{}, utils.CampaignError("roi.calculate", "list journeys", req.CampaignID, err)
	}
	journeys, err := c.journeys.GetJourneys(ctx, keys)
	if err != nil {
		return models.CampaignMetric{}, utils.CampaignError("roi.calculate", "load journeys", req.CampaignID, err)
	}

	results, err := c.credits.ResultsFor(ctx, journeys, req.Model)
	if err != nil {
		return models.CampaignMetric{}, err
	}
	byKey := make(map[string]models.AttributionResult, len(results))
	for _, r := range results {
		byKey[r.JourneyKey] = r
	}

	metric := models.CampaignMetric{
		CampaignID: req.CampaignID,
		Period:     req.Period,
		Model:      req.Model,
		ComputedAt: c.now().UTC(),
	}

	for _, j := range journeys {
		conv, ok := j.Conversion()
		if !ok {
			continue
		}
		// Only conversions landing inside the period count toward the unit.
		if conv.Timestamp.Before(start) || !conv.Timestamp.Before(end) {
			continue
		}
		metric.ConvertedJourneys++

		result, ok := byKey[j.Key]
		if !ok {
			continue
		}
		if result.Unattributed {
			// Direct conversions count toward raw totals but earn no
			// per-channel credit.
			if conv.CampaignID == req.CampaignID {
				metric.UnattributedConversions++
			}
			continue
		}

		campaignCredit := 0.0
		for _, tp := range j.PreConversion() {
			if tp.CampaignID == req.CampaignID {
				campaignCredit += result.CreditFor(tp.ID)
			}
		}
		metric.AttributedRevenueCents += creditCents(conv.ConversionValueCents, campaignCredit)
	}

	cost, err := c.costs.CampaignCost(ctx, req.TenantID, req.CampaignID, req.Period)
	if err != nil {
		return models.CampaignMetric{}, utils.CampaignError("roi.calculate", "fetch cost", req.CampaignID, err)
	}
	metric.CostCents = cost

	if cost <= 0 {
		// ROI/ROAS are undefined without spend: explicit null plus flag,
		// never 0, Inf or NaN.
		metric.ZeroCost = true
		return metric, nil
	}

	roi := (float64(metric.AttributedRevenueCents) - float64(cost)) / float64(cost) * 100
	roas := float64(metric.AttributedRevenueCents) / float64(cost)
	metric.ROIPercent = &roi
	metric.ROAS = &roas
	return metric, nil
}

// creditCents converts a weighted share of a conversion value into integer
// cents, rounding half away from zero.
func creditCents(valueCents int64, weight float64) int64 {
	if weight <= 0 {
		return 0
	}
	return int64(math.Round(float64(valueCents) * weight))
}
