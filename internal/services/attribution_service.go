package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/attribution"
	"github.com/sponsorstack/attribution-engine/internal/engine"
	"github.com/sponsorstack/attribution-engine/internal/insights"
	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/resolver"
	"github.com/sponsorstack/attribution-engine/internal/roi"
	"github.com/sponsorstack/attribution-engine/internal/store"
	"github.com/sponsorstack/attribution-engine/internal/utils"
	"github.com/sponsorstack/attribution-engine/internal/validator"
)

// validationSampleWindow bounds on-demand validation when no stored report
// exists yet for a model.
const validationSampleWindow = 90 * 24 * time.Hour

// ReportStore defines the storage operations the service reads reports and
// merge history through.
type ReportStore interface {
	GetCampaignMetric(ctx context.Context, campaignID, period string, model models.ModelKind) (models.CampaignMetric, error)
	LatestValidationReport(ctx context.Context, model models.ModelKind) (models.ValidationReport, error)
	SaveValidationReport(ctx context.Context, r models.ValidationReport) error
	ListMergeEvents(ctx context.Context, limit int) ([]models.MergeEvent, error)
	ConvertedJourneyKeysInRange(ctx context.Context, tenantID string, start, end time.Time) ([]string, error)
	GetJourneys(ctx context.Context, keys []string) ([]*models.Journey, error)
}

// AttributionService is the facade the HTTP surface talks to. It orchestrates
// identity resolution, attribution runs, and report reads.
type AttributionService struct {
	logger     *slog.Logger
	resolver   *resolver.Resolver
	engine     *engine.Engine
	calculator *roi.Calculator
	validator  *validator.Validator
	reports    ReportStore
	miner      *insights.Miner
	latencies  *utils.LatencyTracker
}

// NewAttributionService constructs the service facade.
func NewAttributionService(logger *slog.Logger, res *resolver.Resolver, eng *engine.Engine,
	calc *roi.Calculator, val *validator.Validator, reports ReportStore) *AttributionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttributionService{
		logger:     logger,
		resolver:   res,
		engine:     eng,
		calculator: calc,
		validator:  val,
		reports:    reports,
		miner:      insights.NewMiner(logger),
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// Ingest validates and records one touchpoint, returning the journey key it
// resolved to.
func (s *AttributionService) Ingest(ctx context.Context, tp models.Touchpoint) (string, error) {
	if s.resolver == nil {
		return "", errors.New("resolver not configured")
	}

	start := time.Now()
	journeyKey, err := s.resolver.Resolve(ctx, tp)
	duration := time.Since(start)
	if err != nil {
		return "", err
	}
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("ingest latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}
	return journeyKey, nil
}

// Compute runs the attribution engine over the requested campaign window.
func (s *AttributionService) Compute(ctx context.Context, req models.ComputeRequest) ([]models.AttributionResult, error) {
	if s.engine == nil {
		return nil, errors.New("engine not configured")
	}
	return s.engine.Compute(ctx, req)
}

// CampaignMetrics returns the stored metric for one (campaign, period, model),
// computing it on demand when the batch aggregator has not covered the unit
// yet. On-demand results are not persisted; the next batch cycle owns that.
func (s *AttributionService) CampaignMetrics(ctx context.Context, req models.MetricsRequest) (models.CampaignMetric, error) {
	metric, err := s.reports.GetCampaignMetric(ctx, req.CampaignID, req.Period, req.Model)
	if err == nil {
		return metric, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.CampaignMetric{}, err
	}

	s.logger.Debug("campaign metric not aggregated yet, computing on demand",
		slog.String("campaign_id", req.CampaignID), slog.String("period", req.Period))
	return s.calculator.Calculate(ctx, req)
}

// ValidationReport returns the latest stored report for a model, running a
// fresh validation over the recent journey sample when none exists.
func (s *AttributionService) ValidationReport(ctx context.Context, tenantID string, model models.ModelKind) (models.ValidationReport, error) {
	if !model.Registered() {
		return models.ValidationReport{}, fmt.Errorf("%w: %s", attribution.ErrModelNotFound, model)
	}

	report, err := s.reports.LatestValidationReport(ctx, model)
	if err == nil {
		return report, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.ValidationReport{}, err
	}

	end := time.Now().UTC()
	keys, err := s.reports.ConvertedJourneyKeysInRange(ctx, tenantID, end.Add(-validationSampleWindow), end)
	if err != nil {
		return models.ValidationReport{}, err
	}
	journeys, err := s.reports.GetJourneys(ctx, keys)
	if err != nil {
		return models.ValidationReport{}, err
	}
	report, err = s.validator.Validate(ctx, tenantID, model, journeys)
	if err != nil {
		return models.ValidationReport{}, err
	}
	if err := s.reports.SaveValidationReport(ctx, report); err != nil {
		s.logger.Warn("on-demand validation report not persisted", slog.Any("error", err))
	}
	return report, nil
}

// ConversionPaths mines the most common pre-conversion channel sequences
// over journeys converted inside [start, end).
func (s *AttributionService) ConversionPaths(ctx context.Context, tenantID string, start, end time.Time) ([]models.PathPattern, error) {
	keys, err := s.reports.ConvertedJourneyKeysInRange(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	journeys, err := s.reports.GetJourneys(ctx, keys)
	if err != nil {
		return nil, err
	}
	return s.miner.Mine(journeys), nil
}

// MergeEvents returns the most recent journey merges, newest first.
func (s *AttributionService) MergeEvents(ctx context.Context, limit int) ([]models.MergeEvent, error) {
	return s.reports.ListMergeEvents(ctx, limit)
}

// LatencyP95 returns the current p95 ingest latency.
func (s *AttributionService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
