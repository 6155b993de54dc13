package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/metrics"
	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/roi"
	"github.com/sponsorstack/attribution-engine/internal/store"
	"github.com/sponsorstack/attribution-engine/internal/utils"
	"github.com/sponsorstack/attribution-engine/internal/validator"
)

const (
	jobAggregation = "aggregation"
	jobValidation  = "validation"

	// validationLookback bounds the journey sample fed to the validator.
	validationLookback = 90 * 24 * time.Hour
)

// Scheduler drives the periodic batch jobs off the request path: metric
// aggregation and model validation. Each (campaign, period) aggregation unit
// commits in a single transaction or not at all; failed units are simply
// retried on the next cycle.
type Scheduler struct {
	store       *store.Store
	calculator  *roi.Calculator
	validator   *validator.Validator
	logger      *slog.Logger
	tenants     []string
	aggEvery    time.Duration
	valEvery    time.Duration
	unitTimeout time.Duration
	now         func() time.Time
}

// New constructs a Scheduler. tenants lists the opaque tenant filters to
// iterate; an empty list processes the default tenant only.
func New(st *store.Store, calc *roi.Calculator, val *validator.Validator, logger *slog.Logger,
	tenants []string, aggEvery, valEvery, unitTimeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(tenants) == 0 {
		tenants = []string{""}
	}
	if unitTimeout <= 0 {
		unitTimeout = 2 * time.Minute
	}
	return &Scheduler{
		store:       st,
		calculator:  calc,
		validator:   val,
		logger:      logger,
		tenants:     tenants,
		aggEvery:    aggEvery,
		valEvery:    valEvery,
		unitTimeout: unitTimeout,
		now:         time.Now,
	}
}

// Run ticks both jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	aggTicker := time.NewTicker(s.aggEvery)
	valTicker := time.NewTicker(s.valEvery)
	defer aggTicker.Stop()
	defer valTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-aggTicker.C:
			s.RunAggregation(ctx)
		case <-valTicker.C:
			s.RunValidation(ctx)
		}
	}
}

// RunAggregation processes every (campaign, period) unit for the current and
// previous calendar months. Late arrivals keep landing in the previous
// period, so it stays hot for one extra cycle set.
func (s *Scheduler) RunAggregation(ctx context.Context) {
	cycleStart := s.now()
	periods := []string{
		utils.PeriodOf(cycleStart.AddDate(0, -1, 0)),
		utils.PeriodOf(cycleStart),
	}

	for _, tenant := range s.tenants {
		for _, period := range periods {
			start, end, err := utils.ParsePeriod(period)
			if err != nil {
				continue
			}
			campaigns, err := s.store.CampaignIDsInRange(ctx, tenant, start, end)
			if err != nil {
				s.logger.Error("aggregation campaign listing failed",
					slog.String("period", period), slog.Any("error", err))
				continue
			}

			for _, campaignID := range campaigns {
				if ctx.Err() != nil {
					return
				}
				unit := fmt.Sprintf("%s|%s|%s", tenant, campaignID, period)
				done, err := s.store.UnitCompletedSince(ctx, jobAggregation, unit, cycleStart.Add(-s.aggEvery))
				if err == nil && done {
					continue
				}

				if err := s.aggregateUnit(ctx, tenant, campaignID, period); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					// Whole unit discarded; next cycle retries it.
					metrics.ObserveBatchUnit(jobAggregation, metrics.OutcomeError)
					s.logger.Error("aggregation unit failed",
						slog.String("campaign_id", campaignID),
						slog.String("period", period),
						slog.Any("error", err))
					continue
				}
				metrics.ObserveBatchUnit(jobAggregation, metrics.OutcomeSuccess)
			}
		}
	}
}

// aggregateUnit computes metrics for every model of one (campaign, period)
// and commits them atomically. A timeout or failure rolls the whole unit
// back; partial writes never land.
func (s *Scheduler) aggregateUnit(ctx context.Context, tenant, campaignID, period string) error {
	unitCtx, cancel := context.WithTimeout(ctx, s.unitTimeout)
	defer cancel()

	computed := make([]models.CampaignMetric, 0, len(models.AllModels()))
	for _, model := range models.AllModels() {
		metric, err := s.calculator.Calculate(unitCtx, models.MetricsRequest{
			TenantID:   tenant,
			CampaignID: campaignID,
			Period:     period,
			Model:      model,
		})
		if err != nil {
			return err
		}
		computed = append(computed, metric)
	}

	tx, err := s.store.Begin(unitCtx)
	if err != nil {
		return fmt.Errorf("begin unit transaction: %w", err)
	}
	for _, metric := range computed {
		if err := store.SaveCampaignMetric(unitCtx, tx, metric); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unit: %w", err)
	}

	unit := fmt.Sprintf("%s|%s|%s", tenant, campaignID, period)
	if err := s.store.MarkUnitComplete(ctx, jobAggregation, unit, s.now()); err != nil {
		s.logger.Warn("checkpoint write failed", slog.String("unit", unit), slog.Any("error", err))
	}
	return nil
}

// RunValidation audits every model over recently converted journeys.
func (s *Scheduler) RunValidation(ctx context.Context) {
	end := s.now().UTC()
	start := end.Add(-validationLookback)

	for _, tenant := range s.tenants {
		keys, err := s.store.ConvertedJourneyKeysInRange(ctx, tenant, start, end)
		if err != nil {
			s.logger.Error("validation sampling failed", slog.Any("error", err))
			continue
		}
		journeys, err := s.store.GetJourneys(ctx, keys)
		if err != nil {
			s.logger.Error("validation journey load failed", slog.Any("error", err))
			continue
		}

		for _, model := range models.AllModels() {
			if ctx.Err() != nil {
				return
			}
			unitCtx, cancel := context.WithTimeout(ctx, s.unitTimeout)
			report, err := s.validator.Validate(unitCtx, tenant, model, journeys)
			if err == nil {
				err = s.store.SaveValidationReport(unitCtx, report)
			}
			cancel()
			if err != nil {
				metrics.ObserveBatchUnit(jobValidation, metrics.OutcomeError)
				s.logger.Error("validation run failed",
					slog.String("model", string(model)), slog.Any("error", err))
				continue
			}
			metrics.ObserveBatchUnit(jobValidation, metrics.OutcomeSuccess)
			s.logger.Info("validation report stored",
				slog.String("model", string(model)),
				slog.String("run_id", report.RunID),
				slog.Int("sample_size", report.SampleSize),
				slog.String("bias", string(report.BiasDirection)))
		}
	}
}
