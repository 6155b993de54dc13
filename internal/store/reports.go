package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// SaveCampaignMetric writes one aggregation unit inside tx, replacing any
// previous run for the same (campaign, period, model).
func SaveCampaignMetric(ctx context.Context, tx *sql.Tx, m models.CampaignMetric) error {
	zero := 0
	if m.ZeroCost {
		zero = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_metrics
			(campaign_id, period, model, attributed_revenue_cents, cost_cents,
			 roi_percent, roas, zero_cost, converted_journeys, unattributed_conversions, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id, period, model) DO UPDATE SET
			attributed_revenue_cents = excluded.attributed_revenue_cents,
			cost_cents = excluded.cost_cents,
			roi_percent = excluded.roi_percent,
			roas = excluded.roas,
			zero_cost = excluded.zero_cost,
			converted_journeys = excluded.converted_journeys,
			unattributed_conversions = excluded.unattributed_conversions,
			computed_at = excluded.computed_at`,
		m.CampaignID, m.Period, string(m.Model), m.AttributedRevenueCents, m.CostCents,
		m.ROIPercent, m.ROAS, zero, m.ConvertedJourneys, m.UnattributedConversions,
		m.ComputedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save campaign metric %s/%s/%s: %w", m.CampaignID, m.Period, m.Model, err)
	}
	return nil
}

// Begin opens a write transaction for an all-or-nothing aggregation unit.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// GetCampaignMetric reads one aggregation row.
func (s *Store) GetCampaignMetric(ctx context.Context, campaignID, period string, model models.ModelKind) (models.CampaignMetric, error) {
	var (
		m         models.CampaignMetric
		modelName string
		zero      int
		computed  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT campaign_id, period, model, attributed_revenue_cents, cost_cents,
		       roi_percent, roas, zero_cost, converted_journeys, unattributed_conversions, computed_at
		FROM campaign_metrics WHERE campaign_id = ? AND period = ? AND model = ?`,
		campaignID, period, string(model)).Scan(
		&m.CampaignID, &m.Period, &modelName, &m.AttributedRevenueCents, &m.CostCents,
		&m.ROIPercent, &m.ROAS, &zero, &m.ConvertedJourneys, &m.UnattributedConversions, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CampaignMetric{}, ErrNotFound
	}
	if err != nil {
		return models.CampaignMetric{}, fmt.Errorf("get campaign metric %s/%s/%s: %w", campaignID, period, model, err)
	}
	m.Model = models.ModelKind(modelName)
	m.ZeroCost = zero == 1
	m.ComputedAt = time.Unix(0, computed).UTC()
	return m, nil
}

// SaveValidationReport appends a validator run.
func (s *Store) SaveValidationReport(ctx context.Context, r models.ValidationReport) error {
	var lower, upper *float64
	if r.Confidence != nil {
		lower, upper = &r.Confidence.Lower, &r.Confidence.Upper
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_reports
			(model, run_id, accuracy_score, reason_code, bias_direction, sample_size, ci_lower, ci_upper, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.Model), r.RunID, r.AccuracyScore, r.ReasonCode, string(r.BiasDirection),
		r.SampleSize, lower, upper, r.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save validation report %s/%s: %w", r.Model, r.RunID, err)
	}
	return nil
}

// LatestValidationReport returns the most recent report for a model.
func (s *Store) LatestValidationReport(ctx context.Context, model models.ModelKind) (models.ValidationReport, error) {
	var (
		r            models.ValidationReport
		modelName    string
		bias         string
		lower, upper sql.NullFloat64
		created      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT model, run_id, accuracy_score, reason_code, bias_direction, sample_size, ci_lower, ci_upper, created_at
		FROM validation_reports WHERE model = ?
		ORDER BY created_at DESC LIMIT 1`,
		string(model)).Scan(&modelName, &r.RunID, &r.AccuracyScore, &r.ReasonCode,
		&bias, &r.SampleSize, &lower, &upper, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ValidationReport{}, ErrNotFound
	}
	if err != nil {
		return models.ValidationReport{}, fmt.Errorf("latest validation report %s: %w", model, err)
	}
	r.Model = models.ModelKind(modelName)
	r.BiasDirection = models.BiasDirection(bias)
	if lower.Valid && upper.Valid {
		r.Confidence = &models.ConfidenceInterval{Lower: lower.Float64, Upper: upper.Float64}
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

// SaveMergeEvent records an identifier collision resolution.
func (s *Store) SaveMergeEvent(ctx context.Context, ev models.MergeEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_events (id, winner_key, loser_key, touchpoint_count, occurred_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.WinnerKey, ev.LoserKey, ev.TouchpointCount, ev.OccurredAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save merge event %s: %w", ev.ID, err)
	}
	return nil
}

// ListMergeEvents returns recent merges, newest first.
func (s *Store) ListMergeEvents(ctx context.Context, limit int) ([]models.MergeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, winner_key, loser_key, touchpoint_count, occurred_at
		FROM merge_events ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list merge events: %w", err)
	}
	defer rows.Close()

	var events []models.MergeEvent
	for rows.Next() {
		var (
			ev       models.MergeEvent
			occurred int64
		)
		if err := rows.Scan(&ev.ID, &ev.WinnerKey, &ev.LoserKey, &ev.TouchpointCount, &occurred); err != nil {
			return nil, err
		}
		ev.OccurredAt = time.Unix(0, occurred).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkUnitComplete checkpoints a finished batch unit.
func (s *Store) MarkUnitComplete(ctx context.Context, job, unit string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_checkpoints (job, unit, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job, unit) DO UPDATE SET completed_at = excluded.completed_at`,
		job, unit, at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("checkpoint %s/%s: %w", job, unit, err)
	}
	return nil
}

// UnitCompletedSince reports whether a batch unit already committed after the
// given time, letting a retry cycle skip work that succeeded.
func (s *Store) UnitCompletedSince(ctx context.Context, job, unit string, since time.Time) (bool, error) {
	var completed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT completed_at FROM batch_checkpoints WHERE job = ? AND unit = ?`,
		job, unit).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint lookup %s/%s: %w", job, unit, err)
	}
	return time.Unix(0, completed).After(since), nil
}
