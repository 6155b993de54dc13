package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// GetResult returns the cached attribution result for a (journey, model)
// pair, whatever journey version it was computed against. Callers compare the
// recorded version with the live journey before trusting it.
func (s *Store) GetResult(ctx context.Context, journeyKey string, model models.ModelKind) (models.AttributionResult, error) {
	var (
		r           models.AttributionResult
		creditsJSON string
		unattr      int
		computed    int64
		modelName   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT journey_key, model, version, credits, unattributed, computed_at
		FROM attribution_results WHERE journey_key = ? AND model = ?`,
		journeyKey, string(model)).Scan(&r.JourneyKey, &modelName, &r.Version, &creditsJSON, &unattr, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AttributionResult{}, ErrNotFound
	}
	if err != nil {
		return models.AttributionResult{}, fmt.Errorf("get result %s/%s: %w", journeyKey, model, err)
	}
	if err := json.Unmarshal([]byte(creditsJSON), &r.Credits); err != nil {
		return models.AttributionResult{}, fmt.Errorf("decode result %s/%s: %w", journeyKey, model, err)
	}
	r.Model = models.ModelKind(modelName)
	r.Unattributed = unattr == 1
	r.ComputedAt = time.Unix(0, computed).UTC()
	return r, nil
}

// PutResult stores (or replaces) the attribution result for a (journey,
// model) pair together with the journey version it was computed against.
func (s *Store) PutResult(ctx context.Context, r models.AttributionResult) error {
	creditsJSON, err := json.Marshal(r.Credits)
	if err != nil {
		return fmt.Errorf("encode result %s/%s: %w", r.JourneyKey, r.Model, err)
	}
	unattr := 0
	if r.Unattributed {
		unattr = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attribution_results (journey_key, model, version, credits, unattributed, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(journey_key, model) DO UPDATE SET
			version = excluded.version,
			credits = excluded.credits,
			unattributed = excluded.unattributed,
			computed_at = excluded.computed_at`,
		r.JourneyKey, string(r.Model), r.Version, string(creditsJSON), unattr,
		r.ComputedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("put result %s/%s: %w", r.JourneyKey, r.Model, err)
	}
	return nil
}
