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

// ErrNotFound signals a missing row.
var ErrNotFound = errors.New("store: not found")

// IdentifierKind labels the rows of the identifier cluster index.
type IdentifierKind string

const (
	IdentifierPromo  IdentifierKind = "promo"
	IdentifierUTM    IdentifierKind = "utm"
	IdentifierDevice IdentifierKind = "device"
)

// GetJourney loads a journey snapshot by key.
func (s *Store) GetJourney(ctx context.Context, key string) (*models.Journey, error) {
	var (
		j       models.Journey
		tpsJSON string
		closed  int
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, tenant_id, version, closed, touchpoints, updated_at FROM journeys WHERE key = ?`,
		key).Scan(&j.Key, &j.TenantID, &j.Version, &closed, &tpsJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get journey %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(tpsJSON), &j.Touchpoints); err != nil {
		return nil, fmt.Errorf("decode journey %s: %w", key, err)
	}
	return &j, nil
}

// PutJourney upserts a journey snapshot. Callers bump Version before writing;
// the row carries whatever version the caller supplies so cache staleness
// checks are exact.
func (s *Store) PutJourney(ctx context.Context, j *models.Journey) error {
	tpsJSON, err := json.Marshal(j.Touchpoints)
	if err != nil {
		return fmt.Errorf("encode journey %s: %w", j.Key, err)
	}
	closed := 0
	if j.Closed() {
		closed = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journeys (key, tenant_id, version, closed, touchpoints, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			closed = excluded.closed,
			touchpoints = excluded.touchpoints,
			updated_at = excluded.updated_at`,
		j.Key, j.TenantID, j.Version, closed, string(tpsJSON), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("put journey %s: %w", j.Key, err)
	}
	return nil
}

// MergeJourneys folds merged-away journeys into the winner. Identifier and
// touchpoint reassignment, stale result cleanup, loser deletion, the winner
// snapshot, and the audit rows commit in one transaction or not at all, so a
// crash mid-merge never strands touchpoints between journeys.
func (s *Store) MergeJourneys(ctx context.Context, winner *models.Journey, loserKeys []string, events []models.MergeEvent) error {
	tpsJSON, err := json.Marshal(winner.Touchpoints)
	if err != nil {
		return fmt.Errorf("encode journey %s: %w", winner.Key, err)
	}
	closed := 0
	if winner.Closed() {
		closed = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge %s: %w", winner.Key, err)
	}
	defer tx.Rollback()

	for _, loser := range loserKeys {
		if _, err := tx.ExecContext(ctx,
			`UPDATE journey_identifiers SET journey_key = ? WHERE journey_key = ?`,
			winner.Key, loser); err != nil {
			return fmt.Errorf("reassign identifiers %s -> %s: %w", loser, winner.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE touchpoints SET journey_key = ? WHERE journey_key = ?`,
			winner.Key, loser); err != nil {
			return fmt.Errorf("reassign touchpoints %s -> %s: %w", loser, winner.Key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM attribution_results WHERE journey_key = ?`, loser); err != nil {
			return fmt.Errorf("drop stale results %s: %w", loser, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journeys WHERE key = ?`, loser); err != nil {
			return fmt.Errorf("delete journey %s: %w", loser, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO journeys (key, tenant_id, version, closed, touchpoints, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = excluded.version,
			closed = excluded.closed,
			touchpoints = excluded.touchpoints,
			updated_at = excluded.updated_at`,
		winner.Key, winner.TenantID, winner.Version, closed, string(tpsJSON),
		time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("put journey %s: %w", winner.Key, err)
	}

	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO merge_events (id, winner_key, loser_key, touchpoint_count, occurred_at)
			VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.WinnerKey, ev.LoserKey, ev.TouchpointCount,
			ev.OccurredAt.UTC().UnixNano()); err != nil {
			return fmt.Errorf("save merge event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// JourneyVersion returns the live version counter for a journey.
func (s *Store) JourneyVersion(ctx context.Context, key string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM journeys WHERE key = ?`, key).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("journey version %s: %w", key, err)
	}
	return version, nil
}

// GetJourneys loads multiple journeys, skipping missing keys.
func (s *Store) GetJourneys(ctx context.Context, keys []string) ([]*models.Journey, error) {
	journeys := make([]*models.Journey, 0, len(keys))
	for _, key := range keys {
		j, err := s.GetJourney(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, nil
}

// LookupIdentifier resolves an identity signal to its current journey key.
// Matches older than the cutoff are ignored (device-hash lookback).
func (s *Store) LookupIdentifier(ctx context.Context, kind IdentifierKind, value, tenantID string, cutoff time.Time) (string, error) {
	var (
		key      string
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT journey_key, last_seen FROM journey_identifiers
		WHERE kind = ? AND value = ? AND tenant_id = ?`,
		string(kind), value, tenantID).Scan(&key, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup identifier %s/%s: %w", kind, value, err)
	}
	if !cutoff.IsZero() && time.Unix(0, lastSeen).Before(cutoff) {
		return "", ErrNotFound
	}
	return key, nil
}

// UpsertIdentifier points an identity signal at a journey and refreshes its
// last-seen time.
func (s *Store) UpsertIdentifier(ctx context.Context, kind IdentifierKind, value, tenantID, journeyKey string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journey_identifiers (kind, value, tenant_id, journey_key, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, value, tenant_id) DO UPDATE SET
			journey_key = excluded.journey_key,
			last_seen = excluded.last_seen`,
		string(kind), value, tenantID, journeyKey, seenAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert identifier %s/%s: %w", kind, value, err)
	}
	return nil
}
