package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// InsertTouchpoint appends a touchpoint and returns it with the store-assigned
// ingestion sequence. The row is never updated afterwards except for the
// resolver-owned journey_key column.
func (s *Store) InsertTouchpoint(ctx context.Context, tp models.Touchpoint) (models.Touchpoint, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO touchpoints
			(id, tenant_id, journey_key, campaign_id, channel, ts, event_type,
			 promo_code, utm_campaign, utm_content, device_hash, conversion_value_cents)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tp.ID, tp.TenantID, tp.JourneyKey, tp.CampaignID, tp.Channel,
		tp.Timestamp.UTC().UnixNano(), string(tp.EventType),
		tp.Identifiers.PromoCode, tp.Identifiers.UTMCampaign, tp.Identifiers.UTMContent,
		tp.Identifiers.DeviceHash, tp.ConversionValueCents,
	)
	if err != nil {
		return models.Touchpoint{}, fmt.Errorf("insert touchpoint %s: %w", tp.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.Touchpoint{}, fmt.Errorf("touchpoint sequence: %w", err)
	}
	tp.IngestionSeq = seq
	return tp, nil
}

// AssignJourneyKey records which journey a stored touchpoint resolved into.
// Only the resolver calls this; the event payload itself stays immutable.
func (s *Store) AssignJourneyKey(ctx context.Context, touchpointID, journeyKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE touchpoints SET journey_key = ? WHERE id = ?`, journeyKey, touchpointID)
	if err != nil {
		return fmt.Errorf("assign journey %s to touchpoint %s: %w", journeyKey, touchpointID, err)
	}
	return nil
}

// JourneyKeysForCampaign returns the distinct journey keys holding at least
// one touchpoint of the campaign inside [start, end).
func (s *Store) JourneyKeysForCampaign(ctx context.Context, tenantID, campaignID string, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT journey_key FROM touchpoints
		WHERE campaign_id = ? AND tenant_id = ? AND journey_key != ''
		  AND ts >= ? AND ts < ?
		ORDER BY journey_key`,
		campaignID, tenantID, start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("journeys for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ConvertedJourneyKeysForCampaign returns the distinct journey keys that hold
// at least one touchpoint of the campaign and whose conversion landed inside
// [start, end). The campaign touchpoint itself may fall outside the window:
// revenue follows the conversion's period, not the click's.
func (s *Store) ConvertedJourneyKeysForCampaign(ctx context.Context, tenantID, campaignID string, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.journey_key FROM touchpoints t
		JOIN touchpoints conv ON conv.journey_key = t.journey_key
		WHERE t.campaign_id = ? AND t.tenant_id = ? AND t.journey_key != ''
		  AND conv.event_type = ? AND conv.ts >= ? AND conv.ts < ?
		ORDER BY t.journey_key`,
		campaignID, tenantID, string(models.EventConversion),
		start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("converted journeys for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CampaignIDsInRange lists the distinct campaigns relevant to the window: any
// with a touchpoint inside it, plus any credited by a journey whose conversion
// landed inside it even when their own touchpoints came earlier. The scheduler
// derives its per-cycle unit list from this.
func (s *Store) CampaignIDsInRange(ctx context.Context, tenantID string, start, end time.Time) ([]string, error) {
	startNs, endNs := start.UTC().UnixNano(), end.UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT campaign_id FROM touchpoints
		WHERE tenant_id = ? AND ts >= ? AND ts < ?
		UNION
		SELECT DISTINCT t.campaign_id FROM touchpoints t
		JOIN touchpoints conv ON conv.journey_key = t.journey_key
		WHERE t.tenant_id = ? AND t.journey_key != ''
		  AND conv.event_type = ? AND conv.ts >= ? AND conv.ts < ?
		ORDER BY campaign_id`,
		tenantID, startNs, endNs,
		tenantID, string(models.EventConversion), startNs, endNs)
	if err != nil {
		return nil, fmt.Errorf("campaigns in range: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConvertedJourneyKeysInRange lists journeys whose conversion landed inside
// [start, end). The validator samples from this set.
func (s *Store) ConvertedJourneyKeysInRange(ctx context.Context, tenantID string, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT journey_key FROM touchpoints
		WHERE tenant_id = ? AND event_type = ? AND journey_key != ''
		  AND ts >= ? AND ts < ?
		ORDER BY journey_key`,
		tenantID, string(models.EventConversion), start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("converted journeys in range: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CountPromoTouchpoints reports how many stored pre-conversion touchpoints
// carry the promo code, across all journeys. The validator uses this to
// decide whether a code is single-use.
func (s *Store) CountPromoTouchpoints(ctx context.Context, tenantID, promoCode string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM touchpoints
		WHERE tenant_id = ? AND promo_code = ? AND event_type != ?`,
		tenantID, promoCode, string(models.EventConversion)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count promo touchpoints: %w", err)
	}
	return count, nil
}

func scanTouchpoint(rows *sql.Rows) (models.Touchpoint, error) {
	var (
		tp    models.Touchpoint
		ts    int64
		event string
	)
	err := rows.Scan(&tp.IngestionSeq, &tp.ID, &tp.TenantID, &tp.JourneyKey,
		&tp.CampaignID, &tp.Channel, &ts, &event,
		&tp.Identifiers.PromoCode, &tp.Identifiers.UTMCampaign,
		&tp.Identifiers.UTMContent, &tp.Identifiers.DeviceHash,
		&tp.ConversionValueCents)
	if err != nil {
		return models.Touchpoint{}, err
	}
	tp.Timestamp = time.Unix(0, ts).UTC()
	tp.EventType = models.EventType(event)
	return tp, nil
}

// TouchpointsForJourney returns a journey's touchpoints in canonical order,
// read from the append-only log rather than the journey snapshot.
func (s *Store) TouchpointsForJourney(ctx context.Context, journeyKey string) ([]models.Touchpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ingestion_seq, id, tenant_id, journey_key, campaign_id, channel, ts, event_type,
		       promo_code, utm_campaign, utm_content, device_hash, conversion_value_cents
		FROM touchpoints WHERE journey_key = ?
		ORDER BY ts, ingestion_seq`, journeyKey)
	if err != nil {
		return nil, fmt.Errorf("touchpoints for journey %s: %w", journeyKey, err)
	}
	defer rows.Close()

	var tps []models.Touchpoint
	for rows.Next() {
		tp, err := scanTouchpoint(rows)
		if err != nil {
			return nil, err
		}
		tps = append(tps, tp)
	}
	return tps, rows.Err()
}
