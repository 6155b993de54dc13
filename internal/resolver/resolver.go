package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sponsorstack/attribution-engine/internal/metrics"
	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/store"
	"github.com/sponsorstack/attribution-engine/internal/utils"
)

// ErrInvalidTouchpoint signals a malformed record: rejected synchronously,
// never stored, never assigned a journey. Caller defect, not retried here.
var ErrInvalidTouchpoint = errors.New("resolver: invalid touchpoint")

// Resolver groups incoming touchpoints into journeys using identity signals
// in priority order: promo code, then UTM campaign+content, then device hash
// within the lookback window.
type Resolver struct {
	store    *store.Store
	logger   *slog.Logger
	lookback time.Duration
	locks    *keyedMutex
	now      func() time.Time
}

// New constructs a Resolver. lookback bounds device-hash matching.
func New(st *store.Store, logger *slog.Logger, lookback time.Duration) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Resolver{
		store:    st,
		logger:   logger,
		lookback: lookback,
		locks:    newKeyedMutex(64),
		now:      time.Now,
	}
}

// Resolve validates and stores one touchpoint, then assigns it to a journey
// (existing or new) at its correct time-ordered position. Mutation of a given
// identifier cluster is serialized so concurrent arrivals cannot spawn
// duplicate journeys.
func (r *Resolver) Resolve(ctx context.Context, tp models.Touchpoint) (string, error) {
	if err := validate(tp); err != nil {
		return "", err
	}
	if tp.ID == "" {
		tp.ID = uuid.NewString()
	}
	tp.Timestamp = tp.Timestamp.UTC()

	// Serialize on every identifier the touchpoint carries plus the journeys
	// those identifiers currently resolve to. The candidate lookup runs again
	// once the stripes are held; if the set shifted while we waited, the
	// stripes are released and the acquisition starts over. All stripes of an
	// attempt are taken in one sorted acquisition, so two arrivals carrying
	// disjoint identifiers of the same journey serialize on its journey-key
	// stripe instead of interleaving their snapshot writes.
	var candidates []string
	unlock := func() {}
	for {
		peeked, err := r.candidateKeys(ctx, tp)
		if err != nil {
			return "", err
		}
		unlock = r.locks.lockAll(append(identifierKeys(tp), peeked...))
		candidates, err = r.candidateKeys(ctx, tp)
		if err != nil {
			unlock()
			return "", err
		}
		if sameKeySet(peeked, candidates) {
			break
		}
		unlock()
	}
	defer unlock()

	stored, err := r.store.InsertTouchpoint(ctx, tp)
	if err != nil {
		return "", utils.CampaignError("resolver.resolve", "store touchpoint", tp.CampaignID, err)
	}

	journey, err := r.matchJourney(ctx, stored, candidates)
	if err != nil {
		return "", err
	}
	if journey == nil {
		journey = &models.Journey{
			Key:      "j-" + uuid.NewString(),
			TenantID: stored.TenantID,
			Version:  0,
		}
		if stored.IsConversion() {
			// Conversion with no visible funnel: valid single-touchpoint
			// journey, flagged downstream as unattributed.
			r.logger.Info("conversion without prior funnel",
				slog.String("journey_key", journey.Key),
				slog.String("campaign_id", stored.CampaignID))
		}
	}

	stored.JourneyKey = journey.Key
	journey.Insert(stored)
	journey.Version++

	if err := r.store.PutJourney(ctx, journey); err != nil {
		return "", utils.JourneyError("resolver.resolve", "persist journey", journey.Key, err)
	}
	if err := r.store.AssignJourneyKey(ctx, stored.ID, journey.Key); err != nil {
		return "", utils.JourneyError("resolver.resolve", "assign journey key", journey.Key, err)
	}
	if err := r.indexIdentifiers(ctx, stored, journey.Key); err != nil {
		return "", err
	}

	metrics.ObserveTouchpoint(string(stored.EventType))
	return journey.Key, nil
}

func validate(tp models.Touchpoint) error {
	switch {
	case tp.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTouchpoint)
	case tp.CampaignID == "":
		return fmt.Errorf("%w: missing campaign_id", ErrInvalidTouchpoint)
	case !tp.EventType.Valid():
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidTouchpoint, tp.EventType)
	case tp.IsConversion() && tp.ConversionValueCents < 0:
		return fmt.Errorf("%w: negative conversion value", ErrInvalidTouchpoint)
	case !tp.IsConversion() && tp.ConversionValueCents != 0:
		return fmt.Errorf("%w: conversion value on non-conversion event", ErrInvalidTouchpoint)
	}
	return nil
}

// matchJourney finds the journey the touchpoint belongs to among the
// candidate keys, merging when its identifiers straddle two open journeys.
// Returns nil when nothing matches.
func (r *Resolver) matchJourney(ctx context.Context, tp models.Touchpoint, keys []string) (*models.Journey, error) {
	var open, reopen []*models.Journey
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		j, err := r.store.GetJourney(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, utils.JourneyError("resolver.match", "load journey", key, err)
		}
		if j.Closed() {
			// A closed journey accepts only late arrivals that predate its
			// conversion; Normalize keeps the conversion terminal on
			// re-insert. Anything at or after the conversion starts a fresh
			// journey and the identifier is re-pointed there.
			conv, ok := j.Conversion()
			if !ok || tp.IsConversion() || !tp.Timestamp.Before(conv.Timestamp) {
				continue
			}
			reopen = append(reopen, j)
			continue
		}
		open = append(open, j)
	}

	switch len(open) {
	case 0:
		if len(reopen) > 0 {
			// Candidates arrive in identifier-priority order, so the first
			// closed match is the highest-priority one.
			return reopen[0], nil
		}
		return nil, nil
	case 1:
		return open[0], nil
	default:
		return r.merge(ctx, open)
	}
}

func (r *Resolver) candidateKeys(ctx context.Context, tp models.Touchpoint) ([]string, error) {
	var keys []string
	lookup := func(kind store.IdentifierKind, value string, cutoff time.Time) error {
		if value == "" {
			return nil
		}
		key, err := r.store.LookupIdentifier(ctx, kind, value, tp.TenantID, cutoff)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return utils.CampaignError("resolver.lookup", "identifier lookup", tp.CampaignID, err)
		}
		keys = append(keys, key)
		return nil
	}

	if err := lookup(store.IdentifierPromo, tp.Identifiers.PromoCode, time.Time{}); err != nil {
		return nil, err
	}
	if err := lookup(store.IdentifierUTM, utmValue(tp.Identifiers), time.Time{}); err != nil {
		return nil, err
	}
	// Lookback anchors on the touchpoint's own timestamp, not the wall
	// clock, so replayed history resolves the same way it would have live.
	cutoff := tp.Timestamp.Add(-r.lookback)
	if err := lookup(store.IdentifierDevice, tp.Identifiers.DeviceHash, cutoff); err != nil {
		return nil, err
	}
	return keys, nil
}

// merge folds colliding open journeys into the one created earliest. The
// earlier journey key stays canonical regardless of arrival order, so feeding
// colliding touchpoints in either order converges on the same key.
func (r *Resolver) merge(ctx context.Context, journeys []*models.Journey) (*models.Journey, error) {
	winner := journeys[0]
	for _, j := range journeys[1:] {
		if len(j.Touchpoints) > 0 && len(winner.Touchpoints) > 0 &&
			j.Touchpoints[0].Before(winner.Touchpoints[0]) {
			winner = j
		}
	}

	var (
		loserKeys []string
		events    []models.MergeEvent
	)
	for _, loser := range journeys {
		if loser.Key == winner.Key {
			continue
		}
		winner.Touchpoints = append(winner.Touchpoints, loser.Touchpoints...)
		loserKeys = append(loserKeys, loser.Key)
		events = append(events, models.MergeEvent{
			ID:              uuid.NewString(),
			WinnerKey:       winner.Key,
			LoserKey:        loser.Key,
			TouchpointCount: len(loser.Touchpoints),
			OccurredAt:      r.now().UTC(),
		})
	}
	for i := range winner.Touchpoints {
		winner.Touchpoints[i].JourneyKey = winner.Key
	}
	winner.Normalize()
	// The winner absorbed touchpoints, so its cached results are stale even
	// though only the losers' rows are deleted.
	winner.Version++

	// One transaction: a failure mid-merge must not strand touchpoints
	// between a deleted loser and an unwritten winner.
	if err := r.store.MergeJourneys(ctx, winner, loserKeys, events); err != nil {
		return nil, utils.JourneyError("resolver.merge", "fold journeys", winner.Key, err)
	}

	// Informational only: collisions are expected, never an error.
	for _, ev := range events {
		r.logger.Info("identifier collision merged",
			slog.String("winner_key", ev.WinnerKey),
			slog.String("loser_key", ev.LoserKey),
			slog.Int("touchpoints", ev.TouchpointCount))
		metrics.ObserveMerge()
	}
	return winner, nil
}

func (r *Resolver) indexIdentifiers(ctx context.Context, tp models.Touchpoint, journeyKey string) error {
	index := func(kind store.IdentifierKind, value string) error {
		if value == "" {
			return nil
		}
		if err := r.store.UpsertIdentifier(ctx, kind, value, tp.TenantID, journeyKey, tp.Timestamp); err != nil {
			return utils.JourneyError("resolver.index", "index identifier", journeyKey, err)
		}
		return nil
	}
	if err := index(store.IdentifierPromo, tp.Identifiers.PromoCode); err != nil {
		return err
	}
	if err := index(store.IdentifierUTM, utmValue(tp.Identifiers)); err != nil {
		return err
	}
	return index(store.IdentifierDevice, tp.Identifiers.DeviceHash)
}

func utmValue(ids models.Identifiers) string {
	if ids.UTMCampaign == "" || ids.UTMContent == "" {
		return ""
	}
	return ids.UTMCampaign + "|" + ids.UTMContent
}

// identifierKeys lists the serialization keys for every identity signal the
// touchpoint carries; touchpoints with no identifiers serialize on their
// campaign to stay cheap.
func identifierKeys(tp models.Touchpoint) []string {
	keys := make([]string, 0, 3)
	if tp.Identifiers.PromoCode != "" {
		keys = append(keys, "promo:"+tp.Identifiers.PromoCode)
	}
	if v := utmValue(tp.Identifiers); v != "" {
		keys = append(keys, "utm:"+v)
	}
	if tp.Identifiers.DeviceHash != "" {
		keys = append(keys, "device:"+tp.Identifiers.DeviceHash)
	}
	if len(keys) == 0 {
		keys = append(keys, "campaign:"+tp.CampaignID)
	}
	return keys
}

func sameKeySet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, k := range a {
		as[k] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, k := range b {
		bs[k] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for k := range as {
		if _, ok := bs[k]; !ok {
			return false
		}
	}
	return true
}
