package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "attribution.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil, 30*24*time.Hour), st
}

func click(campaign string, ts time.Time, ids models.Identifiers) models.Touchpoint {
	return models.Touchpoint{
		CampaignID:  campaign,
		Channel:     "social",
		Timestamp:   ts,
		EventType:   models.EventClick,
		Identifiers: ids,
	}
}

func conversion(campaign string, ts time.Time, ids models.Identifiers, cents int64) models.Touchpoint {
	return models.Touchpoint{
		CampaignID:           campaign,
		Channel:              "web",
		Timestamp:            ts,
		EventType:            models.EventConversion,
		Identifiers:          ids,
		ConversionValueCents: cents,
	}
}

func TestResolveRejectsInvalidTouchpoints(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cases := []struct {
		name string
		tp   models.Touchpoint
	}{
		{"missing timestamp", models.Touchpoint{CampaignID: "c", EventType: models.EventClick}},
		{"missing campaign", models.Touchpoint{Timestamp: now, EventType: models.EventClick}},
		{"unknown event type", models.Touchpoint{CampaignID: "c", Timestamp: now, EventType: "pageview"}},
		{"negative conversion value", models.Touchpoint{CampaignID: "c", Timestamp: now, EventType: models.EventConversion, ConversionValueCents: -1}},
		{"value on non-conversion", models.Touchpoint{CampaignID: "c", Timestamp: now, EventType: models.EventClick, ConversionValueCents: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, tc.tp)
			require.ErrorIs(t, err, ErrInvalidTouchpoint)
		})
	}
}

func TestResolveGroupsByPromoCode(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ids := models.Identifiers{PromoCode: "SAVE20"}

	key1, err := r.Resolve(ctx, click("camp-1", base, ids))
	require.NoError(t, err)
	key2, err := r.Resolve(ctx, click("camp-1", base.Add(time.Hour), ids))
	require.NoError(t, err)
	require.Equal(t, key1, key2)

	j, err := st.GetJourney(ctx, key1)
	require.NoError(t, err)
	require.Len(t, j.Touchpoints, 2)
	require.Equal(t, int64(2), j.Version)
	require.False(t, j.Closed())
}

func TestConversionClosesJourney(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ids := models.Identifiers{PromoCode: "SAVE20"}

	key, err := r.Resolve(ctx, click("camp-1", base, ids))
	require.NoError(t, err)
	convKey, err := r.Resolve(ctx, conversion("camp-1", base.Add(time.Hour), ids, 10000))
	require.NoError(t, err)
	require.Equal(t, key, convKey)

	j, err := st.GetJourney(ctx, key)
	require.NoError(t, err)
	require.True(t, j.Closed())

	// A click after the conversion belongs to a new funnel; the same promo
	// starts fresh.
	nextKey, err := r.Resolve(ctx, click("camp-1", base.Add(2*time.Hour), ids))
	require.NoError(t, err)
	require.NotEqual(t, key, nextKey)
}

func TestLatePreConversionClickRejoinsClosedJourney(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ids := models.Identifiers{PromoCode: "SAVE20"}

	key, err := r.Resolve(ctx, click("camp-1", base, ids))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, conversion("camp-1", base.Add(2*time.Hour), ids, 10000))
	require.NoError(t, err)

	// A click that happened before the conversion but arrived after it slots
	// into the closed journey rather than stranding a new one.
	lateKey, err := r.Resolve(ctx, click("camp-1", base.Add(time.Hour), ids))
	require.NoError(t, err)
	require.Equal(t, key, lateKey)

	j, err := st.GetJourney(ctx, key)
	require.NoError(t, err)
	require.Len(t, j.Touchpoints, 3)
	require.True(t, j.Closed())
	require.True(t, j.Touchpoints[2].IsConversion(), "conversion must stay terminal")
	require.Equal(t, int64(3), j.Version)
}

func TestLateArrivalSlotsInOrder(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ids := models.Identifiers{DeviceHash: "dev-1"}

	later := click("camp-1", base.Add(3*time.Hour), ids)
	earlier := click("camp-1", base, ids)

	key, err := r.Resolve(ctx, later)
	require.NoError(t, err)
	key2, err := r.Resolve(ctx, earlier)
	require.NoError(t, err)
	require.Equal(t, key, key2)

	j, err := st.GetJourney(ctx, key)
	require.NoError(t, err)
	require.Len(t, j.Touchpoints, 2)
	require.True(t, j.Touchpoints[0].Timestamp.Before(j.Touchpoints[1].Timestamp))
}

func TestDirectConversionOpensSingleTouchpointJourney(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()

	key, err := r.Resolve(ctx, conversion("camp-1", time.Now().UTC(), models.Identifiers{}, 4500))
	require.NoError(t, err)

	j, err := st.GetJourney(ctx, key)
	require.NoError(t, err)
	require.True(t, j.DirectConversion())
}

func TestCollisionMergesToEarlierJourney(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	promoKey, err := r.Resolve(ctx, click("camp-1", base, models.Identifiers{PromoCode: "SAVE20"}))
	require.NoError(t, err)
	deviceKey, err := r.Resolve(ctx, click("camp-2", base.Add(time.Hour), models.Identifiers{DeviceHash: "dev-1"}))
	require.NoError(t, err)
	require.NotEqual(t, promoKey, deviceKey)

	// A touchpoint carrying both signals proves the two journeys are one
	// person; the earlier journey key stays canonical.
	mergedKey, err := r.Resolve(ctx, click("camp-1", base.Add(2*time.Hour),
		models.Identifiers{PromoCode: "SAVE20", DeviceHash: "dev-1"}))
	require.NoError(t, err)
	require.Equal(t, promoKey, mergedKey)

	j, err := st.GetJourney(ctx, mergedKey)
	require.NoError(t, err)
	require.Len(t, j.Touchpoints, 3)

	_, err = st.GetJourney(ctx, deviceKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The collision is recorded for operators, not surfaced as an error.
	events, err := st.ListMergeEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, promoKey, events[0].WinnerKey)
	require.Equal(t, deviceKey, events[0].LoserKey)

	// Both signals now point at the canonical journey.
	key, err := st.LookupIdentifier(ctx, store.IdentifierDevice, "dev-1", "", time.Time{})
	require.NoError(t, err)
	require.Equal(t, promoKey, key)
}

func TestMergeConvergesRegardlessOfArrivalOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	run := func(t *testing.T, swap bool) string {
		r, st := newTestResolver(t)
		a := click("camp-1", base, models.Identifiers{PromoCode: "SAVE20"})
		b := click("camp-2", base.Add(time.Hour), models.Identifiers{DeviceHash: "dev-1"})
		if swap {
			a, b = b, a
		}
		_, err := r.Resolve(ctx, a)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, b)
		require.NoError(t, err)

		merged, err := r.Resolve(ctx, click("camp-1", base.Add(2*time.Hour),
			models.Identifiers{PromoCode: "SAVE20", DeviceHash: "dev-1"}))
		require.NoError(t, err)

		j, err := st.GetJourney(ctx, merged)
		require.NoError(t, err)
		require.Len(t, j.Touchpoints, 3)
		// Whichever insertion order, the canonical journey starts at the
		// earliest touchpoint.
		require.Equal(t, base, j.Touchpoints[0].Timestamp)
		return merged
	}

	run(t, false)
	run(t, true)
}

func TestDeviceHashOutsideLookbackDoesNotMatch(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	ids := models.Identifiers{DeviceHash: "dev-old"}

	key1, err := r.Resolve(ctx, click("camp-1", base, ids))
	require.NoError(t, err)

	// The lookback cutoff derives from the touchpoint's own timestamp: a
	// click 31 days later no longer matches, regardless of when it arrives.
	key2, err := r.Resolve(ctx, click("camp-1", base.Add(31*24*time.Hour), ids))
	require.NoError(t, err)
	require.NotEqual(t, key1, key2)

	// Inside the window the same device still matches.
	key3, err := r.Resolve(ctx, click("camp-1", base.Add(32*24*time.Hour), ids))
	require.NoError(t, err)
	require.Equal(t, key2, key3)
}

func TestConcurrentDisjointIdentifiersKeepEveryTouchpoint(t *testing.T) {
	r, st := newTestResolver(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	// One journey indexed under both a promo code and a device hash; two
	// arrivals then carry one signal each. However the pair races, both
	// inserts must survive into the persisted snapshot.
	for i := 0; i < 20; i++ {
		promo := fmt.Sprintf("RACE%d", i)
		device := fmt.Sprintf("dev-race-%d", i)
		at := base.Add(time.Duration(i) * time.Minute)

		key, err := r.Resolve(ctx, click("camp-1", at, models.Identifiers{PromoCode: promo, DeviceHash: device}))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = r.Resolve(ctx, click("camp-1", at.Add(time.Second), models.Identifiers{PromoCode: promo}))
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = r.Resolve(ctx, click("camp-2", at.Add(2*time.Second), models.Identifiers{DeviceHash: device}))
		}()
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		j, err := st.GetJourney(ctx, key)
		require.NoError(t, err)
		require.Len(t, j.Touchpoints, 3)
		require.Equal(t, int64(3), j.Version)
	}
}
