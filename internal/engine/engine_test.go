package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/attribution"
	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/store"
)

type fakeStore struct {
	journeys map[string]*models.Journey
	results  map[string]models.AttributionResult
	puts     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		journeys: make(map[string]*models.Journey),
		results:  make(map[string]models.AttributionResult),
	}
}

func (f *fakeStore) JourneyKeysForCampaign(_ context.Context, _, campaignID string, _, _ time.Time) ([]string, error) {
	var keys []string
	for key, j := range f.journeys {
		for _, tp := range j.Touchpoints {
			if tp.CampaignID == campaignID {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys, nil
}

func (f *fakeStore) GetJourneys(_ context.Context, keys []string) ([]*models.Journey, error) {
	out := make([]*models.Journey, 0, len(keys))
	for _, key := range keys {
		if j, ok := f.journeys[key]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) GetResult(_ context.Context, journeyKey string, model models.ModelKind) (models.AttributionResult, error) {
	r, ok := f.results[journeyKey+"/"+string(model)]
	if !ok {
		return models.AttributionResult{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) PutResult(_ context.Context, r models.AttributionResult) error {
	f.puts++
	f.results[r.JourneyKey+"/"+string(r.Model)] = r
	return nil
}

func journeyFixture(key string, campaign string, n int, converted bool) *models.Journey {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	j := &models.Journey{Key: key, Version: 1}
	for i := 0; i < n; i++ {
		j.Touchpoints = append(j.Touchpoints, models.Touchpoint{
			ID:           key + "-tp" + string(rune('a'+i)),
			JourneyKey:   key,
			CampaignID:   campaign,
			Channel:      "social",
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			EventType:    models.EventClick,
			IngestionSeq: int64(i + 1),
		})
	}
	if converted {
		j.Touchpoints = append(j.Touchpoints, models.Touchpoint{
			ID:                   key + "-conv",
			JourneyKey:           key,
			CampaignID:           campaign,
			Channel:              "web",
			Timestamp:            base.Add(time.Duration(n) * time.Hour),
			EventType:            models.EventConversion,
			ConversionValueCents: 10000,
			IngestionSeq:         int64(n + 1),
		})
	}
	return j
}

func newTestEngine(f *fakeStore) *Engine {
	return New(f, nil, nil, attribution.DefaultParams(), WithWorkers(2))
}

func TestComputeUnknownModel(t *testing.T) {
	e := newTestEngine(newFakeStore())
	_, err := e.Compute(context.Background(), models.ComputeRequest{
		CampaignID: "camp-1",
		Start:      time.Now().Add(-time.Hour),
		End:        time.Now(),
		Model:      models.ModelKind("shapley"),
	})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestComputeStableOrderAndConservation(t *testing.T) {
	f := newFakeStore()
	f.journeys["j-b"] = journeyFixture("j-b", "camp-1", 3, true)
	f.journeys["j-a"] = journeyFixture("j-a", "camp-1", 2, true)
	e := newTestEngine(f)

	results, err := e.Compute(context.Background(), models.ComputeRequest{
		CampaignID: "camp-1",
		Start:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Model:      models.ModelLinear,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].JourneyKey != "j-a" || results[1].JourneyKey != "j-b" {
		t.Fatalf("results not in stable journey order: %s, %s", results[0].JourneyKey, results[1].JourneyKey)
	}
	for _, r := range results {
		total := 0.0
		for _, w := range r.Credits {
			total += w
		}
		if total < 0.999999 || total > 1.000001 {
			t.Fatalf("journey %s credits sum to %v, want 1.0", r.JourneyKey, total)
		}
	}
}

func TestOpenJourneyYieldsZeroCredit(t *testing.T) {
	f := newFakeStore()
	f.journeys["j-open"] = journeyFixture("j-open", "camp-1", 3, false)
	e := newTestEngine(f)

	results, err := e.ResultsFor(context.Background(), []*models.Journey{f.journeys["j-open"]}, models.ModelLastTouch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if len(results[0].Credits) != 0 {
		t.Fatalf("open journey should earn no credit, got %v", results[0].Credits)
	}
	if results[0].Unattributed {
		t.Fatal("open journey is pending, not unattributed")
	}
}

func TestDirectConversionIsUnattributed(t *testing.T) {
	f := newFakeStore()
	f.journeys["j-direct"] = journeyFixture("j-direct", "camp-1", 0, true)
	e := newTestEngine(f)

	results, err := e.ResultsFor(context.Background(), []*models.Journey{f.journeys["j-direct"]}, models.ModelFirstTouch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Unattributed {
		t.Fatal("direct conversion should be flagged unattributed")
	}
	if len(results[0].Credits) != 0 {
		t.Fatalf("direct conversion should earn no credit, got %v", results[0].Credits)
	}
}

func TestCachedResultReusedUntilVersionAdvances(t *testing.T) {
	f := newFakeStore()
	j := journeyFixture("j-1", "camp-1", 3, true)
	f.journeys["j-1"] = j
	e := newTestEngine(f)
	ctx := context.Background()

	if _, err := e.ResultsFor(ctx, []*models.Journey{j}, models.ModelTimeDecay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.puts != 1 {
		t.Fatalf("expected one result write, got %d", f.puts)
	}

	// Unchanged journey: the durable result is reused, not recomputed.
	if _, err := e.ResultsFor(ctx, []*models.Journey{j}, models.ModelTimeDecay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.puts != 1 {
		t.Fatalf("expected cached reuse, got %d writes", f.puts)
	}

	// Version advance invalidates the cached result.
	j.Version = 2
	if _, err := e.ResultsFor(ctx, []*models.Journey{j}, models.ModelTimeDecay); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.puts != 2 {
		t.Fatalf("expected recompute after version bump, got %d writes", f.puts)
	}
	if got := f.results["j-1/time_decay"].Version; got != 2 {
		t.Fatalf("stored result version %d, want 2", got)
	}
}

func TestComputeDeterministic(t *testing.T) {
	f := newFakeStore()
	j := journeyFixture("j-1", "camp-1", 4, true)
	f.journeys["j-1"] = j
	e := newTestEngine(f)
	ctx := context.Background()

	first, err := e.ResultsFor(ctx, []*models.Journey{j}, models.ModelPositionBased)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Forget the cache so the second run actually recomputes.
	f.results = make(map[string]models.AttributionResult)
	second, err := e.ResultsFor(ctx, []*models.Journey{j}, models.ModelPositionBased)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for id, w := range first[0].Credits {
		if second[0].Credits[id] != w {
			t.Fatalf("credit for %s differs across recomputes: %v vs %v", id, w, second[0].Credits[id])
		}
	}
}

func TestMultipleModelsCoexist(t *testing.T) {
	f := newFakeStore()
	j := journeyFixture("j-1", "camp-1", 3, true)
	f.journeys["j-1"] = j
	e := newTestEngine(f)
	ctx := context.Background()

	for _, kind := range models.AllModels() {
		if _, err := e.ResultsFor(ctx, []*models.Journey{j}, kind); err != nil {
			t.Fatalf("%s: unexpected error: %v", kind, err)
		}
	}
	if len(f.results) != len(models.AllModels()) {
		t.Fatalf("expected one stored result per model, got %d", len(f.results))
	}
}
