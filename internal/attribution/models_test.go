package attribution

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

var testConversionAt = time.Date(2026, 3, 22, 12, 0, 0, 0, time.UTC)

func testTouchpoints(n int, spacing time.Duration) []models.Touchpoint {
	tps := make([]models.Touchpoint, n)
	for i := 0; i < n; i++ {
		tps[i] = models.Touchpoint{
			ID:           string(rune('a'+i)) + "-tp",
			CampaignID:   "camp-1",
			Channel:      "social",
			Timestamp:    testConversionAt.Add(-time.Duration(n-i) * spacing),
			EventType:    models.EventClick,
			IngestionSeq: int64(i + 1),
		}
	}
	return tps
}

func sumWeights(weights map[string]float64) float64 {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	return total
}

func TestAssignUnknownModel(t *testing.T) {
	_, err := Assign(models.ModelKind("markov_chain"), testTouchpoints(3, time.Hour), testConversionAt, DefaultParams())
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestAssignEmptyInput(t *testing.T) {
	weights, err := Assign(models.ModelLinear, nil, testConversionAt, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(weights) != 0 {
		t.Fatalf("expected empty weights for direct conversion, got %v", weights)
	}
}

func TestFirstTouchAllCreditToFirst(t *testing.T) {
	tps := testTouchpoints(3, time.Hour)
	weights, err := Assign(models.ModelFirstTouch, tps, testConversionAt, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights[tps[0].ID] != 1.0 {
		t.Fatalf("expected first touchpoint weight 1.0, got %v", weights[tps[0].ID])
	}
	// The other touchpoints are present with explicit zero weight.
	if len(weights) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(weights))
	}
	if weights[tps[1].ID] != 0 || weights[tps[2].ID] != 0 {
		t.Fatalf("expected zero weight on non-first touchpoints, got %v", weights)
	}
}

func TestLastTouchAllCreditToLast(t *testing.T) {
	tps := testTouchpoints(3, time.Hour)
	weights, err := Assign(models.ModelLastTouch, tps, testConversionAt, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights[tps[2].ID] != 1.0 {
		t.Fatalf("expected last touchpoint weight 1.0, got %v", weights[tps[2].ID])
	}
}

func TestLinearEqualShares(t *testing.T) {
	tps := testTouchpoints(4, time.Hour)
	weights, err := Assign(models.ModelLinear, tps, testConversionAt, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tp := range tps {
		if weights[tp.ID] != 0.25 {
			t.Fatalf("expected 0.25 for %s, got %v", tp.ID, weights[tp.ID])
		}
	}
}

func TestTimeDecayMonotonic(t *testing.T) {
	tps := testTouchpoints(5, 36*time.Hour)
	weights, err := Assign(models.ModelTimeDecay, tps, testConversionAt, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(tps); i++ {
		earlier := weights[tps[i-1].ID]
		later := weights[tps[i].ID]
		if later < earlier {
			t.Fatalf("touchpoint %d closer to conversion earned less (%v < %v)", i, later, earlier)
		}
	}
}

func TestTimeDecayHalfLifeRatio(t *testing.T) {
	p := DefaultParams()
	// Two touchpoints exactly one half life apart: the later one earns twice
	// the weight of the earlier.
	tps := []models.Touchpoint{
		{ID: "old", Timestamp: testConversionAt.Add(-2 * p.HalfLife), IngestionSeq: 1},
		{ID: "new", Timestamp: testConversionAt.Add(-p.HalfLife), IngestionSeq: 2},
	}
	weights, err := Assign(models.ModelTimeDecay, tps, testConversionAt, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ratio := weights["new"] / weights["old"]
	if math.Abs(ratio-2.0) > 1e-9 {
		t.Fatalf("expected weight ratio 2.0 across one half life, got %v", ratio)
	}
}

func TestPositionBasedSplits(t *testing.T) {
	p := DefaultParams()

	one := testTouchpoints(1, time.Hour)
	weights, err := Assign(models.ModelPositionBased, one, testConversionAt, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights[one[0].ID] != 1.0 {
		t.Fatalf("single touchpoint should take full credit, got %v", weights)
	}

	two := testTouchpoints(2, time.Hour)
	weights, err = Assign(models.ModelPositionBased, two, testConversionAt, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights[two[0].ID] != 0.5 || weights[two[1].ID] != 0.5 {
		t.Fatalf("two touchpoints should split evenly, got %v", weights)
	}

	five := testTouchpoints(5, time.Hour)
	weights, err = Assign(models.ModelPositionBased, five, testConversionAt, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights[five[0].ID] != 0.4 || weights[five[4].ID] != 0.4 {
		t.Fatalf("anchors should hold 0.4 each, got %v", weights)
	}
	for _, tp := range five[1:4] {
		if math.Abs(weights[tp.ID]-0.2/3) > 1e-12 {
			t.Fatalf("middle touchpoint %s should hold %v, got %v", tp.ID, 0.2/3, weights[tp.ID])
		}
	}
}

func TestCreditConservation(t *testing.T) {
	tps := testTouchpoints(7, 9*time.Hour)
	for _, kind := range models.AllModels() {
		weights, err := Assign(kind, tps, testConversionAt, DefaultParams())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", kind, err)
		}
		if total := sumWeights(weights); math.Abs(total-1.0) > 1e-9 {
			t.Fatalf("%s: weights sum to %v, want 1.0", kind, total)
		}
	}
}

func TestAssignDeterministicAcrossInputOrder(t *testing.T) {
	tps := testTouchpoints(4, time.Hour)
	reversed := []models.Touchpoint{tps[3], tps[1], tps[0], tps[2]}

	for _, kind := range models.AllModels() {
		a, err := Assign(kind, tps, testConversionAt, DefaultParams())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", kind, err)
		}
		b, err := Assign(kind, reversed, testConversionAt, DefaultParams())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", kind, err)
		}
		if len(a) != len(b) {
			t.Fatalf("%s: weight cardinality differs across input order", kind)
		}
		for id, w := range a {
			if b[id] != w {
				t.Fatalf("%s: weight for %s differs across input order (%v vs %v)", kind, id, w, b[id])
			}
		}
	}
}

func TestTiedTimestampsBreakByIngestionSeq(t *testing.T) {
	ts := testConversionAt.Add(-time.Hour)
	tps := []models.Touchpoint{
		{ID: "second", Timestamp: ts, IngestionSeq: 9},
		{ID: "first", Timestamp: ts, IngestionSeq: 4},
	}
	weights, err := Assign(models.ModelFirstTouch, tps, testConversionAt, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if weights["first"] != 1.0 {
		t.Fatalf("expected lowest ingestion sequence to win first-touch, got %v", weights)
	}
}
