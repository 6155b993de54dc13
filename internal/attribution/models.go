package attribution

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// ErrModelNotFound signals an unregistered model name. Surfaced synchronously;
// never affects other models.
var ErrModelNotFound = errors.New("attribution: model not found")

// Params carries the tunable model constants.
type Params struct {
	// HalfLife is the time-decay half life: a touchpoint one half life
	// further from the conversion earns half the weight.
	HalfLife time.Duration
	// FirstWeight and LastWeight are the position-based anchors; the
	// remainder is split evenly across middle touchpoints.
	FirstWeight float64
	LastWeight  float64
}

// DefaultParams returns the standard tuning: 7-day half life, 40/20/40 split.
func DefaultParams() Params {
	return Params{
		HalfLife:    7 * 24 * time.Hour,
		FirstWeight: 0.4,
		LastWeight:  0.4,
	}
}

// Assign computes per-touchpoint credit weights for the pre-conversion
// touchpoints of a closed journey. Pure: identical inputs produce
// bit-identical weights. The returned weights sum to 1.0 for a non-empty
// input; an empty input (direct conversion) yields an empty map.
//
// Input ordering does not need to be canonical; touchpoints are sorted by
// (timestamp, ingestion sequence) before weighting, so ties break
// deterministically across re-runs.
func Assign(kind models.ModelKind, pre []models.Touchpoint, conversionAt time.Time, p Params) (map[string]float64, error) {
	if !kind.Registered() {
		return nil, ErrModelNotFound
	}
	if len(pre) == 0 {
		return map[string]float64{}, nil
	}

	ordered := append([]models.Touchpoint(nil), pre...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Before(ordered[j])
	})

	switch kind {
	case models.ModelFirstTouch:
		return firstTouch(ordered), nil
	case models.ModelLastTouch:
		return lastTouch(ordered), nil
	case models.ModelLinear:
		return linear(ordered), nil
	case models.ModelTimeDecay:
		return timeDecay(ordered, conversionAt, p.HalfLife), nil
	case models.ModelPositionBased:
		return positionBased(ordered, p.FirstWeight, p.LastWeight), nil
	}
	return nil, ErrModelNotFound
}

func firstTouch(tps []models.Touchpoint) map[string]float64 {
	weights := zeroWeights(tps)
	weights[tps[0].ID] = 1.0
	return weights
}

func lastTouch(tps []models.Touchpoint) map[string]float64 {
	weights := zeroWeights(tps)
	weights[tps[len(tps)-1].ID] = 1.0
	return weights
}

func linear(tps []models.Touchpoint) map[string]float64 {
	weights := make(map[string]float64, len(tps))
	share := 1.0 / float64(len(tps))
	for _, tp := range tps {
		weights[tp.ID] = share
	}
	return weights
}

// timeDecay weights each touchpoint by 2^(-Δt/halfLife), Δt measured from the
// touchpoint to the conversion, then normalizes so the weights sum to 1.
// Later touchpoints never earn less than earlier ones.
func timeDecay(tps []models.Touchpoint, conversionAt time.Time, halfLife time.Duration) map[string]float64 {
	if halfLife <= 0 {
		halfLife = 7 * 24 * time.Hour
	}

	raw := make([]float64, len(tps))
	total := 0.0
	for i, tp := range tps {
		delta := conversionAt.Sub(tp.Timestamp)
		if delta < 0 {
			delta = 0
		}
		raw[i] = math.Exp2(-delta.Seconds() / halfLife.Seconds())
		total += raw[i]
	}

	weights := make(map[string]float64, len(tps))
	if total == 0 {
		// All touchpoints infinitely far in the past; degrade to linear.
		share := 1.0 / float64(len(tps))
		for _, tp := range tps {
			weights[tp.ID] = share
		}
		return weights
	}
	for i, tp := range tps {
		weights[tp.ID] = raw[i] / total
	}
	return weights
}

// positionBased anchors credit on the first and last touchpoints and splits
// the remainder evenly across the middle. A single touchpoint takes
// everything; two touchpoints split evenly.
func positionBased(tps []models.Touchpoint, first, last float64) map[string]float64 {
	if first <= 0 || last <= 0 || first+last >= 1 {
		first, last = 0.4, 0.4
	}

	n := len(tps)
	weights := make(map[string]float64, n)
	switch n {
	case 1:
		weights[tps[0].ID] = 1.0
	case 2:
		total := first + last
		weights[tps[0].ID] = first / total
		weights[tps[1].ID] = last / total
	default:
		middle := (1.0 - first - last) / float64(n-2)
		weights[tps[0].ID] = first
		weights[tps[n-1].ID] = last
		for _, tp := range tps[1 : n-1] {
			weights[tp.ID] = middle
		}
	}
	return weights
}

func zeroWeights(tps []models.Touchpoint) map[string]float64 {
	weights := make(map[string]float64, len(tps))
	for _, tp := range tps {
		weights[tp.ID] = 0
	}
	return weights
}
