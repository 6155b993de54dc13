package validator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// ReasonInsufficientSample is the reason code reported when the unambiguous
// ground-truth subset is too small to support an accuracy number.
const ReasonInsufficientSample = "insufficient_sample"

// CreditSource runs a model over a journey sample.
type CreditSource interface {
	ResultsFor(ctx context.Context, journeys []*models.Journey, model models.ModelKind) ([]models.AttributionResult, error)
}

// PromoCounter reports how many stored pre-conversion touchpoints carry a
// promo code, across all journeys. Used to establish that a code is
// single-use.
type PromoCounter interface {
	CountPromoTouchpoints(ctx context.Context, tenantID, promoCode string) (int, error)
}

// Validator audits model accuracy and bias against a ground-truth proxy.
//
// Ground-truth proxy: a journey is unambiguous iff its conversion carries a
// promo code that appears on exactly one pre-conversion touchpoint anywhere
// in the store, and that touchpoint belongs to this journey. A single-use,
// single-channel code ties the conversion to exactly one touchpoint; nothing
// weaker counts as truth.
type Validator struct {
	credits CreditSource
	promos  PromoCounter
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.RWMutex
	minSample     int
	biasThreshold float64
}

// New constructs a Validator. minSample gates accuracy scoring (default 30);
// biasThreshold is the mean-credit difference treated as bias (default 0.10).
func New(credits CreditSource, promos PromoCounter, logger *slog.Logger, minSample int, biasThreshold float64) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if minSample <= 0 {
		minSample = 30
	}
	if biasThreshold <= 0 {
		biasThreshold = 0.10
	}
	return &Validator{
		credits:       credits,
		promos:        promos,
		logger:        logger,
		minSample:     minSample,
		biasThreshold: biasThreshold,
		now:           time.Now,
	}
}

// SetThresholds updates the gating parameters; wired to config hot reload.
func (v *Validator) SetThresholds(minSample int, biasThreshold float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if minSample > 0 {
		v.minSample = minSample
	}
	if biasThreshold > 0 {
		v.biasThreshold = biasThreshold
	}
}

func (v *Validator) thresholds() (int, float64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.minSample, v.biasThreshold
}

// Validate scores one model over the supplied journey sample. The report is
// advisory: accuracy is computed only over the unambiguous subset and is nil
// with a reason code when that subset is below the minimum.
func (v *Validator) Validate(ctx context.Context, tenantID string, model models.ModelKind, journeys []*models.Journey) (models.ValidationReport, error) {
	results, err := v.credits.ResultsFor(ctx, journeys, model)
	if err != nil {
		return models.ValidationReport{}, err
	}
	byKey := make(map[string]models.AttributionResult, len(results))
	for _, r := range results {
		byKey[r.JourneyKey] = r
	}

	report := models.ValidationReport{
		Model:         model,
		RunID:         uuid.NewString(),
		BiasDirection: v.biasDirection(journeys, byKey),
		CreatedAt:     v.now().UTC(),
	}

	var (
		errSum    float64
		successes int
	)
	for _, j := range journeys {
		truthID, ok := v.groundTruthTouchpoint(ctx, tenantID, j)
		if !ok {
			continue
		}
		result, ok := byKey[j.Key]
		if !ok || result.Unattributed {
			continue
		}
		report.SampleSize++

		// The promo ties the conversion to exactly one touchpoint, so the
		// ground-truth indicator for that touchpoint is 1.
		errSum += math.Abs(result.CreditFor(truthID) - 1.0)
		if topCredit(result) == truthID {
			successes++
		}
	}

	minSample, _ := v.thresholds()
	if report.SampleSize < minSample {
		report.ReasonCode = ReasonInsufficientSample
		v.logger.Info("validation sample below minimum",
			slog.String("model", string(model)),
			slog.Int("sample_size", report.SampleSize),
			slog.Int("minimum", minSample))
		return report, nil
	}

	accuracy := 1.0 - errSum/float64(report.SampleSize)
	report.AccuracyScore = &accuracy

	lower, upper := wilsonInterval(successes, report.SampleSize, 1.96)
	report.Confidence = &models.ConfidenceInterval{Lower: lower, Upper: upper}
	return report, nil
}

// groundTruthTouchpoint returns the single touchpoint id the conversion's
// promo code pins down, or false when the journey is ambiguous.
func (v *Validator) groundTruthTouchpoint(ctx context.Context, tenantID string, j *models.Journey) (string, bool) {
	conv, ok := j.Conversion()
	if !ok || j.DirectConversion() {
		return "", false
	}
	code := conv.Identifiers.PromoCode
	if code == "" {
		return "", false
	}

	matchID := ""
	for _, tp := range j.PreConversion() {
		if tp.Identifiers.PromoCode != code {
			continue
		}
		if matchID != "" {
			// Two touchpoints share the code inside this journey.
			return "", false
		}
		matchID = tp.ID
	}
	if matchID == "" {
		return "", false
	}

	count, err := v.promos.CountPromoTouchpoints(ctx, tenantID, code)
	if err != nil {
		v.logger.Warn("promo usage lookup failed",
			slog.String("journey_key", j.Key), slog.Any("error", err))
		return "", false
	}
	// Reused across journeys: not single-use, not ground truth.
	if count != 1 {
		return "", false
	}
	return matchID, true
}

// biasDirection compares mean credit across first-half vs second-half
// touchpoints over every closed multi-touch journey in the sample.
func (v *Validator) biasDirection(journeys []*models.Journey, byKey map[string]models.AttributionResult) models.BiasDirection {
	var firstSum, secondSum float64
	var n int
	for _, j := range journeys {
		if !j.Closed() {
			continue
		}
		pre := j.PreConversion()
		if len(pre) < 2 {
			continue
		}
		result, ok := byKey[j.Key]
		if !ok {
			continue
		}

		half := len(pre) / 2
		var first, second float64
		for i, tp := range pre {
			credit := result.CreditFor(tp.ID)
			if i < half {
				first += credit
			}
			if i >= len(pre)-half {
				second += credit
			}
		}
		firstSum += first / float64(half)
		secondSum += second / float64(half)
		n++
	}

	if n == 0 {
		return models.BiasBalanced
	}
	_, biasThreshold := v.thresholds()
	diff := secondSum/float64(n) - firstSum/float64(n)
	switch {
	case diff > biasThreshold:
		return models.BiasLateWeighted
	case diff < -biasThreshold:
		return models.BiasEarlyWeighted
	default:
		return models.BiasBalanced
	}
}

func topCredit(r models.AttributionResult) string {
	best := ""
	bestCredit := math.Inf(-1)
	for id, credit := range r.Credits {
		if credit > bestCredit || (credit == bestCredit && id < best) {
			best = id
			bestCredit = credit
		}
	}
	return best
}

// wilsonInterval returns the Wilson score interval for successes out of n at
// the given z (1.96 for 95%).
func wilsonInterval(successes, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(successes) / float64(n)
	nf := float64(n)
	denom := 1 + z*z/nf
	center := (p + z*z/(2*nf)) / denom
	margin := z * math.Sqrt(p*(1-p)/nf+z*z/(4*nf*nf)) / denom
	lower := center - margin
	upper := center + margin
	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}
	return lower, upper
}
