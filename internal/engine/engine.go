package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/attribution"
	"github.com/sponsorstack/attribution-engine/internal/cache"
	"github.com/sponsorstack/attribution-engine/internal/metrics"
	"github.com/sponsorstack/attribution-engine/internal/models"
	"github.com/sponsorstack/attribution-engine/internal/store"
	"github.com/sponsorstack/attribution-engine/internal/utils"
)

// ErrModelNotFound re-exports the model registry error for callers that only
// import the engine.
var ErrModelNotFound = attribution.ErrModelNotFound

// JourneyStore is the persistence surface the engine reads journeys and
// results through.
type JourneyStore interface {
	JourneyKeysForCampaign(ctx context.Context, tenantID, campaignID string, start, end time.Time) ([]string, error)
	GetJourneys(ctx context.Context, keys []string) ([]*models.Journey, error)
	GetResult(ctx context.Context, journeyKey string, model models.ModelKind) (models.AttributionResult, error)
	PutResult(ctx context.Context, r models.AttributionResult) error
}

// Engine orchestrates model execution across journeys. Computation is pure
// and read-only over journey snapshots, so journeys fan out across a bounded
// worker pool; only result-cache writes bound throughput.
type Engine struct {
	store     JourneyStore
	cache     cache.Provider
	logger    *slog.Logger
	workers   int
	resultTTL time.Duration

	mu     sync.RWMutex
	params attribution.Params

	now func() time.Time
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithWorkers bounds per-run parallelism.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithResultTTL controls the fast-path cache entry lifetime.
func WithResultTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.resultTTL = ttl }
}

// WithClock overrides the time source, used by tests for deterministic
// ComputedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine. provider may be nil; the durable result rows in
// the store then serve as the only cache tier.
func New(st JourneyStore, provider cache.Provider, logger *slog.Logger, params attribution.Params, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	e := &Engine{
		store:   st,
		cache:   provider,
		logger:  logger,
		workers: 4,
		params:  params,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetParams swaps the tuning parameters; wired to config hot reload.
func (e *Engine) SetParams(p attribution.Params) {
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
}

// Params returns the current tuning parameters.
func (e *Engine) Params() attribution.Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// Compute produces one AttributionResult per journey touched by the campaign
// inside [start, end). Deterministic and idempotent for unchanged journeys:
// cached results are reused only while their recorded version matches the
// live journey, and recomputation of an unchanged journey reproduces
// bit-identical weights.
func (e *Engine) Compute(ctx context.Context, req models.ComputeRequest) ([]models.AttributionResult, error) {
	start := e.now()
	results, err := e.compute(ctx, req)
	duration := e.now().Sub(start)
	if err != nil {
		metrics.ObserveComputation(string(req.Model), duration, metrics.OutcomeError)
		return nil, err
	}
	metrics.ObserveComputation(string(req.Model), duration, metrics.OutcomeSuccess)
	return results, nil
}

func (e *Engine) compute(ctx context.Context, req models.ComputeRequest) ([]models.AttributionResult, error) {
	if !req.Model.Registered() {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, req.Model)
	}

	keys, err := e.store.JourneyKeysForCampaign(ctx, req.TenantID, req.CampaignID, req.Start, req.End)
	if err != nil {
		return nil, utils.CampaignError("engine.compute", "list journeys", req.CampaignID, err)
	}
	journeys, err := e.store.GetJourneys(ctx, keys)
	if err != nil {
		return nil, utils.CampaignError("engine.compute", "load journeys", req.CampaignID, err)
	}

	return e.resultsFor(ctx, journeys, req.Model)
}

// ResultsFor computes (or reuses) results for an explicit journey set. The
// validator uses this to run several models over one sample.
func (e *Engine) ResultsFor(ctx context.Context, journeys []*models.Journey, model models.ModelKind) ([]models.AttributionResult, error) {
	if !model.Registered() {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, model)
	}
	return e.resultsFor(ctx, journeys, model)
}

func (e *Engine) resultsFor(ctx context.Context, journeys []*models.Journey, model models.ModelKind) ([]models.AttributionResult, error) {
	results := make([]models.AttributionResult, len(journeys))
	errs := make([]error, len(journeys))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := e.workers
	if workers > len(journeys) {
		workers = len(journeys)
	}
	if workers < 1 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = e.resultFor(ctx, journeys[i], model)
			}
		}()
	}

	for i := range journeys {
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	// Stable output order regardless of worker interleaving.
	sort.Slice(results, func(a, b int) bool {
		return results[a].JourneyKey < results[b].JourneyKey
	})
	return results, nil
}

func (e *Engine) resultFor(ctx context.Context, j *models.Journey, model models.ModelKind) (models.AttributionResult, error) {
	if cached, ok := e.cachedResult(ctx, j, model); ok {
		return cached, nil
	}

	result, err := e.evaluate(j, model)
	if err != nil {
		return models.AttributionResult{}, utils.JourneyError("engine.evaluate", "assign credit", j.Key, err)
	}

	if err := e.store.PutResult(ctx, result); err != nil {
		return models.AttributionResult{}, utils.JourneyError("engine.evaluate", "cache result", j.Key, err)
	}
	e.cacheSet(ctx, result)
	return result, nil
}

// cachedResult checks the fast path then the durable result rows. A result is
// served only while its recorded version matches the live journey's version;
// anything else is stale and recomputed.
func (e *Engine) cachedResult(ctx context.Context, j *models.Journey, model models.ModelKind) (models.AttributionResult, bool) {
	if payload, err := e.cache.Get(ctx, resultCacheKey(j.Key, model, j.Version)); err == nil {
		var r models.AttributionResult
		if err := json.Unmarshal(payload, &r); err == nil && r.Version == j.Version {
			metrics.ObserveCacheLookup("hit")
			return r, true
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("result cache read failed", slog.String("journey_key", j.Key), slog.Any("error", err))
	}

	r, err := e.store.GetResult(ctx, j.Key, model)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ObserveCacheLookup("miss")
		return models.AttributionResult{}, false
	}
	if err != nil {
		e.logger.Warn("durable result read failed", slog.String("journey_key", j.Key), slog.Any("error", err))
		return models.AttributionResult{}, false
	}
	if r.Version != j.Version {
		metrics.ObserveCacheLookup("stale")
		return models.AttributionResult{}, false
	}
	metrics.ObserveCacheLookup("hit")
	e.cacheSet(ctx, r)
	return r, true
}

func (e *Engine) cacheSet(ctx context.Context, r models.AttributionResult) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, resultCacheKey(r.JourneyKey, r.Model, r.Version), payload, e.resultTTL); err != nil {
		e.logger.Warn("result cache write failed", slog.String("journey_key", r.JourneyKey), slog.Any("error", err))
	}
}

// evaluate runs the pure model over one journey snapshot. Open journeys yield
// zero-credit results (pending, not an error); direct conversions yield
// unattributed results excluded from per-channel credit.
func (e *Engine) evaluate(j *models.Journey, model models.ModelKind) (models.AttributionResult, error) {
	result := models.AttributionResult{
		JourneyKey: j.Key,
		Model:      model,
		Version:    j.Version,
		Credits:    map[string]float64{},
		ComputedAt: e.now().UTC(),
	}

	conv, ok := j.Conversion()
	if !ok {
		return result, nil
	}
	if j.DirectConversion() {
		result.Unattributed = true
		return result, nil
	}

	credits, err := attribution.Assign(model, j.PreConversion(), conv.Timestamp, e.Params())
	if err != nil {
		return models.AttributionResult{}, err
	}
	result.Credits = credits
	return result, nil
}

func resultCacheKey(journeyKey string, model models.ModelKind, version int64) string {
	return fmt.Sprintf("ar:%s:%s:%d", journeyKey, model, version)
}
