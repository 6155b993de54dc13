package insights

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// Miner mines frequency-based conversion-path patterns from closed journeys:
// which pre-conversion channel sequences show up most often, and what they
// convert for.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger}
}

// Mine aggregates converted journeys into channel-path patterns, most
// prevalent first. Open journeys and direct conversions are skipped; they
// have no path to report.
func (m *Miner) Mine(journeys []*models.Journey) []models.PathPattern {
	if len(journeys) == 0 {
		return nil
	}

	converted := 0
	pathStats := make(map[string]*pathAggregate)
	for _, j := range journeys {
		if !j.Closed() || j.DirectConversion() {
			continue
		}
		converted++

		path := channelPath(j.PreConversion())
		agg, ok := pathStats[path]
		if !ok {
			agg = &pathAggregate{}
			pathStats[path] = agg
		}
		agg.count++
		if conv, ok := j.Conversion(); ok {
			agg.revenueCents += conv.ConversionValueCents
			if conv.Timestamp.After(agg.lastSeen) {
				agg.lastSeen = conv.Timestamp
			}
		}
	}
	if converted == 0 {
		return nil
	}

	patterns := make([]models.PathPattern, 0, len(pathStats))
	for path, agg := range pathStats {
		patterns = append(patterns, models.PathPattern{
			Path:            path,
			Conversions:     agg.count,
			Prevalence:      float64(agg.count) / float64(converted),
			RevenueCents:    agg.revenueCents,
			AvgRevenueCents: agg.revenueCents / int64(agg.count),
			LastSeen:        agg.lastSeen,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Conversions != patterns[j].Conversions {
			return patterns[i].Conversions > patterns[j].Conversions
		}
		return patterns[i].Path < patterns[j].Path
	})
	return patterns
}

type pathAggregate struct {
	count        int
	revenueCents int64
	lastSeen     time.Time
}

// channelPath canonicalises a touchpoint sequence into "channel > channel"
// form, collapsing immediate repeats so ad-frequency noise does not fragment
// the aggregation.
func channelPath(pre []models.Touchpoint) string {
	parts := make([]string, 0, len(pre))
	for _, tp := range pre {
		channel := tp.Channel
		if channel == "" {
			channel = "unknown"
		}
		if n := len(parts); n > 0 && parts[n-1] == channel {
			continue
		}
		parts = append(parts, channel)
	}
	return strings.Join(parts, " > ")
}
