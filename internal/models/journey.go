package models

import "sort"

// Journey is the time-ordered set of touchpoints resolved to one identity.
// Touchpoints are strictly ordered by (timestamp, ingestion sequence); at most
// one conversion exists and, when present, it is the terminal element. Version
// advances on every mutation so derived attribution results can detect
// staleness.
type Journey struct {
	Key         string       `json:"key"`
	TenantID    string       `json:"tenant_id,omitempty"`
	Touchpoints []Touchpoint `json:"touchpoints"`
	Version     int64        `json:"version"`
}

// Closed reports whether the journey has received its conversion.
func (j *Journey) Closed() bool {
	n := len(j.Touchpoints)
	return n > 0 && j.Touchpoints[n-1].IsConversion()
}

// Conversion returns the terminal conversion touchpoint, if any.
func (j *Journey) Conversion() (Touchpoint, bool) {
	if !j.Closed() {
		return Touchpoint{}, false
	}
	return j.Touchpoints[len(j.Touchpoints)-1], true
}

// PreConversion returns the ordered touchpoints that precede the conversion.
// For open journeys this is every touchpoint.
func (j *Journey) PreConversion() []Touchpoint {
	if j.Closed() {
		return j.Touchpoints[:len(j.Touchpoints)-1]
	}
	return j.Touchpoints
}

// DirectConversion reports a closed journey with no visible funnel: the
// conversion is the only touchpoint.
func (j *Journey) DirectConversion() bool {
	return j.Closed() && len(j.Touchpoints) == 1
}

// Insert places tp at its correct ordered position, keeping a conversion
// terminal. Late arrivals slot in ahead of later touchpoints rather than
// appending.
func (j *Journey) Insert(tp Touchpoint) {
	j.Touchpoints = append(j.Touchpoints, tp)
	j.Normalize()
}

// Normalize re-sorts touchpoints by (timestamp, ingestion sequence) and moves
// a conversion to the end if a late arrival landed behind it. Used after
// inserts and merges.
func (j *Journey) Normalize() {
	sort.SliceStable(j.Touchpoints, func(a, b int) bool {
		return j.Touchpoints[a].Before(j.Touchpoints[b])
	})
	// A conversion stays terminal even when pre-conversion touchpoints arrive
	// late with timestamps past the conversion's.
	for i, tp := range j.Touchpoints {
		if tp.IsConversion() && i != len(j.Touchpoints)-1 {
			conv := j.Touchpoints[i]
			j.Touchpoints = append(j.Touchpoints[:i], j.Touchpoints[i+1:]...)
			j.Touchpoints = append(j.Touchpoints, conv)
			break
		}
	}
}

// CampaignIDs returns the distinct campaigns touched, in first-seen order.
func (j *Journey) CampaignIDs() []string {
	seen := make(map[string]struct{}, len(j.Touchpoints))
	ids := make([]string, 0, len(j.Touchpoints))
	for _, tp := range j.Touchpoints {
		if _, ok := seen[tp.CampaignID]; ok {
			continue
		}
		seen[tp.CampaignID] = struct{}{}
		ids = append(ids, tp.CampaignID)
	}
	return ids
}
