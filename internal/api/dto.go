package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/models"
)

// Monetary amounts cross the API boundary as decimal strings ("125.00");
// everything internal stays in integer cents.

// ParseMoney converts a decimal string into cents. At most two fractional
// digits are accepted; anything finer would silently lose money.
func ParseMoney(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q: more than two fractional digits", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

// FormatMoney renders cents as a decimal string with two fractional digits.
func FormatMoney(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type identifiersDTO struct {
	PromoCode   string `json:"promo_code,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	DeviceHash  string `json:"device_hash,omitempty"`
}

type ingestTouchpointRequest struct {
	CampaignID      string         `json:"campaign_id" binding:"required"`
	Channel         string         `json:"channel"`
	Timestamp       time.Time      `json:"timestamp" binding:"required"`
	EventType       string         `json:"event_type" binding:"required"`
	Identifiers     identifiersDTO `json:"identifiers"`
	ConversionValue string         `json:"conversion_value,omitempty"`
}

func (r ingestTouchpointRequest) toTouchpoint(tenantID string) (models.Touchpoint, error) {
	tp := models.Touchpoint{
		TenantID:   tenantID,
		CampaignID: r.CampaignID,
		Channel:    r.Channel,
		Timestamp:  r.Timestamp,
		EventType:  models.EventType(r.EventType),
		Identifiers: models.Identifiers{
			PromoCode:   r.Identifiers.PromoCode,
			UTMCampaign: r.Identifiers.UTMCampaign,
			UTMContent:  r.Identifiers.UTMContent,
			DeviceHash:  r.Identifiers.DeviceHash,
		},
	}
	if r.ConversionValue != "" {
		cents, err := ParseMoney(r.ConversionValue)
		if err != nil {
			return models.Touchpoint{}, err
		}
		tp.ConversionValueCents = cents
	}
	return tp, nil
}

type ingestTouchpointResponse struct {
	JourneyKey string `json:"journey_key"`
	Status     string `json:"status"`
}

type computeRequest struct {
	CampaignID string    `json:"campaign_id" binding:"required"`
	Start      time.Time `json:"start" binding:"required"`
	End        time.Time `json:"end" binding:"required"`
	Model      string    `json:"model" binding:"required"`
}

type computeResponse struct {
	Model   string                     `json:"model"`
	Results []models.AttributionResult `json:"results"`
}

type campaignMetricResponse struct {
	CampaignID              string    `json:"campaign_id"`
	Period                  string    `json:"period"`
	Model                   string    `json:"model"`
	AttributedRevenue       string    `json:"attributed_revenue"`
	Cost                    string    `json:"cost"`
	ROIPercent              *float64  `json:"roi_percent"`
	ROAS                    *float64  `json:"roas"`
	ZeroCost                bool      `json:"zero_cost"`
	ConvertedJourneys       int       `json:"converted_journeys"`
	UnattributedConversions int       `json:"unattributed_conversions"`
	ComputedAt              time.Time `json:"computed_at"`
}

type pathPatternResponse struct {
	Path        string    `json:"path"`
	Conversions int       `json:"conversions"`
	Prevalence  float64   `json:"prevalence"`
	Revenue     string    `json:"revenue"`
	AvgRevenue  string    `json:"avg_revenue"`
	LastSeen    time.Time `json:"last_seen"`
}

func toPathPatternResponse(p models.PathPattern) pathPatternResponse {
	return pathPatternResponse{
		Path:        p.Path,
		Conversions: p.Conversions,
		Prevalence:  p.Prevalence,
		Revenue:     FormatMoney(p.RevenueCents),
		AvgRevenue:  FormatMoney(p.AvgRevenueCents),
		LastSeen:    p.LastSeen,
	}
}

func toCampaignMetricResponse(m models.CampaignMetric) campaignMetricResponse {
	return campaignMetricResponse{
		CampaignID:              m.CampaignID,
		Period:                  m.Period,
		Model:                   string(m.Model),
		AttributedRevenue:       FormatMoney(m.AttributedRevenueCents),
		Cost:                    FormatMoney(m.CostCents),
		ROIPercent:              m.ROIPercent,
		ROAS:                    m.ROAS,
		ZeroCost:                m.ZeroCost,
		ConvertedJourneys:       m.ConvertedJourneys,
		UnattributedConversions: m.UnattributedConversions,
		ComputedAt:              m.ComputedAt,
	}
}
