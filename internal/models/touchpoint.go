package models

import "time"

// EventType enumerates the interaction kinds recorded against a campaign.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

// Valid reports whether the event type is one of the known kinds.
func (e EventType) Valid() bool {
	switch e {
	case EventImpression, EventClick, EventConversion:
		return true
	}
	return false
}

// Identifiers carries the identity signals attached to a touchpoint, in
// descending match priority: promo code, UTM pair, hashed device.
type Identifiers struct {
	PromoCode  string `json:"promo_code,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	DeviceHash  string `json:"device_hash,omitempty"`
}

// Empty reports whether no identity signal is present at all.
func (i Identifiers) Empty() bool {
	return i.PromoCode == "" && (i.UTMCampaign == "" || i.UTMContent == "") && i.DeviceHash == ""
}

// Touchpoint is one recorded interaction. Created once at ingestion and never
// mutated afterwards; ConversionValueCents is set iff EventType is conversion
// and is expressed in integer minor units.
type Touchpoint struct {
	ID                   string      `json:"id"`
	JourneyKey           string      `json:"journey_key,omitempty"`
	TenantID             string      `json:"tenant_id,omitempty"`
	CampaignID           string      `json:"campaign_id"`
	Channel              string      `json:"channel"`
	Timestamp            time.Time   `json:"timestamp"`
	EventType            EventType   `json:"event_type"`
	Identifiers          Identifiers `json:"identifiers"`
	ConversionValueCents int64       `json:"conversion_value_cents,omitempty"`

	// IngestionSeq is assigned by the store at insert time and acts as the
	// stable secondary ordering key for identical timestamps.
	IngestionSeq int64 `json:"ingestion_seq"`
}

// IsConversion reports whether the touchpoint terminates a journey.
func (t Touchpoint) IsConversion() bool {
	return t.EventType == EventConversion
}

// Before reports whether t sorts ahead of other under the canonical
// (timestamp, ingestion sequence) ordering.
func (t Touchpoint) Before(other Touchpoint) bool {
	if t.Timestamp.Equal(other.Timestamp) {
		return t.IngestionSeq < other.IngestionSeq
	}
	return t.Timestamp.Before(other.Timestamp)
}
