package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/cache"
)

// CampaignCostClient wraps the campaign collaborator's reference-data API.
// The collaborator owns campaign records and spend; this subsystem only reads
// cost per (campaign, period), in integer minor units.
type CampaignCostClient struct {
	baseURL    string
	costPath   string
	httpClient *http.Client
	cache      cache.Provider
	costTTL    time.Duration
}

// NewCampaignCostClient constructs a client targeting the campaign service.
// provider may be nil to disable the read-through cache.
func NewCampaignCostClient(baseURL, costPath string, timeout time.Duration, provider cache.Provider, costTTL time.Duration) *CampaignCostClient {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &CampaignCostClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		costPath: costPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:   provider,
		costTTL: costTTL,
	}
}

// CampaignCost returns the campaign's spend for a period in cents. Zero is a
// legitimate answer (unpaid placement); the ROI calculator flags it rather
// than dividing by it.
func (c *CampaignCostClient) CampaignCost(ctx context.Context, tenantID, campaignID, period string) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("campaign client not initialised")
	}
	if c.baseURL == "" {
		return 0, fmt.Errorf("campaign service base URL not configured")
	}

	cacheKey := fmt.Sprintf("cost:%s:%s:%s", tenantID, campaignID, period)
	if payload, err := c.cache.Get(ctx, cacheKey); err == nil {
		if cents, parseErr := strconv.ParseInt(string(payload), 10, 64); parseErr == nil {
			return cents, nil
		}
	}

	payload := map[string]interface{}{
		"tenant_id":   tenantID,
		"campaign_id": campaignID,
		"period":      period,
	}

	var response struct {
		CostCents int64 `json:"cost_cents"`
	}
	if err := c.postJSON(ctx, c.costURL(), payload, &response); err != nil {
		return 0, fmt.Errorf("campaign cost request failed: %w", err)
	}

	if c.costTTL > 0 {
		value := []byte(strconv.FormatInt(response.CostCents, 10))
		_ = c.cache.Set(ctx, cacheKey, value, c.costTTL)
	}
	return response.CostCents, nil
}

func (c *CampaignCostClient) costURL() string {
	return c.joinURL(c.costPath)
}

func (c *CampaignCostClient) joinURL(p string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + p
	}
	u.Path = path.Join(u.Path, p)
	return u.String()
}

func (c *CampaignCostClient) postJSON(ctx context.Context, endpoint string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
