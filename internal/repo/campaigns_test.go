package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sponsorstack/attribution-engine/internal/cache"
)

// roundTripFunc lets a test stand in for the campaign service's transport.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func costResponse(cents int64) *http.Response {
	body, _ := json.Marshal(map[string]int64{"cost_cents": cents})
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestCampaignCost(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string

	c := NewCampaignCostClient("http://campaigns.internal", "/api/v1/campaigns/cost", time.Second, nil, 0)
	c.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		gotPath = req.URL.Path
		if err := json.NewDecoder(req.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("decode request payload: %v", err)
		}
		return costResponse(250000), nil
	})

	cents, err := c.CampaignCost(context.Background(), "tenant-1", "camp-1", "2026-03")
	if err != nil {
		t.Fatalf("CampaignCost: %v", err)
	}
	if cents != 250000 {
		t.Fatalf("cost = %d, want 250000", cents)
	}
	if gotPath != "/api/v1/campaigns/cost" {
		t.Fatalf("request path = %q", gotPath)
	}
	if gotPayload["campaign_id"] != "camp-1" || gotPayload["period"] != "2026-03" || gotPayload["tenant_id"] != "tenant-1" {
		t.Fatalf("request payload = %v", gotPayload)
	}
}

func TestCampaignCostZeroIsValid(t *testing.T) {
	c := NewCampaignCostClient("http://campaigns.internal", "/cost", time.Second, nil, 0)
	c.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return costResponse(0), nil
	})

	cents, err := c.CampaignCost(context.Background(), "", "camp-free", "2026-03")
	if err != nil {
		t.Fatalf("CampaignCost: %v", err)
	}
	if cents != 0 {
		t.Fatalf("cost = %d, want 0", cents)
	}
}

func TestCampaignCostReadThroughCache(t *testing.T) {
	calls := 0
	c := NewCampaignCostClient("http://campaigns.internal", "/cost", time.Second, cache.NewMemoryProvider(), time.Minute)
	c.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		calls++
		return costResponse(120000), nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cents, err := c.CampaignCost(ctx, "tenant-1", "camp-1", "2026-03")
		if err != nil {
			t.Fatalf("CampaignCost call %d: %v", i, err)
		}
		if cents != 120000 {
			t.Fatalf("cost = %d, want 120000", cents)
		}
	}
	if calls != 1 {
		t.Fatalf("upstream calls = %d, want 1 (cache should absorb repeats)", calls)
	}

	// A different period is a distinct cache entry.
	if _, err := c.CampaignCost(ctx, "tenant-1", "camp-1", "2026-04"); err != nil {
		t.Fatalf("CampaignCost: %v", err)
	}
	if calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", calls)
	}
}

func TestCampaignCostUpstreamError(t *testing.T) {
	c := NewCampaignCostClient("http://campaigns.internal", "/cost", time.Second, nil, 0)
	c.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	})

	if _, err := c.CampaignCost(context.Background(), "", "camp-1", "2026-03"); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestCampaignCostTransportError(t *testing.T) {
	c := NewCampaignCostClient("http://campaigns.internal", "/cost", time.Second, nil, 0)
	c.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("connection refused")
	})

	if _, err := c.CampaignCost(context.Background(), "", "camp-1", "2026-03"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestCampaignCostUnconfigured(t *testing.T) {
	c := NewCampaignCostClient("", "/cost", time.Second, nil, 0)
	if _, err := c.CampaignCost(context.Background(), "", "camp-1", "2026-03"); err == nil {
		t.Fatal("expected error without base URL")
	}
}
