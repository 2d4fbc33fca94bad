package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HermesClient reads prices from a Pyth-Hermes-style HTTP endpoint
// (GET {base}/v2/updates/price/latest?ids[]={feed}). Responses carry a
// fixed-point integer price with an exponent and a publish timestamp.
type HermesClient struct {
	baseURL string
	client  *http.Client
}

// NewHermesClient creates a client for the given Hermes base URL.
func NewHermesClient(baseURL string) *HermesClient {
	return &HermesClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// hermesResponse mirrors the subset of the Hermes latest-price payload the
// engine consumes.
type hermesResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

func (c *HermesClient) ReadPrice(ctx context.Context, feedID string) (Quote, error) {
	u := fmt.Sprintf("%s/v2/updates/price/latest?ids[]=%s", c.baseURL, url.QueryEscape(feedID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("oracle: price service returned %d", resp.StatusCode)
	}

	var body hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("oracle: decode response: %w", err)
	}
	if len(body.Parsed) == 0 {
		return Quote{}, ErrFeedNotFound
	}

	p := body.Parsed[0].Price
	mantissa, err := decimal.NewFromString(p.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: parse price %q: %w", p.Price, err)
	}

	return Quote{
		Price:       mantissa.Shift(p.Expo),
		PublishTime: time.Unix(p.PublishTime, 0).UTC(),
	}, nil
}
