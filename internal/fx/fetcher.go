package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPFetcher queries an external rate feed over HTTP.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher constructs a fetcher for the given feed base URL.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type feedResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("date", on.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/rates?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fx: build feed request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fx: feed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fx: feed status %d", resp.StatusCode)
	}
	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("fx: decode feed response: %w", err)
	}
	if body.Rate.Sign() <= 0 {
		return decimal.Zero, ErrInvalidRate
	}
	return body.Rate, nil
}
