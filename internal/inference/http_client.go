package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coinpulse/internal/fetch"
)

const DefaultTimeout = 5 * time.Second

// HTTPClient posts the request JSON to a generic inference endpoint and
// returns the body as text.
type HTTPClient struct {
	fetcher *fetch.Fetcher
	url     string
	apiKey  string
	timeout time.Duration
}

func NewHTTPClient(fetcher *fetch.Fetcher, url, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{fetcher: fetcher, url: url, apiKey: apiKey, timeout: timeout}
}

func (c *HTTPClient) Infer(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal inference request: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.fetcher.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    c.url,
		Header: header,
		Body:   body,
	}, fetch.WithTimeout(c.timeout), fetch.WithNoRetryOn429(), fetch.WithoutCache())
	if err != nil {
		return "", fmt.Errorf("inference call: %w", err)
	}
	return string(resp.Body), nil
}
