package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RateSource supplies exchange rates for a batch of pairs in one call.
type RateSource interface {
	Rates(ctx context.Context, pairs []Pair) (map[Pair]float64, error)
}

// HTTPSource fetches rates from an exchangerate-style API. One request per
// distinct base currency covers every pair sharing that base, which is what
// makes the batch window worthwhile.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source against the given API base URL.
func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type latestResponse struct {
	Rates map[string]float64 `json:"rates"`
}

// Rates implements RateSource.
func (s *HTTPSource) Rates(ctx context.Context, pairs []Pair) (map[Pair]float64, error) {
	byBase := make(map[string][]Pair)
	for _, pair := range pairs {
		byBase[pair.From] = append(byBase[pair.From], pair)
	}

	out := make(map[Pair]float64, len(pairs))
	for base, basePairs := range byBase {
		rates, err := s.latest(ctx, base)
		if err != nil {
			return nil, err
		}
		for _, pair := range basePairs {
			rate, ok := rates[pair.To]
			if !ok {
				return nil, fmt.Errorf("fx: no rate for %s", pair)
			}
			out[pair] = rate
		}
	}
	return out, nil
}

func (s *HTTPSource) latest(ctx context.Context, base string) (map[string]float64, error) {
	endpoint, err := url.JoinPath(s.baseURL, "latest", base)
	if err != nil {
		return nil, fmt.Errorf("fx: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fx: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fx: fetch rates for %s: %w", base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fx: rate API returned %d for %s", resp.StatusCode, base)
	}
	var decoded latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("fx: decode rates for %s: %w", base, err)
	}
	return decoded.Rates, nil
}
