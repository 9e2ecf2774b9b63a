package services

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPSearchService calls a web search endpoint over HTTP JSON.
type HTTPSearchService struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPSearchService creates a search adapter for the given endpoint URL.
// A nil client gets a 30s-timeout default.
func NewHTTPSearchService(url string, client *http.Client) *HTTPSearchService {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSearchService{
		url:     url,
		client:  client,
		breaker: newBreaker("search"),
	}
}

// Search implements SearchService.
func (s *HTTPSearchService) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	out, err := s.breaker.Execute(func() (any, error) {
		var resp struct {
			Results []SearchResult `json:"results"`
		}
		err := postJSON(ctx, s.client, s.url, map[string]any{
			"query": query,
			"limit": limit,
		}, &resp)
		if err != nil {
			return nil, err
		}
		return resp.Results, nil
	})
	if err != nil {
		return nil, classifyCallError("search", err)
	}
	return out.([]SearchResult), nil
}
