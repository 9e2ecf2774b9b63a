package services

import (
	"context"
	"fmt"
	"sync"
)

// MockSearchService is the test implementation of SearchService.
type MockSearchService struct {
	Results []SearchResult
	Err     error

	mu      sync.Mutex
	Queries []string
}

// Search implements SearchService.
func (m *MockSearchService) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit > 0 && len(m.Results) > limit {
		return m.Results[:limit], nil
	}
	return m.Results, nil
}

// MockImageService is the test implementation of ImageService. When Images
// is nil it fabricates one placeholder per requested image.
type MockImageService struct {
	Images []GeneratedImage
	Err    error

	mu       sync.Mutex
	Requests []ImageRequest
}

// Generate implements ImageService.
func (m *MockImageService) Generate(ctx context.Context, req ImageRequest) ([]GeneratedImage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Images != nil {
		return m.Images, nil
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	out := make([]GeneratedImage, count)
	for i := range out {
		out[i] = GeneratedImage{
			URL:    fmt.Sprintf("https://images.example/%d.png", i),
			Prompt: req.Prompt,
			Size:   req.Size,
		}
	}
	return out, nil
}

// CallCount returns the number of Generate invocations.
func (m *MockImageService) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
