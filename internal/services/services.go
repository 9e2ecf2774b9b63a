// Package services shapes the external web-search and image-generation
// endpoints to the contracts the workflow nodes consume. The engine treats
// both as opaque RPC services: adapters classify failures into the core
// error taxonomy and guard each endpoint with a circuit breaker so a
// misbehaving dependency sheds load instead of soaking up node retries.
package services

import "context"

// SearchResult is one hit from the web search service.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchService is the opaque web search endpoint.
type SearchService interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// GeneratedImage is one artifact from the image generation service. URL may
// point at hosted storage or be a data reference; the engine never
// dereferences it.
type GeneratedImage struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
}

// ImageRequest describes one image generation call.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Count  int    `json:"count"`
	Size   string `json:"size"`
}

// ImageService is the opaque image generation endpoint.
type ImageService interface {
	Generate(ctx context.Context, req ImageRequest) ([]GeneratedImage, error)
}
