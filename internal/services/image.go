package services

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultImageSize is used when the request carries no size.
const DefaultImageSize = "1920x1920"

// HTTPImageService calls an image generation endpoint over HTTP JSON.
type HTTPImageService struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPImageService creates an image generation adapter for the given
// endpoint URL. A nil client gets a 120s-timeout default; image generation
// is the slowest external call the engine makes.
func NewHTTPImageService(url string, client *http.Client) *HTTPImageService {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPImageService{
		url:     url,
		client:  client,
		breaker: newBreaker("image"),
	}
}

// Generate implements ImageService.
func (s *HTTPImageService) Generate(ctx context.Context, req ImageRequest) ([]GeneratedImage, error) {
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Size == "" {
		req.Size = DefaultImageSize
	}

	out, err := s.breaker.Execute(func() (any, error) {
		var resp struct {
			Images []GeneratedImage `json:"images"`
		}
		if err := postJSON(ctx, s.client, s.url, req, &resp); err != nil {
			return nil, err
		}
		return resp.Images, nil
	})
	if err != nil {
		return nil, classifyCallError("image", err)
	}
	return out.([]GeneratedImage), nil
}
