package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/task"
)

func TestSearchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"Go","url":"https://go.dev","snippet":"The Go language"}]}`))
	}))
	defer srv.Close()

	svc := NewHTTPSearchService(srv.URL, srv.Client())
	results, err := svc.Search(context.Background(), "golang", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Go", results[0].Title)
}

func TestSearchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := NewHTTPSearchService(srv.URL, srv.Client())
	_, err := svc.Search(context.Background(), "golang", 5)
	require.Error(t, err)
	assert.Equal(t, task.KindTransientExternal, task.KindOf(err))
	assert.True(t, task.IsRetryable(err))
}

func TestSearchClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := NewHTTPSearchService(srv.URL, srv.Client())
	_, err := svc.Search(context.Background(), "golang", 5)
	require.Error(t, err)
	assert.Equal(t, task.KindPermanentExternal, task.KindOf(err))
	assert.False(t, task.IsRetryable(err))
}

func TestSearchRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := NewHTTPSearchService(srv.URL, srv.Client())
	_, err := svc.Search(context.Background(), "golang", 5)
	require.Error(t, err)
	assert.Equal(t, task.KindTransientExternal, task.KindOf(err))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewHTTPSearchService(srv.URL, srv.Client())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.Search(ctx, "q", 1)
		require.Error(t, err)
	}
	require.Equal(t, 5, hits)

	// The breaker is now open: the endpoint is no longer hit, and the error
	// still classifies as transient so node retries pace the probes.
	_, err := svc.Search(ctx, "q", 1)
	require.Error(t, err)
	assert.Equal(t, task.KindTransientExternal, task.KindOf(err))
	assert.Equal(t, 5, hits)
}

func TestImageGenerateDefaults(t *testing.T) {
	var got ImageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, decodeJSONBody(r, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"images":[{"url":"https://img/1.png","prompt":"p","size":"1920x1920"}]}`))
	}))
	defer srv.Close()

	svc := NewHTTPImageService(srv.URL, srv.Client())
	images, err := svc.Generate(context.Background(), ImageRequest{Prompt: "p"})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, DefaultImageSize, got.Size)
}

func TestGenerateCancelledContextPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewHTTPImageService(srv.URL, srv.Client())
	_, err := svc.Generate(ctx, ImageRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func decodeJSONBody(r *http.Request, out any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(out)
}
