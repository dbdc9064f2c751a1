package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"taskforge/internal/config"
)

func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "gpt-4",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": content,
					},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gatewayFor(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.BaseURL = baseURL
	cfg.Backend.TimeoutSeconds = 5
	g, err := New(cfg, nil)
	require.NoError(t, err)
	return g
}

func TestInvokeReturnsCompletion(t *testing.T) {
	srv := completionServer(t, "  Implement the login endpoint.  ")
	g := gatewayFor(t, srv.URL)

	out, err := g.Invoke(context.Background(), "You are a planner.", "Describe the task.")
	require.NoError(t, err)
	require.Equal(t, "Implement the login endpoint.", out)
}

func TestInvokeEmptyCompletionIsRefused(t *testing.T) {
	srv := completionServer(t, "")
	g := gatewayFor(t, srv.URL)

	_, err := g.Invoke(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrRefused)
}

func TestInvokeUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	g := gatewayFor(t, url)

	_, err := g.Invoke(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestInvokeServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	g := gatewayFor(t, srv.URL)

	_, err := g.Invoke(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrUnavailable)
}
