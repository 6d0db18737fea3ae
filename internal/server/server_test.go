// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/hfp-chat/internal/config"
	"github.com/jeranaias/hfp-chat/internal/model"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.RateLimitPerMinute = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postChat(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// =============================================================================
// CHAT PROXY
// =============================================================================

func TestHandleChat_ForwardsAndRelaysStream(t *testing.T) {
	var gotAuth, gotTarget string
	var gotBody upstreamRequest

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, completionsPath, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotTarget = r.Header.Get(TargetNodeHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.APIKey = "sk-test"
	cfg.Upstream.SystemPrompt = "Answer medical questions only."
	srv := newTestServer(t, cfg)

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}],"targetNode":"10.0.0.5:8080"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":"hi"`)
	assert.Contains(t, string(body), "data: [DONE]")

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "10.0.0.5:8080", gotTarget)
	assert.True(t, gotBody.Stream, "upstream requests always stream")

	// System instruction is injected ahead of the conversation.
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "Answer medical questions only.", gotBody.Messages[0].Content)
	assert.Equal(t, "hello", gotBody.Messages[1].Content)
}

func TestHandleChat_OmitsTargetHeaderInAutoMode(t *testing.T) {
	headerSet := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, headerSet = r.Header[TargetNodeHeader]
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.APIKey = "sk-test"
	srv := newTestServer(t, cfg)

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, headerSet)
}

func TestHandleChat_MissingConfiguration(t *testing.T) {
	cfg := testConfig() // no base URL or key
	srv := newTestServer(t, cfg)

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "Server configuration error", errBody["error"])
}

func TestHandleChat_UpstreamErrorForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"no slots free"}`)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Upstream.APIKey = "sk-test"
	srv := newTestServer(t, cfg)

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":"no slots free"}`, string(body))
}

func TestHandleChat_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.BaseURL = "http://unused.invalid"
	cfg.Upstream.APIKey = "sk-test"
	srv := newTestServer(t, cfg)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"no messages", `{"messages":[]}`},
		{"bad role", `{"messages":[{"role":"wizard","content":"hi"}]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := postChat(t, srv, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/chat")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// =============================================================================
// NODES PROXY
// =============================================================================

func TestHandleNodes_ForwardsList(t *testing.T) {
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"given_name":"atlas","address":"10.0.0.5:8080","status":"healthy","model_name":"med-7b","model_status":"online"}]`)
	}))
	defer discovery.Close()

	cfg := testConfig()
	cfg.Nodes.DiscoveryURL = discovery.URL
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var nodes []model.NodeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "atlas", nodes[0].GivenName)
}

func TestHandleNodes_UpstreamFailure(t *testing.T) {
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer discovery.Close()

	cfg := testConfig()
	cfg.Nodes.DiscoveryURL = discovery.URL
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "Failed to fetch nodes", errBody["error"])
}

func TestHandleNodes_MissingConfiguration(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// =============================================================================
// HEALTH AND CONFIG RELOAD
// =============================================================================

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestUpdateConfig_TakesEffectOnNextRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	cfg := testConfig()
	s := NewServer(cfg)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp := postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	updated := testConfig()
	updated.Upstream.BaseURL = upstream.URL
	updated.Upstream.APIKey = "sk-test"
	s.UpdateConfig(updated)

	resp = postChat(t, srv, `{"messages":[{"role":"user","content":"hello"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(60, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/chat", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	// Burst of 2 passes, the third immediate request is limited.
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestRateLimitMiddleware_PerIP(t *testing.T) {
	handler := RateLimitMiddleware(60, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	reqA := httptest.NewRequest(http.MethodGet, "/chat", nil)
	reqA.RemoteAddr = "203.0.113.7:1234"
	handler.ServeHTTP(first, reqA)

	second := httptest.NewRecorder()
	reqB := httptest.NewRequest(http.MethodGet, "/chat", nil)
	reqB.RemoteAddr = "203.0.113.8:1234"
	handler.ServeHTTP(second, reqB)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code, "a different client gets its own bucket")
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/chat", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	origins := func() []string { return []string{"https://app.example.com"} }
	handler := CORSMiddleware(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
		req.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origin gets no CORS headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
		req.Header.Set("Origin", "https://app.example.com")
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}
