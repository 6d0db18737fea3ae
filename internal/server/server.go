// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP proxy boundary between the chat
// client and the inference fleet.
//
// Endpoints:
//   - POST /chat   - forward a conversation to the upstream completions
//     endpoint and relay the SSE stream back
//   - GET  /nodes  - forward the discovery endpoint's node list
//   - GET  /models - forward the upstream model list
//   - GET  /health - health check
//
// The proxy holds the upstream credentials so they never reach the
// client, injects the product's system instruction, and attaches the
// node routing header.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jeranaias/hfp-chat/internal/config"
	"github.com/jeranaias/hfp-chat/internal/model"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize caps the chat request body to prevent DoS.
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// TargetNodeHeader routes a completion request to a specific node.
	TargetNodeHeader = "X-Target-Node"

	// completionsPath is the upstream chat completions route.
	completionsPath = "/v1/chat/completions"

	// modelsPath is the upstream model listing route.
	modelsPath = "/v1/models"

	// upstreamFetchTimeout bounds the non-streaming upstream requests.
	upstreamFetchTimeout = 15 * time.Second

	// streamCopyBufferSize is the relay buffer for SSE bodies.
	streamCopyBufferSize = 4 * 1024

	// Version is the server version.
	Version = "1.0.0"
)

// validRoles is the whitelist of acceptable message roles.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP proxy server. The configuration pointer is swapped
// atomically, so a config reload takes effect between requests without
// a restart.
type Server struct {
	cfg        atomic.Pointer[config.Config]
	mux        *http.ServeMux
	httpServer *http.Server
	startTime  time.Time

	// streamClient has no overall timeout; streaming responses are
	// bounded by the request context.
	streamClient *http.Client
	fetchClient  *http.Client
}

// NewServer creates a proxy server for the given configuration.
func NewServer(cfg *config.Config) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		streamClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		fetchClient: &http.Client{Timeout: upstreamFetchTimeout},
	}
	s.cfg.Store(cfg)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// UpdateConfig swaps in a new configuration. Listen address changes
// require a restart; everything else applies to the next request.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Server) setupRoutes() {
	cfg := s.cfg.Load()

	chain := Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(),
		SecurityHeadersMiddleware(),
		CORSMiddleware(func() []string { return s.cfg.Load().Server.AllowedOrigins }),
		RateLimitMiddleware(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst),
	)

	s.mux.Handle("/chat", chain(http.HandlerFunc(s.handleChat)))
	s.mux.Handle("/nodes", chain(http.HandlerFunc(s.handleNodes)))
	s.mux.Handle("/models", chain(http.HandlerFunc(s.handleModels)))
	s.mux.Handle("/health", chain(http.HandlerFunc(s.handleHealth)))
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	log.Printf("SERVER | listening addr=%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("SERVER | shutting down")
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// CHAT PROXY
// ============================================================================

// chatRequest is the client-facing chat request body.
type chatRequest struct {
	Messages   []model.WireMessage `json:"messages"`
	TargetNode string              `json:"targetNode"`
	Model      string              `json:"model,omitempty"`
}

// upstreamRequest is the body forwarded to the completions endpoint.
type upstreamRequest struct {
	Model    string              `json:"model,omitempty"`
	Messages []model.WireMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

// validateMessages enforces the role whitelist.
func validateMessages(messages []model.WireMessage) error {
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("invalid role '%s' at message %d: must be one of user, assistant, system", msg.Role, i)
		}
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg := s.cfg.Load()
	if cfg.Upstream.BaseURL == "" || cfg.Upstream.APIKey == "" {
		log.Printf("SERVER | missing upstream configuration")
		s.writeError(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	if len(req.Messages) > MaxMessageCount {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("too many messages (max %d)", MaxMessageCount))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages := req.Messages
	if cfg.Upstream.SystemPrompt != "" {
		messages = append([]model.WireMessage{{
			Role:    string(model.RoleSystem),
			Content: cfg.Upstream.SystemPrompt,
		}}, messages...)
	}

	payload, err := json.Marshal(upstreamRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode upstream request")
		return
	}

	upstreamURL := strings.TrimRight(cfg.Upstream.BaseURL, "/") + completionsPath
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(payload))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	upReq.Header.Set("Authorization", "Bearer "+cfg.Upstream.APIKey)
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Accept", "text/event-stream")
	if req.TargetNode != "" {
		upReq.Header.Set(TargetNodeHeader, req.TargetNode)
	}

	resp, err := s.streamClient.Do(upReq)
	if err != nil {
		log.Printf("SERVER | upstream request failed: %v", err)
		s.writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	// Non-2xx responses are forwarded with status and body preserved.
	// No retry anywhere in the flow; recovery is user-initiated.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBodySize))
		log.Printf("SERVER | upstream rejected status=%d", resp.StatusCode)
		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return
	}

	s.relayStream(w, resp.Body)
}

// relayStream copies the upstream SSE body to the client, flushing
// after every read so deltas arrive as they are produced.
func (s *Server) relayStream(w http.ResponseWriter, body io.Reader) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, streamCopyBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("SERVER | stream relay ended: %v", err)
			}
			return
		}
	}
}

// ============================================================================
// NODES AND MODELS PROXY
// ============================================================================

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg := s.cfg.Load()
	if cfg.Nodes.DiscoveryURL == "" {
		log.Printf("SERVER | missing discovery configuration")
		s.writeError(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, cfg.Nodes.DiscoveryURL, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build discovery request")
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.fetchClient.Do(req)
	if err != nil {
		log.Printf("SERVER | discovery request failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("SERVER | discovery rejected status=%d", resp.StatusCode)
		s.writeError(w, resp.StatusCode, "Failed to fetch nodes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	io.Copy(w, io.LimitReader(resp.Body, MaxRequestBodySize))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	cfg := s.cfg.Load()
	if cfg.Upstream.BaseURL == "" || cfg.Upstream.APIKey == "" {
		log.Printf("SERVER | missing upstream configuration")
		s.writeError(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	url := strings.TrimRight(cfg.Upstream.BaseURL, "/") + modelsPath
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Upstream.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.fetchClient.Do(req)
	if err != nil {
		log.Printf("SERVER | models request failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("SERVER | models rejected status=%d", resp.StatusCode)
		s.writeError(w, resp.StatusCode, "Failed to fetch models")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	io.Copy(w, io.LimitReader(resp.Body, MaxRequestBodySize))
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("SERVER | failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
