// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/hfp-chat/internal/model"
)

// Configuration constants for the chat API client.
const (
	// chatPath is the proxy route that forwards to the upstream
	// completions endpoint.
	chatPath = "/chat"

	// maxErrorBodySize caps how much of a failed response body is read
	// for the error message.
	maxErrorBodySize = 8 * 1024
)

// ErrUpstreamStatus indicates the proxy rejected the chat request.
var ErrUpstreamStatus = errors.New("chat request rejected")

// sharedStreamingClient has no overall timeout; streaming requests are
// bounded by the caller's context and the consumer's idle timeout.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// Streamer starts a chat completion and hands back the raw SSE body.
type Streamer interface {
	Stream(ctx context.Context, messages []model.WireMessage, targetNode string) (io.ReadCloser, error)
}

// Client talks to the proxy boundary in front of the inference fleet.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the proxy at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: sharedStreamingClient,
	}
}

// chatRequest is the proxy request body. TargetNode is empty in auto
// mode; the proxy omits the routing header in that case.
type chatRequest struct {
	Messages   []model.WireMessage `json:"messages"`
	TargetNode string              `json:"targetNode"`
}

// Stream posts the conversation history and returns the streaming SSE
// body. The caller owns the returned ReadCloser.
func (c *Client) Stream(ctx context.Context, messages []model.WireMessage, targetNode string) (io.ReadCloser, error) {
	payload, err := json.Marshal(chatRequest{Messages: messages, TargetNode: targetNode})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}
