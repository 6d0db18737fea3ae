// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/hfp-chat/internal/model"
)

// Configuration constants for node discovery.
const (
	// DefaultPollInterval is how often the registry refreshes the node
	// list while the application runs.
	DefaultPollInterval = 10 * time.Second

	// DefaultFetchTimeout bounds a single discovery request.
	DefaultFetchTimeout = 15 * time.Second

	// maxDiscoveryResponseSize caps the discovery response body.
	maxDiscoveryResponseSize = 1 * 1024 * 1024 // 1MB
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the current node list and the active-node selection.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	nodes      []model.NodeInfo
	activeAddr string

	endpoint string
	denied   map[string]struct{}
	interval time.Duration
	client   *http.Client
}

// Options tunes a Registry. Zero values select defaults.
type Options struct {
	// DenyList holds node names (given_name, case-insensitive) excluded
	// from automatic selection. Denied nodes still appear in the list.
	DenyList []string

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// HTTPClient overrides the default discovery client.
	HTTPClient *http.Client
}

// New creates a Registry polling the given discovery endpoint.
func New(endpoint string, opts Options) *Registry {
	denied := make(map[string]struct{}, len(opts.DenyList))
	for _, name := range opts.DenyList {
		denied[strings.ToLower(name)] = struct{}{}
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}

	return &Registry{
		endpoint: endpoint,
		denied:   denied,
		interval: interval,
		client:   client,
	}
}

// isDenied reports whether a node name is on the deny-list.
func (r *Registry) isDenied(name string) bool {
	_, ok := r.denied[strings.ToLower(name)]
	return ok
}

// selectable reports whether a node may be chosen automatically.
func (r *Registry) selectable(n model.NodeInfo) bool {
	return n.IsAvailable() && !r.isDenied(n.GivenName)
}

// =============================================================================
// DISCOVERY
// =============================================================================

// Fetch refreshes the node list from the discovery endpoint.
//
// The known-node set is replaced wholesale; there is no incremental
// merge. If no node is currently selected, the first selectable node in
// the fresh list becomes active. On failure the list is cleared, which
// the UI surfaces as "no nodes available" rather than a distinct error.
func (r *Registry) Fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		r.clear()
		return fmt.Errorf("failed to build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.clear()
		log.Printf("NODES | discovery fetch failed: %v", err)
		return fmt.Errorf("discovery fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.clear()
		log.Printf("NODES | discovery returned status=%d", resp.StatusCode)
		return fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryResponseSize))
	if err != nil {
		r.clear()
		log.Printf("NODES | discovery read failed: %v", err)
		return fmt.Errorf("failed to read discovery response: %w", err)
	}

	var fresh []model.NodeInfo
	if err := json.Unmarshal(body, &fresh); err != nil {
		r.clear()
		log.Printf("NODES | discovery decode failed: %v", err)
		return fmt.Errorf("failed to decode discovery response: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = fresh

	if r.activeAddr == "" {
		for _, n := range fresh {
			if r.selectable(n) {
				r.activeAddr = n.Address
				log.Printf("NODES | auto-selected node=%s model=%s", n.GivenName, n.ModelName)
				break
			}
		}
	}

	return nil
}

// clear drops the node list after a discovery failure. The active
// selection is kept so a transient outage does not forget the user's
// choice.
func (r *Registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nil
}

// Poll fetches immediately, then refreshes on the configured interval
// until ctx is cancelled. Intended to run in its own goroutine.
func (r *Registry) Poll(ctx context.Context) {
	// Errors are already logged by Fetch; polling just keeps going.
	_ = r.Fetch(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Fetch(ctx)
		}
	}
}

// =============================================================================
// SELECTION
// =============================================================================

// SetActiveNode pins the given node address. An empty address returns
// the registry to automatic selection. The address is not validated
// against the current list; a stale pin simply resolves to nothing
// until the next refresh repopulates it.
func (r *Registry) SetActiveNode(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeAddr = address
}

// ActiveAddress returns the currently selected node address, possibly
// empty (auto mode).
func (r *Registry) ActiveAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeAddr
}

// ActiveNode returns the selected node's record, if it is present in
// the current list.
func (r *Registry) ActiveNode() (model.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		if n.Address == r.activeAddr && r.activeAddr != "" {
			return n, true
		}
	}
	return model.NodeInfo{}, false
}

// Nodes returns a copy of the current node list.
func (r *Registry) Nodes() []model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.NodeInfo, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// ResolveTarget returns the node address to attach to an outgoing chat
// request, or "" to let the upstream route freely.
//
// When nothing is pinned and every known node is a local/backup node,
// the first local node is picked explicitly. Leaving the target unset
// in that situation would hand an ambiguous "no target" request to an
// upstream whose only capacity is the fallback.
func (r *Registry) ResolveTarget() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.activeAddr != "" {
		return r.activeAddr
	}
	if len(r.nodes) == 0 {
		return ""
	}

	for _, n := range r.nodes {
		if !n.IsLocal() {
			return ""
		}
	}
	return r.nodes[0].Address
}
