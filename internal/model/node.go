// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// =============================================================================
// NODE INFO
// =============================================================================

// NodeInfo describes one inference node as reported by the discovery
// endpoint. Records are ephemeral: each poll replaces the whole set, so
// a node missing from a response is simply gone.
//
// The JSON field names follow the discovery API wire format.
type NodeInfo struct {
	GivenName   string `json:"given_name"`
	Address     string `json:"address"`
	Status      string `json:"status"`
	ModelName   string `json:"model_name"`
	ModelStatus string `json:"model_status"`
}

// statusAlive reports whether a status string counts as live. The fleet
// has reported both spellings over time.
func statusAlive(status string) bool {
	switch strings.ToLower(status) {
	case "healthy", "online":
		return true
	}
	return false
}

// IsAvailable reports whether the node can serve a request: the node
// itself and its model must both be live, and a model must actually be
// loaded.
func (n NodeInfo) IsAvailable() bool {
	return statusAlive(n.Status) && statusAlive(n.ModelStatus) && n.ModelName != ""
}

// IsLocal reports whether the node's label marks it as a local/backup
// node rather than a primary fleet member. Used by the send-time "auto"
// target heuristic.
func (n NodeInfo) IsLocal() bool {
	name := strings.ToLower(n.GivenName)
	return strings.Contains(name, "local") || strings.Contains(name, "backup")
}
