// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package nodes tracks the inference nodes advertised by the discovery
// endpoint and the user's node selection.
//
// The registry polls discovery on a fixed interval and replaces its
// known-node set wholesale on every response; a node missing from a
// response is gone. Liveness is judged from the discovery record alone
// (node status, model status, model name), and a configurable deny-list
// keeps operational/backup nodes out of automatic selection while still
// listing them.
package nodes
