// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives conversations: it owns the send, stop, edit, and
// regenerate flows and the per-generation state machine
// (Idle -> Sending -> Streaming -> Completed/Aborted/Failed).
//
// Every generation carries a unique token. Store writes and state
// transitions are gated on that token, so once a generation is
// superseded or stopped, its late writes are inert. Starting a new
// generation cancels any generation still in flight.
package chat
