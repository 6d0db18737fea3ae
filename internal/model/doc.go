// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions, messages,
// and inference nodes.
//
// The types here are pure data: all lifecycle rules (title derivation,
// truncation-on-edit, current-session tracking) live in the store and
// controller packages. Messages are owned exclusively by their parent
// ChatSession; NodeInfo records are ephemeral and replaced wholesale on
// every discovery poll.
package model
