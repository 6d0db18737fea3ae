// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store owns the chat session state: the ordered session list,
// the current-session pointer, and every mutation the product performs
// on them (add, update, delete, rename, truncate-on-edit).
//
// Mutations are replace-on-write: a mutation never edits a session that
// a reader may hold; it clones, applies the change, and swaps the clone
// into a fresh slice. Readers always receive deep copies. Combined with
// the store mutex this gives trivially consistent reads to a rendering
// layer without any further coordination.
//
// The full state (sessions plus current-session pointer) is the unit of
// durable storage. It is persisted through a Persister on every
// mutation, wrapped in a versioned envelope so the on-disk shape can be
// migrated later.
package store
