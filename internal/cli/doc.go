// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the interactive terminal chat surface. It is a
// thin rendering layer over the conversation controller: input comes
// from a readline-style prompt with history, answers stream to stdout
// as deltas arrive, and slash commands cover the session and node
// operations the web front-end exposes as buttons.
package cli
