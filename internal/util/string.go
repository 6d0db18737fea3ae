// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides utility functions for the hfp-chat application.
package util

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// Session titles are derived from user-typed text, which may contain
// arbitrary UTF-8; truncating on byte boundaries would corrupt it.

// TruncateRunes truncates a string to a maximum number of runes
// (characters). If the string exceeds the limit, the first maxRunes
// runes are kept and "..." is appended.
//
// Note the appended ellipsis is not counted against the limit: a
// 31-character input truncated to 30 yields 33 characters. This matches
// the title derivation rule for chat sessions.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}

// SafeSubstring returns a substring using rune indices (not byte
// indices). This prevents splitting multi-byte UTF-8 characters.
func SafeSubstring(s string, start, end int) string {
	runes := []rune(s)
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		return ""
	}
	if end < 0 || end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
