// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream consumes the server-sent-event response of a chat
// completion request.
//
// The wire format is newline-delimited SSE: each frame is a line of the
// form "data: <json>", events are separated by blank lines, and the
// stream ends with a literal "data: [DONE]" frame. Incremental text
// arrives in choices[0].delta.content; the terminal frame additionally
// carries a "timings" object with token counts and generation speed.
//
// The consumer is transport-agnostic: it reads any io.Reader, keeps a
// carry-over buffer for lines split across reads (multi-byte characters
// are never split because lines are only cut at newline bytes and JSON
// decoding operates on complete frames), and supports cooperative
// cancellation plus an idle timeout on reads.
package stream
