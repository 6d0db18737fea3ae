// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MaxLineSize is the maximum allowed size for a single SSE line (64KB).
	MaxLineSize = 64 * 1024

	// DefaultIdleTimeout is how long the consumer waits for the next read
	// before giving up. The upstream keeps the connection open between
	// tokens, so a stalled node would otherwise hang the stream forever.
	DefaultIdleTimeout = 120 * time.Second

	// readBufferSize is the size of each read from the underlying stream.
	readBufferSize = 4 * 1024

	// doneSentinel terminates the stream. It is ignored, not forwarded.
	doneSentinel = "[DONE]"
)

// Error variables for stream consumption.
var (
	// ErrIdleTimeout indicates no bytes arrived within the idle window.
	ErrIdleTimeout = errors.New("stream idle timeout")

	// ErrLineTooLong indicates a single SSE line exceeded MaxLineSize.
	ErrLineTooLong = errors.New("stream line exceeds maximum size")
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Timings is the generation statistics payload reported by the node in
// the trailing stream frame.
type Timings struct {
	PredictedN         int     `json:"predicted_n"`
	PredictedMs        float64 `json:"predicted_ms"`
	PredictedPerSecond float64 `json:"predicted_per_second"`
}

// frame is one decoded SSE data frame. Only the fields the client cares
// about are declared; everything else in the upstream JSON is ignored.
type frame struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Timings *Timings `json:"timings"`
}

// content returns the delta text of the first choice, if any.
func (f *frame) content() string {
	if len(f.Choices) > 0 {
		return f.Choices[0].Delta.Content
	}
	return ""
}

// Result is what a completed stream reports: the model that answered
// (first occurrence wins) and the final timings, if the node sent them.
type Result struct {
	Model   string
	Timings *Timings
}

// DeltaFunc receives each incremental text fragment as it arrives. It is
// the only observable output while the stream is running.
type DeltaFunc func(delta string)

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer reads an SSE chat-completion stream.
// The zero value is usable; it applies DefaultIdleTimeout.
type Consumer struct {
	// IdleTimeout bounds the wait for the next read. Zero means
	// DefaultIdleTimeout; negative disables the timeout.
	IdleTimeout time.Duration
}

// readResult carries one read from the background reader goroutine.
type readResult struct {
	data []byte
	err  error
}

// Consume reads the stream until [DONE], EOF, cancellation, or error.
// Each text delta is handed to onDelta in arrival order.
//
// Cancellation is re-raised as ctx.Err() (context.Canceled or
// context.DeadlineExceeded), never as a generic I/O error, so callers
// can distinguish a user stop from a transport failure. The caller
// remains responsible for closing the underlying body; that is what
// unblocks the pending read after cancellation.
func (c *Consumer) Consume(ctx context.Context, r io.Reader, onDelta DeltaFunc) (*Result, error) {
	idle := c.IdleTimeout
	if idle == 0 {
		idle = DefaultIdleTimeout
	}

	// Reads happen on a separate goroutine so the select below can
	// observe cancellation and idle timeout while a read is blocked.
	reads := make(chan readResult, 1)
	go func() {
		for {
			buf := make([]byte, readBufferSize)
			n, err := r.Read(buf)
			select {
			case reads <- readResult{data: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		carry  []byte // partial line held over between reads
		result Result
	)

	var timer *time.Timer
	var timeout <-chan time.Time
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeout:
			return nil, fmt.Errorf("%w after %v", ErrIdleTimeout, idle)

		case rr := <-reads:
			if timer != nil {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idle)
			}

			carry = append(carry, rr.data...)
			if len(carry) > MaxLineSize {
				return nil, fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(carry))
			}

			// Process complete lines; keep the trailing partial line.
			for {
				idx := bytes.IndexByte(carry, '\n')
				if idx < 0 {
					break
				}
				line := carry[:idx]
				carry = carry[idx+1:]
				if done := c.processLine(line, onDelta, &result); done {
					return &result, nil
				}
			}

			if rr.err != nil {
				if rr.err == io.EOF {
					// A final frame without a trailing newline still counts.
					if len(carry) > 0 {
						c.processLine(carry, onDelta, &result)
					}
					return &result, nil
				}
				// Cancellation surfaces as a read error on the closed
				// body; re-raise it as the context error.
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("stream read: %w", rr.err)
			}
		}
	}
}

// processLine handles one complete SSE line. Returns true when the
// [DONE] sentinel terminates the stream.
func (c *Consumer) processLine(line []byte, onDelta DeltaFunc, result *Result) bool {
	line = bytes.TrimRight(line, "\r")

	// Blank lines separate events; other field names (id:, event:,
	// comments) carry nothing we need.
	if !bytes.HasPrefix(line, []byte("data:")) {
		return false
	}
	data := bytes.TrimSpace(line[len("data:"):])

	if len(data) == 0 {
		return false
	}
	if string(data) == doneSentinel {
		return true
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		// Malformed frames are non-fatal: log and keep reading.
		log.Printf("STREAM | skipping malformed frame: %v", err)
		return false
	}

	if delta := f.content(); delta != "" && onDelta != nil {
		onDelta(delta)
	}

	// First reported model wins.
	if f.Model != "" && result.Model == "" {
		result.Model = f.Model
	}

	// Timings normally arrive once, in the trailing frame; if the node
	// repeats them, the latest report wins.
	if f.Timings != nil {
		result.Timings = f.Timings
	}

	return false
}

// Consume reads a stream with default settings. See Consumer.Consume.
func Consume(ctx context.Context, r io.Reader, onDelta DeltaFunc) (*Result, error) {
	var c Consumer
	return c.Consume(ctx, r, onDelta)
}
