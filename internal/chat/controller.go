// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/hfp-chat/internal/model"
	"github.com/jeranaias/hfp-chat/internal/store"
	"github.com/jeranaias/hfp-chat/internal/stream"
)

// =============================================================================
// STATES AND CONSTANTS
// =============================================================================

// State is the lifecycle phase of the most recent generation.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// StoppedMarker is appended to the partial answer when the user
	// stops a generation. The partial text is kept, not discarded.
	StoppedMarker = "\n\n_[Generation stopped]_"

	// FailureNotice replaces the assistant message content when a
	// generation fails for any reason other than an explicit stop.
	FailureNotice = "An error occurred while generating the response. Please try again."

	// DefaultRegenerationCap is how many times one answer may be
	// regenerated. Product policy, not a protocol constraint.
	DefaultRegenerationCap = 2
)

var (
	// ErrEmptyInput indicates a send with no content after trimming.
	ErrEmptyInput = errors.New("empty input")

	// ErrUnknownMessage indicates an edit or regenerate against a
	// message that does not exist.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrNoAssistantMessage indicates a regenerate on a session with no
	// assistant turn to regenerate.
	ErrNoAssistantMessage = errors.New("no assistant message to regenerate")

	// ErrRegenerationLimit indicates the regeneration cap was reached.
	ErrRegenerationLimit = errors.New("regeneration limit reached")
)

// NodeSource supplies send-time node targeting. Satisfied by
// *nodes.Registry.
type NodeSource interface {
	// ResolveTarget returns the node address for an outgoing request,
	// or "" for auto routing.
	ResolveTarget() string

	// ActiveNode returns the selected node's record when known.
	ActiveNode() (model.NodeInfo, bool)
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Options tunes a Controller. Zero values select defaults.
type Options struct {
	// RegenerationCap overrides DefaultRegenerationCap.
	RegenerationCap int

	// IdleTimeout is passed through to the stream consumer.
	IdleTimeout time.Duration

	// OnDelta, when set, receives every streamed text delta of the
	// live generation, for rendering surfaces that want tokens as
	// they arrive rather than store polling.
	OnDelta func(delta string)
}

// Controller owns the conversation flows. It is safe for concurrent
// use; at most one generation is current at a time, and starting a new
// one cancels the prior one.
type Controller struct {
	store    *store.Store
	nodes    NodeSource
	streamer Streamer
	consumer *stream.Consumer
	regenCap int
	onDelta  func(delta string)

	mu     sync.Mutex
	genID  string
	cancel context.CancelFunc
	state  State
}

// New creates a Controller over the given store, node source, and chat
// client.
func New(st *store.Store, ns NodeSource, streamer Streamer, opts Options) *Controller {
	regenCap := opts.RegenerationCap
	if regenCap <= 0 {
		regenCap = DefaultRegenerationCap
	}
	return &Controller{
		store:    st,
		nodes:    ns,
		streamer: streamer,
		consumer: &stream.Consumer{IdleTimeout: opts.IdleTimeout},
		regenCap: regenCap,
		onDelta:  opts.OnDelta,
		state:    StateIdle,
	}
}

// State returns the lifecycle phase of the most recent generation.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RegenerationCap returns the configured regeneration limit.
func (c *Controller) RegenerationCap() int {
	return c.regenCap
}

// begin registers a new generation: any prior generation is cancelled,
// and a fresh token takes over. All store writes of the old generation
// become inert the moment the token changes.
func (c *Controller) begin(parent context.Context) (context.Context, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	genID := uuid.New().String()
	ctx, cancel := context.WithCancel(parent)
	c.genID = genID
	c.cancel = cancel
	c.state = StateSending
	return ctx, genID
}

// isCurrent reports whether the given generation token is still the
// live one.
func (c *Controller) isCurrent(genID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genID == genID
}

// transition moves the state machine, but only on behalf of the live
// generation. Terminal transitions also release the cancel handle.
func (c *Controller) transition(genID string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.genID != genID {
		return
	}
	c.state = s
	if s == StateCompleted || s == StateAborted || s == StateFailed {
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
}

// Stop cancels the in-flight generation, if any. The generation's read
// loop observes the cancellation and keeps the partial answer with a
// stopped marker appended.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
}

// =============================================================================
// FLOWS
// =============================================================================

// Send submits user input on the current session, creating one if
// needed, and streams the assistant's answer. It blocks until the
// generation reaches a terminal state.
func (c *Controller) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyInput
	}

	sessionID := c.store.CurrentSessionID()
	if _, ok := c.store.Session(sessionID); !ok {
		sessionID = c.store.CreateSession()
	}

	c.store.AddMessage(sessionID, model.NewUserMessage(content))

	sess, ok := c.store.Session(sessionID)
	if !ok {
		return ErrUnknownMessage
	}
	return c.generate(ctx, sessionID, sess.ToWire(), 0)
}

// EditAndRegenerate rewrites a user message, discards every later turn,
// and streams a fresh answer from the edited history.
func (c *Controller) EditAndRegenerate(ctx context.Context, sessionID, messageID, newContent string) error {
	if !c.store.EditAndTruncate(sessionID, messageID, newContent) {
		return ErrUnknownMessage
	}

	sess, ok := c.store.Session(sessionID)
	if !ok {
		return ErrUnknownMessage
	}
	return c.generate(ctx, sessionID, sess.ToWire(), 0)
}

// Regenerate discards the session's last assistant answer and streams a
// replacement from the history that produced it. The replacement
// carries an incremented regeneration counter, refused past the cap.
func (c *Controller) Regenerate(ctx context.Context, sessionID string) error {
	sess, ok := c.store.Session(sessionID)
	if !ok {
		return ErrUnknownMessage
	}

	last := sess.LastAssistantMessage()
	if last == nil {
		return ErrNoAssistantMessage
	}
	if last.RegenerationCount >= c.regenCap {
		return ErrRegenerationLimit
	}
	count := last.RegenerationCount + 1

	c.store.DeleteMessage(sessionID, last.ID)

	sess, ok = c.store.Session(sessionID)
	if !ok {
		return ErrUnknownMessage
	}
	return c.generate(ctx, sessionID, sess.ToWire(), count)
}

// generate runs one full generation: placeholder message, request,
// stream consumption, and terminal bookkeeping. history already ends
// with the user turn being answered.
func (c *Controller) generate(parent context.Context, sessionID string, history []model.WireMessage, regenCount int) error {
	ctx, genID := c.begin(parent)

	// The model's display name is captured at placeholder creation
	// time; the stream may later correct it from the response.
	modelName := ""
	if node, ok := c.nodes.ActiveNode(); ok {
		modelName = node.ModelName
	}

	placeholder := model.NewAssistantMessage(modelName)
	placeholder.RegenerationCount = regenCount
	c.store.AddMessage(sessionID, placeholder)

	target := c.nodes.ResolveTarget()
	log.Printf("CHAT | generation started session=%s gen=%s target=%q", sessionID, genID, target)

	body, err := c.streamer.Stream(ctx, history, target)
	if err != nil {
		return c.finishError(genID, sessionID, placeholder.ID, "", err)
	}
	defer body.Close()

	c.transition(genID, StateStreaming)

	// The client holds the one authoritative buffer and pushes the full
	// accumulated string on every delta.
	var buf strings.Builder
	result, err := c.consumer.Consume(ctx, body, func(delta string) {
		buf.WriteString(delta)
		if c.isCurrent(genID) {
			c.store.UpdateMessage(sessionID, placeholder.ID, buf.String())
			if c.onDelta != nil {
				c.onDelta(delta)
			}
		}
	})
	if err != nil {
		return c.finishError(genID, sessionID, placeholder.ID, buf.String(), err)
	}

	if c.isCurrent(genID) {
		if result.Model != "" {
			c.store.UpdateMessageModel(sessionID, placeholder.ID, result.Model)
		}
		if result.Timings != nil {
			c.store.UpdateMessageStats(sessionID, placeholder.ID, model.GenerationStats{
				Tokens:       result.Timings.PredictedN,
				TimeMs:       result.Timings.PredictedMs,
				TokensPerSec: result.Timings.PredictedPerSecond,
			})
		}
	}

	c.transition(genID, StateCompleted)
	log.Printf("CHAT | generation completed session=%s gen=%s chars=%d", sessionID, genID, buf.Len())
	return nil
}

// finishError lands a generation on Aborted or Failed. A stop keeps
// the partial answer with a marker; anything else replaces the content
// with a generic notice. Superseded generations write nothing.
func (c *Controller) finishError(genID, sessionID, messageID, partial string, err error) error {
	if errors.Is(err, context.Canceled) {
		if c.isCurrent(genID) {
			c.store.UpdateMessage(sessionID, messageID, partial+StoppedMarker)
		}
		c.transition(genID, StateAborted)
		log.Printf("CHAT | generation stopped session=%s gen=%s", sessionID, genID)
		return err
	}

	if c.isCurrent(genID) {
		c.store.UpdateMessage(sessionID, messageID, FailureNotice)
	}
	c.transition(genID, StateFailed)
	log.Printf("CHAT | generation failed session=%s gen=%s err=%v", sessionID, genID, err)
	return err
}
