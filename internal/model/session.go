// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/hfp-chat/internal/util"
)

// DefaultSessionTitle is the placeholder title given to a new session.
// The title is auto-derived from the first user message only while it is
// still at this placeholder value.
const DefaultSessionTitle = "New Consultation"

// TitleMaxRunes is the maximum number of characters of the first user
// message used for the derived session title.
const TitleMaxRunes = 30

// =============================================================================
// CHAT SESSION
// =============================================================================

// ChatSession holds one persisted conversation thread. Message order is
// insertion order, which is conversation order.
type ChatSession struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Messages  []*Message `json:"messages"`
	UpdatedAt time.Time  `json:"timestamp"`
}

// NewChatSession creates an empty session with the placeholder title.
func NewChatSession() *ChatSession {
	return &ChatSession{
		ID:        uuid.New().String(),
		Title:     DefaultSessionTitle,
		Messages:  make([]*Message, 0),
		UpdatedAt: time.Now(),
	}
}

// IsEmpty returns true if the session has no messages.
func (s *ChatSession) IsEmpty() bool {
	return len(s.Messages) == 0
}

// HasDefaultTitle returns true while the title is still the placeholder.
func (s *ChatSession) HasDefaultTitle() bool {
	return s.Title == DefaultSessionTitle
}

// MessageByID returns the message with the given id, or nil.
func (s *ChatSession) MessageByID(id string) *Message {
	for _, msg := range s.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// MessageIndex returns the index of the message with the given id, or -1.
func (s *ChatSession) MessageIndex(id string) int {
	for i, msg := range s.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// LastAssistantMessage returns the most recent assistant message, or nil.
func (s *ChatSession) LastAssistantMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i]
		}
	}
	return nil
}

// Clone creates a deep copy of the session.
func (s *ChatSession) Clone() *ChatSession {
	clone := &ChatSession{
		ID:        s.ID,
		Title:     s.Title,
		UpdatedAt: s.UpdatedAt,
		Messages:  make([]*Message, len(s.Messages)),
	}
	for i, msg := range s.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}

// ToWire converts the session's messages to the upstream wire form,
// in order.
func (s *ChatSession) ToWire() []WireMessage {
	wire := make([]WireMessage, 0, len(s.Messages))
	for _, msg := range s.Messages {
		wire = append(wire, msg.ToWire())
	}
	return wire
}

// DeriveTitle computes a session title from the first user message:
// the first TitleMaxRunes characters, with an ellipsis appended iff the
// content is longer.
func DeriveTitle(content string) string {
	return util.TruncateRunes(content, TitleMaxRunes)
}
