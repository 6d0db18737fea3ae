// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the accepted values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// GENERATION STATS
// =============================================================================

// GenerationStats holds the timing payload reported by the inference node
// at the end of a streamed response.
type GenerationStats struct {
	Tokens       int     `json:"tokens,omitempty"`
	TimeMs       float64 `json:"time_ms,omitempty"`
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a chat session.
//
// Content is mutable while an assistant message is being streamed: the
// controller repeatedly replaces it with the full accumulated buffer, so
// the display is always consistent with one authoritative string. Stats
// and ModelName are attached only after the stream completes.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content string `json:"content"`

	// Post-stream metadata (assistant messages)
	Stats     *GenerationStats `json:"stats,omitempty"`
	ModelName string           `json:"model_name,omitempty"`

	// RegenerationCount tracks how many times this assistant turn has
	// been regenerated. The UI disables regeneration past a product cap;
	// the store itself never enforces it.
	RegenerationCount int `json:"regeneration_count,omitempty"`

	// EditCount tracks how many times this user message has been edited.
	EditCount int `json:"edit_count,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates an empty assistant message placeholder for
// streaming. The model display name is captured at creation time so the
// UI can show which node is answering before the stream reports it.
func NewAssistantMessage(modelName string) *Message {
	msg := NewMessage(RoleAssistant, "")
	msg.ModelName = modelName
	return msg
}

// Clone returns a copy of the message. Stats are copied by value so the
// clone shares nothing with the original.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Stats != nil {
		stats := *m.Stats
		clone.Stats = &stats
	}
	return &clone
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// WireMessage is the role+content pair sent upstream. IDs, timestamps,
// and stats never leave the client.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToWire converts the message to its upstream wire form.
func (m *Message) ToWire() WireMessage {
	return WireMessage{Role: string(m.Role), Content: m.Content}
}
