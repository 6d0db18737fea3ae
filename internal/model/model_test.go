// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"
)

// =============================================================================
// TITLE DERIVATION TESTS
// =============================================================================

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short content kept verbatim", "chest pain after exercise", "chest pain after exercise"},
		{"exactly 30 chars no ellipsis", strings.Repeat("a", 30), strings.Repeat("a", 30)},
		{"31 chars truncated with ellipsis", strings.Repeat("a", 31), strings.Repeat("a", 30) + "..."},
		{"empty content", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveTitle(tc.in); got != tc.want {
				t.Errorf("DeriveTitle(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func TestNewChatSession(t *testing.T) {
	s := NewChatSession()

	if s.ID == "" {
		t.Error("session ID should not be empty")
	}
	if !s.HasDefaultTitle() {
		t.Errorf("new session title = %q, want %q", s.Title, DefaultSessionTitle)
	}
	if !s.IsEmpty() {
		t.Error("new session should be empty")
	}
}

func TestChatSession_MessageLookup(t *testing.T) {
	s := NewChatSession()
	a := NewUserMessage("a")
	b := NewAssistantMessage("med-7b")
	s.Messages = append(s.Messages, a, b)

	if got := s.MessageByID(b.ID); got != b {
		t.Error("MessageByID should find the assistant message")
	}
	if got := s.MessageByID("nope"); got != nil {
		t.Error("MessageByID should return nil for unknown id")
	}
	if got := s.MessageIndex(a.ID); got != 0 {
		t.Errorf("MessageIndex(a) = %d, want 0", got)
	}
	if got := s.MessageIndex("nope"); got != -1 {
		t.Errorf("MessageIndex(unknown) = %d, want -1", got)
	}
	if got := s.LastAssistantMessage(); got != b {
		t.Error("LastAssistantMessage should return the trailing assistant turn")
	}
}

func TestChatSession_Clone(t *testing.T) {
	s := NewChatSession()
	msg := NewUserMessage("original")
	msg.Stats = &GenerationStats{Tokens: 10}
	s.Messages = append(s.Messages, msg)

	clone := s.Clone()
	clone.Messages[0].Content = "mutated"
	clone.Messages[0].Stats.Tokens = 99

	if s.Messages[0].Content != "original" {
		t.Error("clone mutation leaked into original content")
	}
	if s.Messages[0].Stats.Tokens != 10 {
		t.Error("clone mutation leaked into original stats")
	}
}

func TestChatSession_ToWire(t *testing.T) {
	s := NewChatSession()
	user := NewUserMessage("hello")
	asst := NewAssistantMessage("med-7b")
	asst.Content = "hi"
	asst.Stats = &GenerationStats{Tokens: 2}
	s.Messages = append(s.Messages, user, asst)

	wire := s.ToWire()
	if len(wire) != 2 {
		t.Fatalf("wire length = %d, want 2", len(wire))
	}
	if wire[0].Role != "user" || wire[0].Content != "hello" {
		t.Errorf("wire[0] = %+v", wire[0])
	}
	// Only role and content go upstream.
	if wire[1].Role != "assistant" || wire[1].Content != "hi" {
		t.Errorf("wire[1] = %+v", wire[1])
	}
}

// =============================================================================
// NODE TESTS
// =============================================================================

func TestNodeInfo_IsAvailable(t *testing.T) {
	tests := []struct {
		name string
		node NodeInfo
		want bool
	}{
		{"healthy node and model", NodeInfo{Status: "healthy", ModelStatus: "healthy", ModelName: "med-7b"}, true},
		{"online spelling", NodeInfo{Status: "online", ModelStatus: "online", ModelName: "med-7b"}, true},
		{"mixed case", NodeInfo{Status: "Healthy", ModelStatus: "Online", ModelName: "med-7b"}, true},
		{"node down", NodeInfo{Status: "offline", ModelStatus: "healthy", ModelName: "med-7b"}, false},
		{"model down", NodeInfo{Status: "healthy", ModelStatus: "error", ModelName: "med-7b"}, false},
		{"no model loaded", NodeInfo{Status: "healthy", ModelStatus: "healthy", ModelName: ""}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.node.IsAvailable(); got != tc.want {
				t.Errorf("IsAvailable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNodeInfo_IsLocal(t *testing.T) {
	if !(NodeInfo{GivenName: "Local Backup Node"}).IsLocal() {
		t.Error("label containing 'local' should be local")
	}
	if !(NodeInfo{GivenName: "ops-backup-2"}).IsLocal() {
		t.Error("label containing 'backup' should be local")
	}
	if (NodeInfo{GivenName: "HFP Primary A"}).IsLocal() {
		t.Error("primary node should not be local")
	}
}
