// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/hfp-chat/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil)
	require.NoError(t, err)
	return s
}

// seedSession creates a session with the given user/assistant message
// contents, alternating roles starting with user.
func seedSession(t *testing.T, s *Store, contents ...string) (string, []string) {
	t.Helper()
	id := s.CreateSession()
	ids := make([]string, 0, len(contents))
	for i, content := range contents {
		var msg *model.Message
		if i%2 == 0 {
			msg = model.NewUserMessage(content)
		} else {
			msg = model.NewAssistantMessage("med-7b")
			msg.Content = content
		}
		s.AddMessage(id, msg)
		ids = append(ids, msg.ID)
	}
	return id, ids
}

// =============================================================================
// SESSION CREATION
// =============================================================================

func TestCreateSession_ReusesEmptyHeadSession(t *testing.T) {
	s := newTestStore(t)

	first := s.CreateSession()
	second := s.CreateSession()

	assert.Equal(t, first, second, "back-to-back creates must reuse the empty head session")
	assert.Equal(t, 1, s.SessionCount())
}

func TestCreateSession_NewSessionAfterMessages(t *testing.T) {
	s := newTestStore(t)

	first := s.CreateSession()
	s.AddMessage(first, model.NewUserMessage("hello"))

	second := s.CreateSession()

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, s.SessionCount())
	// Newest first.
	assert.Equal(t, second, s.Sessions()[0].ID)
	assert.Equal(t, second, s.CurrentSessionID())
}

func TestSelectSession_NoValidation(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession()

	s.SelectSession("does-not-exist")

	assert.Equal(t, "does-not-exist", s.CurrentSessionID())
	assert.Nil(t, s.CurrentSession(), "dangling pointer yields an empty view")
}

// =============================================================================
// TITLE DERIVATION
// =============================================================================

func TestAddMessage_DerivesTitleFromFirstUserMessage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short", "persistent headache", "persistent headache"},
		{"exactly 30", strings.Repeat("x", 30), strings.Repeat("x", 30)},
		{"over 30 gets ellipsis", strings.Repeat("x", 45), strings.Repeat("x", 30) + "..."},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			id := s.CreateSession()

			s.AddMessage(id, model.NewUserMessage(tc.content))

			sess, ok := s.Session(id)
			require.True(t, ok)
			assert.Equal(t, tc.want, sess.Title)
		})
	}
}

func TestAddMessage_TitleOnlyDerivedWhileDefault(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession()

	s.AddMessage(id, model.NewUserMessage("first question"))
	s.AddMessage(id, model.NewUserMessage("second question"))

	sess, _ := s.Session(id)
	assert.Equal(t, "first question", sess.Title, "title is derived once, from the first user message")
}

func TestAddMessage_AssistantMessageDoesNotSetTitle(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession()

	asst := model.NewAssistantMessage("med-7b")
	asst.Content = "greeting"
	s.AddMessage(id, asst)

	sess, _ := s.Session(id)
	assert.Equal(t, model.DefaultSessionTitle, sess.Title)
}

func TestAddMessage_RenamedSessionKeepsManualTitle(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession()

	s.RenameSession(id, "Cardiology follow-up")
	s.AddMessage(id, model.NewUserMessage("my chest hurts"))

	sess, _ := s.Session(id)
	assert.Equal(t, "Cardiology follow-up", sess.Title)
}

func TestAddMessage_UnknownSessionIsNoop(t *testing.T) {
	s := newTestStore(t)
	s.AddMessage("missing", model.NewUserMessage("x"))
	assert.Equal(t, 0, s.SessionCount())
}

// =============================================================================
// MESSAGE UPDATES
// =============================================================================

func TestUpdateMessage_ReplacesContent(t *testing.T) {
	s := newTestStore(t)
	id, ids := seedSession(t, s, "question", "")

	// Simulate streaming: full buffer pushed each time.
	s.UpdateMessage(id, ids[1], "The")
	s.UpdateMessage(id, ids[1], "The answer")

	sess, _ := s.Session(id)
	assert.Equal(t, "The answer", sess.MessageByID(ids[1]).Content)
}

func TestUpdateMessage_UnknownTargetsAreNoops(t *testing.T) {
	s := newTestStore(t)
	id, ids := seedSession(t, s, "question")

	s.UpdateMessage("missing", ids[0], "x")
	s.UpdateMessage(id, "missing", "x")

	sess, _ := s.Session(id)
	assert.Equal(t, "question", sess.MessageByID(ids[0]).Content)
}

func TestUpdateMessageStatsAndModel(t *testing.T) {
	s := newTestStore(t)
	id, ids := seedSession(t, s, "q", "a")

	s.UpdateMessageStats(id, ids[1], model.GenerationStats{Tokens: 42, TimeMs: 1200, TokensPerSec: 35})
	s.UpdateMessageModel(id, ids[1], "med-7b-q4")

	sess, _ := s.Session(id)
	msg := sess.MessageByID(ids[1])
	require.NotNil(t, msg.Stats)
	assert.Equal(t, 42, msg.Stats.Tokens)
	assert.Equal(t, "med-7b-q4", msg.ModelName)
}

func TestDeleteMessage(t *testing.T) {
	s := newTestStore(t)
	id, ids := seedSession(t, s, "a", "b", "c")

	s.DeleteMessage(id, ids[1])

	sess, _ := s.Session(id)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, ids[0], sess.Messages[0].ID)
	assert.Equal(t, ids[2], sess.Messages[1].ID)
}

// =============================================================================
// EDIT WITH TRUNCATION
// =============================================================================

func TestEditAndTruncate_CutsEverythingAfterEditedMessage(t *testing.T) {
	// [A,B,C,D] with B edited must leave [A,B'] regardless of what C
	// and D were.
	for editIdx := 0; editIdx < 4; editIdx++ {
		s := newTestStore(t)
		id, ids := seedSession(t, s, "A", "B", "C", "D")

		ok := s.EditAndTruncate(id, ids[editIdx], "edited")
		require.True(t, ok)

		sess, _ := s.Session(id)
		require.Len(t, sess.Messages, editIdx+1, "edit at index %d", editIdx)
		assert.Equal(t, "edited", sess.Messages[editIdx].Content)
		assert.Equal(t, 1, sess.Messages[editIdx].EditCount)
		for i := 0; i < editIdx; i++ {
			assert.Equal(t, ids[i], sess.Messages[i].ID, "earlier messages untouched")
		}
	}
}

func TestEditAndTruncate_RepeatedEditsIncrementCounter(t *testing.T) {
	s := newTestStore(t)
	id, ids := seedSession(t, s, "original")

	s.EditAndTruncate(id, ids[0], "first edit")
	s.EditAndTruncate(id, ids[0], "second edit")

	sess, _ := s.Session(id)
	assert.Equal(t, 2, sess.Messages[0].EditCount)
	assert.Equal(t, "second edit", sess.Messages[0].Content)
}

func TestEditAndTruncate_UnknownMessage(t *testing.T) {
	s := newTestStore(t)
	id, _ := seedSession(t, s, "a", "b")

	ok := s.EditAndTruncate(id, "missing", "x")

	assert.False(t, ok)
	sess, _ := s.Session(id)
	assert.Len(t, sess.Messages, 2, "failed edit must not truncate")
}

// =============================================================================
// SESSION DELETION
// =============================================================================

func TestDeleteSession_CurrentFallsBackToFirstRemaining(t *testing.T) {
	s := newTestStore(t)

	a := s.CreateSession()
	s.AddMessage(a, model.NewUserMessage("a"))
	b := s.CreateSession()
	s.AddMessage(b, model.NewUserMessage("b"))

	// b is newest, hence first in the list and current.
	require.Equal(t, b, s.CurrentSessionID())

	s.DeleteSession(b)

	assert.Equal(t, a, s.CurrentSessionID(), "current moves to new first session")
}

func TestDeleteSession_LastSessionClearsCurrent(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession()

	s.DeleteSession(id)

	assert.Equal(t, "", s.CurrentSessionID())
	assert.Nil(t, s.CurrentSession())
}

func TestDeleteSession_NonCurrentKeepsPointer(t *testing.T) {
	s := newTestStore(t)

	a := s.CreateSession()
	s.AddMessage(a, model.NewUserMessage("a"))
	b := s.CreateSession()
	s.AddMessage(b, model.NewUserMessage("b"))

	s.DeleteSession(a)

	assert.Equal(t, b, s.CurrentSessionID(), "deleting a non-current session never changes the pointer")
}

// =============================================================================
// READ ISOLATION
// =============================================================================

func TestReads_ReturnIsolatedCopies(t *testing.T) {
	s := newTestStore(t)
	id, ids := seedSession(t, s, "original")

	view, _ := s.Session(id)
	view.MessageByID(ids[0]).Content = "mutated by reader"
	view.Title = "mutated title"

	fresh, _ := s.Session(id)
	assert.Equal(t, "original", fresh.MessageByID(ids[0]).Content)
	assert.NotEqual(t, "mutated title", fresh.Title)
}
