// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"log"
	"sync"
	"time"

	"github.com/jeranaias/hfp-chat/internal/model"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the session state container. It is safe for concurrent use.
//
// It is constructed once at application startup and injected into the
// controller and handlers; nothing in the codebase reaches for it as a
// global.
type Store struct {
	mu        sync.RWMutex
	sessions  []*model.ChatSession
	currentID string
	persister Persister
}

// New creates a Store backed by the given persister and restores any
// previously persisted state. A nil persister disables persistence
// (used by tests).
func New(p Persister) (*Store, error) {
	s := &Store{persister: p}

	if p != nil {
		state, ok, err := p.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			s.sessions = state.Sessions
			s.currentID = state.CurrentSessionID
		}
	}

	return s, nil
}

// persistLocked writes the current state through the persister. Persist
// failures are logged, not propagated: losing one write must not wedge
// the conversation flow, and the next mutation retries the full state
// anyway.
func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(s.snapshotLocked()); err != nil {
		log.Printf("STORE | persist failed: %v", err)
	}
}

// snapshotLocked returns a deep copy of the full state.
func (s *Store) snapshotLocked() *State {
	sessions := make([]*model.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		sessions[i] = sess.Clone()
	}
	return &State{
		Version:          SchemaVersion,
		Sessions:         sessions,
		CurrentSessionID: s.currentID,
	}
}

// mutateSession clones the session with the given id, applies fn to the
// clone, and swaps it into a fresh slice. Returns false (and performs no
// write) if the session does not exist.
func (s *Store) mutateSession(id string, fn func(*model.ChatSession)) bool {
	idx := -1
	for i, sess := range s.sessions {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	updated := s.sessions[idx].Clone()
	fn(updated)

	next := make([]*model.ChatSession, len(s.sessions))
	copy(next, s.sessions)
	next[idx] = updated
	s.sessions = next

	s.persistLocked()
	return true
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// CreateSession makes a new empty session current and returns its id.
//
// If an empty session already sits at the head of the list it is reused
// instead, so mashing "new chat" never piles up blank sessions.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) > 0 && s.sessions[0].IsEmpty() {
		s.currentID = s.sessions[0].ID
		s.persistLocked()
		return s.sessions[0].ID
	}

	session := model.NewChatSession()
	next := make([]*model.ChatSession, 0, len(s.sessions)+1)
	next = append(next, session)
	next = append(next, s.sessions...)
	s.sessions = next
	s.currentID = session.ID

	s.persistLocked()
	return session.ID
}

// SelectSession sets the current session pointer. The id is not
// validated; selecting a nonexistent id simply yields an empty view.
func (s *Store) SelectSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentID = id
	s.persistLocked()
}

// DeleteSession removes a session. If it was current, the new first
// session becomes current, or nothing if none remain.
func (s *Store) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*model.ChatSession, 0, len(s.sessions))
	found := false
	for _, sess := range s.sessions {
		if sess.ID == id {
			found = true
			continue
		}
		next = append(next, sess)
	}
	if !found {
		return
	}
	s.sessions = next

	if s.currentID == id {
		if len(next) > 0 {
			s.currentID = next[0].ID
		} else {
			s.currentID = ""
		}
	}

	s.persistLocked()
}

// RenameSession overwrites a session's title.
func (s *Store) RenameSession(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutateSession(id, func(sess *model.ChatSession) {
		sess.Title = title
	})
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AddMessage appends a message to a session. While the session title is
// still the placeholder and the message is from the user, the title is
// derived from the message content. No-op if the session is unknown.
func (s *Store) AddMessage(sessionID string, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutateSession(sessionID, func(sess *model.ChatSession) {
		sess.Messages = append(sess.Messages, msg.Clone())
		if sess.HasDefaultTitle() && msg.Role == model.RoleUser {
			sess.Title = model.DeriveTitle(msg.Content)
		}
		sess.UpdatedAt = time.Now()
	})
}

// UpdateMessage replaces the content of an existing message. This is the
// streaming write path: the controller pushes the full accumulated
// buffer on every delta. No-op if the session or message is unknown.
func (s *Store) UpdateMessage(sessionID, messageID, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutateSession(sessionID, func(sess *model.ChatSession) {
		if msg := sess.MessageByID(messageID); msg != nil {
			msg.Content = content
		}
	})
}

// UpdateMessageStats attaches post-stream generation statistics.
func (s *Store) UpdateMessageStats(sessionID, messageID string, stats model.GenerationStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutateSession(sessionID, func(sess *model.ChatSession) {
		if msg := sess.MessageByID(messageID); msg != nil {
			msg.Stats = &stats
		}
	})
}

// UpdateMessageModel records which model produced a message.
func (s *Store) UpdateMessageModel(sessionID, messageID, modelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutateSession(sessionID, func(sess *model.ChatSession) {
		if msg := sess.MessageByID(messageID); msg != nil {
			msg.ModelName = modelName
		}
	})
}

// DeleteMessage removes one message from a session.
func (s *Store) DeleteMessage(sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mutateSession(sessionID, func(sess *model.ChatSession) {
		idx := sess.MessageIndex(messageID)
		if idx < 0 {
			return
		}
		next := make([]*model.Message, 0, len(sess.Messages)-1)
		next = append(next, sess.Messages[:idx]...)
		next = append(next, sess.Messages[idx+1:]...)
		sess.Messages = next
	})
}

// EditAndTruncate rewrites the content of the message at messageID,
// bumps its edit counter, and cuts the message list so it ends at that
// message (inclusive). Every later turn, assistant and user alike, is
// discarded. This is destructive: the prior tail is not retained
// anywhere. Returns false if the session or message is unknown.
func (s *Store) EditAndTruncate(sessionID, messageID, newContent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	edited := false
	s.mutateSession(sessionID, func(sess *model.ChatSession) {
		idx := sess.MessageIndex(messageID)
		if idx < 0 {
			return
		}
		sess.Messages = sess.Messages[:idx+1]
		sess.Messages[idx].Content = newContent
		sess.Messages[idx].EditCount++
		sess.UpdatedAt = time.Now()
		edited = true
	})
	return edited
}

// =============================================================================
// READ ACCESS
// =============================================================================

// CurrentSessionID returns the current session pointer, possibly empty.
func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Session returns a deep copy of the session with the given id.
func (s *Store) Session(id string) (*model.ChatSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess.Clone(), true
		}
	}
	return nil, false
}

// CurrentSession returns a deep copy of the current session, or nil if
// the pointer is unset or dangling.
func (s *Store) CurrentSession() *model.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.ID == s.currentID {
			return sess.Clone()
		}
	}
	return nil
}

// Sessions returns deep copies of all sessions, most recent first.
func (s *Store) Sessions() []*model.ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// SessionCount returns the number of sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
