// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/hfp-chat/internal/model"
	"github.com/jeranaias/hfp-chat/internal/util"
)

// SchemaVersion is the version of the persisted state envelope. Bump it
// when the shape changes and add a migration in decodeState.
const SchemaVersion = 1

// DefaultStorageName is the storage key for the persisted state, kept
// from the product's original client storage name.
const DefaultStorageName = "hfp-secure-storage.json"

// ErrUnknownVersion indicates the persisted envelope is from a newer
// schema than this build understands.
var ErrUnknownVersion = errors.New("unknown state schema version")

// =============================================================================
// STATE ENVELOPE
// =============================================================================

// State is the unit of durable storage: the full session list and the
// current-session pointer, wrapped in a versioned envelope.
type State struct {
	Version          int                  `json:"version"`
	Sessions         []*model.ChatSession `json:"sessions"`
	CurrentSessionID string               `json:"current_session_id"`
}

// Persister stores and restores the state envelope.
type Persister interface {
	// Save durably stores the state.
	Save(state *State) error

	// Load restores the last saved state. The second return value is
	// false when nothing has been persisted yet.
	Load() (*State, bool, error)
}

// encodeState serializes the envelope.
func encodeState(state *State) ([]byte, error) {
	state.Version = SchemaVersion
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// decodeState deserializes and version-checks the envelope.
//
// The original client persisted the blob with no version field at all;
// json treats that as version 0, which we accept as the v1 shape since
// nothing else has changed yet.
func decodeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if state.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, state.Version)
	}
	if state.Sessions == nil {
		state.Sessions = make([]*model.ChatSession, 0)
	}
	return &state, nil
}

// =============================================================================
// FILE PERSISTER
// =============================================================================

// FilePersister stores the state as a single JSON file, written
// atomically. This is the default backend and mirrors the original
// single-key blob storage.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to the given path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Save implements Persister.
func (p *FilePersister) Save(state *State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	// 0600: the blob holds medical conversations.
	return util.AtomicWriteFile(p.path, data, 0600)
}

// Load implements Persister.
func (p *FilePersister) Load() (*State, bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read state file: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}
