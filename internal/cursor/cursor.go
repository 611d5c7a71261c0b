// Package cursor persists the last processed message id per conversation.
// The map is advisory, used for liveness reporting and operator debugging,
// not for replay.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store is a conversation id to message id map mirrored to disk. Safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	cursors map[string]string
}

// Load reads the cursor file, returning an empty store when it is missing
// or unreadable. Cursor state is best-effort.
func Load(path string) *Store {
	s := &Store{path: path, cursors: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var cursors map[string]string
	if err := json.Unmarshal(data, &cursors); err == nil && cursors != nil {
		s.cursors = cursors
	}
	return s
}

// Update records the latest message id for a conversation and writes the
// file atomically. A write failure leaves the in-memory state ahead of
// disk; the next update converges.
func (s *Store) Update(conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[conversationID] = messageID

	data, err := json.MarshalIndent(s.cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursors: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cursors: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename cursors: %w", err)
	}
	return nil
}

// Get returns the stored message id for a conversation.
func (s *Store) Get(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[conversationID]
}

// Count returns the number of tracked conversations.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}
