// Package history keeps the per-conversation context buffers used to build
// prompts for the downstream assistant. Buffers are in-memory and bounded;
// a one-shot lazy backfill from the platform history API covers the
// cold-start-after-restart case.
package history

import (
	"context"
	"sync"
)

// Entry is one message in a conversation buffer. Entries are copied on the
// way out; callers never hold a reference into the buffer.
type Entry struct {
	Timestamp  string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
}

// Backfiller fetches the most recent messages of a conversation from the
// platform, oldest first, with senders resolved and rich content normalized
// to plain text.
type Backfiller interface {
	Backfill(ctx context.Context, conversationID, kind string, limit int) ([]Entry, error)
}

// LimitFunc resolves the context size for a conversation. kind is "chat" or
// "thread"; threads use the global setting, chats the per-group one.
type LimitFunc func(conversationID, kind string) int

// Store holds context buffers keyed by conversation id. Threads are
// first-class keys, isolated from their parent group. Safe for concurrent
// use.
type Store struct {
	mu         sync.Mutex
	buffers    map[string][]Entry
	lazyLoaded map[string]struct{}
	limitFor   LimitFunc
	backfiller Backfiller
}

// NewStore returns an empty store. backfiller may be nil, in which case
// ContextWithFallback degrades to Context.
func NewStore(limitFor LimitFunc, backfiller Backfiller) *Store {
	return &Store{
		buffers:    make(map[string][]Entry),
		lazyLoaded: make(map[string]struct{}),
		limitFor:   limitFor,
		backfiller: backfiller,
	}
}

// Record appends an entry unless the buffer already holds its message id.
// Lazy load and live events can deliver the same message twice, so appends
// are idempotent. The buffer is trimmed to the limit once it grows past
// twice the limit.
func (s *Store) Record(conversationID string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[conversationID]
	if e.MessageID != "" {
		for _, existing := range buf {
			if existing.MessageID == e.MessageID {
				return
			}
		}
	}
	buf = append(buf, e)
	limit := s.limitFor(conversationID, "chat")
	if len(buf) > limit*2 {
		buf = append([]Entry(nil), buf[len(buf)-limit:]...)
	}
	s.buffers[conversationID] = buf
}

// Context returns up to limit most recent entries in chronological order,
// excluding the current message.
func (s *Store) Context(conversationID, excludingMessageID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextLocked(conversationID, excludingMessageID)
}

func (s *Store) contextLocked(conversationID, excludingMessageID string) []Entry {
	buf := s.buffers[conversationID]
	if len(buf) == 0 {
		return nil
	}
	filtered := make([]Entry, 0, len(buf))
	for _, e := range buf {
		if e.MessageID != excludingMessageID {
			filtered = append(filtered, e)
		}
	}
	limit := s.limitFor(conversationID, "chat")
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]Entry, len(filtered))
	copy(out, filtered)
	return out
}

// ContextWithFallback behaves like Context, but on the first access to an
// empty conversation it backfills the buffer from the platform once. The
// conversation stays marked loaded even when the fetch comes back empty, so
// a private or empty history is not re-fetched on every message. A failed
// fetch clears the mark, letting a later event retry.
func (s *Store) ContextWithFallback(ctx context.Context, conversationID, excludingMessageID, kind string) []Entry {
	s.mu.Lock()
	existing := s.contextLocked(conversationID, excludingMessageID)
	_, loaded := s.lazyLoaded[conversationID]
	if len(existing) > 0 || loaded || s.backfiller == nil {
		s.mu.Unlock()
		return existing
	}
	// Claim the load before releasing the lock so concurrent cold accesses
	// do not each hit the history API.
	s.lazyLoaded[conversationID] = struct{}{}
	s.mu.Unlock()

	limit := s.limitFor(conversationID, kind)
	entries, err := s.backfiller.Backfill(ctx, conversationID, kind, limit)
	if err != nil {
		s.mu.Lock()
		delete(s.lazyLoaded, conversationID)
		s.mu.Unlock()
		return existing
	}

	for _, e := range entries {
		s.Record(conversationID, e)
	}
	return s.Context(conversationID, excludingMessageID)
}

// PinRoot makes sure the thread's root message leads the context. If the
// root is present but not first, it is moved to the front. If trimming
// evicted it, the full buffer for the conversation is searched and the root
// prepended when found. Otherwise the context is returned unchanged.
func (s *Store) PinRoot(ctx []Entry, rootID, conversationID string) []Entry {
	if rootID == "" {
		return ctx
	}
	for i, e := range ctx {
		if e.MessageID == rootID {
			if i == 0 {
				return ctx
			}
			out := make([]Entry, 0, len(ctx))
			out = append(out, e)
			out = append(out, ctx[:i]...)
			out = append(out, ctx[i+1:]...)
			return out
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.buffers[conversationID] {
		if e.MessageID == rootID {
			out := make([]Entry, 0, len(ctx)+1)
			out = append(out, e)
			out = append(out, ctx...)
			return out
		}
	}
	return ctx
}

// Conversations returns the number of tracked conversation buffers.
func (s *Store) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}
