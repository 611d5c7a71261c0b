package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedLimit(n int) LimitFunc {
	return func(conversationID, kind string) int { return n }
}

type fakeBackfiller struct {
	entries []Entry
	err     error
	calls   int
}

func (f *fakeBackfiller) Backfill(ctx context.Context, conversationID, kind string, limit int) ([]Entry, error) {
	f.calls++
	return f.entries, f.err
}

func TestStore_Record_IdempotentByMessageID(t *testing.T) {
	s := NewStore(fixedLimit(5), nil)
	s.Record("oc_1", Entry{MessageID: "om_a", Text: "hello"})
	s.Record("oc_1", Entry{MessageID: "om_a", Text: "hello again"})

	got := s.Context("oc_1", "")
	if len(got) != 1 {
		t.Fatalf("Expected one entry after duplicate record, got %d", len(got))
	}
	if got[0].Text != "hello" {
		t.Errorf("Expected the first record to win, got %q", got[0].Text)
	}
}

func TestStore_Record_TrimsPastDoubleLimit(t *testing.T) {
	s := NewStore(fixedLimit(3), nil)
	for i := 0; i < 7; i++ {
		s.Record("oc_1", Entry{MessageID: fmt.Sprintf("om_%d", i)})
	}

	got := s.Context("oc_1", "")
	if len(got) != 3 {
		t.Fatalf("Expected buffer trimmed to the limit, got %d entries", len(got))
	}
	if got[0].MessageID != "om_4" || got[2].MessageID != "om_6" {
		t.Errorf("Expected the most recent entries to survive the trim, got %+v", got)
	}
}

func TestStore_Context_ExcludesCurrentMessage(t *testing.T) {
	s := NewStore(fixedLimit(5), nil)
	s.Record("oc_1", Entry{MessageID: "om_a", Text: "earlier"})
	s.Record("oc_1", Entry{MessageID: "om_b", Text: "current"})

	got := s.Context("oc_1", "om_b")
	if len(got) != 1 || got[0].MessageID != "om_a" {
		t.Errorf("Expected only the earlier entry, got %+v", got)
	}
}

func TestStore_Context_EmptyConversation(t *testing.T) {
	s := NewStore(fixedLimit(5), nil)
	if got := s.Context("oc_missing", ""); got != nil {
		t.Errorf("Expected nil for an unknown conversation, got %+v", got)
	}
}

func TestStore_ContextWithFallback_BackfillsOnce(t *testing.T) {
	bf := &fakeBackfiller{entries: []Entry{
		{MessageID: "om_1", SenderName: "Alice", Text: "hi"},
		{MessageID: "om_2", SenderName: "Bob", Text: "hey"},
	}}
	s := NewStore(fixedLimit(5), bf)

	got := s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	if len(got) != 2 {
		t.Fatalf("Expected backfilled context, got %d entries", len(got))
	}
	if bf.calls != 1 {
		t.Fatalf("Expected one backfill call, got %d", bf.calls)
	}

	s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	if bf.calls != 1 {
		t.Errorf("Expected no second backfill for a loaded conversation, got %d calls", bf.calls)
	}
}

func TestStore_ContextWithFallback_EmptyFetchStillMarksLoaded(t *testing.T) {
	bf := &fakeBackfiller{}
	s := NewStore(fixedLimit(5), bf)

	s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	if bf.calls != 1 {
		t.Errorf("Expected an empty fetch to mark the conversation loaded, got %d calls", bf.calls)
	}
}

func TestStore_ContextWithFallback_FailedFetchRetries(t *testing.T) {
	bf := &fakeBackfiller{err: errors.New("api unavailable")}
	s := NewStore(fixedLimit(5), bf)

	s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	if bf.calls != 2 {
		t.Errorf("Expected a failed fetch to stay retriable, got %d calls", bf.calls)
	}
}

func TestStore_ContextWithFallback_SkipsWhenBufferWarm(t *testing.T) {
	bf := &fakeBackfiller{}
	s := NewStore(fixedLimit(5), bf)
	s.Record("oc_1", Entry{MessageID: "om_live"})

	got := s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
	if len(got) != 1 {
		t.Fatalf("Expected the warm buffer to be returned, got %d entries", len(got))
	}
	if bf.calls != 0 {
		t.Errorf("Expected no backfill for a warm buffer, got %d calls", bf.calls)
	}
}

func TestStore_ContextWithFallback_ConcurrentColdAccessFetchesOnce(t *testing.T) {
	bf := &slowBackfiller{entries: []Entry{{MessageID: "om_1", Text: "hi"}}}
	s := NewStore(fixedLimit(5), bf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ContextWithFallback(context.Background(), "oc_1", "", "chat")
		}()
	}
	wg.Wait()

	if got := bf.callCount(); got != 1 {
		t.Errorf("Expected a single backfill across concurrent cold accesses, got %d", got)
	}
}

type slowBackfiller struct {
	mu      sync.Mutex
	entries []Entry
	calls   int
}

func (f *slowBackfiller) Backfill(ctx context.Context, conversationID, kind string, limit int) ([]Entry, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return f.entries, nil
}

func (f *slowBackfiller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStore_PinRoot_MovesRootToFront(t *testing.T) {
	s := NewStore(fixedLimit(5), nil)
	ctx := []Entry{
		{MessageID: "om_a"},
		{MessageID: "om_root"},
		{MessageID: "om_b"},
	}
	got := s.PinRoot(ctx, "om_root", "omt_1")
	if got[0].MessageID != "om_root" {
		t.Fatalf("Expected root first, got %q", got[0].MessageID)
	}
	if got[1].MessageID != "om_a" || got[2].MessageID != "om_b" {
		t.Errorf("Expected remaining order preserved, got %+v", got)
	}
}

func TestStore_PinRoot_RecoversTrimmedRoot(t *testing.T) {
	s := NewStore(fixedLimit(2), nil)
	s.Record("omt_1", Entry{MessageID: "om_root", Text: "thread start"})
	s.Record("omt_1", Entry{MessageID: "om_a"})
	s.Record("omt_1", Entry{MessageID: "om_b"})

	ctx := s.Context("omt_1", "")
	for _, e := range ctx {
		if e.MessageID == "om_root" {
			t.Fatal("Expected root to be outside the trimmed context window")
		}
	}

	got := s.PinRoot(ctx, "om_root", "omt_1")
	if len(got) != len(ctx)+1 || got[0].MessageID != "om_root" {
		t.Errorf("Expected root prepended from the full buffer, got %+v", got)
	}
}

func TestStore_PinRoot_UnknownRootUnchanged(t *testing.T) {
	s := NewStore(fixedLimit(5), nil)
	ctx := []Entry{{MessageID: "om_a"}}
	got := s.PinRoot(ctx, "om_gone", "omt_1")
	if len(got) != 1 || got[0].MessageID != "om_a" {
		t.Errorf("Expected unchanged context for an unknown root, got %+v", got)
	}
}
