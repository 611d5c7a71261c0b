package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeReactions struct {
	mu        sync.Mutex
	addErr    error
	removeErr error
	// removeFailures counts down; once it hits zero removals succeed.
	removeFailures int
	added          []string
	removed        []string
}

func (f *fakeReactions) AddReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, messageID)
	return "reaction_" + messageID, nil
}

func (f *fakeReactions) RemoveReaction(ctx context.Context, messageID, reactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeFailures > 0 {
		f.removeFailures--
		return errors.New("rate limited")
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, reactionID)
	return nil
}

func (f *fakeReactions) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func TestIndicator_StartStop(t *testing.T) {
	reactions := &fakeReactions{}
	ind := NewIndicator(reactions, nil)

	ind.Start(context.Background(), "om_1")
	if !ind.Active("om_1") {
		t.Fatal("Expected indicator to be active after Start")
	}

	ind.Stop(context.Background(), "om_1")
	if ind.Active("om_1") {
		t.Error("Expected indicator to be inactive after Stop")
	}
	if reactions.removedCount() != 1 {
		t.Errorf("Expected one reaction removal, got %d", reactions.removedCount())
	}
}

func TestIndicator_Start_AddFailureSwallowed(t *testing.T) {
	reactions := &fakeReactions{addErr: errors.New("permission denied")}
	ind := NewIndicator(reactions, nil)

	ind.Start(context.Background(), "om_1")
	if ind.Active("om_1") {
		t.Error("Expected no active indicator when the reaction could not be added")
	}
}

func TestIndicator_Stop_UnknownMessageNoop(t *testing.T) {
	reactions := &fakeReactions{}
	ind := NewIndicator(reactions, nil)

	ind.Stop(context.Background(), "om_unknown")
	if reactions.removedCount() != 0 {
		t.Error("Expected no removal call for an unknown message")
	}
}

func TestIndicator_Stop_RetriesRemovalOnce(t *testing.T) {
	reactions := &fakeReactions{removeFailures: 1}
	ind := NewIndicator(reactions, nil)
	ind.retryDelay = time.Millisecond

	ind.Start(context.Background(), "om_1")
	ind.Stop(context.Background(), "om_1")

	if reactions.removedCount() != 1 {
		t.Errorf("Expected the retry to remove the reaction, got %d removals", reactions.removedCount())
	}
}

func TestIndicator_TimeoutClearsState(t *testing.T) {
	reactions := &fakeReactions{}
	ind := NewIndicator(reactions, nil)
	ind.timeout = 10 * time.Millisecond

	ind.Start(context.Background(), "om_1")

	deadline := time.Now().Add(time.Second)
	for ind.Active("om_1") {
		if time.Now().After(deadline) {
			t.Fatal("Expected the timeout to clear the indicator")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if reactions.removedCount() != 1 {
		t.Errorf("Expected the timed-out reaction to be removed, got %d removals", reactions.removedCount())
	}
}
