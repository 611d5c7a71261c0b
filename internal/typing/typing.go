// Package typing manages the "reply in progress" reaction shown on a
// message while the downstream assistant works on it. Completion is
// signaled by a sibling process through marker files, since the sender runs
// outside this process and cannot share memory.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// Emoji is the reaction attached while a reply is pending.
	Emoji = "Typing"
	// Timeout is the hard cap after which a stuck indicator is cleared.
	Timeout = 120 * time.Second
)

// Reactions is the platform surface the indicator needs.
type Reactions interface {
	AddReaction(ctx context.Context, messageID, emojiType string) (string, error)
	RemoveReaction(ctx context.Context, messageID, reactionID string) error
}

type indicatorState struct {
	reactionID string
	timer      *time.Timer
}

// Indicator tracks active typing reactions by message id. Safe for
// concurrent use.
type Indicator struct {
	mu        sync.Mutex
	active    map[string]*indicatorState
	reactions Reactions
	timeout   time.Duration
	log       *slog.Logger
	// retryDelay is the pause before the single remove retry.
	retryDelay time.Duration
}

// NewIndicator builds an indicator over the given reactions client.
func NewIndicator(reactions Reactions, log *slog.Logger) *Indicator {
	if log == nil {
		log = slog.Default()
	}
	return &Indicator{
		active:     make(map[string]*indicatorState),
		reactions:  reactions,
		timeout:    Timeout,
		log:        log,
		retryDelay: time.Second,
	}
}

// Start attaches the reaction and arms the hard-timeout timer. Failure to
// attach is logged and swallowed; the indicator is cosmetic.
func (i *Indicator) Start(ctx context.Context, messageID string) {
	reactionID, err := i.reactions.AddReaction(ctx, messageID, Emoji)
	if err != nil || reactionID == "" {
		if err != nil {
			i.log.Debug("add typing reaction failed",
				slog.String("message_id", messageID), slog.Any("error", err))
		}
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	state := &indicatorState{reactionID: reactionID}
	state.timer = time.AfterFunc(i.timeout, func() {
		i.log.Info("typing indicator timed out", slog.String("message_id", messageID))
		i.Stop(context.Background(), messageID)
	})
	i.active[messageID] = state
}

// Stop clears the reaction and forgets the indicator. Removal gets one
// delayed retry; past that the reaction is abandoned and only logged.
func (i *Indicator) Stop(ctx context.Context, messageID string) {
	i.mu.Lock()
	state, ok := i.active[messageID]
	if ok {
		delete(i.active, messageID)
	}
	i.mu.Unlock()
	if !ok {
		return
	}
	state.timer.Stop()

	if err := i.reactions.RemoveReaction(ctx, messageID, state.reactionID); err != nil {
		time.Sleep(i.retryDelay)
		if err := i.reactions.RemoveReaction(ctx, messageID, state.reactionID); err != nil {
			i.log.Warn("remove typing reaction failed",
				slog.String("message_id", messageID), slog.Any("error", err))
		}
	}
}

// Active reports whether a message currently shows the indicator.
func (i *Indicator) Active(messageID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.active[messageID]
	return ok
}
