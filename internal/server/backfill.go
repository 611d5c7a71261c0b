package server

import (
	"context"
	"time"

	"github.com/zylos/lark-router/feishu"
	"github.com/zylos/lark-router/internal/history"
	"github.com/zylos/lark-router/internal/names"
)

// historyLister is the slice of the platform client used for backfill.
type historyLister interface {
	ListMessages(ctx context.Context, containerID, containerType string, limit int) ([]feishu.HistoryEntry, error)
}

// Backfiller adapts the platform history API to the context store's lazy
// load, resolving sender names along the way.
type Backfiller struct {
	lister historyLister
	names  *names.Resolver
}

// NewBackfiller wires the adapter.
func NewBackfiller(lister historyLister, names *names.Resolver) *Backfiller {
	return &Backfiller{lister: lister, names: names}
}

// Backfill implements history.Backfiller. kind "thread" lists the thread
// container, anything else the chat.
func (b *Backfiller) Backfill(ctx context.Context, conversationID, kind string, limit int) ([]history.Entry, error) {
	containerType := "chat"
	if kind == "thread" {
		containerType = "thread"
	}
	fetched, err := b.lister.ListMessages(ctx, conversationID, containerType, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]history.Entry, 0, len(fetched))
	for _, m := range fetched {
		entries = append(entries, history.Entry{
			Timestamp:  m.CreateTime.UTC().Format(time.RFC3339),
			MessageID:  m.MessageID,
			SenderID:   m.SenderID,
			SenderName: b.names.Resolve(ctx, m.SenderID),
			Text:       m.Text,
		})
	}
	return entries, nil
}
