package typing

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// doneSuffix names completion markers: <message_id>.done
const doneSuffix = ".done"

// orphanAge is how old an unmatched marker may get before it is deleted.
// Markers can outlive their indicator when the send utility replies to a
// message this process never showed an indicator for.
const orphanAge = time.Minute

// Mailbox is the filesystem channel between this process and the send
// utility. The sender drops one marker file per answered message; the
// poller here consumes them.
type Mailbox struct {
	dir string
	log *slog.Logger
	now func() time.Time
}

// NewMailbox returns a mailbox over dir, creating it if needed.
func NewMailbox(dir string, log *slog.Logger) (*Mailbox, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Mailbox{dir: dir, log: log, now: time.Now}, nil
}

// MarkDone writes the completion marker for a message. Called from the
// send utility's process, not the router's.
func (m *Mailbox) MarkDone(messageID string) error {
	if messageID == "" {
		return nil
	}
	ts := strconv.FormatInt(m.now().UnixMilli(), 10)
	return os.WriteFile(filepath.Join(m.dir, messageID+doneSuffix), []byte(ts), 0o644)
}

// PurgeAll removes every marker. Run at startup so markers from a previous
// process lifetime cannot clear fresh indicators.
func (m *Mailbox) PurgeAll() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.Remove(filepath.Join(m.dir, e.Name()))
	}
	if len(entries) > 0 {
		m.log.Info("purged stale typing markers", slog.Int("count", len(entries)))
	}
}

// Poll consumes completion markers, stopping the matching indicators.
// Markers without a matching indicator are left in place until they age
// out, in case the indicator is still being set up.
func (m *Mailbox) Poll(ctx context.Context, ind *Indicator) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}
	now := m.now()
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, doneSuffix) {
			continue
		}
		messageID := strings.TrimSuffix(name, doneSuffix)
		path := filepath.Join(m.dir, name)

		if ind.Active(messageID) {
			ind.Stop(ctx, messageID)
			os.Remove(path)
			m.log.Info("typing indicator cleared", slog.String("message_id", messageID))
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || now.Sub(time.UnixMilli(ms)) > orphanAge {
			os.Remove(path)
		}
	}
}
