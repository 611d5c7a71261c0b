package typing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMailbox_Poll_ClearsMatchingIndicator(t *testing.T) {
	mb, err := NewMailbox(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	reactions := &fakeReactions{}
	ind := NewIndicator(reactions, nil)
	ind.Start(context.Background(), "om_1")

	if err := mb.MarkDone("om_1"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	mb.Poll(context.Background(), ind)

	if ind.Active("om_1") {
		t.Error("Expected the marker to stop the indicator")
	}
	if _, err := os.Stat(filepath.Join(mb.dir, "om_1.done")); !os.IsNotExist(err) {
		t.Error("Expected the consumed marker to be removed")
	}
}

func TestMailbox_Poll_KeepsFreshOrphan(t *testing.T) {
	mb, err := NewMailbox(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	ind := NewIndicator(&fakeReactions{}, nil)

	if err := mb.MarkDone("om_orphan"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	mb.Poll(context.Background(), ind)

	if _, err := os.Stat(filepath.Join(mb.dir, "om_orphan.done")); err != nil {
		t.Error("Expected a fresh orphan marker to survive the poll")
	}
}

func TestMailbox_Poll_DeletesAgedOrphan(t *testing.T) {
	mb, err := NewMailbox(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	ind := NewIndicator(&fakeReactions{}, nil)

	base := time.Now()
	mb.now = func() time.Time { return base }
	if err := mb.MarkDone("om_orphan"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	mb.now = func() time.Time { return base.Add(2 * time.Minute) }
	mb.Poll(context.Background(), ind)

	if _, err := os.Stat(filepath.Join(mb.dir, "om_orphan.done")); !os.IsNotExist(err) {
		t.Error("Expected an aged orphan marker to be deleted")
	}
}

func TestMailbox_Poll_DeletesUnparseableMarker(t *testing.T) {
	mb, err := NewMailbox(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	ind := NewIndicator(&fakeReactions{}, nil)

	path := filepath.Join(mb.dir, "om_bad.done")
	if err := os.WriteFile(path, []byte("not a timestamp"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mb.Poll(context.Background(), ind)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected an unparseable marker to be deleted")
	}
}

func TestMailbox_PurgeAll(t *testing.T) {
	mb, err := NewMailbox(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	mb.MarkDone("om_1")
	mb.MarkDone("om_2")

	mb.PurgeAll()

	entries, err := os.ReadDir(mb.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected an empty mailbox after purge, got %d entries", len(entries))
	}
}

func TestMailbox_MarkDone_EmptyIDNoop(t *testing.T) {
	mb, err := NewMailbox(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}
	if err := mb.MarkDone(""); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	entries, _ := os.ReadDir(mb.dir)
	if len(entries) != 0 {
		t.Errorf("Expected no marker for an empty id, got %d entries", len(entries))
	}
}
