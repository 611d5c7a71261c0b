// Package names resolves sender ids to display names through a TTL cache.
// The cache is memory-first; a disk snapshot warms it across restarts.
package names

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zylos/lark-router/feishu"
)

// TTL is how long a resolved name is authoritative.
const TTL = 10 * time.Minute

// Lookup is the remote side of name resolution.
type Lookup interface {
	UserName(ctx context.Context, userID string) (string, error)
}

// AlertFunc receives permission errors for owner notification. Rate
// limiting happens in the resolver, not the callback.
type AlertFunc func(code int, message, grantURL string)

type cacheEntry struct {
	name     string
	expireAt time.Time
}

// Resolver caches display names with a TTL and falls back gracefully when
// the remote lookup fails. Safe for concurrent use.
type Resolver struct {
	mu     sync.Mutex
	cache  map[string]cacheEntry
	dirty  bool
	lookup Lookup
	path   string
	log    *slog.Logger

	botOpenID string
	botName   string

	alert         AlertFunc
	alertCooldown time.Duration
	lastAlert     time.Time

	now func() time.Time
}

// NewResolver builds a resolver backed by lookup, snapshotting to path.
// alert may be nil.
func NewResolver(lookup Lookup, path string, alert AlertFunc, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		cache:         make(map[string]cacheEntry),
		lookup:        lookup,
		path:          path,
		log:           log,
		alert:         alert,
		alertCooldown: 5 * time.Minute,
		now:           time.Now,
	}
}

// SetAlert installs the permission-error callback after construction,
// which lets the resolver and its consumer be wired in either order.
func (r *Resolver) SetAlert(alert AlertFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alert = alert
}

// SetBotIdentity registers the bot's own id so its messages resolve without
// a remote call.
func (r *Resolver) SetBotIdentity(openID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botOpenID = openID
	r.botName = name
}

// Resolve returns the display name for a sender id. Resolution order: bot
// identity, unexpired cache entry, remote lookup. A failed lookup falls
// back to an expired cache entry and finally to the raw id.
func (r *Resolver) Resolve(ctx context.Context, userID string) string {
	if userID == "" {
		return "unknown"
	}

	r.mu.Lock()
	if r.botOpenID != "" && userID == r.botOpenID || strings.HasPrefix(userID, "cli_") {
		name := r.botName
		r.mu.Unlock()
		if name == "" {
			return "bot"
		}
		return name
	}
	cached, hasCached := r.cache[userID]
	now := r.now()
	r.mu.Unlock()

	if hasCached && cached.expireAt.After(now) {
		return cached.name
	}

	name, err := r.lookup.UserName(ctx, userID)
	if err != nil {
		var apiErr *feishu.APIError
		if errors.As(err, &apiErr) && apiErr.IsPermission() {
			r.notifyPermission(apiErr)
		} else {
			r.log.Debug("name lookup failed", slog.String("user_id", userID), slog.Any("error", err))
		}
		if hasCached {
			return cached.name
		}
		return userID
	}

	r.mu.Lock()
	r.cache[userID] = cacheEntry{name: name, expireAt: now.Add(TTL)}
	r.dirty = true
	r.mu.Unlock()
	return name
}

// notifyPermission forwards a permission error to the owner alert at most
// once per cooldown window.
func (r *Resolver) notifyPermission(apiErr *feishu.APIError) {
	r.mu.Lock()
	now := r.now()
	if now.Sub(r.lastAlert) < r.alertCooldown {
		r.mu.Unlock()
		return
	}
	r.lastAlert = now
	alert := r.alert
	r.mu.Unlock()

	r.log.Error("lark api permission error",
		slog.Int("code", apiErr.Code),
		slog.String("msg", apiErr.Msg))
	if alert != nil {
		alert(apiErr.Code, apiErr.Msg, apiErr.GrantURL)
	}
}

// LoadSnapshot warms the cache from the disk snapshot. Names get a fresh
// TTL; staleness across a restart is acceptable for display purposes.
func (r *Resolver) LoadSnapshot() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var snapshot map[string]string
	if err := json.Unmarshal(data, &snapshot); err != nil {
		r.log.Warn("name cache snapshot unreadable", slog.Any("error", err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	expire := r.now().Add(TTL)
	for id, name := range snapshot {
		r.cache[id] = cacheEntry{name: name, expireAt: expire}
	}
	r.log.Info("name cache loaded", slog.Int("entries", len(snapshot)))
}

// Persist writes the snapshot if anything changed since the last write.
// Meant to run on a fixed schedule.
func (r *Resolver) Persist() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	snapshot := make(map[string]string, len(r.cache))
	for id, entry := range r.cache {
		snapshot[id] = entry.name
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Warn("persist name cache", slog.Any("error", err))
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		r.log.Warn("persist name cache", slog.Any("error", err))
	}
}
