// Package policy decides which inbound messages the router acts on. All
// decisions are pure functions over a config snapshot plus event
// attributes, so they are trivially testable and never see a live global.
package policy

import (
	"strings"

	"github.com/zylos/lark-router/internal/conf"
)

// GroupVerdict is the outcome of the group decision chain.
type GroupVerdict int

const (
	// GroupDenied means the message is dropped entirely.
	GroupDenied GroupVerdict = iota
	// GroupLogOnly means the group is allowed, so the message feeds the
	// context buffer, but no reply is dispatched (mention mode without a
	// mention).
	GroupLogOnly
	// GroupDispatch means the message triggers a reply.
	GroupDispatch
)

// IsOwner reports whether either id matches the bound owner.
func IsOwner(cfg *conf.Config, userID, openID string) bool {
	if !cfg.Owner.Bound {
		return false
	}
	return (userID != "" && cfg.Owner.UserID == userID) ||
		(openID != "" && cfg.Owner.OpenID == openID)
}

// DMAllowed applies the direct-message policy. The owner is always
// allowed.
func DMAllowed(cfg *conf.Config, userID, openID string) bool {
	if IsOwner(cfg, userID, openID) {
		return true
	}
	switch cfg.DMPolicy {
	case conf.PolicyOpen:
		return true
	case conf.PolicyAllowlist:
		return inList(cfg.DMAllowFrom, userID, openID)
	default:
		// owner policy, or anything unrecognized, admits only the owner
		return false
	}
}

// GroupDecision runs the group chain in order, stopping at the first
// failure:
//  1. disabled policy denies everyone, the owner included
//  2. the group must be configured (or policy open), except that the owner
//     directly mentioning the bot always gets through
//  3. a non-empty per-group allowFrom must match the sender, unless owner
//  4. mention-mode groups need an explicit mention to dispatch; failing
//     only this step still logs the message to context
func GroupDecision(cfg *conf.Config, chatID, userID, openID string, mentioned bool) GroupVerdict {
	if cfg.GroupPolicy == conf.PolicyDisabled {
		return GroupDenied
	}

	owner := IsOwner(cfg, userID, openID)

	if !groupAllowed(cfg, chatID) && !(owner && mentioned) {
		return GroupDenied
	}

	if !senderAllowed(cfg, chatID, userID, openID) && !owner {
		return GroupDenied
	}

	if !IsSmart(cfg, chatID) && !mentioned {
		return GroupLogOnly
	}

	return GroupDispatch
}

// IsSmart reports whether the group dispatches on every message without a
// mention.
func IsSmart(cfg *conf.Config, chatID string) bool {
	g, ok := cfg.Groups[chatID]
	return ok && g.IsSmart()
}

func groupAllowed(cfg *conf.Config, chatID string) bool {
	if cfg.GroupPolicy == conf.PolicyOpen {
		return true
	}
	_, ok := cfg.Groups[chatID]
	return ok
}

func senderAllowed(cfg *conf.Config, chatID, userID, openID string) bool {
	g, ok := cfg.Groups[chatID]
	if !ok || len(g.AllowFrom) == 0 {
		return true
	}
	return inList(g.AllowFrom, userID, openID)
}

func inList(list []string, userID, openID string) bool {
	for _, allowed := range list {
		a := strings.ToLower(allowed)
		if a == "*" {
			return true
		}
		if userID != "" && a == strings.ToLower(userID) {
			return true
		}
		if openID != "" && a == strings.ToLower(openID) {
			return true
		}
	}
	return false
}
