package conf

import (
	"encoding/json"
	"fmt"
	"os"
)

// MigrateLegacy rewrites a config file from the pre-groups layout
// (allowed_groups, smart_groups, group_whitelist, whitelist) to the current
// one. The old fields are kept under _legacy_* keys so the migration can be
// audited. Works on the raw JSON so fields this version does not know about
// are preserved. Returns the migration log, empty when nothing changed.
func MigrateLegacy(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var log []string

	groups, _ := raw["groups"].(map[string]any)
	if groups == nil {
		groups = map[string]any{}
	}

	if allowed, ok := raw["allowed_groups"].([]any); ok && len(allowed) > 0 {
		for _, item := range allowed {
			g, _ := item.(map[string]any)
			chatID, _ := g["chat_id"].(string)
			if chatID == "" {
				continue
			}
			if _, exists := groups[chatID]; exists {
				continue
			}
			name, _ := g["name"].(string)
			if name == "" {
				name = "unnamed"
			}
			groups[chatID] = map[string]any{"name": name, "mode": ModeMention}
			log = append(log, fmt.Sprintf("allowed_group %s (%s) -> groups[mention]", chatID, name))
		}
		raw["_legacy_allowed_groups"] = allowed
		delete(raw, "allowed_groups")
	}

	if smart, ok := raw["smart_groups"].([]any); ok && len(smart) > 0 {
		for _, item := range smart {
			g, _ := item.(map[string]any)
			chatID, _ := g["chat_id"].(string)
			if chatID == "" {
				continue
			}
			name, _ := g["name"].(string)
			if name == "" {
				if prev, ok := groups[chatID].(map[string]any); ok {
					name, _ = prev["name"].(string)
				}
			}
			if name == "" {
				name = "unnamed"
			}
			// smart wins over a mention entry migrated above
			groups[chatID] = map[string]any{"name": name, "mode": ModeSmart}
			log = append(log, fmt.Sprintf("smart_group %s (%s) -> groups[smart]", chatID, name))
		}
		raw["_legacy_smart_groups"] = smart
		delete(raw, "smart_groups")
	}

	for chatID, item := range groups {
		g, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rm, has := g["requireMention"]
		if !has {
			continue
		}
		if mode, _ := g["mode"].(string); mode == "" {
			mode = ModeMention
			if v, ok := rm.(bool); ok && !v {
				mode = ModeSmart
			}
			g["mode"] = mode
			g["_legacy_requireMention"] = rm
			delete(g, "requireMention")
			log = append(log, fmt.Sprintf("groups[%s] requireMention=%v -> mode=%s", chatID, rm, mode))
		}
	}

	if len(groups) > 0 {
		raw["groups"] = groups
	}

	if gw, ok := raw["group_whitelist"]; ok {
		policy := PolicyAllowlist
		if m, ok := gw.(map[string]any); ok {
			if enabled, ok := m["enabled"].(bool); ok && !enabled {
				policy = PolicyOpen
			}
		}
		raw["groupPolicy"] = policy
		raw["_legacy_group_whitelist"] = gw
		delete(raw, "group_whitelist")
		log = append(log, fmt.Sprintf("group_whitelist -> groupPolicy=%s", policy))
	}

	if wl, ok := raw["whitelist"].(map[string]any); ok {
		if _, has := raw["dmPolicy"]; !has {
			enabled, ok := wl["private_enabled"].(bool)
			if !ok {
				enabled, _ = wl["enabled"].(bool)
			}
			policy := PolicyOpen
			if enabled {
				policy = PolicyAllowlist
			}
			raw["dmPolicy"] = policy
			if _, has := raw["dmAllowFrom"]; !has {
				var users []any
				if priv, ok := wl["private_users"].([]any); ok {
					users = append(users, priv...)
				}
				if grp, ok := wl["group_users"].([]any); ok {
					users = append(users, grp...)
				}
				if len(users) > 0 {
					raw["dmAllowFrom"] = users
				}
			}
			log = append(log, fmt.Sprintf("whitelist -> dmPolicy=%s", policy))
		}
		raw["_legacy_whitelist"] = wl
		delete(raw, "whitelist")
	}

	if _, ok := raw["groupPolicy"]; !ok {
		raw["groupPolicy"] = PolicyAllowlist
		log = append(log, "set default groupPolicy=allowlist")
	}

	if len(log) == 0 {
		return nil, nil
	}

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename config: %w", err)
	}
	return log, nil
}
