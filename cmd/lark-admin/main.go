// Command lark-admin edits the router configuration from the shell. It
// operates directly on config.json; the running router picks changes up
// through its file watcher, so no restart is needed.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zylos/lark-router/internal/conf"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lark-admin",
		Short:         "Manage lark-router configuration",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newShowOwnerCmd())
	cmd.AddCommand(newUnbindOwnerCmd())
	cmd.AddCommand(newListGroupsCmd())
	cmd.AddCommand(newAddGroupCmd())
	cmd.AddCommand(newRemoveGroupCmd())
	cmd.AddCommand(newSetGroupModeCmd())
	cmd.AddCommand(newSetGroupPolicyCmd())
	cmd.AddCommand(newSetGroupAllowFromCmd())
	cmd.AddCommand(newSetGroupHistoryLimitCmd())
	cmd.AddCommand(newSetDMPolicyCmd())
	cmd.AddCommand(newDMAllowCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

func openStore() (*conf.Store, error) {
	return conf.Load(conf.ResolvePaths().Config())
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the full configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(store.Current(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newShowOwnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-owner",
		Short: "Show the bound owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			owner := store.Current().Owner
			out := cmd.OutOrStdout()
			if !owner.Bound {
				fmt.Fprintln(out, "No owner bound (first direct-message sender becomes owner)")
				return nil
			}
			name := owner.Name
			if name == "" {
				name = "unknown"
			}
			fmt.Fprintf(out, "Owner: %s\n", name)
			fmt.Fprintf(out, "  user_id: %s\n", owner.UserID)
			fmt.Fprintf(out, "  open_id: %s\n", owner.OpenID)
			return nil
		},
	}
}

func newUnbindOwnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unbind-owner",
		Short: "Clear the owner binding so the next direct message rebinds it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			cfg.Owner = conf.Owner{}
			if err := store.Save(&cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Owner unbound. The next direct message will bind a new owner.")
			return nil
		},
	}
}

func newListGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list-groups",
		Aliases: []string{"list-allowed-groups", "list-smart-groups"},
		Short:   "List configured groups",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := store.Current()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Group policy: %s\n", cfg.GroupPolicy)
			if len(cfg.Groups) == 0 {
				fmt.Fprintln(out, "No groups configured")
				return nil
			}
			for chatID, g := range cfg.Groups {
				mode := g.Mode
				if mode == "" {
					mode = conf.ModeMention
				}
				fmt.Fprintf(out, "  %s  %s (mode: %s", chatID, g.Name, mode)
				if len(g.AllowFrom) > 0 {
					fmt.Fprintf(out, ", allowFrom: %s", strings.Join(g.AllowFrom, ","))
				}
				if g.HistoryLimit > 0 {
					fmt.Fprintf(out, ", historyLimit: %d", g.HistoryLimit)
				}
				fmt.Fprintln(out, ")")
			}
			return nil
		},
	}
}

func newAddGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-group <chat_id> <name> [mention|smart]",
		Short: "Add or update a group",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := conf.ModeMention
			if len(args) == 3 {
				mode = args[2]
				if mode != conf.ModeMention && mode != conf.ModeSmart {
					return fmt.Errorf("invalid mode %q (want mention or smart)", mode)
				}
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			groups := make(map[string]conf.Group, len(cfg.Groups)+1)
			for k, v := range cfg.Groups {
				groups[k] = v
			}
			g := groups[args[0]]
			g.Name = args[1]
			g.Mode = mode
			groups[args[0]] = g
			cfg.Groups = groups
			if err := store.Save(&cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %s (%s) set to mode %s\n", args[1], args[0], mode)
			return nil
		},
	}
}

func newRemoveGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove-group <chat_id>",
		Aliases: []string{"remove-allowed-group", "remove-smart-group"},
		Short:   "Remove a group",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			if _, ok := cfg.Groups[args[0]]; !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Group %s not configured\n", args[0])
				return nil
			}
			groups := make(map[string]conf.Group, len(cfg.Groups))
			for k, v := range cfg.Groups {
				if k != args[0] {
					groups[k] = v
				}
			}
			cfg.Groups = groups
			if err := store.Save(&cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed group %s\n", args[0])
			return nil
		},
	}
}

func newSetGroupModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-group-mode <chat_id> <mention|smart>",
		Short: "Change a group's reply mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[1]
			if mode != conf.ModeMention && mode != conf.ModeSmart {
				return fmt.Errorf("invalid mode %q (want mention or smart)", mode)
			}
			return updateGroup(cmd, args[0], func(g *conf.Group) {
				g.Mode = mode
			}, fmt.Sprintf("Group %s set to mode %s", args[0], mode))
		},
	}
}

func newSetGroupPolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-group-policy <open|allowlist|disabled>",
		Short: "Set the global group access policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := args[0]
			switch policy {
			case conf.PolicyOpen, conf.PolicyAllowlist, conf.PolicyDisabled:
			default:
				return fmt.Errorf("invalid policy %q (want open, allowlist or disabled)", policy)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			cfg.GroupPolicy = policy
			if err := store.Save(&cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group policy set to %s\n", policy)
			return nil
		},
	}
}

func newSetGroupAllowFromCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-group-allowfrom <chat_id> [user_id...]",
		Short: "Restrict a group to specific senders (no ids clears the restriction)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allow := args[1:]
			msg := fmt.Sprintf("Group %s allowFrom cleared (all members allowed)", args[0])
			if len(allow) > 0 {
				msg = fmt.Sprintf("Group %s restricted to: %s", args[0], strings.Join(allow, ", "))
			}
			return updateGroup(cmd, args[0], func(g *conf.Group) {
				g.AllowFrom = allow
			}, msg)
		},
	}
}

func newSetGroupHistoryLimitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-group-history-limit <chat_id> <limit>",
		Short: "Set the per-group context message count (0 resets to the default)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid limit %q", args[1])
			}
			return updateGroup(cmd, args[0], func(g *conf.Group) {
				g.HistoryLimit = limit
			}, fmt.Sprintf("Group %s history limit set to %d", args[0], limit))
		},
	}
}

func newSetDMPolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-dm-policy <open|owner|allowlist>",
		Short: "Set the direct-message access policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := args[0]
			switch policy {
			case conf.PolicyOpen, conf.PolicyOwner, conf.PolicyAllowlist:
			default:
				return fmt.Errorf("invalid policy %q (want open, owner or allowlist)", policy)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			cfg.DMPolicy = policy
			if err := store.Save(&cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DM policy set to %s\n", policy)
			return nil
		},
	}
}

func newDMAllowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dm-allow",
		Short: "Manage the direct-message allowlist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List allowed DM senders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := store.Current()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "DM policy: %s\n", cfg.DMPolicy)
			if len(cfg.DMAllowFrom) == 0 {
				fmt.Fprintln(out, "Allowlist empty (owner only when policy is allowlist)")
				return nil
			}
			for _, id := range cfg.DMAllowFrom {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <user_id_or_open_id>",
		Short: "Add a sender to the DM allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			for _, id := range cfg.DMAllowFrom {
				if id == args[0] {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already allowed\n", args[0])
					return nil
				}
			}
			cfg.DMAllowFrom = append(append([]string{}, cfg.DMAllowFrom...), args[0])
			if err := store.Save(&cfg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Added %s to the DM allowlist\n", args[0])
			if cfg.DMPolicy != conf.PolicyAllowlist {
				fmt.Fprintf(out, "Note: dmPolicy is %q; the allowlist only applies under allowlist\n", cfg.DMPolicy)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <user_id_or_open_id>",
		Short: "Remove a sender from the DM allowlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cfg := *store.Current()
			kept := make([]string, 0, len(cfg.DMAllowFrom))
			for _, id := range cfg.DMAllowFrom {
				if id != args[0] {
					kept = append(kept, id)
				}
			}
			if len(kept) == len(cfg.DMAllowFrom) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s not found in the DM allowlist\n", args[0])
				return nil
			}
			cfg.DMAllowFrom = kept
			if err := store.Save(&cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the DM allowlist\n", args[0])
			return nil
		},
	})

	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a legacy config file in place",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations, err := conf.MigrateLegacy(conf.ResolvePaths().Config())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(migrations) == 0 {
				fmt.Fprintln(out, "No migration needed")
				return nil
			}
			fmt.Fprintln(out, "Config migrated:")
			for _, m := range migrations {
				fmt.Fprintf(out, "  - %s\n", m)
			}
			return nil
		},
	}
}

// updateGroup mutates one group record through fn and saves. The group must
// already exist; per-group settings on unknown chats are almost always typos.
func updateGroup(cmd *cobra.Command, chatID string, fn func(*conf.Group), msg string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	cfg := *store.Current()
	g, ok := cfg.Groups[chatID]
	if !ok {
		return fmt.Errorf("group %s not configured (add it with add-group first)", chatID)
	}
	fn(&g)
	groups := make(map[string]conf.Group, len(cfg.Groups))
	for k, v := range cfg.Groups {
		groups[k] = v
	}
	groups[chatID] = g
	cfg.Groups = groups
	if err := store.Save(&cfg); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}
