package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Policy values for DM and group access control.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyOwner     = "owner"
	PolicyDisabled  = "disabled"
)

// Group modes.
const (
	ModeMention = "mention"
	ModeSmart   = "smart"
)

// DefaultHistoryLimit is the per-conversation context size used when neither
// the group record nor the message settings override it.
const DefaultHistoryLimit = 5

// Config is an immutable snapshot of the router configuration. Handlers
// capture one snapshot per event and never read a live global.
type Config struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	WebhookPort int    `json:"webhook_port" mapstructure:"webhook_port"`
	Bot         Bot    `json:"bot" mapstructure:"bot"`
	Owner       Owner  `json:"owner" mapstructure:"owner"`
	DMPolicy    string `json:"dmPolicy" mapstructure:"dmPolicy"`
	// DM allowlist, user_id or open_id values (used when DMPolicy is allowlist)
	DMAllowFrom []string         `json:"dmAllowFrom" mapstructure:"dmAllowFrom"`
	GroupPolicy string           `json:"groupPolicy" mapstructure:"groupPolicy"`
	Groups      map[string]Group `json:"groups" mapstructure:"groups"`
	Assistant   Assistant        `json:"assistant" mapstructure:"assistant"`
	Message     Message          `json:"message" mapstructure:"message"`
}

// Bot holds the webhook security settings.
type Bot struct {
	EncryptKey        string `json:"encrypt_key" mapstructure:"encrypt_key"`
	VerificationToken string `json:"verification_token" mapstructure:"verification_token"`
}

// Owner is the single privileged identity, bound from the first direct
// message while unbound.
type Owner struct {
	Bound  bool   `json:"bound" mapstructure:"bound"`
	UserID string `json:"user_id" mapstructure:"user_id"`
	OpenID string `json:"open_id" mapstructure:"open_id"`
	Name   string `json:"name" mapstructure:"name"`
}

// Group is the per-conversation policy record, read-only to the core at
// event-handling time.
type Group struct {
	Name         string   `json:"name" mapstructure:"name"`
	Mode         string   `json:"mode" mapstructure:"mode"`
	AllowFrom    []string `json:"allowFrom" mapstructure:"allowFrom"`
	HistoryLimit int      `json:"historyLimit" mapstructure:"historyLimit"`
}

// Assistant configures the downstream assistant invocation.
type Assistant struct {
	// Command is the receive executable handed inbound traffic.
	Command string `json:"command" mapstructure:"command"`
	// Channel is the channel name reported to the receive command.
	Channel string `json:"channel" mapstructure:"channel"`
}

// Message holds formatting-layer settings.
type Message struct {
	ContextMessages int `json:"context_messages" mapstructure:"context_messages"`
	// UseMarkdownCard renders outgoing messages as interactive cards with
	// markdown. Passed through to the send utility untouched by the core.
	UseMarkdownCard bool `json:"useMarkdownCard" mapstructure:"useMarkdownCard"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Enabled:     true,
		WebhookPort: 3457,
		DMPolicy:    PolicyOwner,
		DMAllowFrom: []string{},
		GroupPolicy: PolicyAllowlist,
		Groups:      map[string]Group{},
		Assistant:   Assistant{Channel: "lark"},
		Message:     Message{ContextMessages: DefaultHistoryLimit},
	}
}

// IsSmart reports whether the group record selects smart mode.
func (g Group) IsSmart() bool {
	return g.Mode == ModeSmart
}

// HistoryLimitFor resolves the context size for a conversation: group record
// first, then the global message setting, then the built-in default.
func (c *Config) HistoryLimitFor(chatID string) int {
	if g, ok := c.Groups[chatID]; ok && g.HistoryLimit > 0 {
		return g.HistoryLimit
	}
	if c.Message.ContextMessages > 0 {
		return c.Message.ContextMessages
	}
	return DefaultHistoryLimit
}

// Validate checks the startup-fatal invariants.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bot.VerificationToken) == "" {
		return &Error{Field: "bot.verification_token", Message: "required; find it under Event Subscriptions in the developer console"}
	}
	return nil
}

// Error is a configuration error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}

// Store holds the current config snapshot and swaps it on reload. Reads are
// lock-free; in-flight handlers keep the snapshot they captured.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// Load reads the config file (or defaults if absent) and returns a Store
// positioned on it.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	cfg, err := read(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return s, nil
}

func read(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Groups == nil {
		cfg.Groups = map[string]Group{}
	}
	return cfg, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Path returns the config file path.
func (s *Store) Path() string {
	return s.path
}

// Watch reloads the snapshot whenever the config file changes. onChange
// receives the fresh snapshot after the swap.
func (s *Store) Watch(onChange func(*Config)) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := read(s.path)
		if err != nil {
			return
		}
		s.current.Store(cfg)
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
}

// Save writes the snapshot atomically (temp file + rename) and makes it
// current. The file is plain JSON so the admin CLI and the send utility can
// read it without this process.
func (s *Store) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	s.current.Store(cfg)
	return nil
}

// Credentials are the bot app secrets, taken from the environment so they
// never land in the config file.
type Credentials struct {
	AppID     string
	AppSecret string
}

// CredentialsFromEnv reads LARK_APP_ID and LARK_APP_SECRET.
func CredentialsFromEnv() Credentials {
	return Credentials{
		AppID:     os.Getenv("LARK_APP_ID"),
		AppSecret: os.Getenv("LARK_APP_SECRET"),
	}
}
