package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/zylos/lark-router/feishu"
	"github.com/zylos/lark-router/internal/audit"
	"github.com/zylos/lark-router/internal/conf"
	"github.com/zylos/lark-router/internal/cursor"
	"github.com/zylos/lark-router/internal/dispatch"
	"github.com/zylos/lark-router/internal/endpoint"
	"github.com/zylos/lark-router/internal/history"
	"github.com/zylos/lark-router/internal/names"
	"github.com/zylos/lark-router/internal/policy"
	"github.com/zylos/lark-router/internal/typing"
)

// Inbound is one received message event, already lifted out of the SDK
// envelope.
type Inbound struct {
	ChatID     string
	ChatType   string
	MessageID  string
	RootID     string
	ParentID   string
	ThreadID   string
	MsgType    string
	RawContent string
	CreateTime string

	SenderUserID string
	SenderOpenID string

	Mentions []feishu.Mention
}

// Platform is the message-level API surface the handler touches directly.
type Platform interface {
	SendText(ctx context.Context, receiveID, text string) (string, error)
	GetMessage(ctx context.Context, messageID string) (*feishu.QuotedMessage, error)
	DownloadResource(ctx context.Context, messageID, fileKey, resourceType, destPath string) error
}

// Handler runs the per-message pipeline: dedup happens upstream in the
// webhook route; here the message is logged, checked against policy, given
// context, formatted and dispatched.
type Handler struct {
	cfg        *conf.Store
	platform   Platform
	names      *names.Resolver
	history    *history.Store
	indicator  *typing.Indicator
	dispatcher *dispatch.Dispatcher
	cursors    *cursor.Store
	audit      *audit.Logger
	templates  *conf.Templates
	log        *slog.Logger

	mediaDir string
	channel  string

	botOpenID string
	botName   string
}

// HandlerParams collects the handler's dependencies.
type HandlerParams struct {
	Config     *conf.Store
	Platform   Platform
	Names      *names.Resolver
	History    *history.Store
	Indicator  *typing.Indicator
	Dispatcher *dispatch.Dispatcher
	Cursors    *cursor.Store
	Audit      *audit.Logger
	Templates  *conf.Templates
	MediaDir   string
	Channel    string
	Logger     *slog.Logger
}

// NewHandler wires a Handler.
func NewHandler(p HandlerParams) *Handler {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	channel := p.Channel
	if channel == "" {
		channel = "lark"
	}
	return &Handler{
		cfg:        p.Config,
		platform:   p.Platform,
		names:      p.Names,
		history:    p.History,
		indicator:  p.Indicator,
		dispatcher: p.Dispatcher,
		cursors:    p.Cursors,
		audit:      p.Audit,
		templates:  p.Templates,
		log:        log,
		mediaDir:   p.MediaDir,
		channel:    channel,
	}
}

// SetBotIdentity records the bot's own id and name, used for mention
// detection and self-attribution. Called once after startup fetch.
func (h *Handler) SetBotIdentity(openID, name string) {
	h.botOpenID = openID
	h.botName = name
	h.names.SetBotIdentity(openID, name)
}

// BotOpenID returns the bot's open id ("" when the startup fetch failed).
func (h *Handler) BotOpenID() string {
	return h.botOpenID
}

// BotName returns the bot's display name.
func (h *Handler) BotName() string {
	if h.botName == "" {
		return "bot"
	}
	return h.botName
}

// RecordOutgoing writes a bot-authored entry into the context store, used
// by the internal endpoint the send utility calls after delivering.
func (h *Handler) RecordOutgoing(chatID, threadID, text, messageID string) {
	if messageID == "" {
		messageID = fmt.Sprintf("bot_%d", time.Now().UnixMilli())
	}
	entry := history.Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		MessageID:  messageID,
		SenderID:   h.botIdentityID(),
		SenderName: h.BotName(),
		Text:       text,
	}
	if threadID != "" {
		h.history.Record(threadID, entry)
	} else if chatID != "" {
		h.history.Record(chatID, entry)
	}
}

func (h *Handler) botIdentityID() string {
	if h.botOpenID != "" {
		return h.botOpenID
	}
	return "bot"
}

// Handle processes one deduplicated inbound message.
func (h *Handler) Handle(ctx context.Context, msg Inbound) {
	cfg := h.cfg.Current()
	if !cfg.Enabled {
		return
	}

	content := feishu.ExtractContent(msg.MsgType, msg.RawContent, msg.MessageID)
	senderName := h.names.Resolve(ctx, msg.SenderUserID)

	h.log.Info("message received",
		slog.String("chat_type", msg.ChatType),
		slog.String("chat_id", msg.ChatID),
		slog.String("sender", msg.SenderUserID))

	h.logMessage(cfg, msg, content, senderName)

	switch msg.ChatType {
	case "p2p":
		h.handleDirect(ctx, cfg, msg, content, senderName)
	case "group":
		h.handleGroup(ctx, cfg, msg, content, senderName)
	}
}

// logMessage appends to the audit log and feeds the context store. Thread
// messages go to the thread buffer only, keeping thread context isolated
// from the parent group.
func (h *Handler) logMessage(cfg *conf.Config, msg Inbound, content feishu.Content, senderName string) {
	text := inlineAttachments(content, msg.MessageID)
	text = feishu.ResolveMentions(text, msg.Mentions)

	logID := msg.ChatID
	if msg.ChatType == "p2p" {
		logID = msg.SenderUserID
	}
	h.audit.Append(logID, audit.Record{
		Timestamp: msg.CreateTime,
		MessageID: msg.MessageID,
		UserID:    msg.SenderUserID,
		OpenID:    msg.SenderOpenID,
		UserName:  senderName,
		Text:      text,
	})

	entry := history.Entry{
		Timestamp:  msg.CreateTime,
		MessageID:  msg.MessageID,
		SenderID:   msg.SenderUserID,
		SenderName: senderName,
		Text:       text,
	}
	if msg.ThreadID != "" {
		h.history.Record(msg.ThreadID, entry)
	} else if msg.ChatType == "group" {
		h.history.Record(msg.ChatID, entry)
	}
}

func (h *Handler) handleDirect(ctx context.Context, cfg *conf.Config, msg Inbound, content feishu.Content, senderName string) {
	if !cfg.Owner.Bound {
		bound, err := h.bindOwner(ctx, cfg, msg)
		if err != nil {
			h.log.Error("owner bind failed", slog.Any("error", err))
		} else {
			cfg = bound
		}
	}

	if !policy.DMAllowed(cfg, msg.SenderUserID, msg.SenderOpenID) {
		h.log.Info("dm denied by policy", slog.String("sender", msg.SenderUserID))
		return
	}

	h.indicator.Start(ctx, msg.MessageID)
	h.dispatchMessage(ctx, cfg, msg, content, senderName, false)
}

func (h *Handler) handleGroup(ctx context.Context, cfg *conf.Config, msg Inbound, content feishu.Content, senderName string) {
	mentioned := feishu.IsBotMentioned(msg.Mentions, h.botOpenID)

	switch policy.GroupDecision(cfg, msg.ChatID, msg.SenderUserID, msg.SenderOpenID, mentioned) {
	case policy.GroupDenied:
		h.log.Info("group message denied by policy", slog.String("chat_id", msg.ChatID))
		return
	case policy.GroupLogOnly:
		h.log.Debug("group message logged without dispatch", slog.String("chat_id", msg.ChatID))
		return
	}

	if err := h.cursors.Update(msg.ChatID, msg.MessageID); err != nil {
		h.log.Warn("cursor update failed", slog.Any("error", err))
	}

	h.indicator.Start(ctx, msg.MessageID)

	smartNoMention := policy.IsSmart(cfg, msg.ChatID) && !mentioned
	h.dispatchMessage(ctx, cfg, msg, content, senderName, smartNoMention)
}

// dispatchMessage gathers context, downloads attachments, formats and
// ships the message. Shared by the DM and group paths.
func (h *Handler) dispatchMessage(ctx context.Context, cfg *conf.Config, msg Inbound, content feishu.Content, senderName string, smartNoMention bool) {
	desc := endpoint.Descriptor{
		ChatID:    msg.ChatID,
		ChatType:  msg.ChatType,
		RootID:    msg.RootID,
		ParentID:  msg.ParentID,
		MessageID: msg.MessageID,
		ThreadID:  msg.ThreadID,
	}

	var threadContext []history.Entry
	var quoted *dispatch.Quoted
	if msg.ThreadID != "" {
		threadContext = h.history.ContextWithFallback(ctx, msg.ThreadID, msg.MessageID, "thread")
		threadContext = h.history.PinRoot(threadContext, msg.RootID, msg.ThreadID)
	} else if msg.ParentID != "" {
		quoted = h.fetchQuoted(ctx, msg.ParentID)
	}

	var groupContext []history.Entry
	if msg.ChatType == "group" && msg.ThreadID == "" {
		groupContext = h.history.ContextWithFallback(ctx, msg.ChatID, msg.MessageID, "chat")
	}

	in := dispatch.Input{
		ChatType:       msg.ChatType,
		SenderName:     senderName,
		Quoted:         quoted,
		SmartNoMention: smartNoMention,
	}
	if len(threadContext) > 0 {
		in.Context = threadContext
		in.IsThread = true
		in.RootID = msg.RootID
	} else {
		in.Context = groupContext
	}

	cleanText := feishu.ResolveMentions(content.Text, msg.Mentions)

	onReject := func(message string) {
		h.indicator.Stop(ctx, msg.MessageID)
		if _, err := h.platform.SendText(ctx, msg.ChatID, message); err != nil {
			h.log.Error("rejection reply failed", slog.Any("error", err))
		}
	}

	switch {
	case len(content.ImageKeys) > 0:
		paths := h.downloadImages(ctx, msg, content.ImageKeys)
		if len(paths) == 0 {
			if msg.ChatType == "p2p" {
				in.Text = "[image download failed]"
				h.send(ctx, desc, in, onReject)
			} else {
				h.indicator.Stop(ctx, msg.MessageID)
			}
			return
		}
		label := "[image]"
		if len(paths) > 1 {
			label = fmt.Sprintf("[%d images]", len(paths))
		}
		in.Text = label
		if cleanText != "" {
			in.Text = label + " " + cleanText
		}
		in.MediaPath = paths[0]
		h.send(ctx, desc, in, onReject)

	case content.FileKey != "":
		path := h.mediaPath(msg, content.FileName)
		if err := h.platform.DownloadResource(ctx, msg.MessageID, content.FileKey, "file", path); err != nil {
			h.log.Warn("file download failed", slog.Any("error", err))
			if msg.ChatType == "p2p" {
				in.Text = fmt.Sprintf("[file download failed: %s]", content.FileName)
				h.send(ctx, desc, in, onReject)
			} else {
				h.indicator.Stop(ctx, msg.MessageID)
			}
			return
		}
		in.Text = fmt.Sprintf("[file: %s]", content.FileName)
		if msg.ChatType == "group" && cleanText != "" {
			in.Text += " " + cleanText
		}
		in.MediaPath = path
		h.send(ctx, desc, in, onReject)

	default:
		in.Text = cleanText
		if in.Text == "" {
			in.Text = content.Text
		}
		h.send(ctx, desc, in, onReject)
	}
}

func (h *Handler) send(ctx context.Context, desc endpoint.Descriptor, in dispatch.Input, onReject func(string)) {
	h.dispatcher.Send(ctx, dispatch.Request{
		Channel:  h.channel,
		Endpoint: desc.String(),
		Content:  dispatch.Format(in, h.templates),
	}, onReject)
}

func (h *Handler) fetchQuoted(ctx context.Context, parentID string) *dispatch.Quoted {
	quoted, err := h.platform.GetMessage(ctx, parentID)
	if err != nil {
		h.log.Debug("quoted message fetch failed",
			slog.String("message_id", parentID), slog.Any("error", err))
		return nil
	}
	return &dispatch.Quoted{
		SenderName: h.names.Resolve(ctx, quoted.SenderID),
		Text:       quoted.Text,
	}
}

func (h *Handler) downloadImages(ctx context.Context, msg Inbound, keys []string) []string {
	var paths []string
	for _, key := range keys {
		suffix := key
		if len(suffix) > 8 {
			suffix = suffix[len(suffix)-8:]
		}
		path := h.mediaPath(msg, suffix+".png")
		if err := h.platform.DownloadResource(ctx, msg.MessageID, key, "image", path); err != nil {
			h.log.Warn("image download failed",
				slog.String("image_key", key), slog.Any("error", err))
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func (h *Handler) mediaPath(msg Inbound, name string) string {
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	prefix := "lark"
	if msg.ChatType == "group" {
		prefix = "lark-group"
	}
	return filepath.Join(h.mediaDir, fmt.Sprintf("%s-%s-%s", prefix, stamp, name))
}

// bindOwner makes the first direct-message sender the owner and persists
// the updated config.
func (h *Handler) bindOwner(ctx context.Context, cfg *conf.Config, msg Inbound) (*conf.Config, error) {
	name := h.names.Resolve(ctx, msg.SenderUserID)
	updated := *cfg
	updated.Owner = conf.Owner{
		Bound:  true,
		UserID: msg.SenderUserID,
		OpenID: msg.SenderOpenID,
		Name:   name,
	}
	if err := h.cfg.Save(&updated); err != nil {
		return nil, err
	}
	h.log.Info("owner bound",
		slog.String("name", name), slog.String("user_id", msg.SenderUserID))
	return &updated, nil
}

// AlertOwner sends a side-channel notice to the bound owner, used for
// permission errors. Never blocks message handling.
func (h *Handler) AlertOwner(code int, message, grantURL string) {
	cfg := h.cfg.Current()
	if !cfg.Owner.Bound || cfg.Owner.OpenID == "" {
		return
	}
	text := fmt.Sprintf("[Lark SYSTEM] Permission error detected (code %d): %s", code, message)
	if grantURL != "" {
		text += "\nAdmin grant URL: " + grantURL
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := h.platform.SendText(ctx, cfg.Owner.OpenID, text); err != nil {
			h.log.Error("owner alert failed", slog.Any("error", err))
		}
	}()
}

// inlineAttachments renders attachment references into the text view used
// for history and audit.
func inlineAttachments(content feishu.Content, messageID string) string {
	var parts []string
	if content.Text != "" {
		parts = append(parts, content.Text)
	}
	for _, key := range content.ImageKeys {
		parts = append(parts, fmt.Sprintf("[image, image_key: %s, msg_id: %s]", key, messageID))
	}
	if content.FileKey != "" {
		parts = append(parts, fmt.Sprintf("[file: %s, file_key: %s, msg_id: %s]", content.FileName, content.FileKey, messageID))
	}
	return strings.Join(parts, "\n")
}
