package server

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zylos/lark-router/feishu"
	"github.com/zylos/lark-router/internal/audit"
	"github.com/zylos/lark-router/internal/conf"
	"github.com/zylos/lark-router/internal/cursor"
	"github.com/zylos/lark-router/internal/dispatch"
	"github.com/zylos/lark-router/internal/endpoint"
	"github.com/zylos/lark-router/internal/history"
	"github.com/zylos/lark-router/internal/names"
	"github.com/zylos/lark-router/internal/typing"
)

type fakePlatform struct {
	mu        sync.Mutex
	sent      []string
	reactions []string
	quoted    *feishu.QuotedMessage
	dlErr     error
	downloads []string
}

func (f *fakePlatform) SendText(ctx context.Context, receiveID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, receiveID+": "+text)
	return "om_sent", nil
}

func (f *fakePlatform) GetMessage(ctx context.Context, messageID string) (*feishu.QuotedMessage, error) {
	if f.quoted == nil {
		return nil, errors.New("not found")
	}
	return f.quoted, nil
}

func (f *fakePlatform) DownloadResource(ctx context.Context, messageID, fileKey, resourceType, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dlErr != nil {
		return f.dlErr
	}
	f.downloads = append(f.downloads, destPath)
	return nil
}

func (f *fakePlatform) AddReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID)
	return "reaction_" + messageID, nil
}

func (f *fakePlatform) RemoveReaction(ctx context.Context, messageID, reactionID string) error {
	return nil
}

func (f *fakePlatform) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type recordingClient struct {
	mu       sync.Mutex
	requests []dispatch.Request
	response *dispatch.Response
}

func (r *recordingClient) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.response != nil {
		return r.response, nil
	}
	return &dispatch.Response{OK: true}, nil
}

func (r *recordingClient) all() []dispatch.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Request(nil), r.requests...)
}

type staticLookup map[string]string

func (s staticLookup) UserName(ctx context.Context, userID string) (string, error) {
	if name, ok := s[userID]; ok {
		return name, nil
	}
	return "", errors.New("unknown user")
}

type testRig struct {
	handler  *Handler
	store    *conf.Store
	platform *fakePlatform
	client   *recordingClient
	history  *history.Store
	cursors  *cursor.Store
}

func newTestRig(t *testing.T, mutate func(*conf.Config)) *testRig {
	t.Helper()
	dir := t.TempDir()

	store, err := conf.Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("conf.Load: %v", err)
	}
	cfg := *store.Current()
	cfg.Bot.VerificationToken = "tok"
	if mutate != nil {
		mutate(&cfg)
	}
	if err := store.Save(&cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	platform := &fakePlatform{}
	client := &recordingClient{}
	resolver := names.NewResolver(staticLookup{
		"owner_uid":    "Olive Owner",
		"stranger_uid": "Sam Stranger",
		"member_uid":   "Mia Member",
	}, filepath.Join(dir, "user-cache.json"), nil, nil)

	hist := history.NewStore(func(conversationID, kind string) int {
		return store.Current().HistoryLimitFor(conversationID)
	}, nil)

	auditLog, err := audit.NewLogger(filepath.Join(dir, "logs"), nil)
	if err != nil {
		t.Fatalf("audit.NewLogger: %v", err)
	}

	h := NewHandler(HandlerParams{
		Config:     store,
		Platform:   platform,
		Names:      resolver,
		History:    hist,
		Indicator:  typing.NewIndicator(platform, nil),
		Dispatcher: dispatch.NewDispatcher(client, nil),
		Cursors:    cursor.Load(filepath.Join(dir, "group-cursors.json")),
		Audit:      auditLog,
		Templates:  conf.DefaultTemplates(),
		MediaDir:   filepath.Join(dir, "media"),
	})
	h.SetBotIdentity("ou_bot", "Router Bot")

	return &testRig{handler: h, store: store, platform: platform, client: client, history: hist, cursors: h.cursors}
}

func dmMessage(id, text string) Inbound {
	return Inbound{
		ChatID:       "oc_dm",
		ChatType:     "p2p",
		MessageID:    id,
		MsgType:      "text",
		RawContent:   `{"text":"` + text + `"}`,
		SenderUserID: "owner_uid",
		SenderOpenID: "ou_owner",
	}
}

func groupMessage(id, text string, mentions []feishu.Mention) Inbound {
	return Inbound{
		ChatID:       "oc_team",
		ChatType:     "group",
		MessageID:    id,
		MsgType:      "text",
		RawContent:   `{"text":"` + text + `"}`,
		SenderUserID: "member_uid",
		SenderOpenID: "ou_member",
		Mentions:     mentions,
	}
}

func botMention() []feishu.Mention {
	return []feishu.Mention{{Key: "@_user_1", Name: "Router Bot", OpenID: "ou_bot"}}
}

func TestHandler_FirstDirectMessageBindsOwner(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.handler.Handle(context.Background(), dmMessage("om_1", "hello"))

	owner := rig.store.Current().Owner
	if !owner.Bound || owner.UserID != "owner_uid" || owner.OpenID != "ou_owner" {
		t.Fatalf("Expected the first DM sender bound as owner, got %+v", owner)
	}
	if owner.Name != "Olive Owner" {
		t.Errorf("Expected the resolved name stored, got %q", owner.Name)
	}

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "[Lark DM] Olive Owner said: ") {
		t.Errorf("Expected the DM prefix in the prompt, got %q", reqs[0].Content)
	}
	desc := endpoint.Parse(reqs[0].Endpoint)
	if desc.ChatID != "oc_dm" || desc.ChatType != "p2p" || desc.MessageID != "om_1" {
		t.Errorf("Expected a routable endpoint, got %+v", desc)
	}
}

func TestHandler_DMPolicyDeniesStranger(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner", Name: "Olive Owner"}
		cfg.DMPolicy = conf.PolicyOwner
	})

	msg := dmMessage("om_1", "let me in")
	msg.SenderUserID = "stranger_uid"
	msg.SenderOpenID = "ou_stranger"
	rig.handler.Handle(context.Background(), msg)

	if len(rig.client.all()) != 0 {
		t.Error("Expected no dispatch for a denied sender")
	}
}

func TestHandler_DisabledConfigDropsEverything(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Enabled = false
	})

	rig.handler.Handle(context.Background(), dmMessage("om_1", "anyone there?"))

	if len(rig.client.all()) != 0 {
		t.Error("Expected no dispatch while disabled")
	}
	if rig.store.Current().Owner.Bound {
		t.Error("Expected no owner binding while disabled")
	}
}

func TestHandler_GroupMentionDispatches(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner"}
		cfg.Groups = map[string]conf.Group{"oc_team": {Name: "Team", Mode: conf.ModeMention}}
	})

	rig.handler.Handle(context.Background(), groupMessage("om_1", "@_user_1 status?", botMention()))

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "[Lark GROUP] Mia Member said: ") {
		t.Errorf("Expected the group prefix, got %q", reqs[0].Content)
	}
	if !strings.Contains(reqs[0].Content, "@Router Bot status?") {
		t.Errorf("Expected the mention placeholder resolved, got %q", reqs[0].Content)
	}
	if rig.cursors.Get("oc_team") != "om_1" {
		t.Errorf("Expected the cursor advanced, got %q", rig.cursors.Get("oc_team"))
	}
}

func TestHandler_GroupWithoutMentionFeedsContextOnly(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Groups = map[string]conf.Group{"oc_team": {Name: "Team", Mode: conf.ModeMention}}
	})

	rig.handler.Handle(context.Background(), groupMessage("om_1", "just chatting", nil))

	if len(rig.client.all()) != 0 {
		t.Error("Expected no dispatch without a mention in mention mode")
	}
	entries := rig.history.Context("oc_team", "")
	if len(entries) != 1 || entries[0].Text != "just chatting" {
		t.Errorf("Expected the message logged to context, got %+v", entries)
	}
}

func TestHandler_UnconfiguredGroupIsDenied(t *testing.T) {
	rig := newTestRig(t, nil)

	msg := groupMessage("om_1", "@_user_1 hello", botMention())
	msg.ChatID = "oc_unknown"
	rig.handler.Handle(context.Background(), msg)

	if len(rig.client.all()) != 0 {
		t.Error("Expected no dispatch from an unconfigured group")
	}
}

func TestHandler_SmartGroupInjectsInstructions(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Groups = map[string]conf.Group{"oc_team": {Name: "Team", Mode: conf.ModeSmart}}
	})

	rig.handler.Handle(context.Background(), groupMessage("om_1", "thinking out loud", nil))

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected smart mode to dispatch without a mention, got %d requests", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "<instructions>") {
		t.Errorf("Expected the may-decline instructions, got %q", reqs[0].Content)
	}
}

func TestHandler_SmartGroupMentionedSkipsInstructions(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Groups = map[string]conf.Group{"oc_team": {Name: "Team", Mode: conf.ModeSmart}}
	})

	rig.handler.Handle(context.Background(), groupMessage("om_1", "@_user_1 direct ask", botMention()))

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	if strings.Contains(reqs[0].Content, "<instructions>") {
		t.Errorf("Expected no instruction block for a direct mention, got %q", reqs[0].Content)
	}
}

func TestHandler_GroupContextPrecedesCurrentMessage(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Groups = map[string]conf.Group{"oc_team": {Name: "Team", Mode: conf.ModeMention}}
	})

	rig.handler.Handle(context.Background(), groupMessage("om_1", "earlier remark", nil))
	rig.handler.Handle(context.Background(), groupMessage("om_2", "@_user_1 and now?", botMention()))

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	content := reqs[0].Content
	if !strings.Contains(content, "<group-context>") || !strings.Contains(content, "earlier remark") {
		t.Errorf("Expected the earlier message in the context block, got %q", content)
	}
	if strings.Index(content, "earlier remark") > strings.Index(content, "<current-message>") {
		t.Error("Expected context before the current message")
	}
}

func TestHandler_ThreadMessagePinsRoot(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Groups = map[string]conf.Group{"oc_team": {Name: "Team", Mode: conf.ModeMention}}
	})

	root := groupMessage("om_root", "the original question", nil)
	root.ThreadID = "omt_1"
	rig.handler.Handle(context.Background(), root)

	reply := groupMessage("om_2", "@_user_1 thoughts?", botMention())
	reply.ThreadID = "omt_1"
	reply.RootID = "om_root"
	rig.handler.Handle(context.Background(), reply)

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	content := reqs[0].Content
	if !strings.Contains(content, "<thread-context>") {
		t.Errorf("Expected a thread context block, got %q", content)
	}
	if !strings.Contains(content, "(thread root): the original question") {
		t.Errorf("Expected the root flagged in context, got %q", content)
	}
	desc := endpoint.Parse(reqs[0].Endpoint)
	if desc.ThreadID != "omt_1" || desc.RootID != "om_root" {
		t.Errorf("Expected thread routing fields, got %+v", desc)
	}
}

func TestHandler_RejectionRepliesAndClearsIndicator(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner"}
	})
	rig.client.response = &dispatch.Response{OK: false, Code: "BUSY", Message: "assistant is busy"}

	rig.handler.Handle(context.Background(), dmMessage("om_1", "hello"))

	sent := rig.platform.sentTexts()
	if len(sent) != 1 || !strings.Contains(sent[0], "assistant is busy") {
		t.Errorf("Expected the rejection relayed to the chat, got %v", sent)
	}
}

func TestHandler_ImageMessageDownloadsAndLabels(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner"}
	})

	msg := dmMessage("om_1", "")
	msg.MsgType = "image"
	msg.RawContent = `{"image_key":"img_v3_abcdefgh"}`
	rig.handler.Handle(context.Background(), msg)

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "[image]") {
		t.Errorf("Expected the image label, got %q", reqs[0].Content)
	}
	if !strings.Contains(reqs[0].Content, " ---- file: ") {
		t.Errorf("Expected the media path suffix, got %q", reqs[0].Content)
	}
	if len(rig.platform.downloads) != 1 {
		t.Errorf("Expected one download, got %d", len(rig.platform.downloads))
	}
}

func TestHandler_ImageDownloadFailureInDM(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner"}
	})
	rig.platform.dlErr = errors.New("resource gone")

	msg := dmMessage("om_1", "")
	msg.MsgType = "image"
	msg.RawContent = `{"image_key":"img_v3_abcdefgh"}`
	rig.handler.Handle(context.Background(), msg)

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected a failure notice dispatch in a DM, got %d requests", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "[image download failed]") {
		t.Errorf("Expected the failure placeholder, got %q", reqs[0].Content)
	}
}

func TestHandler_FileMessageCarriesName(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner"}
	})

	msg := dmMessage("om_1", "")
	msg.MsgType = "file"
	msg.RawContent = `{"file_key":"file_v3_abc","file_name":"report.pdf"}`
	rig.handler.Handle(context.Background(), msg)

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "[file: report.pdf]") {
		t.Errorf("Expected the file label, got %q", reqs[0].Content)
	}
}

func TestHandler_QuotedReplyOutsideThread(t *testing.T) {
	rig := newTestRig(t, func(cfg *conf.Config) {
		cfg.Owner = conf.Owner{Bound: true, UserID: "owner_uid", OpenID: "ou_owner"}
	})
	rig.platform.quoted = &feishu.QuotedMessage{SenderID: "member_uid", Text: "the earlier point"}

	msg := dmMessage("om_2", "disagree")
	msg.ParentID = "om_1"
	rig.handler.Handle(context.Background(), msg)

	reqs := rig.client.all()
	if len(reqs) != 1 {
		t.Fatalf("Expected one dispatch, got %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Content, "<replying-to>") ||
		!strings.Contains(reqs[0].Content, "[Mia Member]: the earlier point") {
		t.Errorf("Expected the quoted block, got %q", reqs[0].Content)
	}
}

func TestHandler_RecordOutgoing(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.handler.RecordOutgoing("oc_team", "", "an answer", "om_bot_1")
	entries := rig.history.Context("oc_team", "")
	if len(entries) != 1 || entries[0].Text != "an answer" {
		t.Fatalf("Expected the outgoing message in context, got %+v", entries)
	}
	if entries[0].SenderName != "Router Bot" {
		t.Errorf("Expected the bot attribution, got %q", entries[0].SenderName)
	}

	rig.handler.RecordOutgoing("oc_team", "omt_1", "thread answer", "")
	threadEntries := rig.history.Context("omt_1", "")
	if len(threadEntries) != 1 || threadEntries[0].Text != "thread answer" {
		t.Errorf("Expected thread routing for outgoing records, got %+v", threadEntries)
	}
	if threadEntries[0].MessageID == "" {
		t.Error("Expected a generated message id for the outgoing record")
	}
}
