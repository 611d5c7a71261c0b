package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/zylos/lark-router/feishu"
	"github.com/zylos/lark-router/internal/conf"
	"github.com/zylos/lark-router/internal/endpoint"
)

// recordTextLimit caps the text mirrored into the router's context store.
const recordTextLimit = 4000

// sender owns one delivery: a parsed descriptor, the platform client and
// the rendering toggle.
type sender struct {
	client  *feishu.Client
	desc    endpoint.Descriptor
	useCard bool
	port    int
	paths   conf.Paths
	log     *slog.Logger
}

func newSender(cfg *conf.Config, desc endpoint.Descriptor, paths conf.Paths, log *slog.Logger) *sender {
	creds := conf.CredentialsFromEnv()
	return &sender{
		client:  feishu.NewClient(creds.AppID, creds.AppSecret),
		desc:    desc,
		useCard: cfg.Message.UseMarkdownCard,
		port:    cfg.WebhookPort,
		paths:   paths,
		log:     log,
	}
}

// msgContent renders the outgoing payload: a plain text body, or a
// markdown card when the config enables it.
func (s *sender) msgContent(text string) (msgType, content string) {
	if s.useCard {
		card := map[string]any{
			"config": map[string]bool{"wide_screen_mode": true},
			"elements": []map[string]string{
				{"tag": "markdown", "content": text},
			},
		}
		data, _ := json.Marshal(card)
		return larkim.MsgTypeInteractive, string(data)
	}
	data, _ := json.Marshal(map[string]string{"text": text})
	return larkim.MsgTypeText, string(data)
}

// sendText chunks and routes the reply:
//   - inside a thread (root set): every chunk replies to parent or root so
//     the conversation stays in the thread, falling back to a direct send
//   - group mention: the first chunk replies to the trigger message
//   - DM or anything else: direct send to the chat
func (s *sender) sendText(ctx context.Context, text string) error {
	chunks := splitMessage(text, maxChunkLength)
	isGroup := s.desc.ChatType == "group"

	for i, chunk := range chunks {
		msgType, content := s.msgContent(chunk)
		var err error

		switch {
		case s.desc.RootID != "":
			target := s.desc.ParentID
			if target == "" {
				target = s.desc.RootID
			}
			if _, err = s.client.Reply(ctx, target, msgType, content); err != nil {
				s.log.Warn("reply failed, falling back", slog.Any("error", err))
				_, err = s.client.SendContent(ctx, s.desc.ChatID, msgType, content)
			}
		case i == 0 && s.desc.MessageID != "" && isGroup:
			if _, err = s.client.Reply(ctx, s.desc.MessageID, msgType, content); err != nil {
				s.log.Warn("reply failed, falling back", slog.Any("error", err))
				_, err = s.client.SendContent(ctx, s.desc.ChatID, msgType, content)
			}
		default:
			_, err = s.client.SendContent(ctx, s.desc.ChatID, msgType, content)
		}
		if err != nil {
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}

	if len(chunks) > 1 {
		fmt.Printf("Sent %d chunks\n", len(chunks))
	}
	return nil
}

// sendMedia uploads a local file and delivers it, reply-routed like text.
// A failed threaded reply falls back to the thread root and finally to a
// direct send.
func (s *sender) sendMedia(ctx context.Context, mediaType, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("media file: %w", err)
	}

	var msgType, content string
	switch mediaType {
	case "image":
		key, err := s.client.UploadImage(ctx, path)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		data, _ := json.Marshal(map[string]string{"image_key": key})
		msgType, content = larkim.MsgTypeImage, string(data)
	case "file":
		key, err := s.client.UploadFile(ctx, path)
		if err != nil {
			return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
		}
		data, _ := json.Marshal(map[string]string{"file_key": key})
		msgType, content = larkim.MsgTypeFile, string(data)
	default:
		return fmt.Errorf("unsupported media type: %s", mediaType)
	}

	if target := s.replyTarget(); target != "" {
		_, err := s.client.Reply(ctx, target, msgType, content)
		if err == nil {
			return nil
		}
		s.log.Warn("media reply failed", slog.Any("error", err))
		// second chance at the thread root before abandoning the thread
		if s.desc.ParentID != "" && s.desc.RootID != "" && s.desc.ParentID != s.desc.RootID {
			if _, err := s.client.Reply(ctx, s.desc.RootID, msgType, content); err == nil {
				return nil
			}
		}
	}

	_, err := s.client.SendContent(ctx, s.desc.ChatID, msgType, content)
	return err
}

func (s *sender) replyTarget() string {
	if s.desc.RootID != "" {
		if s.desc.ParentID != "" {
			return s.desc.ParentID
		}
		return s.desc.RootID
	}
	if s.desc.MessageID != "" && s.desc.ChatType == "group" {
		return s.desc.MessageID
	}
	return ""
}

// recordOutgoing mirrors the sent text into the router's context store via
// the internal endpoint. Best-effort: the reply already went out, a miss
// here only costs context quality.
func (s *sender) recordOutgoing(ctx context.Context, text string) {
	token := os.Getenv("LARK_INTERNAL_TOKEN")
	if token == "" {
		data, err := os.ReadFile(s.paths.InternalToken())
		if err != nil {
			s.log.Warn("internal token unavailable, skipping record-outgoing")
			return
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		return
	}

	text = truncateAtRune(text, recordTextLimit)
	body, _ := json.Marshal(map[string]any{
		"chatId":   s.desc.ChatID,
		"threadId": s.desc.ThreadID,
		"text":     text,
	})

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/internal/record-outgoing", s.port), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Token", token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// truncateAtRune caps s at limit bytes without splitting a multi-byte rune.
func truncateAtRune(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
