// Package feishu wraps the Lark open-platform API used by the router: text
// and card messages, threaded replies, reactions, chat history, contact
// lookup and message resources.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// PermissionDeniedCode is returned by the platform when the app lacks a
// scope it needs (most commonly contact:user.base:readonly).
const PermissionDeniedCode = 99991672

// APIError is a non-zero response code from the platform.
type APIError struct {
	Code     int
	Msg      string
	GrantURL string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lark api error %d: %s", e.Code, e.Msg)
}

// IsPermission reports whether the error is a missing-scope rejection.
func (e *APIError) IsPermission() bool {
	return e.Code == PermissionDeniedCode
}

// BotInfo is the bot's own identity, fetched once at startup.
type BotInfo struct {
	OpenID  string
	AppName string
}

// HistoryEntry is one message from a chat or thread listing, with rich
// content already flattened to plain text.
type HistoryEntry struct {
	MessageID  string
	SenderID   string
	Text       string
	MsgType    string
	CreateTime time.Time
}

// QuotedMessage is a fetched parent message for reply context.
type QuotedMessage struct {
	SenderID string
	Text     string
}

// Client talks to the Lark API on behalf of the bot.
type Client struct {
	appID     string
	appSecret string
	cli       *lark.Client
	baseURL   string
	httpCli   *http.Client
}

// NewClient builds a client from app credentials.
func NewClient(appID, appSecret string) *Client {
	return &Client{
		appID:     appID,
		appSecret: appSecret,
		cli:       lark.NewClient(appID, appSecret),
		baseURL:   "https://open.feishu.cn",
		httpCli:   &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchBotInfo fetches the bot's open_id and app name. The SDK has no typed
// wrapper for /bot/v3/info, so this goes through the raw endpoint with a
// tenant token.
func (c *Client) FetchBotInfo(ctx context.Context) (*BotInfo, error) {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/open-apis/bot/v3/info", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get bot info: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode bot info: %w", err)
	}
	if result.Code != 0 {
		return nil, &APIError{Code: result.Code, Msg: result.Msg}
	}
	return &BotInfo{OpenID: result.Bot.OpenID, AppName: result.Bot.AppName}, nil
}

func (c *Client) tenantToken(ctx context.Context) (string, error) {
	body := fmt.Sprintf(`{"app_id":%q,"app_secret":%q}`, c.appID, c.appSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return "", fmt.Errorf("get tenant token: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode tenant token: %w", err)
	}
	if result.Code != 0 {
		return "", &APIError{Code: result.Code, Msg: result.Msg}
	}
	return result.TenantAccessToken, nil
}

// receiveIDType guesses the id type from the id prefix: ou_ is an open_id,
// oc_ a chat_id, anything else a user_id.
func receiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return larkim.ReceiveIdTypeOpenId
	case strings.HasPrefix(id, "oc_"):
		return larkim.ReceiveIdTypeChatId
	default:
		return larkim.ReceiveIdTypeUserId
	}
}

// SendText sends a plain text message to a chat or user.
func (c *Client) SendText(ctx context.Context, receiveID, text string) (string, error) {
	content, _ := json.Marshal(map[string]string{"text": text})
	return c.send(ctx, receiveID, larkim.MsgTypeText, string(content))
}

// SendContent sends a message with an explicit type (image, file,
// interactive) and pre-marshaled content.
func (c *Client) SendContent(ctx context.Context, receiveID, msgType, content string) (string, error) {
	return c.send(ctx, receiveID, msgType, content)
}

func (c *Client) send(ctx context.Context, receiveID, msgType, content string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType(receiveID)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := c.cli.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

// Reply replies to a message in place, keeping thread membership.
func (c *Client) Reply(ctx context.Context, messageID, msgType, content string) (string, error) {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := c.cli.Im.Message.Reply(ctx, req)
	if err != nil {
		return "", fmt.Errorf("reply message: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

// AddReaction attaches an emoji reaction and returns its reaction id, which
// is needed to remove it later.
func (c *Client) AddReaction(ctx context.Context, messageID, emojiType string) (string, error) {
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(emojiType).Build()).
			Build()).
		Build()

	resp, err := c.cli.Im.MessageReaction.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("add reaction: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data.ReactionId == nil {
		return "", nil
	}
	return *resp.Data.ReactionId, nil
}

// RemoveReaction deletes a previously added reaction.
func (c *Client) RemoveReaction(ctx context.Context, messageID, reactionID string) error {
	req := larkim.NewDeleteMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionId(reactionID).
		Build()

	resp, err := c.cli.Im.MessageReaction.Delete(ctx, req)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if !resp.Success() {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

// ListMessages fetches the most recent messages of a chat or thread
// (containerType "chat" or "thread") and returns them oldest first. Rich
// content is flattened and mention placeholders resolved.
func (c *Client) ListMessages(ctx context.Context, containerID, containerType string, limit int) ([]HistoryEntry, error) {
	if limit > 50 {
		limit = 50
	}
	if limit <= 0 {
		limit = 20
	}

	// The API default sort is ascending from chat creation, which would
	// return the oldest messages of the conversation.
	req := larkim.NewListMessageReqBuilder().
		ContainerIdType(containerType).
		ContainerId(containerID).
		SortType("ByCreateTimeDesc").
		PageSize(limit).
		Build()

	resp, err := c.cli.Im.Message.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if !resp.Success() {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}

	var entries []HistoryEntry
	for _, item := range resp.Data.Items {
		if item.MessageId == nil || item.MsgType == nil {
			continue
		}
		entry := HistoryEntry{
			MessageID: *item.MessageId,
			MsgType:   *item.MsgType,
		}
		if item.CreateTime != nil {
			if ms, err := strconv.ParseInt(*item.CreateTime, 10, 64); err == nil {
				entry.CreateTime = time.UnixMilli(ms)
			}
		}
		if item.Sender != nil && item.Sender.Id != nil {
			entry.SenderID = *item.Sender.Id
		}
		if item.Body != nil && item.Body.Content != nil {
			entry.Text = FlattenContent(*item.MsgType, *item.Body.Content, *item.MessageId)
			entry.Text = ResolveMentions(entry.Text, mentionsFromItems(item.Mentions))
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreateTime.Before(entries[j].CreateTime)
	})
	return entries, nil
}

// GetMessage fetches a single message, used for quoted-reply context.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*QuotedMessage, error) {
	req := larkim.NewGetMessageReqBuilder().
		MessageId(messageID).
		Build()

	resp, err := c.cli.Im.Message.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if !resp.Success() {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if len(resp.Data.Items) == 0 {
		return nil, fmt.Errorf("message %s not found", messageID)
	}

	item := resp.Data.Items[0]
	quoted := &QuotedMessage{}
	if item.Sender != nil && item.Sender.Id != nil {
		quoted.SenderID = *item.Sender.Id
	}
	if item.MsgType != nil && item.Body != nil && item.Body.Content != nil {
		quoted.Text = FlattenContent(*item.MsgType, *item.Body.Content, messageID)
		quoted.Text = ResolveMentions(quoted.Text, mentionsFromItems(item.Mentions))
	}
	return quoted, nil
}

// UserName looks up a user's display name. The id type is inferred from the
// prefix: ou_ ids are open_ids, everything else user_ids.
func (c *Client) UserName(ctx context.Context, userID string) (string, error) {
	idType := "user_id"
	if strings.HasPrefix(userID, "ou_") {
		idType = "open_id"
	}

	req := larkcontact.NewGetUserReqBuilder().
		UserId(userID).
		UserIdType(idType).
		Build()

	resp, err := c.cli.Contact.User.Get(ctx, req)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data.User == nil || resp.Data.User.Name == nil {
		return "", fmt.Errorf("user %s has no name", userID)
	}
	return *resp.Data.User.Name, nil
}

// DownloadResource fetches a message attachment (resourceType "image" or
// "file") into destPath.
func (c *Client) DownloadResource(ctx context.Context, messageID, fileKey, resourceType, destPath string) error {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()

	resp, err := c.cli.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return fmt.Errorf("get message resource: %w", err)
	}
	if !resp.Success() {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create media file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.File); err != nil {
		return fmt.Errorf("write media file: %w", err)
	}
	return nil
}

// UploadImage uploads a local image and returns its image_key.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	req := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(f).
			Build()).
		Build()

	resp, err := c.cli.Im.Image.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data.ImageKey == nil {
		return "", fmt.Errorf("upload image: empty image_key")
	}
	return *resp.Data.ImageKey, nil
}

// UploadFile uploads a local file and returns its file_key.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType("stream").
			FileName(filepath.Base(path)).
			File(f).
			Build()).
		Build()

	resp, err := c.cli.Im.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data.FileKey == nil {
		return "", fmt.Errorf("upload file: empty file_key")
	}
	return *resp.Data.FileKey, nil
}

func mentionsFromItems(items []*larkim.Mention) []Mention {
	var mentions []Mention
	for _, m := range items {
		if m == nil {
			continue
		}
		mention := Mention{}
		if m.Key != nil {
			mention.Key = *m.Key
		}
		if m.Name != nil {
			mention.Name = *m.Name
		}
		if m.Id != nil {
			mention.OpenID = *m.Id
		}
		mentions = append(mentions, mention)
	}
	return mentions
}
