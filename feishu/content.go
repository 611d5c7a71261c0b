package feishu

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mention is one @-mention attached to a message. Key is the placeholder
// (@_user_1) embedded in the text; the id fields depend on where the
// mention came from (live event vs history listing).
type Mention struct {
	Key    string
	Name   string
	OpenID string
	UserID string
	AppID  string
	// AtAll marks the @everyone mention.
	AtAll bool
}

// Content is the normalized body of an inbound message.
type Content struct {
	Text      string
	ImageKeys []string
	FileKey   string
	FileName  string
}

// ExtractContent normalizes a raw message body by type. Text and post
// messages yield flattened text; image and file messages yield keys for a
// resource download. Unknown types produce a bracketed placeholder.
func ExtractContent(msgType, raw, messageID string) Content {
	switch msgType {
	case "text":
		var parsed struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return Content{}
		}
		return Content{Text: parsed.Text}
	case "post":
		text, imageKeys := flattenPost(raw, messageID)
		return Content{Text: text, ImageKeys: imageKeys}
	case "image":
		var parsed struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed.ImageKey == "" {
			return Content{}
		}
		return Content{ImageKeys: []string{parsed.ImageKey}}
	case "file":
		var parsed struct {
			FileKey  string `json:"file_key"`
			FileName string `json:"file_name"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return Content{}
		}
		name := parsed.FileName
		if name == "" {
			name = "unknown"
		}
		return Content{FileKey: parsed.FileKey, FileName: name}
	default:
		return Content{Text: fmt.Sprintf("[%s message]", msgType)}
	}
}

// FlattenContent is ExtractContent reduced to the text view, used when
// building history entries where attachments are represented inline.
func FlattenContent(msgType, raw, messageID string) string {
	c := ExtractContent(msgType, raw, messageID)
	text := c.Text
	for _, key := range c.ImageKeys {
		line := fmt.Sprintf("[image, image_key: %s, msg_id: %s]", key, messageID)
		if text == "" {
			text = line
		} else {
			text += "\n" + line
		}
	}
	if c.FileKey != "" {
		line := fmt.Sprintf("[file: %s, file_key: %s, msg_id: %s]", c.FileName, c.FileKey, messageID)
		if text == "" {
			text = line
		} else {
			text += "\n" + line
		}
	}
	return text
}

type postElement struct {
	Tag       string `json:"tag"`
	Text      string `json:"text,omitempty"`
	Href      string `json:"href,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	ImageKey  string `json:"image_key,omitempty"`
	FileKey   string `json:"file_key,omitempty"`
	EmojiType string `json:"emoji_type,omitempty"`
}

// flattenPost renders a rich-text body line by line. Inline images and
// media become bracketed references carrying the keys needed to fetch them
// later.
func flattenPost(raw, messageID string) (string, []string) {
	var parsed struct {
		Title   string          `json:"title"`
		Content [][]postElement `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", nil
	}

	var imageKeys []string
	var lines []string
	for _, paragraph := range parsed.Content {
		var parts []string
		for _, el := range paragraph {
			switch el.Tag {
			case "text":
				parts = append(parts, el.Text)
			case "at":
				name := el.UserName
				if name == "" {
					name = el.UserID
				}
				if name == "" {
					name = "unknown"
				}
				parts = append(parts, "@"+name)
			case "a":
				if el.Href != "" {
					parts = append(parts, fmt.Sprintf("%s(%s)", el.Text, el.Href))
				} else {
					parts = append(parts, el.Text)
				}
			case "img":
				if el.ImageKey != "" {
					imageKeys = append(imageKeys, el.ImageKey)
					parts = append(parts, fmt.Sprintf("[image, image_key: %s, msg_id: %s]", el.ImageKey, messageID))
				}
			case "media":
				key := el.FileKey
				if key == "" {
					key = "unknown"
				}
				parts = append(parts, fmt.Sprintf("[media, file_key: %s, msg_id: %s]", key, messageID))
			case "emotion":
				if el.EmojiType != "" {
					parts = append(parts, "["+el.EmojiType+"]")
				}
			default:
				if el.Text != "" {
					parts = append(parts, el.Text)
				}
			}
		}
		lines = append(lines, strings.Join(parts, ""))
	}

	text := strings.Join(lines, "\n")
	if parsed.Title != "" {
		text = fmt.Sprintf("[%s] %s", parsed.Title, text)
	}
	return text, imageKeys
}

// ResolveMentions replaces @_user_N placeholders with @Name.
func ResolveMentions(text string, mentions []Mention) string {
	if text == "" || len(mentions) == 0 {
		return text
	}
	resolved := text
	for _, m := range mentions {
		if m.Key == "" || m.Name == "" {
			continue
		}
		resolved = strings.ReplaceAll(resolved, m.Key, "@"+m.Name)
	}
	return strings.TrimSpace(resolved)
}

// IsBotMentioned reports whether any mention targets the bot, including the
// @everyone key.
func IsBotMentioned(mentions []Mention, botOpenID string) bool {
	for _, m := range mentions {
		if m.AtAll || m.Key == "@_all" {
			return true
		}
		if botOpenID == "" {
			continue
		}
		if m.OpenID == botOpenID || m.UserID == botOpenID || m.AppID == botOpenID {
			return true
		}
	}
	return false
}
