package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zylos/lark-router/internal/conf"
	"github.com/zylos/lark-router/internal/history"
)

// Quoted is the parent message of an explicit reply.
type Quoted struct {
	SenderName string
	Text       string
}

// Input is everything the formatter needs for one outbound prompt.
type Input struct {
	// ChatType is "p2p" or "group".
	ChatType   string
	SenderName string
	Text       string

	// Context is the conversation history block. IsThread selects the
	// thread-context framing, in which the entry matching RootID is
	// flagged as the thread root.
	Context  []history.Entry
	IsThread bool
	RootID   string

	// Quoted is rendered only outside an explicit thread context, where
	// the thread itself already shows what is being replied to.
	Quoted *Quoted

	// SmartNoMention injects the may-decline instruction block.
	SmartNoMention bool

	// MediaPath appends the local file reference for attachments.
	MediaPath string
}

// Format assembles the prompt: prefix, context block, quoted block, smart
// instructions, current message, media suffix. All user-supplied text is
// escaped so it cannot forge the structural tags.
func Format(in Input, tpl *conf.Templates) string {
	esc := newEscaper(tpl)
	prefix := tpl.GroupPrefix
	if in.ChatType == "p2p" {
		prefix = tpl.DMPrefix
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s said: ", prefix, esc.clean(in.SenderName))

	if len(in.Context) > 0 {
		tag := tpl.GroupContextTag
		if in.IsThread {
			tag = tpl.ThreadContextTag
		}
		var lines []string
		for _, e := range in.Context {
			name := e.SenderName
			if name == "" {
				name = e.SenderID
			}
			line := fmt.Sprintf("[%s]: %s", esc.clean(name), esc.clean(e.Text))
			if in.IsThread && in.RootID != "" && e.MessageID == in.RootID {
				line = fmt.Sprintf("[%s] %s: %s", esc.clean(name), tpl.RootFlag, esc.clean(e.Text))
			}
			lines = append(lines, line)
		}
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n", tag, strings.Join(lines, "\n"), tag)
	}

	if in.Quoted != nil && !in.IsThread {
		sender := in.Quoted.SenderName
		if sender == "" {
			sender = "unknown"
		}
		fmt.Fprintf(&b, "<%s>\n[%s]: %s\n</%s>\n\n",
			tpl.ReplyingToTag, esc.clean(sender), esc.clean(in.Quoted.Text), tpl.ReplyingToTag)
	}

	if in.SmartNoMention {
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n",
			tpl.InstructionsTag, tpl.SmartInstruction, tpl.InstructionsTag)
	}

	fmt.Fprintf(&b, "<%s>\n%s\n</%s>",
		tpl.CurrentMessageTag, esc.clean(in.Text), tpl.CurrentMessageTag)

	if in.MediaPath != "" {
		fmt.Fprintf(&b, " ---- file: %s", in.MediaPath)
	}
	return b.String()
}

// escaper neutralizes the structural tags inside user text by prefixing
// their opening bracket with a backslash, leaving the text otherwise
// readable.
type escaper struct {
	re *regexp.Regexp
}

func newEscaper(tpl *conf.Templates) *escaper {
	tags := tpl.Tags()
	quoted := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	re := regexp.MustCompile(`</?(` + strings.Join(quoted, "|") + `)>`)
	return &escaper{re: re}
}

func (e *escaper) clean(text string) string {
	return e.re.ReplaceAllStringFunc(text, func(match string) string {
		return `\` + match
	})
}
