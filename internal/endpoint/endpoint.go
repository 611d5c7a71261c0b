// Package endpoint builds and parses the routing descriptor handed to the
// downstream assistant. The descriptor is a single opaque string so it can
// travel through the assistant and come back to the send utility unchanged.
package endpoint

import "strings"

// Descriptor carries the routing metadata for one inbound message.
// String form: chatId|type:group|root:omXX|parent:omYY|msg:omZZ|thread:omtWW
// with every segment after the chat id optional.
type Descriptor struct {
	ChatID    string
	ChatType  string
	RootID    string
	ParentID  string
	MessageID string
	ThreadID  string
}

// String encodes the descriptor. Empty fields are omitted.
func (d Descriptor) String() string {
	var b strings.Builder
	b.WriteString(d.ChatID)
	write := func(key, val string) {
		if val != "" {
			b.WriteString("|")
			b.WriteString(key)
			b.WriteString(":")
			b.WriteString(val)
		}
	}
	write("type", d.ChatType)
	write("root", d.RootID)
	write("parent", d.ParentID)
	write("msg", d.MessageID)
	write("thread", d.ThreadID)
	return b.String()
}

// Parse decodes a descriptor string. Unknown segments are ignored so newer
// producers stay compatible with older consumers.
func Parse(s string) Descriptor {
	parts := strings.Split(s, "|")
	d := Descriptor{ChatID: parts[0]}
	for _, part := range parts[1:] {
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		switch key {
		case "type":
			d.ChatType = val
		case "root":
			d.RootID = val
		case "parent":
			d.ParentID = val
		case "msg":
			d.MessageID = val
		case "thread":
			d.ThreadID = val
		}
	}
	return d
}
