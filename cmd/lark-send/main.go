// lark-send delivers an assistant reply back into the chat identified by a
// routing descriptor. It is invoked by the assistant runtime as a sibling
// of the router process, so coordination happens through files and the
// internal HTTP endpoint, never shared memory.
//
// Usage:
//
//	lark-send <endpoint> <message>
//	lark-send <endpoint> "[MEDIA:image]/path/to/image.png"
//	lark-send <endpoint> "[MEDIA:file]/path/to/document.pdf"
//
// A message of exactly [SKIP] clears the typing indicator and sends
// nothing (the assistant declined a smart-mode message).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zylos/lark-router/internal/conf"
	"github.com/zylos/lark-router/internal/endpoint"
	"github.com/zylos/lark-router/internal/typing"
)

var mediaPattern = regexp.MustCompile(`^\[MEDIA:(\w+)\](.+)$`)

func main() {
	_ = godotenv.Load()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: lark-send <endpoint> <message>")
		fmt.Fprintln(os.Stderr, `       lark-send <endpoint> "[MEDIA:image]/path/to/image.png"`)
		fmt.Fprintln(os.Stderr, `       lark-send <endpoint> "[MEDIA:file]/path/to/file.pdf"`)
		os.Exit(1)
	}
	desc := endpoint.Parse(os.Args[1])
	message := strings.Join(os.Args[2:], " ")

	paths := conf.ResolvePaths()
	mailbox, err := typing.NewMailbox(paths.TypingDir(), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if strings.TrimSpace(message) == "[SKIP]" {
		if err := mailbox.MarkDone(desc.MessageID); err != nil {
			log.Warn("typing marker write failed", slog.Any("error", err))
		}
		os.Exit(0)
	}

	store, err := conf.Load(paths.Config())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg := store.Current()
	if !cfg.Enabled {
		fmt.Fprintln(os.Stderr, "Error: lark-router is disabled in config")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := newSender(cfg, desc, paths, log)

	if m := mediaPattern.FindStringSubmatch(message); m != nil {
		mediaType, mediaPath := m[1], strings.TrimSpace(m[2])
		if err := s.sendMedia(ctx, mediaType, mediaPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		s.recordOutgoing(ctx, "[sent "+mediaType+"]")
	} else {
		if err := s.sendText(ctx, message); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		s.recordOutgoing(ctx, message)
	}

	if err := mailbox.MarkDone(desc.MessageID); err != nil {
		log.Warn("typing marker write failed", slog.Any("error", err))
	}
	fmt.Println("Message sent successfully")
}
