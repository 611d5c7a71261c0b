package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/zylos/lark-router/feishu"
	"github.com/zylos/lark-router/internal/audit"
	"github.com/zylos/lark-router/internal/conf"
	"github.com/zylos/lark-router/internal/cursor"
	"github.com/zylos/lark-router/internal/dedup"
	"github.com/zylos/lark-router/internal/dispatch"
	"github.com/zylos/lark-router/internal/history"
	"github.com/zylos/lark-router/internal/names"
	"github.com/zylos/lark-router/internal/server"
	"github.com/zylos/lark-router/internal/typing"
)

// bindAttempts bounds how often a failed listen is retried before giving up.
const bindAttempts = 3

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	paths := conf.ResolvePaths()
	if err := paths.Ensure(); err != nil {
		return err
	}
	log.Info("starting", slog.String("data_dir", paths.DataDir))

	store, err := conf.Load(paths.Config())
	if err != nil {
		return err
	}
	cfg := store.Current()
	if !cfg.Enabled {
		log.Info("disabled in config, exiting")
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	templates, err := conf.LoadTemplates(paths.Templates())
	if err != nil {
		return err
	}

	creds := conf.CredentialsFromEnv()
	client := feishu.NewClient(creds.AppID, creds.AppSecret)

	internalToken, err := loadOrCreateInternalToken(paths.InternalToken())
	if err != nil {
		return err
	}

	auditLog, err := audit.NewLogger(paths.LogDir(), log)
	if err != nil {
		return err
	}
	cursors := cursor.Load(paths.Cursors())
	deduper := dedup.New(dedup.DefaultTTL)
	indicator := typing.NewIndicator(client, log)
	mailbox, err := typing.NewMailbox(paths.TypingDir(), log)
	if err != nil {
		return err
	}
	mailbox.PurgeAll()

	resolver := names.NewResolver(client, paths.NameCache(), nil, log)
	resolver.LoadSnapshot()

	historyStore := history.NewStore(func(conversationID, _ string) int {
		return store.Current().HistoryLimitFor(conversationID)
	}, server.NewBackfiller(client, resolver))

	receiveCmd := cfg.Assistant.Command
	if env := os.Getenv("LARK_RECEIVE_CMD"); env != "" {
		receiveCmd = env
	}
	dispatcher := dispatch.NewDispatcher(dispatch.NewExecClient(receiveCmd), log)

	handler := server.NewHandler(server.HandlerParams{
		Config:     store,
		Platform:   client,
		Names:      resolver,
		History:    historyStore,
		Indicator:  indicator,
		Dispatcher: dispatcher,
		Cursors:    cursors,
		Audit:      auditLog,
		Templates:  templates,
		MediaDir:   paths.MediaDir(),
		Channel:    cfg.Assistant.Channel,
		Logger:     log,
	})
	resolver.SetAlert(handler.AlertOwner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without the bot identity, mention detection in groups cannot work;
	// the router still runs for DMs.
	botCtx, botCancel := context.WithTimeout(ctx, 15*time.Second)
	info, err := client.FetchBotInfo(botCtx)
	botCancel()
	if err != nil {
		log.Warn("bot identity fetch failed", slog.Any("error", err))
	} else {
		handler.SetBotIdentity(info.OpenID, info.AppName)
		log.Info("bot identity",
			slog.String("name", info.AppName), slog.String("open_id", info.OpenID))
	}

	srv := server.New(handler, deduper, cursors,
		cfg.Bot.VerificationToken, cfg.Bot.EncryptKey, internalToken, log)

	jobs := cron.New(cron.WithSeconds())
	if _, err := jobs.AddFunc("*/2 * * * * *", func() { mailbox.Poll(ctx, indicator) }); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 5m", resolver.Persist); err != nil {
		return err
	}
	if _, err := jobs.AddFunc("@every 1m", deduper.Sweep); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	store.Watch(func(next *conf.Config) {
		log.Info("config reloaded")
		if !next.Enabled {
			log.Info("disabled via config reload, stopping")
			shutdown <- syscall.SIGTERM
		}
	})

	errs := make(chan error, 1)
	go func() {
		log.Info("webhook server listening", slog.Int("port", cfg.WebhookPort))
		errs <- serveWithRetry(func() error { return srv.Start(cfg.WebhookPort) },
			bindAttempts, 2*time.Second, log)
	}()

	select {
	case err := <-errs:
		return err
	case sig := <-shutdown:
		log.Info("shutting down", slog.String("signal", sig.String()))
	}

	resolver.Persist()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// serveWithRetry runs start, retrying a failed bind a bounded number of
// times. A clean shutdown (http.ErrServerClosed) is never retried.
func serveWithRetry(start func() error, attempts int, pause time.Duration, log *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = start()
		if err == nil || errors.Is(err, http.ErrServerClosed) || attempt == attempts {
			break
		}
		log.Warn("listen failed, retrying",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
		time.Sleep(pause)
	}
	return err
}

// loadOrCreateInternalToken reads the shared-secret file the send utility
// uses to call the internal endpoint, generating it on first start. The
// file is own-user readable only.
func loadOrCreateInternalToken(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", err
	}
	return token, nil
}
