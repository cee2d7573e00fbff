// Command backend is the main entrypoint for the keybase-feed service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Performs an initial full history refresh for the configured team.
//   - Starts background loops: the live chat stream consumer and the
//     member/metadata poller.
//   - Exposes an HTTP server with the viewer WebSocket at /ws plus
//     /healthz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. Any error escaping one of the
// driving loops is fatal: viewers keep a stale-but-consistent history until
// the process is restarted, never a partial one.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/subvocal/keybase-feed/backend/config"
	"github.com/subvocal/keybase-feed/backend/feed"
	"github.com/subvocal/keybase-feed/backend/history"
	"github.com/subvocal/keybase-feed/backend/keybase"
	"github.com/subvocal/keybase-feed/backend/server"
	"github.com/subvocal/keybase-feed/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("keybase-feed", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wire the feed: keybase client -> history -> projector -> hub
	client := keybase.NewClient(cfg.Team, cfg.APITimeout, cfg.APIRetryLimit)
	lookup := keybase.NewUserLookup(cfg.UserDataTTL)
	hist := history.New(client, cfg.Scrollback)
	avatars := feed.NewAvatarCache()
	projector := &feed.Projector{Team: cfg.Team, History: hist, Avatars: avatars}
	hub := server.NewHub(cfg.Team, projector.HistorySnapshot)
	handlers := server.NewHandlers(cfg.Team, hub, hist)

	slog.Info("starting feed", slog.String("team", cfg.Team), slog.Int("scrollback", cfg.Scrollback))

	// Any loop error is fatal to the whole process; there is no supervisor.
	errCh := make(chan error, 3)
	go func() { errCh <- runStreamConsumer(ctx, client, hist, projector, hub) }()
	go func() { errCh <- runMemberPoller(ctx, client, lookup, hub, avatars, cfg.MemberPollPeriod) }()
	go func() { errCh <- server.Start(ctx, handlers, cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			slog.Error("terminating due to error", slog.Any("err", err))
			stop()
			os.Exit(1)
		}
	}
}

// runStreamConsumer performs the initial history load and then applies live
// events in arrival order, broadcasting each outcome. It is the only mutator
// of the history store.
func runStreamConsumer(ctx context.Context, client *keybase.Client, hist *history.History, projector *feed.Projector, hub *server.Hub) error {
	slog.Info("starting chat stream consumer")

	// Obtain the initial history and seed the indexes from events that sit
	// inside the fetched scrollback.
	if err := hist.Refresh(ctx); err != nil {
		return err
	}
	hist.ReplayMutations(ctx)
	hub.BroadcastHistory()

	msgs, errs := client.Listen(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return <-errs
			}
			telemetry.CountEvent(msg.Content.Type)
			if err := hist.Apply(ctx, msg); err != nil {
				return err
			}
			switch feed.Classify(msg) {
			case feed.OutcomeChat:
				if item, ok := projector.Project(msg); ok {
					hub.BroadcastChat(item)
				}
			case feed.OutcomeRewriteHistory:
				hub.BroadcastHistory()
			case feed.OutcomeIgnore:
				// nothing to emit
			}
		}
	}
}

// runMemberPoller periodically refreshes the member list and avatar cache
// and pushes updated team metadata to viewers.
func runMemberPoller(ctx context.Context, client *keybase.Client, lookup *keybase.UserLookup, hub *server.Hub, avatars *feed.AvatarCache, period time.Duration) error {
	slog.Info("starting member poller", slog.Duration("interval", period))
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		members, err := client.ListMembers(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		hub.SetMembers(len(members))
		hub.BroadcastMetadata()

		urls, err := lookup.AvatarURLs(ctx, members)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		avatars.Update(urls)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
