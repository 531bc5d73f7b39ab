package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/ircbooks/fetcher/internal/cleanup"
	"github.com/ircbooks/fetcher/internal/config"
	"github.com/ircbooks/fetcher/internal/ebook"
	"github.com/ircbooks/fetcher/internal/http/rest"
	"github.com/ircbooks/fetcher/internal/logctx"
	"github.com/ircbooks/fetcher/internal/notifier"
	"github.com/ircbooks/fetcher/internal/queue"
	"github.com/ircbooks/fetcher/internal/storage"
	"github.com/ircbooks/fetcher/internal/storage/sqlite"
	"github.com/ircbooks/fetcher/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("ebook fetcher starting...", "log_level", cfg.LogLevel, "nick", cfg.BotNick)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create working dir: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{ServiceName: "ebook_fetcher"})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("DB error: %w", err)
	}
	defer database.Close()

	history := sqlite.NewHistoryRepository(database)

	// =========================================================================
	// Start IRC Client
	q := queue.NewManager()
	q.OnChange(func() { tel.SetQueueDepth(int64(q.Size())) })

	transport := ebook.NewIRCTransport(cfg.IRCServer, cfg.BotNick)
	client := ebook.NewClient(ebook.ClientConfig{
		Channel:     cfg.IRCChannel,
		Nick:        cfg.BotNick,
		WorkingDir:  cfg.WorkingDir,
		DialTimeout: cfg.DialTimeout,
	}, transport, q, tel)
	transport.Bind(client)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to IRC: %w", err)
	}
	defer client.Close()

	logger.Info("connected, waiting for requests...",
		"server", cfg.IRCServer,
		"channel", cfg.IRCChannel,
		"queue_interval", cfg.QueueInterval.String(),
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, client, q, history, tel, cfg)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	// =========================================================================
	// Start Queue Processor
	processor := ebook.NewProcessor(client, q, cfg.QueueInterval)
	group.Go(func() error { return processor.Run(ctx) })

	// =========================================================================
	// Start Notification and History
	group.Go(func() error {
		consumeEvents(ctx, client, history, cfg)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	group.Go(func() error {
		runCleanup(ctx, history, cfg)

		return nil
	})

	return group.Wait()
}

// consumeEvents records finished downloads and pushes notifications until the
// context is cancelled.
func consumeEvents(ctx context.Context, client *ebook.Client, history storage.HistoryRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.Noop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	track := func(ev ebook.DownloadEvent, status string) {
		rec := storage.DownloadRecord{
			Path:   ev.Path,
			Status: status,
			Bytes:  ev.Bytes,
		}
		if ev.Item != nil {
			rec.User = ev.Item.User
			rec.Filename = ev.Item.Filename
		}

		if err := history.TrackDownload(&rec); err != nil {
			logger.Error("failed to track download", "filename", rec.Filename, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.OnBookCompleted:
			logger.Info("book download finished",
				"filename", ev.Item.Filename,
				"size", humanize.Bytes(uint64(ev.Bytes)),
			)
			track(ev, "completed")

			if err := notif.Notify("✅ Downloaded " + ev.Item.Filename); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		case ev := <-client.OnBookFailed:
			name := ev.Path
			if ev.Item != nil {
				name = ev.Item.Filename
			}

			logger.Warn("book download failed", "filename", name)
			track(ev, "failed")

			if err := notif.Notify("❌ Download failed for " + name); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	client *ebook.Client,
	q *queue.Manager,
	history storage.HistoryRepository,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	handler := rest.NewHandler(client, q, history, cfg.FileTypes)

	r := chi.NewRouter()
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/api", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, history storage.HistoryRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			records, err := history.GetDownloads()
			if err != nil {
				logger.Error("failed to fetch downloads for cleanup", "err", err)

				continue
			}

			if err := cleanup.DeleteExpiredFiles(ctx, records, cfg.KeepDownloadedFor); err != nil {
				logger.Error("cleanup error", "err", err)
			}
		}
	}
}
