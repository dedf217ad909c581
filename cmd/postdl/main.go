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

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/postdl/internal/admission"
	"github.com/italolelis/postdl/internal/cleanup"
	"github.com/italolelis/postdl/internal/config"
	"github.com/italolelis/postdl/internal/downloader"
	"github.com/italolelis/postdl/internal/fetch"
	"github.com/italolelis/postdl/internal/http/rest"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/media"
	"github.com/italolelis/postdl/internal/mirror"
	"github.com/italolelis/postdl/internal/notifier"
	"github.com/italolelis/postdl/internal/resolver"
	"github.com/italolelis/postdl/internal/resolver/remote"
	"github.com/italolelis/postdl/internal/storage"
	"github.com/italolelis/postdl/internal/storage/sqlite"
	"github.com/italolelis/postdl/internal/taskstore"
	"github.com/italolelis/postdl/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, nil)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("postdl starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// Logs are also exported once telemetry knows the collector.
	logger = newLogger(cfg, tel)
	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store, err := taskstore.New(ctx, storage.NewInstrumentedKV(sqlite.NewKVStore(database), tel))
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	if n := cleanup.FailInterrupted(ctx, store); n > 0 {
		logger.Info("recovered interrupted tasks", "count", n)
	}

	// =========================================================================
	// Start Downloader
	dl, err := buildDownloader(ctx, cfg, store, tel)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start Notification
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	setupNotification(watchCtx, store, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, dl, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and task workers a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := dl.Shutdown(shutdownCtx); err != nil {
			logger.Error("task workers did not stop in time", "err", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"max_parallel", cfg.MaxParallel,
		"live_photos", cfg.LivePhotos,
		"recent_window", cfg.RecentWindow.String(),
	)

	return g.Wait()
}

func newLogger(cfg *config.Config, tel *telemetry.Telemetry) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	return slog.New(logctx.NewContextHandler(tel.LogHandler(handler)))
}

func buildDownloader(ctx context.Context, cfg *config.Config, store *taskstore.Store, tel *telemetry.Telemetry) (*downloader.Downloader, error) {

	guard := admission.NewGuard(store, admission.WritableDir{Dir: cfg.TargetDir}, tel)

	fetcher := fetch.NewInstrumentedFetcher(
		fetch.NewHTTPFetcher(
			fetch.WithHeaders(cfg.UserAgent, cfg.Referer),
			fetch.WithRateLimit(cfg.MaxBytesPerSecond),
		),
		tel,
	)

	opts := []downloader.Option{
		downloader.WithNamer(media.PrefixNamer{Prefix: cfg.FilePrefix}),
		downloader.WithTelemetry(tel),
	}

	if cfg.MirrorEnabled() {
		m, err := mirror.New(ctx, mirror.Config{
			Bucket:    cfg.Mirror.Bucket,
			KeyPrefix: cfg.Mirror.KeyPrefix,
			Region:    cfg.Mirror.Region,
			Endpoint:  cfg.Mirror.Endpoint,
		}, tel)
		if err != nil {
			return nil, fmt.Errorf("failed to setup mirror: %w", err)
		}

		opts = append(opts, downloader.WithMirror(m))
	}

	return downloader.NewDownloader(
		store,
		guard,
		buildResolver(ctx, cfg, tel),
		fetcher,
		downloader.Config{
			Dir:          cfg.TargetDir,
			RecentWindow: cfg.RecentWindow,
			MaxParallel:  cfg.MaxParallel,
			LivePhotos:   cfg.LivePhotos,
			VideoPolicy: resolver.VideoPolicy{
				VariantMarkers: cfg.Video.VariantMarkers,
				QualityMarkers: cfg.Video.QualityMarkers,
			},
		},
		opts...,
	), nil
}

// buildResolver picks the resolver service client, or a resolver that always defers to the
// crawled submission path when no service is configured.
func buildResolver(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) resolver.Resolver {
	if cfg.Resolver.URL == "" {
		logctx.LoggerFromContext(ctx).Warn("no resolver service configured, only crawled submissions will download")

		return resolver.NewInstrumentedResolver(resolver.Unconfigured{}, tel, "unconfigured")
	}

	client := remote.NewClient(remote.Config{
		BaseURL:    cfg.Resolver.URL,
		Token:      cfg.Resolver.Token,
		Timeout:    cfg.Resolver.Timeout,
		MaxRetries: cfg.Resolver.MaxRetries,
	})

	return resolver.NewInstrumentedResolver(client, tel, "resolver")
}

func setupNotification(ctx context.Context, store *taskstore.Store, cfg *config.Config) {
	notifiers := notifier.Multi{notifier.LogNotifier{}}
	if cfg.DiscordWebhookURL != "" {
		notifiers = append(notifiers, &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL})
	}

	updates, unsubscribe := store.Subscribe()
	initial := store.GetAllTasks()

	go func() {
		defer unsubscribe()

		notifier.Watch(ctx, initial, updates, notifiers)
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, dl *downloader.Downloader, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	tHandler := rest.NewTaskHandler(dl, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", tHandler.Routes())

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
