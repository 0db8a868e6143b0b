// Command messaging serves the realtime messaging API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/pawpal/messaging/api"
	"github.com/pawpal/messaging/api/validator"
	"github.com/pawpal/messaging/chat"
	"github.com/pawpal/messaging/config"
	"github.com/pawpal/messaging/logger"
	"github.com/pawpal/messaging/memstore"
	"github.com/pawpal/messaging/metrics"
	"github.com/pawpal/messaging/notify"
	"github.com/pawpal/messaging/postgres"
	"github.com/pawpal/messaging/presence"
	"github.com/pawpal/messaging/realtime"
	"github.com/pawpal/messaging/redis"
	"github.com/pawpal/messaging/session"
	"github.com/pawpal/messaging/typing"
	"github.com/pawpal/messaging/uploads"
)

// configPath returns the config file to load. Priority: -config flag >
// MESSAGING_CONFIG env var > messaging.yaml.
func configPath() string {
	path := flag.String("config", "", "path to the YAML config file")
	flag.Parse()
	if *path != "" {
		return *path
	}
	if env := os.Getenv("MESSAGING_CONFIG"); env != "" {
		return env
	}
	return "messaging.yaml"
}

func main() {
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, configPath()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	log.Info("Starting messaging service", "config", path, "http_addr", cfg.Server.HTTPAddr, "driver", cfg.Database.Driver)

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	channel, closeChannel, err := openChannel(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeChannel()

	registry := &chat.Registry{Store: store, Logger: log}
	messages := &chat.Messages{
		Store:     store,
		Registry:  registry,
		Publisher: channel,
		Notifier: &notify.Fanout{
			Sender: notify.Realtime{Publisher: channel},
			Logger: log,
		},
		Logger:   log,
		PageSize: cfg.Messaging.PageSize,
	}
	tracker := presence.NewTracker(presence.Config{
		AwayAfter:    cfg.Presence.AwayAfter,
		OfflineAfter: cfg.Presence.OfflineAfter,
	}, channel, log)

	a := &api.API{
		Logger:   log,
		Registry: registry,
		Messages: messages,
		Presence: tracker,
		Signaler: &typing.Signaler{Publisher: channel, Window: cfg.Typing.Window},
		Uploads: &uploads.Presigner{
			Dir:     cfg.Uploads.Dir,
			BaseURL: cfg.Uploads.BaseURL,
			Secret:  []byte(cfg.Uploads.Secret),
			TTL:     cfg.Uploads.TTL,
			Logger:  log,
		},
		Channel: channel,
		Session: session.Config{
			MaxHistory:   cfg.Messaging.MaxHistory,
			TypingWindow: cfg.Typing.Window,
			TypingIdle:   cfg.Typing.Idle,
			Realtime: realtime.DispatcherConfig{
				PollInterval:   cfg.Realtime.PollInterval,
				BackoffInitial: cfg.Realtime.BackoffInitial,
				BackoffMax:     cfg.Realtime.BackoffMax,
			},
		},
		Val: validator.New(),
	}

	mux := http.NewServeMux()
	mux.Handle("/", metrics.Middleware(a))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}
	srv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tracker.Run(ctx, cfg.Presence.SweepInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (chat.Store, func(), error) {
	if cfg.Driver != config.DriverPostgres {
		mem := memstore.New()
		mem.AddUser(cfg.SeedUsers...)
		for group, members := range cfg.SeedGroups {
			mem.SetGroup(group, members...)
		}
		return mem, func() {}, nil
	}
	pg, err := postgres.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pg.CreateSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("creating schema: %w", err)
	}
	return pg, func() { pg.Close() }, nil
}

func openChannel(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (realtime.Channel, func(), error) {
	if !cfg.Enabled {
		return realtime.NewHub(log), func() {}, nil
	}
	r, err := redis.Connect(ctx, cfg.Addr, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return r, func() { r.Close() }, nil
}
