package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ZentaChain/zentalk-chat/pkg/api"
	"github.com/ZentaChain/zentalk-chat/pkg/config"
	"github.com/ZentaChain/zentalk-chat/pkg/logging"
	"github.com/ZentaChain/zentalk-chat/pkg/network"
	"github.com/ZentaChain/zentalk-chat/pkg/session"
	"github.com/ZentaChain/zentalk-chat/pkg/storage"
)

const (
	statusInterval = 5 * time.Minute
	purgeInterval  = time.Hour
)

var (
	configPath = flag.String("config", "", "Path to TOML config file")
	addr       = flag.String("addr", "", "Chat listen address (overrides config)")
	adminAddr  = flag.String("admin", "", "Admin API listen address, \"off\" disables (overrides config)")
	driver     = flag.String("storage", "", "Storage driver: memory, sqlite or redis (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{App: "chatd", Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete")
}

func applyFlags(cfg *config.Config) {
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	switch *adminAddr {
	case "":
	case "off":
		cfg.Admin.Enabled = false
	default:
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = *adminAddr
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("Store opened")

	dispatcher := session.NewDispatcher(store, session.NewRegistry(), session.Config{
		CompatibleVersions: cfg.Server.CompatibleVersions,
		MaxMessageLength:   cfg.Limits.MaxMessageLength,
		MaxNameLength:      cfg.Limits.MaxNameLength,
	}, logger)

	srv := network.NewServer(network.ServerConfig{
		Addr:         cfg.Server.Addr,
		MaxPayload:   cfg.Server.MaxPayloadBytes,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}, dispatcher, logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if cfg.Admin.Enabled {
		admin := api.NewServer(api.Config{
			Addr:               cfg.Admin.Addr,
			RateLimitPerSecond: cfg.Admin.RateLimitPerSecond,
			RateLimitBurst:     cfg.Admin.RateLimitBurst,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
		}, store, srv, logger)
		g.Go(func() error {
			return admin.Start(gctx)
		})
	}

	g.Go(func() error {
		statusLoop(gctx, srv, store, logger)
		return nil
	})

	if sq, ok := store.(*storage.SQLiteStore); ok && cfg.Storage.ReadRetention.Duration > 0 {
		g.Go(func() error {
			purgeLoop(gctx, sq, cfg.Storage.ReadRetention.Duration, logger)
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return storage.NewSQLiteStore(cfg.SQLitePath)
	case config.DriverRedis:
		return storage.NewRedisStore(ctx, cfg.RedisURL)
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// statusLoop logs a periodic summary
func statusLoop(ctx context.Context, srv *network.Server, store storage.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns := srv.Stats()
			event := logger.Info().
				Int("connections", conns.Connections).
				Int("logged_in", conns.LoggedInAccounts).
				Uint64("accepted", conns.Accepted)
			if st, err := store.Stats(ctx); err == nil {
				event = event.Int("accounts", st.Accounts).Int("unread", st.UnreadMessages)
			}
			event.Msg("Status")
		}
	}
}

// purgeLoop periodically removes read messages older than retention
func purgeLoop(ctx context.Context, store *storage.SQLiteStore, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeRead(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error().Err(err).Msg("Failed to purge read messages")
				continue
			}
			if n > 0 {
				logger.Info().Int64("purged", n).Msg("Purged read messages")
			}
		}
	}
}
