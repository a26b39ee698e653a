package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/karthikraju391/roomchat/auth"
	"github.com/karthikraju391/roomchat/bus"
	"github.com/karthikraju391/roomchat/cloud"
	"github.com/karthikraju391/roomchat/config"
	"github.com/karthikraju391/roomchat/handlers"
	"github.com/karthikraju391/roomchat/hub"
	"github.com/karthikraju391/roomchat/metrics"
	"github.com/karthikraju391/roomchat/rooms"
	"github.com/karthikraju391/roomchat/store"
	"github.com/karthikraju391/roomchat/telemetry"
)

const (
	serviceName     = "roomchat"
	shutdownTimeout = 15 * time.Second
)

type flags struct {
	port  int
	rooms string
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Real-time room chat relay",
		Long: `roomchat serves authenticated websocket chat rooms with persisted
history. Several instances can share a NATS or Redis bus so a message sent
on one reaches sockets connected to any other.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}
	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "listen port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&f.rooms, "rooms", "", "comma separated room list (overrides ROOMS)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the chat server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), f)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the per-room history tables and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), f)
			},
		},
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.rooms != "" {
		cfg.Rooms = config.ParseRooms(f.rooms)
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", serviceName)
}

// schemaStore is a history backend whose tables are created up front.
type schemaStore interface {
	store.HistoryStore
	EnsureSchema(ctx context.Context) error
}

func openStore(ctx context.Context, cfg *config.Config, registry *rooms.Registry, logger *slog.Logger) (store.HistoryStore, error) {
	var st schemaStore
	switch cfg.HistoryBackend {
	case "memory":
		logger.Warn("Using in-memory history; messages are lost on restart")
		return store.NewMemory(registry), nil
	case "sqlite":
		lite, err := store.NewSQLite(cfg.SQLitePath, registry, logger)
		if err != nil {
			return nil, err
		}
		st = lite
	default:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DBMaxConns, registry, logger)
		if err != nil {
			return nil, err
		}
		st = pg
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func migrate(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.HistoryBackend == "memory" {
		return fmt.Errorf("%w: nothing to migrate for the memory history backend", config.ErrInvalid)
	}
	registry, err := rooms.New(cfg.Rooms)
	if err != nil {
		return err
	}
	history, err := openStore(ctx, cfg, registry, logger)
	if err != nil {
		logger.Error("Migration failed", "error", err)
		return err
	}
	history.Close()
	logger.Info("History tables ready", "rooms", registry.Names())
	return nil
}

func serve(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Error flushing traces", "error", err)
		}
	}()

	registry, err := rooms.New(cfg.Rooms)
	if err != nil {
		return err
	}

	// --- History Store ---
	history, err := openStore(ctx, cfg, registry, logger)
	if err != nil {
		logger.Error("Failed to initialize history store", "error", err)
		return err
	}
	defer history.Close()
	logger.Info("History store initialized", "backend", cfg.HistoryBackend, "rooms", registry.Names())

	// --- Cross-instance bus ---
	instanceID := uuid.NewString()
	var b bus.Bus
	if cfg.BusURL != "" {
		opened, err := bus.Open(ctx, cfg.BusURL, bus.Options{
			SubjectPrefix: cfg.SubjectPrefix,
			StreamName:    cfg.StreamName,
			ClientName:    serviceName + "-" + instanceID,
		}, logger)
		if err != nil {
			logger.Warn("Cross-instance bus unavailable; running single-instance", "error", err)
		} else {
			b = opened
			defer b.Close()
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	engine := hub.New(instanceID, b, logger, m)
	defer engine.Close()

	var uploader handlers.Uploader
	if cfg.S3Bucket != "" {
		up, err := cloud.NewS3Uploader(ctx, cfg.Region, cfg.S3Bucket)
		if err != nil {
			logger.Warn("S3 uploads disabled", "error", err)
		} else {
			uploader = up
		}
	}

	instance := cloud.LookupInstance(ctx, nil, time.Second)
	logger.Info("Instance identity", "instance", instanceID, "ec2", instance.InstanceID, "az", instance.AZ)

	app := handlers.NewApp(&handlers.Server{
		Config:    cfg,
		Registry:  registry,
		Engine:    engine,
		Store:     history,
		Verifier:  auth.NewJWKSVerifier(cfg.Issuer, auth.NewKeyCache(logger), cfg.AuthFetchTimeout),
		Uploader:  uploader,
		Instance:  instance,
		Metrics:   m,
		Gatherer:  promReg,
		Logger:    logger,
		AccessLog: true,
	})

	// --- Start Server ---
	listenErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", cfg.Addr())
		listenErr <- app.Listen(cfg.Addr())
	}()

	// --- Graceful Shutdown ---
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				logger.Info("Shutting down server...")
				return app.ShutdownWithContext(ctx)
			},
		},
	)

	select {
	case code := <-wait:
		if code != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", code)
		}
	case err := <-listenErr:
		if err != nil {
			logger.Error("Server failed to start", "error", err)
			return err
		}
	}
	logger.Info("Server gracefully stopped")
	return nil
}
