package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pluginhost/pkg/api"
	"pluginhost/pkg/bridge"
	"pluginhost/pkg/config"
	"pluginhost/pkg/database"
	"pluginhost/pkg/health"
	"pluginhost/pkg/manager"
	"pluginhost/pkg/metrics"
	"pluginhost/pkg/models"
	"pluginhost/pkg/registry"
	"pluginhost/pkg/transport"
	"pluginhost/pkg/worker"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Launch every enabled plugin and serve the HTTP API",
		Long: `Load the plugin registry, launch every enabled plugin, and serve the
operator API until interrupted.

The server provides:
  • /login and the JWT-protected /api/v1 routes
  • Prometheus metrics at /metrics
  • Liveness at /healthz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	// ══════════════════════════════════════════════════════════════
	// CONFIGURATION & LOGGING
	// ══════════════════════════════════════════════════════════════
	conf, err := config.LoadConfig(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(conf.LogLevel)
	if conf.EncryptionKey == "1234567890123456789012345678901212345678901234567890123456789012" {
		slog.Warn("Using the default ENCRYPTION_KEY, set a real one for production", "component", "Main")
	}

	// ══════════════════════════════════════════════════════════════
	// REGISTRY
	// ══════════════════════════════════════════════════════════════
	reg, err := registry.Load(conf.RegistryPath)
	if err != nil {
		return err
	}

	// ══════════════════════════════════════════════════════════════
	// INJECTED SERVICES
	// ══════════════════════════════════════════════════════════════
	store, closeStore, err := openStore(conf)
	if err != nil {
		return err
	}
	defer closeStore()

	collector := metrics.NewCollector("pluginhost")
	hostServices := bridge.New(store, config.Millis(conf.CallbackTimeoutMs), collector)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ══════════════════════════════════════════════════════════════
	// PLUGIN MANAGER
	// ══════════════════════════════════════════════════════════════
	pool := worker.NewPool(conf.RequestWorkerConcurrency, "PluginDispatch", conf.RequestQueueSize)
	pool.Start(ctx)

	mgr := manager.New(reg, managerConfig(conf),
		manager.WithBridge(hostServices),
		manager.WithMetrics(collector),
		manager.WithPool(pool),
	)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	monitor := health.NewHealthMonitor(
		mgr,
		mgr.Events(),
		time.Duration(conf.HealthCheckIntervalSeconds)*time.Second,
		time.Duration(conf.FlapWindowSeconds)*time.Second,
		conf.FlapThreshold,
	)
	go monitor.Run(ctx)

	// ══════════════════════════════════════════════════════════════
	// ROUTER SETUP
	// ══════════════════════════════════════════════════════════════
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.RouterConfig{
		Auth:           api.Auth(conf),
		Plugins:        mgr,
		Events:         monitor,
		Metrics:        collector.Handler(),
		MaxUploadBytes: int64(conf.MaxUploadMB) << 20,
	})
	srv := &http.Server{
		Addr:              conf.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ══════════════════════════════════════════════════════════════
	// START SERVER
	// ══════════════════════════════════════════════════════════════
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if conf.TLSCertFile != "" && conf.TLSKeyFile != "" {
			slog.Info("Starting HTTPS server", "component", "Main", "address", conf.ServerAddress)
			err = srv.ListenAndServeTLS(conf.TLSCertFile, conf.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server", "component", "Main", "address", conf.ServerAddress)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down HTTP server", "component", "Main")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func managerConfig(conf *config.Config) manager.Config {
	cfg := manager.DefaultConfig()
	cfg.Handshake = models.HandshakeConfig{
		ProtocolVersion:  conf.HandshakeProtocolVersion,
		MagicCookieKey:   conf.HandshakeMagicCookieKey,
		MagicCookieValue: conf.HandshakeMagicCookieValue,
	}
	cfg.Timeouts = transport.Timeouts{
		Ping:    config.Millis(conf.RPCPingTimeoutMs),
		Init:    config.Millis(conf.RPCInitTimeoutMs),
		Default: config.Millis(conf.RPCCallTimeoutMs),
		Upload:  config.Millis(conf.RPCUploadTimeoutMs),
	}
	cfg.StartTimeout = config.Millis(conf.PluginStartTimeoutMs)
	cfg.StopTimeout = config.Millis(conf.PluginStopTimeoutMs)
	cfg.SocketDir = conf.SocketDir
	cfg.Network = conf.PluginNetwork
	cfg.MaxRestarts = conf.MaxRestarts
	cfg.InitialBackoff = config.Millis(conf.RestartBackoffMs)
	cfg.MaxBackoff = config.Millis(conf.RestartBackoffMaxMs)
	cfg.StableAfter = time.Duration(conf.RestartStableSeconds) * time.Second
	cfg.HealthCheckConcurrency = conf.HealthCheckConcurrency
	cfg.EncryptionKey = conf.EncryptionKey
	cfg.EventBuffer = conf.EventQueueSize
	return cfg
}

// openStore builds the key-value backend behind the injected services.
func openStore(conf *config.Config) (bridge.Store, func(), error) {
	var (
		store   bridge.Store
		closeFn = func() {}
	)

	switch conf.StoreBackend {
	case "memory":
		store = bridge.NewMemoryStore()

	case "sqlite", "postgres":
		db, err := database.Connect(conf)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(db); err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store = bridge.NewGormStore(db)
		closeFn = func() { _ = sqlDB.Close() }

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", conf.RedisAddr, err)
		}
		store = bridge.NewRedisStore(client)
		closeFn = func() { _ = client.Close() }

	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q (memory, sqlite, postgres, redis)", conf.StoreBackend)
	}

	if conf.EncryptStore {
		store = bridge.NewEncryptedStore(store, conf.EncryptionKey)
	}
	slog.Info("Injected service store ready", "component", "Main", "backend", conf.StoreBackend, "encrypted", conf.EncryptStore)
	return store, closeFn, nil
}
