package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/docuchat/docuchat/internal/config"
	"github.com/docuchat/docuchat/internal/dms"
	"github.com/docuchat/docuchat/internal/gateway"
	"github.com/docuchat/docuchat/internal/httpapi"
	"github.com/docuchat/docuchat/internal/link"
	"github.com/docuchat/docuchat/internal/logging"
	"github.com/docuchat/docuchat/internal/metrics"
	"github.com/docuchat/docuchat/internal/store"
	syncengine "github.com/docuchat/docuchat/internal/sync"
)

func main() {
	configPath := flag.String("config", "docuchat.yaml", "path to the configuration file")
	flag.Parse()

	// Missing .env is fine; it only feeds the env override layer.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, err := logging.Init(cfg.Log.Level, cfg.Log.Sink)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		logger.Error("store_init_failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	client, err := dms.NewClient(dms.ClientOptions{
		BaseURL:     cfg.DMS.BaseURL,
		Login:       cfg.DMS.Login,
		Password:    cfg.DMS.Password,
		UsersListID: cfg.DMS.UsersListUUID(),
		FileListIDs: cfg.DMS.FileListUUIDs(),
		AuthScheme:  dms.AuthScheme(cfg.DMS.AuthScheme),
		HTTPClient:  &http.Client{Timeout: cfg.DMS.Timeout},
		MaxRetries:  cfg.DMS.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("dms_client_init_failed", "error", err)
		os.Exit(1)
	}

	registry := metrics.NewRegistry()
	auth, err := gateway.NewAuthenticator(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, st)
	if err != nil {
		logger.Error("auth_init_failed", "error", err)
		os.Exit(1)
	}
	gw, err := gateway.New(gateway.Options{
		Store:          st,
		Auth:           auth,
		Logger:         logger,
		Metrics:        registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		logger.Error("gateway_init_failed", "error", err)
		os.Exit(1)
	}
	engine, err := syncengine.NewEngine(syncengine.EngineOptions{
		Store:     st,
		Directory: client,
		Notifier:  gw,
		Logger:    logger,
		Metrics:   registry,
	})
	if err != nil {
		logger.Error("sync_engine_init_failed", "error", err)
		os.Exit(1)
	}
	linker := link.NewLinker(st, client, engine, logger)

	server := httpapi.NewServer(httpapi.Options{
		Store:          st,
		Auth:           auth,
		Gateway:        gw,
		Engine:         engine,
		Linker:         linker,
		MetricsHandler: registry.Handler(),
		Logger:         logger,
		Config: httpapi.ServerConfig{
			Cron: cfg.Sync.Cron,
		},
	})

	// Credential changes in the config file reach the external client
	// without a restart.
	stopWatch, err := config.Watch(*configPath, logger, func(next config.Config) {
		client.SetCredentials(next.DMS.Login, next.DMS.Password)
		client.SetAuthScheme(dms.AuthScheme(next.DMS.AuthScheme))
	})
	if err != nil {
		logger.Warn("config_watch_unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	if cfg.Sync.Cron != "" {
		stopSchedule, err := engine.Schedule(cfg.Sync.Cron, cfg.Sync.Staleness)
		if err != nil {
			logger.Error("sync_schedule_failed", "error", err)
			os.Exit(1)
		}
		defer stopSchedule()
	}
	if cfg.Sync.OnStart {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := engine.FullSync(ctx); err != nil && !errors.Is(err, syncengine.ErrSyncRunning) {
				logger.Warn("startup_sync_failed", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server_listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown_incomplete", "error", err)
	}
	logger.Info("server_stopped")
}

func buildStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.Database.DSN == "" {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}
