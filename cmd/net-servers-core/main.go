// Command net-servers-core is the configuration management daemon:
// it watches an environment's config tree, reconciles every registered
// synchronizer against it, supervises the container runtime, and exposes
// a local admin API over HTTP, through which certificates are issued or
// renewed on request.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/api"
	"github.com/lakowske/net-servers/internal/bookkeeping"
	"github.com/lakowske/net-servers/internal/certmanager"
	"github.com/lakowske/net-servers/internal/container"
	"github.com/lakowske/net-servers/internal/dnssync"
	"github.com/lakowske/net-servers/internal/environment"
	"github.com/lakowske/net-servers/internal/httpauthsync"
	"github.com/lakowske/net-servers/internal/mailsync"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/ports"
	"github.com/lakowske/net-servers/internal/procconfig"
	"github.com/lakowske/net-servers/internal/reload"
	"github.com/lakowske/net-servers/internal/store"
	"github.com/lakowske/net-servers/internal/syncfw"
	"github.com/lakowske/net-servers/internal/watcher"
)

// checkZoneCmd is the runtime's zone-check binary, invoked by the DNS
// Synchronizer before a zone file is considered valid.
const checkZoneCmd = "named-checkzone"

func main() {
	flags, configFile, showVersion := procconfig.ParseFlags()

	if showVersion {
		fmt.Println("net-servers-core v0.1.0")
		os.Exit(0)
	}

	cfg, err := procconfig.Load(configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	flags.ApplyTo(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting net-servers-core",
		zap.String("base", cfg.Base),
		zap.String("container_cmd", cfg.ContainerCmd),
	)

	basePaths, err := paths.Resolve(cfg.Base, "")
	if err != nil {
		logger.Fatal("failed to resolve base path", zap.Error(err))
	}

	envManager := environment.New(basePaths.EnvironmentsYAML, cfg.Base, logger)
	current, envPaths, err := envManager.Current()
	if err != nil {
		logger.Fatal("no current environment configured; run the CLI's environments init first", zap.Error(err))
	}
	logger.Info("resolved current environment", zap.String("environment", current.Name), zap.String("base", envPaths.Base))

	configStore := store.New(envPaths, logger)

	db, err := bookkeeping.Open(cfg.Bookkeeping.Type, cfg.BookkeepingDSN())
	if err != nil {
		logger.Fatal("failed to open bookkeeping store", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatal("failed to migrate bookkeeping store", zap.Error(err))
	}

	certs := certmanager.New(configStore, envPaths, logger, certmanager.WithRecorder(db))

	portAllocator := ports.New(nil).WithRecorder(db)
	supervisor := container.New(configStore, envPaths, portAllocator, current.Name, cfg.ContainerCmd, logger)

	reloadCoordinator := reload.New(supervisor, logger, reload.WithRecorder(db))
	registry := syncfw.New(reloadCoordinator, logger)
	registry.Register(dnssync.New(configStore, envPaths, checkZoneCmd, logger))
	registry.Register(mailsync.New(configStore, envPaths, logger))
	registry.Register(httpauthsync.New(configStore, envPaths, nil, false, logger))

	fsWatcher, err := watcher.New(envPaths, watcher.DefaultDebounce, logger)
	if err != nil {
		logger.Fatal("failed to start config watcher", zap.Error(err))
	}
	defer fsWatcher.Close()

	reconcile := func(ctx context.Context, ch watcher.Channel) {
		syns := registry.ForChannel(ch)
		if len(syns) == 0 {
			return
		}
		reconcileErr, err := registry.Reconcile(ctx, syns, false)
		if err != nil {
			logger.Error("reconcile failed", zap.String("channel", string(ch)), zap.Error(err))
			return
		}
		if reconcileErr != nil && reconcileErr.HasErrors() {
			logger.Warn("reconcile completed with errors", zap.String("channel", string(ch)), zap.Int("count", len(reconcileErr.Errors)))
		}
	}
	for _, ch := range []watcher.Channel{
		watcher.ChannelUsers, watcher.ChannelDomains, watcher.ChannelGlobal,
		watcher.ChannelServices, watcher.ChannelSecrets, watcher.ChannelEnvironments,
	} {
		fsWatcher.Register(ch, reconcile)
	}
	if err := fsWatcher.Start(); err != nil {
		logger.Fatal("failed to start config watcher", zap.Error(err))
	}

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Store:       configStore,
		Environment: envManager,
		Registry:    registry,
		Certs:       certs,
		Containers:  supervisor,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.Admin.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting admin API", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin API failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("admin API forced to shutdown", zap.Error(err))
	}

	logger.Info("stopped")
}

func initLogger(cfg *procconfig.Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zapConfig.Build()
}
