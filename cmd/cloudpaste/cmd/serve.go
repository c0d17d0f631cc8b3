package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/spf13/cobra"

	"github.com/cloudpaste/cloudpaste/internal/api"
	"github.com/cloudpaste/cloudpaste/internal/auth"
	"github.com/cloudpaste/cloudpaste/internal/backup"
	"github.com/cloudpaste/cloudpaste/internal/cachebus"
	"github.com/cloudpaste/cloudpaste/internal/config"
	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/dircache"
	"github.com/cloudpaste/cloudpaste/internal/encryption"
	"github.com/cloudpaste/cloudpaste/internal/mount"
	"github.com/cloudpaste/cloudpaste/internal/scheduler"
	"github.com/cloudpaste/cloudpaste/internal/slogutil"
	"github.com/cloudpaste/cloudpaste/internal/tasks"
	"github.com/cloudpaste/cloudpaste/internal/vfs"
	"github.com/cloudpaste/cloudpaste/internal/webdav"

	// Storage drivers register themselves with the driver factory.
	_ "github.com/cloudpaste/cloudpaste/internal/driver/davfs"
	_ "github.com/cloudpaste/cloudpaste/internal/driver/localfs"
	_ "github.com/cloudpaste/cloudpaste/internal/driver/s3"
)

const adminTokenTTL = 24 * time.Hour

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the CloudPaste server",
		Long:  `Start the CloudPaste API and WebDAV server using configuration from a YAML file plus environment overrides.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configManager, err := config.NewManager(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}
	cfg := configManager.GetConfig()
	getCfg := configManager.Getter()

	logger := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "dir", cfg.DataDir, "err", err)
		return err
	}

	db, err := database.NewDB(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Database.Path, "err", err)
		return err
	}
	defer func() { _ = db.Close() }()

	taskDB, err := database.NewTaskDB(database.Config{DatabasePath: cfg.Tasks.DatabasePath})
	if err != nil {
		logger.Error("failed to open task database", "path", cfg.Tasks.DatabasePath, "err", err)
		return err
	}
	defer func() { _ = taskDB.Close() }()

	cipher, err := encryption.New(cfg.Encryption.Secret)
	if err != nil {
		logger.Error("failed to initialize credential encryption", "err", err)
		return err
	}

	resolver := mount.NewResolver(db.Mounts, db.Storage, cipher, logger)
	cache, err := dircache.New(dircache.Config{
		MaxEntries:   cfg.Cache.MaxEntries,
		DefaultTTL:   cfg.DirCacheTTL(),
		PrunePercent: cfg.Cache.PrunePercent,
	})
	if err != nil {
		logger.Error("failed to build directory cache", "err", err)
		return err
	}
	bus := cachebus.New(logger)
	cachebus.WireFSInvalidation(bus, logger, cache, resolver, resolver)
	fs := vfs.New(resolver, cache, bus, db.FsMeta, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService := auth.NewService(db.Auth, adminTokenTTL, logger)

	taskManager := tasks.NewManager(taskDB.Tasks, fs, getCfg, logger)
	taskManager.Register(tasks.NewCopyHandler(logger))
	taskManager.SetPrincipalLoader(authService)
	if err := taskManager.Start(ctx); err != nil {
		logger.Error("failed to start task manager", "err", err)
		return err
	}
	defer taskManager.Stop()

	sched := scheduler.New(db, logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "err", err)
		return err
	}
	defer sched.Stop()

	backupEngine := backup.NewEngine(db.Connection(), logger)

	apiServer := api.NewServer(getCfg, db, fs, taskManager, authService, backupEngine, bus, cache, cipher, logger)
	davHandler := webdav.NewHandler(getCfg, fs, authService, logger)

	srv := createHTTPServer(cfg, apiServer, davHandler)

	logger.Info("Starting CloudPaste server",
		"port", cfg.Server.Port,
		"api_prefix", cfg.Server.Prefix,
		"webdav_prefix", cfg.WebDAV.Prefix,
		"task_workers", cfg.Tasks.WorkerPool)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", "err", err)
		return err
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	logger.Info("CloudPaste server shut down gracefully")
	return nil
}

// createHTTPServer routes WebDAV requests to the WebDAV handler and
// everything else to the fiber application on a single listener.
func createHTTPServer(cfg *config.Config, apiServer *api.Server, davHandler *webdav.Handler) *http.Server {
	fiberHandler := adaptor.FiberApp(apiServer.App())
	davPrefix := cfg.WebDAV.Prefix

	mainHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if davPrefix != "" && (r.URL.Path == davPrefix || strings.HasPrefix(r.URL.Path, davPrefix+"/")) {
			davHandler.ServeHTTP(w, r)
			return
		}
		fiberHandler.ServeHTTP(w, r)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mainHandler,
		IdleTimeout:  time.Minute * 5,
		WriteTimeout: time.Minute * 30,
		ReadTimeout:  time.Minute * 5,
	}
}
