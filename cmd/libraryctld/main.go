// Command libraryctld is the Library Control Engine daemon: it wires the
// tape library Engine to a SQLite-backed operation log, a background
// scheduler, and the HTTP surface under /library.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/qualstar/libraryctl/internal/config"
	"github.com/qualstar/libraryctl/internal/database"
	"github.com/qualstar/libraryctl/internal/libauth"
	"github.com/qualstar/libraryctl/internal/library"
	"github.com/qualstar/libraryctl/internal/library/httpapi"
	"github.com/qualstar/libraryctl/internal/locker"
	"github.com/qualstar/libraryctl/internal/logging"
	"github.com/qualstar/libraryctl/internal/ltfsproc"
	"github.com/qualstar/libraryctl/internal/repository"
	"github.com/qualstar/libraryctl/internal/runner"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	configPath := flag.String("config", "/etc/libraryctl/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("libraryctld v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("Starting libraryctld", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("Failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("Failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("Database initialized", map[string]interface{}{"path": cfg.Database.Path})

	repo := repository.NewSqliteOperations(db)
	events := library.NewEventBus()
	rn := runner.NewExecRunner()

	onDriveChanged := func(slot int, op string) {
		logger.Info("drive state changed", map[string]interface{}{"slot": slot, "operation": op})
	}

	var platform library.Platform
	switch runtime.GOOS {
	case "windows":
		platform = &ltfsproc.Windows{
			LtfsPath:                      cfg.TapeLibrary.LtfsPath,
			RunLtfsckBeforeDamagedRelease: cfg.TapeLibrary.RunLtfsckBeforeDamagedRelease,
			OnDriveChanged:                onDriveChanged,
		}
	default:
		platform = &ltfsproc.Linux{
			LtfsPath:                      cfg.TapeLibrary.LtfsPath,
			MountPoint:                    cfg.TapeLibrary.MountPoint,
			RunLtfsckBeforeDamagedRelease: cfg.TapeLibrary.RunLtfsckBeforeDamagedRelease,
			OnDriveChanged:                onDriveChanged,
		}
	}
	logger.Info("platform selected", map[string]interface{}{"platform": runtime.GOOS})

	lk := locker.NewInProcess()
	engine := library.New(cfg.TapeLibrary, rn, platform, lk, repo, events, logger)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := engine.Initialize(initCtx); err != nil {
		logger.Warn("library initialization incomplete", map[string]interface{}{"error": err.Error()})
	}
	cancelInit()

	sched, err := library.NewScheduler(engine, logger, cfg.Scheduler.StatusCollectCron, cfg.Scheduler.OperationGCCron)
	if err != nil {
		logger.Error("Failed to build scheduler", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	sched.Start()

	tokenLifetime := time.Duration(cfg.Security.TokenLifetimeMin) * time.Minute
	authService, err := libauth.NewService(cfg.Security.OperatorUsername, cfg.Security.OperatorPassword, cfg.Security.JWTSecret, tokenLifetime)
	if err != nil {
		logger.Error("Failed to initialize auth service", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	apiServer := httpapi.NewServer(engine, authService, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // long timeout for mount/format operations
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", map[string]interface{}{"address": addr})
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("HTTP server error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", map[string]interface{}{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()

	if op := engine.Release(ctx); !op.Status.IsSuccess() {
		logger.Warn("release on shutdown did not fully succeed", map[string]interface{}{
			"status":  op.Status,
			"message": op.Message,
		})
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("libraryctld shutdown complete", nil)
}
