package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/config"
	"github.com/brighthome/dispatch/dispatch"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/metrics"
)

// ServeCmd starts the dispatch daemon
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the dispatch daemon",
	Long: `Start the dispatch daemon: the booking state machine, allocation
engine, and background SLA monitor loops, with a Prometheus metrics
endpoint.`,
	RunE: runServe,
}

var (
	serveDBPath      string
	serveMetricsAddr string
	serveConfigPath  string
)

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db", "", "Database path (overrides config)")
	ServeCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "localhost:9090", "Prometheus metrics listen address (empty to disable)")
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file to watch for hot reload")
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		verbosity = 1
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	dbPath := serveDBPath
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	// Redis when configured and reachable, in-process store otherwise.
	var store cache.Cache = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisCache.Ping(pingCtx); err != nil {
			logger.Warnw("Redis unreachable, using in-process cache",
				"addr", cfg.Redis.Addr, "error", err)
			redisCache.Close()
		} else {
			store = redisCache
		}
		cancel()
	}
	defer store.Close()

	eventBus := bus.New()
	svc, err := dispatch.New(cfg, database, store, eventBus, nil, nil)
	if err != nil {
		return errors.Wrap(err, "wire dispatch service")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	svc.Start(ctx)
	defer svc.Stop()

	if serveConfigPath != "" {
		watcher, err := config.NewWatcher(serveConfigPath)
		if err != nil {
			return errors.Wrap(err, "watch config")
		}
		defer watcher.Stop()
		watcher.OnReload(func(c *config.Config) error {
			logger.Infow("Config reloaded", "path", serveConfigPath)
			return nil
		})
		watcher.Start()
	}

	var metricsServer *http.Server
	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: serveMetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("Metrics server failed", "error", err)
			}
		}()
	}

	printStartupBanner(verbosity, dbPath, serveMetricsAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
	shutdownDone := make(chan struct{})
	go func() {
		stop()
		svc.Stop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			metricsServer.Shutdown(shutdownCtx)
			cancel()
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		pterm.Success.Println("Daemon stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil // unreachable
	}
}
