package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/archive"
	"github.com/nervelab/baran/internal/circuitbreaker"
	"github.com/nervelab/baran/internal/classify"
	"github.com/nervelab/baran/internal/config"
	"github.com/nervelab/baran/internal/dispatch"
	"github.com/nervelab/baran/internal/executor"
	"github.com/nervelab/baran/internal/health"
	"github.com/nervelab/baran/internal/httpapi"
	"github.com/nervelab/baran/internal/registry"
	"github.com/nervelab/baran/internal/routing"
	"github.com/nervelab/baran/internal/streaming"
	"github.com/nervelab/baran/internal/tracing"
	"github.com/nervelab/baran/internal/workflow"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Backend fleet. Topology is fixed for the life of the process; only
	// health and latency state change after this point.
	reg, err := registry.NewFromFile(cfg.Backends.Path, logger)
	if err != nil {
		logger.Fatal("Failed to load backend fleet", zap.Error(err))
	}

	// Liveness monitor owns every speculative probe; the router only reads
	// the cached verdicts.
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	monitor := health.NewMonitor(reg, health.Config{
		Interval:         cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		MaxConcurrent:    cfg.Health.MaxConcurrent,
		ProbePaths:       cfg.Health.ProbePaths,
	}, logger)
	if err := monitor.Start(monitorCtx); err != nil {
		logger.Fatal("Failed to start health monitor", zap.Error(err))
	}

	router := routing.New(reg, routing.Config{WindowSize: cfg.Router.WindowSize}, logger)

	// Classifier behind a hot-swap handle so a reloaded rules file takes
	// effect without restarting.
	rules, err := loadRules(cfg.Classifier.RulesPath, logger)
	if err != nil {
		logger.Fatal("Failed to load classifier rules", zap.Error(err))
	}
	clf, err := classify.New(rules)
	if err != nil {
		logger.Fatal("Failed to compile classifier rules", zap.Error(err))
	}
	hot := classify.NewHot(clf)

	templates := workflow.NewRegistry(logger)
	if err := templates.LoadDirectory(cfg.Templates.Dir); err != nil {
		logger.Fatal("Failed to load workflow templates", zap.Error(err))
	}
	builder := workflow.NewBuilder(templates, logger)

	breakers := circuitbreaker.NewSet(circuitbreaker.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
		MaxProbes:        uint32(cfg.Breaker.MaxProbes),
		Cooldown:         cfg.Breaker.Cooldown,
		ResetInterval:    cfg.Breaker.ResetInterval,
	}, logger)

	events := streaming.NewManager(cfg.Streaming.ReplayCapacity)

	store, writer, err := buildArchive(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize run archive", zap.Error(err))
	}

	execDeps := executor.Deps{
		Registry:   reg,
		Router:     router,
		Classifier: hot,
		Builder:    builder,
		Invoker:    dispatch.NewHTTPInvoker(nil, logger),
		Breakers:   breakers,
		Events:     events,
		Logger:     logger,
	}
	if writer != nil {
		execDeps.Archive = writer
	}
	exec, err := executor.New(execDeps, executor.Config{
		Workers:             cfg.Executor.Workers,
		MaxRetries:          cfg.Executor.MaxRetries,
		BaseTimeout:         cfg.Executor.BaseTimeout,
		TimeoutMultiplier:   cfg.Executor.TimeoutMultiplier,
		MinTimeout:          cfg.Executor.MinTimeout,
		HistoryLimit:        cfg.Executor.HistoryLimit,
		DefaultBudgetFactor: cfg.Executor.DefaultBudgetFactor,
	})
	if err != nil {
		logger.Fatal("Failed to build executor", zap.Error(err))
	}
	if err := exec.Start(); err != nil {
		logger.Fatal("Failed to start executor", zap.Error(err))
	}

	api, err := httpapi.New(httpapi.Deps{
		Executor:   exec,
		Router:     router,
		Classifier: hot,
		Registry:   reg,
		Templates:  templates,
		Breakers:   breakers,
		Monitor:    monitor,
		Archive:    store,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Failed to build HTTP API", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("HTTP API listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	watcher := startWatcher(cfg, hot, templates, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down")

	if watcher != nil {
		watcher.Stop()
	}

	// Stop taking requests first, then drain runs, then flush the archive.
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	cancelHTTP()

	cancelMonitor()
	if err := monitor.Stop(); err != nil {
		logger.Error("Health monitor shutdown failed", zap.Error(err))
	}

	execCtx, cancelExec := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	if err := exec.Stop(execCtx); err != nil {
		logger.Error("Executor shutdown failed", zap.Error(err))
	}
	cancelExec()

	if writer != nil {
		writer.Stop()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("Archive close failed", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(context.Background()); err != nil {
		logger.Error("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger() (*zap.Logger, error) {
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), "development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadRules reads the configured rules file, or falls back to the built-in
// rule set when no path is configured.
func loadRules(path string, logger *zap.Logger) (classify.Rules, error) {
	if path == "" {
		logger.Info("Using built-in classifier rules")
		return classify.DefaultRules(), nil
	}
	rules, err := classify.LoadRules(path)
	if err != nil {
		return classify.Rules{}, err
	}
	logger.Info("Loaded classifier rules", zap.String("path", path))
	return rules, nil
}

// buildArchive selects the run archive store per config and starts the
// async writer in front of it. Driver "none" disables archiving.
func buildArchive(cfg *config.Config, logger *zap.Logger) (archive.Store, *archive.Writer, error) {
	var store archive.Store
	switch cfg.Archive.Driver {
	case "none":
		return nil, nil, nil
	case "redis":
		s, err := archive.NewRedisStore(archive.RedisConfig{
			Addr:        cfg.Archive.Redis.Addr,
			Password:    cfg.Archive.Redis.Password,
			DB:          cfg.Archive.Redis.DB,
			TTL:         cfg.Archive.Redis.TTL,
			RecentLimit: cfg.Archive.Redis.RecentLimit,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case "postgres":
		s, err := archive.NewPostgresStore(archive.PostgresConfig{
			DSN:             cfg.Archive.Postgres.DSN,
			MaxOpenConns:    cfg.Archive.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Archive.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Archive.Postgres.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		return nil, nil, fmt.Errorf("unknown archive driver %q", cfg.Archive.Driver)
	}

	writer := archive.NewWriter(store, cfg.Archive.QueueSize, cfg.Archive.Workers, cfg.Archive.WriteTimeout, logger)
	writer.Start()
	return store, writer, nil
}

// startWatcher wires hot reload for the classifier rules file and the
// template directory. Failures downgrade to a warning; the service keeps
// running with the last good versions.
func startWatcher(cfg *config.Config, hot *classify.Hot, templates *workflow.Registry, logger *zap.Logger) *config.Watcher {
	if !cfg.Reload.Enabled {
		return nil
	}
	watcher, err := config.NewWatcher(cfg.Reload.Debounce, logger)
	if err != nil {
		logger.Warn("Hot reload unavailable", zap.Error(err))
		return nil
	}

	if path := cfg.Classifier.RulesPath; path != "" {
		err := watcher.WatchFile(path, func() error {
			rules, err := classify.LoadRules(path)
			if err != nil {
				return err
			}
			next, err := classify.New(rules)
			if err != nil {
				return err
			}
			hot.Swap(next)
			return nil
		})
		if err != nil {
			logger.Warn("Watching rules file failed", zap.Error(err))
		}
	}

	dir := cfg.Templates.Dir
	if err := watcher.WatchDir(dir, func() error { return templates.Reload(dir) }); err != nil {
		logger.Warn("Watching template directory failed", zap.Error(err))
	}

	watcher.Start()
	logger.Info("Hot reload watching",
		zap.String("rules", cfg.Classifier.RulesPath),
		zap.String("templates", dir),
	)
	return watcher
}
