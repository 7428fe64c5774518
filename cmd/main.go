package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/louply/offramp/internal/cache"
	"github.com/louply/offramp/internal/config"
	"github.com/louply/offramp/internal/fallback"
	"github.com/louply/offramp/internal/logging"
	"github.com/louply/offramp/internal/metrics"
	"github.com/louply/offramp/internal/notify"
	"github.com/louply/offramp/internal/proxy"
	"github.com/louply/offramp/internal/queue"
	"github.com/louply/offramp/internal/server"
	"github.com/louply/offramp/internal/syncer"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "OFFRAMP", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	upstream, err := url.Parse(cfg.Proxy.Upstream)
	if err != nil {
		logger.Error("invalid upstream", slog.Any("error", err))
		os.Exit(1)
	}

	store := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	actionQueue := buildQueue(logger.With(slog.String("agent", "queue_factory")), cfg.Server.Queue)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
		if err := actionQueue.Close(shutdownCtx); err != nil {
			logger.Error("queue shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	renderer, err := fallback.NewRenderer(fallback.Sources{
		OfflineError: cfg.Proxy.Fallback.OfflineError,
		OfflinePage:  cfg.Proxy.Fallback.OfflinePage,
		Placeholder:  cfg.Proxy.Fallback.Placeholder,
	})
	if err != nil {
		logger.Error("fallback templates invalid", slog.Any("error", err))
		os.Exit(1)
	}

	classifier, err := proxy.NewClassifier(cfg.Proxy.APIPrefix, cfg.Proxy.IconPrefixes, cfg.Proxy.MediaPrefixes, cfg.Proxy.Deny, logger)
	if err != nil {
		logger.Error("deny rules invalid", slog.Any("error", err))
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	prefix := cache.Prefix(cfg.Server.Cache.Namespace, cfg.Proxy.Version)

	controller, err := proxy.NewController(proxy.ControllerOptions{
		Store:     store,
		Client:    httpClient,
		Logger:    logger,
		Upstream:  upstream,
		Namespace: cfg.Server.Cache.Namespace,
		Version:   cfg.Proxy.Version,
		Precache:  cfg.Proxy.Precache,
	})
	if err != nil {
		logger.Error("lifecycle controller setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	strategies, err := proxy.NewStrategies(proxy.StrategyOptions{
		Client:      httpClient,
		Store:       store,
		Queue:       actionQueue,
		Classifier:  classifier,
		Fallback:    renderer,
		Logger:      logger,
		Metrics:     metricsRecorder,
		Upstream:    upstream,
		Prefix:      prefix,
		APITimeout:  time.Duration(cfg.Proxy.APITimeoutSeconds) * time.Second,
		OfflinePath: cfg.Proxy.OfflinePath,
	})
	if err != nil {
		logger.Error("strategy setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	coordinator, err := syncer.New(syncer.Options{
		Queue:     actionQueue,
		Store:     store,
		Client:    httpClient,
		Logger:    logger,
		Metrics:   metricsRecorder,
		Namespace: cfg.Server.Cache.Namespace,
		Version:   cfg.Proxy.Version,
		Interval:  time.Duration(cfg.Server.Sync.IntervalSeconds) * time.Second,
		Retention: time.Duration(cfg.Server.Sync.RetentionDays) * 24 * time.Hour,
	})
	if err != nil {
		logger.Error("sync coordinator setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	bridge := notify.NewBridge(logger)
	interceptor := proxy.New(controller, classifier, strategies, logger, metricsRecorder)

	if cfg.Proxy.ManifestFile != "" {
		watcher, err := loader.WatchManifest(ctx, cfg, func(m config.Manifest) {
			controller.ApplyManifest(m)
			if err := classifier.ReloadDeny(m.Deny); err != nil {
				logger.Error("deny rule reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("manifest watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("manifest watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.RouterOptions{
		Proxy:     interceptor,
		Lifecycle: controller,
		Sync:      coordinator,
		Queue:     actionQueue,
		Notifier:  bridge,
		Metrics:   metricsRecorder.Handler(),
		Logger:    logger,
		Version:   cfg.Proxy.Version,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("lifecycle controller stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync coordinator stopped", slog.Any("error", err))
		}
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildCacheStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache")
		return cache.NewMemory()
	case "valkey":
		valkeyStore, err := cache.NewValkey(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory()
		}
		logger.Info("using valkey response cache", slog.String("address", cfg.Valkey.Address))
		return valkeyStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

func buildQueue(logger *slog.Logger, cfg config.QueueConfig) queue.Queue {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory action queue")
		return queue.NewMemory()
	case "sqlite":
		sqliteQueue, err := queue.OpenSQLite(cfg.Path)
		if err != nil {
			logger.Error("sqlite queue initialization failed",
				slog.String("path", cfg.Path), slog.Any("error", err))
			logger.Info("falling back to memory queue")
			return queue.NewMemory()
		}
		logger.Info("using sqlite action queue", slog.String("path", cfg.Path))
		return sqliteQueue
	case "valkey":
		valkeyQueue, err := queue.NewValkey(queue.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: queue.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey queue initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory queue")
			return queue.NewMemory()
		}
		logger.Info("using valkey action queue", slog.String("address", cfg.Valkey.Address))
		return valkeyQueue
	default:
		logger.Warn("unsupported queue backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return queue.NewMemory()
	}
}
