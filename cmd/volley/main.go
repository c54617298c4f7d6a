// Command volley fetches URLs through the request pipeline and prints the
// results, exercising the cache across runs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/internal/config"
	"github.com/jayclf/Volley/internal/queue"
	"github.com/jayclf/Volley/internal/toolbox"
	"github.com/jayclf/Volley/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML configuration (optional)")
	flag.Parse()

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: volley [-config file] url...")
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	q, err := buildQueue(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build queue: %v\n", err)
		os.Exit(1)
	}
	defer q.Stop()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupts
		logger.Warn("interrupted, canceling outstanding requests")
		q.CancelAll(func(*queue.Request) bool { return true })
	}()

	var wg sync.WaitGroup
	failures := 0
	var mu sync.Mutex
	for _, u := range urls {
		u := u
		wg.Add(1)
		req := toolbox.NewStringRequest(u,
			func(body string) {
				defer wg.Done()
				fmt.Printf("== %s (%d bytes)\n%s\n", u, len(body), body)
			},
			func(err error) {
				defer wg.Done()
				mu.Lock()
				failures++
				mu.Unlock()
				logger.Error("request failed", "url", u, "error", err)
			})
		req.SetRetryPolicy(queue.NewRetryPolicy(
			cfg.Retry.Timeout.Duration, cfg.Retry.MaxRetries, cfg.Retry.BackoffMultiplier))
		q.Add(req)
	}
	wg.Wait()

	if failures > 0 {
		os.Exit(1)
	}
}

func buildQueue(cfg config.Config, logger *slog.Logger) (*queue.RequestQueue, error) {
	tr, err := transport.NewHTTPTransport(transport.Options{
		UserAgent: cfg.Network.UserAgent,
		Headers:   cfg.Network.Headers,
		ProxyURL:  cfg.Network.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	var store cache.Cache
	if cfg.Cache.SQL.Enabled() {
		sqlStore, err := cache.NewSQLStore(cache.SQLConfig{
			Driver:          cfg.Cache.SQL.Driver,
			DSN:             cfg.Cache.SQL.DSN,
			MaxOpenConns:    cfg.Cache.SQL.MaxOpenConns,
			MaxIdleConns:    cfg.Cache.SQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Cache.SQL.ConnMaxLifetime.Duration,
			MaxBytes:        cfg.Cache.MaxBytes,
			AutoMigrate:     cfg.Cache.SQL.AutoMigrate,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build sql cache: %w", err)
		}
		store = sqlStore
	} else {
		store = cache.NewDiskCache(cfg.Cache.Dir, cfg.Cache.MaxBytes, logger)
	}

	var limiter *transport.HostLimiter
	if cfg.Politeness.PerHostDelay.Duration > 0 || cfg.Politeness.RateLimit.Enabled() {
		limiter = transport.NewHostLimiter(cfg.Politeness.PerHostDelay.Duration, transport.RateLimit{
			Requests: cfg.Politeness.RateLimit.Requests,
			Window:   cfg.Politeness.RateLimit.Window.Duration,
		})
	}

	q := queue.New(queue.Options{
		Cache:     store,
		Transport: tr,
		Workers:   cfg.Network.Workers,
		Limiter:   limiter,
		Logger:    logger,
	})
	q.Start()
	return q, nil
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
