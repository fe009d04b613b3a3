// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/cache"
	"github.com/starford/ansuz/internal/gitrepo"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/notify"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/sidebar"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/taskledger"
	"github.com/starford/ansuz/internal/watcher"
	"github.com/starford/ansuz/internal/widgets"
	"github.com/starford/ansuz/internal/wikiservice"
	"github.com/starford/ansuz/internal/worker"
)

// components holds every constructed service plus the resources to close
// on shutdown.
type components struct {
	store   storage.Provider
	repo    *gitrepo.Repo
	index   *search.Index
	sidebar *sidebar.Service
	widgets *widgets.Service
	ledger  *taskledger.Ledger
	pool    *worker.Pool
	wiki    *wikiservice.Service

	closers []func() error
}

func (c *components) close(logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// build constructs the full wiki core from configuration.
func build(ctx context.Context, cfg *Config, logger *slog.Logger) (*components, error) {
	c := &components{}

	// Ensure the content repository exists and is a git working copy.
	if err := os.MkdirAll(cfg.Wiki.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create wiki dir: %w", err)
	}
	c.repo = gitrepo.New(cfg.Wiki.Path, cfg.Wiki.RemoteURL, cfg.Wiki.Branch, cfg.Wiki.GitTimeout, gitrepo.ExecRunner{})
	if err := c.repo.EnsureRepo(ctx); err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}

	store, err := storage.NewFS(cfg.Wiki.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	c.store = store

	c.index, err = search.Open(cfg.Search.Path)
	if err != nil {
		return nil, fmt.Errorf("init search index: %w", err)
	}
	c.closers = append(c.closers, c.index.Close)

	var kv cache.Cache
	switch cfg.Cache.Backend {
	case CacheBackendSQLite:
		sqliteCache, err := cache.NewSQLite(cfg.Cache.Path, logger)
		if err != nil {
			c.close(logger)
			return nil, fmt.Errorf("init cache: %w", err)
		}
		c.closers = append(c.closers, sqliteCache.Close)
		kv = sqliteCache
	default:
		kv = cache.NewMemory()
	}

	c.sidebar = sidebar.NewService(c.store, kv, cfg.Cache.TTL, logger)
	c.widgets = widgets.NewService(c.store, kv, cfg.Cache.TTL, logger)

	c.ledger, err = taskledger.Open(cfg.Tasks.Path, logger)
	if err != nil {
		c.close(logger)
		return nil, fmt.Errorf("init task ledger: %w", err)
	}
	c.closers = append(c.closers, c.ledger.Close)

	c.pool = worker.New(c.ledger, logger, cfg.Tasks.Workers, cfg.Tasks.QueueSize)
	notifier := notify.New(cfg.Webhook.URL, cfg.Wiki.SiteURL, cfg.Webhook.Timeout, logger)
	c.wiki = wikiservice.New(c.store, c.repo, c.index, c.sidebar, c.widgets, c.ledger, c.pool, notifier, logger)

	return c, nil
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("wiki_path", cfg.Wiki.Path),
		slog.String("search_path", cfg.Search.Path),
		slog.String("tasks_path", cfg.Tasks.Path),
		slog.String("cache_backend", cfg.Cache.Backend),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	// Build API service and router.
	svc := api.NewService(c.wiki, c.store, c.index, c.sidebar, c.widgets, c.ledger)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, broker.PublishPageEvent)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start the background worker pool.
	g.Go(func() error {
		return c.pool.Run(gCtx)
	})

	// Warm derived caches so the first page view is fast.
	if _, err := c.wiki.WarmCaches(); err != nil {
		logger.Warn("dispatch cache warm failed", slog.String("error", err.Error()))
	}

	// Start file watcher on the pages tree with SSE callback.
	pagesRoot := filepath.Join(cfg.Wiki.Path, "pages")
	g.Go(func() error {
		invalidate := func() {
			c.sidebar.Invalidate()
			c.widgets.Invalidate()
		}
		return watcher.Watch(gCtx, c.index, c.store, pagesRoot, logger, invalidate, func(kind, path string) {
			broker.PublishPageEvent(kind, path)
		})
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		broker.Close()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts the MCP stdio server instead of the HTTP API. The worker
// pool still runs so saves dispatched through MCP tools are synced.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Log to stderr: stdout carries the MCP protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.pool.Run(gCtx)
	})
	g.Go(func() error {
		defer logger.Info("MCP server stopped")
		return mcpserver.New(c.store, c.index, c.wiki).ServeStdio()
	})
	return g.Wait()
}
