package main

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

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/splax/peep/internal/proxy"
	"github.com/splax/peep/internal/repository/memory"
	"github.com/splax/peep/internal/repository/postgres"
	"github.com/splax/peep/internal/service/resolver"
	"github.com/splax/peep/pkg/config"
	"github.com/splax/peep/pkg/logger"
)

func main() {
	cfg := config.LoadProxyConfig()
	log := logger.New("proxy", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ProxyConfig, log *slog.Logger) error {
	var (
		res    *resolver.Service
		health func(context.Context) error
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.LedgerDriver)) {
	case "memory":
		repo := memory.New()
		res, err = resolver.New(repo, repo, cfg.StorageBaseURL, resolver.ParseLayout(cfg.StorageLayout))
	case "postgres", "":
		pool, perr := pgxpool.New(ctx, cfg.DatabaseURL)
		if perr != nil {
			return fmt.Errorf("connect database: %w", perr)
		}
		defer pool.Close()
		health = pool.Ping
		repo := postgres.New(pool)
		res, err = resolver.New(repo, repo, cfg.StorageBaseURL, resolver.ParseLayout(cfg.StorageLayout))
	default:
		return fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}
	if err != nil {
		return err
	}

	handler, err := proxy.New(res, log, proxy.Options{
		IndexDocument:   cfg.IndexDocument,
		UpstreamTimeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		return err
	}

	servers := []*http.Server{
		{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.AdminAddr, Handler: proxy.AdminHandler(health), ReadHeaderTimeout: 5 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			log.Info("proxy listener starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		log.Info("proxy stopped")
		return nil
	})
	return g.Wait()
}
