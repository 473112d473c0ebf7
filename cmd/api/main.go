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
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/peep/internal/app/migrate"
	httpx "github.com/splax/peep/internal/http"
	"github.com/splax/peep/internal/orchestrator"
	"github.com/splax/peep/internal/repository"
	"github.com/splax/peep/internal/repository/memory"
	"github.com/splax/peep/internal/repository/postgres"
	"github.com/splax/peep/internal/service/deploy"
	"github.com/splax/peep/internal/service/ingest"
	"github.com/splax/peep/internal/service/logs"
	"github.com/splax/peep/internal/service/project"
	"github.com/splax/peep/internal/service/supervisor"
	"github.com/splax/peep/internal/stream"
	"github.com/splax/peep/internal/ws"
	"github.com/splax/peep/pkg/config"
	"github.com/splax/peep/pkg/crypto"
	"github.com/splax/peep/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.APIConfig, log *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	health := make(map[string]httpx.HealthCheck)

	store, err := openLedger(ctx, cfg, log, health, &cleanup)
	if err != nil {
		return err
	}

	hub := ws.NewHub(log)
	var fanout ws.Broadcaster = hub
	var bridge *ws.RedisBridge
	if addr := strings.TrimSpace(cfg.FanoutRedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.FanoutRedisPass, DB: cfg.FanoutRedisDB})
		cleanup = append(cleanup, func() { _ = client.Close() })
		bridge = ws.NewRedisBridge(client, hub, cfg.FanoutPrefix, log)
		fanout = bridge
		health["fanout"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	launcher, err := newLauncher(cfg, log, &cleanup)
	if err != nil {
		return err
	}

	logSvc := logs.New(store, fanout, log)
	projectSvc := project.New(store, log)
	deploySvc := deploy.New(store, store, launcher, log)
	sup := supervisor.New(store, deploySvc, log, cfg.DeploymentTimeout, cfg.SupervisorSweep)
	if sup != nil {
		deploySvc.SetScheduler(sup)
	}

	source, producer, err := openStream(cfg, log, health, &cleanup)
	if err != nil {
		return err
	}
	detector := ingest.NewDetector(cfg.DetectorMode, cfg.FailureMarkers, cfg.CompletionMarkers, cfg.CompletionExcluders)
	consumer := ingest.New(source, detector, deploySvc, logSvc, log, ingest.Options{
		Heartbeat:    cfg.StreamHeartbeat,
		BackoffMax:   cfg.StreamBackoffMax,
		DrainTimeout: cfg.StreamDrainTimeout,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RateLimitRedisPass, DB: cfg.RateLimitRedisDB})
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, client, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
			_ = client.Close()
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Projects: projectSvc,
		Deploy:   deploySvc,
		Logs:     logSvc,
		Hub:      hub,
		Ingest:   producer,
	}, limiter, httpx.Options{
		BuilderToken:     cfg.BuilderAuthToken,
		SubscriberBuffer: cfg.SubscriberBuffer,
		SSEHeartbeat:     cfg.SSEHeartbeat,
		Health:           health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	// Background workers log their own failures; only the listener ends the process.
	g.Go(func() error {
		if err := consumer.Run(gctx); err != nil {
			log.Error("log consumer stopped", "error", err)
		}
		return nil
	})
	if sup != nil {
		g.Go(func() error {
			sup.Run(gctx)
			return nil
		})
	}
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil {
				log.Error("fan-out bridge stopped, delivering locally", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
		return nil
	})
	return g.Wait()
}

func openLedger(ctx context.Context, cfg config.APIConfig, log *slog.Logger, health map[string]httpx.HealthCheck, cleanup *[]func()) (repository.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LedgerDriver)) {
	case "memory":
		log.Warn("using in-memory ledger; state is lost on restart")
		return memory.New(), nil
	case "postgres", "":
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	*cleanup = append(*cleanup, pool.Close)
	health["database"] = pool.Ping

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := runner.Ensure(ctx); err != nil {
			return nil, err
		}
	}

	var opts []postgres.Option
	if key := strings.TrimSpace(cfg.EnvEncryptionKey); key != "" {
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, postgres.WithEnvSealer(sealer))
	} else {
		log.Warn("ENV_ENCRYPTION_KEY not set; project env stored in plaintext")
	}
	return postgres.New(pool, opts...), nil
}

func openStream(cfg config.APIConfig, log *slog.Logger, health map[string]httpx.HealthCheck, cleanup *[]func()) (stream.Consumer, stream.Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StreamDriver)) {
	case "memory":
		m := stream.NewMemory()
		*cleanup = append(*cleanup, func() { _ = m.Close() })
		return m, m, nil
	case "redis", "":
	default:
		return nil, nil, fmt.Errorf("unknown stream driver %q", cfg.StreamDriver)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.StreamRedisAddr, Password: cfg.StreamRedisPass, DB: cfg.StreamRedisDB})
	*cleanup = append(*cleanup, func() { _ = client.Close() })
	health["stream"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	name := strings.TrimSpace(cfg.StreamConsumer)
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	consumer := stream.NewRedisConsumer(client, stream.RedisConfig{
		Stream:        cfg.StreamName,
		Group:         cfg.StreamGroup,
		Consumer:      name,
		BatchSize:     int64(cfg.StreamBatchSize),
		Block:         cfg.StreamBlock,
		ClaimIdle:     cfg.StreamClaimIdle,
		ReplayPending: cfg.StreamReplayPending,
	}, log)
	return consumer, stream.NewRedisProducer(client, cfg.StreamName), nil
}

func newLauncher(cfg config.APIConfig, log *slog.Logger, cleanup *[]func()) (deploy.Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Orchestrator)) {
	case "docker", "":
		cli, err := orchestrator.NewDockerClient(cfg.DockerHost)
		if err != nil {
			return nil, err
		}
		*cleanup = append(*cleanup, func() { _ = cli.Close() })
		return orchestrator.NewDockerLauncher(cli, orchestrator.DockerConfig{
			Image:         cfg.BuildImage,
			Network:       cfg.BuildNetwork,
			StreamAddress: cfg.BuildStreamAddress,
			StreamName:    cfg.StreamName,
		}, log)
	case "builder":
		return orchestrator.NewBuilderLauncher(cfg.BuilderURL, cfg.BuilderTimeout, cfg.BuilderMaxFailures, log), nil
	case "none":
		log.Info("no orchestrator configured; builds must report IN_PROGRESS themselves")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown orchestrator %q", cfg.Orchestrator)
	}
}
