package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/vortex44/deployer/internal/app/migrate"
	"github.com/vortex44/deployer/internal/autofix"
	"github.com/vortex44/deployer/internal/docker"
	httpx "github.com/vortex44/deployer/internal/http"
	"github.com/vortex44/deployer/internal/llm"
	"github.com/vortex44/deployer/internal/lock"
	"github.com/vortex44/deployer/internal/notify"
	"github.com/vortex44/deployer/internal/ports"
	"github.com/vortex44/deployer/internal/repository"
	"github.com/vortex44/deployer/internal/repository/memory"
	"github.com/vortex44/deployer/internal/repository/postgres"
	"github.com/vortex44/deployer/internal/service/deploy"
	"github.com/vortex44/deployer/internal/service/lifecycle"
	"github.com/vortex44/deployer/internal/storage"
	"github.com/vortex44/deployer/internal/workspace"
	"github.com/vortex44/deployer/pkg/config"
	"github.com/vortex44/deployer/pkg/logger"
)

func main() {
	cfg := config.LoadDeployerConfig()
	log := logger.New("deployer", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}
	if removed, err := workspaceManager.Sweep(2*cfg.BuildTimeout, time.Now()); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	} else if removed > 0 {
		log.Info("removed stale build directories", "count", removed)
	}

	checks := map[string]httpx.HealthCheck{}

	var repo repository.DeploymentRepository
	switch cfg.RepositoryBackend {
	case "memory":
		log.Warn("using in-memory deployment repository; records will not survive restarts")
		repo = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		migrator, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			log.Error("failed to configure migration runner", "error", err)
			os.Exit(1)
		}
		if err := migrator.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		repo = postgres.New(pool)
		checks["database"] = migrator.Ping
	}

	store, err := storage.New(storage.Config{
		Endpoint:  cfg.MinioAddress(),
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Error("failed to create object store client", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Warn("object store unavailable at startup", "error", err, "bucket", cfg.MinioBucket)
	}
	checks["storage"] = store.EnsureBucket

	var locker lock.Locker = lock.NewMemory()
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = lock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		redisLocker := lock.NewRedis(redisClient, cfg.Namespace, log)
		locker = redisLocker
		checks["redis"] = redisLocker.Ping
	}
	limiter := newRateLimiter(redisClient, cfg.Namespace, log)
	defer limiter.Close()

	fixers := autofix.Chain{autofix.Heuristic{}}
	if llmFixer, err := llm.NewFixer(llm.Config{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		Temperature: float32(cfg.AutoFixTemperature),
	}, log); err != nil {
		log.Warn("llm auto-fix disabled", "error", err)
	} else {
		fixers = append(fixers, llmFixer)
	}

	notifier := notify.New(notify.Config{
		URL:            cfg.DeployCallbackURL,
		Token:          cfg.AuthToken,
		Timeout:        cfg.DeployCallbackTimeout,
		SuppressionTTL: cfg.CallbackSuppressionTTL,
	}, log)

	allocator := ports.New(cfg.RuntimePortBase, cfg.RuntimePortRange)
	runner := deploy.NewRunner(dockerClient, allocator, deploy.RunnerConfig{
		Namespace:    cfg.Namespace,
		Network:      cfg.RuntimeNetwork,
		MemoryBytes:  cfg.RuntimeMemoryLimitMB * 1024 * 1024,
		CPUQuota:     cfg.RuntimeCPUQuota,
		CPUPeriod:    cfg.RuntimeCPUPeriod,
		PortAttempts: cfg.RuntimePortAttempts,
	}, log)
	if claimed, err := runner.Restore(ctx); err != nil {
		log.Warn("restore port leases failed", "error", err)
	} else if claimed > 0 {
		log.Info("restored port leases", "count", claimed)
	}

	deploySvc := deploy.New(deploy.Options{
		Tracker: lifecycle.New(repo, notifier, log),
		Bundles: store,
		Builder: deploy.NewBuilder(dockerClient, workspaceManager, cfg.Namespace, deploy.StepTimeout(cfg.BuildTimeout), log),
		Runner:  runner,
		Fixer:   autofix.NewPass(fixers, log),
		Locker:  locker,
		Engine:  dockerClient,
		Logger:  log,
		Config: deploy.Config{
			PlatformDomain: cfg.PlatformDomain,
			BuildTimeout:   cfg.BuildTimeout,
			LockTTL:        cfg.BuildLockTTL,
			LogTailLines:   cfg.LogTailLines,
		},
	}, cfg.Namespace)
	router := httpx.New(log, deploySvc, cfg.AuthToken, checks)
	router.SetRateLimit(limiter, cfg.RateLimitPerWindow, cfg.RateLimitWindow)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployer server starting", "addr", cfg.Addr, "repository", cfg.RepositoryBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deployer server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// newRateLimiter shares client across replicas when Redis is configured and
// falls back to a process-local limiter otherwise.
func newRateLimiter(client *redis.Client, namespace string, log *slog.Logger) httpx.RateLimiter {
	if client == nil {
		return httpx.NewMemoryRateLimiter()
	}
	return httpx.NewRedisRateLimiter(client, namespace, log)
}
