package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/meeboter/coordinator/internal/api"
	"github.com/meeboter/coordinator/internal/auth"
	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/clusteradapter"
	"github.com/meeboter/coordinator/internal/concurrency"
	"github.com/meeboter/coordinator/internal/config"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/intake"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/metrics"
	"github.com/meeboter/coordinator/internal/monitors"
	"github.com/meeboter/coordinator/internal/observability"
	"github.com/meeboter/coordinator/internal/orchestrator"
	"github.com/meeboter/coordinator/internal/pool"
	"github.com/meeboter/coordinator/internal/queue"
	"github.com/meeboter/coordinator/internal/ratelimit"
	"github.com/meeboter/coordinator/internal/router"
	"github.com/meeboter/coordinator/internal/scheduler"
	"github.com/meeboter/coordinator/internal/store"
	"github.com/meeboter/coordinator/internal/taskadapter"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
		pgDSN    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator control plane",
		Long:  "Run the coordinator's HTTP RPC surface, deployment router, and lifecycle monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()
			var st store.Store = store.NewCachedStore(pg, store.DefaultCacheTTL)

			var notifier queue.Notifier
			var rlBackend ratelimit.Backend
			if cfg.Redis.Addr != "" {
				redisClient := goredis.NewClient(&goredis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				notifier = queue.NewRedisNotifier(redisClient)
				logging.Op().Info("using redis queue notifier", "addr", cfg.Redis.Addr)
				rlBackend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
			} else {
				notifier = queue.NewChannelNotifier()
				logging.Op().Info("using in-process queue notifier")
				rlBackend = ratelimit.NewLocalTokenBucketBackend()
			}
			limiter := ratelimit.New(rlBackend, ratelimit.Config{
				RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
				BurstSize:         cfg.RateLimit.BurstSize,
			})

			gate := concurrency.NewDeploymentGate(cfg.Deployment.MaxConcurrent)

			adapters := make(map[domain.DeployPlatform]backend.PlatformAdapter)

			if cfg.Pool.BaseURL != "" {
				runtime := pool.NewHTTPRuntime(cfg.Pool.BaseURL, cfg.Pool.APIKey, http.DefaultClient)
				adapters[domain.DeployPool] = pool.New(st, runtime, notifier, gate)
				logging.Op().Info("pool backend enabled", "base_url", cfg.Pool.BaseURL)
			}

			if cfg.Cluster.Namespace != "" {
				clusterAdapter, err := clusteradapter.New(clusteradapter.Config{
					Namespace:          cfg.Cluster.Namespace,
					ImageRegistry:      cfg.Cluster.ImageRegistry,
					ImagePullSecret:    cfg.Cluster.ImagePullSecret,
					CPURequest:         cfg.Cluster.CPURequest,
					MemoryRequest:      cfg.Cluster.MemoryRequest,
					CPULimit:           cfg.Cluster.CPULimit,
					MemoryLimit:        cfg.Cluster.MemoryLimit,
					CallbackBaseURL:    cfg.Callback.BaseURL,
					ImageTagByPlatform: cfg.Cluster.ImageTags,
				}, cfg.Cluster.KubeconfigPath)
				if err != nil {
					logging.Op().Warn("kubernetes backend disabled", "error", err)
				} else {
					adapters[domain.DeployK8s] = clusterAdapter
					logging.Op().Info("kubernetes backend enabled", "namespace", cfg.Cluster.Namespace)
				}
			}

			if cfg.Task.Cluster != "" {
				taskAdapter, err := taskadapter.New(ctx, taskadapter.Config{
					Cluster:                  cfg.Task.Cluster,
					Subnets:                  cfg.Task.Subnets,
					SecurityGroups:           cfg.Task.SecurityGroups,
					AssignPublicIP:           cfg.Task.AssignPublicIP,
					CallbackBaseURL:          cfg.Callback.BaseURL,
					ObjectStorageKeyID:       cfg.ObjectStorage.KeyID,
					ObjectStorageSecret:      cfg.ObjectStorage.Secret,
					TaskDefinitionByPlatform: cfg.Task.TaskDefinitions,
					ContainerNameByPlatform:  cfg.Task.ContainerNames,
				})
				if err != nil {
					logging.Op().Warn("ecs task backend disabled", "error", err)
				} else {
					adapters[domain.DeployAWS] = taskAdapter
					logging.Op().Info("ecs task backend enabled", "cluster", cfg.Task.Cluster)
				}
			}

			if len(adapters) == 0 {
				return fmt.Errorf("no deployment platform configured: set pool.base_url, cluster.namespace, or task.cluster")
			}

			settings := cfg.PlatformSettings()
			rt, err := router.New(st, notifier, settings, adapters)
			if err != nil {
				return fmt.Errorf("build router: %w", err)
			}

			orch := orchestrator.New(st, rt, orchestrator.WithWaitingRoomMinMs(cfg.Router.WaitingRoomMinMs))

			releaser := &orchestratorReleaser{store: st, orch: orch, adapters: adapters}
			in := intake.New(st, releaser, http.DefaultClient)

			mon := monitors.New(st, notifier, adapters)
			monCtx, monCancel := context.WithCancel(ctx)
			go mon.Run(monCtx)

			pumpCtx, pumpCancel := context.WithCancel(ctx)
			go rt.Run(pumpCtx, 5*time.Second)

			sched := scheduler.New(st, orch)
			if err := sched.Start(); err != nil {
				return fmt.Errorf("start scheduled-start poller: %w", err)
			}
			defer sched.Stop()

			var authenticators []auth.Authenticator
			if cfg.Auth.Enabled {
				jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
					Algorithm:     cfg.Auth.Algorithm,
					Secret:        cfg.Auth.Secret,
					PublicKeyFile: cfg.Auth.PublicKeyFile,
					Issuer:        cfg.Auth.Issuer,
				})
				if err != nil {
					return fmt.Errorf("build jwt authenticator: %w", err)
				}
				authenticators = append(authenticators, jwtAuth)
				logging.Op().Info("jwt authentication enabled", "algorithm", cfg.Auth.Algorithm)
			} else {
				logging.Op().Warn("authentication disabled, trusting X-Meeboter-User-ID header")
			}

			handler := &api.Handler{
				Store:              st,
				Orchestrator:       orch,
				Intake:             in,
				Adapters:           adapters,
				Platforms:          settings,
				Gate:               gate,
				Authenticators:     authenticators,
				CORSAllowedOrigins: cfg.Auth.AllowedOrigins,
				Limiter:            limiter,
			}

			httpServer := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: handler.Routes(),
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("coordinator HTTP API started", "addr", cfg.Daemon.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
			case err := <-errCh:
				logging.Op().Error("http server error", "error", err)
			}

			monCancel()
			pumpCancel()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			if dropped := in.DroppedEventCount(); dropped > 0 {
				logging.Op().Warn("events dropped during lifetime", "count", dropped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

// orchestratorReleaser adapts orchestrator.Orchestrator.Release, which
// needs the bot's platform adapter, to intake.Releaser's simpler
// signature, the same way daemon.go's apiKeyStoreAdapterDaemon bridges
// two packages whose call shapes don't otherwise line up.
type orchestratorReleaser struct {
	store    store.Store
	orch     *orchestrator.Orchestrator
	adapters map[domain.DeployPlatform]backend.PlatformAdapter
}

func (r *orchestratorReleaser) Release(ctx context.Context, botID int64) error {
	bot, err := r.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	adapter := r.adapters[bot.DeploymentPlatform]
	return r.orch.Release(ctx, botID, adapter)
}
