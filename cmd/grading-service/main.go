package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"autograder/internal/artifact"
	"autograder/internal/assignment"
	"autograder/internal/auth"
	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	commonmw "autograder/internal/common/http/middleware"
	"autograder/internal/common/mq"
	"autograder/internal/common/storage"
	"autograder/internal/metrics"
	"autograder/internal/script"
	scriptController "autograder/internal/script/controller"
	"autograder/internal/submission/controller"
	"autograder/internal/submission/dispatch"
	"autograder/internal/submission/event"
	"autograder/internal/submission/model"
	"autograder/internal/submission/repository"
	"autograder/internal/submission/service"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"
	"autograder/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/grading_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grading service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.MySQL)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(registry)

	artifacts, err := buildArtifactStore(ctx, appCfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(appCfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	submissionRepo := repository.NewSubmissionRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submission.SubmissionCacheTTL, appCfg.Submission.SubmissionEmptyTTL)
	assignments := assignment.NewMySQLLookup(mysqlDB)

	policy := model.DefaultPolicy()
	if appCfg.Submission.FailureMarker != "" {
		policy.FailureMarker = appCfg.Submission.FailureMarker
	}
	submissionService, err := service.NewSubmissionService(service.Config{
		Repo:            submissionRepo,
		Assignments:     assignments,
		Artifacts:       artifacts,
		Cache:           redisCache,
		Publisher:       publisher,
		Metrics:         appMetrics,
		Policy:          policy,
		MaxArchiveBytes: appCfg.Submission.MaxArchiveBytes,
		IdempotencyTTL:  appCfg.Submission.IdempotencyTTL,
		ListLimit:       appCfg.Submission.ListLimit,
		RateLimit:       appCfg.Submission.RateLimit,
		Timeouts:        appCfg.Submission.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init submission service failed: %w", err)
	}

	notifier, err := dispatch.NewHTTPNotifier(appCfg.Worker.URL, appCfg.Worker.Timeout, appCfg.Auth.InternalToken)
	if err != nil {
		return fmt.Errorf("init worker notifier failed: %w", err)
	}
	dispatcher, err := dispatch.NewDispatcher(appCfg.Dispatch, notifier, submissionRepo, submissionService, appMetrics)
	if err != nil {
		return fmt.Errorf("init dispatcher failed: %w", err)
	}
	submissionService.SetDispatcher(dispatcher)

	scriptManager, err := script.NewManager(appCfg.Script, appMetrics)
	if err != nil {
		return fmt.Errorf("init script manager failed: %w", err)
	}

	authenticator := auth.NewAuthenticator(appCfg.Auth.JWTSecret, appCfg.Auth.JWTIssuer, redisCache)

	httpServer := buildHTTPServer(appCfg, routerDeps{
		authenticator: authenticator,
		submissions:   controller.NewSubmissionController(submissionService, appCfg.Submission.MaxArchiveBytes),
		scripts:       scriptController.NewScriptController(scriptManager),
		registry:      registry,
		health:        healthCheck(mysqlDB, redisCache),
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(signalCtx)

	g.Go(func() error {
		logger.Info(ctx, "grading http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutting down grading service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "http server shutdown failed", zap.Error(err))
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn(ctx, "dispatcher did not drain in time", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func buildArtifactStore(ctx context.Context, appCfg *AppConfig) (artifact.Store, error) {
	switch appCfg.Artifact.Backend {
	case artifactBackendMinIO:
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
		if err := objStorage.EnsureBucket(ctx, appCfg.MinIO.Bucket); err != nil {
			return nil, fmt.Errorf("ensure artifact bucket failed: %w", err)
		}
		store, err := artifact.NewObjectStore(objStorage, appCfg.MinIO.Bucket, appCfg.Artifact.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init object artifact store failed: %w", err)
		}
		return store, nil
	default:
		store, err := artifact.NewLocalStore(appCfg.Artifact.Root, appCfg.Artifact.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init local artifact store failed: %w", err)
		}
		return store, nil
	}
}

func buildPublisher(appCfg *AppConfig) (event.StatusEventPublisher, func(), error) {
	if len(appCfg.Kafka.Brokers) == 0 {
		logger.Info(context.Background(), "no kafka brokers configured, status events disabled")
		return event.NopPublisher{}, func() {}, nil
	}
	producer, err := mq.NewKafkaProducer(appCfg.Kafka)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka failed: %w", err)
	}
	closeFn := func() {
		if err := producer.Close(); err != nil {
			logger.Warn(context.Background(), "close kafka producer failed", zap.Error(err))
		}
	}
	return event.NewMQStatusEventPublisher(producer, appCfg.Events.Topic), closeFn, nil
}

type routerDeps struct {
	authenticator *auth.Authenticator
	submissions   *controller.SubmissionController
	scripts       *scriptController.ScriptController
	registry      *prometheus.Registry
	health        func(ctx context.Context) error
}

func buildHTTPServer(appCfg *AppConfig, deps routerDeps) *http.Server {
	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      buildRouter(appCfg.Auth.InternalToken, appCfg.CORS, deps),
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func buildRouter(internalToken string, cors commonmw.CORSConfig, deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContext())
	router.Use(commonmw.AccessLog())
	router.Use(commonmw.CORS(cors))

	router.GET("/healthz", func(c *gin.Context) {
		if deps.health != nil {
			if err := deps.health(c.Request.Context()); err != nil {
				response.ErrorWithCode(c, appErr.ServiceUnavailable, err.Error())
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	})
	if deps.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1", auth.Authenticate(deps.authenticator))
	deps.submissions.RegisterRoutes(api)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	deps.submissions.RegisterAdminRoutes(admin)
	deps.scripts.RegisterRoutes(admin)

	internal := router.Group("/internal", auth.InternalOnly(internalToken))
	deps.submissions.RegisterInternalRoutes(internal)

	return router
}

func healthCheck(database db.Database, c cache.Cache) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := database.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
}
