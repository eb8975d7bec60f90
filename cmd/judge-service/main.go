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
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
	commonmw "judgecore/internal/common/http/middleware"
	"judgecore/internal/common/mq"
	"judgecore/internal/common/storage"
	"judgecore/internal/judge/controller"
	"judgecore/internal/judge/evaluator"
	"judgecore/internal/judge/problemclient"
	"judgecore/internal/judge/projector"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/retry"
	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/service"
	"judgecore/pkg/utils/logger"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultConfigPath = "configs/judge_service.yaml"

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
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	database, err := db.Open(appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	dispatchQueue, err := newDispatchQueue(ctx, appCfg.Queue, redisCache)
	if err != nil {
		return fmt.Errorf("init dispatch queue failed: %w", err)
	}

	var mqClient mq.MessageQueue
	if appCfg.Kafka.enabled() {
		kafkaQueue, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		mqClient = kafkaQueue
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := mqClient.Ping(pingCtx); err != nil {
			logger.Warn(ctx, "kafka broker unreachable at startup, consumers will keep retrying", zap.Error(err))
		}
		cancel()
		defer func() {
			_ = mqClient.Close()
		}()
	} else {
		logger.Warn(ctx, "kafka brokers not configured; intake is HTTP only and final status events are disabled")
	}

	goJudge, err := sandbox.NewGoJudgeClient(appCfg.Sandbox.GoJudge, nil)
	if err != nil {
		return fmt.Errorf("init sandbox client failed: %w", err)
	}
	executor := sandbox.NewBreakerExecutor("gojudge", goJudge)

	processes := repository.NewProcessRepository(database)
	submissions := repository.NewSubmissionRepository(database)
	results := repository.NewCaseResultRepository(database)

	evalCfg := evaluator.Config{
		Executor: executor,
		Results:  results,
		Retry: retry.Policy{
			Retries:   appCfg.Sandbox.Retries,
			BaseDelay: appCfg.Sandbox.RetryBaseDelay,
			MaxDelay:  appCfg.Sandbox.RetryMaxDelay,
		},
		PreviewBytes: appCfg.Sandbox.PreviewBytes,
	}
	if appCfg.Artifacts.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		if err := objStorage.EnsureBucket(ctx, appCfg.Artifacts.Bucket); err != nil {
			return fmt.Errorf("ensure artifact bucket failed: %w", err)
		}
		artifacts, err := repository.NewObjectArtifactStore(objStorage, appCfg.Artifacts.Bucket)
		if err != nil {
			return fmt.Errorf("init artifact store failed: %w", err)
		}
		evalCfg.Artifacts = artifacts
	}
	caseEvaluator, err := evaluator.New(evalCfg)
	if err != nil {
		return fmt.Errorf("init evaluator failed: %w", err)
	}

	problems, err := problemclient.NewClient(problemclient.Config{
		Database: database,
		Cache:    redisCache,
		TTL:      appCfg.Problem.CacheTTL,
		EmptyTTL: appCfg.Problem.EmptyTTL,
	})
	if err != nil {
		return fmt.Errorf("init problem client failed: %w", err)
	}

	proj, err := projector.New(projector.Config{
		Database:        database,
		Processes:       processes,
		Submissions:     submissions,
		Aggregates:      repository.NewAggregateRepository(database),
		SolvedThreshold: appCfg.Judge.SolvedThreshold,
	})
	if err != nil {
		return fmt.Errorf("init projector failed: %w", err)
	}

	svcCfg := service.Config{
		Database:        database,
		Processes:       processes,
		Submissions:     submissions,
		Results:         results,
		Problems:        problems,
		Evaluator:       caseEvaluator,
		Projector:       proj,
		Status:          repository.NewStatusRepository(redisCache, appCfg.Status.TTL),
		Queue:           dispatchQueue,
		WorkerID:        appCfg.Worker.ID,
		LeaseDuration:   appCfg.Judge.LeaseDuration,
		ProcessTimeout:  appCfg.Judge.ProcessTimeout,
		CaseParallelism: appCfg.Judge.CaseParallelism,
		MaxAttempts:     appCfg.Judge.MaxAttempts,
		RetryBaseDelay:  appCfg.Judge.RetryBaseDelay,
		RetryMaxDelay:   appCfg.Judge.RetryMaxDelay,
		StoreTimeout:    appCfg.Judge.StoreTimeout,
		StaleAfter:      appCfg.Judge.StaleAfter,
	}
	if mqClient != nil {
		svcCfg.Publisher = repository.NewMQStatusEventPublisher(mqClient, appCfg.Status.FinalTopic)
	}
	judgeSvc, err := service.NewService(svcCfg)
	if err != nil {
		return fmt.Errorf("init judge service failed: %w", err)
	}

	visibility := appCfg.Queue.Visibility
	if visibility <= 0 {
		visibility = judgeSvc.LeaseDuration()
	}
	dispatcher, err := service.NewDispatcher(service.DispatcherConfig{
		Handler:      judgeSvc,
		Queue:        dispatchQueue,
		Workers:      appCfg.Worker.PoolSize,
		PollInterval: appCfg.Worker.PollInterval,
		Visibility:   visibility,
	})
	if err != nil {
		return fmt.Errorf("init dispatcher failed: %w", err)
	}

	if mqClient != nil {
		err = mqClient.SubscribeWithOptions(ctx, appCfg.Kafka.SubmissionTopic, judgeSvc.HandleSubmissionCreated, appCfg.Kafka.subscribeOptions())
		if err != nil {
			return fmt.Errorf("subscribe kafka failed: %w", err)
		}
		if err := mqClient.Start(); err != nil {
			return fmt.Errorf("start kafka consumer failed: %w", err)
		}
	}

	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpcListener, err := net.Listen("tcp", appCfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("init grpc listener failed: %w", err)
	}

	httpServer := buildHTTPServer(appCfg, judgeSvc, redisCache, func() bool { return !dispatcher.Draining() })
	httpListener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	errCh := make(chan error, 2)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(httpListener)
	}()
	go func() {
		logger.Info(ctx, "judge grpc health server started", zap.String("addr", appCfg.GRPC.Addr))
		errCh <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		_ = dispatcher.Run(runCtx)
	}()
	go judgeSvc.RunMaintenance(runCtx, appCfg.Maintenance.Interval, appCfg.Maintenance.Retention)
	go goJudge.RunArtifactSweeper(runCtx, 0)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info(ctx, "judge worker started",
		zap.String("worker_id", judgeSvc.WorkerID()),
		zap.String("queue", appCfg.Queue.Backend),
		zap.Int("pool_size", appCfg.Worker.PoolSize),
		zap.Strings("languages", goJudge.Languages()),
	)

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	// Stop taking work first, then let in-flight processes finish.
	healthSrv.Shutdown()
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	stopRun()

	drainCtx, cancel := context.WithTimeout(context.Background(), appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		logger.Warn(ctx, "drain timed out; remaining processes parked for redelivery", zap.Error(err))
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	return nil
}

func newDispatchQueue(ctx context.Context, cfg QueueConfig, redisCache *cache.RedisCache) (queue.Queue, error) {
	if cfg.Backend == queueBackendSQS {
		q, err := queue.NewSQSQueue(ctx, cfg.SQS)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := queue.NewRedisQueue(redisCache.Client(), cfg.Redis)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func buildHTTPServer(appCfg *AppConfig, judgeSvc *service.Service, redisCache *cache.RedisCache, ready func() bool) *http.Server {
	if appCfg.Server.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if l := logger.GetLogger(); l != nil {
		router.Use(ginzap.RecoveryWithZap(l.Zap(), true))
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	router.Use(p.HandlerFunc())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	judgeController := controller.NewJudgeController(judgeSvc, controller.Config{
		WatchInterval: appCfg.Server.WatchInterval,
		Ready:         ready,
	})
	limiter := commonmw.NewRateLimiter(redisCache, appCfg.RateLimit)
	controller.RegisterRoutes(router, judgeController, commonmw.OperatorAuth(appCfg.Auth), func(route string) gin.HandlerFunc {
		return commonmw.RateLimit(limiter, route)
	})

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
