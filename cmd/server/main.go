package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/labstack/echo/v4"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	otellib "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	servermiddleware "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/middleware"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/migrations"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/notify"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/orchestrator"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/routes"
	routesv1 "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/routes/v1"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/taskrunner"
	"github.com/gradelab/grading-engine/grading-engine/internal/artifact"
	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/fetch"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/otel"
	"github.com/gradelab/grading-engine/grading-engine/internal/queue"
	"github.com/gradelab/grading-engine/grading-engine/internal/upload"
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool"
)

const name string = "github.com/gradelab/grading-engine/grading-engine/server"

var tracer = otellib.Tracer(name)

const sweepInterval = time.Hour

type server struct {
	router           *echo.Echo
	config           *config.Config
	db               *gorm.DB
	taskRunner       *taskrunner.Client
	otelShutdown     func(context.Context) error
	queuer           queue.Queuer
	pool             *workerpool.Pool
	orchestrator     *orchestrator.Handler
	sweeper          *orchestrator.Sweeper
	bridge           *notify.Bridge
	backgroundCancel func()
}

func openDB(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	gormLogger := slog.New(logger.Handler)

	sg := sloggorm.New(
		sloggorm.WithHandler(gormLogger.Handler()),
		sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
	)
	if cfg.Logging.Gorm.TraceQueries {
		sg = sloggorm.New(
			sloggorm.WithHandler(gormLogger.Handler()),
			sloggorm.WithTraceAll(),
			sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
		)
	}

	db, err := gorm.Open(
		postgres.Open(cfg.PostgresDSN()),
		&gorm.Config{Logger: sg, TranslateError: true},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire underlying database connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnectionTTL)

	if err = db.Use(gormtracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to add otel plugin to gorm: %w", err)
	}

	return db.WithContext(ctx), nil
}

func initServer(ctx context.Context) (*server, error) {
	server := new(server)

	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server config: %w", err)
	}
	server.config = cfg

	shutdownOTel, err := otel.SetupOTelSDK(ctx, cfg.Logging.UseOTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTEL SDK: %w", err)
	}
	defer func() {
		// Something failed to initialize, make sure everything gets flushed to the server
		if server.otelShutdown == nil {
			otelShutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				time.Second*time.Duration(cfg.GracefulShutdownSecs),
			)
			defer cancel()

			if err = shutdownOTel(otelShutdownCtx); err != nil {
				logger.Logger.Error("failed to flush otel data", "error", err)
			}
		}
	}()

	ctx, span := tracer.Start(ctx, "initServer")
	defer span.End()

	logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))

	db, err := openDB(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize database")
		return nil, err
	}

	span.AddEvent("initialized database connection")

	err = migrations.Up(ctx, db)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to perform database migrations")
		return nil, fmt.Errorf("failed to perform database migrations: %w", err)
	}

	span.AddEvent("migrated database to latest version")

	if err = models.LoadAPIKeysFromConfig(ctx, db, cfg.Clients); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load API keys from config")
		return nil, fmt.Errorf("failed to load API keys from config: %w", err)
	}

	span.AddEvent("loaded api keys from config")

	azureCred, err := azblob.NewSharedKeyCredential(
		cfg.Azure.StorageAccount.Name,
		cfg.Azure.StorageAccount.Key,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize azure credentials")
		return nil, fmt.Errorf("failed to initialize azure credentials: %w", err)
	}

	azureClient, err := azblob.NewClientWithSharedKeyCredential(
		cfg.Azure.StorageAccount.Containers.URL,
		azureCred,
		nil,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize azure client")
		return nil, fmt.Errorf("failed to initialize azure client: %w", err)
	}

	span.AddEvent("initialized azure storage account")

	if cfg.Azure.Dev {
		if err = setupContainers(ctx, azureClient, cfg.Azure.StorageAccount.Containers); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "error setting up containers for dev environment")
			return nil, fmt.Errorf("error setting up containers for dev environment: %w", err)
		}
	}

	queuer, err := queue.NewAzureQueuer(
		cfg.Azure.StorageAccount.Name,
		cfg.Azure.StorageAccount.Key,
		cfg.Azure.StorageAccount.Queues.URL,
		cfg.Azure.StorageAccount.Queues.Grading,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize grading queue")
		return nil, fmt.Errorf("failed to initialize grading queue: %w", err)
	}

	span.AddEvent("initialized grading queue")

	var clusterConfig *rest.Config
	if cfg.K8s.InCluster {
		clusterConfig, err = rest.InClusterConfig()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "error fetching in cluster config")
			return nil, fmt.Errorf("error fetching in cluster config: %w", err)
		}
	} else {
		clusterConfig, err = clientcmd.BuildConfigFromFlags("", homedir.HomeDir()+"/.kube/config")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "error fetching in home dir cluster config")
			return nil, fmt.Errorf("error fetching in home dir cluster config: %w", err)
		}
	}

	clusterConfig.Wrap(func(rt http.RoundTripper) http.RoundTripper {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.RetryWaitMin = 100 * time.Millisecond
		retryClient.RetryWaitMax = 5 * time.Second
		retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			if k8serrs.IsNotFound(err) {
				// don't retry on not found
				return false, nil
			}

			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		// Use transport from standard client since retry logic is wrapped into it
		retryClient.HTTPClient.Transport = rt
		return retryClient.StandardClient().Transport
	})

	k8sClient, err := kubernetes.NewForConfig(clusterConfig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error creating k8s client from cluster config")
		return nil, fmt.Errorf("error creating k8s client from cluster config: %w", err)
	}

	span.AddEvent("initialized k8s client")

	pool := workerpool.New(
		workerpool.NewPodStrategy(cfg.K8s.Namespace, k8sClient, cfg),
		cfg.Pool.MaxWorkers,
		time.Second*time.Duration(cfg.Pool.StartupTimeoutSecs),
		time.Second*time.Duration(cfg.Pool.HealthTimeoutSecs),
	)

	span.AddEvent("initialized worker pool")

	artifactsUploader := upload.NewAzureUploaderFromClient(
		azureClient,
		cfg.Azure.StorageAccount.Containers.Artifacts,
	)
	artifactsFetcher := fetch.NewAzureFetcherFromClient(
		azureClient,
		cfg.Azure.StorageAccount.Containers.Artifacts,
	)

	cache, err := artifact.NewCache(
		upload.NewRetryUploader(artifactsUploader),
		artifactsFetcher,
		cfg.Cache.LocalDir,
		cfg.Cache.LocalMaxBytes,
		time.Second*time.Duration(cfg.Cache.LocalMaxAgeSecs),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct artifact cache")
		return nil, fmt.Errorf("failed to construct artifact cache: %w", err)
	}

	span.AddEvent("initialized artifact cache")

	traces, err := upload.NewMinioUploader(
		cfg.Traces.Endpoint,
		cfg.Traces.AccessKeyID,
		cfg.Traces.SecretAccessKey,
		cfg.Traces.SSLEnabled,
		cfg.Traces.BucketName,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct trace store")
		return nil, fmt.Errorf("failed to construct trace store: %w", err)
	}

	span.AddEvent("initialized trace store")

	hub := notify.NewHub()
	var publisher notify.StatusPublisher
	if cfg.Notify != nil && cfg.Notify.RedisHost != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Notify.RedisHost + ":6379",
		})
		publisher = notify.NewPublisher(rdb, cfg.Notify.Channel)
		server.bridge = notify.NewBridge(rdb, cfg.Notify.Channel, hub)
	} else {
		publisher = notify.NewLocalPublisher(hub)
		logger.Logger.Warn("redis not configured, status events stay on this replica")
	}

	taskRunnerClient := taskrunner.Create()

	backoff := func() retry.Backoff {
		b := retry.NewFibonacci(time.Millisecond * 25)
		b = retry.WithMaxRetries(3, b)
		return b
	}
	v1Handler := routesv1.NewHandler(
		db,
		queuer,
		pool,
		upload.NewRetryUploaderBackoff(traces, backoff),
		hub,
		taskRunnerClient,
		cfg,
	)
	middlewareHandler := servermiddleware.Handler{DB: db}

	e, err := routes.BuildEcho(logger.Logger, v1Handler.Health)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error building router")
		return nil, fmt.Errorf("error building router: %w", err)
	}

	v1Handler.AddRoutes(e, &middlewareHandler)

	span.AddEvent("created echo router")

	server.otelShutdown = shutdownOTel
	server.router = e
	server.db = db
	server.taskRunner = taskRunnerClient
	server.queuer = queuer
	server.pool = pool
	server.orchestrator = orchestrator.NewHandler(
		db,
		pool,
		cache,
		upload.NewRetryUploader(traces),
		publisher,
		taskRunnerClient,
		cfg,
	)
	server.sweeper = orchestrator.NewSweeper(
		traces,
		cache,
		time.Second*time.Duration(cfg.Traces.RetentionSecs),
	)

	return server, nil
}

func (s *server) Start(ctx context.Context) error {
	backgroundCtx, cancel := context.WithCancel(ctx)
	s.backgroundCancel = cancel

	go orchestrator.MonitorQueue(
		backgroundCtx,
		s.queuer,
		s.orchestrator,
		time.Second*time.Duration(s.config.Queue.VisibilityTimeoutSecs),
		int64(s.config.Orchestrator.Concurrency),
	)

	go s.pool.MonitorHealth(
		backgroundCtx,
		time.Second*time.Duration(s.config.Pool.HealthIntervalSecs),
	)

	go s.sweeper.Run(backgroundCtx, sweepInterval)

	if s.bridge != nil {
		go s.bridge.Run(backgroundCtx)
	}

	logger.Logger.Info("Starting services...")

	err := s.router.Start(s.config.ListenAddress)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *server) Shutdown() error {
	var errs error

	ctx, cancelTimeout := context.WithTimeout(
		context.Background(),
		time.Second*time.Duration(s.config.GracefulShutdownSecs),
	)
	defer cancelTimeout()

	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	if err := s.router.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	if err := s.taskRunner.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("failed to shutdown taskRunner gracefully: %w", err))
	}

	// workers die with nothing to resume, destroying them beats leaking pods
	s.pool.DestroyAll(ctx)

	if s.otelShutdown != nil {
		errs = errors.Join(errs, s.otelShutdown(ctx))
	}

	return errs
}

func runServe(ctx context.Context) error {
	server, err := initServer(ctx)
	if err != nil {
		return err
	}

	errch := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Logger.Info("Got shutdown signal!")
		errch <- server.Shutdown()
		close(errch)
	}()

	if err := server.Start(ctx); err != nil {
		return err
	}

	if err := <-errch; err != nil {
		logger.Logger.Error("Error shutting down server", "error", err)
	}

	return nil
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}

	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("failed to perform database migrations: %w", err)
	}

	logger.Logger.Info("database is up to date")
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "grading-engine",
	Short: "Coding challenge grading API and orchestrator",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the grading orchestrator",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	ctx, cancelSignal := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	logger.InitSlog()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Logger.Error(err.Error())
		cancelSignal()
		os.Exit(1)
	}

	cancelSignal()
}

func setupContainers(
	ctx context.Context,
	azureClient *azblob.Client,
	containers *config.AzureStorageAccountContainerConfig,
) error {
	pager := azureClient.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}

		for _, c := range page.ContainerItems {
			_, err = azureClient.DeleteContainer(ctx, *c.Name, nil)
			if err != nil {
				return err
			}
		}
	}

	_, err := azureClient.CreateContainer(ctx, containers.Artifacts, nil)
	if err != nil {
		return err
	}

	return nil
}
