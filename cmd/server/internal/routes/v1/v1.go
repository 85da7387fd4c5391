package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	srverr "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/error"
	servermiddleware "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/middleware"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/notify"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/ratelimit"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/taskrunner"
	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/queue"
	"github.com/gradelab/grading-engine/grading-engine/internal/upload"
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool"
)

const name = "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/routes/v1"

var tracer = otel.Tracer(name)

type Handler struct {
	DB               *gorm.DB
	queuer           queue.Queuer
	pool             *workerpool.Pool
	traceStore       upload.Uploader
	hub              *notify.Hub
	taskrunnerClient *taskrunner.Client
	config           *config.Config
}

func NewRedisLimiter(
	redisHost string,
	limiterKey string,
	perMinute int64,
	failOpen bool,
	onlyMethod *string,
) middleware.RateLimiterConfig {
	l := logger.Logger
	var store middleware.RateLimiterStore

	redisAddr := redisHost + ":6379"
	l.Debug("Setting up rate limiter with Redis", "redis", redisAddr)
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	rdConf := &ratelimit.RedisLimiterConfig{
		PerMinute:   perMinute,
		RedisClient: rdb,
		LimiterKey:  limiterKey,
		FailOpen:    failOpen,
	}
	store = ratelimit.NewRedisLimitStore(*rdConf)

	skipper := middleware.DefaultSkipper
	if onlyMethod != nil {
		skipper = func(c echo.Context) bool {
			return c.Request().Method != *onlyMethod
		}
	}

	return middleware.RateLimiterConfig{
		Skipper: skipper,
		Store:   store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			auth, ok := c.Get("auth").(*models.Auth)
			if !ok {
				return "", srverr.ErrTypeAssertMismatch
			}
			return auth.ID.String(), nil
		},
		ErrorHandler: func(context echo.Context, _ error) error {
			return context.JSON(http.StatusForbidden, nil)
		},
		DenyHandler: func(context echo.Context, _ string, _ error) error {
			return context.JSON(http.StatusTooManyRequests, nil)
		},
	}
}

func NewHandler(
	db *gorm.DB,
	queuer queue.Queuer,
	pool *workerpool.Pool,
	traceStore upload.Uploader,
	hub *notify.Hub,
	taskrunnerClient *taskrunner.Client,
	cfg *config.Config,
) Handler {
	return Handler{
		DB:               db,
		queuer:           queuer,
		pool:             pool,
		traceStore:       traceStore,
		hub:              hub,
		taskrunnerClient: taskrunnerClient,
		config:           cfg,
	}
}

func (h *Handler) AddRoutes(e *echo.Echo, middlewareHandler *servermiddleware.Handler) {
	l := logger.Logger

	v1Group := e.Group("/v1", middleware.BasicAuth(middlewareHandler.BasicAuthValidator))

	if h.config.RateLimit != nil && h.config.RateLimit.GlobalPerMinute > 0 {
		v1Group.Use(
			middleware.RateLimiterWithConfig(
				NewRedisLimiter(
					h.config.RateLimit.RedisHost,
					"global",
					h.config.RateLimit.GlobalPerMinute,
					h.config.RateLimit.FailOpen,
					nil,
				),
			),
		)
	} else {
		l.Warn("not configured to have a global rate limit")
	}

	jobsGroup := v1Group.Group(
		"/jobs",
		servermiddleware.HasPermissions("auth", &models.Permissions{Submit: true}),
	)

	if h.config.RateLimit != nil && h.config.RateLimit.SubmitPerMinute > 0 {
		post := http.MethodPost

		jobsGroup.Use(
			middleware.RateLimiterWithConfig(
				NewRedisLimiter(
					h.config.RateLimit.RedisHost,
					"submit",
					h.config.RateLimit.SubmitPerMinute,
					h.config.RateLimit.FailOpen,
					&post,
				),
			),
		)
	} else {
		l.Warn("not configured to have a submit rate limit")
	}

	jobsGroup.POST("/", h.SubmitJob)
	jobsGroup.POST("/bulk/", h.SubmitBatch)
	jobsGroup.GET(
		"/:job_id/",
		h.JobStatus,
		servermiddleware.PopulateFromIDParam[models.GradingJob](
			middlewareHandler,
			"job_id",
			"job",
		),
	)
	jobsGroup.GET(
		"/:job_id/trace/",
		h.JobTrace,
		servermiddleware.PopulateFromIDParam[models.GradingJob](
			middlewareHandler,
			"job_id",
			"job",
		),
	)
	jobsGroup.GET(
		"/:job_id/live/",
		h.JobLive,
		servermiddleware.PopulateFromIDParam[models.GradingJob](
			middlewareHandler,
			"job_id",
			"job",
		),
	)

	v1Group.GET("/queue/", h.QueueStatus)
	v1Group.GET(
		"/workers/",
		h.Workers,
		servermiddleware.HasPermissions("auth", &models.Permissions{WorkerAdmin: true}),
	)
}
