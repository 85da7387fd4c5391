package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/mock/gomock"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/migrations"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/taskrunner"
	"github.com/gradelab/grading-engine/grading-engine/internal/artifact"
	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/hash"
	mockfetcher "github.com/gradelab/grading-engine/grading-engine/internal/fetch/mock"
	"github.com/gradelab/grading-engine/grading-engine/internal/queue"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
	mockuploader "github.com/gradelab/grading-engine/grading-engine/internal/upload/mock"
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool"
	mockstrategy "github.com/gradelab/grading-engine/grading-engine/internal/workerpool/mock"
)

type HandlerTestSuite struct {
	suite.Suite

	pgContainer *postgres.PostgresContainer
	db          *gorm.DB
	tx          *gorm.DB

	strategy    *mockstrategy.MockLaunchStrategy
	cacheRemote *mockuploader.MockUploader
	cacheFetch  *mockfetcher.MockFetcher
	traceStore  *mockuploader.MockUploader
	pool        *workerpool.Pool
	cache       *artifact.Cache
	tasks       *taskrunner.Client
	handler     *Handler
}

func (s *HandlerTestSuite) SetupSuite() {
	ct, err := postgres.Run(s.T().Context(),
		"postgres:16.4-alpine",
		postgres.WithDatabase("gradingengine"),
		postgres.WithUsername("gradingengine"),
		postgres.WithPassword("gradingengine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	s.Require().NoError(err)
	s.pgContainer = ct

	connStr, err := s.pgContainer.ConnectionString(s.T().Context())
	s.Require().NoError(err)

	db, err := gorm.Open(gormpg.Open(connStr), &gorm.Config{
		Logger: sloggorm.New(),
	})
	s.Require().NoError(err)
	s.db = db

	s.Require().NoError(migrations.Up(s.T().Context(), s.db))
}

func (s *HandlerTestSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.strategy = mockstrategy.NewMockLaunchStrategy(ctrl)
	s.cacheRemote = mockuploader.NewMockUploader(ctrl)
	s.cacheFetch = mockfetcher.NewMockFetcher(ctrl)
	s.traceStore = mockuploader.NewMockUploader(ctrl)
	s.tx = s.db.Begin()

	s.pool = workerpool.New(s.strategy, 2, time.Minute, time.Second)

	cache, err := artifact.NewCache(
		s.cacheRemote,
		s.cacheFetch,
		s.T().TempDir(),
		1<<20,
		time.Hour,
	)
	s.Require().NoError(err)
	s.cache = cache

	s.tasks = taskrunner.Create()

	s.handler = NewHandler(s.tx, s.pool, s.cache, s.traceStore, nil, s.tasks, &config.Config{
		Queue: &config.QueueConfig{
			VisibilityTimeoutSecs: 300,
			MaxDequeueCount:       5,
			PollTimeSecs:          2,
		},
		Pool: &config.PoolConfig{
			MaxWorkers:          2,
			DispatchTimeoutSecs: 30,
		},
	})
}

func (s *HandlerTestSuite) TearDownTest() {
	s.handler.db = s.tx.Rollback()
}

func (s *HandlerTestSuite) TearDownSuite() {
	s.Require().NoError(testcontainers.TerminateContainer(s.pgContainer))
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) createJob(job *models.GradingJob) *models.GradingJob {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = types.JobStatusQueued
	}
	if job.Language == "" {
		job.Language = "go"
	}
	if job.WorkerType == "" {
		job.WorkerType = "golang"
	}
	if job.Code == "" {
		job.Code = "package main"
	}
	if job.GasLimit == 0 {
		job.GasLimit = 1_000_000
	}
	if job.TimeLimitSecs == 0 {
		job.TimeLimitSecs = 10
	}

	s.Require().NoError(s.tx.Create(job).Error)
	return job
}

func (s *HandlerTestSuite) message(jobID uuid.UUID) []byte {
	payload, err := json.Marshal(types.JobMessage{JobID: jobID.String()})
	s.Require().NoError(err)
	return payload
}

// workerServer fakes a worker's execute endpoint with a canned report.
func (s *HandlerTestSuite) workerServer(result types.WorkerJobResult) *httptest.Server {
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/execute/" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			s.Require().NoError(json.NewEncoder(w).Encode(result))
		}),
	)
	s.T().Cleanup(server.Close)
	return server
}

func (s *HandlerTestSuite) Test_Handle_BadJSON() {
	err := s.handler.Handle(s.T().Context(), []byte("{"), 1)

	var poison *queue.PoisonError
	s.Require().ErrorAs(err, &poison)
}

func (s *HandlerTestSuite) Test_Handle_UnknownJob() {
	err := s.handler.Handle(s.T().Context(), s.message(uuid.New()), 1)

	var poison *queue.PoisonError
	s.Require().ErrorAs(err, &poison)
}

func (s *HandlerTestSuite) Test_Handle_Success() {
	job := s.createJob(&models.GradingJob{})

	server := s.workerServer(types.WorkerJobResult{
		JobID:       job.ID.String(),
		Score:       87,
		PassedTests: 7,
		TotalTests:  8,
		GasUsed:     400,
		TimeUsedMS:  1200,
		Stdout:      "ok",
	})

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 1))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusCompleted, got.Status)
	s.Equal(87, got.Score)
	s.Equal(7, got.PassedTests)
	s.Equal(8, got.TotalTests)
	s.Require().True(got.AssignedWorkerID.Valid)
	s.Require().True(got.CompletedAt.Valid)
	s.Equal("ok", got.Output.V)

	// the worker goes back to the pool
	snapshot := s.pool.Snapshot()
	s.Require().Len(snapshot, 1)
	s.Equal(types.WorkerStatusReady, snapshot[0].Status)
}

func (s *HandlerTestSuite) Test_Handle_WorkerHeldUntilResultWrite() {
	job := s.createJob(&models.GradingJob{})

	server := s.workerServer(types.WorkerJobResult{
		JobID: job.ID.String(),
		Score: 42,
	})

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)

	// observe the pool at every job row write; the terminal update must
	// still see the worker held, or a crash in the gap would lose the grade
	heldDuringWrites := true
	writes := 0
	callbacks := s.tx.Callback().Update()
	s.Require().NoError(callbacks.After("gorm:update").Register("observe_pool", func(db *gorm.DB) {
		if db.Statement == nil || db.Statement.Table != "grading_job" {
			return
		}
		writes++
		for _, w := range s.pool.Snapshot() {
			if w.Status != types.WorkerStatusBusy {
				heldDuringWrites = false
			}
		}
	}))
	s.T().Cleanup(func() {
		s.Require().NoError(callbacks.Remove("observe_pool"))
	})

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 1))

	// claim plus terminal write, both with the worker busy
	s.Require().Equal(2, writes)
	s.Require().True(heldDuringWrites)

	snapshot := s.pool.Snapshot()
	s.Require().Len(snapshot, 1)
	s.Equal(types.WorkerStatusReady, snapshot[0].Status)
}

func (s *HandlerTestSuite) Test_Handle_SideEffects() {
	job := s.createJob(&models.GradingJob{
		CacheKey:        artifact.Key("somehash", "go1.24", "default"),
		TracingEnabled:  true,
		PlagiarismCheck: true,
	})

	trace := &types.ExecutionTrace{JobID: job.ID.String()}
	tracePayload, err := json.Marshal(trace)
	s.Require().NoError(err)
	traceObject := hash.Buffer(tracePayload)

	artifactContent := []byte("compiled artifact")
	server := s.workerServer(types.WorkerJobResult{
		JobID:       job.ID.String(),
		Score:       100,
		PassedTests: 3,
		TotalTests:  3,
		ArtifactB64: base64.StdEncoding.EncodeToString(artifactContent),
		Trace:       trace,
	})

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)

	// cache miss on the way in, write through on the way out
	s.cacheRemote.EXPECT().
		Exists(gomock.Any(), job.CacheKey).
		Return(false, nil).
		Times(1)
	s.cacheRemote.EXPECT().
		Upload(gomock.Any(), gomock.Any(), int64(len(artifactContent)), job.CacheKey).
		Return(nil).
		Times(1)

	// traces are stored content addressed
	s.traceStore.EXPECT().
		Exists(gomock.Any(), traceObject).
		Return(false, nil).
		Times(1)
	s.traceStore.EXPECT().
		Upload(gomock.Any(), gomock.Any(), int64(len(tracePayload)), traceObject).
		Return(nil).
		Times(1)

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 1))
	s.Require().NoError(s.tasks.Shutdown(s.T().Context()))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusCompleted, got.Status)
	s.Require().True(got.TraceObject.Valid)
	s.Equal(traceObject, got.TraceObject.V)

	var fingerprints int64
	s.Require().NoError(
		s.tx.Model(&models.Fingerprint{}).
			Where("job_id = ?", job.ID).
			Count(&fingerprints).Error,
	)
	s.Equal(int64(1), fingerprints)
}

func (s *HandlerTestSuite) Test_Handle_GasLimitEnforced() {
	job := s.createJob(&models.GradingJob{GasLimit: 100})

	// the worker claims success but burned more gas than allowed
	server := s.workerServer(types.WorkerJobResult{
		JobID:   job.ID.String(),
		Score:   100,
		GasUsed: 101,
	})

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 1))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusFailed, got.Status)
	s.Equal(0, got.Score)
	s.Equal("gas limit exceeded", got.Error.V)
}

func (s *HandlerTestSuite) Test_Handle_TimeLimitEnforced() {
	job := s.createJob(&models.GradingJob{TimeLimitSecs: 1})

	server := s.workerServer(types.WorkerJobResult{
		JobID:      job.ID.String(),
		Score:      100,
		TimeUsedMS: 1500,
	})

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 1))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusFailed, got.Status)
	s.Equal("time limit exceeded", got.Error.V)
}

func (s *HandlerTestSuite) Test_Handle_PoolSaturated() {
	job := s.createJob(&models.GradingJob{})

	server := s.workerServer(types.WorkerJobResult{})

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(2)

	// occupy the whole pool
	_, err := s.pool.Acquire(s.T().Context(), "golang")
	s.Require().NoError(err)
	_, err = s.pool.Acquire(s.T().Context(), "golang")
	s.Require().NoError(err)

	err = s.handler.Handle(s.T().Context(), s.message(job.ID), 1)
	s.Require().ErrorIs(err, workerpool.ErrSaturated)

	// the job is untouched and the delivery will come back
	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusQueued, got.Status)
}

func (s *HandlerTestSuite) Test_Handle_DeliveryBudgetExhausted() {
	job := s.createJob(&models.GradingJob{})

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 6))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusFailed, got.Status)
	s.Equal("delivery budget exhausted", got.Error.V)
}

func (s *HandlerTestSuite) Test_Handle_WorkerFailure() {
	job := s.createJob(&models.GradingJob{})

	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}),
	)
	defer server.Close()

	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)
	s.strategy.EXPECT().
		Teardown(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1)

	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 1))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusFailed, got.Status)
	s.Contains(got.Error.V, "worker failure")

	// the suspect worker is gone
	s.Equal(0, s.pool.Size())
}

func (s *HandlerTestSuite) Test_Handle_AlreadyTerminal() {
	job := s.createJob(&models.GradingJob{Status: types.JobStatusCompleted})

	// no Launch expectation: a finished job must never reach the pool
	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 2))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusCompleted, got.Status)
}

func (s *HandlerTestSuite) Test_Handle_InterruptedAttempt() {
	job := s.createJob(&models.GradingJob{Status: types.JobStatusProcessing})

	server := s.workerServer(types.WorkerJobResult{})
	s.strategy.EXPECT().
		Launch(gomock.Any(), gomock.Any()).
		Return(server.URL, nil).
		Times(1)

	// a redelivery that finds the job stuck in processing fails it
	s.Require().NoError(s.handler.Handle(s.T().Context(), s.message(job.ID), 2))

	var got models.GradingJob
	s.Require().NoError(s.tx.Where("id = ?", job.ID).Take(&got).Error)
	s.Equal(types.JobStatusFailed, got.Status)
	s.Equal("grading attempt was interrupted", got.Error.V)
}
