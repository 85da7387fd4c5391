package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/mock/gomock"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/migrations"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/notify"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/taskrunner"
	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/hash"
	queuemock "github.com/gradelab/grading-engine/grading-engine/internal/queue/mock"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
	uploadmock "github.com/gradelab/grading-engine/grading-engine/internal/upload/mock"
	"github.com/gradelab/grading-engine/grading-engine/internal/validator"
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool"
	poolmock "github.com/gradelab/grading-engine/grading-engine/internal/workerpool/mock"
)

type V1TestSuite struct {
	suite.Suite

	container *postgres.PostgresContainer
	db        *gorm.DB

	tx         *gorm.DB
	ctrl       *gomock.Controller
	queuer     *queuemock.MockQueuer
	traceStore *uploadmock.MockUploader
	strategy   *poolmock.MockLaunchStrategy
	pool       *workerpool.Pool
	hub        *notify.Hub
	handler    Handler
}

func (s *V1TestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16.4-alpine",
		postgres.WithDatabase("gradingengine"),
		postgres.WithUsername("gradingengine"),
		postgres.WithPassword("gradingengine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger: sloggorm.New(),
	})
	s.Require().NoError(err)
	s.db = db

	s.Require().NoError(migrations.Up(ctx, db))
}

func (s *V1TestSuite) TearDownSuite() {
	if s.container != nil {
		s.Require().NoError(s.container.Terminate(context.Background()))
	}
}

func (s *V1TestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.queuer = queuemock.NewMockQueuer(s.ctrl)
	s.traceStore = uploadmock.NewMockUploader(s.ctrl)
	s.strategy = poolmock.NewMockLaunchStrategy(s.ctrl)

	s.tx = s.db.Begin()
	s.pool = workerpool.New(s.strategy, 2, time.Minute, time.Second)
	s.hub = notify.NewHub()

	s.handler = NewHandler(
		s.tx,
		s.queuer,
		s.pool,
		s.traceStore,
		s.hub,
		taskrunner.Create(),
		&config.Config{
			Limits: &config.LimitsConfig{
				DefaultGasLimit:      10_000_000,
				DefaultTimeLimitSecs: 30,
				MaxTimeLimitSecs:     300,
			},
			Features: &config.FeaturesConfig{
				Tracing:         true,
				PlagiarismCheck: true,
			},
			K8s: &config.K8sConfig{
				WorkerImages: map[string]string{
					"golang": "gradingengine/worker-golang:1.24",
					"python": "gradingengine/worker-python:3.12",
				},
			},
		},
	)
}

func (s *V1TestSuite) TearDownTest() {
	s.tx.Rollback()
	s.ctrl.Finish()
}

func (s *V1TestSuite) request(method, target string, body any) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	validate := validator.Create()
	e.Validator = &validate

	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	c := e.NewContext(req, rec)
	c.Set("auth", &models.Auth{Model: models.Model{ID: uuid.New()}, Note: "test client"})
	c.Set("time", time.Now())

	return c, rec
}

func (s *V1TestSuite) submitRequest() types.SubmitRequest {
	return types.SubmitRequest{
		ChallengeID: "challenge-1",
		SubmitterID: "submitter-1",
		Code:        "package main\n\nfunc main() {}\n",
		Language:    "go",
		TestCases: []types.TestCase{
			{Input: "1 2", Expected: "3"},
		},
	}
}

func (s *V1TestSuite) Test_SubmitJob_Success() {
	s.queuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil)

	c, rec := s.request(http.MethodPost, "/v1/jobs/", s.submitRequest())
	s.Require().NoError(s.handler.SubmitJob(c))
	s.Require().Equal(http.StatusAccepted, rec.Code)

	var resp types.SubmitResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Equal(types.JobStatusQueued, resp.Status)

	id, err := uuid.Parse(resp.JobID)
	s.Require().NoError(err)

	job, err := models.ByID[models.GradingJob](context.Background(), s.tx, id)
	s.Require().NoError(err)
	s.Require().Equal(types.JobStatusQueued, job.Status)
	s.Require().Equal("golang", job.WorkerType)
	s.Require().NotEmpty(job.CacheKey)
	s.Require().EqualValues(10_000_000, job.GasLimit)
	s.Require().EqualValues(30, job.TimeLimitSecs)
}

func (s *V1TestSuite) Test_SubmitJob_InterpretedSkipsCache() {
	s.queuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil)

	req := s.submitRequest()
	req.Language = "python"
	req.Code = "print(1 + 2)\n"

	c, rec := s.request(http.MethodPost, "/v1/jobs/", req)
	s.Require().NoError(s.handler.SubmitJob(c))
	s.Require().Equal(http.StatusAccepted, rec.Code)

	var resp types.SubmitResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))

	job, err := models.ByID[models.GradingJob](
		context.Background(), s.tx, uuid.MustParse(resp.JobID),
	)
	s.Require().NoError(err)
	s.Require().Empty(job.CacheKey)
}

func (s *V1TestSuite) Test_SubmitJob_UnsupportedLanguage() {
	req := s.submitRequest()
	req.Language = "cobol"

	c, _ := s.request(http.MethodPost, "/v1/jobs/", req)
	err := s.handler.SubmitJob(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusBadRequest, herr.Code)

	typed, ok := herr.Message.(types.Error)
	s.Require().True(ok)
	s.Require().Contains(*typed.Fields, "language")
}

func (s *V1TestSuite) Test_SubmitJob_MissingFields() {
	req := s.submitRequest()
	req.Code = ""

	c, _ := s.request(http.MethodPost, "/v1/jobs/", req)
	err := s.handler.SubmitJob(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusBadRequest, herr.Code)
}

func (s *V1TestSuite) Test_SubmitJob_SourceTooLarge() {
	req := s.submitRequest()
	req.Code = string(bytes.Repeat([]byte("a"), 1<<20+1))

	c, _ := s.request(http.MethodPost, "/v1/jobs/", req)
	err := s.handler.SubmitJob(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusBadRequest, herr.Code)

	typed, ok := herr.Message.(types.Error)
	s.Require().True(ok)
	s.Require().Contains(*typed.Fields, "code")
}

func (s *V1TestSuite) Test_SubmitJob_TimeLimitCapped() {
	s.queuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil)

	req := s.submitRequest()
	req.Metadata = &types.ResourceMetadata{TimeLimitSecs: 10_000}

	c, rec := s.request(http.MethodPost, "/v1/jobs/", req)
	s.Require().NoError(s.handler.SubmitJob(c))

	var resp types.SubmitResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))

	job, err := models.ByID[models.GradingJob](
		context.Background(), s.tx, uuid.MustParse(resp.JobID),
	)
	s.Require().NoError(err)
	s.Require().EqualValues(300, job.TimeLimitSecs)
}

func (s *V1TestSuite) Test_SubmitJob_DuplicateSubmission() {
	req := s.submitRequest()
	req.Metadata = &types.ResourceMetadata{PlagiarismCheck: true}

	recorded, err := models.RecordFingerprint(context.Background(), s.tx, &models.Fingerprint{
		ChallengeID: req.ChallengeID,
		Language:    "go",
		Hash:        hash.Buffer([]byte(req.Code)),
		SubmitterID: req.SubmitterID,
	})
	s.Require().NoError(err)
	s.Require().True(recorded)

	c, _ := s.request(http.MethodPost, "/v1/jobs/", req)
	err = s.handler.SubmitJob(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusConflict, herr.Code)
}

func (s *V1TestSuite) Test_SubmitJob_EnqueueFailureFailsJob() {
	s.queuer.EXPECT().
		Enqueue(gomock.Any(), gomock.Any()).
		Return(errors.New("queue is down"))

	c, _ := s.request(http.MethodPost, "/v1/jobs/", s.submitRequest())
	err := s.handler.SubmitJob(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusInternalServerError, herr.Code)

	var job models.GradingJob
	s.Require().NoError(s.tx.First(&job).Error)
	s.Require().Equal(types.JobStatusFailed, job.Status)
	s.Require().Equal("failed to enqueue", job.Error.V)
}

func (s *V1TestSuite) Test_SubmitBatch_MixedResults() {
	s.queuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil)

	bad := s.submitRequest()
	bad.Language = "cobol"

	c, rec := s.request(http.MethodPost, "/v1/jobs/bulk/", types.BatchSubmitRequest{
		Submissions: []types.SubmitRequest{s.submitRequest(), bad},
	})
	s.Require().NoError(s.handler.SubmitBatch(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.BatchSubmitResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Equal(1, resp.Accepted)
	s.Require().Equal(1, resp.Rejected)
	s.Require().Len(resp.Results, 2)
	s.Require().NotEmpty(resp.Results[0].JobID)
	s.Require().Nil(resp.Results[0].Error)
	s.Require().NotNil(resp.Results[1].Error)
}

func (s *V1TestSuite) createJob(mutate func(*models.GradingJob)) *models.GradingJob {
	job := &models.GradingJob{
		Status:        types.JobStatusQueued,
		ChallengeID:   "challenge-1",
		SubmitterID:   "submitter-1",
		Code:          "package main",
		Language:      "go",
		WorkerType:    "golang",
		TestCases:     []types.TestCase{{Input: "1 2", Expected: "3"}},
		GasLimit:      1_000_000,
		TimeLimitSecs: 10,
		TotalTests:    1,
	}
	if mutate != nil {
		mutate(job)
	}

	s.Require().NoError(s.tx.Create(job).Error)
	return job
}

func (s *V1TestSuite) Test_JobStatus_Pending() {
	job := s.createJob(nil)

	c, rec := s.request(http.MethodGet, "/v1/jobs/"+job.ID.String()+"/", nil)
	c.Set("job", job)
	s.Require().NoError(s.handler.JobStatus(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.PendingResult
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Equal(types.JobStatusQueued, resp.Status)
	s.Require().EqualValues(1, resp.QueuePosition)
	s.Require().EqualValues(30, resp.EstimatedCompletionSecs)
}

func (s *V1TestSuite) Test_JobStatus_Terminal() {
	job := s.createJob(func(j *models.GradingJob) {
		j.Status = types.JobStatusCompleted
		j.Score = 87
		j.PassedTests = 1
	})

	c, rec := s.request(http.MethodGet, "/v1/jobs/"+job.ID.String()+"/", nil)
	c.Set("job", job)
	s.Require().NoError(s.handler.JobStatus(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.GradingResult
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Equal(types.JobStatusCompleted, resp.Status)
	s.Require().Equal(87, resp.Score)
}

func (s *V1TestSuite) Test_JobTrace_NoTrace() {
	job := s.createJob(nil)

	c, _ := s.request(http.MethodGet, "/v1/jobs/"+job.ID.String()+"/trace/", nil)
	c.Set("job", job)
	err := s.handler.JobTrace(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusNotFound, herr.Code)
}

func (s *V1TestSuite) Test_JobTrace_Presigned() {
	job := s.createJob(func(j *models.GradingJob) {
		j.Status = types.JobStatusCompleted
		j.TraceObject = models.NewNullFromData(hash.Buffer([]byte("trace payload")))
	})

	s.traceStore.EXPECT().
		Exists(gomock.Any(), job.TraceObject.V).
		Return(true, nil)
	s.traceStore.EXPECT().
		PresignedReadURL(gomock.Any(), job.TraceObject.V, gomock.Any()).
		Return("https://traces.example.com/signed", nil)

	c, rec := s.request(http.MethodGet, "/v1/jobs/"+job.ID.String()+"/trace/", nil)
	c.Set("job", job)
	s.Require().NoError(s.handler.JobTrace(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.TraceResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Equal("https://traces.example.com/signed", resp.TraceURL)
}

func (s *V1TestSuite) Test_JobTrace_Expired() {
	job := s.createJob(func(j *models.GradingJob) {
		j.Status = types.JobStatusCompleted
		j.TraceObject = models.NewNullFromData(hash.Buffer([]byte("swept trace")))
	})

	// the retention sweep already removed the blob
	s.traceStore.EXPECT().
		Exists(gomock.Any(), job.TraceObject.V).
		Return(false, nil)

	c, _ := s.request(http.MethodGet, "/v1/jobs/"+job.ID.String()+"/trace/", nil)
	c.Set("job", job)
	err := s.handler.JobTrace(c)

	var herr *echo.HTTPError
	s.Require().ErrorAs(err, &herr)
	s.Require().Equal(http.StatusNotFound, herr.Code)
}

func (s *V1TestSuite) Test_QueueStatus() {
	s.createJob(nil)
	s.createJob(func(j *models.GradingJob) { j.Status = types.JobStatusCompleted })
	s.createJob(func(j *models.GradingJob) { j.Status = types.JobStatusFailed })

	c, rec := s.request(http.MethodGet, "/v1/queue/", nil)
	s.Require().NoError(s.handler.QueueStatus(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.QueueStatus
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().EqualValues(1, resp.Queued)
	s.Require().EqualValues(1, resp.Completed)
	s.Require().EqualValues(1, resp.Failed)
}

func (s *V1TestSuite) Test_Health() {
	s.queuer.EXPECT().Probe(gomock.Any()).Return(nil)

	c, rec := s.request(http.MethodGet, "/health/", nil)
	s.Require().NoError(s.handler.Health(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.HealthResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().True(resp.QueueConnected)
	s.Require().Zero(resp.WorkerPoolSize)
	s.Require().True(resp.TracingEnabled)
}

func (s *V1TestSuite) Test_Health_QueueDown() {
	s.queuer.EXPECT().Probe(gomock.Any()).Return(errors.New("connection refused"))

	c, rec := s.request(http.MethodGet, "/health/", nil)
	s.Require().NoError(s.handler.Health(c))
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp types.HealthResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().False(resp.QueueConnected)
}

func TestV1TestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite.Run(t, new(V1TestSuite))
}
