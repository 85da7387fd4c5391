package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/notify"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/taskrunner"
	"github.com/gradelab/grading-engine/grading-engine/internal/artifact"
	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/hash"
	"github.com/gradelab/grading-engine/grading-engine/internal/identifier"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/queue"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
	"github.com/gradelab/grading-engine/grading-engine/internal/upload"
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool"
)

const name = "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/orchestrator"

var tracer = otel.Tracer(name)

// Handler drives one grading job per queue delivery: claim the job, acquire
// a sandbox, dispatch, enforce limits, persist the outcome. The database
// write is the commit point; the message is only completed afterwards.
type Handler struct {
	db         *gorm.DB
	pool       *workerpool.Pool
	cache      *artifact.Cache
	traceStore upload.Uploader
	publisher  notify.StatusPublisher
	tasks      *taskrunner.Client
	config     *config.Config
	dispatch   *retryablehttp.Client
}

var _ queue.MessageHandler = (*Handler)(nil)

func NewHandler(
	db *gorm.DB,
	pool *workerpool.Pool,
	cache *artifact.Cache,
	traceStore upload.Uploader,
	publisher notify.StatusPublisher,
	tasks *taskrunner.Client,
	cfg *config.Config,
) *Handler {
	client := retryablehttp.NewClient()
	client.Logger = nil
	// re-running a grading on the same sandbox is not safe
	client.RetryMax = 0

	return &Handler{
		db:         db,
		pool:       pool,
		cache:      cache,
		traceStore: traceStore,
		publisher:  publisher,
		tasks:      tasks,
		config:     cfg,
		dispatch:   client,
	}
}

func (h *Handler) Handle(ctx context.Context, message []byte, deliveryCount int64) error {
	ctx, span := tracer.Start(ctx, "Handler.Handle", trace.WithNewRoot())
	defer span.End()

	span.SetAttributes(attribute.Int64("deliveryCount", deliveryCount))

	var msg types.JobMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal queue message")
		return queue.WrapPoisonError(err)
	}

	span.SetAttributes(attribute.String("job.id", msg.JobID))

	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse job id as UUID")
		return queue.WrapPoisonError(err)
	}

	db := h.db.WithContext(ctx)

	if deliveryCount > h.config.Queue.MaxDequeueCount {
		span.AddEvent("delivery_budget_exhausted")

		failed, err := models.FailQueued(ctx, db, jobID, "delivery budget exhausted")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fail job over delivery budget")
			return err
		}
		if failed {
			h.publishStatus(ctx, types.StatusEvent{
				JobID:  jobID.String(),
				Status: types.JobStatusFailed,
			})
		}

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "failed job over delivery budget")
		return nil
	}

	job, err := models.ByID[models.GradingJob](ctx, db, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load job")

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.WrapPoisonError(err)
		}

		return err
	}

	if job.Status.Terminal() {
		span.AddEvent("job_already_terminal")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job already terminal")
		return nil
	}

	var lang identifier.Language
	if err := lang.Set(job.Language); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job has an unknown language")
		return queue.WrapPoisonError(err)
	}

	workerType, err := identifier.WorkerTypeForLanguage(lang)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job has no worker type")
		return queue.WrapPoisonError(err)
	}

	worker, err := h.pool.Acquire(ctx, workerType)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, workerpool.ErrSaturated) {
			// transient: the delivery reappears after its visibility timeout
			span.SetStatus(codes.Error, "worker pool saturated")
			return err
		}

		span.SetStatus(codes.Error, "failed to acquire worker")
		return err
	}

	claimed, err := models.MarkProcessing(ctx, db, jobID, worker.ID.String())
	if err != nil {
		h.pool.Release(ctx, worker.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to claim job")
		return err
	}
	if !claimed {
		h.pool.Release(ctx, worker.ID)

		if deliveryCount > 1 {
			// a previous delivery claimed the job and never finished
			span.AddEvent("previous_attempt_interrupted")
			failed, err := models.FailQueued(ctx, db, jobID, "grading attempt was interrupted")
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to fail interrupted job")
				return err
			}
			if failed {
				h.publishStatus(ctx, types.StatusEvent{
					JobID:  jobID.String(),
					Status: types.JobStatusFailed,
				})
			}
		}

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job claimed elsewhere")
		return nil
	}

	h.publishStatus(ctx, types.StatusEvent{
		JobID:  jobID.String(),
		Status: types.JobStatusProcessing,
	})

	result, err := h.grade(ctx, job, &worker)
	if err != nil {
		span.RecordError(err)
		span.AddEvent("worker_failure")

		// the sandbox is suspect after any dispatch failure
		if derr := h.pool.Destroy(context.WithoutCancel(ctx), worker.ID); derr != nil {
			logger.Logger.ErrorContext(ctx, "failed to destroy suspect worker",
				"workerID", worker.ID.String(),
				"error", derr,
			)
		}

		if ferr := h.finalize(ctx, job, &models.GradingJob{
			Status: types.JobStatusFailed,
			Error:  models.NewNullFromData(fmt.Sprintf("worker failure: %v", err)),
		}, nil); ferr != nil {
			span.RecordError(ferr)
			span.SetStatus(codes.Error, "failed to finalize failed job")
			return ferr
		}

		span.SetStatus(codes.Ok, "failed job after worker failure")
		return nil
	}

	final := h.judge(ctx, job, result)
	if err := h.finalize(ctx, job, final, result); err != nil {
		h.pool.Release(ctx, worker.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize job")
		return err
	}

	// the worker is held until the terminal row is written; a release
	// missed to a crash is reclaimed by the health loop
	h.pool.Release(ctx, worker.ID)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "graded job")
	return nil
}

// grade dispatches the job to its assigned worker and decodes the report.
func (h *Handler) grade(
	ctx context.Context,
	job *models.GradingJob,
	worker *workerpool.Worker,
) (*types.WorkerJobResult, error) {
	ctx, span := tracer.Start(ctx, "grade", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("worker.id", worker.ID.String()),
		attribute.String("worker.endpoint", worker.Endpoint),
	))
	defer span.End()

	request := types.WorkerJobRequest{
		JobID:          job.ID.String(),
		Code:           job.Code,
		Language:       job.Language,
		TestCases:      job.TestCases,
		GasLimit:       job.GasLimit,
		TimeLimitSecs:  job.TimeLimitSecs,
		TracingEnabled: job.TracingEnabled,
	}
	if job.Tool.Valid {
		request.Tool = job.Tool.V
	}

	if job.CacheKey != "" {
		content, hit, err := h.cache.Retrieve(ctx, job.CacheKey)
		if err != nil {
			// a broken cache never fails a grading
			logger.Logger.WarnContext(ctx, "failed to probe artifact cache",
				"cacheKey", job.CacheKey,
				"error", err,
			)
			span.AddEvent("cache_probe_failed")
		} else if hit {
			span.AddEvent("cache_hit")
			request.CachedArtifactB64 = base64.StdEncoding.EncodeToString(content)
		} else {
			span.AddEvent("cache_miss")
		}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal worker request")
		return nil, err
	}

	// a worker never gets longer than the job's own time limit
	timeout := time.Duration(h.config.Pool.DispatchTimeoutSecs) * time.Second
	if jobTimeout := time.Duration(job.TimeLimitSecs) * time.Second; jobTimeout < timeout {
		timeout = jobTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		worker.Endpoint+"/execute/",
		bytes.NewReader(payload),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build worker request")
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.dispatch.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to dispatch job to worker")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("worker returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker rejected job")
		return nil, err
	}

	var result types.WorkerJobResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode worker report")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "dispatched job")
	return &result, nil
}

// judge turns a worker report into the final job row. Limits are enforced
// here from the job record, regardless of what the worker reports.
func (h *Handler) judge(
	ctx context.Context,
	job *models.GradingJob,
	result *types.WorkerJobResult,
) *models.GradingJob {
	_, span := tracer.Start(ctx, "judge", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int64("result.gasUsed", int64(result.GasUsed)), //nolint:gosec // G115: gas stays far below int64 range
		attribute.Int64("result.timeUsedMS", result.TimeUsedMS),
	))
	defer span.End()

	final := &models.GradingJob{
		Status:      types.JobStatusCompleted,
		Score:       result.Score,
		PassedTests: result.PassedTests,
		TotalTests:  result.TotalTests,
		GasUsed:     result.GasUsed,
		TimeUsedMS:  result.TimeUsedMS,
	}

	if result.Stdout != "" {
		final.Output = models.NewNullFromData(result.Stdout)
	}

	switch {
	case result.GasUsed > job.GasLimit:
		span.AddEvent("gas_limit_exceeded")
		final.Status = types.JobStatusFailed
		final.Score = 0
		final.Error = models.NewNullFromData("gas limit exceeded")
	case result.TimeUsedMS > job.TimeLimitSecs*1000:
		span.AddEvent("time_limit_exceeded")
		final.Status = types.JobStatusFailed
		final.Score = 0
		final.Error = models.NewNullFromData("time limit exceeded")
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "judged result")
	return final
}

// finalize persists the terminal row, then kicks off the best effort side
// effects. result may be nil on worker failure paths.
func (h *Handler) finalize(
	ctx context.Context,
	job *models.GradingJob,
	final *models.GradingJob,
	result *types.WorkerJobResult,
) error {
	ctx, span := tracer.Start(ctx, "finalize", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("status", string(final.Status)),
	))
	defer span.End()

	db := h.db.WithContext(ctx)

	// traces are content addressed; the name is fixed here so the row
	// already carries it when the upload runs
	traced := result != nil && result.Trace != nil && job.TracingEnabled
	var tracePayload []byte
	if traced {
		payload, merr := json.Marshal(result.Trace)
		if merr != nil {
			span.RecordError(merr)
			span.AddEvent("trace_marshal_failed")
			traced = false
		} else {
			tracePayload = payload
			final.TraceObject = models.NewNullFromData(hash.Buffer(payload))
		}
	}

	finalized, err := models.MarkTerminal(ctx, db, job.ID, final)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finalize job")
		return err
	}
	if !finalized {
		span.AddEvent("job_finalized_elsewhere")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job finalized elsewhere")
		return nil
	}

	if traced {
		h.tasks.Run(ctx, func(ctx context.Context) {
			h.persistTrace(ctx, job.ID, tracePayload)
		})
	}

	if result != nil && result.ArtifactB64 != "" && job.CacheKey != "" {
		h.tasks.Run(ctx, func(ctx context.Context) {
			h.persistArtifact(ctx, job.CacheKey, result.ArtifactB64)
		})
	}

	if job.PlagiarismCheck {
		h.tasks.Run(ctx, func(ctx context.Context) {
			h.recordFingerprint(ctx, job)
		})
	}

	event := types.StatusEvent{
		JobID:  job.ID.String(),
		Status: final.Status,
	}
	res := final.Result()
	res.JobID = job.ID.String()
	res.Language = job.Language
	event.Result = &res
	h.publishStatus(ctx, event)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "finalized job")
	return nil
}

func (h *Handler) persistTrace(ctx context.Context, jobID uuid.UUID, payload []byte) {
	ctx, span := tracer.Start(ctx, "persistTrace", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
	))
	defer span.End()

	object, err := upload.Hashed(ctx, h.traceStore, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload execution trace")
		logger.Logger.WarnContext(ctx, "failed to upload execution trace",
			"jobID", jobID.String(),
			"error", err,
		)
		return
	}

	span.SetAttributes(attribute.String("trace.object", object))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "persisted execution trace")
}

func (h *Handler) persistArtifact(ctx context.Context, cacheKey, artifactB64 string) {
	ctx, span := tracer.Start(ctx, "persistArtifact", trace.WithAttributes(
		attribute.String("cacheKey", cacheKey),
	))
	defer span.End()

	content, err := base64.StdEncoding.DecodeString(artifactB64)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode worker artifact")
		return
	}

	if err := h.cache.Store(ctx, cacheKey, content); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store artifact in cache")
		logger.Logger.WarnContext(ctx, "failed to store artifact in cache",
			"cacheKey", cacheKey,
			"error", err,
		)
		return
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "stored artifact in cache")
}

func (h *Handler) recordFingerprint(ctx context.Context, job *models.GradingJob) {
	ctx, span := tracer.Start(ctx, "recordFingerprint", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
	))
	defer span.End()

	fresh, err := models.RecordFingerprint(ctx, h.db, &models.Fingerprint{
		ChallengeID: job.ChallengeID,
		Language:    job.Language,
		Hash:        hash.Buffer([]byte(job.Code)),
		SubmitterID: job.SubmitterID,
		JobID:       job.ID,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record fingerprint")
		return
	}

	if !fresh {
		span.AddEvent("fingerprint_already_recorded")
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recorded fingerprint")
}

func (h *Handler) publishStatus(ctx context.Context, event types.StatusEvent) {
	if h.publisher == nil {
		return
	}

	if err := h.publisher.Publish(ctx, event); err != nil {
		logger.Logger.WarnContext(ctx, "failed to publish status event",
			"jobID", event.JobID,
			"error", err,
		)
	}
}
