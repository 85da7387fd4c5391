package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	srverr "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/error"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/response"
	"github.com/gradelab/grading-engine/grading-engine/internal/artifact"
	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/hash"
	"github.com/gradelab/grading-engine/grading-engine/internal/identifier"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/schema"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
	"github.com/gradelab/grading-engine/grading-engine/internal/validator"
)

// admit validates a submission and shapes it into a queued job row. Nothing
// is persisted here; the returned error is ready to hand back to the client.
func (h *Handler) admit(
	ctx context.Context,
	req *types.SubmitRequest,
) (*models.GradingJob, *echo.HTTPError) {
	ctx, span := tracer.Start(ctx, "admit")
	defer span.End()

	db := h.DB.WithContext(ctx)

	span.SetAttributes(
		attribute.String("challenge.id", req.ChallengeID),
		attribute.String("language.declared", req.Language),
	)

	span.AddEvent("mapping language onto a worker type")
	var lang identifier.Language
	if err := lang.Set(req.Language); err != nil {
		span.SetStatus(codes.Ok, "unsupported language")
		span.RecordError(err)
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.Error{Message: "validation error", Fields: &map[string]string{
				"language": "unsupported language",
			}},
		)
	}

	workerType, err := identifier.WorkerTypeForLanguage(lang)
	if err != nil {
		span.SetStatus(codes.Ok, "no worker type for language")
		span.RecordError(err)
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.Error{Message: "validation error", Fields: &map[string]string{
				"language": "no worker type can grade this language",
			}},
		)
	}

	if req.Tool != nil && !slices.Contains(workerType.Capabilities(), *req.Tool) {
		span.SetStatus(codes.Ok, "requested tool not available")
		span.RecordError(nil)
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.Error{Message: "validation error", Fields: &map[string]string{
				"tool": fmt.Sprintf("not available on %s workers", workerType),
			}},
		)
	}

	span.AddEvent("validating submission is within size limits")
	if !validator.ValidateSourceSize(len(req.Code)) {
		span.SetStatus(codes.Ok, "submission was too large")
		span.RecordError(nil)
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.Error{Message: "validation error", Fields: &map[string]string{
				"code": "must be <= 1mb",
			}},
		)
	}

	for i, testCase := range req.TestCases {
		if !validator.ValidateTestCaseSize(len(testCase.Input) + len(testCase.Expected)) {
			span.SetStatus(codes.Ok, "test case was too large")
			span.RecordError(nil)
			return nil, echo.NewHTTPError(
				http.StatusBadRequest,
				types.Error{Message: "validation error", Fields: &map[string]string{
					fmt.Sprintf("testCases[%d]", i): "must be <= 256kb",
				}},
			)
		}
	}

	span.AddEvent("validating test cases against schema")
	rawCases, err := json.Marshal(req.TestCases)
	if err != nil {
		span.SetStatus(codes.Error, "failed to encode test cases")
		span.RecordError(err)
		return nil, response.InternalServerError
	}

	var caseDoc any
	if err := json.Unmarshal(rawCases, &caseDoc); err != nil {
		span.SetStatus(codes.Error, "failed to decode test cases")
		span.RecordError(err)
		return nil, response.InternalServerError
	}

	err = schema.TestCases.Validate(caseDoc)
	if validationErr, ok := err.(*jsonschema.ValidationError); ok {
		errs := validationErr.BasicOutput().Errors
		fieldMap := make(map[string]string, len(errs))
		for _, err := range errs {
			fieldMap[err.KeywordLocation] = err.Error
		}
		span.SetStatus(codes.Ok, "test cases were not schema compliant")
		span.RecordError(nil)
		return nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.Error{Message: "test cases failed to validate", Fields: &fieldMap},
		)
	} else if err != nil {
		span.SetStatus(codes.Ok, "failed to validate test cases")
		span.RecordError(err)
		return nil, echo.NewHTTPError(http.StatusBadRequest, types.StringError(err.Error()))
	}

	// advisory cross check, classification is heuristic and never rejects
	detected := identifier.GetLanguage("submission", []byte(req.Code))
	if detected != identifier.LanguageInvalid && detected != lang {
		span.AddEvent("language_mismatch")
		logger.Logger.WarnContext(ctx, "declared language does not match detected language",
			"declared", lang.String(),
			"detected", detected.String(),
		)
	}

	features := h.config.Features
	if features == nil {
		features = &config.FeaturesConfig{}
	}

	effective := types.ResourceMetadata{}
	if req.Metadata != nil {
		effective = *req.Metadata
	}
	if effective.GasLimit == 0 {
		effective.GasLimit = h.config.Limits.DefaultGasLimit
	}
	if effective.TimeLimitSecs == 0 {
		effective.TimeLimitSecs = h.config.Limits.DefaultTimeLimitSecs
	}
	if effective.TimeLimitSecs > h.config.Limits.MaxTimeLimitSecs {
		span.AddEvent("time_limit_capped")
		effective.TimeLimitSecs = h.config.Limits.MaxTimeLimitSecs
	}
	effective.TracingEnabled = effective.TracingEnabled && features.Tracing
	effective.PlagiarismCheck = effective.PlagiarismCheck && features.PlagiarismCheck

	codeHash := hash.Buffer([]byte(req.Code))

	if effective.PlagiarismCheck {
		span.AddEvent("checking for a duplicate submission")
		seen, err := models.FingerprintSeen(ctx, db, req.ChallengeID, lang.String(), codeHash)
		if err != nil {
			span.SetStatus(codes.Error, "failed to check for duplicate submission")
			span.RecordError(err)
			return nil, response.InternalServerError
		}
		if seen {
			span.SetStatus(codes.Ok, "duplicate submission")
			span.RecordError(nil)
			return nil, echo.NewHTTPError(
				http.StatusConflict,
				types.StringError("an identical submission already exists for this challenge"),
			)
		}
	}

	job := &models.GradingJob{
		Status:          types.JobStatusQueued,
		ChallengeID:     req.ChallengeID,
		SubmitterID:     req.SubmitterID,
		Code:            req.Code,
		Language:        lang.String(),
		WorkerType:      workerType.String(),
		TestCases:       req.TestCases,
		GasLimit:        effective.GasLimit,
		TimeLimitSecs:   effective.TimeLimitSecs,
		TracingEnabled:  effective.TracingEnabled,
		PlagiarismCheck: effective.PlagiarismCheck,
		TotalTests:      len(req.TestCases),
		Tool:            models.NewNull(req.Tool),
	}

	if lang.Compiled() {
		// the worker image pins the toolchain for a type, so it discriminates
		// cached artifacts the same way a toolchain version would
		job.CacheKey = artifact.Key(
			codeHash,
			h.config.K8s.WorkerImages[workerType.String()],
			"default",
		)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "admitted submission")
	return job, nil
}

// submitOne persists the job row and enqueues its message. A job whose
// message cannot be enqueued is failed immediately instead of sitting
// queued forever.
func (h *Handler) submitOne(ctx context.Context, job *models.GradingJob) *echo.HTTPError {
	ctx, span := tracer.Start(ctx, "submitOne")
	defer span.End()

	db := h.DB.WithContext(ctx)

	span.AddEvent("inserting into database")
	if err := db.Create(job).Error; err != nil {
		span.SetStatus(codes.Error, "failed to insert")
		span.RecordError(err)
		return response.InternalServerError
	}

	span.SetAttributes(attribute.String("job.id", job.ID.String()))

	span.AddEvent("enqueueing job message")
	if err := h.queuer.Enqueue(ctx, types.JobMessage{JobID: job.ID.String()}); err != nil {
		span.SetStatus(codes.Error, "failed to enqueue")
		span.RecordError(err)

		if _, ferr := models.FailQueued(ctx, db, job.ID, "failed to enqueue"); ferr != nil {
			logger.Logger.ErrorContext(ctx, "failed to fail unenqueued job",
				"jobID", job.ID.String(),
				"error", ferr,
			)
		}

		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "submitted job")
	return nil
}

func (h *Handler) SubmitJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SubmitJob")
	defer span.End()

	span.AddEvent("received job submission request")

	auth, ok := c.Get("auth").(*models.Auth)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("auth: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	requestTime, ok := c.Get("time").(time.Time)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("time: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	span.SetAttributes(
		attribute.String("auth.note", auth.Note),
		attribute.String("auth.id", auth.ID.String()),
		attribute.Int64("request.timestamp_ms", requestTime.UnixMilli()),
	)

	type requestData struct {
		types.SubmitRequest
	}
	var rdata requestData

	span.AddEvent("parsing request body")
	err := c.Bind(&rdata)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	err = c.Validate(rdata)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	job, herr := h.admit(ctx, &rdata.SubmitRequest)
	if herr != nil {
		return herr
	}

	if herr := h.submitOne(ctx, job); herr != nil {
		return herr
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusAccepted, types.SubmitResponse{
		JobID:  job.ID.String(),
		Status: job.Status,
	})
}

func (h *Handler) SubmitBatch(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SubmitBatch")
	defer span.End()

	span.AddEvent("received batch submission request")

	type requestData struct {
		types.BatchSubmitRequest
	}
	var rdata requestData

	span.AddEvent("parsing request body")
	err := c.Bind(&rdata)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	err = c.Validate(rdata)
	if err != nil {
		span.SetStatus(codes.Ok, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusBadRequest, types.ValidationError(err))
	}

	span.SetAttributes(attribute.Int("submissions", len(rdata.Submissions)))

	// each submission is admitted on its own, one bad entry never sinks
	// the rest of the batch
	resp := types.BatchSubmitResponse{
		Results: make([]types.BatchItem, 0, len(rdata.Submissions)),
	}
	for i := range rdata.Submissions {
		job, herr := h.admit(ctx, &rdata.Submissions[i])
		if herr == nil {
			herr = h.submitOne(ctx, job)
		}

		if herr != nil {
			resp.Rejected++
			resp.Results = append(resp.Results, types.BatchItem{
				Error: batchError(herr),
			})
			continue
		}

		resp.Accepted++
		resp.Results = append(resp.Results, types.BatchItem{
			JobID: job.ID.String(),
		})
	}

	span.SetAttributes(
		attribute.Int("accepted", resp.Accepted),
		attribute.Int("rejected", resp.Rejected),
	)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, resp)
}

func batchError(herr *echo.HTTPError) *types.Error {
	if typed, ok := herr.Message.(types.Error); ok {
		return &typed
	}

	return &types.Error{Message: fmt.Sprint(herr.Message)}
}
