package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	srverr "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/error"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/response"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

const presignedTraceTTL = 15 * time.Minute

func (h *Handler) JobStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "JobStatus")
	defer span.End()

	job, ok := c.Get("job").(*models.GradingJob)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("job: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.status", string(job.Status)),
	)

	if job.Status.Terminal() {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "")
		return c.JSON(http.StatusOK, job.Result())
	}

	span.AddEvent("computing queue position")
	position, err := models.QueuePosition(ctx, h.DB, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to compute queue position")
		return response.InternalServerError
	}

	// crude estimate, every job ahead is assumed to run to its default limit
	estimate := position * h.config.Limits.DefaultTimeLimitSecs

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, types.PendingResult{
		JobID:                   job.ID.String(),
		Status:                  job.Status,
		SubmittedAt:             types.UnixMilli(job.CreatedAt),
		QueuePosition:           position,
		EstimatedCompletionSecs: estimate,
	})
}

func (h *Handler) JobTrace(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "JobTrace")
	defer span.End()

	job, ok := c.Get("job").(*models.GradingJob)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("job: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	span.SetAttributes(attribute.String("job.id", job.ID.String()))

	if !job.TraceObject.Valid || job.TraceObject.V == "" {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job has no trace")
		return response.NotFoundError
	}

	// the retention sweep deletes aged blobs while the row keeps the name
	exists, err := h.traceStore.Exists(ctx, job.TraceObject.V)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to probe trace object")
		return response.InternalServerError
	}
	if !exists {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "trace object expired")
		return response.NotFoundError
	}

	span.AddEvent("presigning trace object")
	url, err := h.traceStore.PresignedReadURL(ctx, job.TraceObject.V, presignedTraceTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to presign trace object")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, types.TraceResponse{
		JobID:        job.ID.String(),
		TraceURL:     url,
		ExpiresInSec: int64(presignedTraceTTL.Seconds()),
	})
}
