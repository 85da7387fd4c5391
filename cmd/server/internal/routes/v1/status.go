package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/response"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

// Health is unauthenticated and mounted outside the v1 group. It reports
// reachability, never readiness to grade.
func (h *Handler) Health(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Health")
	defer span.End()

	queueConnected := true
	if err := h.queuer.Probe(ctx); err != nil {
		logger.Logger.WarnContext(ctx, "queue probe failed", "error", err)
		span.AddEvent("queue_probe_failed")
		queueConnected = false
	}

	resp := types.HealthResponse{
		QueueConnected: queueConnected,
		WorkerPoolSize: h.pool.Size(),
	}
	if h.config.Features != nil {
		resp.TracingEnabled = h.config.Features.Tracing
		resp.PlagiarismCheck = h.config.Features.PlagiarismCheck
	}

	span.SetAttributes(
		attribute.Bool("queue.connected", resp.QueueConnected),
		attribute.Int("pool.size", resp.WorkerPoolSize),
	)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) QueueStatus(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "QueueStatus")
	defer span.End()

	counts, err := models.CountByStatus(ctx, h.DB)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count jobs by status")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) Workers(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "Workers")
	defer span.End()

	workers := h.pool.Snapshot()

	span.SetAttributes(attribute.Int("pool.size", len(workers)))

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "")
	return c.JSON(http.StatusOK, workers)
}
