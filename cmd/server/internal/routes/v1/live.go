package v1

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	srverr "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/error"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/models"
	"github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/response"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const liveWriteTimeout = 10 * time.Second

// JobLive streams status transitions for one job over a websocket. The
// connection closes itself once the job reaches a terminal status.
func (h *Handler) JobLive(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "JobLive")
	defer span.End()

	job, ok := c.Get("job").(*models.GradingJob)
	if !ok {
		span.RecordError(srverr.ErrTypeAssertMismatch)
		span.SetStatus(codes.Error, fmt.Sprintf("job: %s", srverr.ErrTypeAssertMismatch))
		return response.InternalServerError
	}

	span.SetAttributes(attribute.String("job.id", job.ID.String()))

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written its own error response
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to upgrade connection")
		return nil
	}
	defer conn.Close()

	span.AddEvent("subscribing to status events")
	events, cancel := h.hub.Subscribe(job.ID.String())
	defer cancel()

	// subscribe first, then reload the row. The job may have gone terminal
	// after the param middleware fetched it, and an event published in that
	// window would otherwise be lost.
	fresh, err := models.ByID[models.GradingJob](ctx, h.DB, job.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to reload job")
		return nil
	}
	job = fresh

	if job.Status.Terminal() {
		result := job.Result()
		writeEvent(conn, types.StatusEvent{
			JobID:  job.ID.String(),
			Status: job.Status,
			Result: &result,
		})
		closeNormal(conn)

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job already terminal")
		return nil
	}

	// current status as the first frame so the client never starts blind
	if err := writeEvent(conn, types.StatusEvent{
		JobID:  job.ID.String(),
		Status: job.Status,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "client went away")
		return nil
	}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "request context cancelled")
			return nil
		case <-clientGone:
			span.AddEvent("client_disconnected")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "client disconnected")
			return nil
		case event, open := <-events:
			if !open {
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "subscription closed")
				return nil
			}

			if err := writeEvent(conn, event); err != nil {
				logger.Logger.DebugContext(ctx, "failed to write status event",
					"jobID", job.ID.String(),
					"error", err,
				)
				span.RecordError(err)
				span.SetStatus(codes.Ok, "client went away")
				return nil
			}

			if event.Status.Terminal() {
				closeNormal(conn)
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "job reached terminal status")
				return nil
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event types.StatusEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}

	return conn.WriteJSON(event)
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(liveWriteTimeout),
	)
}
