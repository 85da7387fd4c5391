package notify

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

const name = "github.com/gradelab/grading-engine/grading-engine/cmd/server/internal/notify"

var tracer = otel.Tracer(name)

// Subscriber channels are buffered this deep. A subscriber that falls
// further behind loses events rather than blocking the broadcaster.
const subscriberBuffer = 8

// Hub fans status events out to in process subscribers, keyed by job id.
type Hub struct {
	mutex       sync.Mutex
	subscribers map[string]map[chan types.StatusEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: map[string]map[chan types.StatusEvent]struct{}{},
	}
}

// Subscribe registers interest in a single job. The returned cancel must be
// called when the subscriber goes away or the channel leaks.
func (h *Hub) Subscribe(jobID string) (<-chan types.StatusEvent, func()) {
	ch := make(chan types.StatusEvent, subscriberBuffer)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	subs, ok := h.subscribers[jobID]
	if !ok {
		subs = map[chan types.StatusEvent]struct{}{}
		h.subscribers[jobID] = subs
	}
	subs[ch] = struct{}{}

	cancel := func() {
		h.mutex.Lock()
		defer h.mutex.Unlock()

		subs, ok := h.subscribers[jobID]
		if !ok {
			return
		}
		// a second cancel must not close the channel again
		if _, ok := subs[ch]; !ok {
			return
		}

		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.subscribers, jobID)
		}

		close(ch)
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber of its job. Delivery is
// non blocking; slow subscribers drop events.
func (h *Hub) Publish(ctx context.Context, event types.StatusEvent) {
	ctx, span := tracer.Start(ctx, "Hub.Publish", trace.WithAttributes(
		attribute.String("job.id", event.JobID),
		attribute.String("status", string(event.Status)),
	))
	defer span.End()

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for ch := range h.subscribers[event.JobID] {
		select {
		case ch <- event:
		default:
			logger.Logger.WarnContext(ctx, "dropping status event for slow subscriber",
				"jobID", event.JobID,
			)
			span.AddEvent("dropped_event")
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "published event")
}
