package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/gradelab/grading-engine/grading-engine/internal/artifact"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/queue"
	"github.com/gradelab/grading-engine/grading-engine/internal/upload"
)

// Monitors the grading queue and handles messages until `ctx` is cancelled.
// At most `concurrency` messages are in flight at once.
func MonitorQueue(
	ctx context.Context,
	qr queue.Queuer,
	handler queue.MessageHandler,
	visibilityTimeout time.Duration,
	concurrency int64,
) {
	ctx, span := tracer.Start(ctx, "MonitorQueue", trace.WithAttributes(
		attribute.Int64("concurrency", concurrency),
	))
	defer span.End()

	sem := semaphore.NewWeighted(concurrency)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		go func() {
			defer sem.Release(1)

			//nolint:govet // shadow: intentionally shadow ctx and span to avoid using the incorrect one.
			ctx, span := tracer.Start(ctx, "MonitorQueue.Loop")
			defer span.End()

			if err := qr.Dequeue(ctx, visibilityTimeout, handler); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to dequeue and handle message")
			}
		}()

		select {
		case <-ctx.Done():
			return
		default:
			continue
		}
	}
}

// Sweeper prunes aged execution traces from the object store and keeps the
// local artifact cache inside its size and age budget.
type Sweeper struct {
	traces    *upload.MinioUploader
	cache     *artifact.Cache
	retention time.Duration
}

func NewSweeper(
	traces *upload.MinioUploader,
	cache *artifact.Cache,
	retention time.Duration,
) *Sweeper {
	return &Sweeper{
		traces:    traces,
		cache:     cache,
		retention: retention,
	}
}

// Run sweeps on `interval` until `ctx` is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Sweeper.Sweep")
	defer span.End()

	if s.traces != nil && s.retention > 0 {
		removed, err := s.traces.RemoveOlderThan(ctx, time.Now().Add(-s.retention))
		if err != nil {
			span.RecordError(err)
			logger.Logger.WarnContext(ctx, "trace retention sweep was incomplete",
				"removed", removed,
				"error", err,
			)
		}
		span.SetAttributes(attribute.Int("traces.removed", removed))
	}

	evicted, err := s.cache.Cleanup(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to clean up artifact cache")
		logger.Logger.WarnContext(ctx, "artifact cache cleanup was incomplete",
			"evicted", evicted,
			"error", err,
		)
		return
	}
	span.SetAttributes(attribute.Int("cache.evicted", evicted))

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "swept retention")
}
