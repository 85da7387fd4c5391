package workerpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradelab/grading-engine/grading-engine/internal/identifier"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

// ErrSaturated reports that no worker is free and the global ceiling stops
// a new one from being created. Transient by definition: callers requeue
// and retry, they never fail the job for it.
var ErrSaturated = errors.New("worker pool saturated")

// Pool hands out one worker per job, each bound to a single worker type for
// its whole lifetime. All bookkeeping happens under one lock; sandbox
// launches and teardowns run outside it so a slow runtime never blocks the
// pool.
type Pool struct {
	strategy       LaunchStrategy
	maxWorkers     int
	startupTimeout time.Duration
	healthTimeout  time.Duration
	healthClient   *retryablehttp.Client

	mu      sync.Mutex
	workers map[uuid.UUID]*Worker
}

func New(
	strategy LaunchStrategy,
	maxWorkers int,
	startupTimeout time.Duration,
	healthTimeout time.Duration,
) *Pool {
	healthClient := retryablehttp.NewClient()
	healthClient.RetryMax = 2
	healthClient.Logger = nil

	return &Pool{
		strategy:       strategy,
		maxWorkers:     maxWorkers,
		startupTimeout: startupTimeout,
		healthTimeout:  healthTimeout,
		healthClient:   healthClient,
		workers:        make(map[uuid.UUID]*Worker),
	}
}

// Acquire returns a worker of workerType marked BUSY for the caller's
// exclusive use. Creates one when none is READY and the ceiling allows it;
// returns ErrSaturated otherwise. There is no blocking wait.
func (p *Pool) Acquire(ctx context.Context, workerType identifier.WorkerType) (Worker, error) {
	ctx, span := tracer.Start(ctx, "Pool.Acquire", trace.WithAttributes(
		attribute.String("worker.type", workerType.String()),
	))
	defer span.End()

	p.mu.Lock()
	for _, w := range p.workers {
		if w.Type == workerType && w.Status == types.WorkerStatusReady {
			w.Status = types.WorkerStatusBusy
			w.LastUsedAt = time.Now()
			out := *w
			p.mu.Unlock()

			span.AddEvent("reused_worker", trace.WithAttributes(
				attribute.String("worker.id", out.ID.String()),
			))
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "acquired ready worker")
			return out, nil
		}
	}

	if len(p.workers) >= p.maxWorkers {
		p.mu.Unlock()

		span.RecordError(ErrSaturated)
		span.SetStatus(codes.Error, "pool at ceiling")
		return Worker{}, ErrSaturated
	}

	// reserve the slot before launching so concurrent acquires cannot
	// overshoot the ceiling
	now := time.Now()
	w := &Worker{
		ID:         uuid.New(),
		Type:       workerType,
		Status:     types.WorkerStatusStarting,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	p.workers[w.ID] = w
	p.mu.Unlock()

	span.AddEvent("launching_worker", trace.WithAttributes(
		attribute.String("worker.id", w.ID.String()),
	))

	launchCtx, cancel := context.WithTimeout(ctx, p.startupTimeout)
	defer cancel()

	endpoint, err := p.strategy.Launch(launchCtx, w)
	if err != nil {
		// failed entries never linger, the slot frees up immediately
		p.mu.Lock()
		w.Status = types.WorkerStatusError
		delete(p.workers, w.ID)
		p.mu.Unlock()

		if terr := p.strategy.Teardown(context.WithoutCancel(ctx), w); terr != nil {
			logger.Logger.ErrorContext(ctx, "failed to tear down half launched worker",
				"worker_id", w.ID,
				"error", terr,
			)
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to launch worker")
		return Worker{}, fmt.Errorf("failed to launch worker: %w", err)
	}

	p.mu.Lock()
	w.Endpoint = endpoint
	w.Status = types.WorkerStatusBusy
	w.LastUsedAt = time.Now()
	out := *w
	p.mu.Unlock()

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "acquired fresh worker")
	return out, nil
}

// Release returns a BUSY worker to READY. Idempotent: releasing an already
// released or destroyed worker is a no op.
func (p *Pool) Release(ctx context.Context, id uuid.UUID) {
	_, span := tracer.Start(ctx, "Pool.Release", trace.WithAttributes(
		attribute.String("worker.id", id.String()),
	))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok || w.Status != types.WorkerStatusBusy {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "nothing to release")
		return
	}

	w.Status = types.WorkerStatusReady
	w.LastUsedAt = time.Now()

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "released worker")
}

// Destroy tears down the sandbox and removes the worker from the pool
// regardless of its status.
func (p *Pool) Destroy(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Pool.Destroy", trace.WithAttributes(
		attribute.String("worker.id", id.String()),
	))
	defer span.End()

	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()

		span.RecordError(nil)
		span.SetStatus(codes.Ok, "worker already gone")
		return nil
	}
	w.Status = types.WorkerStatusStopping
	p.mu.Unlock()

	err := p.strategy.Teardown(ctx, w)

	p.mu.Lock()
	w.Status = types.WorkerStatusStopped
	delete(p.workers, id)
	p.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to tear down sandbox")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "destroyed worker")
	return nil
}

// DestroyAll tears down every worker, used at shutdown so sandboxes are not
// leaked. Teardown failures are logged and skipped.
func (p *Pool) DestroyAll(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Pool.DestroyAll")
	defer span.End()

	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Destroy(ctx, id); err != nil {
			logger.Logger.WarnContext(ctx, "failed to destroy worker during shutdown",
				"workerID", id.String(),
				"error", err,
			)
		}
	}

	span.SetAttributes(attribute.Int("destroyed", len(ids)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "destroyed all workers")
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.workers)
}

// Snapshot lists the pool's composition for the privileged workers endpoint.
func (p *Pool) Snapshot() []types.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}

	return out
}

// MonitorHealth probes every live worker on a fixed interval until ctx is
// cancelled. A failed probe moves the worker to ERROR and destroys it so a
// silently dead sandbox never stays in rotation.
func (p *Pool) MonitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunHealthChecks(ctx)
		}
	}
}

// RunHealthChecks does one probe pass over all READY and BUSY workers.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Pool.RunHealthChecks")
	defer span.End()

	p.mu.Lock()
	candidates := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.Status == types.WorkerStatusReady || w.Status == types.WorkerStatusBusy {
			candidates = append(candidates, *w)
		}
	}
	p.mu.Unlock()

	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	for _, w := range candidates {
		if err := p.probe(ctx, w.Endpoint); err != nil {
			span.AddEvent("failed_probe", trace.WithAttributes(
				attribute.String("worker.id", w.ID.String()),
				attribute.String("error", err.Error()),
			))
			logger.Logger.WarnContext(ctx, "worker failed health check",
				"worker_id", w.ID,
				"worker_type", w.Type,
				"error", err,
			)

			p.mu.Lock()
			if live, ok := p.workers[w.ID]; ok {
				live.Status = types.WorkerStatusError
			}
			p.mu.Unlock()

			if err := p.Destroy(ctx, w.ID); err != nil {
				logger.Logger.ErrorContext(ctx, "failed to destroy unhealthy worker",
					"worker_id", w.ID,
					"error", err,
				)
			}
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "finished health pass")
}

func (p *Pool) probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health/", nil)
	if err != nil {
		return err
	}

	resp, err := p.healthClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
	}

	return nil
}
