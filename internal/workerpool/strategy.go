package workerpool

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer(
	"github.com/gradelab/grading-engine/grading-engine/internal/workerpool",
)

//go:generate mockgen -destination ./mock/mock.go -package mock . LaunchStrategy

// LaunchStrategy provisions and tears down the sandbox behind a worker.
// Which strategy backs which worker type is a deployment decision, never a
// per job one.
type LaunchStrategy interface {
	// Launch provisions a sandbox for the worker and returns the endpoint
	// the orchestrator dispatches jobs to. Blocks until the sandbox accepts
	// traffic or ctx expires.
	Launch(ctx context.Context, worker *Worker) (string, error)
	// Teardown forcibly removes the sandbox. Must succeed on a sandbox that
	// is already gone.
	Teardown(ctx context.Context, worker *Worker) error
}
