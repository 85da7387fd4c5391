package queue

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer(
	"github.com/gradelab/grading-engine/grading-engine/internal/queue",
)

//go:generate mockgen -destination ./mock/mock.go -package mock . Queuer,MessageHandler

// Generic tasking interface for enqueuing or dequeuing work
type Queuer interface {
	// May block while queuing data
	Enqueue(ctx context.Context, message any) error
	// May block while waiting for data to dequeue
	//
	// If handler returns poison error message should not be requeued, other
	// errors are non fatal for a message: the delivery is left to its
	// visibility timeout and redelivered with an incremented count.
	Dequeue(ctx context.Context, timeout time.Duration, handler MessageHandler) error
	// Cheap connectivity check for health reporting
	Probe(ctx context.Context) error
}

type MessageHandler interface {
	// deliveryCount is 1 on first delivery of a message
	Handle(ctx context.Context, message []byte, deliveryCount int64) error
}

// Mark a message as unprocessable. It will not be requeued.
type PoisonError struct {
	Err error
}

func (p PoisonError) Error() string {
	return fmt.Sprintf("Poisoned message: %v", p.Err)
}

func (p PoisonError) Unwrap() error {
	return p.Err
}

func WrapPoisonError(err error) error {
	return &PoisonError{Err: err}
}
