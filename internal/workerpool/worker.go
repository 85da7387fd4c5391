package workerpool

import (
	"time"

	"github.com/google/uuid"

	"github.com/gradelab/grading-engine/grading-engine/internal/identifier"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

// Worker is the pool's bookkeeping entry for one sandbox. The type is fixed
// for the worker's whole lifetime; only status, endpoint and timestamps
// change, always under the pool lock.
type Worker struct {
	ID         uuid.UUID
	Type       identifier.WorkerType
	Status     types.WorkerStatus
	Endpoint   string
	PodName    string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

func (w *Worker) snapshot() types.WorkerInfo {
	return types.WorkerInfo{
		ID:           w.ID.String(),
		Type:         w.Type.String(),
		Status:       w.Status,
		Endpoint:     w.Endpoint,
		Capabilities: w.Type.Capabilities(),
		CreatedAt:    types.UnixMilli(w.CreatedAt),
		LastUsedAt:   types.UnixMilli(w.LastUsedAt),
	}
}
