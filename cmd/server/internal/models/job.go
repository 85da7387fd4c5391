package models

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

type (
	// GradingJob is the authoritative record for one submission. The queue
	// message only carries the id; everything a worker needs lives here.
	GradingJob struct {
		Status      types.JobStatus `gorm:"type:text;default:'queued'"`
		ChallengeID string
		SubmitterID string
		Code        string `gorm:"type:text"`
		Language    string
		WorkerType  string
		CacheKey    string
		Model

		// requested toolchain override, validated against the worker type's
		// capabilities at intake
		Tool datatypes.Null[string]

		TestCases []types.TestCase `gorm:"type:jsonb;serializer:json"`

		GasLimit        uint64
		TimeLimitSecs   int64
		TracingEnabled  bool
		PlagiarismCheck bool

		// set iff the job reached processing
		AssignedWorkerID datatypes.Null[string]
		StartedAt        datatypes.Null[time.Time]

		Score       int
		PassedTests int
		TotalTests  int
		GasUsed     uint64
		TimeUsedMS  int64
		Output      datatypes.Null[string]
		// human readable failure reason, set on every failed job
		Error datatypes.Null[string]

		// object name of the persisted execution trace, when tracing ran
		TraceObject datatypes.Null[string]

		CompletedAt datatypes.Null[time.Time]
	}
)

func (GradingJob) TableName() string {
	return "grading_job"
}

func (j GradingJob) GetID() uuid.UUID {
	return j.ID
}

func (j GradingJob) Result() types.GradingResult {
	res := types.GradingResult{
		JobID:       j.ID.String(),
		Status:      j.Status,
		Score:       j.Score,
		PassedTests: j.PassedTests,
		TotalTests:  j.TotalTests,
		GasUsed:     j.GasUsed,
		TimeUsedMS:  j.TimeUsedMS,
		Language:    j.Language,
	}

	if j.Output.Valid {
		res.Output = j.Output.V
	}
	if j.Error.Valid {
		res.Error = j.Error.V
	}

	return res
}

// MarkProcessing moves a queued job to processing and records the worker.
// Guarded on the current status: a false return means some other delivery
// already moved the job on and this one must not touch it.
func MarkProcessing(
	ctx context.Context,
	db *gorm.DB,
	id uuid.UUID,
	workerID string,
) (bool, error) {
	ctx, span := tracer.Start(ctx, "MarkProcessing")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", id.String()),
		attribute.String("worker.id", workerID),
	)

	result := db.WithContext(ctx).
		Model(&GradingJob{}).
		Where("id = ?", id).
		Where("status = ?", types.JobStatusQueued).
		Updates(&GradingJob{
			Status:           types.JobStatusProcessing,
			AssignedWorkerID: NewNullFromData(workerID),
			StartedAt:        NewNullFromData(time.Now()),
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to mark job processing")
		return false, fmt.Errorf("failed to mark job processing: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		span.AddEvent("job_not_queued")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job already moved on")
		return false, nil
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "marked job processing")
	return true, nil
}

// MarkTerminal finalizes a processing job. Terminal statuses are immutable:
// the guard refuses to touch a row that is already completed or failed, so
// a redelivered message can never rewrite a finished job.
func MarkTerminal(
	ctx context.Context,
	db *gorm.DB,
	id uuid.UUID,
	final *GradingJob,
) (bool, error) {
	ctx, span := tracer.Start(ctx, "MarkTerminal")
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", id.String()),
		attribute.String("status", string(final.Status)),
	)

	if !final.Status.Terminal() {
		err := fmt.Errorf("status %q is not terminal", final.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refusing non terminal finalize")
		return false, err
	}

	final.CompletedAt = NewNullFromData(time.Now())

	result := db.WithContext(ctx).
		Model(&GradingJob{}).
		Where("id = ?", id).
		Where("status = ?", types.JobStatusProcessing).
		Updates(final)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to finalize job")
		return false, fmt.Errorf("failed to finalize job: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		span.AddEvent("job_not_processing")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "job already terminal or not started")
		return false, nil
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "finalized job")
	return true, nil
}

// FailQueued force fails a job that never made it into processing, used
// when a message exhausts its delivery budget. Same terminal guard.
func FailQueued(
	ctx context.Context,
	db *gorm.DB,
	id uuid.UUID,
	reason string,
) (bool, error) {
	ctx, span := tracer.Start(ctx, "FailQueued")
	defer span.End()

	span.SetAttributes(attribute.String("job.id", id.String()))

	result := db.WithContext(ctx).
		Model(&GradingJob{}).
		Where("id = ?", id).
		Where("status IN ?", []types.JobStatus{types.JobStatusQueued, types.JobStatusProcessing}).
		Updates(&GradingJob{
			Status:      types.JobStatusFailed,
			Error:       NewNullFromData(reason),
			CompletedAt: NewNullFromData(time.Now()),
		})
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to fail job")
		return false, fmt.Errorf("failed to fail job: %w", result.Error)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "failed job")
	return result.RowsAffected > 0, nil
}

// QueuePosition counts queued jobs submitted before this one. 1 based for
// the oldest waiting job.
func QueuePosition(ctx context.Context, db *gorm.DB, job *GradingJob) (int64, error) {
	ctx, span := tracer.Start(ctx, "QueuePosition")
	defer span.End()

	var position int64
	err := db.WithContext(ctx).
		Model(&GradingJob{}).
		Where("status = ?", types.JobStatusQueued).
		Where("created_at <= ?", job.CreatedAt).
		Count(&position).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count queued jobs")
		return 0, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "counted queue position")
	return position, nil
}

// CountByStatus aggregates job counts for the queue status endpoint.
func CountByStatus(ctx context.Context, db *gorm.DB) (types.QueueStatus, error) {
	ctx, span := tracer.Start(ctx, "CountByStatus")
	defer span.End()

	var rows []struct {
		Status types.JobStatus
		Count  int64
	}
	err := db.WithContext(ctx).
		Model(&GradingJob{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count jobs by status")
		return types.QueueStatus{}, err
	}

	var out types.QueueStatus
	for _, row := range rows {
		switch row.Status {
		case types.JobStatusQueued:
			out.Queued = row.Count
		case types.JobStatusProcessing:
			out.Processing = row.Count
		case types.JobStatusCompleted:
			out.Completed = row.Count
		case types.JobStatusFailed:
			out.Failed = row.Count
		}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "counted jobs by status")
	return out, nil
}
