package types

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"     // Persisted and waiting on the durable queue
	JobStatusProcessing JobStatus = "processing" // Assigned to a worker and executing
	JobStatusCompleted  JobStatus = "completed"  // Graded within limits
	JobStatusFailed     JobStatus = "failed"     // Limit violation, worker failure or exhausted deliveries
)

// Terminal statuses are immutable; transitions are guarded in the job store.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type (
	TestCase struct {
		Input    string `json:"input"`
		Expected string `json:"expected"`
		Weight   int    `json:"weight,omitempty"`
	}

	// Resource metadata attached to a submission. Zero values are replaced
	// with configured defaults at intake.
	ResourceMetadata struct {
		GasLimit        uint64 `json:"gasLimit"`
		TimeLimitSecs   int64  `json:"timeLimitSecs"`
		TracingEnabled  bool   `json:"tracingEnabled"`
		PlagiarismCheck bool   `json:"plagiarismCheck"`
	}

	SubmitRequest struct {
		ChallengeID string            `json:"challengeId" validate:"required"`
		SubmitterID string            `json:"submitterId" validate:"required"`
		Code        string            `json:"code"        validate:"required"`
		Language    string            `json:"language"    validate:"required"`
		Tool        *string           `json:"tool,omitempty"`
		TestCases   []TestCase        `json:"testCases"   validate:"required,min=1"`
		Metadata    *ResourceMetadata `json:"metadata,omitempty"`
	}

	SubmitResponse struct {
		JobID  string    `json:"jobId"  validate:"required"`
		Status JobStatus `json:"status" validate:"required"`
	}

	BatchSubmitRequest struct {
		Submissions []SubmitRequest `json:"submissions" validate:"required,min=1"`
	}

	BatchSubmitResponse struct {
		Accepted int             `json:"accepted"`
		Rejected int             `json:"rejected"`
		Results  []BatchItem     `json:"results"`
	}

	BatchItem struct {
		JobID string `json:"jobId,omitempty"`
		Error *Error `json:"error,omitempty"`
	}

	// Full result exposed once a job is terminal.
	GradingResult struct {
		JobID       string    `json:"jobId"`
		Status      JobStatus `json:"status"`
		Score       int       `json:"score"`
		PassedTests int       `json:"passedTests"`
		TotalTests  int       `json:"totalTests"`
		GasUsed     uint64    `json:"gasUsed"`
		TimeUsedMS  int64     `json:"timeUsedMs"`
		Output      string    `json:"output,omitempty"`
		Error       string    `json:"error,omitempty"`
		Language    string    `json:"language"`
	}

	// Returned while a job is non terminal.
	PendingResult struct {
		JobID                   string    `json:"jobId"`
		Status                  JobStatus `json:"status"`
		SubmittedAt             UnixMilli `json:"submittedAt"`
		QueuePosition           int64     `json:"queuePosition"`
		EstimatedCompletionSecs int64     `json:"estimatedCompletionSecs"`
	}

	QueueStatus struct {
		Queued     int64 `json:"queued"`
		Processing int64 `json:"processing"`
		Completed  int64 `json:"completed"`
		Failed     int64 `json:"failed"`
	}

	HealthResponse struct {
		QueueConnected  bool `json:"queueConnected"`
		WorkerPoolSize  int  `json:"workerPoolSize"`
		TracingEnabled  bool `json:"tracingEnabled"`
		PlagiarismCheck bool `json:"plagiarismCheckEnabled"`
	}
)

// Message placed on the durable queue at submission time. The payload lives
// in the job store; the queue only carries the reference.
type JobMessage struct {
	JobID string `json:"job_id" validate:"required"`
}

// StatusEvent announces a job status transition to live subscribers. Result
// is only set for terminal transitions.
type StatusEvent struct {
	JobID  string         `json:"job_id"`
	Status JobStatus      `json:"status"`
	Result *GradingResult `json:"result,omitempty"`
}
