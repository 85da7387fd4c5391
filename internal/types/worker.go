package types

type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusReady    WorkerStatus = "ready"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusStopping WorkerStatus = "stopping"
	WorkerStatusStopped  WorkerStatus = "stopped"
	WorkerStatusError    WorkerStatus = "error"
)

type (
	// Payload dispatched to a worker's /execute endpoint. Limits here are the
	// effective ones after intake defaults, and are re-checked by the
	// orchestrator regardless of what the worker reports back.
	WorkerJobRequest struct {
		JobID          string     `json:"job_id"          validate:"required"`
		Code           string     `json:"code"            validate:"required"`
		Language       string     `json:"language"        validate:"required"`
		TestCases      []TestCase `json:"test_cases"      validate:"required"`
		GasLimit       uint64     `json:"gas_limit"       validate:"required"`
		TimeLimitSecs  int64      `json:"time_limit_secs" validate:"required"`
		TracingEnabled bool       `json:"tracing_enabled"`
		// Requested tool override, one of the worker type's capabilities.
		// Empty means the worker picks its default toolchain.
		Tool string `json:"tool,omitempty"`
		// Prebuilt artifact the worker may reuse instead of compiling,
		// base64. Empty on cache miss.
		CachedArtifactB64 string `json:"cached_artifact_b64,omitempty"`
	}

	WorkerJobResult struct {
		JobID       string          `json:"job_id"`
		Score       int             `json:"score"`
		PassedTests int             `json:"passed_tests"`
		TotalTests  int             `json:"total_tests"`
		GasUsed     uint64          `json:"gas_used"`
		TimeUsedMS  int64           `json:"time_used_ms"`
		Stdout      string          `json:"stdout,omitempty"`
		Stderr      string          `json:"stderr,omitempty"`
		// Compiled artifact produced on a cache miss, base64. Empty when the
		// worker reused the cached artifact or the language is interpreted.
		ArtifactB64 string          `json:"artifact_b64,omitempty"`
		Trace       *ExecutionTrace `json:"trace,omitempty"`
	}

	// Pool composition entry for the privileged workers endpoint.
	WorkerInfo struct {
		ID           string       `json:"id"`
		Type         string       `json:"type"`
		Status       WorkerStatus `json:"status"`
		Endpoint     string       `json:"endpoint"`
		Capabilities []string     `json:"capabilities"`
		CreatedAt    UnixMilli    `json:"createdAt"`
		LastUsedAt   UnixMilli    `json:"lastUsedAt"`
	}
)
