package types

type (
	// ExecutionTrace is the append only record produced by a worker when
	// tracing is enabled. It is stored outside the job row and fetched on
	// demand.
	ExecutionTrace struct {
		JobID      string       `json:"job_id"`
		Events     []TraceEvent `json:"events"`
		GasProfile []GasSample  `json:"gas_profile,omitempty"`
		MaxDepth   int          `json:"max_depth"`
		Truncated  bool         `json:"truncated"`
	}

	TraceEvent struct {
		Seq       int64  `json:"seq"`
		Kind      string `json:"kind"` // call, return, storage_read, storage_write, log
		Target    string `json:"target,omitempty"`
		Detail    string `json:"detail,omitempty"`
		GasUsed   uint64 `json:"gas_used"`
		Depth     int    `json:"depth"`
		ElapsedMS int64  `json:"elapsed_ms"`
	}

	GasSample struct {
		TestCase int    `json:"test_case"`
		GasUsed  uint64 `json:"gas_used"`
	}

	// TraceResponse hands the client a presigned, time limited download URL
	// instead of proxying the trace body through the API.
	TraceResponse struct {
		JobID        string `json:"jobId"`
		TraceURL     string `json:"traceUrl"`
		ExpiresInSec int64  `json:"expiresInSec"`
	}
)
