package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0003, Down0003)
}

func Up0003(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
CREATE TABLE grading_job (
    id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
    status TEXT NOT NULL DEFAULT 'queued',
    challenge_id TEXT NOT NULL,
    submitter_id TEXT NOT NULL,
    code TEXT NOT NULL,
    language TEXT NOT NULL,
    worker_type TEXT NOT NULL,
    cache_key TEXT NOT NULL,
    tool TEXT,
    test_cases JSONB NOT NULL DEFAULT '[]'::jsonb,
    gas_limit BIGINT NOT NULL,
    time_limit_secs BIGINT NOT NULL,
    tracing_enabled BOOLEAN NOT NULL,
    plagiarism_check BOOLEAN NOT NULL,
    assigned_worker_id TEXT,
    started_at TIMESTAMP WITH TIME ZONE,
    score INTEGER NOT NULL DEFAULT 0,
    passed_tests INTEGER NOT NULL DEFAULT 0,
    total_tests INTEGER NOT NULL DEFAULT 0,
    gas_used BIGINT NOT NULL DEFAULT 0,
    time_used_ms BIGINT NOT NULL DEFAULT 0,
    output TEXT,
    error TEXT,
    trace_object TEXT,
    completed_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);`},
		statement{query: `
CREATE INDEX grading_job_status_index ON grading_job (status);`},
		statement{query: `
CREATE INDEX grading_job_status_created_at_index ON grading_job (status, created_at);`},
	)
}

func Down0003(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
DROP INDEX grading_job_status_created_at_index;`},
		statement{query: `
DROP INDEX grading_job_status_index;`},
		statement{query: `
DROP TABLE grading_job;`},
	)
}
