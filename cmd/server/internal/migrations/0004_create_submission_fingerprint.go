package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0004, Down0004)
}

func Up0004(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
CREATE TABLE submission_fingerprint (
    id UUID PRIMARY KEY DEFAULT uuidv7_sub_ms(),
    challenge_id TEXT NOT NULL,
    language TEXT NOT NULL,
    hash TEXT NOT NULL,
    submitter_id TEXT NOT NULL,
    job_id UUID NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT current_timestamp
);`},
		statement{query: `
CREATE UNIQUE INDEX idx_fingerprint_challenge_language_hash
ON submission_fingerprint (challenge_id, language, hash);`},
	)
}

func Down0004(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		statement{query: `
DROP INDEX idx_fingerprint_challenge_language_hash;`},
		statement{query: `
DROP TABLE submission_fingerprint;`},
	)
}
