package models

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type (
	// Fingerprint records the digest of an admitted submission per challenge
	// and language. The unique index is what detects duplicates; inserting
	// is the check.
	Fingerprint struct {
		ChallengeID string `gorm:"uniqueIndex:idx_fingerprint_challenge_language_hash"`
		Language    string `gorm:"uniqueIndex:idx_fingerprint_challenge_language_hash"`
		Hash        string `gorm:"uniqueIndex:idx_fingerprint_challenge_language_hash"`
		SubmitterID string
		JobID       uuid.UUID
		Model
	}
)

func (Fingerprint) TableName() string {
	return "submission_fingerprint"
}

func (f Fingerprint) GetID() uuid.UUID {
	return f.ID
}

// RecordFingerprint inserts the fingerprint and reports whether it was new.
// A false return means an identical submission for this challenge and
// language was seen before.
func RecordFingerprint(ctx context.Context, db *gorm.DB, f *Fingerprint) (bool, error) {
	ctx, span := tracer.Start(ctx, "RecordFingerprint")
	defer span.End()

	span.SetAttributes(
		attribute.String("challenge.id", f.ChallengeID),
		attribute.String("language", f.Language),
		attribute.String("hash", f.Hash),
	)

	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(f)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, "failed to insert fingerprint")
		return false, fmt.Errorf("failed to insert fingerprint: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		span.AddEvent("duplicate_submission")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "fingerprint already recorded")
		return false, nil
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "recorded fingerprint")
	return true, nil
}

// FingerprintSeen is the cheap read only pre check used when plagiarism
// checking is enabled at intake.
func FingerprintSeen(
	ctx context.Context,
	db *gorm.DB,
	challengeID, language, hash string,
) (bool, error) {
	return Exists[Fingerprint](
		ctx,
		db,
		"challenge_id = ? AND language = ? AND hash = ?",
		challengeID,
		language,
		hash,
	)
}
