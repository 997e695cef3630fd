// Package db is the persistence bridge: a narrow interface over the
// relational store. The pipeline reads Submissions, UserTests, Tasks and
// Datasets, and owns SubmissionResult mutations. Every result write carries
// the tries counter the caller read; a counter mismatch means another actor
// redid the work and the stale write is dropped with ErrStaleWrite.
package db

import (
	"context"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite is returned when a result write loses the optimistic
	// tries-counter race. The caller drops the write; the work has already
	// been redone by someone else.
	ErrStaleWrite = errors.New("stale write; tries counter moved")
)

// DB is the persistence bridge.
type DB interface {
	// GetSubmission returns the submission with the given id, with its
	// source digests eagerly loaded.
	GetSubmission(ctx context.Context, id int64) (*types.Submission, error)

	// GetUserTest returns the user test with the given id.
	GetUserTest(ctx context.Context, id int64) (*types.UserTest, error)

	// GetTask returns the task with the given id.
	GetTask(ctx context.Context, id int64) (*types.Task, error)

	// GetDataset returns the dataset with the given id, with its testcases
	// and managers eagerly loaded.
	GetDataset(ctx context.Context, id int64) (*types.Dataset, error)

	// GetDatasetsToJudge returns the task's active dataset plus any
	// autojudge datasets, each eagerly loaded.
	GetDatasetsToJudge(ctx context.Context, taskID int64) ([]*types.Dataset, error)

	// GetSubmissionsForTask returns all submissions for the task, ordered
	// by timestamp. Used by score modes and by admin-driven reevaluation.
	GetSubmissionsForTask(ctx context.Context, taskID int64) ([]*types.Submission, error)

	// GetOrCreateResult returns the SubmissionResult for the pair,
	// creating an empty row if none exists. Creation is idempotent under
	// concurrency.
	GetOrCreateResult(ctx context.Context, submissionID, datasetID int64) (*types.SubmissionResult, error)

	// GetResult returns the SubmissionResult for the pair.
	GetResult(ctx context.Context, submissionID, datasetID int64) (*types.SubmissionResult, error)

	// GetResultsForDataset returns all SubmissionResults referencing the
	// dataset.
	GetResultsForDataset(ctx context.Context, datasetID int64) ([]*types.SubmissionResult, error)

	// GetUnscoredResults returns all SubmissionResults with scored=false,
	// for startup recovery after queue loss.
	GetUnscoredResults(ctx context.Context) ([]*types.SubmissionResult, error)

	// WriteCompilation persists the result's compilation outcome, text,
	// executables and the tombstoned/stuck flags, and increments the
	// compilation tries counter. Guarded by r.CompilationTries; on success
	// r is updated with the new counter value.
	WriteCompilation(ctx context.Context, r *types.SubmissionResult) error

	// WriteEvaluation upserts one Evaluation row and increments the
	// result's evaluation tries counter. The unique key on
	// (submission, dataset, codename) makes re-delivery idempotent.
	// Guarded by r.EvaluationTries; on success r carries the upserted
	// evaluation and the new counter value.
	WriteEvaluation(ctx context.Context, r *types.SubmissionResult, e *types.Evaluation) error

	// WriteFlags persists only the tombstoned/stuck flags, guarded by
	// r.EvaluationTries (which it increments). Used when an evaluation
	// attempt concludes without producing an Evaluation.
	WriteFlags(ctx context.Context, r *types.SubmissionResult) error

	// WriteScore persists the score fields and the scored/partial flags.
	// Guarded by both tries counters; neither is incremented, scoring is
	// derived work, not an attempt.
	WriteScore(ctx context.Context, r *types.SubmissionResult) error

	// ResetResult rewrites the whole result row from r, incrementing both
	// tries counters past their stored values. Used by admin invalidation,
	// which must win any race against late workers.
	ResetResult(ctx context.Context, r *types.SubmissionResult) error
}
