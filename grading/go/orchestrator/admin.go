package orchestrator

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/db"
	"github.com/contestms/grading/grading/go/queue"
	"github.com/contestms/grading/grading/go/scoretype"
)

// InvalidateLevel selects how much of a result an invalidation drops.
type InvalidateLevel string

const (
	// LEVEL_COMPILE drops everything, back to an empty result.
	LEVEL_COMPILE InvalidateLevel = "compile"

	// LEVEL_EVALUATE keeps the compilation but drops evaluations and the
	// score.
	LEVEL_EVALUATE InvalidateLevel = "evaluate"

	// LEVEL_SCORE keeps compilation and evaluations and drops only the
	// score.
	LEVEL_SCORE InvalidateLevel = "score"
)

// Valid returns true iff the level is one of the known constants.
func (l InvalidateLevel) Valid() bool {
	return l == LEVEL_COMPILE || l == LEVEL_EVALUATE || l == LEVEL_SCORE
}

// CAUSE_ADMIN_CANCELED is the cancellation cause recorded on jobs canceled
// through the admin surface.
const CAUSE_ADMIN_CANCELED = "canceled by admin"

// ReevaluateSubmission drops every result of the submission and runs it
// through the pipeline again. The tries counters move past their stored
// values, so writes from still-running jobs of the old round lose the
// counter race and are dropped.
func (o *Orchestrator) ReevaluateSubmission(ctx context.Context, submissionID int64) error {
	return o.InvalidateSubmission(ctx, submissionID, LEVEL_COMPILE)
}

// ReevaluateDataset reevaluates every submission holding a result against the
// dataset.
func (o *Orchestrator) ReevaluateDataset(ctx context.Context, datasetID int64) error {
	return o.InvalidateDataset(ctx, datasetID, LEVEL_COMPILE)
}

// ReevaluateTask reevaluates every submission of the task.
func (o *Orchestrator) ReevaluateTask(ctx context.Context, taskID int64) error {
	subs, err := o.db.GetSubmissionsForTask(ctx, taskID)
	if err != nil {
		return errors.Wrapf(err, "loading submissions of task %d", taskID)
	}
	var rv error
	for _, sub := range subs {
		if err := o.ReevaluateSubmission(ctx, sub.ID); err != nil {
			rv = multierror.Append(rv, err)
		}
	}
	return rv
}

// InvalidateSubmission drops the submission's results at and above the given
// level and re-enqueues the missing stages.
func (o *Orchestrator) InvalidateSubmission(ctx context.Context, submissionID int64, level InvalidateLevel) error {
	if !level.Valid() {
		return errors.Errorf("invalid invalidation level %q", level)
	}
	sub, err := o.db.GetSubmission(ctx, submissionID)
	if err != nil {
		return errors.Wrapf(err, "loading submission %d", submissionID)
	}
	datasets, err := o.db.GetDatasetsToJudge(ctx, sub.TaskID)
	if err != nil {
		return errors.Wrapf(err, "resolving datasets of task %d", sub.TaskID)
	}
	var rv error
	for _, ds := range datasets {
		r, err := o.db.GetResult(ctx, submissionID, ds.ID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		} else if err != nil {
			rv = multierror.Append(rv, err)
			continue
		}
		if err := o.invalidateResult(ctx, ds, r, level); err != nil {
			rv = multierror.Append(rv, err)
		}
	}
	if rv != nil {
		return rv
	}
	if level == LEVEL_SCORE {
		// Scoring reuses stored evaluations; no worker traffic needed.
		return nil
	}
	return o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: submissionID})
}

// InvalidateDataset drops every result of the dataset at and above the given
// level and re-enqueues the affected submissions.
func (o *Orchestrator) InvalidateDataset(ctx context.Context, datasetID int64, level InvalidateLevel) error {
	if !level.Valid() {
		return errors.Errorf("invalid invalidation level %q", level)
	}
	ds, err := o.db.GetDataset(ctx, datasetID)
	if err != nil {
		return errors.Wrapf(err, "loading dataset %d", datasetID)
	}
	results, err := o.db.GetResultsForDataset(ctx, datasetID)
	if err != nil {
		return errors.Wrapf(err, "loading results of dataset %d", datasetID)
	}
	var rv error
	for _, r := range results {
		if err := o.invalidateResult(ctx, ds, r, level); err != nil {
			rv = multierror.Append(rv, err)
			continue
		}
		if level == LEVEL_SCORE {
			continue
		}
		if err := o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: r.SubmissionID}); err != nil {
			rv = multierror.Append(rv, err)
		}
	}
	return rv
}

// invalidateResult applies the level to one result and persists the reset.
// A score-level invalidation rescores in place from the stored evaluations.
func (o *Orchestrator) invalidateResult(ctx context.Context, ds *types.Dataset, r *types.SubmissionResult, level InvalidateLevel) error {
	switch level {
	case LEVEL_COMPILE:
		r.InvalidateCompilation()
	case LEVEL_EVALUATE:
		r.InvalidateEvaluation()
		r.Tombstoned = false
		r.Stuck = false
	case LEVEL_SCORE:
		r.InvalidateScore()
	}
	if err := o.db.ResetResult(ctx, r); err != nil {
		return errors.Wrapf(err, "resetting result (%d, %d)", r.SubmissionID, r.DatasetID)
	}
	sklog.Infof("Invalidated result (%d, %d) at level %s", r.SubmissionID, r.DatasetID, level)
	if level != LEVEL_SCORE {
		return nil
	}
	return o.rescoreResult(ctx, ds, r)
}

// Rescore re-runs the reducer over every result of the dataset, reusing the
// stored evaluations. Used after a score-type parameter change.
func (o *Orchestrator) Rescore(ctx context.Context, datasetID int64) error {
	return o.InvalidateDataset(ctx, datasetID, LEVEL_SCORE)
}

// rescoreResult reduces a result from its stored evaluations. Results with no
// compilation outcome have nothing to score yet and are left alone.
func (o *Orchestrator) rescoreResult(ctx context.Context, ds *types.Dataset, r *types.SubmissionResult) error {
	if !r.Compiled() {
		return nil
	}
	if r.CompilationFailed() {
		return o.scoreResult(ctx, ds, r, false)
	}
	partial := r.Tombstoned || len(r.MissingEvaluations(ds)) > 0
	return o.scoreResult(ctx, ds, r, partial)
}

// CancelSubmission cancels every pending job of the submission. In-flight jobs
// run to their boundary; their late writes lose the counter race if the
// submission is also invalidated.
func (o *Orchestrator) CancelSubmission(ctx context.Context, submissionID int64) error {
	if err := o.fabric.CancelObject(ctx, submissionID, false, CAUSE_ADMIN_CANCELED); err != nil {
		return errors.Wrapf(err, "canceling jobs of submission %d", submissionID)
	}
	sklog.Infof("Canceled pending jobs of submission %d", submissionID)
	return nil
}

// Recover rebuilds in-flight state after queue loss: every unscored result's
// submission is re-enqueued through ingress. Planning is idempotent, so
// results whose jobs survived are deduplicated by the fabric.
func (o *Orchestrator) Recover(ctx context.Context) error {
	results, err := o.db.GetUnscoredResults(ctx)
	if err != nil {
		return errors.Wrap(err, "loading unscored results")
	}
	seen := map[int64]bool{}
	var rv error
	for _, r := range results {
		// A frozen result on one dataset must not mask a healthy unscored
		// result of the same submission on another.
		if seen[r.SubmissionID] || r.Tombstoned || r.Stuck {
			continue
		}
		seen[r.SubmissionID] = true
		if err := o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: r.SubmissionID}); err != nil {
			rv = multierror.Append(rv, err)
		}
	}
	sklog.Infof("Recovery re-enqueued %d submissions from %d unscored results", len(seen), len(results))
	return rv
}

// TaskScoreFor computes the contestant's score on the task by applying the
// task's score mode over their scored submissions against the active dataset.
func (o *Orchestrator) TaskScoreFor(ctx context.Context, participationID, taskID int64) (float64, error) {
	task, err := o.db.GetTask(ctx, taskID)
	if err != nil {
		return 0, errors.Wrapf(err, "loading task %d", taskID)
	}
	subs, err := o.db.GetSubmissionsForTask(ctx, taskID)
	if err != nil {
		return 0, errors.Wrapf(err, "loading submissions of task %d", taskID)
	}
	scored := []scoretype.ScoredSubmission{}
	for _, sub := range subs {
		if sub.ParticipationID != participationID {
			continue
		}
		ss := scoretype.ScoredSubmission{Submission: sub}
		r, err := o.db.GetResult(ctx, sub.ID, task.ActiveDatasetID)
		if err == nil && r.Scored {
			ss.Score = r.Score
			ss.Scored = true
		} else if err != nil && !errors.Is(err, db.ErrNotFound) {
			return 0, errors.Wrapf(err, "loading result (%d, %d)", sub.ID, task.ActiveDatasetID)
		}
		scored = append(scored, ss)
	}
	return scoretype.TaskScore(task.ScoreMode, scored), nil
}
