package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/contestms/grading/go/metrics2"
	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/db"
	"github.com/contestms/grading/grading/go/queue"
	"github.com/contestms/grading/grading/go/scoretype"
)

// settleStats summarizes what persistSettled found among the barrier's
// dependencies.
type settleStats struct {
	// lost counts jobs whose fabric record expired before it could be
	// persisted.
	lost int

	// canceled counts jobs canceled for a reason other than a failed
	// compilation.
	canceled int
}

func (o *Orchestrator) scoringLoop(ctx context.Context) {
	liveness := metrics2.NewLiveness("grading_orchestrator_scoring", nil)
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0
	for ctx.Err() == nil {
		ticket, err := o.fabric.ReserveScoring(ctx, reserveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sklog.Errorf("Failed to reserve a scoring barrier: %s", err)
			time.Sleep(boff.NextBackOff())
			continue
		}
		boff.Reset()
		liveness.Reset()
		if ticket == nil {
			continue
		}
		if err := o.handleScoring(ctx, ticket); err != nil {
			sklog.Errorf("Failed to score (%d, %d): %s", ticket.SubmissionID, ticket.DatasetID, err)
		}
		if err := o.fabric.AckScoring(ctx, ticket.ID); err != nil {
			sklog.Errorf("Failed to ack scoring barrier %s: %s", ticket.ID, err)
		}
	}
}

// handleScoring runs after every job behind the barrier has settled: persist
// the settled payloads, then read the evaluations back from the database and
// reduce them. The database, not the queue, is the authority at this point;
// payloads which expired in transit are tolerated and the result flagged
// partial.
func (o *Orchestrator) handleScoring(ctx context.Context, ticket *queue.ScoringTicket) error {
	ds, err := o.db.GetDataset(ctx, ticket.DatasetID)
	if err != nil {
		return errors.Wrapf(err, "loading dataset %d", ticket.DatasetID)
	}
	r, err := o.db.GetResult(ctx, ticket.SubmissionID, ticket.DatasetID)
	if err != nil {
		return errors.Wrapf(err, "loading result (%d, %d)", ticket.SubmissionID, ticket.DatasetID)
	}
	stats, err := o.persistSettled(ctx, r, ticket.DependsOn)
	if err != nil {
		return err
	}

	// Re-read: persistence above and any concurrent actor may have moved
	// the result.
	r, err = o.db.GetResult(ctx, ticket.SubmissionID, ticket.DatasetID)
	if err != nil {
		return errors.Wrapf(err, "reloading result (%d, %d)", ticket.SubmissionID, ticket.DatasetID)
	}
	if r.Scored {
		return nil
	}
	if r.Stuck {
		sklog.Warningf("Result (%d, %d) is stuck after retry exhaustion; not scoring", r.SubmissionID, r.DatasetID)
		return nil
	}
	if stats.canceled > 0 {
		// Canceled by an admin; leave the result unscored for them.
		sklog.Infof("Result (%d, %d) had canceled jobs; not scoring", r.SubmissionID, r.DatasetID)
		return nil
	}
	if r.CompilationFailed() {
		// Deterministic compile failure scores zero over no evaluations.
		return o.scoreResult(ctx, ds, r, false)
	}
	if !r.Compiled() {
		// The compile payload never made it to the database; replan from
		// the top.
		sklog.Warningf("Result (%d, %d) reached its barrier without a compilation outcome; replanning", r.SubmissionID, r.DatasetID)
		return o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: r.SubmissionID})
	}
	missing := len(r.MissingEvaluations(ds))
	if missing == 0 {
		return o.scoreResult(ctx, ds, r, false)
	}
	if r.Tombstoned || stats.lost > 0 {
		// Settled work is gone for good; score what there is.
		return o.scoreResult(ctx, ds, r, true)
	}
	sklog.Warningf("Result (%d, %d) is missing %d evaluations at its barrier; replanning", r.SubmissionID, r.DatasetID, missing)
	return o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: r.SubmissionID})
}

// persistSettled writes the settled job payloads behind a barrier into the
// database. Stale writes mean another actor already persisted; they are
// dropped and the caller re-reads.
func (o *Orchestrator) persistSettled(ctx context.Context, r *types.SubmissionResult, jobIDs []string) (settleStats, error) {
	stats := settleStats{}
	for _, id := range jobIDs {
		ej, err := o.fabric.Get(ctx, id)
		if errors.Is(err, queue.ErrNotFound) {
			stats.lost++
			sklog.Warningf("Settled job %s of (%d, %d) expired before persistence", id, r.SubmissionID, r.DatasetID)
			continue
		} else if err != nil {
			return stats, errors.Wrapf(err, "loading settled job %s", id)
		}
		if ej.State == queue.JOB_STATE_CANCELED {
			if ej.Cause != queue.CAUSE_UPSTREAM_FAILED {
				stats.canceled++
			}
			continue
		}
		if !ej.State.Terminal() || ej.Job == nil {
			// The barrier observed a settle, so a non-terminal state here
			// means the job was re-enqueued by someone else; skip it.
			continue
		}
		if err := o.persistJob(ctx, r, ej.Job); err != nil {
			if errors.Is(err, db.ErrStaleWrite) {
				o.stale.Inc(1)
				sklog.Infof("Dropping stale write of %s for (%d, %d)", ej.Job.Operation, r.SubmissionID, r.DatasetID)
				fresh, err := o.db.GetResult(ctx, r.SubmissionID, r.DatasetID)
				if err != nil {
					return stats, errors.Wrap(err, "reloading after stale write")
				}
				*r = *fresh
				continue
			}
			return stats, err
		}
	}
	return stats, nil
}

// persistJob writes one settled payload.
func (o *Orchestrator) persistJob(ctx context.Context, r *types.SubmissionResult, job *types.Job) error {
	if !job.Success {
		// Infrastructure conclusion: tombstone or retry exhaustion.
		if job.Tombstoned() {
			r.Tombstoned = true
		} else {
			r.Stuck = true
		}
		if job.IsCompilation() {
			if r.Compiled() {
				return nil
			}
			return o.db.WriteCompilation(ctx, r)
		}
		return o.db.WriteFlags(ctx, r)
	}
	if job.IsCompilation() {
		if r.Compiled() {
			return nil
		}
		if job.CompilationSuccess {
			r.CompilationOutcome = types.COMPILATION_OK
			r.Executables = types.CopyDigestMap(job.Executables)
		} else {
			r.CompilationOutcome = types.COMPILATION_FAIL
		}
		r.CompilationText = job.Text
		return o.db.WriteCompilation(ctx, r)
	}
	codename := job.Operation.TestcaseCodename
	if existing, ok := r.Evaluations[codename]; ok && existing.Outcome == job.Outcome && existing.Text == job.Text {
		// Re-delivery of an identical evaluation is a no-op.
		return nil
	}
	return o.db.WriteEvaluation(ctx, r, &types.Evaluation{
		SubmissionID:           r.SubmissionID,
		DatasetID:              r.DatasetID,
		Codename:               codename,
		Outcome:                job.Outcome,
		Text:                   job.Text,
		ExecutionTime:          job.ExecutionTime,
		ExecutionWallClockTime: job.ExecutionWallClockTime,
		ExecutionMemory:        job.ExecutionMemory,
	})
}

// scoreResult runs the dataset's reducer over the stored evaluations and
// persists the score. A reducer error leaves the result unscored and
// admin-visible; no partial score is recorded.
func (o *Orchestrator) scoreResult(ctx context.Context, ds *types.Dataset, r *types.SubmissionResult, partial bool) error {
	st, err := scoretype.ForDataset(ds)
	if err != nil {
		return errors.Wrapf(err, "building score type of dataset %d", ds.ID)
	}
	score, err := st.ComputeScore(r.Evaluations)
	if err != nil {
		return errors.Wrapf(err, "reducing (%d, %d)", r.SubmissionID, r.DatasetID)
	}
	r.Score = score.Score
	r.ScoreDetails = score.Details
	r.PublicScore = score.PublicScore
	r.PublicScoreDetails = score.PublicDetails
	r.RankingScoreDetails = score.RankingDetails
	r.Scored = true
	r.Partial = partial
	if err := o.db.WriteScore(ctx, r); err != nil {
		if errors.Is(err, db.ErrStaleWrite) {
			o.stale.Inc(1)
			sklog.Infof("Dropping stale score of (%d, %d)", r.SubmissionID, r.DatasetID)
			return nil
		}
		return errors.Wrapf(err, "persisting score of (%d, %d)", r.SubmissionID, r.DatasetID)
	}
	o.scored.Inc(1)
	sklog.Infof("Scored (%d, %d): score=%g public=%g partial=%t", r.SubmissionID, r.DatasetID, r.Score, r.PublicScore, r.Partial)
	return nil
}
