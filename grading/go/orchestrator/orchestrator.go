// Package orchestrator drives submissions through the pipeline: on ingress it
// fans a submission out into one compilation plus one evaluation per testcase
// per dataset, with the evaluations gated on the compilation and a scoring
// barrier fanned in over everything; when a barrier fires it persists the
// settled payloads and reduces them to a score.
package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/contestms/grading/go/metrics2"
	"github.com/contestms/grading/go/now"
	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/db"
	"github.com/contestms/grading/grading/go/queue"
)

const (
	// reserveTimeout is the long-poll window of the ingress and scoring
	// loops.
	reserveTimeout = 10 * time.Second
)

// ErrOverloaded is returned to user-test ingress when the queue fabric is
// saturated. Contest submissions are never rejected.
var ErrOverloaded = errors.New("queue fabric saturated; user test rejected")

// Orchestrator is the pipeline driver. Safe for concurrent use; all state
// lives in the database and the queue fabric so that any number of
// orchestrator processes may run.
type Orchestrator struct {
	db         db.DB
	fabric     queue.Fabric
	depthLimit int

	ingested metrics2.Counter
	scored   metrics2.Counter
	stale    metrics2.Counter
}

// New returns an Orchestrator. depthLimit is the per-cell backpressure
// threshold; zero disables backpressure.
func New(database db.DB, fabric queue.Fabric, depthLimit int) *Orchestrator {
	return &Orchestrator{
		db:         database,
		fabric:     fabric,
		depthLimit: depthLimit,
		ingested:   metrics2.GetCounter("grading_orchestrator_ingested", nil),
		scored:     metrics2.GetCounter("grading_orchestrator_scored", nil),
		stale:      metrics2.GetCounter("grading_orchestrator_stale_writes", nil),
	}
}

// Start runs the ingress and scoring loops until the context is canceled.
func (o *Orchestrator) Start(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		o.ingressLoop(egCtx)
		return nil
	})
	eg.Go(func() error {
		o.scoringLoop(egCtx)
		return nil
	})
	return eg.Wait()
}

// Submit accepts a new contest submission. Returns once the ticket is durably
// enqueued; the pipeline proceeds asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, submissionID int64) error {
	if err := o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: submissionID}); err != nil {
		return errors.Wrapf(err, "enqueueing submission %d", submissionID)
	}
	o.ingested.Inc(1)
	return nil
}

// SubmitUserTest accepts a new user test, unless the fabric is saturated.
func (o *Orchestrator) SubmitUserTest(ctx context.Context, userTestID int64) error {
	saturated, err := o.saturated(ctx)
	if err != nil {
		return err
	}
	if saturated {
		return ErrOverloaded
	}
	if err := o.fabric.EnqueueSubmission(ctx, queue.SubmissionTicket{ObjectID: userTestID, UserTest: true}); err != nil {
		return errors.Wrapf(err, "enqueueing user test %d", userTestID)
	}
	o.ingested.Inc(1)
	return nil
}

// saturated reports whether any cell exceeds the configured depth.
func (o *Orchestrator) saturated(ctx context.Context) (bool, error) {
	if o.depthLimit <= 0 {
		return false, nil
	}
	for _, kind := range types.ValidOperationKinds {
		for _, pri := range types.Priorities {
			depth, err := o.fabric.Depth(ctx, kind, pri)
			if err != nil {
				return false, err
			}
			if depth >= o.depthLimit {
				return true, nil
			}
		}
	}
	return false, nil
}

// enqueuePriority picks the dispatch band for a fresh enqueue. Contest work
// slated for HIGH drops to LOW when the HIGH cell is saturated; it queues
// rather than being rejected.
func (o *Orchestrator) enqueuePriority(ctx context.Context, kind types.OperationKind, tries int) types.Priority {
	p := types.PriorityForOperation(kind, tries)
	if p != types.PRIORITY_HIGH || o.depthLimit <= 0 || !kind.ForSubmission() {
		return p
	}
	depth, err := o.fabric.Depth(ctx, kind, types.PRIORITY_HIGH)
	if err != nil {
		sklog.Warningf("Failed to measure %s depth: %s", queue.CellName(kind, p), err)
		return p
	}
	if depth >= o.depthLimit {
		return types.PRIORITY_LOW
	}
	return p
}

func (o *Orchestrator) ingressLoop(ctx context.Context) {
	liveness := metrics2.NewLiveness("grading_orchestrator_ingress", nil)
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0
	for ctx.Err() == nil {
		ticket, err := o.fabric.ReserveSubmission(ctx, reserveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sklog.Errorf("Failed to reserve an ingress ticket: %s", err)
			time.Sleep(boff.NextBackOff())
			continue
		}
		boff.Reset()
		liveness.Reset()
		if ticket == nil {
			continue
		}
		if err := o.handleTicket(ctx, ticket); err != nil {
			sklog.Errorf("Failed to plan object %d (user test: %t): %s", ticket.ObjectID, ticket.UserTest, err)
		}
	}
}

// handleTicket plans the jobs for one ingress ticket.
func (o *Orchestrator) handleTicket(ctx context.Context, ticket *queue.SubmissionTicket) error {
	if ticket.UserTest {
		return o.planUserTest(ctx, ticket.ObjectID)
	}
	sub, err := o.db.GetSubmission(ctx, ticket.ObjectID)
	if err != nil {
		return errors.Wrapf(err, "loading submission %d", ticket.ObjectID)
	}
	datasets, err := o.db.GetDatasetsToJudge(ctx, sub.TaskID)
	if err != nil {
		return errors.Wrapf(err, "resolving datasets of task %d", sub.TaskID)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, ds := range datasets {
		ds := ds
		eg.Go(func() error {
			return o.planSubmission(egCtx, sub, ds)
		})
	}
	return eg.Wait()
}

// planSubmission ensures the (submission, dataset) result exists and enqueues
// whatever stages it still needs. Safe to call repeatedly; the fabric
// deduplicates by Operation.
func (o *Orchestrator) planSubmission(ctx context.Context, sub *types.Submission, ds *types.Dataset) error {
	r, err := o.db.GetOrCreateResult(ctx, sub.ID, ds.ID)
	if err != nil {
		return errors.Wrapf(err, "creating result (%d, %d)", sub.ID, ds.ID)
	}
	if r.Scored {
		return nil
	}
	if r.Tombstoned || r.Stuck {
		// Frozen until an admin reevaluates.
		sklog.Warningf("Result (%d, %d) needs operator help (tombstoned=%t stuck=%t); not enqueueing", sub.ID, ds.ID, r.Tombstoned, r.Stuck)
		return nil
	}

	jobIDs := []string{}
	var compileID string
	if r.NeedsCompilation() {
		pri := o.enqueuePriority(ctx, types.OPERATION_COMPILATION, r.CompilationTries)
		id, created, err := o.fabric.Enqueue(ctx, o.compilationJob(ctx, sub, ds), pri, nil)
		if err != nil {
			return errors.Wrapf(err, "enqueueing compilation of (%d, %d)", sub.ID, ds.ID)
		}
		compileID = id
		jobIDs = append(jobIDs, id)
		if created {
			sklog.Infof("Enqueued compilation of (%d, %d) at %s", sub.ID, ds.ID, pri)
		}
	}
	if !r.CompilationFailed() {
		var deps []string
		if compileID != "" {
			deps = []string{compileID}
		}
		pri := o.enqueuePriority(ctx, types.OPERATION_EVALUATION, r.EvaluationTries)
		for _, codename := range r.MissingEvaluations(ds) {
			id, _, err := o.fabric.Enqueue(ctx, o.evaluationJob(ctx, sub, ds, r, codename), pri, deps)
			if err != nil {
				return errors.Wrapf(err, "enqueueing evaluation of (%d, %d, %q)", sub.ID, ds.ID, codename)
			}
			jobIDs = append(jobIDs, id)
		}
	}
	if _, err := o.fabric.EnqueueScoring(ctx, sub.ID, ds.ID, jobIDs); err != nil {
		return errors.Wrapf(err, "enqueueing scoring barrier of (%d, %d)", sub.ID, ds.ID)
	}
	return nil
}

// planUserTest enqueues the compile-then-run pair for a user test against the
// task's active dataset. User tests carry no expected output and are not
// scored; their outcome stays in the fabric for the contest surface to fetch.
func (o *Orchestrator) planUserTest(ctx context.Context, userTestID int64) error {
	ut, err := o.db.GetUserTest(ctx, userTestID)
	if err != nil {
		return errors.Wrapf(err, "loading user test %d", userTestID)
	}
	task, err := o.db.GetTask(ctx, ut.TaskID)
	if err != nil {
		return errors.Wrapf(err, "loading task %d", ut.TaskID)
	}
	ds, err := o.db.GetDataset(ctx, task.ActiveDatasetID)
	if err != nil {
		return errors.Wrapf(err, "loading active dataset of task %d", ut.TaskID)
	}

	compile := &types.Job{
		Kind: types.JOB_KIND_COMPILATION,
		Operation: types.Operation{
			Kind:      types.OPERATION_USER_TEST_COMPILATION,
			ObjectID:  ut.ID,
			DatasetID: ds.ID,
		},
		TaskType:           ds.TaskType,
		TaskTypeParameters: ds.TaskTypeParameters,
		Language:           ut.Language,
		Files:              types.CopyDigestMap(ut.Files),
		Managers:           types.CopyDigestMap(ds.Managers),
		Tries:              1,
		Enqueued:           now.Now(ctx),
	}
	compileID, _, err := o.fabric.Enqueue(ctx, compile, types.PriorityForOperation(compile.Operation.Kind, 0), nil)
	if err != nil {
		return errors.Wrapf(err, "enqueueing user-test compilation of %d", ut.ID)
	}
	run := &types.Job{
		Kind: types.JOB_KIND_EVALUATION,
		Operation: types.Operation{
			Kind:             types.OPERATION_USER_TEST_EVALUATION,
			ObjectID:         ut.ID,
			DatasetID:        ds.ID,
			TestcaseCodename: "user_input",
		},
		TaskType:           ds.TaskType,
		TaskTypeParameters: ds.TaskTypeParameters,
		Language:           ut.Language,
		Files:              types.CopyDigestMap(ut.Files),
		Managers:           types.CopyDigestMap(ds.Managers),
		Input:              ut.Input,
		TimeLimit:          ds.TimeLimit,
		MemoryLimit:        ds.MemoryLimit,
		Tries:              1,
		Enqueued:           now.Now(ctx),
	}
	if _, _, err := o.fabric.Enqueue(ctx, run, types.PriorityForOperation(run.Operation.Kind, 0), []string{compileID}); err != nil {
		return errors.Wrapf(err, "enqueueing user-test evaluation of %d", ut.ID)
	}
	return nil
}

func (o *Orchestrator) compilationJob(ctx context.Context, sub *types.Submission, ds *types.Dataset) *types.Job {
	return &types.Job{
		Kind: types.JOB_KIND_COMPILATION,
		Operation: types.Operation{
			Kind:      types.OPERATION_COMPILATION,
			ObjectID:  sub.ID,
			DatasetID: ds.ID,
		},
		TaskType:           ds.TaskType,
		TaskTypeParameters: ds.TaskTypeParameters,
		Language:           sub.Language,
		Files:              types.CopyDigestMap(sub.Files),
		Managers:           types.CopyDigestMap(ds.Managers),
		Tries:              1,
		Enqueued:           now.Now(ctx),
	}
}

func (o *Orchestrator) evaluationJob(ctx context.Context, sub *types.Submission, ds *types.Dataset, r *types.SubmissionResult, codename string) *types.Job {
	tc := ds.Testcases[codename]
	return &types.Job{
		Kind: types.JOB_KIND_EVALUATION,
		Operation: types.Operation{
			Kind:             types.OPERATION_EVALUATION,
			ObjectID:         sub.ID,
			DatasetID:        ds.ID,
			TestcaseCodename: codename,
		},
		TaskType:           ds.TaskType,
		TaskTypeParameters: ds.TaskTypeParameters,
		Language:           sub.Language,
		Files:              types.CopyDigestMap(sub.Files),
		Managers:           types.CopyDigestMap(ds.Managers),
		Executables:        types.CopyDigestMap(r.Executables),
		Input:              tc.Input,
		ExpectedOutput:     tc.Output,
		TimeLimit:          ds.TimeLimit,
		MemoryLimit:        ds.MemoryLimit,
		Tries:              1,
		Enqueued:           now.Now(ctx),
	}
}
