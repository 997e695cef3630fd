// Package worker implements the sharded worker process: a single-job loop
// which reserves work from the queue fabric, runs the matching task-type
// executor and reports the result. One job runs at a time per process; the
// sandbox needs the machine to itself, so parallelism comes from running more
// worker processes.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/contestms/grading/go/metrics2"
	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/grading/go/filecache"
	"github.com/contestms/grading/grading/go/queue"
	"github.com/contestms/grading/grading/go/tasktype"
	"github.com/contestms/grading/go/types"
)

const (
	// reserveTimeout is the long-poll window of one dequeue attempt.
	reserveTimeout = 10 * time.Second

	// heartbeatInterval is how often the worker announces itself.
	heartbeatInterval = 15 * time.Second

	// DefaultMaxTries bounds the attempts of one job across
	// infrastructure failures, including the first.
	DefaultMaxTries = 3
)

// Worker runs the single-job loop for one shard.
type Worker struct {
	shard    string
	kinds    []types.OperationKind
	fabric   queue.Fabric
	fc       *filecache.FileCacher
	maxTries int

	busy metrics2.Int64Metric
}

// New returns a Worker serving the given operation kinds. maxTries <= 0
// selects DefaultMaxTries.
func New(shard string, kinds []types.OperationKind, fabric queue.Fabric, fc *filecache.FileCacher, maxTries int) (*Worker, error) {
	if len(kinds) == 0 {
		return nil, errors.New("worker needs at least one operation kind")
	}
	for _, kind := range kinds {
		if !kind.Valid() {
			return nil, errors.Errorf("invalid operation kind %q", kind)
		}
	}
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	return &Worker{
		shard:    shard,
		kinds:    kinds,
		fabric:   fabric,
		fc:       fc,
		maxTries: maxTries,
		busy:     metrics2.GetInt64Metric("grading_worker_busy", map[string]string{"shard": shard}),
	}, nil
}

// Start runs the job loop until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	liveness := metrics2.NewLiveness("grading_worker", map[string]string{"shard": w.shard})
	go w.heartbeatLoop(ctx, liveness)
	sklog.Infof("worker_started shard=%s kinds=%v max_tries=%d", w.shard, w.kinds, w.maxTries)
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 0
	for {
		if err := ctx.Err(); err != nil {
			sklog.Infof("worker_stopped shard=%s", w.shard)
			return nil
		}
		ej, err := w.fabric.Reserve(ctx, w.kinds, reserveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				sklog.Infof("worker_stopped shard=%s", w.shard)
				return nil
			}
			sklog.Errorf("Failed to reserve a job: %s", err)
			time.Sleep(boff.NextBackOff())
			continue
		}
		boff.Reset()
		if ej == nil {
			continue
		}
		w.busy.Update(1)
		w.ProcessJob(ctx, ej)
		w.busy.Update(0)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, liveness metrics2.Liveness) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := w.fabric.Heartbeat(ctx, w.shard); err != nil {
			sklog.Warningf("Failed to heartbeat: %s", err)
		} else {
			liveness.Reset()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// ProcessJob runs one reserved job to a settle: ack on any deterministic
// conclusion, requeue on a retryable infrastructure fault.
func (w *Worker) ProcessJob(ctx context.Context, ej *queue.EnqueuedJob) {
	job := ej.Job
	op := job.Operation
	sklog.Infof("job_received shard=%s id=%s op=%s tries=%d priority=%s", w.shard, ej.ID, op, job.Tries, ej.Priority)

	timer := metrics2.NewTimer(ctx, "grading_worker_job", map[string]string{
		"shard": w.shard,
		"kind":  string(op.Kind),
	})
	defer timer.Stop()

	if !job.IsCompilation() && len(job.Executables) == 0 {
		w.resolveExecutables(ctx, ej)
	}

	runErr := w.executeJob(ctx, job)
	if runErr == nil {
		// The executor reached a deterministic conclusion, good or bad. A
		// compile error settles as not-ok so that the fabric cancels the
		// dependent evaluations; the payload still records the
		// deterministic outcome.
		sklog.Infof("job_finished shard=%s id=%s op=%s success=%t outcome=%g text=%q", w.shard, ej.ID, op, job.Success, job.Outcome, job.Text)
		w.settle(ctx, ej, !job.IsCompilation() || job.CompilationSuccess)
		return
	}

	if errors.Is(runErr, filecache.ErrTombstone) {
		// A tombstoned input never heals; retrying is pointless.
		job.Success = false
		setPlus(job, types.PlusTombstone, "true")
		sklog.Warningf("job_abandoned shard=%s id=%s op=%s cause=tombstone", w.shard, ej.ID, op)
		w.settle(ctx, ej, false)
		return
	}

	job.Success = false
	setPlus(job, types.PlusInfraError, runErr.Error())
	metrics2.GetCounter("grading_worker_infra_failures", map[string]string{
		"shard": w.shard,
		"kind":  string(op.Kind),
	}).Inc(1)
	if job.Tries >= w.maxTries {
		sklog.Errorf("job_abandoned shard=%s id=%s op=%s tries=%d error=%s", w.shard, ej.ID, op, job.Tries, runErr)
		w.settle(ctx, ej, false)
		return
	}
	job.Tries++
	demoted := ej.Priority.Demote()
	sklog.Warningf("job_retried shard=%s id=%s op=%s tries=%d priority=%s error=%s", w.shard, ej.ID, op, job.Tries, demoted, runErr)
	if err := w.fabric.Requeue(ctx, ej.ID, job, demoted); err != nil {
		sklog.Errorf("Failed to requeue job %s: %s", ej.ID, err)
	}
}

// resolveExecutables copies the executables map out of the job's settled
// compilation prerequisite. Evaluation jobs are enqueued before compilation
// finishes, so the artifact digests flow through the fabric.
func (w *Worker) resolveExecutables(ctx context.Context, ej *queue.EnqueuedJob) {
	for _, depID := range ej.DependsOn {
		dep, err := w.fabric.Get(ctx, depID)
		if err != nil {
			sklog.Warningf("Failed to load prerequisite %s of %s: %s", depID, ej.ID, err)
			continue
		}
		if dep.Job != nil && dep.Job.IsCompilation() && dep.Job.CompilationSuccess {
			ej.Job.Executables = types.CopyDigestMap(dep.Job.Executables)
			return
		}
	}
}

// executeJob dispatches the job to its task-type executor.
func (w *Worker) executeJob(ctx context.Context, job *types.Job) error {
	tt, err := tasktype.New(job.TaskType, job.TaskTypeParameters)
	if err != nil {
		return err
	}
	sklog.Infof("job_started shard=%s op=%s task_type=%s", w.shard, job.Operation, tt.Name())
	if job.IsCompilation() {
		return tt.Compile(ctx, job, w.fc)
	}
	return tt.Evaluate(ctx, job, w.fc)
}

func (w *Worker) settle(ctx context.Context, ej *queue.EnqueuedJob, ok bool) {
	result := "failed"
	if ok {
		result = "done"
	}
	metrics2.GetCounter("grading_worker_jobs", map[string]string{
		"shard":  w.shard,
		"kind":   string(ej.Job.Operation.Kind),
		"result": result,
	}).Inc(1)
	if err := w.fabric.Ack(ctx, ej.ID, ej.Job, ok); err != nil {
		sklog.Errorf("Failed to ack job %s: %s", ej.ID, err)
	}
}

func setPlus(job *types.Job, key, value string) {
	if job.Plus == nil {
		job.Plus = map[string]string{}
	}
	job.Plus[key] = value
}
