package worker

import (
	"context"
	"io/ioutil"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/exec"
	"github.com/contestms/grading/go/testutils/unittest"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/filecache"
	"github.com/contestms/grading/grading/go/queue"
)

func setup(t *testing.T) (*queue.MemFabric, *filecache.FileCacher, func()) {
	tmp, err := ioutil.TempDir("", "worker_test_")
	require.NoError(t, err)
	fc, err := filecache.New(filecache.NewMemBackend(), filepath.Join(tmp, "cache"))
	require.NoError(t, err)
	return queue.NewMemFabric(), fc, func() {
		_ = os.RemoveAll(tmp)
	}
}

func newWorker(t *testing.T, fabric queue.Fabric, fc *filecache.FileCacher) *Worker {
	w, err := New("shard-0", types.ValidOperationKinds, fabric, fc, 3)
	require.NoError(t, err)
	return w
}

func evaluationJob(t *testing.T, fc *filecache.FileCacher) *types.Job {
	ctx := context.Background()
	inputDigest, err := fc.PutBytes(ctx, []byte("1 2\n"), "")
	require.NoError(t, err)
	expectedDigest, err := fc.PutBytes(ctx, []byte("3\n"), "")
	require.NoError(t, err)
	exeDigest, err := fc.PutBytes(ctx, []byte("print(1+2)\n"), "")
	require.NoError(t, err)
	return &types.Job{
		Kind: types.JOB_KIND_EVALUATION,
		Operation: types.Operation{
			Kind:             types.OPERATION_EVALUATION,
			ObjectID:         1,
			DatasetID:        1,
			TestcaseCodename: "t1",
		},
		TaskType:       "Batch",
		Language:       "Python 3 / CPython",
		Executables:    map[string]types.Digest{"sol": exeDigest},
		Input:          inputDigest,
		ExpectedOutput: expectedDigest,
		TimeLimit:      2.0,
		Tries:          1,
	}
}

// reserve pulls the single pending job out of the fabric.
func reserve(t *testing.T, ctx context.Context, fabric queue.Fabric) *queue.EnqueuedJob {
	ej, err := fabric.Reserve(ctx, types.ValidOperationKinds, time.Second)
	require.NoError(t, err)
	require.NotNil(t, ej)
	return ej
}

func TestProcessJobSuccess(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	id, _, err := fabric.Enqueue(context.Background(), evaluationJob(t, fc), types.PRIORITY_MEDIUM, nil)
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		_, err := cmd.Stdout.Write([]byte("3\n"))
		return err
	})
	w.ProcessJob(ctx, reserve(t, ctx, fabric))

	settled, err := fabric.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_SUCCEEDED, settled.State)
	require.True(t, settled.Job.Success)
	require.Equal(t, 1.0, settled.Job.Outcome)
}

func TestProcessJobDeterministicFailureIsDone(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	id, _, err := fabric.Enqueue(context.Background(), evaluationJob(t, fc), types.PRIORITY_MEDIUM, nil)
	require.NoError(t, err)

	// The contestant program times out; that is a final outcome, not a
	// retry.
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return errors.Errorf("%s %s", exec.TIMEOUT_ERROR_PREFIX, cmd.Timeout)
	})
	w.ProcessJob(ctx, reserve(t, ctx, fabric))

	settled, err := fabric.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_SUCCEEDED, settled.State)
	require.True(t, settled.Job.Success)
	require.Equal(t, 0.0, settled.Job.Outcome)
}

func TestProcessJobInfraFailureRequeues(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	id, _, err := fabric.Enqueue(context.Background(), evaluationJob(t, fc), types.PRIORITY_MEDIUM, nil)
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return errors.New("sandbox exploded")
	})
	w.ProcessJob(ctx, reserve(t, ctx, fabric))

	// Requeued one band lower with the try counter bumped.
	requeued, err := fabric.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_PENDING, requeued.State)
	require.Equal(t, types.PRIORITY_LOW, requeued.Priority)
	require.Equal(t, 2, requeued.Job.Tries)
	require.Contains(t, requeued.Job.Plus[types.PlusInfraError], "sandbox exploded")
}

func TestProcessJobInfraFailureExhausted(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	job := evaluationJob(t, fc)
	job.Tries = 3
	id, _, err := fabric.Enqueue(context.Background(), job, types.PRIORITY_LOW, nil)
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return errors.New("sandbox exploded")
	})
	w.ProcessJob(ctx, reserve(t, ctx, fabric))

	settled, err := fabric.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_FAILED, settled.State)
	require.False(t, settled.Job.Success)
}

func TestProcessJobTombstone(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	job := evaluationJob(t, fc)
	require.NoError(t, fc.Tombstone(context.Background(), job.Input))
	id, _, err := fabric.Enqueue(context.Background(), job, types.PRIORITY_MEDIUM, nil)
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return nil
	})
	w.ProcessJob(ctx, reserve(t, ctx, fabric))

	// Tombstones are permanent: no retry, failure recorded immediately.
	settled, err := fabric.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_FAILED, settled.State)
	require.Equal(t, "true", settled.Job.Plus[types.PlusTombstone])
}

func compilationJob(t *testing.T, fc *filecache.FileCacher) *types.Job {
	srcDigest, err := fc.PutBytes(context.Background(), []byte("int main() { return 0; }\n"), "")
	require.NoError(t, err)
	return &types.Job{
		Kind: types.JOB_KIND_COMPILATION,
		Operation: types.Operation{
			Kind:      types.OPERATION_COMPILATION,
			ObjectID:  1,
			DatasetID: 1,
		},
		TaskType: "Batch",
		Language: "C11 / gcc",
		Files:    map[string]types.Digest{"sol.c": srcDigest},
		Tries:    1,
	}
}

func TestProcessJobCompileFailureCancelsDependents(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	compileID, _, err := fabric.Enqueue(context.Background(), compilationJob(t, fc), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	evalJob := evaluationJob(t, fc)
	evalJob.Executables = nil
	evalID, _, err := fabric.Enqueue(context.Background(), evalJob, types.PRIORITY_HIGH, []string{compileID})
	require.NoError(t, err)

	// A genuine nonzero compiler exit; a deterministic compile failure, not
	// an infrastructure fault.
	exitErr := osexec.Command("/bin/sh", "-c", "exit 1").Run()
	require.Error(t, exitErr)
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return exitErr
	})
	w.ProcessJob(ctx, reserve(t, ctx, fabric))

	// The compile settles as failed so that the fabric cancels the
	// evaluations, but its payload still records the deterministic outcome.
	settled, err := fabric.Get(ctx, compileID)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_FAILED, settled.State)
	require.True(t, settled.Job.Success)
	require.False(t, settled.Job.CompilationSuccess)

	canceled, err := fabric.Get(ctx, evalID)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_CANCELED, canceled.State)
	require.Equal(t, queue.CAUSE_UPSTREAM_FAILED, canceled.Cause)
}

func TestProcessJobResolvesExecutablesFromPrerequisite(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	compileID, _, err := fabric.Enqueue(context.Background(), compilationJob(t, fc), types.PRIORITY_HIGH, nil)
	require.NoError(t, err)
	evalJob := evaluationJob(t, fc)
	evalJob.Executables = nil
	evalID, _, err := fabric.Enqueue(context.Background(), evalJob, types.PRIORITY_HIGH, []string{compileID})
	require.NoError(t, err)

	compileCtx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return ioutil.WriteFile(filepath.Join(cmd.Dir, "sol"), []byte("#!/bin/true\n"), 0755)
	})
	w.ProcessJob(compileCtx, reserve(t, compileCtx, fabric))

	compiled, err := fabric.Get(context.Background(), compileID)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_SUCCEEDED, compiled.State)

	// The evaluation was enqueued without executables; the worker pulls them
	// out of the settled prerequisite.
	evalCtx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		_, err := cmd.Stdout.Write([]byte("3\n"))
		return err
	})
	w.ProcessJob(evalCtx, reserve(t, evalCtx, fabric))

	settled, err := fabric.Get(context.Background(), evalID)
	require.NoError(t, err)
	require.Equal(t, queue.JOB_STATE_SUCCEEDED, settled.State)
	require.Equal(t, 1.0, settled.Job.Outcome)
	require.Equal(t, compiled.Job.Executables, settled.Job.Executables)
}

func TestStartProcessesUntilCanceled(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	w := newWorker(t, fabric, fc)

	runCtx, cancel := context.WithCancel(exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		_, err := cmd.Stdout.Write([]byte("3\n"))
		return err
	}))
	done := make(chan error, 1)
	go func() {
		done <- w.Start(runCtx)
	}()

	id, _, err := fabric.Enqueue(context.Background(), evaluationJob(t, fc), types.PRIORITY_MEDIUM, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		settled, err := fabric.Get(context.Background(), id)
		return err == nil && settled.State == queue.JOB_STATE_SUCCEEDED
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}

func TestNewValidation(t *testing.T) {
	unittest.SmallTest(t)
	fabric, fc, cleanup := setup(t)
	defer cleanup()
	_, err := New("shard-0", nil, fabric, fc, 3)
	require.Error(t, err)
	_, err = New("shard-0", []types.OperationKind{"mystery"}, fabric, fc, 3)
	require.Error(t, err)
}
