package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/now"
	"github.com/contestms/grading/go/types"
)

// memJob is the fabric-internal record of a job or a scoring barrier.
type memJob struct {
	id        string
	job       *types.Job
	priority  types.Priority
	state     JobState
	cause     string
	dependsOn []string

	// remaining holds the ids of unsettled prerequisites.
	remaining map[string]bool

	// dependents holds the ids of jobs and barriers waiting on this one.
	dependents []string

	// barrier is set for scoring fan-in entries. Barriers never sit in a
	// cell; they move to the scoring queue when remaining empties.
	barrier      bool
	submissionID int64
	datasetID    int64
}

type cellKey struct {
	kind     types.OperationKind
	priority types.Priority
}

// MemFabric is an in-memory Fabric for tests and single-process deployments.
type MemFabric struct {
	mtx          sync.Mutex
	jobs         map[string]*memJob
	byOpKey      map[string]string
	cells        map[cellKey][]string
	scoringReady []string
	ingress      []SubmissionTicket
	heartbeats   map[string]time.Time

	// signal is closed and replaced whenever work may have become
	// available, waking blocked Reserve calls.
	signal chan struct{}
}

// NewMemFabric returns an empty MemFabric.
func NewMemFabric() *MemFabric {
	return &MemFabric{
		jobs:       map[string]*memJob{},
		byOpKey:    map[string]string{},
		cells:      map[cellKey][]string{},
		heartbeats: map[string]time.Time{},
		signal:     make(chan struct{}),
	}
}

// wake must be called with the lock held after any mutation which could
// unblock a waiter.
func (f *MemFabric) wake() {
	close(f.signal)
	f.signal = make(chan struct{})
}

// Enqueue implements Fabric.
func (f *MemFabric) Enqueue(ctx context.Context, job *types.Job, priority types.Priority, dependsOn []string) (string, bool, error) {
	if !job.Operation.Kind.Valid() {
		return "", false, errors.Errorf("invalid operation kind %q", job.Operation.Kind)
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()

	opKey := job.Operation.Key()
	if existing, ok := f.byOpKey[opKey]; ok {
		return existing, false, nil
	}

	j := &memJob{
		id:        newJobID(),
		job:       job.Copy(),
		priority:  priority,
		state:     JOB_STATE_DEFERRED,
		dependsOn: append([]string(nil), dependsOn...),
		remaining: map[string]bool{},
	}
	for _, depID := range dependsOn {
		dep, ok := f.jobs[depID]
		if !ok {
			return "", false, errors.Wrapf(ErrNotFound, "dependency %s", depID)
		}
		switch dep.state {
		case JOB_STATE_SUCCEEDED:
			// Already satisfied.
		case JOB_STATE_FAILED:
			j.state = JOB_STATE_CANCELED
			j.cause = CAUSE_UPSTREAM_FAILED
		case JOB_STATE_CANCELED:
			j.state = JOB_STATE_CANCELED
			j.cause = CAUSE_UPSTREAM_CANCELED
		default:
			j.remaining[depID] = true
			dep.dependents = append(dep.dependents, j.id)
		}
	}
	f.jobs[j.id] = j
	if j.state == JOB_STATE_CANCELED {
		return j.id, true, nil
	}
	f.byOpKey[opKey] = j.id
	if len(j.remaining) == 0 {
		f.makePendingLocked(j)
	}
	return j.id, true, nil
}

// makePendingLocked moves a deferred job into its cell's FIFO.
func (f *MemFabric) makePendingLocked(j *memJob) {
	j.state = JOB_STATE_PENDING
	key := cellKey{kind: j.job.Operation.Kind, priority: j.priority}
	f.cells[key] = append(f.cells[key], j.id)
	f.wake()
}

// settleLocked records a terminal state and propagates it through the
// dependency graph.
func (f *MemFabric) settleLocked(j *memJob, state JobState, cause string) {
	j.state = state
	j.cause = cause
	if !j.barrier {
		delete(f.byOpKey, j.job.Operation.Key())
	}
	for _, depID := range j.dependents {
		d, ok := f.jobs[depID]
		if !ok || d.state.Terminal() {
			continue
		}
		if d.barrier {
			// Barriers observe any settle, success or not.
			delete(d.remaining, j.id)
			if len(d.remaining) == 0 && d.state == JOB_STATE_DEFERRED {
				d.state = JOB_STATE_PENDING
				f.scoringReady = append(f.scoringReady, d.id)
				f.wake()
			}
			continue
		}
		switch state {
		case JOB_STATE_SUCCEEDED:
			delete(d.remaining, j.id)
			if len(d.remaining) == 0 && d.state == JOB_STATE_DEFERRED {
				f.makePendingLocked(d)
			}
		case JOB_STATE_FAILED:
			f.cancelLocked(d, CAUSE_UPSTREAM_FAILED)
		case JOB_STATE_CANCELED:
			f.cancelLocked(d, CAUSE_UPSTREAM_CANCELED)
		}
	}
}

// cancelLocked cancels a pending or deferred job. Active and terminal jobs
// are left alone.
func (f *MemFabric) cancelLocked(j *memJob, cause string) {
	switch j.state {
	case JOB_STATE_PENDING:
		if !j.barrier {
			key := cellKey{kind: j.job.Operation.Kind, priority: j.priority}
			f.cells[key] = removeID(f.cells[key], j.id)
		}
	case JOB_STATE_DEFERRED:
		// Nothing queued to remove.
	default:
		return
	}
	f.settleLocked(j, JOB_STATE_CANCELED, cause)
}

func removeID(ids []string, id string) []string {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Reserve implements Fabric.
func (f *MemFabric) Reserve(ctx context.Context, kinds []types.OperationKind, timeout time.Duration) (*EnqueuedJob, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		f.mtx.Lock()
		// Priority dominates kind: scan every requested row of a band
		// before moving to the next band.
		for _, pri := range types.Priorities {
			for _, kind := range kinds {
				key := cellKey{kind: kind, priority: pri}
				ids := f.cells[key]
				if len(ids) == 0 {
					continue
				}
				j := f.jobs[ids[0]]
				f.cells[key] = ids[1:]
				j.state = JOB_STATE_ACTIVE
				rv := f.exportLocked(j)
				f.mtx.Unlock()
				return rv, nil
			}
		}
		ch := f.signal
		f.mtx.Unlock()
		select {
		case <-ch:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *MemFabric) exportLocked(j *memJob) *EnqueuedJob {
	return &EnqueuedJob{
		ID:        j.id,
		Job:       j.job.Copy(),
		Priority:  j.priority,
		State:     j.state,
		Cause:     j.cause,
		DependsOn: append([]string(nil), j.dependsOn...),
	}
}

// Ack implements Fabric.
func (f *MemFabric) Ack(ctx context.Context, id string, job *types.Job, ok bool) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	j, found := f.jobs[id]
	if !found {
		return errors.Wrap(ErrNotFound, id)
	}
	if j.state != JOB_STATE_ACTIVE {
		return errors.Errorf("job %s is %s, not active", id, j.state)
	}
	j.job = job.Copy()
	if ok {
		f.settleLocked(j, JOB_STATE_SUCCEEDED, "")
	} else {
		f.settleLocked(j, JOB_STATE_FAILED, "")
	}
	return nil
}

// Requeue implements Fabric.
func (f *MemFabric) Requeue(ctx context.Context, id string, job *types.Job, priority types.Priority) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	j, found := f.jobs[id]
	if !found {
		return errors.Wrap(ErrNotFound, id)
	}
	if j.state != JOB_STATE_ACTIVE {
		return errors.Errorf("job %s is %s, not active", id, j.state)
	}
	j.job = job.Copy()
	j.priority = priority
	f.makePendingLocked(j)
	return nil
}

// Cancel implements Fabric.
func (f *MemFabric) Cancel(ctx context.Context, id string, cause string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	j, found := f.jobs[id]
	if !found {
		return errors.Wrap(ErrNotFound, id)
	}
	f.cancelLocked(j, cause)
	return nil
}

// CancelObject implements Fabric.
func (f *MemFabric) CancelObject(ctx context.Context, objectID int64, userTest bool, cause string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	for _, j := range f.jobs {
		if j.barrier || j.state.Terminal() {
			continue
		}
		if j.job.Operation.Kind.ForSubmission() == userTest {
			continue
		}
		if j.job.Operation.ObjectID == objectID {
			f.cancelLocked(j, cause)
		}
	}
	return nil
}

// Get implements Fabric.
func (f *MemFabric) Get(ctx context.Context, id string) (*EnqueuedJob, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	j, found := f.jobs[id]
	if !found || j.barrier {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return f.exportLocked(j), nil
}

// Depth implements Fabric.
func (f *MemFabric) Depth(ctx context.Context, kind types.OperationKind, priority types.Priority) (int, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.cells[cellKey{kind: kind, priority: priority}]), nil
}

// EnqueueSubmission implements Fabric.
func (f *MemFabric) EnqueueSubmission(ctx context.Context, ticket SubmissionTicket) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.ingress = append(f.ingress, ticket)
	f.wake()
	return nil
}

// ReserveSubmission implements Fabric.
func (f *MemFabric) ReserveSubmission(ctx context.Context, timeout time.Duration) (*SubmissionTicket, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		f.mtx.Lock()
		if len(f.ingress) > 0 {
			ticket := f.ingress[0]
			f.ingress = f.ingress[1:]
			f.mtx.Unlock()
			return &ticket, nil
		}
		ch := f.signal
		f.mtx.Unlock()
		select {
		case <-ch:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// EnqueueScoring implements Fabric.
func (f *MemFabric) EnqueueScoring(ctx context.Context, submissionID, datasetID int64, dependsOn []string) (string, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	b := &memJob{
		id:           newJobID(),
		state:        JOB_STATE_DEFERRED,
		dependsOn:    append([]string(nil), dependsOn...),
		remaining:    map[string]bool{},
		barrier:      true,
		submissionID: submissionID,
		datasetID:    datasetID,
	}
	for _, depID := range dependsOn {
		dep, ok := f.jobs[depID]
		if !ok {
			return "", errors.Wrapf(ErrNotFound, "dependency %s", depID)
		}
		if dep.state.Terminal() {
			continue
		}
		b.remaining[depID] = true
		dep.dependents = append(dep.dependents, b.id)
	}
	f.jobs[b.id] = b
	if len(b.remaining) == 0 {
		b.state = JOB_STATE_PENDING
		f.scoringReady = append(f.scoringReady, b.id)
		f.wake()
	}
	return b.id, nil
}

// ReserveScoring implements Fabric.
func (f *MemFabric) ReserveScoring(ctx context.Context, timeout time.Duration) (*ScoringTicket, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		f.mtx.Lock()
		if len(f.scoringReady) > 0 {
			b := f.jobs[f.scoringReady[0]]
			f.scoringReady = f.scoringReady[1:]
			b.state = JOB_STATE_ACTIVE
			rv := &ScoringTicket{
				ID:           b.id,
				SubmissionID: b.submissionID,
				DatasetID:    b.datasetID,
				DependsOn:    append([]string(nil), b.dependsOn...),
			}
			f.mtx.Unlock()
			return rv, nil
		}
		ch := f.signal
		f.mtx.Unlock()
		select {
		case <-ch:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AckScoring implements Fabric.
func (f *MemFabric) AckScoring(ctx context.Context, id string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	b, found := f.jobs[id]
	if !found || !b.barrier {
		return errors.Wrap(ErrNotFound, id)
	}
	b.state = JOB_STATE_SUCCEEDED
	return nil
}

// Heartbeat implements Fabric.
func (f *MemFabric) Heartbeat(ctx context.Context, shard string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.heartbeats[shard] = now.Now(ctx)
	return nil
}

// LastHeartbeat returns the most recent heartbeat time for the shard, for
// liveness checks.
func (f *MemFabric) LastHeartbeat(shard string) (time.Time, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	ts, ok := f.heartbeats[shard]
	return ts, ok
}

var _ Fabric = &MemFabric{}
