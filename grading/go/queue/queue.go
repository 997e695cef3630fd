// Package queue implements the queue fabric of the grading pipeline: a
// two-dimensional matrix of FIFO cells, rows keyed by operation kind and
// columns by priority band, plus a submission ingress queue and a scoring
// queue whose entries are fan-in barriers over sets of jobs.
//
// The fabric is the single source of truth for in-flight work. Enqueueing an
// Operation which is already present as a non-terminal job is a no-op; a job
// may depend on other jobs and becomes eligible only when all of them
// succeed; a scoring barrier becomes eligible when all of its dependencies
// have settled, successfully or not.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
)

const (
	// CAUSE_UPSTREAM_FAILED is the cancellation cause recorded on a job
	// whose prerequisite failed.
	CAUSE_UPSTREAM_FAILED = "upstream failed"

	// CAUSE_UPSTREAM_CANCELED is the cancellation cause recorded on a job
	// whose prerequisite was canceled.
	CAUSE_UPSTREAM_CANCELED = "upstream canceled"
)

// ErrNotFound is returned when a job id is unknown to the fabric.
var ErrNotFound = errors.New("no such job in the queue fabric")

// JobState is the lifecycle state of a job inside the fabric.
type JobState string

const (
	// JOB_STATE_DEFERRED means the job is waiting on dependencies.
	JOB_STATE_DEFERRED JobState = "deferred"

	// JOB_STATE_PENDING means the job sits in its cell's FIFO, eligible
	// for dispatch.
	JOB_STATE_PENDING JobState = "pending"

	// JOB_STATE_ACTIVE means a worker has reserved the job.
	JOB_STATE_ACTIVE JobState = "active"

	// JOB_STATE_SUCCEEDED is terminal; the executor ran to a
	// deterministic conclusion.
	JOB_STATE_SUCCEEDED JobState = "succeeded"

	// JOB_STATE_FAILED is terminal; the job gave up on an infrastructure
	// fault.
	JOB_STATE_FAILED JobState = "failed"

	// JOB_STATE_CANCELED is terminal; the job was canceled, directly or
	// through its dependency graph.
	JOB_STATE_CANCELED JobState = "canceled"
)

// Terminal returns true iff the state is final.
func (s JobState) Terminal() bool {
	return s == JOB_STATE_SUCCEEDED || s == JOB_STATE_FAILED || s == JOB_STATE_CANCELED
}

// EnqueuedJob is a job plus its fabric-level bookkeeping.
type EnqueuedJob struct {
	ID       string
	Job      *types.Job
	Priority types.Priority
	State    JobState

	// Cause explains a canceled state.
	Cause string

	// DependsOn lists ids of jobs which must succeed before this one is
	// eligible.
	DependsOn []string
}

// SubmissionTicket is one entry of the ingress queue.
type SubmissionTicket struct {
	// ObjectID is a submission or user-test id.
	ObjectID int64

	// UserTest is set when the ticket refers to a user test.
	UserTest bool
}

// ScoringTicket is one fan-in barrier of the scoring queue. It becomes
// available for reservation once every job it depends on has settled.
type ScoringTicket struct {
	ID           string
	SubmissionID int64
	DatasetID    int64

	// DependsOn lists the ids of the jobs the barrier fanned in over. The
	// scorer fetches their settled payloads to persist before reducing.
	DependsOn []string
}

// Fabric is the queue fabric contract. Implementations must be safe for
// concurrent use from many processes (Redis) or goroutines (memory).
type Fabric interface {
	// Enqueue places the job in the cell given by its operation kind and
	// the priority. If an equal Operation is already present as a
	// non-terminal job anywhere in the fabric, the call is a no-op and
	// the existing job's id is returned with created == false.
	//
	// dependsOn names prerequisite job ids. The job stays deferred until
	// all prerequisites succeed; if any of them fails or is canceled, the
	// job is canceled with the corresponding upstream cause.
	Enqueue(ctx context.Context, job *types.Job, priority types.Priority, dependsOn []string) (id string, created bool, err error)

	// Reserve blocks up to timeout for a pending job whose kind is in
	// kinds, picking from the non-empty cell with the best priority and
	// FIFO within the cell. Returns nil if the timeout elapses.
	Reserve(ctx context.Context, kinds []types.OperationKind, timeout time.Duration) (*EnqueuedJob, error)

	// Ack settles a reserved job with its final payload. ok reports
	// whether the executor reached a deterministic conclusion; !ok
	// cancels dependents with cause CAUSE_UPSTREAM_FAILED. Barriers
	// observe the settle either way.
	Ack(ctx context.Context, id string, job *types.Job, ok bool) error

	// Requeue returns a reserved job to the given cell with an updated
	// payload, for retry after an infrastructure fault.
	Requeue(ctx context.Context, id string, job *types.Job, priority types.Priority) error

	// Cancel cancels a pending or deferred job and cascades through the
	// dependency graph. Active jobs are not preempted; canceling an
	// active or terminal job is a no-op.
	Cancel(ctx context.Context, id string, cause string) error

	// CancelObject cancels every non-terminal job whose operation refers
	// to the given object id. Submission and user-test ids come from
	// different sequences, so userTest picks which kind class the id
	// names.
	CancelObject(ctx context.Context, objectID int64, userTest bool, cause string) error

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*EnqueuedJob, error)

	// Depth returns the number of pending jobs in the (kind, priority)
	// cell, for backpressure decisions.
	Depth(ctx context.Context, kind types.OperationKind, priority types.Priority) (int, error)

	// EnqueueSubmission durably records a new submission or user test on
	// the ingress queue.
	EnqueueSubmission(ctx context.Context, ticket SubmissionTicket) error

	// ReserveSubmission blocks up to timeout for an ingress ticket.
	// Returns nil if the timeout elapses.
	ReserveSubmission(ctx context.Context, timeout time.Duration) (*SubmissionTicket, error)

	// EnqueueScoring registers a scoring barrier over the given job ids.
	// With no dependencies the barrier is immediately available.
	EnqueueScoring(ctx context.Context, submissionID, datasetID int64, dependsOn []string) (string, error)

	// ReserveScoring blocks up to timeout for a settled scoring barrier.
	// Returns nil if the timeout elapses.
	ReserveScoring(ctx context.Context, timeout time.Duration) (*ScoringTicket, error)

	// AckScoring settles a reserved scoring barrier.
	AckScoring(ctx context.Context, id string) error

	// Heartbeat records that the given worker shard is alive.
	Heartbeat(ctx context.Context, shard string) error
}

// newJobID returns a fresh fabric-wide unique job id.
func newJobID() string {
	return uuid.New().String()
}

// CellName returns the durable queue name for the given cell, eg.
// "evaluate_2". Shared by implementations so that operators see one naming
// scheme.
func CellName(kind types.OperationKind, priority types.Priority) string {
	return string(kind) + "_" + priority.String()
}
