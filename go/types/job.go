package types

import (
	"time"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/util"
)

const (
	// JOB_KIND_COMPILATION identifies a CompilationJob payload.
	JOB_KIND_COMPILATION JobKind = "compilation"

	// JOB_KIND_EVALUATION identifies an EvaluationJob payload.
	JOB_KIND_EVALUATION JobKind = "evaluation"
)

// JobKind discriminates the Job variants on the wire.
type JobKind string

// Plus keys written by workers and executors. The map is the catch-all for
// sandbox diagnostics; well-known measurements get typed fields on Job.
const (
	PlusTombstone  = "tombstone"
	PlusInfraError = "infra_error"
	PlusExitStatus = "exit_status"
	PlusSignal     = "signal"
	PlusOutput     = "output"
)

// Job is the self-contained payload shipped to a worker. It carries
// everything needed to run the task-type executor without further database
// access, except blob fetches by Digest.
//
// Job payloads are stored in the queue fabric as GOBs, so changes must
// maintain backwards compatibility.
// See gob package documentation for details, but generally:
//   - Ensure new fields can be initialized with their zero value.
//   - Do not change the type of any existing field.
//   - Leave removed fields commented out to ensure the field name is not
//     reused.
//   - Add any new fields to the Copy() method.
type Job struct {
	// Kind discriminates the variant; compilation jobs fill Files and
	// produce Executables, evaluation jobs consume Executables against
	// Input/Output.
	Kind JobKind `json:"kind"`

	// Operation names the unit of work this Job performs.
	Operation Operation `json:"operation"`

	// TaskType is the identifier of the task-type executor, eg. "Batch".
	TaskType string `json:"taskType"`

	// TaskTypeParameters is the executor's opaque parameter blob (JSON).
	TaskTypeParameters string `json:"taskTypeParameters"`

	// Language is the optional language tag of the submission.
	Language string `json:"language,omitempty"`

	// Files maps file names to source digests (compilation) or
	// contestant-provided output digests (output-only evaluation).
	Files map[string]Digest `json:"files"`

	// Managers maps manager file names (checker, manager) to digests.
	Managers map[string]Digest `json:"managers,omitempty"`

	// Executables maps executable names to digests. Filled in by a
	// compilation job; consumed by evaluation jobs.
	Executables map[string]Digest `json:"executables,omitempty"`

	// Input is the testcase input digest; evaluation only.
	Input Digest `json:"input,omitempty"`

	// ExpectedOutput is the testcase expected-output digest; evaluation
	// only.
	ExpectedOutput Digest `json:"expectedOutput,omitempty"`

	// TimeLimit is the per-run CPU time limit in seconds; zero means no
	// limit.
	TimeLimit float64 `json:"timeLimit,omitempty"`

	// MemoryLimit is the per-run memory limit in bytes; zero means no
	// limit.
	MemoryLimit int64 `json:"memoryLimit,omitempty"`

	// Success reports whether the executor ran to a deterministic
	// conclusion. A compile error or a wrong answer is still Success=true;
	// only infrastructure faults clear it.
	Success bool `json:"success"`

	// CompilationSuccess reports, for compilation jobs which ran
	// (Success=true), whether the sources actually compiled.
	CompilationSuccess bool `json:"compilationSuccess,omitempty"`

	// Outcome is the testcase outcome in [0, 1]; evaluation only.
	Outcome float64 `json:"outcome,omitempty"`

	// Text is the human-readable outcome text shown to the contestant.
	Text string `json:"text,omitempty"`

	// ExecutionTime is the measured CPU time in seconds.
	ExecutionTime float64 `json:"executionTime,omitempty"`

	// ExecutionWallClockTime is the measured wall-clock time in seconds.
	ExecutionWallClockTime float64 `json:"executionWallClockTime,omitempty"`

	// ExecutionMemory is the measured peak memory in bytes.
	ExecutionMemory int64 `json:"executionMemory,omitempty"`

	// Plus carries additional sandbox diagnostics, keyed by the Plus*
	// constants.
	Plus map[string]string `json:"plus,omitempty"`

	// Tries is the number of times this Job has been attempted, including
	// the current attempt.
	Tries int `json:"tries"`

	// Enqueued is the time at which the Job entered the queue fabric.
	Enqueued time.Time `json:"enqueued"`
}

// Copy returns a deep copy of the Job.
func (j *Job) Copy() *Job {
	rv := *j
	rv.Files = CopyDigestMap(j.Files)
	rv.Managers = CopyDigestMap(j.Managers)
	rv.Executables = CopyDigestMap(j.Executables)
	rv.Plus = util.CopyStringMap(j.Plus)
	return &rv
}

// IsCompilation returns true iff this is a compilation-variant Job.
func (j *Job) IsCompilation() bool {
	return j.Kind == JOB_KIND_COMPILATION
}

// Tombstoned returns true iff the Job failed because an input digest was
// tombstoned.
func (j *Job) Tombstoned() bool {
	return j.Plus[PlusTombstone] != ""
}

// EncodeJob returns the GOB encoding of one Job, the form the queue fabric
// stores payloads in.
func EncodeJob(j *Job) ([]byte, error) {
	e := JobEncoder{}
	if !e.Process(j) {
		_, _, err := e.Next()
		return nil, err
	}
	_, b, err := e.Next()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeJob decodes one fabric-stored Job payload.
func DecodeJob(b []byte) (*Job, error) {
	d := NewJobDecoder()
	d.Process(b)
	jobs, err := d.Result()
	if err != nil {
		return nil, err
	}
	if len(jobs) != 1 {
		return nil, errors.Errorf("expected one job, decoded %d", len(jobs))
	}
	return jobs[0], nil
}

// JobEncoder encodes Jobs into bytes via GOB encoding. Not safe for
// concurrent use.
type JobEncoder struct {
	util.GobEncoder
}

// Next returns one of the Jobs provided to Process (in arbitrary order) and
// its serialized bytes. If any jobs remain, returns the job, the serialized
// bytes, nil. If all jobs have been returned, returns nil, nil, nil. If an
// error is encountered, returns nil, nil, error.
func (e *JobEncoder) Next() (*Job, []byte, error) {
	item, serialized, err := e.GobEncoder.Next()
	if err != nil {
		return nil, nil, err
	} else if item == nil {
		return nil, nil, nil
	}
	return item.(*Job), serialized, nil
}

// JobDecoder decodes bytes into Jobs via GOB decoding. Not safe for
// concurrent use.
type JobDecoder struct {
	*util.GobDecoder
}

// NewJobDecoder returns a JobDecoder instance.
func NewJobDecoder() *JobDecoder {
	return &JobDecoder{
		GobDecoder: util.NewGobDecoder(func() interface{} {
			return &Job{}
		}, func(ch <-chan interface{}) interface{} {
			items := []*Job{}
			for item := range ch {
				items = append(items, item.(*Job))
			}
			return items
		}),
	}
}

// Result returns all decoded Jobs provided to Process (in arbitrary order),
// or any error encountered.
func (d *JobDecoder) Result() ([]*Job, error) {
	res, err := d.GobDecoder.Result()
	if err != nil {
		return nil, err
	}
	return res.([]*Job), nil
}
