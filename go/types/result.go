package types

// CompilationOutcome is the tri-state result of the compilation stage.
type CompilationOutcome string

const (
	// COMPILATION_NONE means compilation has not finished yet.
	COMPILATION_NONE CompilationOutcome = ""

	// COMPILATION_OK means the sources compiled.
	COMPILATION_OK CompilationOutcome = "ok"

	// COMPILATION_FAIL means compilation failed deterministically; the
	// submission scores zero without being evaluated.
	COMPILATION_FAIL CompilationOutcome = "fail"
)

// Evaluation is one testcase's outcome for a SubmissionResult. Evaluations
// hold only their parent's identifying pair, not a back pointer.
type Evaluation struct {
	SubmissionID int64  `json:"submissionId"`
	DatasetID    int64  `json:"datasetId"`
	Codename     string `json:"codename"`

	// Outcome is a real in [0, 1].
	Outcome float64 `json:"outcome"`

	// Text is the human-readable outcome text.
	Text string `json:"text"`

	ExecutionTime          float64 `json:"executionTime"`
	ExecutionWallClockTime float64 `json:"executionWallClockTime"`
	ExecutionMemory        int64   `json:"executionMemory"`
}

// Copy returns a copy of the Evaluation.
func (e *Evaluation) Copy() *Evaluation {
	rv := *e
	return &rv
}

// SubmissionResult is the derived state of one (submission, dataset) pair.
// Only the orchestrator and workers mutate it, through the persistence
// bridge, inside transactions guarded by the tries counters.
type SubmissionResult struct {
	SubmissionID int64 `json:"submissionId"`
	DatasetID    int64 `json:"datasetId"`

	CompilationOutcome CompilationOutcome `json:"compilationOutcome"`
	CompilationText    string             `json:"compilationText"`

	// CompilationTries counts compilation attempts, including failed
	// infrastructure attempts. Monotonically non-decreasing.
	CompilationTries int `json:"compilationTries"`

	// Executables maps executable names to digests, produced by a
	// successful compilation.
	Executables map[string]Digest `json:"executables,omitempty"`

	// Evaluations maps codename to the testcase's Evaluation. Codenames
	// are a subset of the dataset's testcase codenames.
	Evaluations map[string]*Evaluation `json:"evaluations,omitempty"`

	// EvaluationTries counts evaluation attempts. Monotonically
	// non-decreasing.
	EvaluationTries int `json:"evaluationTries"`

	Score               float64 `json:"score"`
	ScoreDetails        string  `json:"scoreDetails"`
	PublicScore         float64 `json:"publicScore"`
	PublicScoreDetails  string  `json:"publicScoreDetails"`
	RankingScoreDetails string  `json:"rankingScoreDetails"`

	// Scored is set once the score fields are authoritative.
	Scored bool `json:"scored"`

	// Partial is set when the result was scored with fewer evaluations
	// than the dataset has testcases.
	Partial bool `json:"partial"`

	// Tombstoned is set when an input blob needed by this result was
	// marked known-lost; the result cannot proceed without operator help.
	Tombstoned bool `json:"tombstoned"`

	// Stuck is set when retries were exhausted on an infrastructure
	// fault; no further enqueues happen until an admin reevaluates.
	Stuck bool `json:"stuck"`
}

// Copy returns a deep copy of the SubmissionResult.
func (r *SubmissionResult) Copy() *SubmissionResult {
	rv := *r
	rv.Executables = CopyDigestMap(r.Executables)
	if r.Evaluations != nil {
		rv.Evaluations = make(map[string]*Evaluation, len(r.Evaluations))
		for k, v := range r.Evaluations {
			rv.Evaluations[k] = v.Copy()
		}
	}
	return &rv
}

// Compiled returns true iff the compilation stage reached a deterministic
// conclusion.
func (r *SubmissionResult) Compiled() bool {
	return r.CompilationOutcome != COMPILATION_NONE
}

// CompilationFailed returns true iff the sources deterministically failed to
// compile.
func (r *SubmissionResult) CompilationFailed() bool {
	return r.CompilationOutcome == COMPILATION_FAIL
}

// NeedsCompilation returns true iff a compilation operation should be
// enqueued for this result.
func (r *SubmissionResult) NeedsCompilation() bool {
	return !r.Compiled() && !r.Tombstoned && !r.Stuck
}

// MissingEvaluations returns the codenames of the dataset's testcases which
// have no Evaluation yet, in lexicographical order.
func (r *SubmissionResult) MissingEvaluations(dataset *Dataset) []string {
	rv := []string{}
	for _, codename := range dataset.TestcaseCodenames() {
		if _, ok := r.Evaluations[codename]; !ok {
			rv = append(rv, codename)
		}
	}
	return rv
}

// Evaluated returns true iff every testcase of the dataset has an
// Evaluation.
func (r *SubmissionResult) Evaluated(dataset *Dataset) bool {
	return len(r.MissingEvaluations(dataset)) == 0
}

// ReadyToScore returns true iff the result is settled enough for the score
// type to run: either compilation failed outright, or every testcase which
// can still settle has.
func (r *SubmissionResult) ReadyToScore(dataset *Dataset) bool {
	if r.CompilationFailed() {
		return true
	}
	if !r.Compiled() {
		return false
	}
	return r.Evaluated(dataset) || r.Tombstoned
}

// SetEvaluation upserts the Evaluation for its codename. Re-delivery of the
// same Evaluation is a no-op at the caller's level; the map semantics make
// the write idempotent.
func (r *SubmissionResult) SetEvaluation(e *Evaluation) {
	if r.Evaluations == nil {
		r.Evaluations = map[string]*Evaluation{}
	}
	r.Evaluations[e.Codename] = e
}

// InvalidateCompilation drops compilation results and everything derived
// from them.
func (r *SubmissionResult) InvalidateCompilation() {
	r.CompilationOutcome = COMPILATION_NONE
	r.CompilationText = ""
	r.Executables = nil
	r.Stuck = false
	r.Tombstoned = false
	r.InvalidateEvaluation()
}

// InvalidateEvaluation drops evaluation results and everything derived from
// them.
func (r *SubmissionResult) InvalidateEvaluation() {
	r.Evaluations = nil
	r.InvalidateScore()
}

// InvalidateScore drops the score fields.
func (r *SubmissionResult) InvalidateScore() {
	r.Score = 0
	r.ScoreDetails = ""
	r.PublicScore = 0
	r.PublicScoreDetails = ""
	r.RankingScoreDetails = ""
	r.Scored = false
	r.Partial = false
}
