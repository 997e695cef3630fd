// Package scoretype implements the score-type reducers which turn per-testcase
// outcomes into a submission's score, and the score modes which turn
// submission scores into a contestant's task score.
//
// The set of score types is closed; parameters arrive as the JSON blob stored
// on the dataset. Reducers are pure functions of (evaluations, parameters) so
// re-running one against the same rows always yields the same score.
package scoretype

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
)

// Public outcome strings shown to the contestant.
const (
	OutcomeCorrect    = "Correct"
	OutcomePartial    = "Partially correct"
	OutcomeNotCorrect = "Not correct"
	OutcomeAccepted   = "Accepted"
	OutcomeRejected   = "Not accepted"
)

// Score is the full output of one reduce: the score and its breakdown, plus
// the same information restricted to public testcases, plus the compact form
// shipped to live rankings. Details fields are JSON.
type Score struct {
	Score          float64
	Details        string
	PublicScore    float64
	PublicDetails  string
	RankingDetails string
}

// ScoreType reduces the evaluations of one submission against one dataset.
type ScoreType interface {
	// MaxScores returns the maximum achievable score, the maximum
	// achievable score counting only public testcases, and per-group
	// column headers for rankings.
	MaxScores() (float64, float64, []string)

	// ComputeScore reduces the given evaluations, keyed by testcase
	// codename. Missing evaluations count as outcome zero and render as
	// undefined entries in the details.
	ComputeScore(evaluations map[string]*types.Evaluation) (*Score, error)
}

// Constructor builds a ScoreType from the dataset's JSON parameters and the
// testcase visibility map.
type Constructor func(parameters string, publicTestcases map[string]bool) (ScoreType, error)

// registry is the closed set of score types. New entries require coordinated
// changes here and in the admin surface which writes dataset parameters.
var registry = map[string]Constructor{
	"Sum":            newSum,
	"GroupMin":       newGroupMin,
	"GroupMul":       newGroupMul,
	"GroupThreshold": newGroupThreshold,
	"ICPC":           newICPC,
}

// New returns the ScoreType named by the dataset, or an error for an unknown
// name or malformed parameters.
func New(name, parameters string, publicTestcases map[string]bool) (ScoreType, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown score type %q", name)
	}
	return ctor(parameters, publicTestcases)
}

// Valid returns true iff name is a known score type.
func Valid(name string) bool {
	_, ok := registry[name]
	return ok
}

// ForDataset is a convenience wrapper building the dataset's ScoreType from
// its stored configuration.
func ForDataset(ds *types.Dataset) (ScoreType, error) {
	public := make(map[string]bool, len(ds.Testcases))
	for codename, tc := range ds.Testcases {
		public[codename] = tc.Public
	}
	return New(ds.ScoreType, ds.ScoreTypeParameters, public)
}

// sortedCodenames returns the testcase codenames in lexicographic order.
// Groups consume testcases in this order, so the order is part of the scoring
// contract.
func sortedCodenames(publicTestcases map[string]bool) []string {
	codenames := make([]string, 0, len(publicTestcases))
	for codename := range publicTestcases {
		codenames = append(codenames, codename)
	}
	sort.Strings(codenames)
	return codenames
}

// TestcaseDetails is one testcase row in the score details. A row without an
// Outcome renders as undefined, eg. a non-public testcase in the public
// breakdown or a missing evaluation.
type TestcaseDetails struct {
	Codename string   `json:"codename"`
	Outcome  string   `json:"outcome,omitempty"`
	Text     string   `json:"text,omitempty"`
	Time     *float64 `json:"time,omitempty"`
	Memory   *int64   `json:"memory,omitempty"`
}

// GroupDetails is one group (subtask) in the score details. Score and
// MaxScore are omitted in the public breakdown of a non-public group.
type GroupDetails struct {
	Idx       int               `json:"idx"`
	Score     *float64          `json:"score,omitempty"`
	MaxScore  *float64          `json:"maxScore,omitempty"`
	Testcases []TestcaseDetails `json:"testcases"`
}

func marshalDetails(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encoding score details")
	}
	return string(b), nil
}

// ScoredSubmission pairs a submission with its scored result for task-score
// computation.
type ScoredSubmission struct {
	Submission *types.Submission
	Score      float64
	Scored     bool
}

// TaskScore applies the task's score mode over the contestant's submissions:
// with SCORE_MODE_MAX the best score counts; with SCORE_MODE_MAX_TOKENED_LAST
// only tokened submissions and the chronologically last one count. Unscored
// submissions never contribute.
func TaskScore(mode types.ScoreMode, submissions []ScoredSubmission) float64 {
	ordered := append([]ScoredSubmission(nil), submissions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Submission.Timestamp.Before(ordered[j].Submission.Timestamp)
	})
	best := 0.0
	for i, s := range ordered {
		if !s.Scored {
			continue
		}
		eligible := true
		if mode == types.SCORE_MODE_MAX_TOKENED_LAST {
			eligible = s.Submission.Token || i == len(ordered)-1
		}
		if eligible && s.Score > best {
			best = s.Score
		}
	}
	return best
}
