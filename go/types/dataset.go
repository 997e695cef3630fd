package types

import (
	"sort"
	"time"
)

// ScoreMode determines how a contestant's task score is derived from their
// submissions' scores.
type ScoreMode string

const (
	// SCORE_MODE_MAX takes the maximum over all submissions.
	SCORE_MODE_MAX ScoreMode = "max"

	// SCORE_MODE_MAX_TOKENED_LAST takes the maximum among tokened
	// submissions and the last submission.
	SCORE_MODE_MAX_TOKENED_LAST ScoreMode = "max_tokened_last"
)

// Task is a problem of the contest. The pipeline reads Tasks only to find the
// datasets to judge and the score mode.
type Task struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	// ActiveDatasetID is the dataset whose results are shown to
	// contestants.
	ActiveDatasetID int64 `json:"activeDatasetId"`

	ScoreMode ScoreMode `json:"scoreMode"`
}

// Copy returns a copy of the Task.
func (t *Task) Copy() *Task {
	rv := *t
	return &rv
}

// Testcase is a single (input, expected output) pair with a codename.
// Testcases hold only their parent dataset's id, not a back pointer.
type Testcase struct {
	DatasetID int64  `json:"datasetId"`
	Codename  string `json:"codename"`
	Public    bool   `json:"public"`
	Input     Digest `json:"input"`
	Output    Digest `json:"output"`
}

// Copy returns a copy of the Testcase.
func (tc *Testcase) Copy() *Testcase {
	rv := *tc
	return &rv
}

// Dataset is a grading configuration for a task: testcases, limits, and the
// task-type and score-type identifiers with their parameters. A dataset is
// effectively immutable once any result references it.
type Dataset struct {
	ID     int64  `json:"id"`
	TaskID int64  `json:"taskId"`

	Description string `json:"description"`

	// Autojudge marks a non-active dataset which should be judged anyway
	// (a "shadow" dataset).
	Autojudge bool `json:"autojudge"`

	TaskType            string `json:"taskType"`
	TaskTypeParameters  string `json:"taskTypeParameters"`
	ScoreType           string `json:"scoreType"`
	ScoreTypeParameters string `json:"scoreTypeParameters"`

	// TimeLimit is the per-testcase CPU limit in seconds; zero means no
	// limit.
	TimeLimit float64 `json:"timeLimit,omitempty"`

	// MemoryLimit is the per-testcase memory limit in bytes; zero means no
	// limit.
	MemoryLimit int64 `json:"memoryLimit,omitempty"`

	// Managers maps manager file names to digests (checkers, graders,
	// communication managers).
	Managers map[string]Digest `json:"managers,omitempty"`

	// Testcases maps codename to Testcase.
	Testcases map[string]*Testcase `json:"testcases"`
}

// Copy returns a deep copy of the Dataset.
func (d *Dataset) Copy() *Dataset {
	rv := *d
	rv.Managers = CopyDigestMap(d.Managers)
	if d.Testcases != nil {
		rv.Testcases = make(map[string]*Testcase, len(d.Testcases))
		for k, v := range d.Testcases {
			rv.Testcases[k] = v.Copy()
		}
	}
	return &rv
}

// TestcaseCodenames returns the codenames of the dataset's testcases in
// lexicographical order. Score types consume testcases in this order.
func (d *Dataset) TestcaseCodenames() []string {
	rv := make([]string, 0, len(d.Testcases))
	for codename := range d.Testcases {
		rv = append(rv, codename)
	}
	sort.Strings(rv)
	return rv
}

// PublicTestcases returns a map from codename to the public flag, as consumed
// by score types.
func (d *Dataset) PublicTestcases() map[string]bool {
	rv := make(map[string]bool, len(d.Testcases))
	for codename, tc := range d.Testcases {
		rv[codename] = tc.Public
	}
	return rv
}

// Submission is one immutable contestant attempt at a task.
type Submission struct {
	ID              int64     `json:"id"`
	ParticipationID int64     `json:"participationId"`
	TaskID          int64     `json:"taskId"`
	Timestamp       time.Time `json:"timestamp"`

	// Language is the optional language tag, eg. "cpp".
	Language string `json:"language,omitempty"`

	// Files maps file names to source digests.
	Files map[string]Digest `json:"files"`

	// Token is set when the contestant played a token on this submission.
	Token bool `json:"token"`
}

// Copy returns a deep copy of the Submission.
func (s *Submission) Copy() *Submission {
	rv := *s
	rv.Files = CopyDigestMap(s.Files)
	return &rv
}

// UserTest is a contestant-provided test run: sources plus an input of their
// choosing. User tests are graded like submissions but are not
// contest-critical and may be rejected under backpressure.
type UserTest struct {
	ID              int64     `json:"id"`
	ParticipationID int64     `json:"participationId"`
	TaskID          int64     `json:"taskId"`
	Timestamp       time.Time `json:"timestamp"`

	Language string            `json:"language,omitempty"`
	Files    map[string]Digest `json:"files"`

	// Input is the digest of the contestant-provided input.
	Input Digest `json:"input"`
}

// Copy returns a deep copy of the UserTest.
func (u *UserTest) Copy() *UserTest {
	rv := *u
	rv.Files = CopyDigestMap(u.Files)
	return &rv
}
