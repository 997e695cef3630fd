package scoretype

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
)

// group is one contiguous run of testcases sharing a maximum score.
// Testcases are consumed from the lexicographically sorted codename list,
// first to last.
type group struct {
	maxScore  float64
	codenames []string
	params    []float64
}

// groupBase implements the shared structure of the group score types. The
// parameters are rows [max_score, testcase_count, extra...]; a subclass
// supplies the reduce function collapsing a group's outcomes into [0, 1] and
// the public outcome string for a single testcase.
type groupBase struct {
	groups        []group
	public        map[string]bool
	reduce        func(outcomes, params []float64) float64
	publicOutcome func(outcome float64, params []float64) string
}

func newGroupBase(parameters string, publicTestcases map[string]bool, minRowLen int,
	reduce func(outcomes, params []float64) float64,
	publicOutcome func(outcome float64, params []float64) string) (*groupBase, error) {
	var rows [][]float64
	if err := json.Unmarshal([]byte(parameters), &rows); err != nil {
		return nil, errors.Wrap(err, "decoding group score parameters")
	}
	codenames := sortedCodenames(publicTestcases)
	g := &groupBase{
		public:        publicTestcases,
		reduce:        reduce,
		publicOutcome: publicOutcome,
	}
	current := 0
	for i, row := range rows {
		if len(row) < minRowLen {
			return nil, errors.Errorf("group %d has %d parameters, want at least %d", i+1, len(row), minRowLen)
		}
		count := int(row[1])
		if count < 0 || current+count > len(codenames) {
			return nil, errors.Errorf("group %d claims %d testcases but only %d remain", i+1, count, len(codenames)-current)
		}
		g.groups = append(g.groups, group{
			maxScore:  row[0],
			codenames: codenames[current : current+count],
			params:    row,
		})
		current += count
	}
	if current != len(codenames) {
		return nil, errors.Errorf("groups cover %d of %d testcases", current, len(codenames))
	}
	return g, nil
}

// MaxScores implements ScoreType.
func (g *groupBase) MaxScores() (float64, float64, []string) {
	score := 0.0
	publicScore := 0.0
	var headers []string
	for i, grp := range g.groups {
		score += grp.maxScore
		if g.groupPublic(grp) {
			publicScore += grp.maxScore
		}
		headers = append(headers, fmt.Sprintf("Subtask %d (%g)", i+1, grp.maxScore))
	}
	return score, publicScore, headers
}

func (g *groupBase) groupPublic(grp group) bool {
	for _, codename := range grp.codenames {
		if !g.public[codename] {
			return false
		}
	}
	return true
}

// ComputeScore implements ScoreType.
func (g *groupBase) ComputeScore(evaluations map[string]*types.Evaluation) (*Score, error) {
	var details []GroupDetails
	var publicDetails []GroupDetails
	var ranking []string
	score := 0.0
	publicScore := 0.0

	for i, grp := range g.groups {
		outcomes := make([]float64, 0, len(grp.codenames))
		rows := make([]TestcaseDetails, 0, len(grp.codenames))
		publicRows := make([]TestcaseDetails, 0, len(grp.codenames))
		for _, codename := range grp.codenames {
			ev, ok := evaluations[codename]
			if !ok {
				// Missing evaluation: outcome zero, undefined row.
				outcomes = append(outcomes, 0.0)
				rows = append(rows, TestcaseDetails{Codename: codename})
				publicRows = append(publicRows, TestcaseDetails{Codename: codename})
				continue
			}
			outcomes = append(outcomes, ev.Outcome)
			row := TestcaseDetails{
				Codename: codename,
				Outcome:  g.publicOutcome(ev.Outcome, grp.params),
				Text:     ev.Text,
				Time:     floatPtr(ev.ExecutionTime),
				Memory:   int64Ptr(ev.ExecutionMemory),
			}
			rows = append(rows, row)
			if g.public[codename] {
				publicRows = append(publicRows, row)
			} else {
				publicRows = append(publicRows, TestcaseDetails{Codename: codename})
			}
		}

		groupScore := 0.0
		if len(outcomes) > 0 {
			groupScore = g.reduce(outcomes, grp.params) * grp.maxScore
		}
		score += groupScore
		detail := GroupDetails{
			Idx:       i + 1,
			Score:     floatPtr(groupScore),
			MaxScore:  floatPtr(grp.maxScore),
			Testcases: rows,
		}
		details = append(details, detail)
		if g.groupPublic(grp) {
			publicScore += groupScore
			publicDetails = append(publicDetails, detail)
		} else {
			publicDetails = append(publicDetails, GroupDetails{
				Idx:       i + 1,
				Testcases: publicRows,
			})
		}
		ranking = append(ranking, fmt.Sprintf("%g", math.Round(groupScore*100)/100))
	}

	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return nil, err
	}
	publicJSON, err := marshalDetails(publicDetails)
	if err != nil {
		return nil, err
	}
	rankingJSON, err := marshalDetails(ranking)
	if err != nil {
		return nil, err
	}
	return &Score{
		Score:          score,
		Details:        detailsJSON,
		PublicScore:    publicScore,
		PublicDetails:  publicJSON,
		RankingDetails: rankingJSON,
	}, nil
}

func floatPtr(f float64) *float64 {
	return &f
}

func int64Ptr(i int64) *int64 {
	return &i
}

// classicOutcome is the public outcome used by the graded group types.
func classicOutcome(outcome float64, _ []float64) string {
	if outcome <= 0.0 {
		return OutcomeNotCorrect
	}
	if outcome >= 1.0 {
		return OutcomeCorrect
	}
	return OutcomePartial
}

// newGroupMin scores each group by its worst testcase: every testcase in the
// group must pass for the group to count.
func newGroupMin(parameters string, publicTestcases map[string]bool) (ScoreType, error) {
	return newGroupBase(parameters, publicTestcases, 2, func(outcomes, _ []float64) float64 {
		min := outcomes[0]
		for _, o := range outcomes[1:] {
			if o < min {
				min = o
			}
		}
		return min
	}, classicOutcome)
}

// newGroupMul scores each group by the product of its outcomes.
func newGroupMul(parameters string, publicTestcases map[string]bool) (ScoreType, error) {
	return newGroupBase(parameters, publicTestcases, 2, func(outcomes, _ []float64) float64 {
		product := 1.0
		for _, o := range outcomes {
			product *= o
		}
		return product
	}, classicOutcome)
}

// newGroupThreshold scores each group by the fraction f of correct answers
// against the thresholds (P1, P2) in the group parameters: zero below P1,
// full above P2, linear interpolation (f-P1)/(P2-P1) in between.
func newGroupThreshold(parameters string, publicTestcases map[string]bool) (ScoreType, error) {
	return newGroupBase(parameters, publicTestcases, 4, func(outcomes, params []float64) float64 {
		p1, p2 := params[2], params[3]
		correct := 0.0
		for _, o := range outcomes {
			correct += o
		}
		f := correct / float64(len(outcomes))
		switch {
		case f < p1:
			return 0.0
		case f > p2:
			return 1.0
		default:
			return (f - p1) / (p2 - p1)
		}
	}, classicOutcome)
}

// newICPC is GroupMin with a binary public outcome: a testcase is either
// accepted or rejected, never partial.
func newICPC(parameters string, publicTestcases map[string]bool) (ScoreType, error) {
	return newGroupBase(parameters, publicTestcases, 2, func(outcomes, _ []float64) float64 {
		min := outcomes[0]
		for _, o := range outcomes[1:] {
			if o < min {
				min = o
			}
		}
		if min > 0.5 {
			return 1.0
		}
		return 0.0
	}, func(outcome float64, _ []float64) string {
		if outcome > 0.5 {
			return OutcomeAccepted
		}
		return OutcomeRejected
	})
}
