package scoretype

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
)

// sum scores a submission as the sum of its outcomes, each multiplied by a
// single scalar weight. The parameter blob is the weight itself.
type sum struct {
	weight float64
	public map[string]bool
}

func newSum(parameters string, publicTestcases map[string]bool) (ScoreType, error) {
	var weight float64
	if err := json.Unmarshal([]byte(parameters), &weight); err != nil {
		return nil, errors.Wrap(err, "decoding Sum score parameter")
	}
	return &sum{
		weight: weight,
		public: publicTestcases,
	}, nil
}

// MaxScores implements ScoreType.
func (s *sum) MaxScores() (float64, float64, []string) {
	score := 0.0
	publicScore := 0.0
	for _, public := range s.public {
		score += s.weight
		if public {
			publicScore += s.weight
		}
	}
	return score, publicScore, nil
}

// ComputeScore implements ScoreType.
func (s *sum) ComputeScore(evaluations map[string]*types.Evaluation) (*Score, error) {
	var rows []TestcaseDetails
	var publicRows []TestcaseDetails
	score := 0.0
	publicScore := 0.0

	for _, codename := range sortedCodenames(s.public) {
		ev, ok := evaluations[codename]
		if !ok {
			rows = append(rows, TestcaseDetails{Codename: codename})
			publicRows = append(publicRows, TestcaseDetails{Codename: codename})
			continue
		}
		tcScore := ev.Outcome * s.weight
		score += tcScore
		row := TestcaseDetails{
			Codename: codename,
			Outcome:  s.outcome(tcScore),
			Text:     ev.Text,
			Time:     floatPtr(ev.ExecutionTime),
			Memory:   int64Ptr(ev.ExecutionMemory),
		}
		rows = append(rows, row)
		if s.public[codename] {
			publicScore += tcScore
			publicRows = append(publicRows, row)
		} else {
			publicRows = append(publicRows, TestcaseDetails{Codename: codename})
		}
	}

	detailsJSON, err := marshalDetails(rows)
	if err != nil {
		return nil, err
	}
	publicJSON, err := marshalDetails(publicRows)
	if err != nil {
		return nil, err
	}
	return &Score{
		Score:          score,
		Details:        detailsJSON,
		PublicScore:    publicScore,
		PublicDetails:  publicJSON,
		RankingDetails: "[]",
	}, nil
}

func (s *sum) outcome(tcScore float64) string {
	if tcScore <= 0.0 {
		return OutcomeNotCorrect
	}
	if tcScore >= s.weight {
		return OutcomeCorrect
	}
	return OutcomePartial
}
