package scoretype

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/testutils/unittest"
	"github.com/contestms/grading/go/types"
)

func ev(codename string, outcome float64) *types.Evaluation {
	return &types.Evaluation{
		Codename:      codename,
		Outcome:       outcome,
		Text:          "Output is correct",
		ExecutionTime: 0.1,
	}
}

func evals(outcomes map[string]float64) map[string]*types.Evaluation {
	rv := map[string]*types.Evaluation{}
	for codename, outcome := range outcomes {
		rv[codename] = ev(codename, outcome)
	}
	return rv
}

func allPublic(codenames ...string) map[string]bool {
	rv := map[string]bool{}
	for _, c := range codenames {
		rv[c] = true
	}
	return rv
}

func TestGroupMin(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("GroupMin", "[[100, 3]]", allPublic("t1", "t2", "t3"))
	require.NoError(t, err)

	max, publicMax, headers := st.MaxScores()
	require.Equal(t, 100.0, max)
	require.Equal(t, 100.0, publicMax)
	require.Equal(t, []string{"Subtask 1 (100)"}, headers)

	// All pass.
	score, err := st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 1, "t3": 1}))
	require.NoError(t, err)
	require.Equal(t, 100.0, score.Score)
	require.Equal(t, 100.0, score.PublicScore)

	// One failure zeroes the group.
	score, err = st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 0, "t3": 1}))
	require.NoError(t, err)
	require.Equal(t, 0.0, score.Score)
}

func TestGroupMinPermutationInvariant(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("GroupMin", "[[100, 3]]", allPublic("t1", "t2", "t3"))
	require.NoError(t, err)

	outcomes := []float64{0.2, 0.9, 0.5}
	permutations := [][]int{{0, 1, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	var scores []float64
	for _, perm := range permutations {
		e := map[string]*types.Evaluation{
			"t1": ev("t1", outcomes[perm[0]]),
			"t2": ev("t2", outcomes[perm[1]]),
			"t3": ev("t3", outcomes[perm[2]]),
		}
		score, err := st.ComputeScore(e)
		require.NoError(t, err)
		scores = append(scores, score.Score)
	}
	for _, s := range scores[1:] {
		require.Equal(t, scores[0], s)
	}
	require.InDelta(t, 20.0, scores[0], 1e-9)
}

func TestGroupMinMultipleGroups(t *testing.T) {
	unittest.SmallTest(t)
	public := allPublic("t1", "t2")
	public["t3"] = false
	public["t4"] = false
	st, err := New("GroupMin", "[[40, 2], [60, 2]]", public)
	require.NoError(t, err)

	max, publicMax, _ := st.MaxScores()
	require.Equal(t, 100.0, max)
	require.Equal(t, 40.0, publicMax)

	score, err := st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 1, "t3": 1, "t4": 0}))
	require.NoError(t, err)
	require.Equal(t, 40.0, score.Score)
	require.Equal(t, 40.0, score.PublicScore)

	// The private group's score is hidden in the public breakdown.
	var publicDetails []GroupDetails
	require.NoError(t, json.Unmarshal([]byte(score.PublicDetails), &publicDetails))
	require.Len(t, publicDetails, 2)
	require.NotNil(t, publicDetails[0].Score)
	require.Nil(t, publicDetails[1].Score)
}

func TestGroupMul(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("GroupMul", "[[100, 2]]", allPublic("t1", "t2"))
	require.NoError(t, err)
	score, err := st.ComputeScore(evals(map[string]float64{"t1": 0.5, "t2": 0.5}))
	require.NoError(t, err)
	require.InDelta(t, 25.0, score.Score, 1e-9)
}

func TestGroupThreshold(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("GroupThreshold", "[[100, 3, 0.15, 0.95]]", allPublic("t1", "t2", "t3"))
	require.NoError(t, err)

	// f = 2/3 sits between the thresholds: linear interpolation
	// (f - P1) / (P2 - P1).
	score, err := st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 0, "t3": 1}))
	require.NoError(t, err)
	want := (2.0/3.0 - 0.15) / (0.95 - 0.15) * 100.0
	require.InDelta(t, want, score.Score, 1e-9)

	// Below P1 the group is worth nothing.
	score, err = st.ComputeScore(evals(map[string]float64{"t1": 0, "t2": 0, "t3": 0}))
	require.NoError(t, err)
	require.Equal(t, 0.0, score.Score)

	// Above P2 the group is worth everything.
	score, err = st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 1, "t3": 1}))
	require.NoError(t, err)
	require.Equal(t, 100.0, score.Score)
}

func TestICPC(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("ICPC", "[[1, 2]]", allPublic("t1", "t2"))
	require.NoError(t, err)

	score, err := st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 1}))
	require.NoError(t, err)
	require.Equal(t, 1.0, score.Score)
	var details []GroupDetails
	require.NoError(t, json.Unmarshal([]byte(score.Details), &details))
	require.Equal(t, OutcomeAccepted, details[0].Testcases[0].Outcome)

	score, err = st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 0}))
	require.NoError(t, err)
	require.Equal(t, 0.0, score.Score)
}

func TestSum(t *testing.T) {
	unittest.SmallTest(t)
	public := allPublic("t1", "t2")
	public["t3"] = false
	st, err := New("Sum", "20", public)
	require.NoError(t, err)

	max, publicMax, _ := st.MaxScores()
	require.Equal(t, 60.0, max)
	require.Equal(t, 40.0, publicMax)

	score, err := st.ComputeScore(evals(map[string]float64{"t1": 1, "t2": 0.5, "t3": 1}))
	require.NoError(t, err)
	require.InDelta(t, 50.0, score.Score, 1e-9)
	require.InDelta(t, 30.0, score.PublicScore, 1e-9)
}

func TestMissingEvaluationCountsAsZero(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("GroupMin", "[[100, 2]]", allPublic("t1", "t2"))
	require.NoError(t, err)
	score, err := st.ComputeScore(evals(map[string]float64{"t1": 1}))
	require.NoError(t, err)
	require.Equal(t, 0.0, score.Score)

	var details []GroupDetails
	require.NoError(t, json.Unmarshal([]byte(score.Details), &details))
	require.Equal(t, "", details[0].Testcases[1].Outcome)
}

func TestZeroTestcases(t *testing.T) {
	unittest.SmallTest(t)
	st, err := New("GroupMin", "[]", map[string]bool{})
	require.NoError(t, err)
	score, err := st.ComputeScore(map[string]*types.Evaluation{})
	require.NoError(t, err)
	require.Equal(t, 0.0, score.Score)
	require.Equal(t, 0.0, score.PublicScore)
}

func TestInvalidConfigurations(t *testing.T) {
	unittest.SmallTest(t)
	_, err := New("NoSuchType", "[]", map[string]bool{})
	require.Error(t, err)
	_, err = New("GroupMin", "not json", allPublic("t1"))
	require.Error(t, err)
	// Groups must cover the testcases exactly.
	_, err = New("GroupMin", "[[100, 2]]", allPublic("t1"))
	require.Error(t, err)
	_, err = New("GroupMin", "[[100, 1]]", allPublic("t1", "t2"))
	require.Error(t, err)
	// GroupThreshold needs both thresholds.
	_, err = New("GroupThreshold", "[[100, 1]]", allPublic("t1"))
	require.Error(t, err)
	require.True(t, Valid("ICPC"))
	require.False(t, Valid("icpc"))
}

func scored(id int64, ts time.Time, token bool, score float64) ScoredSubmission {
	return ScoredSubmission{
		Submission: &types.Submission{
			ID:        id,
			Timestamp: ts,
			Token:     token,
		},
		Score:  score,
		Scored: true,
	}
}

func TestTaskScoreMax(t *testing.T) {
	unittest.SmallTest(t)
	t0 := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	subs := []ScoredSubmission{
		scored(1, t0, false, 40),
		scored(2, t0.Add(time.Minute), false, 90),
		scored(3, t0.Add(2*time.Minute), false, 70),
	}
	require.Equal(t, 90.0, TaskScore(types.SCORE_MODE_MAX, subs))
}

func TestTaskScoreMaxTokenedLast(t *testing.T) {
	unittest.SmallTest(t)
	t0 := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

	// Only tokened submissions and the chronologically last one count.
	subs := []ScoredSubmission{
		scored(1, t0, false, 100),
		scored(2, t0.Add(time.Minute), true, 60),
		scored(3, t0.Add(2*time.Minute), false, 30),
	}
	require.Equal(t, 60.0, TaskScore(types.SCORE_MODE_MAX_TOKENED_LAST, subs))

	// The last submission counts even without a token.
	subs[2].Score = 80
	require.Equal(t, 80.0, TaskScore(types.SCORE_MODE_MAX_TOKENED_LAST, subs))

	// Unscored submissions never contribute.
	subs[2].Scored = false
	require.Equal(t, 60.0, TaskScore(types.SCORE_MODE_MAX_TOKENED_LAST, subs))
}
