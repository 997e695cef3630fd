package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/deepequal/assertdeep"
	"github.com/contestms/grading/go/testutils/unittest"
	"github.com/contestms/grading/go/types"
)

func testDataset(id, taskID int64) *types.Dataset {
	return &types.Dataset{
		ID:        id,
		TaskID:    taskID,
		TaskType:  "Batch",
		ScoreType: "GroupMin",
		TimeLimit: 2.0,
		Testcases: map[string]*types.Testcase{
			"t1": {DatasetID: id, Codename: "t1", Public: true, Input: "in1", Output: "out1"},
			"t2": {DatasetID: id, Codename: "t2", Input: "in2", Output: "out2"},
		},
	}
}

func testSubmission(id, taskID int64, ts time.Time) *types.Submission {
	return &types.Submission{
		ID:              id,
		ParticipationID: 7,
		TaskID:          taskID,
		Timestamp:       ts,
		Language:        "C++17 / g++",
		Files:           map[string]types.Digest{"sol.cpp": "abc123"},
	}
}

func TestEntityRoundTrips(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()

	task := &types.Task{ID: 1, Name: "sum", ActiveDatasetID: 10, ScoreMode: types.SCORE_MODE_MAX}
	d.PutTask(task)
	ds := testDataset(10, 1)
	d.PutDataset(ds)
	sub := testSubmission(100, 1, time.Unix(1700000000, 0).UTC())
	d.PutSubmission(sub)
	ut := &types.UserTest{ID: 200, ParticipationID: 7, TaskID: 1, Timestamp: time.Unix(1700000100, 0).UTC(), Files: map[string]types.Digest{"sol.cpp": "abc123"}, Input: "myinput"}
	d.PutUserTest(ut)

	gotTask, err := d.GetTask(ctx, 1)
	require.NoError(t, err)
	assertdeep.Equal(t, task, gotTask)
	gotDs, err := d.GetDataset(ctx, 10)
	require.NoError(t, err)
	assertdeep.Equal(t, ds, gotDs)
	gotSub, err := d.GetSubmission(ctx, 100)
	require.NoError(t, err)
	assertdeep.Equal(t, sub, gotSub)
	gotUt, err := d.GetUserTest(ctx, 200)
	require.NoError(t, err)
	assertdeep.Equal(t, ut, gotUt)

	_, err = d.GetTask(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = d.GetSubmission(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetDatasetsToJudge(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	d.PutTask(&types.Task{ID: 1, ActiveDatasetID: 10})
	d.PutDataset(testDataset(10, 1))
	shadow := testDataset(11, 1)
	shadow.Autojudge = true
	d.PutDataset(shadow)
	ignored := testDataset(12, 1)
	d.PutDataset(ignored)

	got, err := d.GetDatasetsToJudge(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(10), got[0].ID)
	require.Equal(t, int64(11), got[1].ID)
}

func TestGetSubmissionsForTaskOrdered(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	base := time.Unix(1700000000, 0).UTC()
	d.PutSubmission(testSubmission(2, 1, base.Add(time.Minute)))
	d.PutSubmission(testSubmission(1, 1, base))
	d.PutSubmission(testSubmission(3, 2, base))

	got, err := d.GetSubmissionsForTask(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].ID)
	require.Equal(t, int64(2), got[1].ID)
}

func TestGetOrCreateResultIdempotent(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()

	r1, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)
	require.Equal(t, 0, r1.CompilationTries)
	require.False(t, r1.Compiled())

	r1.CompilationOutcome = types.COMPILATION_OK
	require.NoError(t, d.WriteCompilation(ctx, r1))

	r2, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)
	require.Equal(t, types.COMPILATION_OK, r2.CompilationOutcome)
	require.Equal(t, 1, r2.CompilationTries)
}

func TestWriteCompilationGuard(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	r, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)
	stale := r.Copy()

	r.CompilationOutcome = types.COMPILATION_OK
	r.Executables = map[string]types.Digest{"sol": "exe123"}
	require.NoError(t, d.WriteCompilation(ctx, r))
	require.Equal(t, 1, r.CompilationTries)

	// A late worker carrying the old counter loses the race.
	stale.CompilationOutcome = types.COMPILATION_FAIL
	require.ErrorIs(t, d.WriteCompilation(ctx, stale), ErrStaleWrite)

	got, err := d.GetResult(ctx, 100, 10)
	require.NoError(t, err)
	require.Equal(t, types.COMPILATION_OK, got.CompilationOutcome)
	require.Equal(t, types.Digest("exe123"), got.Executables["sol"])
}

func TestWriteEvaluationUpsert(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	r, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)

	e := &types.Evaluation{SubmissionID: 100, DatasetID: 10, Codename: "t1", Outcome: 1.0, Text: "Output is correct"}
	require.NoError(t, d.WriteEvaluation(ctx, r, e))
	require.Equal(t, 1, r.EvaluationTries)

	// Re-delivery with the fresh counter overwrites in place.
	redo := e.Copy()
	redo.Outcome = 0.5
	require.NoError(t, d.WriteEvaluation(ctx, r, redo))

	got, err := d.GetResult(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, got.Evaluations, 1)
	require.Equal(t, 0.5, got.Evaluations["t1"].Outcome)
	require.Equal(t, 2, got.EvaluationTries)

	// A stale counter is dropped.
	staleResult := got.Copy()
	staleResult.EvaluationTries = 0
	require.ErrorIs(t, d.WriteEvaluation(ctx, staleResult, e), ErrStaleWrite)
}

func TestWriteScoreGuard(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	r, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)

	r.Score = 100
	r.Scored = true
	require.NoError(t, d.WriteScore(ctx, r))
	got, err := d.GetResult(ctx, 100, 10)
	require.NoError(t, err)
	require.True(t, got.Scored)
	require.Equal(t, 100.0, got.Score)

	// A reevaluation bumping the counters invalidates a stale scorer.
	fresh := got.Copy()
	fresh.InvalidateCompilation()
	require.NoError(t, d.ResetResult(ctx, fresh))
	require.ErrorIs(t, d.WriteScore(ctx, r), ErrStaleWrite)
}

func TestResetResultBumpsCounters(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	r, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)
	r.CompilationOutcome = types.COMPILATION_OK
	require.NoError(t, d.WriteCompilation(ctx, r))
	e := &types.Evaluation{SubmissionID: 100, DatasetID: 10, Codename: "t1", Outcome: 1.0}
	require.NoError(t, d.WriteEvaluation(ctx, r, e))

	r.InvalidateCompilation()
	require.NoError(t, d.ResetResult(ctx, r))
	require.Equal(t, 2, r.CompilationTries)
	require.Equal(t, 2, r.EvaluationTries)

	got, err := d.GetResult(ctx, 100, 10)
	require.NoError(t, err)
	require.False(t, got.Compiled())
	require.Empty(t, got.Evaluations)
	require.Equal(t, 2, got.CompilationTries)
}

func TestGetUnscoredResults(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	d := NewMemDB()
	_, err := d.GetOrCreateResult(ctx, 100, 10)
	require.NoError(t, err)
	r2, err := d.GetOrCreateResult(ctx, 101, 10)
	require.NoError(t, err)

	r2.Scored = true
	require.NoError(t, d.WriteScore(ctx, r2))

	got, err := d.GetUnscoredResults(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(100), got[0].SubmissionID)
}
