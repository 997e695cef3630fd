package db

import (
	"context"
	"sort"
	"sync"

	"github.com/contestms/grading/go/types"
)

// resultKey identifies one SubmissionResult.
type resultKey struct {
	submissionID int64
	datasetID    int64
}

// MemDB is an in-memory DB used in tests and single-node runs. It applies
// the same tries-counter guard as the SQL implementation.
type MemDB struct {
	mtx         sync.RWMutex
	submissions map[int64]*types.Submission
	userTests   map[int64]*types.UserTest
	tasks       map[int64]*types.Task
	datasets    map[int64]*types.Dataset
	results     map[resultKey]*types.SubmissionResult
}

// NewMemDB returns an empty MemDB.
func NewMemDB() *MemDB {
	return &MemDB{
		submissions: map[int64]*types.Submission{},
		userTests:   map[int64]*types.UserTest{},
		tasks:       map[int64]*types.Task{},
		datasets:    map[int64]*types.Dataset{},
		results:     map[resultKey]*types.SubmissionResult{},
	}
}

// PutSubmission stores a submission. Test seeding only.
func (d *MemDB) PutSubmission(s *types.Submission) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.submissions[s.ID] = s.Copy()
}

// PutUserTest stores a user test. Test seeding only.
func (d *MemDB) PutUserTest(u *types.UserTest) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.userTests[u.ID] = u.Copy()
}

// PutTask stores a task. Test seeding only.
func (d *MemDB) PutTask(t *types.Task) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.tasks[t.ID] = t.Copy()
}

// PutDataset stores a dataset. Test seeding only.
func (d *MemDB) PutDataset(ds *types.Dataset) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.datasets[ds.ID] = ds.Copy()
}

// GetSubmission implements DB.
func (d *MemDB) GetSubmission(ctx context.Context, id int64) (*types.Submission, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	s, ok := d.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Copy(), nil
}

// GetUserTest implements DB.
func (d *MemDB) GetUserTest(ctx context.Context, id int64) (*types.UserTest, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	u, ok := d.userTests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Copy(), nil
}

// GetTask implements DB.
func (d *MemDB) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Copy(), nil
}

// GetDataset implements DB.
func (d *MemDB) GetDataset(ctx context.Context, id int64) (*types.Dataset, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	ds, ok := d.datasets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ds.Copy(), nil
}

// GetDatasetsToJudge implements DB.
func (d *MemDB) GetDatasetsToJudge(ctx context.Context, taskID int64) ([]*types.Dataset, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	rv := []*types.Dataset{}
	for _, ds := range d.datasets {
		if ds.TaskID == taskID && (ds.ID == t.ActiveDatasetID || ds.Autojudge) {
			rv = append(rv, ds.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].ID < rv[j].ID })
	return rv, nil
}

// GetSubmissionsForTask implements DB.
func (d *MemDB) GetSubmissionsForTask(ctx context.Context, taskID int64) ([]*types.Submission, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.Submission{}
	for _, s := range d.submissions {
		if s.TaskID == taskID {
			rv = append(rv, s.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Timestamp.Before(rv[j].Timestamp) })
	return rv, nil
}

// GetOrCreateResult implements DB.
func (d *MemDB) GetOrCreateResult(ctx context.Context, submissionID, datasetID int64) (*types.SubmissionResult, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	key := resultKey{submissionID: submissionID, datasetID: datasetID}
	r, ok := d.results[key]
	if !ok {
		r = &types.SubmissionResult{SubmissionID: submissionID, DatasetID: datasetID}
		d.results[key] = r
	}
	return r.Copy(), nil
}

// GetResult implements DB.
func (d *MemDB) GetResult(ctx context.Context, submissionID, datasetID int64) (*types.SubmissionResult, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	r, ok := d.results[resultKey{submissionID: submissionID, datasetID: datasetID}]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Copy(), nil
}

// GetResultsForDataset implements DB.
func (d *MemDB) GetResultsForDataset(ctx context.Context, datasetID int64) ([]*types.SubmissionResult, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.SubmissionResult{}
	for _, r := range d.results {
		if r.DatasetID == datasetID {
			rv = append(rv, r.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].SubmissionID < rv[j].SubmissionID })
	return rv, nil
}

// GetUnscoredResults implements DB.
func (d *MemDB) GetUnscoredResults(ctx context.Context) ([]*types.SubmissionResult, error) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	rv := []*types.SubmissionResult{}
	for _, r := range d.results {
		if !r.Scored {
			rv = append(rv, r.Copy())
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].SubmissionID != rv[j].SubmissionID {
			return rv[i].SubmissionID < rv[j].SubmissionID
		}
		return rv[i].DatasetID < rv[j].DatasetID
	})
	return rv, nil
}

// WriteCompilation implements DB.
func (d *MemDB) WriteCompilation(ctx context.Context, r *types.SubmissionResult) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, ok := d.results[resultKey{submissionID: r.SubmissionID, datasetID: r.DatasetID}]
	if !ok {
		return ErrNotFound
	}
	if stored.CompilationTries != r.CompilationTries {
		return ErrStaleWrite
	}
	stored.CompilationOutcome = r.CompilationOutcome
	stored.CompilationText = r.CompilationText
	stored.Executables = types.CopyDigestMap(r.Executables)
	stored.Tombstoned = r.Tombstoned
	stored.Stuck = r.Stuck
	stored.CompilationTries++
	r.CompilationTries = stored.CompilationTries
	return nil
}

// WriteEvaluation implements DB.
func (d *MemDB) WriteEvaluation(ctx context.Context, r *types.SubmissionResult, e *types.Evaluation) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, ok := d.results[resultKey{submissionID: r.SubmissionID, datasetID: r.DatasetID}]
	if !ok {
		return ErrNotFound
	}
	if stored.EvaluationTries != r.EvaluationTries {
		return ErrStaleWrite
	}
	stored.SetEvaluation(e.Copy())
	stored.Tombstoned = r.Tombstoned
	stored.Stuck = r.Stuck
	stored.EvaluationTries++
	r.SetEvaluation(e)
	r.EvaluationTries = stored.EvaluationTries
	return nil
}

// WriteFlags implements DB.
func (d *MemDB) WriteFlags(ctx context.Context, r *types.SubmissionResult) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, ok := d.results[resultKey{submissionID: r.SubmissionID, datasetID: r.DatasetID}]
	if !ok {
		return ErrNotFound
	}
	if stored.EvaluationTries != r.EvaluationTries {
		return ErrStaleWrite
	}
	stored.Tombstoned = r.Tombstoned
	stored.Stuck = r.Stuck
	stored.EvaluationTries++
	r.EvaluationTries = stored.EvaluationTries
	return nil
}

// WriteScore implements DB.
func (d *MemDB) WriteScore(ctx context.Context, r *types.SubmissionResult) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	stored, ok := d.results[resultKey{submissionID: r.SubmissionID, datasetID: r.DatasetID}]
	if !ok {
		return ErrNotFound
	}
	if stored.CompilationTries != r.CompilationTries || stored.EvaluationTries != r.EvaluationTries {
		return ErrStaleWrite
	}
	stored.Score = r.Score
	stored.ScoreDetails = r.ScoreDetails
	stored.PublicScore = r.PublicScore
	stored.PublicScoreDetails = r.PublicScoreDetails
	stored.RankingScoreDetails = r.RankingScoreDetails
	stored.Scored = r.Scored
	stored.Partial = r.Partial
	return nil
}

// ResetResult implements DB.
func (d *MemDB) ResetResult(ctx context.Context, r *types.SubmissionResult) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	key := resultKey{submissionID: r.SubmissionID, datasetID: r.DatasetID}
	stored, ok := d.results[key]
	if !ok {
		return ErrNotFound
	}
	fresh := r.Copy()
	fresh.CompilationTries = stored.CompilationTries + 1
	fresh.EvaluationTries = stored.EvaluationTries + 1
	d.results[key] = fresh
	r.CompilationTries = fresh.CompilationTries
	r.EvaluationTries = fresh.EvaluationTries
	return nil
}

var _ DB = (*MemDB)(nil)
