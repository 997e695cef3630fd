package db

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/contestms/grading/go/sql/pool"
	"github.com/contestms/grading/go/types"
)

// SQLDB is the pgx-backed implementation of DB.
type SQLDB struct {
	db *pool.Pool
}

// NewSQLDB returns a SQL-backed DB over the given pool.
func NewSQLDB(db *pool.Pool) *SQLDB {
	return &SQLDB{db: db}
}

// ApplySchema creates the tables if they do not exist.
func (d *SQLDB) ApplySchema(ctx context.Context) error {
	_, err := d.db.Exec(ctx, Schema)
	return errors.Wrap(err, "applying schema")
}

// encodeDigests marshals a digest map for a JSONB column; nil maps store as
// SQL NULL.
func encodeDigests(m map[string]types.Digest) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding digest map")
	}
	return b, nil
}

func decodeDigests(b []byte) (map[string]types.Digest, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]types.Digest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "decoding digest map")
	}
	return m, nil
}

// GetSubmission implements DB.
func (d *SQLDB) GetSubmission(ctx context.Context, id int64) (*types.Submission, error) {
	s := &types.Submission{}
	var files []byte
	row := d.db.QueryRow(ctx, `
SELECT id, participation_id, task_id, ts, language, files, token
FROM Submissions WHERE id = $1`, id)
	if err := row.Scan(&s.ID, &s.ParticipationID, &s.TaskID, &s.Timestamp, &s.Language, &files, &s.Token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "getting submission %d", id)
	}
	var err error
	if s.Files, err = decodeDigests(files); err != nil {
		return nil, err
	}
	return s, nil
}

// GetUserTest implements DB.
func (d *SQLDB) GetUserTest(ctx context.Context, id int64) (*types.UserTest, error) {
	u := &types.UserTest{}
	var files []byte
	row := d.db.QueryRow(ctx, `
SELECT id, participation_id, task_id, ts, language, files, input
FROM UserTests WHERE id = $1`, id)
	if err := row.Scan(&u.ID, &u.ParticipationID, &u.TaskID, &u.Timestamp, &u.Language, &files, &u.Input); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "getting user test %d", id)
	}
	var err error
	if u.Files, err = decodeDigests(files); err != nil {
		return nil, err
	}
	return u, nil
}

// GetTask implements DB.
func (d *SQLDB) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	t := &types.Task{}
	row := d.db.QueryRow(ctx, `
SELECT id, name, active_dataset_id, score_mode FROM Tasks WHERE id = $1`, id)
	if err := row.Scan(&t.ID, &t.Name, &t.ActiveDatasetID, &t.ScoreMode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "getting task %d", id)
	}
	return t, nil
}

// scanDataset scans one Datasets row, without testcases.
func scanDataset(row pgx.Row) (*types.Dataset, error) {
	ds := &types.Dataset{}
	var managers []byte
	if err := row.Scan(&ds.ID, &ds.TaskID, &ds.Description, &ds.Autojudge, &ds.TaskType, &ds.TaskTypeParameters, &ds.ScoreType, &ds.ScoreTypeParameters, &ds.TimeLimit, &ds.MemoryLimit, &managers); err != nil {
		return nil, err
	}
	var err error
	if ds.Managers, err = decodeDigests(managers); err != nil {
		return nil, err
	}
	return ds, nil
}

const datasetColumns = `id, task_id, description, autojudge, task_type, task_type_parameters, score_type, score_type_parameters, time_limit, memory_limit, managers`

// loadTestcases attaches the dataset's testcases.
func (d *SQLDB) loadTestcases(ctx context.Context, ds *types.Dataset) error {
	rows, err := d.db.Query(ctx, `
SELECT codename, public, input, output FROM Testcases WHERE dataset_id = $1`, ds.ID)
	if err != nil {
		return errors.Wrapf(err, "loading testcases of dataset %d", ds.ID)
	}
	defer rows.Close()
	ds.Testcases = map[string]*types.Testcase{}
	for rows.Next() {
		tc := &types.Testcase{DatasetID: ds.ID}
		if err := rows.Scan(&tc.Codename, &tc.Public, &tc.Input, &tc.Output); err != nil {
			return errors.Wrap(err, "scanning testcase")
		}
		ds.Testcases[tc.Codename] = tc
	}
	return rows.Err()
}

// GetDataset implements DB.
func (d *SQLDB) GetDataset(ctx context.Context, id int64) (*types.Dataset, error) {
	ds, err := scanDataset(d.db.QueryRow(ctx, `
SELECT `+datasetColumns+` FROM Datasets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "getting dataset %d", id)
	}
	if err := d.loadTestcases(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// GetDatasetsToJudge implements DB.
func (d *SQLDB) GetDatasetsToJudge(ctx context.Context, taskID int64) ([]*types.Dataset, error) {
	t, err := d.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.Query(ctx, `
SELECT `+datasetColumns+` FROM Datasets
WHERE task_id = $1 AND (id = $2 OR autojudge) ORDER BY id`, taskID, t.ActiveDatasetID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing datasets of task %d", taskID)
	}
	defer rows.Close()
	rv := []*types.Dataset{}
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning dataset")
		}
		rv = append(rv, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing datasets")
	}
	for _, ds := range rv {
		if err := d.loadTestcases(ctx, ds); err != nil {
			return nil, err
		}
	}
	return rv, nil
}

// GetSubmissionsForTask implements DB.
func (d *SQLDB) GetSubmissionsForTask(ctx context.Context, taskID int64) ([]*types.Submission, error) {
	rows, err := d.db.Query(ctx, `
SELECT id, participation_id, task_id, ts, language, files, token
FROM Submissions WHERE task_id = $1 ORDER BY ts`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing submissions of task %d", taskID)
	}
	defer rows.Close()
	rv := []*types.Submission{}
	for rows.Next() {
		s := &types.Submission{}
		var files []byte
		if err := rows.Scan(&s.ID, &s.ParticipationID, &s.TaskID, &s.Timestamp, &s.Language, &files, &s.Token); err != nil {
			return nil, errors.Wrap(err, "scanning submission")
		}
		if s.Files, err = decodeDigests(files); err != nil {
			return nil, err
		}
		rv = append(rv, s)
	}
	return rv, rows.Err()
}

const resultColumns = `submission_id, dataset_id, compilation_outcome, compilation_text, compilation_tries, executables, evaluation_tries, score, score_details, public_score, public_score_details, ranking_score_details, scored, partial, tombstoned, stuck`

func scanResult(row pgx.Row) (*types.SubmissionResult, error) {
	r := &types.SubmissionResult{}
	var executables []byte
	if err := row.Scan(&r.SubmissionID, &r.DatasetID, &r.CompilationOutcome, &r.CompilationText, &r.CompilationTries, &executables, &r.EvaluationTries, &r.Score, &r.ScoreDetails, &r.PublicScore, &r.PublicScoreDetails, &r.RankingScoreDetails, &r.Scored, &r.Partial, &r.Tombstoned, &r.Stuck); err != nil {
		return nil, err
	}
	var err error
	if r.Executables, err = decodeDigests(executables); err != nil {
		return nil, err
	}
	return r, nil
}

// loadEvaluations attaches the result's Evaluation rows.
func (d *SQLDB) loadEvaluations(ctx context.Context, r *types.SubmissionResult) error {
	rows, err := d.db.Query(ctx, `
SELECT codename, outcome, text, execution_time, execution_wall_clock_time, execution_memory
FROM Evaluations WHERE submission_id = $1 AND dataset_id = $2`, r.SubmissionID, r.DatasetID)
	if err != nil {
		return errors.Wrap(err, "loading evaluations")
	}
	defer rows.Close()
	for rows.Next() {
		e := &types.Evaluation{SubmissionID: r.SubmissionID, DatasetID: r.DatasetID}
		if err := rows.Scan(&e.Codename, &e.Outcome, &e.Text, &e.ExecutionTime, &e.ExecutionWallClockTime, &e.ExecutionMemory); err != nil {
			return errors.Wrap(err, "scanning evaluation")
		}
		r.SetEvaluation(e)
	}
	return rows.Err()
}

// GetOrCreateResult implements DB.
func (d *SQLDB) GetOrCreateResult(ctx context.Context, submissionID, datasetID int64) (*types.SubmissionResult, error) {
	err := crdbpgx.ExecuteTx(ctx, d.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO SubmissionResults (submission_id, dataset_id)
VALUES ($1, $2) ON CONFLICT (submission_id, dataset_id) DO NOTHING`, submissionID, datasetID)
		return err // Don't wrap - crdbpgx might retry
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating result (%d, %d)", submissionID, datasetID)
	}
	return d.GetResult(ctx, submissionID, datasetID)
}

// GetResult implements DB.
func (d *SQLDB) GetResult(ctx context.Context, submissionID, datasetID int64) (*types.SubmissionResult, error) {
	r, err := scanResult(d.db.QueryRow(ctx, `
SELECT `+resultColumns+` FROM SubmissionResults
WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "getting result (%d, %d)", submissionID, datasetID)
	}
	if err := d.loadEvaluations(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (d *SQLDB) listResults(ctx context.Context, where string, args ...interface{}) ([]*types.SubmissionResult, error) {
	rows, err := d.db.Query(ctx, `
SELECT `+resultColumns+` FROM SubmissionResults `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing results")
	}
	defer rows.Close()
	rv := []*types.SubmissionResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning result")
		}
		rv = append(rv, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing results")
	}
	for _, r := range rv {
		if err := d.loadEvaluations(ctx, r); err != nil {
			return nil, err
		}
	}
	return rv, nil
}

// GetResultsForDataset implements DB.
func (d *SQLDB) GetResultsForDataset(ctx context.Context, datasetID int64) ([]*types.SubmissionResult, error) {
	return d.listResults(ctx, `WHERE dataset_id = $1 ORDER BY submission_id`, datasetID)
}

// GetUnscoredResults implements DB.
func (d *SQLDB) GetUnscoredResults(ctx context.Context) ([]*types.SubmissionResult, error) {
	return d.listResults(ctx, `WHERE scored = FALSE ORDER BY submission_id, dataset_id`)
}

// guardedUpdate runs the UPDATE inside a retrying transaction and maps "no
// row touched" to ErrStaleWrite or ErrNotFound.
func (d *SQLDB) guardedUpdate(ctx context.Context, submissionID, datasetID int64, update func(tx pgx.Tx) (int64, error)) error {
	return crdbpgx.ExecuteTx(ctx, d.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		n, err := update(tx)
		if err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		if n > 0 {
			return nil
		}
		var one int
		err = tx.QueryRow(ctx, `
SELECT 1 FROM SubmissionResults WHERE submission_id = $1 AND dataset_id = $2`, submissionID, datasetID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleWrite
	})
}

// WriteCompilation implements DB.
func (d *SQLDB) WriteCompilation(ctx context.Context, r *types.SubmissionResult) error {
	executables, err := encodeDigests(r.Executables)
	if err != nil {
		return err
	}
	err = d.guardedUpdate(ctx, r.SubmissionID, r.DatasetID, func(tx pgx.Tx) (int64, error) {
		ct, err := tx.Exec(ctx, `
UPDATE SubmissionResults
SET compilation_outcome = $1, compilation_text = $2, executables = $3,
    tombstoned = $4, stuck = $5, compilation_tries = compilation_tries + 1
WHERE submission_id = $6 AND dataset_id = $7 AND compilation_tries = $8`,
			r.CompilationOutcome, r.CompilationText, executables,
			r.Tombstoned, r.Stuck, r.SubmissionID, r.DatasetID, r.CompilationTries)
		if err != nil {
			return 0, err
		}
		return ct.RowsAffected(), nil
	})
	if err != nil {
		return err
	}
	r.CompilationTries++
	return nil
}

// WriteEvaluation implements DB.
func (d *SQLDB) WriteEvaluation(ctx context.Context, r *types.SubmissionResult, e *types.Evaluation) error {
	err := d.guardedUpdate(ctx, r.SubmissionID, r.DatasetID, func(tx pgx.Tx) (int64, error) {
		ct, err := tx.Exec(ctx, `
UPDATE SubmissionResults
SET tombstoned = $1, stuck = $2, evaluation_tries = evaluation_tries + 1
WHERE submission_id = $3 AND dataset_id = $4 AND evaluation_tries = $5`,
			r.Tombstoned, r.Stuck, r.SubmissionID, r.DatasetID, r.EvaluationTries)
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			return 0, nil
		}
		_, err = tx.Exec(ctx, `
INSERT INTO Evaluations (submission_id, dataset_id, codename, outcome, text, execution_time, execution_wall_clock_time, execution_memory)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (submission_id, dataset_id, codename) DO UPDATE
SET outcome = $4, text = $5, execution_time = $6, execution_wall_clock_time = $7, execution_memory = $8`,
			e.SubmissionID, e.DatasetID, e.Codename, e.Outcome, e.Text,
			e.ExecutionTime, e.ExecutionWallClockTime, e.ExecutionMemory)
		if err != nil {
			return 0, err
		}
		return ct.RowsAffected(), nil
	})
	if err != nil {
		return err
	}
	r.SetEvaluation(e)
	r.EvaluationTries++
	return nil
}

// WriteFlags implements DB.
func (d *SQLDB) WriteFlags(ctx context.Context, r *types.SubmissionResult) error {
	err := d.guardedUpdate(ctx, r.SubmissionID, r.DatasetID, func(tx pgx.Tx) (int64, error) {
		ct, err := tx.Exec(ctx, `
UPDATE SubmissionResults
SET tombstoned = $1, stuck = $2, evaluation_tries = evaluation_tries + 1
WHERE submission_id = $3 AND dataset_id = $4 AND evaluation_tries = $5`,
			r.Tombstoned, r.Stuck, r.SubmissionID, r.DatasetID, r.EvaluationTries)
		if err != nil {
			return 0, err
		}
		return ct.RowsAffected(), nil
	})
	if err != nil {
		return err
	}
	r.EvaluationTries++
	return nil
}

// WriteScore implements DB.
func (d *SQLDB) WriteScore(ctx context.Context, r *types.SubmissionResult) error {
	return d.guardedUpdate(ctx, r.SubmissionID, r.DatasetID, func(tx pgx.Tx) (int64, error) {
		ct, err := tx.Exec(ctx, `
UPDATE SubmissionResults
SET score = $1, score_details = $2, public_score = $3, public_score_details = $4,
    ranking_score_details = $5, scored = $6, partial = $7
WHERE submission_id = $8 AND dataset_id = $9
  AND compilation_tries = $10 AND evaluation_tries = $11`,
			r.Score, r.ScoreDetails, r.PublicScore, r.PublicScoreDetails,
			r.RankingScoreDetails, r.Scored, r.Partial,
			r.SubmissionID, r.DatasetID, r.CompilationTries, r.EvaluationTries)
		if err != nil {
			return 0, err
		}
		return ct.RowsAffected(), nil
	})
}

// ResetResult implements DB.
func (d *SQLDB) ResetResult(ctx context.Context, r *types.SubmissionResult) error {
	executables, err := encodeDigests(r.Executables)
	if err != nil {
		return err
	}
	err = crdbpgx.ExecuteTx(ctx, d.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
UPDATE SubmissionResults
SET compilation_outcome = $1, compilation_text = $2, executables = $3,
    score = $4, score_details = $5, public_score = $6, public_score_details = $7,
    ranking_score_details = $8, scored = $9, partial = $10, tombstoned = $11, stuck = $12,
    compilation_tries = compilation_tries + 1, evaluation_tries = evaluation_tries + 1
WHERE submission_id = $13 AND dataset_id = $14
RETURNING compilation_tries, evaluation_tries`,
			r.CompilationOutcome, r.CompilationText, executables,
			r.Score, r.ScoreDetails, r.PublicScore, r.PublicScoreDetails,
			r.RankingScoreDetails, r.Scored, r.Partial, r.Tombstoned, r.Stuck,
			r.SubmissionID, r.DatasetID)
		if err := row.Scan(&r.CompilationTries, &r.EvaluationTries); err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		if len(r.Evaluations) > 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
DELETE FROM Evaluations WHERE submission_id = $1 AND dataset_id = $2`, r.SubmissionID, r.DatasetID)
		return err // Don't wrap - crdbpgx might retry
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return errors.Wrapf(err, "resetting result (%d, %d)", r.SubmissionID, r.DatasetID)
}

var _ DB = (*SQLDB)(nil)
