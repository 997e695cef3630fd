package tasktype

import (
	"context"
	"io/ioutil"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/exec"
	"github.com/contestms/grading/go/testutils/unittest"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/filecache"
)

func TestWhiteDiff(t *testing.T) {
	unittest.SmallTest(t)
	cases := []struct {
		name  string
		a, b  string
		equal bool
	}{
		{"identical", "1 2 3\n", "1 2 3\n", true},
		{"whitespace runs", "1  2\t3\n", "1 2 3\n", true},
		{"trailing blank lines", "1 2 3\n\n\n", "1 2 3", true},
		{"trailing spaces", "1 2 3   \n", "1 2 3\n", true},
		{"different token", "1 2 3\n", "1 2 4\n", false},
		{"missing token", "1 2\n", "1 2 3\n", false},
		{"tokens split across lines", "1 2\n3\n", "1 2 3\n", false},
		{"interior blank line", "1\n\n2\n", "1\n2\n", false},
		{"both empty", "", "\n\n", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			equal, err := WhiteDiff(strings.NewReader(tc.a), strings.NewReader(tc.b))
			require.NoError(t, err)
			require.Equal(t, tc.equal, equal)
		})
	}
}

func TestLanguages(t *testing.T) {
	unittest.SmallTest(t)
	c, err := GetLanguage("C11 / gcc")
	require.NoError(t, err)
	cmds := c.CompilationCommands([]string{"sol.c"}, "sol")
	require.Len(t, cmds, 1)
	require.Contains(t, cmds[0], "sol.c")
	require.Contains(t, cmds[0], "-lm")
	require.Equal(t, []string{"./sol"}, c.RunCommand("sol"))

	py, err := LanguageForSource("sol.py")
	require.NoError(t, err)
	require.Equal(t, "Python 3 / CPython", py.Name)
	require.Equal(t, []string{"/usr/bin/python3", "sol"}, py.RunCommand("sol"))

	_, err = GetLanguage("COBOL")
	require.Error(t, err)
	_, err = LanguageForSource("sol.rs")
	require.Error(t, err)
	require.Len(t, LanguageNames(), 3)
}

func TestRegistry(t *testing.T) {
	unittest.SmallTest(t)
	for _, name := range []string{"Batch", "Communication", "OutputOnly", "TwoSteps"} {
		require.True(t, Valid(name))
		tt, err := New(name, "")
		require.NoError(t, err)
		require.Equal(t, name, tt.Name())
	}
	require.False(t, Valid("Interactive"))
	_, err := New("Interactive", "")
	require.Error(t, err)
	_, err = New("Batch", `{"comparator": "md5"}`)
	require.Error(t, err)
}

func setupCache(t *testing.T) (*filecache.FileCacher, func()) {
	tmp, err := ioutil.TempDir("", "tasktype_test_")
	require.NoError(t, err)
	fc, err := filecache.New(filecache.NewMemBackend(), filepath.Join(tmp, "cache"))
	require.NoError(t, err)
	return fc, func() {
		_ = os.RemoveAll(tmp)
	}
}

func evaluationJob(t *testing.T, fc *filecache.FileCacher, input, expected string) *types.Job {
	ctx := context.Background()
	inputDigest, err := fc.PutBytes(ctx, []byte(input), "")
	require.NoError(t, err)
	expectedDigest, err := fc.PutBytes(ctx, []byte(expected), "")
	require.NoError(t, err)
	exeDigest, err := fc.PutBytes(ctx, []byte("print(6 * 7)\n"), "")
	require.NoError(t, err)
	return &types.Job{
		Kind: types.JOB_KIND_EVALUATION,
		Operation: types.Operation{
			Kind:             types.OPERATION_EVALUATION,
			ObjectID:         1,
			DatasetID:        1,
			TestcaseCodename: "t1",
		},
		TaskType:       "Batch",
		Language:       "Python 3 / CPython",
		Executables:    map[string]types.Digest{"sol": exeDigest},
		Input:          inputDigest,
		ExpectedOutput: expectedDigest,
		TimeLimit:      2.0,
	}
}

func TestBatchEvaluateCorrect(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	job := evaluationJob(t, fc, "anything\n", "42\n")

	// The injected runner stands in for the contestant program.
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		_, err := cmd.Stdout.Write([]byte("42\n"))
		return err
	})
	tt, err := New("Batch", "")
	require.NoError(t, err)
	require.NoError(t, tt.Evaluate(ctx, job, fc))
	require.True(t, job.Success)
	require.Equal(t, 1.0, job.Outcome)
	require.Equal(t, TextOutputCorrect, job.Text)
}

func TestBatchEvaluateWrongAnswer(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	job := evaluationJob(t, fc, "anything\n", "42\n")

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		_, err := cmd.Stdout.Write([]byte("41\n"))
		return err
	})
	tt, err := New("Batch", "")
	require.NoError(t, err)
	require.NoError(t, tt.Evaluate(ctx, job, fc))
	require.True(t, job.Success)
	require.Equal(t, 0.0, job.Outcome)
	require.Equal(t, TextOutputIncorrect, job.Text)
}

func TestBatchEvaluateTimeout(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	job := evaluationJob(t, fc, "anything\n", "42\n")

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return errors.Errorf("%s %s", exec.TIMEOUT_ERROR_PREFIX, cmd.Timeout)
	})
	tt, err := New("Batch", "")
	require.NoError(t, err)
	require.NoError(t, tt.Evaluate(ctx, job, fc))
	require.True(t, job.Success)
	require.Equal(t, 0.0, job.Outcome)
	require.Equal(t, TextTimedOut, job.Text)
	require.Equal(t, job.TimeLimit, job.ExecutionTime)
}

func TestBatchEvaluateTombstonedInput(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	job := evaluationJob(t, fc, "anything\n", "42\n")
	require.NoError(t, fc.Tombstone(context.Background(), job.Input))

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		return nil
	})
	tt, err := New("Batch", "")
	require.NoError(t, err)
	err = tt.Evaluate(ctx, job, fc)
	require.Error(t, err)
	require.True(t, errors.Is(err, filecache.ErrTombstone))
}

func TestBatchCompile(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()
	srcDigest, err := fc.PutBytes(ctx, []byte("int main() { return 0; }\n"), "")
	require.NoError(t, err)
	job := &types.Job{
		Kind: types.JOB_KIND_COMPILATION,
		Operation: types.Operation{
			Kind:      types.OPERATION_COMPILATION,
			ObjectID:  1,
			DatasetID: 1,
		},
		TaskType: "Batch",
		Language: "C11 / gcc",
		Files:    map[string]types.Digest{"sol.c": srcDigest},
	}

	// The injected runner stands in for the compiler and produces the
	// executable.
	runCtx := exec.NewContext(ctx, func(ctx context.Context, cmd *exec.Command) error {
		return ioutil.WriteFile(filepath.Join(cmd.Dir, "sol"), []byte("#!/bin/true\n"), 0755)
	})
	tt, err := New("Batch", "")
	require.NoError(t, err)
	require.NoError(t, tt.Compile(runCtx, job, fc))
	require.True(t, job.Success)
	require.True(t, job.CompilationSuccess)
	require.Equal(t, TextCompilationSucceeded, job.Text)
	require.Len(t, job.Executables, 1)
	require.Contains(t, job.Executables, "sol")

	// The stored executable round-trips through the cache.
	blob, err := fc.GetBytes(ctx, job.Executables["sol"])
	require.NoError(t, err)
	require.Equal(t, []byte("#!/bin/true\n"), blob)
}

func TestBatchCompileTimeout(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()
	srcDigest, err := fc.PutBytes(ctx, []byte("int main() { return 0; }\n"), "")
	require.NoError(t, err)
	job := &types.Job{
		Kind:      types.JOB_KIND_COMPILATION,
		Operation: types.Operation{Kind: types.OPERATION_COMPILATION, ObjectID: 1, DatasetID: 1},
		TaskType:  "Batch",
		Language:  "C11 / gcc",
		Files:     map[string]types.Digest{"sol.c": srcDigest},
	}
	runCtx := exec.NewContext(ctx, func(ctx context.Context, cmd *exec.Command) error {
		return errors.Errorf("%s %s", exec.TIMEOUT_ERROR_PREFIX, cmd.Timeout)
	})
	tt, err := New("Batch", "")
	require.NoError(t, err)
	require.NoError(t, tt.Compile(runCtx, job, fc))
	require.True(t, job.Success)
	require.False(t, job.CompilationSuccess)
	require.Equal(t, TextCompilationTimedOut, job.Text)
}

func TestClassifyRunExitError(t *testing.T) {
	unittest.SmallTest(t)
	// A genuine nonzero exit from a real process.
	runErr := osexec.Command("/bin/sh", "-c", "exit 3").Run()
	require.Error(t, runErr)

	job := &types.Job{}
	ok, err := classifyRun(job, runErr)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0.0, job.Outcome)
	require.Contains(t, job.Text, "return code was nonzero (3)")
	require.Equal(t, "3", job.Plus[types.PlusExitStatus])
}

func TestClassifyRunInfraError(t *testing.T) {
	unittest.SmallTest(t)
	job := &types.Job{}
	infra := errors.New("no space left on device")
	ok, err := classifyRun(job, infra)
	require.Error(t, err)
	require.False(t, ok)
}

func TestOutputOnlyEvaluate(t *testing.T) {
	unittest.SmallTest(t)
	fc, cleanup := setupCache(t)
	defer cleanup()
	ctx := context.Background()
	expectedDigest, err := fc.PutBytes(ctx, []byte("7 11\n"), "")
	require.NoError(t, err)
	outDigest, err := fc.PutBytes(ctx, []byte("7  11\n"), "")
	require.NoError(t, err)
	job := &types.Job{
		Kind: types.JOB_KIND_EVALUATION,
		Operation: types.Operation{
			Kind:             types.OPERATION_EVALUATION,
			ObjectID:         2,
			DatasetID:        1,
			TestcaseCodename: "t2",
		},
		TaskType:       "OutputOnly",
		Files:          map[string]types.Digest{"output_t2.txt": outDigest},
		ExpectedOutput: expectedDigest,
	}
	tt, err := New("OutputOnly", "")
	require.NoError(t, err)
	require.NoError(t, tt.Evaluate(ctx, job, fc))
	require.True(t, job.Success)
	require.Equal(t, 1.0, job.Outcome)

	// A testcase with no submitted file scores zero deterministically.
	job2 := job.Copy()
	job2.Operation.TestcaseCodename = "t3"
	job2.Outcome = 0
	require.NoError(t, tt.Evaluate(ctx, job2, fc))
	require.True(t, job2.Success)
	require.Equal(t, 0.0, job2.Outcome)
	require.Equal(t, TextFileMissing, job2.Text)
}

func TestParseCheckerOutcome(t *testing.T) {
	unittest.SmallTest(t)
	outcome, err := parseCheckerOutcome("0.5\n")
	require.NoError(t, err)
	require.Equal(t, 0.5, outcome)
	outcome, err = parseCheckerOutcome("1")
	require.NoError(t, err)
	require.Equal(t, 1.0, outcome)
	_, err = parseCheckerOutcome("perfect\n")
	require.Error(t, err)
	_, err = parseCheckerOutcome("2.5\n")
	require.Error(t, err)
}
