// Package tasktype implements the executors which run contestant code inside
// a sandbox directory: Batch, Communication, OutputOnly and TwoSteps. An
// executor fills in the Job it is handed; deterministic failures (compile
// errors, wrong answers, runtime errors) are recorded on the Job with
// Success=true, while returned errors mean the infrastructure failed and the
// job should be retried.
package tasktype

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/exec"
	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/go/util"
	"github.com/contestms/grading/grading/go/filecache"
)

const (
	// compilationTimeout bounds a single compilation command.
	compilationTimeout = 20 * time.Second

	// checkerTimeout bounds a checker or manager invocation beyond the
	// contestant's own time limit.
	checkerTimeout = 30 * time.Second

	// timeLimitOverhead is wall-clock slack added on top of the job's CPU
	// time limit before the sandbox kills the process.
	timeLimitOverhead = 2 * time.Second
)

// Outcome texts shown to the contestant.
const (
	TextCompilationSucceeded = "Compilation succeeded"
	TextCompilationFailed    = "Compilation failed"
	TextCompilationTimedOut  = "Compilation timed out"
	TextOutputCorrect        = "Output is correct"
	TextOutputIncorrect      = "Output isn't correct"
	TextTimedOut             = "Execution timed out"
	TextNonzeroReturn        = "Execution failed because the return code was nonzero (%d)"
	TextFileMissing          = "File not submitted"
	TextExecutionCompleted   = "Execution completed successfully"
)

// TaskType is one executor of the closed set. Implementations mutate the Job
// in place: Compile fills Executables and the compilation outcome, Evaluate
// fills Outcome, Text and the measured resources.
type TaskType interface {
	Name() string
	Compile(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error
	Evaluate(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error
}

// Constructor builds a TaskType from the dataset's JSON parameter blob.
type Constructor func(parameters string) (TaskType, error)

// registry is the closed set of task types.
var registry = map[string]Constructor{
	"Batch":         newBatch,
	"Communication": newCommunication,
	"OutputOnly":    newOutputOnly,
	"TwoSteps":      newTwoSteps,
}

// New returns the TaskType named by the dataset, or an error for an unknown
// name or malformed parameters.
func New(name, parameters string) (TaskType, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown task type %q", name)
	}
	return ctor(parameters)
}

// Valid returns true iff name is a known task type.
func Valid(name string) bool {
	_, ok := registry[name]
	return ok
}

// sandbox is a throwaway working directory for one executor step.
type sandbox struct {
	dir string
}

func newSandbox() (*sandbox, error) {
	dir, err := ioutil.TempDir("", "sandbox-")
	if err != nil {
		return nil, errors.Wrap(err, "creating sandbox directory")
	}
	return &sandbox{dir: dir}, nil
}

func (s *sandbox) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *sandbox) cleanup() {
	util.RemoveAll(s.dir)
}

// fetch materializes the named blobs inside the sandbox. Executables get the
// executable bit.
func (s *sandbox) fetch(ctx context.Context, fc *filecache.FileCacher, files map[string]types.Digest, executable bool) error {
	for name, digest := range files {
		dst := s.path(name)
		if err := fc.GetToPath(ctx, digest, dst); err != nil {
			return errors.Wrapf(err, "fetching %q", name)
		}
		if executable {
			if err := os.Chmod(dst, 0755); err != nil {
				return errors.Wrapf(err, "marking %q executable", name)
			}
		}
	}
	return nil
}

// sortedNames returns the file names in a stable order.
func sortedNames(files map[string]types.Digest) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// executableName derives the executable file name from a source file name.
func executableName(source string) string {
	base := filepath.Base(source)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// runTimeout returns the sandbox wall-clock budget for the job's run.
func runTimeout(job *types.Job) time.Duration {
	if job.TimeLimit <= 0 {
		return 0
	}
	return time.Duration(job.TimeLimit*float64(time.Second)) + timeLimitOverhead
}

// setPlus records a diagnostic on the job.
func setPlus(job *types.Job, key, value string) {
	if job.Plus == nil {
		job.Plus = map[string]string{}
	}
	job.Plus[key] = value
}

// classifyRun interprets the error from a contestant-code run. Returns
// (true, nil) when the run finished normally, (false, nil) when it failed
// deterministically with the Job updated accordingly, and (false, err) on an
// infrastructure fault.
func classifyRun(job *types.Job, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if exec.IsTimeout(err) {
		job.Outcome = 0.0
		job.Text = TextTimedOut
		job.ExecutionTime = job.TimeLimit
		return false, nil
	}
	if code, ok := exec.ExitStatus(err); ok {
		job.Outcome = 0.0
		job.Text = fmt.Sprintf(TextNonzeroReturn, code)
		setPlus(job, types.PlusExitStatus, fmt.Sprintf("%d", code))
		return false, nil
	}
	return false, err
}

// compareWithExpected runs the white-diff comparison of the produced output
// against the job's expected output and records the outcome.
func compareWithExpected(ctx context.Context, job *types.Job, fc *filecache.FileCacher, outputPath string) error {
	produced, err := os.Open(outputPath)
	if err != nil {
		return errors.Wrapf(err, "opening produced output %q", outputPath)
	}
	defer util.Close(produced)
	expected, err := fc.Get(ctx, job.ExpectedOutput)
	if err != nil {
		return err
	}
	defer util.Close(expected)
	equal, err := WhiteDiff(produced, expected)
	if err != nil {
		return err
	}
	if equal {
		job.Outcome = 1.0
		job.Text = TextOutputCorrect
	} else {
		job.Outcome = 0.0
		job.Text = TextOutputIncorrect
	}
	return nil
}

// runChecker invokes the task-provided checker on (input, expected, produced)
// and parses the outcome from its stdout and the text from its stderr.
func runChecker(ctx context.Context, job *types.Job, sb *sandbox, inputPath, expectedPath, outputPath string) error {
	var stdout, stderr strings.Builder
	err := exec.Run(ctx, &exec.Command{
		Name:    sb.path("checker"),
		Args:    []string{inputPath, expectedPath, outputPath},
		Dir:     sb.dir,
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: checkerTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "running checker")
	}
	outcome, err := parseCheckerOutcome(stdout.String())
	if err != nil {
		return err
	}
	job.Outcome = outcome
	job.Text = strings.TrimSpace(firstLine(stderr.String()))
	if job.Text == "" {
		if outcome >= 1.0 {
			job.Text = TextOutputCorrect
		} else {
			job.Text = TextOutputIncorrect
		}
	}
	return nil
}

func parseCheckerOutcome(stdout string) (float64, error) {
	var outcome float64
	if _, err := fmt.Sscanf(strings.TrimSpace(firstLine(stdout)), "%g", &outcome); err != nil {
		return 0, errors.Wrapf(err, "parsing checker outcome from %q", stdout)
	}
	if outcome < 0 || outcome > 1 {
		return 0, errors.Errorf("checker outcome %g outside [0, 1]", outcome)
	}
	return outcome, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// tailOf trims compiler output to a bounded suffix fit for the contestant.
func tailOf(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// compileSources is the shared compilation step of the compiled task types:
// fetch the sources (plus any extra files), run the language's compile
// commands and store the executable.
func compileSources(ctx context.Context, job *types.Job, fc *filecache.FileCacher, sb *sandbox, lang *Language, sources []string, extra map[string]types.Digest) error {
	if err := sb.fetch(ctx, fc, job.Files, false); err != nil {
		return err
	}
	if err := sb.fetch(ctx, fc, extra, false); err != nil {
		return err
	}
	executable := executableName(sources[0])
	var output strings.Builder
	for _, cmdLine := range lang.CompilationCommands(sources, executable) {
		err := exec.Run(ctx, &exec.Command{
			Name:           cmdLine[0],
			Args:           cmdLine[1:],
			Dir:            sb.dir,
			CombinedOutput: &output,
			Timeout:        compilationTimeout,
		})
		if err == nil {
			continue
		}
		if exec.IsTimeout(err) {
			job.Success = true
			job.CompilationSuccess = false
			job.Text = TextCompilationTimedOut
			return nil
		}
		if code, ok := exec.ExitStatus(err); ok {
			job.Success = true
			job.CompilationSuccess = false
			job.Text = TextCompilationFailed + "\n" + tailOf(output.String(), 4096)
			setPlus(job, types.PlusExitStatus, fmt.Sprintf("%d", code))
			return nil
		}
		return errors.Wrapf(err, "running %q", cmdLine[0])
	}
	digest, err := fc.PutFile(ctx, sb.path(executable), fmt.Sprintf("executable for %s", job.Operation.String()))
	if err != nil {
		return err
	}
	job.Executables = map[string]types.Digest{executable: digest}
	job.Success = true
	job.CompilationSuccess = true
	job.Text = TextCompilationSucceeded
	sklog.Infof("Compiled %s into %s", job.Operation.String(), executable)
	return nil
}
