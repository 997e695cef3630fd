package tasktype

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/exec"
	"github.com/contestms/grading/go/now"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/go/util"
	"github.com/contestms/grading/grading/go/filecache"
)

// batchParams is the parameter schema of the Batch task type.
type batchParams struct {
	// Compilation is "alone" (default) or "grader"; with "grader" the
	// task-provided grader source is compiled together with the
	// submission.
	Compilation string `json:"compilation"`

	// InputFile is the file name the contestant program reads, or "" for
	// stdin.
	InputFile string `json:"inputFile"`

	// OutputFile is the file name the contestant program writes, or ""
	// for stdout.
	OutputFile string `json:"outputFile"`

	// Comparator is "whitediff" (default) or "checker".
	Comparator string `json:"comparator"`
}

// batch compiles one submission to one executable and, per testcase, runs it
// against the input and compares its output to the expected output.
type batch struct {
	params batchParams
}

func newBatch(parameters string) (TaskType, error) {
	var params batchParams
	if parameters != "" {
		if err := json.Unmarshal([]byte(parameters), &params); err != nil {
			return nil, errors.Wrap(err, "decoding Batch parameters")
		}
	}
	switch params.Compilation {
	case "", "alone", "grader":
	default:
		return nil, errors.Errorf("unknown Batch compilation mode %q", params.Compilation)
	}
	switch params.Comparator {
	case "", "whitediff", "checker":
	default:
		return nil, errors.Errorf("unknown Batch comparator %q", params.Comparator)
	}
	return &batch{params: params}, nil
}

// Name implements TaskType.
func (b *batch) Name() string {
	return "Batch"
}

// Compile implements TaskType.
func (b *batch) Compile(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
	lang, err := GetLanguage(job.Language)
	if err != nil {
		return err
	}
	sb, err := newSandbox()
	if err != nil {
		return err
	}
	defer sb.cleanup()

	sources := sortedNames(job.Files)
	if len(sources) == 0 {
		return errors.New("compilation job carries no source files")
	}
	extra := map[string]types.Digest{}
	if b.params.Compilation == "grader" {
		graderName := "grader" + lang.SourceExtension
		digest, ok := job.Managers[graderName]
		if !ok {
			return errors.Errorf("grader compilation requested but manager %q is missing", graderName)
		}
		extra[graderName] = digest
		sources = append(sources, graderName)
	}
	return compileSources(ctx, job, fc, sb, lang, sources, extra)
}

// Evaluate implements TaskType.
func (b *batch) Evaluate(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
	lang, err := GetLanguage(job.Language)
	if err != nil {
		return err
	}
	sb, err := newSandbox()
	if err != nil {
		return err
	}
	defer sb.cleanup()

	if err := sb.fetch(ctx, fc, job.Executables, true); err != nil {
		return err
	}
	executables := sortedNames(job.Executables)
	if len(executables) == 0 {
		return errors.New("evaluation job carries no executable")
	}

	inputName := b.params.InputFile
	if inputName == "" {
		inputName = "input.txt"
	}
	if err := fc.GetToPath(ctx, job.Input, sb.path(inputName)); err != nil {
		return err
	}
	outputName := b.params.OutputFile
	if outputName == "" {
		outputName = "output.txt"
	}

	cmdLine := lang.RunCommand(executables[0])
	cmd := &exec.Command{
		Name:    resolveInSandbox(sb, cmdLine[0]),
		Args:    cmdLine[1:],
		Dir:     sb.dir,
		Timeout: runTimeout(job),
	}
	var closers []io.Closer
	if b.params.InputFile == "" {
		stdin, err := os.Open(sb.path(inputName))
		if err != nil {
			return errors.Wrap(err, "opening testcase input")
		}
		closers = append(closers, stdin)
		cmd.Stdin = stdin
	}
	if b.params.OutputFile == "" {
		stdout, err := os.Create(sb.path(outputName))
		if err != nil {
			return errors.Wrap(err, "creating output file")
		}
		closers = append(closers, stdout)
		cmd.Stdout = stdout
	}

	start := now.Now(ctx)
	runErr := exec.Run(ctx, cmd)
	wall := now.Now(ctx).Sub(start).Seconds()
	for _, c := range closers {
		util.Close(c)
	}
	job.ExecutionWallClockTime = wall
	// Wall time stands in for CPU time in this sandbox.
	job.ExecutionTime = wall

	ok, err := classifyRun(job, runErr)
	if err != nil {
		return err
	}
	if !ok {
		job.Success = true
		return nil
	}
	if _, err := os.Stat(sb.path(outputName)); os.IsNotExist(err) {
		job.Outcome = 0.0
		job.Text = fmt.Sprintf("Evaluation didn't produce file %s", outputName)
		job.Success = true
		return nil
	}

	if job.ExpectedOutput == "" {
		// User-test run: there is nothing to compare against. Store the
		// produced output for the contestant to fetch.
		digest, err := fc.PutFile(ctx, sb.path(outputName), fmt.Sprintf("user test output for %s", job.Operation))
		if err != nil {
			return err
		}
		setPlus(job, types.PlusOutput, string(digest))
		job.Outcome = 1.0
		job.Text = TextExecutionCompleted
		job.Success = true
		return nil
	}

	if b.params.Comparator == "checker" {
		if err := b.checkWithChecker(ctx, job, fc, sb, inputName, outputName); err != nil {
			return err
		}
	} else {
		if err := compareWithExpected(ctx, job, fc, sb.path(outputName)); err != nil {
			return err
		}
	}
	job.Success = true
	return nil
}

func (b *batch) checkWithChecker(ctx context.Context, job *types.Job, fc *filecache.FileCacher, sb *sandbox, inputName, outputName string) error {
	digest, ok := job.Managers["checker"]
	if !ok {
		return errors.New("checker comparator requested but manager \"checker\" is missing")
	}
	if err := sb.fetch(ctx, fc, map[string]types.Digest{"checker": digest}, true); err != nil {
		return err
	}
	if err := fc.GetToPath(ctx, job.ExpectedOutput, sb.path("res.txt")); err != nil {
		return err
	}
	return runChecker(ctx, job, sb, sb.path(inputName), sb.path("res.txt"), sb.path(outputName))
}

// resolveInSandbox turns a sandbox-relative command name into an absolute
// path; absolute names pass through.
func resolveInSandbox(sb *sandbox, name string) string {
	if strings.HasPrefix(name, "./") {
		return sb.path(strings.TrimPrefix(name, "./"))
	}
	return name
}
