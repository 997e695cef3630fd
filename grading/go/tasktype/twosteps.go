package tasktype

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/contestms/grading/go/exec"
	"github.com/contestms/grading/go/now"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/go/util"
	"github.com/contestms/grading/grading/go/filecache"
)

// twoStepsParams is the parameter schema of the TwoSteps task type.
type twoStepsParams struct {
	// Comparator is "whitediff" (default) or "checker".
	Comparator string `json:"comparator"`
}

// twoSteps splits the submission in two programs: the first reads the
// testcase input and streams an encoding to the second, which reconstructs
// the answer. The two run concurrently, connected by a pipe.
type twoSteps struct {
	params twoStepsParams
}

func newTwoSteps(parameters string) (TaskType, error) {
	var params twoStepsParams
	if parameters != "" {
		if err := json.Unmarshal([]byte(parameters), &params); err != nil {
			return nil, errors.Wrap(err, "decoding TwoSteps parameters")
		}
	}
	switch params.Comparator {
	case "", "whitediff", "checker":
	default:
		return nil, errors.Errorf("unknown TwoSteps comparator %q", params.Comparator)
	}
	return &twoSteps{params: params}, nil
}

// Name implements TaskType.
func (t *twoSteps) Name() string {
	return "TwoSteps"
}

// Compile implements TaskType. Each of the two submitted sources compiles to
// its own executable.
func (t *twoSteps) Compile(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
	lang, err := GetLanguage(job.Language)
	if err != nil {
		return err
	}
	sources := sortedNames(job.Files)
	if len(sources) != 2 {
		return errors.Errorf("TwoSteps expects 2 source files, got %d", len(sources))
	}
	sb, err := newSandbox()
	if err != nil {
		return err
	}
	defer sb.cleanup()
	if err := sb.fetch(ctx, fc, job.Files, false); err != nil {
		return err
	}

	executables := map[string]types.Digest{}
	for _, source := range sources {
		single := &types.Job{Operation: job.Operation, Language: job.Language}
		stepSb := &sandbox{dir: sb.dir}
		if err := compileStep(ctx, single, fc, stepSb, lang, source); err != nil {
			return err
		}
		if !single.CompilationSuccess {
			job.Success = true
			job.CompilationSuccess = false
			job.Text = single.Text
			job.Plus = single.Plus
			return nil
		}
		for name, digest := range single.Executables {
			executables[name] = digest
		}
	}
	job.Executables = executables
	job.Success = true
	job.CompilationSuccess = true
	job.Text = TextCompilationSucceeded
	return nil
}

// compileStep compiles one source in an already-populated sandbox.
func compileStep(ctx context.Context, job *types.Job, fc *filecache.FileCacher, sb *sandbox, lang *Language, source string) error {
	job.Files = map[string]types.Digest{}
	return compileSources(ctx, job, fc, sb, lang, []string{source}, nil)
}

// Evaluate implements TaskType.
func (t *twoSteps) Evaluate(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
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
	if len(executables) != 2 {
		return errors.Errorf("TwoSteps expects 2 executables, got %d", len(executables))
	}
	if err := fc.GetToPath(ctx, job.Input, sb.path("input.txt")); err != nil {
		return err
	}
	input, err := os.Open(sb.path("input.txt"))
	if err != nil {
		return errors.Wrap(err, "opening testcase input")
	}
	defer util.Close(input)
	output, err := os.Create(sb.path("output.txt"))
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}

	pr, pw := io.Pipe()
	var firstErr, secondErr error
	var wall float64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		cmdLine := lang.RunCommand(executables[0])
		start := now.Now(egCtx)
		firstErr = exec.Run(egCtx, &exec.Command{
			Name:    resolveInSandbox(sb, cmdLine[0]),
			Args:    cmdLine[1:],
			Dir:     sb.dir,
			Stdin:   input,
			Stdout:  pw,
			Timeout: runTimeout(job),
		})
		wall = now.Now(egCtx).Sub(start).Seconds()
		_ = pw.Close()
		return nil
	})
	eg.Go(func() error {
		cmdLine := lang.RunCommand(executables[1])
		secondErr = exec.Run(egCtx, &exec.Command{
			Name:    resolveInSandbox(sb, cmdLine[0]),
			Args:    cmdLine[1:],
			Dir:     sb.dir,
			Stdin:   pr,
			Stdout:  output,
			Timeout: runTimeout(job),
		})
		_ = pr.Close()
		return nil
	})
	_ = eg.Wait()
	util.Close(output)

	job.ExecutionWallClockTime = wall
	job.ExecutionTime = wall

	runErr := firstErr
	if runErr == nil {
		runErr = secondErr
	}
	ok, err := classifyRun(job, runErr)
	if err != nil {
		return err
	}
	if !ok {
		job.Success = true
		return nil
	}

	if t.params.Comparator == "checker" {
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
		if err := runChecker(ctx, job, sb, sb.path("input.txt"), sb.path("res.txt"), sb.path("output.txt")); err != nil {
			return err
		}
	} else {
		if err := compareWithExpected(ctx, job, fc, sb.path("output.txt")); err != nil {
			return err
		}
	}
	job.Success = true
	return nil
}
