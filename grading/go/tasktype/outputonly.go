package tasktype

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/grading/go/filecache"
)

// outputOnlyParams is the parameter schema of the OutputOnly task type.
type outputOnlyParams struct {
	// Comparator is "whitediff" (default) or "checker".
	Comparator string `json:"comparator"`
}

// outputOnly has no contestant code to run: the submission is the set of
// output files, one per testcase, and evaluation only compares.
type outputOnly struct {
	params outputOnlyParams
}

func newOutputOnly(parameters string) (TaskType, error) {
	var params outputOnlyParams
	if parameters != "" {
		if err := json.Unmarshal([]byte(parameters), &params); err != nil {
			return nil, errors.Wrap(err, "decoding OutputOnly parameters")
		}
	}
	switch params.Comparator {
	case "", "whitediff", "checker":
	default:
		return nil, errors.Errorf("unknown OutputOnly comparator %q", params.Comparator)
	}
	return &outputOnly{params: params}, nil
}

// Name implements TaskType.
func (o *outputOnly) Name() string {
	return "OutputOnly"
}

// Compile implements TaskType. There is nothing to compile; the stage
// succeeds immediately so the pipeline shape stays uniform across task types.
func (o *outputOnly) Compile(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
	job.Success = true
	job.CompilationSuccess = true
	job.Text = "No compilation needed"
	job.Executables = map[string]types.Digest{}
	return nil
}

// Evaluate implements TaskType.
func (o *outputOnly) Evaluate(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
	filename := fmt.Sprintf("output_%s.txt", job.Operation.TestcaseCodename)
	digest, ok := job.Files[filename]
	if !ok {
		job.Outcome = 0.0
		job.Text = TextFileMissing
		job.Success = true
		return nil
	}
	sb, err := newSandbox()
	if err != nil {
		return err
	}
	defer sb.cleanup()
	if err := fc.GetToPath(ctx, digest, sb.path(filename)); err != nil {
		return err
	}

	if o.params.Comparator == "checker" {
		checkerDigest, ok := job.Managers["checker"]
		if !ok {
			return errors.New("checker comparator requested but manager \"checker\" is missing")
		}
		if err := sb.fetch(ctx, fc, map[string]types.Digest{"checker": checkerDigest}, true); err != nil {
			return err
		}
		if err := fc.GetToPath(ctx, job.Input, sb.path("input.txt")); err != nil {
			return err
		}
		if err := fc.GetToPath(ctx, job.ExpectedOutput, sb.path("res.txt")); err != nil {
			return err
		}
		if err := runChecker(ctx, job, sb, sb.path("input.txt"), sb.path("res.txt"), sb.path(filename)); err != nil {
			return err
		}
	} else {
		if err := compareWithExpected(ctx, job, fc, sb.path(filename)); err != nil {
			return err
		}
	}
	job.Success = true
	return nil
}
