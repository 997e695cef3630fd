package tasktype

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/contestms/grading/go/exec"
	"github.com/contestms/grading/go/now"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/go/util"
	"github.com/contestms/grading/grading/go/filecache"
)

// communicationParams is the parameter schema of the Communication task type.
type communicationParams struct {
	// Compilation is "stub" (default): the task-provided stub source is
	// compiled together with the submission. "alone" skips the stub.
	Compilation string `json:"compilation"`

	// NumProcesses is the number of contestant processes. Only 1 is
	// supported.
	NumProcesses int `json:"numProcesses"`
}

// communication runs the contestant program against a task-provided manager.
// The two talk over a pair of FIFOs; the manager reads the testcase input on
// its stdin, writes the outcome to its stdout and the contestant-visible text
// to its stderr.
type communication struct {
	params communicationParams
}

func newCommunication(parameters string) (TaskType, error) {
	var params communicationParams
	if parameters != "" {
		if err := json.Unmarshal([]byte(parameters), &params); err != nil {
			return nil, errors.Wrap(err, "decoding Communication parameters")
		}
	}
	switch params.Compilation {
	case "", "stub", "alone":
	default:
		return nil, errors.Errorf("unknown Communication compilation mode %q", params.Compilation)
	}
	if params.NumProcesses > 1 {
		return nil, errors.Errorf("Communication supports one contestant process, not %d", params.NumProcesses)
	}
	return &communication{params: params}, nil
}

// Name implements TaskType.
func (c *communication) Name() string {
	return "Communication"
}

// Compile implements TaskType.
func (c *communication) Compile(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
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
	if c.params.Compilation != "alone" {
		stubName := "stub" + lang.SourceExtension
		digest, ok := job.Managers[stubName]
		if !ok {
			return errors.Errorf("stub compilation requested but manager %q is missing", stubName)
		}
		extra[stubName] = digest
		sources = append(sources, stubName)
	}
	return compileSources(ctx, job, fc, sb, lang, sources, extra)
}

// Evaluate implements TaskType.
func (c *communication) Evaluate(ctx context.Context, job *types.Job, fc *filecache.FileCacher) error {
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
	managerDigest, ok := job.Managers["manager"]
	if !ok {
		return errors.New("Communication evaluation needs the \"manager\" manager")
	}
	if err := sb.fetch(ctx, fc, map[string]types.Digest{"manager": managerDigest}, true); err != nil {
		return err
	}
	if err := fc.GetToPath(ctx, job.Input, sb.path("input.txt")); err != nil {
		return err
	}

	// FIFO pair: the manager gets the paths as arguments, the contestant
	// process gets the open ends as stdin/stdout.
	toUser := sb.path("fifo_to_user")
	fromUser := sb.path("fifo_from_user")
	for _, fifo := range []string{toUser, fromUser} {
		if err := syscall.Mkfifo(fifo, 0666); err != nil {
			return errors.Wrapf(err, "creating fifo %q", fifo)
		}
	}
	userIn, userOut, err := openFifoPair(toUser, fromUser)
	if err != nil {
		return err
	}
	defer util.Close(userIn)

	input, err := os.Open(sb.path("input.txt"))
	if err != nil {
		_ = userOut.Close()
		return errors.Wrap(err, "opening testcase input")
	}
	defer util.Close(input)

	managerTimeout := checkerTimeout
	if t := runTimeout(job); t > 0 {
		managerTimeout += t
	}
	var outcomeBuf, textBuf strings.Builder
	var userErr error
	var wall float64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return exec.Run(egCtx, &exec.Command{
			Name:    sb.path("manager"),
			Args:    []string{toUser, fromUser},
			Dir:     sb.dir,
			Stdin:   input,
			Stdout:  &outcomeBuf,
			Stderr:  &textBuf,
			Timeout: managerTimeout,
		})
	})
	eg.Go(func() error {
		cmdLine := lang.RunCommand(executables[0])
		start := now.Now(egCtx)
		userErr = exec.Run(egCtx, &exec.Command{
			Name:    resolveInSandbox(sb, cmdLine[0]),
			Args:    cmdLine[1:],
			Dir:     sb.dir,
			Stdin:   userIn,
			Stdout:  userOut,
			Timeout: runTimeout(job),
		})
		wall = now.Now(egCtx).Sub(start).Seconds()
		// The manager sees EOF once the contestant's end closes.
		_ = userOut.Close()
		return nil
	})
	managerErr := eg.Wait()

	job.ExecutionWallClockTime = wall
	job.ExecutionTime = wall

	// The contestant process failing is the deterministic outcome; a
	// manager error only matters when the contestant ran clean.
	ok, err = classifyRun(job, userErr)
	if err != nil {
		return err
	}
	if !ok {
		job.Success = true
		return nil
	}
	if managerErr != nil {
		return errors.Wrap(managerErr, "running manager")
	}
	outcome, err := parseCheckerOutcome(outcomeBuf.String())
	if err != nil {
		return err
	}
	job.Outcome = outcome
	job.Text = strings.TrimSpace(firstLine(textBuf.String()))
	if job.Text == "" {
		if outcome >= 1.0 {
			job.Text = TextOutputCorrect
		} else {
			job.Text = TextOutputIncorrect
		}
	}
	job.Success = true
	return nil
}

// openFifoPair opens the contestant's ends of the two FIFOs without blocking
// on the peer: a transient read-write guard on each FIFO satisfies the
// open-time handshake, then the real ends open immediately.
func openFifoPair(toUser, fromUser string) (*os.File, *os.File, error) {
	guardA, err := os.OpenFile(toUser, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening fifo guard")
	}
	guardB, err := os.OpenFile(fromUser, os.O_RDWR, 0)
	if err != nil {
		util.Close(guardA)
		return nil, nil, errors.Wrap(err, "opening fifo guard")
	}
	userIn, err := os.OpenFile(toUser, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err == nil {
		err = clearNonblock(userIn)
	}
	if err != nil {
		util.Close(guardA)
		util.Close(guardB)
		return nil, nil, errors.Wrap(err, "opening contestant stdin fifo")
	}
	userOut, err := os.OpenFile(fromUser, os.O_WRONLY, 0)
	util.Close(guardA)
	util.Close(guardB)
	if err != nil {
		util.Close(userIn)
		return nil, nil, errors.Wrap(err, "opening contestant stdout fifo")
	}
	return userIn, userOut, nil
}

func clearNonblock(f *os.File) error {
	return syscall.SetNonblock(int(f.Fd()), false)
}
