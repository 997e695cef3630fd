/*
Package exec is a wrapper around the os/exec package that supports timeouts
and testing.

Example usage:

Simple command with argument:

	err := exec.Run(ctx, &exec.Command{
		Name: "touch",
		Args: []string{file},
	})

More complicated example:

	output := bytes.Buffer{}
	err := exec.Run(ctx, &exec.Command{
		Name: "make",
		Args: []string{"all"},
		// Set environment:
		Env: []string{fmt.Sprintf("GOPATH=%s", projectGoPath)},
		// Set working directory:
		Dir: projectDir,
		// Capture output:
		CombinedOutput: &output,
		// Set a timeout:
		Timeout: 10 * time.Minute,
	})

Inject a Run function for testing:

	var actual *exec.Command
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, c *exec.Command) error {
		actual = c
		return nil
	})
	TestCodeCallingRun(ctx)
	require.Equal(t, "touch", actual.Name)
*/
package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/sklog"
)

const (
	// TIMEOUT_ERROR_PREFIX is the prefix of the error returned when a
	// command exceeds its Timeout.
	TIMEOUT_ERROR_PREFIX = "Command killed since it took longer than"
)

type contextKeyType string

const contextKey contextKeyType = "overrideRun"

// RunFn is the type of the function used to run a Command; it may be
// overridden via NewContext for testing.
type RunFn func(context.Context, *Command) error

// Command describes a subprocess to run.
type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to
	// a binary or the name of a command that osexec.LookPath can find.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's
	// environment is used.
	Env []string
	// If Env is non-nil, adds the current process's PATH to Env.
	InheritPath bool
	// The working directory of the command. If empty, runs in the current
	// process's current directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// Sends the stdout of the command to this Writer, e.g. os.File or
	// bytes.Buffer.
	Stdout io.Writer
	// Sends the stderr of the command to this Writer.
	Stderr io.Writer
	// Sends the combined stdout and stderr of the command to this Writer,
	// in addition to Stdout and Stderr.
	CombinedOutput io.Writer
	// Time limit to wait for the command to finish. No limit if not
	// specified.
	Timeout time.Duration
}

// String returns the command line for logging.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// squashWriters returns a single writer that writes to all non-nil writers,
// or nil if there are none.
func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := make([]io.Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			nonNil = append(nonNil, w)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

func createCmd(command *Command) *osexec.Cmd {
	cmd := osexec.Command(command.Name, command.Args...)
	if len(command.Env) != 0 {
		cmd.Env = command.Env
		if command.InheritPath {
			cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	cmd.Stdout = squashWriters(command.Stdout, command.CombinedOutput)
	cmd.Stderr = squashWriters(command.Stderr, command.CombinedOutput)
	return cmd
}

// DefaultRun runs the command and waits for it to finish, killing it if it
// exceeds its Timeout. This is the RunFn used when none has been injected via
// NewContext.
func DefaultRun(ctx context.Context, command *Command) error {
	cmd := createCmd(command)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %q", command.Name)
	}
	return waitSimple(ctx, command, cmd)
}

func waitSimple(ctx context.Context, command *Command, cmd *osexec.Cmd) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if command.Timeout > 0 {
		t := time.NewTimer(command.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case err := <-done:
		return err
	case <-timeoutCh:
		killErr := cmd.Process.Kill()
		<-done
		if killErr != nil {
			sklog.Errorf("Failed to kill timed out process %q: %s", command.Name, killErr)
		}
		return fmt.Errorf("%s %s", TIMEOUT_ERROR_PREFIX, command.Timeout)
	case <-ctx.Done():
		killErr := cmd.Process.Kill()
		<-done
		if killErr != nil {
			sklog.Errorf("Failed to kill canceled process %q: %s", command.Name, killErr)
		}
		return ctx.Err()
	}
}

// NewContext returns a context.Context with the given RunFn attached; Run
// calls made with the returned context use that function instead of
// DefaultRun.
func NewContext(ctx context.Context, runFn RunFn) context.Context {
	return context.WithValue(ctx, contextKey, runFn)
}

// Run runs the given Command, using the RunFn attached to the context if one
// exists.
func Run(ctx context.Context, command *Command) error {
	if fn := ctx.Value(contextKey); fn != nil {
		return fn.(RunFn)(ctx, command)
	}
	return DefaultRun(ctx, command)
}

// IsTimeout returns true iff the error indicates that the command exceeded
// its Timeout.
func IsTimeout(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), TIMEOUT_ERROR_PREFIX)
}

// ExitStatus returns the process exit status and true if the error is an
// ExitError, or 0 and false otherwise.
func ExitStatus(err error) (int, bool) {
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus(), true
		}
	}
	return 0, false
}
