package service

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Command is a compiler invocation with the stdio it inherits.
type Command struct {
	Path string
	// Args includes argv[0].
	Args   []string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type ExecService interface {
	// Run waits for the command and returns its exit code. A child killed
	// by a signal reports 128 plus the signal number, like a shell would.
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

type ExecServiceImpl struct{}

// Run implements ExecService
func (*ExecServiceImpl) Run(ctx context.Context, cmd Command) (int, error) {
	child := exec.CommandContext(ctx, cmd.Path)
	child.Args = cmd.Args
	child.Env = cmd.Env
	child.Dir = cmd.Dir
	child.Stdin = cmd.Stdin
	child.Stdout = cmd.Stdout
	child.Stderr = cmd.Stderr

	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, err
		}
	}
	return ExitCode(child.ProcessState), nil
}

var _ ExecService = (*ExecServiceImpl)(nil)

// ExitCode maps a finished process to the code a shell would report.
func ExitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		status := unix.WaitStatus(ws)
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	return state.ExitCode()
}
