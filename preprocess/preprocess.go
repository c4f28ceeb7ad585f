// Package preprocess runs the preprocessor in the background while the
// client negotiates with the scheduler.
package preprocess

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	"tbx.at/ccoffload/compilerargs"
	"tbx.at/ccoffload/slot"
)

type SlotAcquirer interface {
	Acquire(ctx context.Context, kind slot.Kind) (*slot.Slot, error)
}

var _ SlotAcquirer = (*slot.Manager)(nil)

// Result is written once by the preprocessing goroutine and must not be
// modified afterwards.
type Result struct {
	Stdout []byte
	Stderr []byte
	// ExitStatus is -1 when the preprocessor could not be run at all.
	ExitStatus int
	// Duration includes the time spent waiting for a slot.
	Duration     time.Duration
	SlotDuration time.Duration
}

func (r *Result) Success() bool {
	return r.ExitStatus == 0
}

type Handle struct {
	done   chan struct{}
	result *Result
}

// Start launches the preprocessor for args. The returned handle completes
// exactly once.
func Start(ctx context.Context, slots SlotAcquirer, compiler string, args *compilerargs.CompilerArgs, logger hclog.Logger) (*Handle, error) {
	if args == nil {
		return nil, errors.New("no compiler arguments to preprocess")
	}
	argv := args.PreprocessArgs()
	if len(argv) == 0 {
		return nil, errors.New("empty preprocessor command line")
	}

	h := &Handle{done: make(chan struct{})}
	go h.run(ctx, slots, compiler, argv, logger.Named("preprocess"))
	return h, nil
}

func (h *Handle) run(ctx context.Context, slots SlotAcquirer, compiler string, argv []string, logger hclog.Logger) {
	result := &Result{ExitStatus: -1}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		h.result = result
		close(h.done)
	}()

	s, err := slots.Acquire(ctx, slot.Preprocess)
	if err != nil {
		logger.Debug("gave up waiting for a preprocess slot", "error", err)
		return
	}
	defer s.Release()
	result.SlotDuration = time.Since(start)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, compiler, argv...)
	// Grandchildren of a killed preprocessor may hold the pipes open.
	cmd.WaitDelay = time.Second
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Trace("running", "compiler", compiler, "args", argv)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			logger.Error("failed to start preprocessor", "compiler", compiler, "error", err)
			return
		}
	}

	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	result.ExitStatus = cmd.ProcessState.ExitCode()
	logger.Debug("finished", "exit_status", result.ExitStatus, "bytes", len(result.Stdout), "slot_wait", result.SlotDuration)
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until preprocessing finished.
func (h *Handle) Wait() *Result {
	<-h.done
	return h.result
}

// Finished reports whether Wait would return immediately.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
