package client

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"tbx.at/ccoffload"
	"tbx.at/ccoffload/compilerargs"
	"tbx.at/ccoffload/config"
	"tbx.at/ccoffload/environment"
	"tbx.at/ccoffload/negotiation"
	"tbx.at/ccoffload/preprocess"
	"tbx.at/ccoffload/service"
	"tbx.at/ccoffload/slot"
	"tbx.at/ccoffload/watchdog"
)

type msgPreprocessed struct{}

type Orchestrator struct {
	config     *config.Config
	dialer     negotiation.Dialer
	invocation *Invocation
	logger     hclog.Logger
	services   *service.Services
	slots      *slot.Manager

	cancel       context.CancelCauseFunc
	client       *negotiation.Client
	desired      *slot.Slot
	fallbackOnce sync.Once
	outcome      Outcome
	preprocessed *preprocess.Handle
	scheduler    *negotiation.SchedulerSession
	watchdog     *watchdog.Watchdog
	worker       *negotiation.WorkerSession
}

func NewOrchestrator(cfg *config.Config, invocation *Invocation, slots *slot.Manager, services *service.Services, dialer negotiation.Dialer, logger hclog.Logger) *Orchestrator {
	return &Orchestrator{
		config:     cfg,
		dialer:     dialer,
		invocation: invocation,
		logger:     logger.With("invocation", invocation.ID.String()),
		services:   services,
		slots:      slots,
	}
}

// Watchdog is nil until negotiation started.
func (o *Orchestrator) Watchdog() *watchdog.Watchdog {
	return o.watchdog
}

// Preprocessed is nil unless preprocessing finished.
func (o *Orchestrator) Preprocessed() *preprocess.Result {
	if o.preprocessed == nil || !o.preprocessed.Finished() {
		return nil
	}
	return o.preprocessed.Wait()
}

// Run compiles the invocation remotely if everything goes well and locally
// otherwise.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	inv := o.invocation

	if !o.config.NoDesire {
		if s, ok := o.slots.TryAcquire(slot.DesiredCompile); ok {
			o.desired = s
			return o.fallback(ErrDesiredSlot)
		}
	}
	if o.config.Disabled {
		return o.fallback(ErrDisabled)
	}

	args, err := compilerargs.Parse(inv.Argv)
	if err != nil {
		return o.fallback(err)
	}
	inv.Args = args

	ctx, o.cancel = context.WithCancelCause(ctx)
	defer o.cancel(nil)

	cancel := o.cancel
	o.watchdog = watchdog.New(watchdog.Timeouts(o.config.Timeouts), func(stage watchdog.Stage) {
		cancel(fmt.Errorf("%w: stuck in %s", ErrTimeout, stage))
	}, o.logger)
	o.watchdog.Start()

	o.preprocessed, err = preprocess.Start(ctx, o.slots, inv.Compiler.Path, args, o.logger)
	if err != nil {
		return o.abort(ctx, fmt.Errorf("%w: %w", ErrPreprocessFailed, err))
	}

	if inv.Hash, err = environment.Hash(inv.Compiler.Resolved); err != nil {
		return o.abort(ctx, err)
	}

	o.client = negotiation.NewClient(o.logger, o.config.Name, o.dialer, o.handleCustomMessage)
	handle := o.preprocessed
	o.client.Actor.Spawn(func() interface{} {
		<-handle.Done()
		return msgPreprocessed{}
	})

	headers := inv.SchedulerHeaders(o.config)
	o.scheduler = o.client.NewSchedulerSession(o.config.SchedulerAddress(), headers)
	o.scheduler.Connect(ctx)

	transitioned := false
	for !o.scheduler.Done() && !o.scheduler.State().Terminal() {
		if err := o.preprocessFailure(); err != nil {
			return o.abort(ctx, err)
		}
		if err := o.client.Step(ctx); err != nil {
			return o.abort(ctx, err)
		}
		if !transitioned && o.scheduler.State() == negotiation.ConnectedProtocol {
			transitioned = true
			o.watchdog.Transition(watchdog.ConnectedToScheduler)
		}
	}
	if !o.scheduler.Done() {
		return o.abort(ctx, o.scheduler.Err())
	}
	if !transitioned {
		o.watchdog.Transition(watchdog.ConnectedToScheduler)
	}

	assignment := o.scheduler.Assignment()
	if assignment != nil && assignment.MaintainSemaphores {
		o.slots.Maintain()
	}

	if o.scheduler.NeedsEnvironment() {
		o.watchdog.Stop()
		o.uploadEnvironment(ctx)
		return o.abort(ctx, ErrNeedsEnvironment)
	}
	if assignment == nil || !assignment.Valid() {
		return o.abort(ctx, ErrNoAssignment)
	}
	o.watchdog.Transition(watchdog.AcquiredSlave)

	workerHeaders := headers.Clone()
	workerHeaders[ccoffload.HeaderJobID] = strconv.FormatUint(assignment.JobID, 10)
	workerHeaders[ccoffload.HeaderSlaveIP] = assignment.IP
	o.worker = o.client.NewWorkerSession(assignment.Address(), workerHeaders, args.IsOutputFile)
	o.worker.Connect(ctx)

	for o.worker.State() != negotiation.ConnectedProtocol {
		if o.worker.State().Terminal() {
			return o.abort(ctx, o.worker.Err())
		}
		if err := o.preprocessFailure(); err != nil {
			return o.abort(ctx, err)
		}
		if err := o.client.Step(ctx); err != nil {
			return o.abort(ctx, err)
		}
	}
	o.watchdog.Transition(watchdog.ConnectedToSlave)

	if err := o.stepWhile(ctx, func() bool { return !o.preprocessed.Finished() }); err != nil {
		return o.abort(ctx, err)
	}
	o.watchdog.Transition(watchdog.PreprocessFinished)
	result := o.preprocessed.Wait()

	job, err := BuildJobDescriptor(args, inv.Compiler, result)
	if err != nil {
		return o.abort(ctx, err)
	}
	if err := o.worker.SubmitJob(ctx, job); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.stepWhile(ctx, o.worker.Waiting); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.worker.SendPayload(ctx, result.Stdout); err != nil {
		return o.abort(ctx, err)
	}
	if err := o.stepWhile(ctx, func() bool { return o.worker.PendingSends() > 0 }); err != nil {
		return o.abort(ctx, err)
	}
	o.watchdog.Transition(watchdog.UploadedJob)

	if err := o.stepWhile(ctx, func() bool { return !o.worker.Done() }); err != nil {
		return o.abort(ctx, err)
	}

	return o.finish(result)
}

// stepWhile runs the event loop while cond holds and the worker session is
// alive.
func (o *Orchestrator) stepWhile(ctx context.Context, cond func() bool) error {
	for cond() {
		if o.worker.State().Terminal() && !o.worker.Done() {
			return o.worker.Err()
		}
		if err := o.client.Step(ctx); err != nil {
			return err
		}
	}
	if o.worker.State() == negotiation.Failed {
		return o.worker.Err()
	}
	return nil
}

func (o *Orchestrator) preprocessFailure() error {
	if !o.preprocessed.Finished() {
		return nil
	}
	if result := o.preprocessed.Wait(); !result.Success() {
		return fmt.Errorf("%w: exit status %d", ErrPreprocessFailed, result.ExitStatus)
	}
	return nil
}

func (o *Orchestrator) handleCustomMessage(ctx context.Context, msg interface{}) error {
	switch msg.(type) {
	case msgPreprocessed:
		return nil
	}
	return o.client.Actor.NewErrUnknownMessage(msg)
}

func (o *Orchestrator) finish(result *preprocess.Result) Outcome {
	for _, file := range o.worker.Files() {
		path, err := o.services.OutputFile.Write(o.invocation.Dir, file)
		if err != nil {
			return o.fallback(fmt.Errorf("failed to write %s: %w", file.Path, err))
		}
		o.logger.Debug("wrote output file", "path", path, "bytes", len(file.Content))
	}
	for _, chunk := range o.worker.Output() {
		w := o.services.Stdout
		if chunk.Stream == ccoffload.OutputStreamStderr {
			w = o.services.Stderr
		}
		_, _ = w.Write(chunk.Content)
	}
	if len(result.Stderr) > 0 {
		_, _ = o.services.Stderr.Write(result.Stderr)
	}

	o.watchdog.Transition(watchdog.Finished)
	o.watchdog.Stop()
	o.client.Close(context.Background())

	o.outcome = Outcome{
		Mode:     ModeRemote,
		ExitCode: o.worker.ExitCode(),
	}
	o.logger.Debug("compiled remotely", "exit_code", o.outcome.ExitCode)
	return o.outcome
}

// uploadEnvironment packs the compiler and hands it to the scheduler.
// Nothing that goes wrong here affects the outcome.
func (o *Orchestrator) uploadEnvironment(ctx context.Context) {
	var cancel context.CancelFunc
	if timeout := o.config.Environment.UploadTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()

	dir, err := os.MkdirTemp("", "ccoffload-env-")
	if err != nil {
		o.logger.Warn("failed to create environment directory", "error", err)
		return
	}
	defer os.RemoveAll(dir)

	path, err := environment.Prepare(ctx, o.invocation.Compiler, o.invocation.Hash, o.config.Environment.ExtraFiles, dir)
	if err != nil {
		o.logger.Warn("failed to prepare environment", "error", err)
		return
	}
	if err := o.scheduler.UploadEnvironment(ctx, o.invocation.Hash, path); err != nil {
		o.logger.Warn("failed to upload environment", "error", err)
		return
	}
	for !o.scheduler.UploadFinished() {
		if err := o.client.Step(ctx); err != nil {
			o.logger.Warn("environment upload interrupted", "error", err)
			return
		}
	}
	if err := o.scheduler.UploadErr(); err != nil {
		return
	}
	o.logger.Debug("uploaded environment", "hash", o.invocation.Hash)
}

// abort falls back, reporting the watchdog timeout when that is what ended
// the negotiation.
func (o *Orchestrator) abort(ctx context.Context, reason error) Outcome {
	if cause := context.Cause(ctx); cause != nil {
		reason = cause
	}
	return o.fallback(reason)
}

// fallback runs the compiler on this machine. Only the first call does
// anything; later calls return the same outcome.
func (o *Orchestrator) fallback(reason error) Outcome {
	o.fallbackOnce.Do(func() {
		o.logger.Debug("have to run locally", "reason", reason)
		if o.watchdog != nil {
			o.watchdog.Stop()
		}
		if o.client != nil {
			o.client.Close(context.Background())
		}
		if o.cancel != nil {
			o.cancel(reason)
		}
		// The preprocessor gives its slot back once it sees the cancellation.
		if o.preprocessed != nil {
			<-o.preprocessed.Done()
		}
		o.outcome = o.runLocal(reason)
	})
	return o.outcome
}

func (o *Orchestrator) runLocal(reason error) Outcome {
	inv := o.invocation
	held := o.desired
	if held == nil {
		// Acquire only fails when its context ends.
		held, _ = o.slots.Acquire(context.Background(), slot.Compile)
	}
	if held != nil {
		defer held.Release()
	}

	exitCode, err := o.services.Exec.Run(context.Background(), service.Command{
		Path:   inv.Compiler.Path,
		Args:   inv.Argv,
		Env:    inv.Env,
		Dir:    inv.Dir,
		Stdin:  o.services.Stdin,
		Stdout: o.services.Stdout,
		Stderr: o.services.Stderr,
	})
	if err != nil {
		return Outcome{
			Mode:     ModeLocal,
			ExitCode: 1,
			Reason:   reason,
			Err:      fmt.Errorf("failed to run %s: %w", inv.Compiler.Path, err),
		}
	}
	return Outcome{
		Mode:     ModeLocal,
		ExitCode: exitCode,
		Reason:   reason,
	}
}
