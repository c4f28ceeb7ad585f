package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tbx.at/ccoffload"
	"tbx.at/ccoffload/config"
	"tbx.at/ccoffload/environment"
	"tbx.at/ccoffload/negotiation"
	"tbx.at/ccoffload/negotiation/negotiationtest"
	"tbx.at/ccoffload/service"
	"tbx.at/ccoffload/slot"
)

const preprocessed = "int main(void) { return 0; }"

// fakeCompiler behaves like gcc -E and gcc -c closely enough for the
// orchestrator: -E prints a fixed translation unit, -c writes "local" to
// the -o file.
func fakeCompiler(t *testing.T, preprocessExit, compileExit int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gcc")
	script := fmt.Sprintf(`#!/bin/sh
for arg in "$@"; do
	if [ "$arg" = "-E" ]; then
		echo '%s'
		echo 'preprocessor says hi' >&2
		exit %d
	fi
done
out=
prev=
for arg in "$@"; do
	if [ "$prev" = "-o" ]; then
		out="$arg"
	fi
	prev="$arg"
done
echo local > "$out"
exit %d
`, preprocessed, preprocessExit, compileExit)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type harness struct {
	cfg      *config.Config
	dir      string
	source   string
	output   string
	compiler *environment.Compiler
	dialer   negotiation.Dialer
	logger   hclog.Logger
	slots    *slot.Manager
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

func newHarness(t *testing.T, preprocessExit, compileExit int) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir()}
	h.source = filepath.Join(h.dir, "main.c")
	h.output = filepath.Join(h.dir, "main.o")
	require.NoError(t, os.WriteFile(h.source, []byte(preprocessed), 0o644))

	path := fakeCompiler(t, preprocessExit, compileExit)
	h.compiler = &environment.Compiler{Path: path, Resolved: path, Remote: "/usr/bin/gcc"}

	h.cfg = config.Default()
	h.cfg.Name = "laptop"
	h.cfg.Scheduler = unreachableAddress(t)
	h.cfg.Slots.Dir = t.TempDir()
	h.cfg.Slots.Compile = 2
	h.cfg.Slots.Preprocess = config.Unbounded
	h.slots = slot.NewManagerFromConfig(h.cfg, hclog.NewNullLogger())
	t.Cleanup(h.slots.ReleaseAll)
	return h
}

func unreachableAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func (h *harness) run(t *testing.T) (*Orchestrator, Outcome) {
	t.Helper()
	services := &service.Services{
		Stdin:      bytes.NewReader(nil),
		Stdout:     &h.stdout,
		Stderr:     &h.stderr,
		Exec:       &service.ExecServiceImpl{},
		OutputFile: &service.OutputFileServiceImpl{},
	}
	argv := []string{"gcc", "-O2", "-c", h.source, "-o", h.output}
	inv := NewInvocation(argv, h.compiler, h.dir, os.Environ())
	dialer := h.dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	logger := h.logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	o := NewOrchestrator(h.cfg, inv, h.slots, services, dialer, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return o, o.Run(ctx)
}

func (h *harness) outputContent(t *testing.T) string {
	t.Helper()
	content, err := os.ReadFile(h.output)
	require.NoError(t, err)
	return string(content)
}

func TestSchedulerUnreachableCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 4)

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.Equal(t, 4, outcome.ExitCode)
	assert.Error(t, outcome.Reason)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, "local\n", h.outputContent(t))
	assert.Empty(t, h.slots.Held())
}

func TestDisabledCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.cfg.Disabled = true

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrDisabled)
	assert.Equal(t, "local\n", h.outputContent(t))
}

func TestDesiredSlotCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{})
	h.cfg.Scheduler = scheduler.Addr
	h.cfg.Slots.DesiredCompile = 1
	h.slots = slot.NewManagerFromConfig(h.cfg, hclog.NewNullLogger())

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrDesiredSlot)
	assert.Empty(t, scheduler.Hellos())
	assert.Empty(t, h.slots.Held())

	h.cfg.NoDesire = true
	h.cfg.Disabled = true
	_, outcome = h.run(t)
	assert.ErrorIs(t, outcome.Reason, ErrDisabled)
}

func TestNotCompilableRunsLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	services := &service.Services{
		Stdin:      bytes.NewReader(nil),
		Stdout:     &h.stdout,
		Stderr:     &h.stderr,
		Exec:       &service.ExecServiceImpl{},
		OutputFile: &service.OutputFileServiceImpl{},
	}
	inv := NewInvocation([]string{"gcc", "-c", h.source, "-o", h.output, "-E"}, h.compiler, h.dir, os.Environ())
	o := NewOrchestrator(h.cfg, inv, h.slots, services, &net.Dialer{}, hclog.NewNullLogger())

	outcome := o.Run(context.Background())
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.Error(t, outcome.Reason)
	assert.Nil(t, o.Watchdog())
	assert.Equal(t, preprocessed+"\n", h.stdout.String())
}

func TestMissingCompilerReportsErr(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.cfg.Disabled = true
	h.compiler = &environment.Compiler{Path: filepath.Join(t.TempDir(), "gcc")}

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.Equal(t, 1, outcome.ExitCode)
	assert.Error(t, outcome.Err)
}

func TestRemoteCompile(t *testing.T) {
	h := newHarness(t, 0, 0)
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{
		Wait:        true,
		ResumeDelay: 10 * time.Millisecond,
		Stdout:      []byte("remote stdout\n"),
		Stderr:      []byte("warning: unused\n"),
		Files:       []ccoffload.OutputFile{{Path: h.output, Content: []byte("remote\n")}},
	})
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			msg := negotiationtest.SlaveReply(worker.Addr, 9)
			msg.IP = "127.0.0.1"
			return msg
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	o, outcome := h.run(t)
	require.Equal(t, ModeRemote, outcome.Mode, "reason: %v", outcome.Reason)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Nil(t, outcome.Reason)
	assert.Equal(t, "remote\n", h.outputContent(t))
	assert.Equal(t, "remote stdout\n", h.stdout.String())
	assert.Equal(t, "warning: unused\npreprocessor says hi\n", h.stderr.String())

	hellos := scheduler.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, "laptop", hellos[0][ccoffload.HeaderClientName])
	assert.Equal(t, "main.c", hellos[0][ccoffload.HeaderSourceFile])
	assert.NotEmpty(t, hellos[0][ccoffload.HeaderEnvironments])

	workerHellos := worker.Hellos()
	require.Len(t, workerHellos, 1)
	assert.Equal(t, "9", workerHellos[0][ccoffload.HeaderJobID])
	assert.Equal(t, "127.0.0.1", workerHellos[0][ccoffload.HeaderSlaveIP])

	jobs := worker.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, len(preprocessed)+1, jobs[0].Bytes)
	assert.Equal(t, []string{"/usr/bin/gcc", "-O2", "-c", h.source, "-o", h.output}, jobs[0].CommandLine)
	assert.Equal(t, preprocessed+"\n", string(worker.Payload()))

	var stages []string
	for _, timing := range o.Watchdog().Timings() {
		stages = append(stages, timing.Stage.String())
	}
	assert.Equal(t, []string{
		"Connecting",
		"ConnectedToScheduler",
		"AcquiredSlave",
		"ConnectedToSlave",
		"PreprocessFinished",
		"UploadedJob",
		"Finished",
	}, stages)

	record := o.Record(outcome)
	assert.Equal(t, "remote", record.Mode)
	assert.Equal(t, h.source, record.SourceFile)
	assert.Len(t, record.Stages, 6)
	assert.Empty(t, h.slots.Held())
}

func TestRemoteCompileFailureKeepsExitCode(t *testing.T) {
	h := newHarness(t, 0, 0)
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{
		ExitCode: 1,
		Stderr:   []byte("main.c:1: error\n"),
	})
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return negotiationtest.SlaveReply(worker.Addr, 1)
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	_, outcome := h.run(t)
	assert.Equal(t, ModeRemote, outcome.Mode)
	assert.Equal(t, 1, outcome.ExitCode)
	assert.Contains(t, h.stderr.String(), "main.c:1: error")
	_, err := os.Stat(h.output)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWorkerUnreachableCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	worker := unreachableAddress(t)
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return negotiationtest.SlaveReply(worker, 2)
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.Error(t, outcome.Reason)
	assert.Equal(t, "local\n", h.outputContent(t))
}

func TestUnexpectedOutputFileCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{
		Files: []ccoffload.OutputFile{{Path: filepath.Join(h.dir, "evil.o"), Content: []byte("x")}},
	})
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return negotiationtest.SlaveReply(worker.Addr, 3)
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.Equal(t, "local\n", h.outputContent(t))
	_, err := os.Stat(filepath.Join(h.dir, "evil.o"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPreprocessFailureNeverSubmitsJob(t *testing.T) {
	h := newHarness(t, 1, 5)
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{})
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return negotiationtest.SlaveReply(worker.Addr, 4)
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.Equal(t, 5, outcome.ExitCode)
	assert.Empty(t, worker.Jobs())
}

func TestNoAssignmentCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return ccoffload.SchedulerMessage{Type: ccoffload.SchedulerMessageSlave}
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrNoAssignment)
}

func TestNeedsEnvironmentUploadsThenCompilesLocally(t *testing.T) {
	h := newHarness(t, 0, 0)
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return ccoffload.SchedulerMessage{Type: ccoffload.SchedulerMessageNeedsEnvironment}
		},
	})
	h.cfg.Scheduler = scheduler.Addr

	o, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrNeedsEnvironment)
	assert.Equal(t, "local\n", h.outputContent(t))

	hash := o.invocation.Hash
	require.NotEmpty(t, hash)
	require.Eventually(t, func() bool {
		_, ok := scheduler.Upload(hash)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	archive, _ := scheduler.Upload(hash)
	assert.NotEmpty(t, archive)
}

func TestSchedulerSilenceTimesOut(t *testing.T) {
	h := newHarness(t, 0, 0)
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{})
	h.cfg.Scheduler = scheduler.Addr
	h.cfg.Timeouts.AcquireSlave = 100 * time.Millisecond

	start := time.Now()
	_, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

// stallingDialer never connects.
type stallingDialer struct{}

func (stallingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSchedulerConnectTimesOut(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.dialer = stallingDialer{}
	h.cfg.Timeouts.SchedulerConnect = 100 * time.Millisecond

	start := time.Now()
	o, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrTimeout)
	assert.Equal(t, "local\n", h.outputContent(t))
	assert.Less(t, time.Since(start), 10*time.Second)
	timings := o.Watchdog().Timings()
	require.Len(t, timings, 1)
	assert.Equal(t, "Connecting", timings[0].Stage.String())
}

func TestWatchdogLogsUnderItsName(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.dialer = stallingDialer{}
	h.cfg.Timeouts.SchedulerConnect = 50 * time.Millisecond
	var logs bytes.Buffer
	h.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "ccoffload",
		Level:  hclog.Debug,
		Output: &logs,
	})

	_, outcome := h.run(t)
	require.ErrorIs(t, outcome.Reason, ErrTimeout)
	assert.Contains(t, logs.String(), "ccoffload.watchdog: timed out")
	assert.NotContains(t, logs.String(), "watchdog.watchdog")
}

func TestFallbackReleasesPreprocessSlotFirst(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.dialer = stallingDialer{}
	h.cfg.Timeouts.SchedulerConnect = 300 * time.Millisecond
	h.cfg.Slots.Preprocess = 1
	h.slots = slot.NewManagerFromConfig(h.cfg, hclog.NewNullLogger())

	sem, err := slot.OpenSemaphore(h.cfg.Slots.Dir, slot.Preprocess.Name(), 1)
	require.NoError(t, err)
	require.NoError(t, sem.Close())

	// The local compile records how many preprocess units are free while
	// it runs; preprocessing would otherwise hold one for five seconds.
	path := filepath.Join(t.TempDir(), "gcc")
	script := fmt.Sprintf(`#!/bin/sh
for arg in "$@"; do
	if [ "$arg" = "-E" ]; then
		exec sleep 5
	fi
done
out=
prev=
for arg in "$@"; do
	if [ "$prev" = "-o" ]; then
		out="$arg"
	fi
	prev="$arg"
done
cat '%s' > "$out"
`, filepath.Join(h.cfg.Slots.Dir, slot.Preprocess.Name()))
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	h.compiler = &environment.Compiler{Path: path, Resolved: path, Remote: "/usr/bin/gcc"}

	start := time.Now()
	o, outcome := h.run(t)
	assert.Equal(t, ModeLocal, outcome.Mode)
	assert.ErrorIs(t, outcome.Reason, ErrTimeout)
	assert.Equal(t, "1\n", h.outputContent(t))
	assert.Less(t, time.Since(start), 4*time.Second)
	require.NotNil(t, o.Preprocessed())
	assert.Empty(t, o.Preprocessed().Stdout)
	assert.Empty(t, h.slots.Held())
}
