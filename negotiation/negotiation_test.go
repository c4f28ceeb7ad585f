package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tbx.at/ccoffload"
	"tbx.at/ccoffload/negotiation/negotiationtest"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(hclog.NewNullLogger(), "client", &net.Dialer{}, nil)
	t.Cleanup(func() {
		c.Close(context.Background())
	})
	return c
}

func stepUntil(t *testing.T, c *Client, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for !cond() {
		require.NoError(t, c.Step(ctx))
	}
}

func settled(s *SchedulerSession) func() bool {
	return func() bool {
		return s.Done() || s.State().Terminal()
	}
}

func TestSchedulerNeedsEnvironment(t *testing.T) {
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return ccoffload.SchedulerMessage{Type: ccoffload.SchedulerMessageNeedsEnvironment}
		},
	})

	c := newClient(t)
	s := c.NewSchedulerSession(scheduler.Addr, ccoffload.Headers{
		ccoffload.HeaderEnvironments: "abc123",
		ccoffload.HeaderSourceFile:   "main.c",
	})
	assert.Equal(t, Unconnected, s.State())
	s.Connect(context.Background())
	assert.Equal(t, Connecting, s.State())
	stepUntil(t, c, settled(s))

	assert.Equal(t, ConnectedProtocol, s.State())
	assert.True(t, s.Done())
	assert.True(t, s.NeedsEnvironment())
	assert.Nil(t, s.Assignment())

	hellos := scheduler.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, "abc123", hellos[0].Get(ccoffload.HeaderEnvironments))
	assert.Equal(t, "main.c", hellos[0].Get(ccoffload.HeaderSourceFile))
}

func TestSchedulerAssignment(t *testing.T) {
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			msg := negotiationtest.SlaveReply("127.0.0.1:4321", 77)
			msg.IP = "10.0.0.9"
			msg.MaintainSemaphores = true
			return msg
		},
		CloseAfterReply: true,
	})

	c := newClient(t)
	s := c.NewSchedulerSession(scheduler.Addr, nil)
	s.Connect(context.Background())
	stepUntil(t, c, func() bool { return s.State().Terminal() })

	// A disconnect after the reply is not a failure.
	assert.Equal(t, Closed, s.State())
	assert.NoError(t, s.Err())
	require.NotNil(t, s.Assignment())
	assert.False(t, s.NeedsEnvironment())
	assert.Equal(t, &Assignment{
		IP:                 "10.0.0.9",
		Hostname:           "127.0.0.1",
		Port:               4321,
		JobID:              77,
		MaintainSemaphores: true,
	}, s.Assignment())
	assert.True(t, s.Assignment().Valid())
	assert.Equal(t, "127.0.0.1:4321", s.Assignment().Address())
}

func TestAssignmentValid(t *testing.T) {
	assert.False(t, (&Assignment{}).Valid())
	assert.False(t, (&Assignment{IP: "10.0.0.1"}).Valid())
	assert.False(t, (&Assignment{Port: 9000}).Valid())
	a := &Assignment{IP: "10.0.0.1", Port: 9000}
	assert.True(t, a.Valid())
	assert.Equal(t, "10.0.0.1:9000", a.Address())
}

func TestSchedulerBadReplies(t *testing.T) {
	for name, reply := range map[string]interface{}{
		"not an object": json.RawMessage(`42`),
		"unknown type":  ccoffload.SchedulerMessage{Type: "teapot"},
	} {
		t.Run(name, func(t *testing.T) {
			scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
				Reply: func(ccoffload.Headers) interface{} { return reply },
			})

			c := newClient(t)
			s := c.NewSchedulerSession(scheduler.Addr, nil)
			s.Connect(context.Background())
			stepUntil(t, c, settled(s))

			assert.Equal(t, Failed, s.State())
			assert.ErrorIs(t, s.Err(), ErrSchedulerFailed)
			assert.False(t, s.Done())
		})
	}
}

func TestSchedulerDisconnectBeforeReply(t *testing.T) {
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		CloseAfterReply: true,
	})

	c := newClient(t)
	s := c.NewSchedulerSession(scheduler.Addr, nil)
	s.Connect(context.Background())
	stepUntil(t, c, settled(s))

	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSchedulerFailed)
}

func TestSchedulerUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	c := newClient(t)
	s := c.NewSchedulerSession(addr, nil)
	s.Connect(context.Background())
	stepUntil(t, c, settled(s))

	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSchedulerFailed)
}

func TestSchedulerCloseCancelsSession(t *testing.T) {
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{})

	c := newClient(t)
	s := c.NewSchedulerSession(scheduler.Addr, nil)
	s.Connect(context.Background())
	stepUntil(t, c, func() bool { return s.State() == ConnectedProtocol })

	s.Close(context.Background())
	assert.Equal(t, Closed, s.State())
	s.Close(context.Background())
	assert.Equal(t, Closed, s.State())
}

func TestUploadEnvironment(t *testing.T) {
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return ccoffload.SchedulerMessage{Type: ccoffload.SchedulerMessageNeedsEnvironment}
		},
	})

	archive := bytes.Repeat([]byte("environment"), 20000)
	path := filepath.Join(t.TempDir(), "env.tar.xz")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	c := newClient(t)
	s := c.NewSchedulerSession(scheduler.Addr, nil)
	s.Connect(context.Background())
	stepUntil(t, c, settled(s))
	require.True(t, s.NeedsEnvironment())

	require.NoError(t, s.UploadEnvironment(context.Background(), "abc123", path))
	assert.Error(t, s.UploadEnvironment(context.Background(), "abc123", path))
	stepUntil(t, c, s.UploadFinished)
	require.NoError(t, s.UploadErr())

	require.Eventually(t, func() bool {
		_, ok := scheduler.Upload("abc123")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	got, _ := scheduler.Upload("abc123")
	assert.Equal(t, archive, got)
}

func TestUploadEnvironmentRejected(t *testing.T) {
	scheduler := negotiationtest.StartScheduler(t, negotiationtest.FakeSchedulerConfig{
		Reply: func(ccoffload.Headers) interface{} {
			return ccoffload.SchedulerMessage{Type: ccoffload.SchedulerMessageNeedsEnvironment}
		},
		RejectUploads: true,
	})

	path := filepath.Join(t.TempDir(), "env.tar.xz")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := newClient(t)
	s := c.NewSchedulerSession(scheduler.Addr, nil)
	s.Connect(context.Background())
	stepUntil(t, c, settled(s))

	require.NoError(t, s.UploadEnvironment(context.Background(), "abc123", path))
	stepUntil(t, c, s.UploadFinished)
	assert.ErrorContains(t, s.UploadErr(), "uploads disabled")
}

func connectWorker(t *testing.T, c *Client, addr string, accept FileFilter) *WorkerSession {
	t.Helper()
	s := c.NewWorkerSession(addr, ccoffload.Headers{
		ccoffload.HeaderJobID:   "77",
		ccoffload.HeaderSlaveIP: "127.0.0.1",
	}, accept)
	s.Connect(context.Background())
	stepUntil(t, c, func() bool { return s.State() != Connecting && s.State() != ConnectedTransport })
	require.Equal(t, ConnectedProtocol, s.State())
	return s
}

func TestWorkerWaitThenPayload(t *testing.T) {
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{
		Wait:        true,
		ResumeDelay: 20 * time.Millisecond,
		ExitCode:    0,
		Stdout:      []byte("remote out\n"),
		Stderr:      []byte("remote warning\n"),
		Files: []ccoffload.OutputFile{
			{Path: "main.o", Content: []byte("ELF")},
		},
	})

	c := newClient(t)
	s := connectWorker(t, c, worker.Addr, func(path string) bool { return path == "main.o" })
	assert.True(t, s.WaitRequested())

	payload := bytes.Repeat([]byte{'p'}, 2*ccoffload.MaxChunkSize+100)
	require.NoError(t, s.SubmitJob(context.Background(), ccoffload.JobDescriptor{
		CommandLine: []string{"gcc", "-c", "main.c"},
		Argv0:       "/usr/bin/gcc",
		Bytes:       len(payload),
	}))
	assert.True(t, s.Waiting())
	assert.Error(t, s.SendPayload(context.Background(), payload))

	stepUntil(t, c, func() bool { return !s.Waiting() })
	require.NoError(t, s.SendPayload(context.Background(), payload))
	stepUntil(t, c, func() bool { return s.Done() || s.State().Terminal() })

	assert.True(t, s.Done())
	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t, 0, s.PendingSends())
	require.Len(t, s.Output(), 2)
	assert.Equal(t, ccoffload.OutputStreamStdout, s.Output()[0].Stream)
	assert.Equal(t, "remote out\n", string(s.Output()[0].Content))
	assert.Equal(t, "remote warning\n", string(s.Output()[1].Content))
	require.Len(t, s.Files(), 1)
	assert.Equal(t, "main.o", s.Files()[0].Path)

	jobs := worker.Jobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Wait)
	assert.Equal(t, "/usr/bin/gcc", jobs[0].Argv0)
	assert.Equal(t, payload, worker.Payload())
	total := 0
	for _, size := range worker.ChunkSizes() {
		assert.LessOrEqual(t, size, ccoffload.MaxChunkSize)
		total += size
	}
	assert.Equal(t, len(payload), total)

	hellos := worker.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, "77", hellos[0].Get(ccoffload.HeaderJobID))
}

func TestWorkerWithoutWait(t *testing.T) {
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{ExitCode: 3})

	c := newClient(t)
	s := connectWorker(t, c, worker.Addr, nil)
	assert.False(t, s.WaitRequested())

	payload := []byte("int main() { return 0; }\n")
	require.NoError(t, s.SubmitJob(context.Background(), ccoffload.JobDescriptor{Bytes: len(payload)}))
	assert.False(t, s.Waiting())
	require.NoError(t, s.SendPayload(context.Background(), payload))
	stepUntil(t, c, func() bool { return s.Done() || s.State().Terminal() })

	assert.True(t, s.Done())
	assert.Equal(t, 3, s.ExitCode())
	assert.False(t, worker.Jobs()[0].Wait)
}

func TestWorkerUnexpectedFileFails(t *testing.T) {
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{
		Files: []ccoffload.OutputFile{
			{Path: "/etc/passwd", Content: []byte("x")},
		},
	})

	c := newClient(t)
	s := connectWorker(t, c, worker.Addr, func(path string) bool { return path == "main.o" })
	payload := []byte("x")
	require.NoError(t, s.SubmitJob(context.Background(), ccoffload.JobDescriptor{Bytes: len(payload)}))
	require.NoError(t, s.SendPayload(context.Background(), payload))
	stepUntil(t, c, func() bool { return s.Done() || s.State().Terminal() })

	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), ErrWorkerFailed)
	assert.Empty(t, s.Files())
}

func TestWorkerDisconnectBeforeDone(t *testing.T) {
	worker := negotiationtest.StartWorker(t, negotiationtest.FakeWorkerConfig{CloseOnJob: true})

	c := newClient(t)
	s := connectWorker(t, c, worker.Addr, nil)
	require.NoError(t, s.SubmitJob(context.Background(), ccoffload.JobDescriptor{Bytes: 10}))
	stepUntil(t, c, func() bool { return s.State().Terminal() })

	assert.Equal(t, Failed, s.State())
	assert.ErrorIs(t, s.Err(), ErrWorkerFailed)
	assert.False(t, s.Done())
	assert.Equal(t, -1, s.ExitCode())
}

func TestWorkerSubmitBeforeConnect(t *testing.T) {
	c := newClient(t)
	s := c.NewWorkerSession("127.0.0.1:1", nil, nil)
	assert.ErrorIs(t, s.SubmitJob(context.Background(), ccoffload.JobDescriptor{}), ErrWorkerFailed)
	assert.ErrorIs(t, s.SendPayload(context.Background(), nil), ErrWorkerFailed)
}
