package negotiationtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/jsonrpc2"
	"tbx.at/ccoffload"
)

type FakeWorkerConfig struct {
	// Wait asks clients to hold the payload back until client/resume.
	Wait        bool
	ResumeDelay time.Duration
	// CloseOnJob drops the connection as soon as a job arrives.
	CloseOnJob bool

	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Files    []ccoffload.OutputFile
}

type FakeWorker struct {
	Addr string

	config     FakeWorkerConfig
	mu         sync.Mutex
	chunkSizes []int
	hellos     []ccoffload.Headers
	jobs       []ccoffload.JobDescriptor
	payloads   map[ccoffload.PeerID][]byte
	finished   map[ccoffload.PeerID]bool
}

func StartWorker(t testing.TB, config FakeWorkerConfig) *FakeWorker {
	t.Helper()
	w := &FakeWorker{
		config:   config,
		payloads: map[ccoffload.PeerID][]byte{},
		finished: map[ccoffload.PeerID]bool{},
	}
	actor := ccoffload.NewActor(hclog.NewNullLogger(), "fake-worker", ccoffload.ActorTypeWorker, nil, nil, nil, w.handleHello, w.handleRequest)
	w.Addr = serve(t, actor)
	return w
}

func (w *FakeWorker) Hellos() []ccoffload.Headers {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ccoffload.Headers(nil), w.hellos...)
}

func (w *FakeWorker) Jobs() []ccoffload.JobDescriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]ccoffload.JobDescriptor(nil), w.jobs...)
}

// ChunkSizes lists the sizes of every payload chunk in arrival order.
func (w *FakeWorker) ChunkSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.chunkSizes...)
}

// Payload concatenates everything received from all clients.
func (w *FakeWorker) Payload() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []byte
	for _, p := range w.payloads {
		all = append(all, p...)
	}
	return all
}

func (w *FakeWorker) handleHello(ctx context.Context, peer *ccoffload.Peer) (ccoffload.Headers, error) {
	w.mu.Lock()
	w.hellos = append(w.hellos, peer.Headers.Clone())
	w.mu.Unlock()
	if w.config.Wait {
		return ccoffload.Headers{ccoffload.HeaderWait: "true"}, nil
	}
	return nil, nil
}

func (w *FakeWorker) handleRequest(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	switch request.Method {
	case ccoffload.MethodWorkerJob:
		return w.handleJob(ctx, sender, request)
	case ccoffload.MethodWorkerPayload:
		return w.handlePayload(ctx, sender, request)
	}
	return nil, ccoffload.NewMethodNotFoundError(request.Method)
}

func (w *FakeWorker) handleJob(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	if err := ccoffload.MustBeNotification(request); err != nil {
		return nil, err
	}
	job, err := ccoffload.ParseParams[ccoffload.JobDescriptor](request)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	w.payloads[sender.ID] = nil
	w.mu.Unlock()

	if w.config.CloseOnJob {
		// Failing a notification drops the peer.
		return nil, errors.New("closing on job")
	}

	if job.Wait {
		conn, delay := sender.Conn, w.config.ResumeDelay
		go func() {
			time.Sleep(delay)
			_ = conn.Notify(context.Background(), ccoffload.MethodClientResume, nil)
			if job.Bytes == 0 {
				_ = w.finish(context.Background(), sender)
			}
		}()
		return nil, nil
	}
	if job.Bytes == 0 {
		return nil, w.finish(ctx, sender)
	}
	return nil, nil
}

func (w *FakeWorker) handlePayload(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	if err := ccoffload.MustBeNotification(request); err != nil {
		return nil, err
	}
	chunk, err := ccoffload.ParseParams[ccoffload.PayloadChunk](request)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if len(w.jobs) == 0 {
		w.mu.Unlock()
		return nil, errors.New("payload before job")
	}
	job := w.jobs[len(w.jobs)-1]
	w.chunkSizes = append(w.chunkSizes, len(chunk.Data))
	w.payloads[sender.ID] = append(w.payloads[sender.ID], chunk.Data...)
	received := len(w.payloads[sender.ID])
	w.mu.Unlock()

	switch {
	case received > job.Bytes:
		return nil, errors.New("payload larger than announced")
	case received == job.Bytes:
		return nil, w.finish(ctx, sender)
	}
	return nil, nil
}

func (w *FakeWorker) finish(ctx context.Context, peer *ccoffload.Peer) error {
	w.mu.Lock()
	if w.finished[peer.ID] {
		w.mu.Unlock()
		return errors.New("job finished twice")
	}
	w.finished[peer.ID] = true
	w.mu.Unlock()

	if len(w.config.Stdout) > 0 {
		if err := peer.Conn.Notify(ctx, ccoffload.MethodClientOutput, ccoffload.OutputChunk{
			Content:   w.config.Stdout,
			Stream:    ccoffload.OutputStreamStdout,
			Timestamp: time.Now(),
		}); err != nil {
			return err
		}
	}
	if len(w.config.Stderr) > 0 {
		if err := peer.Conn.Notify(ctx, ccoffload.MethodClientOutput, ccoffload.OutputChunk{
			Content:   w.config.Stderr,
			Stream:    ccoffload.OutputStreamStderr,
			Timestamp: time.Now(),
		}); err != nil {
			return err
		}
	}
	for _, file := range w.config.Files {
		if err := peer.Conn.Notify(ctx, ccoffload.MethodClientFile, file); err != nil {
			return err
		}
	}
	return peer.Conn.Notify(ctx, ccoffload.MethodClientJobFinished, ccoffload.JobFinished{
		ExitCode: w.config.ExitCode,
	})
}
