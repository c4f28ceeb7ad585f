package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
	"tbx.at/ccoffload"
)

// FileFilter decides whether the worker may hand back a file at path.
type FileFilter func(path string) bool

type WorkerSession struct {
	sessionBase

	accept       FileFilter
	done         bool
	exitCode     int
	files        []ccoffload.OutputFile
	lastSend     chan struct{}
	output       []ccoffload.OutputChunk
	pendingSends int
	submitted    bool
	wait         bool
	waiting      bool
}

// NewWorkerSession prepares a session with the worker at address. Files
// the worker produces are only kept when accept allows their path; a nil
// accept rejects everything.
func (c *Client) NewWorkerSession(address string, headers ccoffload.Headers, accept FileFilter) *WorkerSession {
	tag := c.newTag("worker")
	return &WorkerSession{
		sessionBase: sessionBase{
			address: address,
			client:  c,
			headers: headers,
			logger:  c.logger.Named("worker"),
			tag:     tag,
			wrap:    ErrWorkerFailed,
		},
		accept:   accept,
		exitCode: -1,
	}
}

func (s *WorkerSession) Connect(ctx context.Context) {
	s.connect(ctx, s)
}

func (s *WorkerSession) Close(ctx context.Context) {
	s.close(ctx)
}

// WaitRequested reports whether the worker asked the client to hold the
// payload back until it resumes the job.
func (s *WorkerSession) WaitRequested() bool {
	return s.wait
}

// Waiting is true between submitting a job that waits and client/resume.
func (s *WorkerSession) Waiting() bool {
	return s.waiting
}

func (s *WorkerSession) PendingSends() int {
	return s.pendingSends
}

func (s *WorkerSession) Output() []ccoffload.OutputChunk {
	return s.output
}

func (s *WorkerSession) Files() []ccoffload.OutputFile {
	return s.files
}

func (s *WorkerSession) Done() bool {
	return s.done
}

// ExitCode is the remote compiler's exit code, -1 until Done.
func (s *WorkerSession) ExitCode() int {
	return s.exitCode
}

// SubmitJob announces the job. The Wait field is overwritten with what the
// worker asked for during the handshake.
func (s *WorkerSession) SubmitJob(ctx context.Context, job ccoffload.JobDescriptor) error {
	if s.state != ConnectedProtocol {
		return fmt.Errorf("%w: can't submit job in state %s", ErrWorkerFailed, s.state)
	}
	if s.submitted {
		return errors.New("job already submitted")
	}
	s.submitted = true
	job.Wait = s.wait
	s.waiting = s.wait
	s.logger.Debug("submitting job", "bytes", job.Bytes, "wait", job.Wait)
	s.send(ctx, ccoffload.MethodWorkerJob, job)
	return nil
}

// SendPayload queues data as payload chunks after the job descriptor.
func (s *WorkerSession) SendPayload(ctx context.Context, data []byte) error {
	if s.state != ConnectedProtocol {
		return fmt.Errorf("%w: can't send payload in state %s", ErrWorkerFailed, s.state)
	}
	if !s.submitted {
		return errors.New("payload before job")
	}
	if s.waiting {
		return errors.New("payload while the worker asked to wait")
	}
	for _, chunk := range ccoffload.SplitChunks(data, ccoffload.MaxChunkSize) {
		s.send(ctx, ccoffload.MethodWorkerPayload, ccoffload.PayloadChunk{Data: chunk})
	}
	return nil
}

// send writes a notification off the loop goroutine. Sends are chained so
// they reach the wire in the order they were queued.
func (s *WorkerSession) send(ctx context.Context, method string, params interface{}) {
	prev := s.lastSend
	done := make(chan struct{})
	s.lastSend = done
	s.pendingSends++

	conn, tag := s.peer.Conn, s.tag
	s.client.Actor.Spawn(func() interface{} {
		defer close(done)
		if prev != nil {
			<-prev
		}
		return msgSent{
			tag: tag,
			err: conn.Notify(ctx, method, params),
		}
	})
}

func (s *WorkerSession) sent(ctx context.Context, err error) {
	s.pendingSends--
	if err != nil {
		s.fail(ctx, fmt.Errorf("send failed: %w", err))
	}
}

func (s *WorkerSession) connected(ctx context.Context, peer *ccoffload.Peer) error {
	if s.state != ConnectedTransport {
		return fmt.Errorf("unexpected handshake in state %s", s.state)
	}
	s.state = ConnectedProtocol
	s.wait = peer.ResponseHeaders.Get(ccoffload.HeaderWait) == "true"
	s.logger.Debug("connected", "address", s.address, "wait", s.wait)
	return nil
}

func (s *WorkerSession) disconnected(ctx context.Context, reason error) {
	if s.done {
		s.close(ctx)
		return
	}
	if reason == nil {
		reason = errors.New("disconnected before the job finished")
	}
	s.fail(ctx, reason)
}

func (s *WorkerSession) request(ctx context.Context, request *jsonrpc2.Request) (interface{}, error) {
	switch request.Method {
	case ccoffload.MethodClientResume:
		if !s.waiting {
			return nil, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInvalidRequest,
				Message: "resume while not waiting",
			}
		}
		s.waiting = false
		return nil, nil

	case ccoffload.MethodClientOutput:
		chunk, err := ccoffload.ParseParams[ccoffload.OutputChunk](request)
		if err != nil {
			return nil, err
		}
		s.output = append(s.output, chunk)
		return nil, nil

	case ccoffload.MethodClientFile:
		file, err := ccoffload.ParseParams[ccoffload.OutputFile](request)
		if err != nil {
			return nil, err
		}
		if s.accept == nil || !s.accept(file.Path) {
			return nil, &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInvalidParams,
				Message: fmt.Sprintf("unexpected output file %q", file.Path),
			}
		}
		s.files = append(s.files, file)
		return nil, nil

	case ccoffload.MethodClientJobFinished:
		if s.done {
			return nil, errors.New("job finished twice")
		}
		finished, err := ccoffload.ParseParams[ccoffload.JobFinished](request)
		if err != nil {
			return nil, err
		}
		s.done = true
		s.exitCode = finished.ExitCode
		s.logger.Debug("job finished", "exit_code", finished.ExitCode)
		return nil, nil
	}

	return nil, ccoffload.NewMethodNotFoundError(request.Method)
}
