package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/sourcegraph/jsonrpc2"
	"tbx.at/ccoffload"
)

// Assignment is the worker the scheduler picked for this job.
type Assignment struct {
	IP                 string
	Hostname           string
	Port               int
	JobID              uint64
	MaintainSemaphores bool
}

// Valid reports whether the worker can be reached at all.
func (a *Assignment) Valid() bool {
	return (a.Hostname != "" || a.IP != "") && a.Port > 0
}

// Address prefers the hostname over the IP.
func (a *Assignment) Address() string {
	host := a.Hostname
	if host == "" {
		host = a.IP
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

type SchedulerSession struct {
	sessionBase

	assignment       *Assignment
	done             bool
	needsEnvironment bool
	uploadErr        error
	uploadState      uploadState
}

type uploadState int

const (
	uploadIdle uploadState = iota
	uploadRunning
	uploadFinished
)

func (c *Client) NewSchedulerSession(address string, headers ccoffload.Headers) *SchedulerSession {
	tag := c.newTag("scheduler")
	return &SchedulerSession{
		sessionBase: sessionBase{
			address: address,
			client:  c,
			headers: headers,
			logger:  c.logger.Named("scheduler"),
			tag:     tag,
			wrap:    ErrSchedulerFailed,
		},
	}
}

// Connect starts dialing; progress is observed through State.
func (s *SchedulerSession) Connect(ctx context.Context) {
	s.connect(ctx, s)
}

func (s *SchedulerSession) Close(ctx context.Context) {
	s.close(ctx)
}

// Done is set once the scheduler's reply arrived.
func (s *SchedulerSession) Done() bool {
	return s.done
}

func (s *SchedulerSession) NeedsEnvironment() bool {
	return s.needsEnvironment
}

// Assignment is nil unless the scheduler assigned a worker.
func (s *SchedulerSession) Assignment() *Assignment {
	return s.assignment
}

func (s *SchedulerSession) connected(ctx context.Context, peer *ccoffload.Peer) error {
	if s.state != ConnectedTransport {
		return fmt.Errorf("unexpected handshake in state %s", s.state)
	}
	s.state = ConnectedProtocol
	s.logger.Debug("connected", "address", s.address)
	return nil
}

func (s *SchedulerSession) disconnected(ctx context.Context, reason error) {
	if s.done {
		s.close(ctx)
		return
	}
	if reason == nil {
		reason = errors.New("disconnected before reply")
	}
	s.fail(ctx, reason)
}

func (s *SchedulerSession) request(ctx context.Context, request *jsonrpc2.Request) (interface{}, error) {
	if request.Method != ccoffload.MethodClientScheduler {
		return nil, ccoffload.NewMethodNotFoundError(request.Method)
	}
	if err := ccoffload.MustBeNotification(request); err != nil {
		return nil, err
	}
	if s.done {
		return nil, errors.New("scheduler replied twice")
	}

	msg, err := ccoffload.ParseParams[ccoffload.SchedulerMessage](request)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case ccoffload.SchedulerMessageNeedsEnvironment:
		s.needsEnvironment = true
	case ccoffload.SchedulerMessageSlave:
		s.assignment = &Assignment{
			IP:                 msg.IP,
			Hostname:           msg.Hostname,
			Port:               msg.Port,
			JobID:              msg.ID,
			MaintainSemaphores: msg.MaintainSemaphores,
		}
	default:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidParams,
			Message: fmt.Sprintf("unknown scheduler message type %q", msg.Type),
		}
	}
	s.done = true
	s.logger.Debug("scheduler replied", "type", msg.Type, "ip", msg.IP, "hostname", msg.Hostname, "port", msg.Port, "job_id", msg.ID)
	return nil, nil
}

// UploadEnvironment sends the archive at path to the scheduler in the
// background. UploadFinished turns true once it succeeded or failed.
func (s *SchedulerSession) UploadEnvironment(ctx context.Context, hash, path string) error {
	if s.state != ConnectedProtocol || s.peer == nil {
		return fmt.Errorf("%w: can't upload in state %s", ErrSchedulerFailed, s.state)
	}
	if s.uploadState != uploadIdle {
		return errors.New("environment upload already started")
	}
	s.uploadState = uploadRunning

	conn, tag, logger := s.peer.Conn, s.tag, s.logger
	s.client.Actor.Spawn(func() interface{} {
		err := uploadEnvironment(ctx, conn, hash, path)
		if err != nil {
			logger.Warn("environment upload failed", "hash", hash, "error", err)
		}
		return msgUploaded{tag: tag, err: err}
	})
	return nil
}

func (s *SchedulerSession) uploaded(err error) {
	s.uploadState = uploadFinished
	s.uploadErr = err
}

func (s *SchedulerSession) UploadFinished() bool {
	return s.uploadState == uploadFinished
}

func (s *SchedulerSession) UploadErr() error {
	return s.uploadErr
}

func uploadEnvironment(ctx context.Context, conn *jsonrpc2.Conn, hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	if err := conn.Call(ctx, ccoffload.MethodSchedulerUploadEnvironment, ccoffload.EnvironmentUpload{
		Hash:  hash,
		Bytes: info.Size(),
	}, nil); err != nil {
		return fmt.Errorf("scheduler refused environment: %w", err)
	}

	remaining := info.Size()
	buf := make([]byte, ccoffload.MaxChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return err
		}
		remaining -= int64(n)
		last := remaining <= 0 || n < len(buf)
		if err := conn.Notify(ctx, ccoffload.MethodSchedulerUploadEnvironmentData, ccoffload.EnvironmentData{
			Data: buf[:n],
			Last: last,
		}); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}
