package negotiationtest

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/jsonrpc2"
	"tbx.at/ccoffload"
)

type FakeSchedulerConfig struct {
	// Reply builds the client/scheduler params from the client's hello
	// headers. A nil Reply or a nil result sends nothing.
	Reply func(headers ccoffload.Headers) interface{}
	// Delay postpones the reply.
	Delay time.Duration
	// CloseAfterReply drops the connection once the reply was sent, or
	// right after the handshake when there is no reply.
	CloseAfterReply bool
	// RejectUploads refuses every environment upload.
	RejectUploads bool
}

type FakeScheduler struct {
	Addr string

	config  FakeSchedulerConfig
	mu      sync.Mutex
	hellos  []ccoffload.Headers
	pending map[ccoffload.PeerID]*pendingUpload
	uploads map[string][]byte
}

type pendingUpload struct {
	hash string
	data []byte
}

func StartScheduler(t testing.TB, config FakeSchedulerConfig) *FakeScheduler {
	t.Helper()
	s := &FakeScheduler{
		config:  config,
		pending: map[ccoffload.PeerID]*pendingUpload{},
		uploads: map[string][]byte{},
	}
	actor := ccoffload.NewActor(hclog.NewNullLogger(), "fake-scheduler", ccoffload.ActorTypeScheduler, s.onPeerConnected, nil, s.onPeerDisconnected, s.handleHello, s.handleRequest)
	s.Addr = serve(t, actor)
	return s
}

// SlaveReply assigns the worker at address.
func SlaveReply(address string, jobID uint64) ccoffload.SchedulerMessage {
	host, portStr, _ := net.SplitHostPort(address)
	port, _ := strconv.Atoi(portStr)
	return ccoffload.SchedulerMessage{
		Type:     ccoffload.SchedulerMessageSlave,
		Hostname: host,
		Port:     port,
		ID:       jobID,
	}
}

// Hellos returns the headers of every client that said hello so far.
func (s *FakeScheduler) Hellos() []ccoffload.Headers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ccoffload.Headers(nil), s.hellos...)
}

// Upload returns a completely received environment.
func (s *FakeScheduler) Upload(hash string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.uploads[hash]
	return data, ok
}

func (s *FakeScheduler) handleHello(ctx context.Context, peer *ccoffload.Peer) (ccoffload.Headers, error) {
	s.mu.Lock()
	s.hellos = append(s.hellos, peer.Headers.Clone())
	s.mu.Unlock()
	return nil, nil
}

func (s *FakeScheduler) onPeerConnected(ctx context.Context, peer *ccoffload.Peer) error {
	var reply interface{}
	if s.config.Reply != nil {
		reply = s.config.Reply(peer.Headers)
	}
	if reply == nil && !s.config.CloseAfterReply {
		return nil
	}

	conn, delay, closeAfter := peer.Conn, s.config.Delay, s.config.CloseAfterReply
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		if reply != nil {
			_ = conn.Notify(context.Background(), ccoffload.MethodClientScheduler, reply)
		}
		if closeAfter {
			_ = conn.Close()
		}
	}()
	return nil
}

func (s *FakeScheduler) onPeerDisconnected(ctx context.Context, peer *ccoffload.Peer, reason error) error {
	s.mu.Lock()
	delete(s.pending, peer.ID)
	s.mu.Unlock()
	return nil
}

func (s *FakeScheduler) handleRequest(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	switch request.Method {
	case ccoffload.MethodSchedulerUploadEnvironment:
		return s.handleUploadEnvironment(ctx, sender, request)
	case ccoffload.MethodSchedulerUploadEnvironmentData:
		return s.handleUploadEnvironmentData(ctx, sender, request)
	}
	return nil, ccoffload.NewMethodNotFoundError(request.Method)
}

func (s *FakeScheduler) handleUploadEnvironment(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	if err := ccoffload.MustBeRequest(request); err != nil {
		return nil, err
	}
	params, err := ccoffload.ParseParams[ccoffload.EnvironmentUpload](request)
	if err != nil {
		return nil, err
	}
	if s.config.RejectUploads {
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: "uploads disabled",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sender.ID] = &pendingUpload{
		hash: params.Hash,
		data: make([]byte, 0, params.Bytes),
	}
	return true, nil
}

func (s *FakeScheduler) handleUploadEnvironmentData(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	if err := ccoffload.MustBeNotification(request); err != nil {
		return nil, err
	}
	params, err := ccoffload.ParseParams[ccoffload.EnvironmentData](request)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.pending[sender.ID]
	if !ok {
		return nil, errors.New("environment data without upload")
	}
	upload.data = append(upload.data, params.Data...)
	if params.Last {
		s.uploads[upload.hash] = upload.data
		delete(s.pending, sender.ID)
	}
	return nil, nil
}
