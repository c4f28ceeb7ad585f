package service

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"tbx.at/ccoffload"
)

type PingService interface {
	// Ping measures the round trip of a ping call to a scheduler or worker.
	Ping(ctx context.Context, network, address string) (time.Duration, error)
}

type pingServiceHandler struct{}

// Handle implements jsonrpc2.Handler
func (*pingServiceHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	if !request.Notif {
		_ = conn.ReplyWithError(ctx, request.ID, ccoffload.NewMethodNotFoundError(request.Method))
	}
}

var _ jsonrpc2.Handler = (*pingServiceHandler)(nil)

type PingServiceImpl struct {
	Timeout time.Duration
}

// Ping implements PingService
func (s *PingServiceImpl) Ping(ctx context.Context, network string, address string) (time.Duration, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancelPingCtx := context.WithTimeout(ctx, timeout)
	defer cancelPingCtx()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(pingCtx, network, address)
	if err != nil {
		return 0, err
	}
	defer netConn.Close()

	stream := jsonrpc2.NewBufferedStream(netConn, jsonrpc2.VarintObjectCodec{})
	conn := jsonrpc2.NewConn(pingCtx, stream, &pingServiceHandler{})
	defer conn.Close()

	start := time.Now()
	var response string
	if err := conn.Call(pingCtx, ccoffload.MethodPing, nil, &response); err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if response != "pong" {
		return 0, errors.New("response to ping wasn't \"pong\"")
	}
	return rtt, nil
}

var _ PingService = (*PingServiceImpl)(nil)
