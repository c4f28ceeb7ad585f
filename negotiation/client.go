// Package negotiation holds the client's sessions with the scheduler and
// with the worker the scheduler assigned. All sessions of a Client are
// driven by its actor and must only be touched from the goroutine calling
// Step.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/jsonrpc2"
	"tbx.at/ccoffload"
)

var (
	ErrSchedulerFailed = errors.New("scheduler negotiation failed")
	ErrWorkerFailed    = errors.New("worker negotiation failed")
)

type State int

const (
	Unconnected State = iota
	Connecting
	ConnectedTransport
	ConnectedProtocol
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case Connecting:
		return "Connecting"
	case ConnectedTransport:
		return "ConnectedTransport"
	case ConnectedProtocol:
		return "ConnectedProtocol"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further progress is possible.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = (*net.Dialer)(nil)

type msgDialed struct {
	tag  string
	conn net.Conn
	err  error
}

type msgSent struct {
	tag string
	err error
}

type msgUploaded struct {
	tag string
	err error
}

type session interface {
	base() *sessionBase
	connected(ctx context.Context, peer *ccoffload.Peer) error
	disconnected(ctx context.Context, reason error)
	request(ctx context.Context, request *jsonrpc2.Request) (interface{}, error)
}

type Client struct {
	Actor *ccoffload.Actor

	dialer          Dialer
	handleCustomMsg ccoffload.CustomMessageHandler
	logger          hclog.Logger
	nextTag         int
	sessions        map[string]session
}

// NewClient creates a client actor. Messages that are not meant for a
// session are passed to handleCustomMsg.
func NewClient(logger hclog.Logger, name string, dialer Dialer, handleCustomMsg ccoffload.CustomMessageHandler) *Client {
	c := &Client{
		dialer:          dialer,
		handleCustomMsg: handleCustomMsg,
		logger:          logger,
		sessions:        map[string]session{},
	}
	c.Actor = ccoffload.NewActor(logger, name, ccoffload.ActorTypeClient, c.handleConnect, c.handleCustomMessage, c.handleDisconnect, nil, c.handleRequest)
	return c
}

// Step handles one event; see ccoffload.Actor.Step.
func (c *Client) Step(ctx context.Context) error {
	return c.Actor.Step(ctx)
}

// Close drops every session and stops the actor.
func (c *Client) Close(ctx context.Context) {
	for _, s := range c.sessions {
		s.base().close(ctx)
	}
	c.Actor.Close()
}

func (c *Client) newTag(kind string) string {
	c.nextTag++
	return fmt.Sprintf("%s-%d", kind, c.nextTag)
}

func (c *Client) handleConnect(ctx context.Context, peer *ccoffload.Peer) error {
	s, ok := c.sessions[peer.Tag]
	if !ok {
		return fmt.Errorf("no session for peer %q", peer.Tag)
	}
	return s.connected(ctx, peer)
}

func (c *Client) handleDisconnect(ctx context.Context, peer *ccoffload.Peer, reason error) error {
	if s, ok := c.sessions[peer.Tag]; ok {
		s.base().peer = nil
		s.disconnected(ctx, reason)
	}
	return nil
}

func (c *Client) handleRequest(ctx context.Context, sender *ccoffload.Peer, request *jsonrpc2.Request) (interface{}, error) {
	s, ok := c.sessions[sender.Tag]
	if !ok {
		return nil, ccoffload.NewMethodNotFoundError(request.Method)
	}
	return s.request(ctx, request)
}

func (c *Client) handleCustomMessage(ctx context.Context, msg interface{}) error {
	switch msg := msg.(type) {
	case msgDialed:
		s, ok := c.sessions[msg.tag]
		if !ok {
			if msg.conn != nil {
				_ = msg.conn.Close()
			}
			return nil
		}
		s.base().dialed(ctx, msg.conn, msg.err)
	case msgSent:
		if s, ok := c.sessions[msg.tag].(*WorkerSession); ok {
			s.sent(ctx, msg.err)
		}
	case msgUploaded:
		if s, ok := c.sessions[msg.tag].(*SchedulerSession); ok {
			s.uploaded(msg.err)
		}
	default:
		if c.handleCustomMsg == nil {
			return c.Actor.NewErrUnknownMessage(msg)
		}
		return c.handleCustomMsg(ctx, msg)
	}
	return nil
}

// sessionBase carries the connection lifecycle shared by both session
// kinds.
type sessionBase struct {
	address    string
	cancelDial context.CancelFunc
	client     *Client
	err        error
	headers    ccoffload.Headers
	logger     hclog.Logger
	peer       *ccoffload.Peer
	state      State
	tag        string
	wrap       error
}

func (b *sessionBase) base() *sessionBase {
	return b
}

func (b *sessionBase) State() State {
	return b.state
}

// Err explains a Failed state.
func (b *sessionBase) Err() error {
	return b.err
}

func (b *sessionBase) connect(ctx context.Context, s session) {
	if b.state != Unconnected {
		panic(fmt.Sprintf("connect in state %s", b.state))
	}
	b.state = Connecting
	b.client.sessions[b.tag] = s

	dialCtx, cancel := context.WithCancel(ctx)
	b.cancelDial = cancel
	dialer, address, tag := b.client.dialer, b.address, b.tag
	b.logger.Debug("connecting", "address", address)
	b.client.Actor.Spawn(func() interface{} {
		conn, err := dialer.DialContext(dialCtx, "tcp", address)
		return msgDialed{
			tag:  tag,
			conn: conn,
			err:  err,
		}
	})
}

func (b *sessionBase) dialed(ctx context.Context, conn net.Conn, err error) {
	if b.state != Connecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		b.fail(ctx, fmt.Errorf("failed to connect to %s: %w", b.address, err))
		return
	}
	b.state = ConnectedTransport
	b.peer = b.client.Actor.AttachPeer(conn, b.tag, b.headers)
}

func (b *sessionBase) fail(ctx context.Context, err error) {
	if b.state.Terminal() {
		return
	}
	b.state = Failed
	b.err = fmt.Errorf("%w: %w", b.wrap, err)
	b.logger.Debug("failed", "error", err)
	b.drop(ctx, b.err)
}

func (b *sessionBase) close(ctx context.Context) {
	if b.state.Terminal() {
		return
	}
	b.state = Closed
	b.drop(ctx, nil)
}

func (b *sessionBase) drop(ctx context.Context, reason error) {
	if b.cancelDial != nil {
		b.cancelDial()
	}
	// Unregister first so the disconnect callback does not come back here.
	delete(b.client.sessions, b.tag)
	if peer := b.peer; peer != nil {
		b.peer = nil
		_ = b.client.Actor.DisconnectPeer(ctx, peer.ID, reason)
	}
}
