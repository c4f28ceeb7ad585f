package ccoffload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	MethodPing = "ping"

	methodHello = "hello"
)

// ErrActorClosed is returned by Step once Close was called.
var ErrActorClosed = errors.New("actor closed")

const msgChanSize = 64

type paramsHello struct {
	Name    string
	Type    ActorType
	Headers Headers
}

type resultHello struct {
	Name    string
	Type    ActorType
	Headers Headers
}

type ActorType int

const (
	ActorTypeUnknown ActorType = iota
	ActorTypeClient
	ActorTypeScheduler
	ActorTypeWorker
)

func (t ActorType) String() string {
	switch t {
	case ActorTypeClient:
		return "client"
	case ActorTypeScheduler:
		return "scheduler"
	case ActorTypeWorker:
		return "worker"
	}
	return "unknown"
}

type msgConnectPeer struct {
	headers       Headers
	initiatedByUs bool
	onDisconnect  func()
	tag           string
	transport     io.ReadWriteCloser
}

type msgDisconnectPeer struct {
	id     PeerID
	reason error
}

type msgExit struct {
	err error
}

type msgHelloAccepted struct {
	id PeerID
}

type msgHelloComplete struct {
	id     PeerID
	result *resultHello
	err    error
}

type msgRPC struct {
	sender  PeerID
	request *jsonrpc2.Request
}

type PeerID uint

type Peer struct {
	// Authenticated is set once the hello exchange completed.
	Authenticated bool
	Conn          *jsonrpc2.Conn
	Ctx           context.Context
	// Headers were sent by the side that initiated the connection,
	// ResponseHeaders by the side that accepted it.
	Headers         Headers
	ID              PeerID
	InitiatedByUs   bool
	Logger          hclog.Logger
	Name            string
	ResponseHeaders Headers
	// Tag is an opaque label chosen by whoever connected the peer.
	Tag  string
	Type ActorType

	cancelCtx context.CancelFunc
	helloDone bool
}

type ConnectHandler func(ctx context.Context, peer *Peer) error
type CustomMessageHandler func(ctx context.Context, msg interface{}) error
type DisconnectHandler func(ctx context.Context, peer *Peer, reason error) error
type HelloHandler func(ctx context.Context, peer *Peer) (responseHeaders Headers, err error)
type RequestHandler func(ctx context.Context, sender *Peer, request *jsonrpc2.Request) (result interface{}, err error)

// Actor owns a set of jsonrpc2 peers. Everything that happens to them is
// funnelled through one channel and handled by the single goroutine that
// calls Step or ProcessMessages, so handlers never need locking.
type Actor struct {
	Logger hclog.Logger

	handleConnect    ConnectHandler
	handleCustomMsg  CustomMessageHandler
	handleDisconnect DisconnectHandler
	handleHello      HelloHandler
	handleRequest    RequestHandler
	msgChan          chan interface{}
	name             string
	nextPeerID       PeerID
	peers            map[PeerID]*Peer
	quit             chan struct{}
	quitOnce         sync.Once
	typ              ActorType
}

func NewActor(logger hclog.Logger, name string, typ ActorType, handleConnect ConnectHandler, handleCustomMsg CustomMessageHandler, handleDisconnect DisconnectHandler, handleHello HelloHandler, handleRequest RequestHandler) *Actor {
	return &Actor{
		Logger: logger.Named(name),

		handleConnect:    handleConnect,
		handleCustomMsg:  handleCustomMsg,
		handleDisconnect: handleDisconnect,
		handleHello:      handleHello,
		handleRequest:    handleRequest,
		msgChan:          make(chan interface{}, msgChanSize),
		name:             name,
		peers:            map[PeerID]*Peer{},
		quit:             make(chan struct{}),
		typ:              typ,
	}
}

func (a *Actor) Name() string {
	return a.name
}

// ConnectPeer hands a connected transport to the actor from any goroutine.
// The hello exchange starts once the actor processes the message.
func (a *Actor) ConnectPeer(transport io.ReadWriteCloser, tag string, headers Headers) bool {
	return a.Message(msgConnectPeer{
		headers:       headers,
		initiatedByUs: true,
		tag:           tag,
		transport:     transport,
	})
}

// AttachPeer is ConnectPeer for the goroutine processing messages.
func (a *Actor) AttachPeer(transport io.ReadWriteCloser, tag string, headers Headers) *Peer {
	return a.handleMsgConnectPeer(msgConnectPeer{
		headers:       headers,
		initiatedByUs: true,
		tag:           tag,
		transport:     transport,
	})
}

// DisconnectPeer drops a peer immediately. It must only be called from the
// goroutine processing messages.
func (a *Actor) DisconnectPeer(ctx context.Context, id PeerID, reason error) error {
	return a.handleMsgDisconnectPeer(ctx, msgDisconnectPeer{
		id:     id,
		reason: reason,
	})
}

func (a *Actor) Exit(err error) {
	a.Message(msgExit{
		err: err,
	})
}

// Message posts msg to the actor. It reports false when the actor was
// closed before the message could be queued.
func (a *Actor) Message(msg interface{}) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.msgChan <- msg:
		return true
	case <-a.quit:
		return false
	}
}

// Spawn runs fn on its own goroutine and posts its result, if any, back to
// the actor. Blocking work such as dialing or sending belongs here.
func (a *Actor) Spawn(fn func() interface{}) {
	go func() {
		if msg := fn(); msg != nil {
			a.Message(msg)
		}
	}()
}

func (a *Actor) ProcessMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.quit:
			return nil
		case msg := <-a.msgChan:
			if msg, ok := msg.(msgExit); ok {
				return msg.err
			}
			if err := a.handleMsg(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Step waits for and handles exactly one message. When ctx ends first it
// returns the cancellation cause.
func (a *Actor) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-a.quit:
		return ErrActorClosed
	case msg := <-a.msgChan:
		if msg, ok := msg.(msgExit); ok {
			if msg.err == nil {
				return ErrActorClosed
			}
			return msg.err
		}
		return a.handleMsg(ctx, msg)
	}
}

func (a *Actor) handleMsg(ctx context.Context, msg interface{}) error {
	switch msg := msg.(type) {
	case msgConnectPeer:
		a.handleMsgConnectPeer(msg)
		return nil
	case msgDisconnectPeer:
		return a.handleMsgDisconnectPeer(ctx, msg)
	case msgHelloAccepted:
		return a.handleMsgHelloAccepted(ctx, msg)
	case msgHelloComplete:
		return a.handleMsgHelloComplete(ctx, msg)
	case msgRPC:
		return a.handleMsgRPC(ctx, msg)
	default:
		if a.handleCustomMsg == nil {
			return a.NewErrUnknownMessage(msg)
		}
		return a.handleCustomMsg(ctx, msg)
	}
}

func (a *Actor) handleMsgConnectPeer(msg msgConnectPeer) *Peer {
	peerCtx, cancelPeerCtx := context.WithCancel(context.Background())
	peerID := a.nextPeerID
	a.nextPeerID++

	handler := actorHandler{
		actor:       a,
		handledPeer: peerID,
	}

	peerLogger := a.Logger.With("peer", peerID)
	if msg.tag != "" {
		peerLogger = peerLogger.With("tag", msg.tag)
	}

	stream := jsonrpc2.NewBufferedStream(msg.transport, jsonrpc2.VarintObjectCodec{})
	conn := jsonrpc2.NewConn(peerCtx, stream, &handler, jsonrpc2.OnSend(func(req *jsonrpc2.Request, _ *jsonrpc2.Response) {
		if req == nil || !peerLogger.IsTrace() {
			return
		}

		if req.Notif {
			peerLogger.Trace("sending notification", "method", req.Method)
		} else {
			peerLogger.Trace("sending request", "id", req.ID.String(), "method", req.Method)
		}
	}), jsonrpc2.OnRecv(func(req *jsonrpc2.Request, res *jsonrpc2.Response) {
		if res == nil || req == nil {
			return
		}

		if res.Error != nil {
			peerLogger.Trace("received error response", "id", req.ID.String(), "error", res.Error.Error())
			return
		}
		// The completion is posted from the reader goroutine so that it is
		// queued ahead of anything the peer sends after its reply.
		if req.Method == methodHello {
			var result resultHello
			if res.Result != nil {
				if err := json.Unmarshal(*res.Result, &result); err != nil {
					a.Message(msgHelloComplete{id: peerID, err: fmt.Errorf("malformed hello response: %w", err)})
					return
				}
			}
			a.Message(msgHelloComplete{id: peerID, result: &result})
		}
	}))

	peer := &Peer{
		cancelCtx:     cancelPeerCtx,
		Conn:          conn,
		Ctx:           peerCtx,
		Headers:       msg.headers,
		ID:            peerID,
		InitiatedByUs: msg.initiatedByUs,
		Logger:        peerLogger,
		Tag:           msg.tag,
	}

	a.peers[peerID] = peer

	go func() {
		<-conn.DisconnectNotify()
		a.Message(msgDisconnectPeer{
			id: peerID,
		})
		if msg.onDisconnect != nil {
			msg.onDisconnect()
		}
	}()

	if msg.initiatedByUs {
		params := paramsHello{
			Name:    a.name,
			Type:    a.typ,
			Headers: msg.headers,
		}
		a.Spawn(func() interface{} {
			if err := conn.Call(peerCtx, methodHello, params, nil); err != nil {
				return msgHelloComplete{
					id:  peerID,
					err: fmt.Errorf("error saying hello to peer %d: %w", peerID, err),
				}
			}
			return nil
		})
	}

	return peer
}

func (a *Actor) handleMsgDisconnectPeer(ctx context.Context, msg msgDisconnectPeer) error {
	peer, ok := a.peers[msg.id]
	if !ok {
		return nil
	}
	delete(a.peers, msg.id)

	var err error
	if a.handleDisconnect != nil {
		err = a.handleDisconnect(ctx, peer, msg.reason)
		if err != nil {
			a.Logger.Error("error during disconnect callback", "error", err)
		}
	}

	peer.cancelCtx()
	_ = peer.Conn.Close()

	if msg.reason == nil {
		peer.Logger.Debug("disconnecting")
	} else {
		peer.Logger.Debug("disconnecting", "reason", msg.reason.Error())
	}

	return err
}

func (a *Actor) handleMsgHelloComplete(ctx context.Context, msg msgHelloComplete) error {
	peer, ok := a.peers[msg.id]
	if !ok {
		a.Logger.Debug("couldn't find peer to complete hello; maybe disconnected?", "peer", msg.id)
		return nil
	}
	if peer.helloDone {
		return nil
	}
	peer.helloDone = true

	if msg.err != nil {
		return a.DisconnectPeer(ctx, peer.ID, msg.err)
	}

	peer.Name = msg.result.Name
	peer.Type = msg.result.Type
	peer.ResponseHeaders = msg.result.Headers
	peer.Authenticated = true
	peer.Logger = peer.Logger.With("name", peer.Name)

	return a.connected(ctx, peer)
}

func (a *Actor) handleMsgHelloAccepted(ctx context.Context, msg msgHelloAccepted) error {
	peer, ok := a.peers[msg.id]
	if !ok {
		return nil
	}
	return a.connected(ctx, peer)
}

func (a *Actor) connected(ctx context.Context, peer *Peer) error {
	if a.handleConnect == nil {
		return nil
	}
	if err := a.handleConnect(ctx, peer); err != nil {
		return a.DisconnectPeer(ctx, peer.ID, fmt.Errorf("error during connect callback for peer %d: %w", peer.ID, err))
	}
	return nil
}

func (a *Actor) handleMsgRPC(ctx context.Context, msg msgRPC) error {
	peer, ok := a.peers[msg.sender]
	if !ok {
		return nil
	}

	if msg.request.Notif {
		peer.Logger.Trace("got notification", "method", msg.request.Method)
	} else {
		peer.Logger.Trace("got request", "id", msg.request.ID.String(), "method", msg.request.Method)
	}

	var result interface{}
	var err error
	switch msg.request.Method {
	case methodHello:
		result, err = a.handleRequestHello(ctx, peer, msg.request)
	case MethodPing:
		result, err = a.handleRequestPing(ctx, peer, msg.request)
	default:
		result, err = a.handleOtherRequest(ctx, peer, msg.request)
	}

	if err != nil {
		if msg.request.Notif {
			err := fmt.Errorf("error while handling notification \"%s\": %w", msg.request.Method, err)
			peer.Logger.Error(err.Error())
			return a.DisconnectPeer(ctx, peer.ID, err)
		}

		errorReply, ok := err.(*jsonrpc2.Error)
		if !ok {
			errorReply = &jsonrpc2.Error{
				Code:    jsonrpc2.CodeInternalError,
				Message: err.Error(),
			}
		}
		peer.Logger.Debug("replying with error", "id", msg.request.ID.String(), "error", errorReply.Error())
		if err := peer.Conn.ReplyWithError(ctx, msg.request.ID, errorReply); err != nil {
			return a.DisconnectPeer(ctx, peer.ID, fmt.Errorf("error while sending error reply for request %s: %w", msg.request.ID.String(), err))
		}
		return nil
	}

	if !msg.request.Notif {
		if err := peer.Conn.Reply(ctx, msg.request.ID, result); err != nil {
			return a.DisconnectPeer(ctx, peer.ID, fmt.Errorf("error while sending reply for request %s: %w", msg.request.ID.String(), err))
		}
	}

	return nil
}

func (a *Actor) handleRequestHello(ctx context.Context, peer *Peer, request *jsonrpc2.Request) (result interface{}, err error) {
	if err := MustBeRequest(request); err != nil {
		return nil, err
	}
	if peer.InitiatedByUs || peer.Authenticated {
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: "unexpected hello",
		}
	}

	params, err := ParseParams[paramsHello](request)
	if err != nil {
		return nil, err
	}

	peer.Name = params.Name
	peer.Type = params.Type
	peer.Headers = params.Headers
	peer.Logger = peer.Logger.With("name", peer.Name)

	var responseHeaders Headers
	if a.handleHello != nil {
		if responseHeaders, err = a.handleHello(ctx, peer); err != nil {
			return nil, err
		}
	}
	peer.ResponseHeaders = responseHeaders
	peer.Authenticated = true
	peer.helloDone = true

	// The connect callback runs after the reply went out.
	go a.Message(msgHelloAccepted{
		id: peer.ID,
	})

	return resultHello{
		Name:    a.name,
		Type:    a.typ,
		Headers: responseHeaders,
	}, nil
}

func (a *Actor) handleRequestPing(ctx context.Context, peer *Peer, request *jsonrpc2.Request) (result interface{}, err error) {
	if err := MustBeRequest(request); err != nil {
		return nil, err
	}

	return "pong", nil
}

func (a *Actor) handleOtherRequest(ctx context.Context, peer *Peer, request *jsonrpc2.Request) (result interface{}, err error) {
	if !peer.Authenticated {
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: "no hello yet",
		}
	}
	if a.handleRequest == nil {
		return nil, NewMethodNotFoundError(request.Method)
	}

	return a.handleRequest(ctx, peer, request)
}

func (a *Actor) NewErrUnknownMessage(msg interface{}) error {
	return fmt.Errorf("got message of unknown type in actor \"%s\": %#v", a.name, msg)
}

func (a *Actor) FindPeersByType(typ ActorType) (peers []*Peer) {
	for _, peer := range a.peers {
		if peer.Type == typ {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (a *Actor) Peer(id PeerID) (*Peer, bool) {
	peer, ok := a.peers[id]
	return peer, ok
}

// Close stops the actor and drops every peer without running the
// disconnect callback. Call it from the goroutine that processed messages,
// or after that goroutine returned.
func (a *Actor) Close() {
	a.quitOnce.Do(func() {
		close(a.quit)
	})
	for id, peer := range a.peers {
		peer.cancelCtx()
		_ = peer.Conn.Close()
		delete(a.peers, id)
	}
}

type actorHandler struct {
	actor       *Actor
	handledPeer PeerID
}

// Handle implements jsonrpc2.Handler
func (h *actorHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, request *jsonrpc2.Request) {
	h.actor.Message(msgRPC{
		sender:  h.handledPeer,
		request: request,
	})
}

var _ jsonrpc2.Handler = (*actorHandler)(nil)

func MustBeNotification(request *jsonrpc2.Request) error {
	if !request.Notif {
		return &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidRequest,
			Message: fmt.Sprintf("%s must be a notification but got a request", request.Method),
		}
	}
	return nil
}

func MustBeRequest(request *jsonrpc2.Request) error {
	if request.Notif {
		return fmt.Errorf("%s must be a request but got a notification", request.Method)
	}
	return nil
}

func NewMethodNotFoundError(method string) *jsonrpc2.Error {
	return &jsonrpc2.Error{
		Code:    jsonrpc2.CodeMethodNotFound,
		Message: method,
	}
}

func ParseParams[T any](request *jsonrpc2.Request) (T, error) {
	var params T
	if request.Params == nil {
		return params, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidParams,
			Message: "missing params",
		}
	}
	if err := json.Unmarshal(*request.Params, &params); err != nil {
		return params, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeInvalidParams,
			Message: err.Error(),
		}
	}
	return params, nil
}

// ListenNet accepts connections until the listener is closed and hands
// them to the actor. Accepted transports are closed on return.
func ListenNet(ctx context.Context, listener net.Listener, actor *Actor) error {
	var mu sync.Mutex
	transports := map[net.Conn]struct{}{}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for transport := range transports {
			_ = transport.Close()
		}
	}()

	for {
		transport, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				actor.Logger.Error("error accepting connection", "error", err)
				return err
			}
			return nil
		}

		mu.Lock()
		transports[transport] = struct{}{}
		mu.Unlock()
		forget := func() {
			mu.Lock()
			delete(transports, transport)
			mu.Unlock()
		}

		if !actor.Message(msgConnectPeer{
			onDisconnect: forget,
			transport:    transport,
		}) {
			_ = transport.Close()
			forget()
		}
	}
}
