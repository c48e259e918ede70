// Package channel implements the stream-based channel: it turns a
// transport.Connection into a request/response multiplexor with id
// generation and response demultiplexing, plus a dispatcher for inbound
// requests and notifications to a single installed Handler. It knows
// nothing about method schemas or typed dispatch tables — that's the typed
// package, layered on top.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kbirk/peerrpc/jsonrpc"
	"github.com/kbirk/peerrpc/rpclog"
	"github.com/kbirk/peerrpc/transport"
)

// Handler receives inbound messages once the stream-based channel has
// classified and demultiplexed them. It is implemented by the typed
// channel layered on top; a Channel constructed with a nil Handler answers
// every inbound request with methodNotFound and drops every notification.
type Handler interface {
	// HandleRequest handles one inbound request and returns either a
	// result or an ErrorObject to send back — never both, never neither.
	HandleRequest(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (result json.RawMessage, errObj *jsonrpc.ErrorObject)

	// HandleNotification handles one inbound notification. It has no
	// response to give: whatever it does, nothing is sent to the peer.
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Options configures a Channel.
type Options struct {
	Handler Handler
	Logger  rpclog.Logger

	// FailPendingOnClose fails every outstanding request's future the
	// moment the transport reaches transport.StateClosed, instead of
	// leaving it pending forever. Off by default; the typed channel turns
	// it on.
	FailPendingOnClose bool
}

type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	errObj *jsonrpc.ErrorObject
	// localErr is set when the future must fail locally: a protocol
	// violation (neither result nor error present) or the connection
	// closing while the request was outstanding.
	localErr error
}

// Channel is a request/response multiplexor over one transport.Connection.
type Channel struct {
	conn    transport.Connection
	handler Handler
	logger  rpclog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingRequest

	failOnClose bool
}

func newChannel(conn transport.Connection, opts Options) *Channel {
	return &Channel{
		conn:        conn,
		handler:     opts.Handler,
		logger:      opts.Logger,
		pending:     make(map[string]*pendingRequest),
		failOnClose: opts.FailPendingOnClose,
	}
}

func (c *Channel) installListener() {
	c.conn.SetListener(c.onMessage)
	if c.failOnClose {
		c.conn.OnStateChange(c.onStateChange)
	}
}

// New constructs a Channel over conn and installs its listener
// immediately. The transport must not already have a channel installed on
// it — construct at most one Channel (directly, or via a Factory) per
// transport.Connection.
func New(conn transport.Connection, opts Options) *Channel {
	c := newChannel(conn, opts)
	c.installListener()
	return c
}

// Factory defers listener installation so a Handler that needs a reference
// to the eventual Channel (to make its own outbound calls) can be built
// after the Channel value exists, without racing inbound messages before
// the handler is ready.
type Factory struct {
	conn         transport.Connection
	mu           sync.Mutex
	materialized bool
}

// NewFactory returns a Factory bound to conn.
func NewFactory(conn transport.Connection) *Factory {
	return &Factory{conn: conn}
}

// Materialize builds the Channel and installs its listener. Calling
// Materialize a second time on the same Factory fails fast.
func (f *Factory) Materialize(opts Options) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.materialized {
		return nil, errors.New("channel: factory already materialized a channel for this transport")
	}
	f.materialized = true

	c := newChannel(f.conn, opts)
	c.installListener()
	return c, nil
}

// State returns the underlying transport's connection state, unchanged.
func (c *Channel) State() (transport.State, error) {
	return c.conn.State()
}

// OnStateChange subscribes to the underlying transport's state changes.
func (c *Channel) OnStateChange(f func(transport.StateChange)) func() {
	return c.conn.OnStateChange(f)
}

// Close closes the underlying transport. The Channel exclusively owns it.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Request sends a request and blocks until a matching response arrives, ctx
// is canceled, or the send itself fails. It returns exactly one of (result,
// nil, nil), (nil, errObj, nil), or (nil, nil, err).
func (c *Channel) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject, error) {
	id, ch := c.registerPending()

	bs, err := jsonrpc.EncodeRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, nil, err
	}

	if err := c.conn.Send(bs); err != nil {
		c.removePending(id)
		return nil, nil, err
	}

	select {
	case res := <-ch:
		if res.localErr != nil {
			return nil, nil, res.localErr
		}
		if res.errObj != nil {
			return nil, res.errObj, nil
		}
		return res.result, nil, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, nil, ctx.Err()
	}
}

// Notify sends a one-way notification. It completes once the transport has
// accepted the bytes; there is no pending-table entry and no reply.
func (c *Channel) Notify(method string, params json.RawMessage) error {
	bs, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.conn.Send(bs)
}

// registerPending allocates the next id and inserts its pending entry as
// one atomic step under the same lock, so id allocation is race-free with
// respect to concurrent Request calls.
func (c *Channel) registerPending() (jsonrpc.ID, chan pendingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := jsonrpc.NewNumberID(int64(c.nextID))
	c.nextID++

	ch := make(chan pendingResult, 1)
	c.pending[id.String()] = &pendingRequest{resultCh: ch}
	return id, ch
}

func (c *Channel) removePending(id jsonrpc.ID) {
	c.mu.Lock()
	delete(c.pending, id.String())
	c.mu.Unlock()
}

func (c *Channel) onMessage(data json.RawMessage) {
	env, err := jsonrpc.Decode(data)
	if err != nil {
		rpclog.Warn(c.logger, rpclog.Text("channel: dropping unparseable message: %s", err))
		return
	}

	switch env.Kind {
	case jsonrpc.KindRequest:
		go c.handleInboundRequest(env)
	case jsonrpc.KindNotification:
		go c.handleInboundNotification(env)
	case jsonrpc.KindResponse:
		c.handleInboundResponse(env)
	}
}

func (c *Channel) handleInboundRequest(env *jsonrpc.Envelope) {
	id := env.ID

	if c.handler == nil {
		c.respondError(&id, &jsonrpc.ErrorObject{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: fmt.Sprintf("no handler installed for method %q", env.Method),
		})
		return
	}

	result, errObj := c.invokeHandleRequest(env, id)
	if errObj != nil {
		c.respondError(&id, errObj)
		return
	}
	c.respondSuccess(&id, result)
}

// invokeHandleRequest recovers from a handler panic and turns it into
// internalError without ever forwarding the panic value to the peer.
func (c *Channel) invokeHandleRequest(env *jsonrpc.Envelope, id jsonrpc.ID) (result json.RawMessage, errObj *jsonrpc.ErrorObject) {
	defer func() {
		if r := recover(); r != nil {
			rpclog.Warn(c.logger, rpclog.Text("channel: handler for %q panicked: %v", env.Method, r))
			result = nil
			errObj = &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "internal error"}
		}
	}()
	return c.handler.HandleRequest(context.Background(), id, env.Method, env.Params)
}

func (c *Channel) handleInboundNotification(env *jsonrpc.Envelope) {
	if c.handler == nil {
		rpclog.Debug(c.logger, rpclog.Text("channel: dropping notification %q: no handler installed", env.Method))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			rpclog.Warn(c.logger, rpclog.Text("channel: notification handler for %q panicked: %v", env.Method, r))
		}
	}()
	c.handler.HandleNotification(context.Background(), env.Method, env.Params)
}

func (c *Channel) handleInboundResponse(env *jsonrpc.Envelope) {
	if env.ResponseID == nil {
		rpclog.Debug(c.logger, rpclog.Text("channel: dropping response with null id"))
		return
	}

	key := env.ResponseID.String()
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		rpclog.Debug(c.logger, rpclog.Text("channel: dropping response for unrecognized id %s", key))
		return
	}

	switch {
	case env.HasResult:
		p.resultCh <- pendingResult{result: env.Result}
	case env.HasError:
		p.resultCh <- pendingResult{errObj: env.Error}
	default:
		p.resultCh <- pendingResult{localErr: errors.New("channel: protocol violation: response has neither result nor error")}
	}
}

// onStateChange fails every outstanding request when the transport closes,
// if FailPendingOnClose was set.
func (c *Channel) onStateChange(change transport.StateChange) {
	if change.State != transport.StateClosed {
		return
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- pendingResult{localErr: errors.New("channel: connection closed")}
	}
}

func (c *Channel) respondSuccess(id *jsonrpc.ID, result json.RawMessage) {
	bs, err := jsonrpc.EncodeSuccess(id, result)
	if err != nil {
		rpclog.Warn(c.logger, rpclog.Text("channel: failed to encode success response: %s", err))
		return
	}
	if err := c.conn.Send(bs); err != nil {
		rpclog.Warn(c.logger, rpclog.Text("channel: failed to send response: %s", err))
	}
}

func (c *Channel) respondError(id *jsonrpc.ID, errObj *jsonrpc.ErrorObject) {
	bs, err := jsonrpc.EncodeError(id, errObj)
	if err != nil {
		rpclog.Warn(c.logger, rpclog.Text("channel: failed to encode error response: %s", err))
		return
	}
	if err := c.conn.Send(bs); err != nil {
		rpclog.Warn(c.logger, rpclog.Text("channel: failed to send error response: %s", err))
	}
}
