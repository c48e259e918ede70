// Package typed implements the schema-driven typed channel: a dispatch
// table of method descriptors layered on top of channel.Channel,
// translating between application Go values and the untyped
// request/notification/response traffic the stream-based channel moves.
package typed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kbirk/peerrpc/channel"
	"github.com/kbirk/peerrpc/jsonrpc"
	"github.com/kbirk/peerrpc/rpclog"
	"github.com/kbirk/peerrpc/serialize"
	"github.com/kbirk/peerrpc/transport"
)

// ErrAlreadyStarted is returned by Start on a Channel that has already
// started.
var ErrAlreadyStarted = errors.New("typed: channel already started")

// ErrNotStarted is returned by Request/Notify calls made before Start.
var ErrNotStarted = errors.New("typed: channel has not been started")

// ErrOptionalMethodNotFound is the sentinel Request returns instead of a
// methodNotFound HandlerError when the descriptor was built with
// Optional: true.
var ErrOptionalMethodNotFound = errors.New("typed: optional method not found on peer")

// Disposer removes whatever it was returned from registering. Calling it
// more than once is a no-op.
type Disposer func()

func newDisposer(f func()) Disposer {
	var once sync.Once
	return func() { once.Do(f) }
}

// DomainError is the error a registered request handler returns to signal
// an application-defined failure to send back over the wire, as opposed to
// an unexpected Go error (which the typed channel reports as
// unexpectedServerError without leaking its text unless SendExceptionDetails
// is set).
type DomainError[E any] struct {
	Code    int64
	Message string
	Data    E
}

// NewDomainError builds a DomainError with the default application error
// code (jsonrpc.CodeGenericApplicationError).
func NewDomainError[E any](message string, data E) *DomainError[E] {
	return &DomainError[E]{Message: message, Data: data}
}

// NewDomainErrorWithCode builds a DomainError with an explicit wire code.
func NewDomainErrorWithCode[E any](code int64, message string, data E) *DomainError[E] {
	return &DomainError[E]{Code: code, Message: message, Data: data}
}

func (e *DomainError[E]) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "domain error"
}

// RequestHandlerFunc is a registered request handler. Returning a
// *DomainError[E] sends that error to the caller; a *jsonrpc.HandlerError
// is forwarded with its own code, message and data; any other non-nil
// error, or a panic, is reported as unexpectedServerError.
type RequestHandlerFunc[CIn, P, R any] func(ctx context.Context, args P, id jsonrpc.ID, recvCtx CIn) (R, error)

// NotificationHandlerFunc is a registered notification handler.
type NotificationHandlerFunc[CIn, P any] func(ctx context.Context, args P, recvCtx CIn)

// UnknownNotificationHandlerFunc observes notifications for methods with no
// registered descriptor.
type UnknownNotificationHandlerFunc func(ctx context.Context, method string, params json.RawMessage)

type erasedRequestFn func(ctx context.Context, id jsonrpc.ID, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject)
type erasedNotificationFn func(ctx context.Context, params json.RawMessage)
type erasedUnknownFn func(ctx context.Context, method string, params json.RawMessage)

type entry struct {
	descriptor    Descriptor
	request       erasedRequestFn
	notifications map[int]erasedNotificationFn
	nextID        int
}

// Options configures a Channel.
type Options[CIn, COut any] struct {
	Logger rpclog.Logger

	// IgnoreUnexpectedProperties injects the $ignoreUnexpectedProperties
	// wire marker into every outbound request's params, asking a
	// cooperative peer's StrictJSON serializer to tolerate additional
	// fields.
	IgnoreUnexpectedProperties bool

	// SendExceptionDetails includes an unexpected error's Go Error() text
	// in the unexpectedServerError message sent to the peer, instead of a
	// generic message. Off by default: never leak internals to an
	// untrusted peer.
	SendExceptionDetails bool

	// NewReceiveContext builds the CIn value handlers observe for each
	// inbound request or notification. If nil, handlers receive CIn's
	// zero value.
	NewReceiveContext func(ctx context.Context, id *jsonrpc.ID) CIn

	// SendContextHook derives the context.Context that Request passes to
	// the underlying stream channel from the caller's ctx and COut value,
	// e.g. to attach a deadline carried by COut. If nil, ctx is used
	// unchanged and COut plays no role in Request. Notify never uses the
	// hook or its COut argument.
	SendContextHook func(ctx context.Context, sendCtx COut) context.Context

	// OnRequestDidError is called with every HandlerError surfaced to an
	// outbound Request caller.
	OnRequestDidError func(*jsonrpc.HandlerError)
}

// Channel is a schema-driven dispatch table layered over one
// channel.Channel. CIn is the value registered handlers receive alongside
// their typed params; COut is the value callers may supply when sending, to
// be translated into request-scoped behavior via Options.SendContextHook.
type Channel[CIn, COut any] struct {
	factory *channel.Factory
	stream  *channel.Channel

	mu                          sync.Mutex
	entries                     map[string]*entry
	unknownNotificationHandlers map[int]erasedUnknownFn
	nextUnknownID               int
	started                     bool

	startedCh chan struct{}

	logger                     rpclog.Logger
	ignoreUnexpectedProperties bool
	sendExceptionDetails       bool
	newReceiveContext          func(ctx context.Context, id *jsonrpc.ID) CIn
	sendContextHook            func(ctx context.Context, sendCtx COut) context.Context
	onRequestDidError          func(*jsonrpc.HandlerError)
}

// New builds a Channel over conn. The underlying stream channel is not
// materialized until Start is called, so registrations made before Start
// can't race inbound traffic.
func New[CIn, COut any](conn transport.Connection, opts Options[CIn, COut]) *Channel[CIn, COut] {
	tc := &Channel[CIn, COut]{
		factory:                     channel.NewFactory(conn),
		entries:                     make(map[string]*entry),
		unknownNotificationHandlers: make(map[int]erasedUnknownFn),
		startedCh:                   make(chan struct{}),
		logger:                      opts.Logger,
		ignoreUnexpectedProperties:  opts.IgnoreUnexpectedProperties,
		sendExceptionDetails:        opts.SendExceptionDetails,
		newReceiveContext:           opts.NewReceiveContext,
		sendContextHook:             opts.SendContextHook,
		onRequestDidError:           opts.OnRequestDidError,
	}
	go tc.warnIfNeverStarted()
	return tc
}

func (tc *Channel[CIn, COut]) warnIfNeverStarted() {
	select {
	case <-tc.startedCh:
	case <-time.After(time.Second):
		rpclog.Warn(tc.logger, rpclog.Text("typed: channel has not been started one second after construction; call Start()"))
	}
}

// Start materializes the underlying stream channel and begins dispatching.
// It may be called exactly once.
func (tc *Channel[CIn, COut]) Start() error {
	tc.mu.Lock()
	if tc.started {
		tc.mu.Unlock()
		return ErrAlreadyStarted
	}
	tc.started = true
	tc.mu.Unlock()

	stream, err := tc.factory.Materialize(channel.Options{
		Handler:            tc,
		Logger:             tc.logger,
		FailPendingOnClose: true,
	})
	if err != nil {
		return err
	}
	tc.stream = stream
	close(tc.startedCh)
	return nil
}

// Started returns a channel closed once Start has completed.
func (tc *Channel[CIn, COut]) Started() <-chan struct{} {
	return tc.startedCh
}

func (tc *Channel[CIn, COut]) isStarted() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.started
}

// State returns the underlying transport's state.
func (tc *Channel[CIn, COut]) State() (transport.State, error) {
	tc.mu.Lock()
	stream := tc.stream
	tc.mu.Unlock()
	if stream == nil {
		return transport.State(0), ErrNotStarted
	}
	return stream.State()
}

// OnStateChange subscribes to the underlying transport's state changes.
func (tc *Channel[CIn, COut]) OnStateChange(f func(transport.StateChange)) func() {
	tc.mu.Lock()
	stream := tc.stream
	tc.mu.Unlock()
	if stream == nil {
		return func() {}
	}
	return stream.OnStateChange(f)
}

// Close closes the underlying transport.
func (tc *Channel[CIn, COut]) Close() error {
	tc.mu.Lock()
	stream := tc.stream
	tc.mu.Unlock()
	if stream == nil {
		return ErrNotStarted
	}
	return stream.Close()
}

func (tc *Channel[CIn, COut]) buildReceiveContext(ctx context.Context, id *jsonrpc.ID) CIn {
	if tc.newReceiveContext == nil {
		var zero CIn
		return zero
	}
	return tc.newReceiveContext(ctx, id)
}

// RegisterRequest installs handler for d.Method(). It fails if a handler
// (request or notification) is already registered for that method.
func RegisterRequest[CIn, COut, P, R, E any](tc *Channel[CIn, COut], d *RequestDescriptor[P, R, E], handler RequestHandlerFunc[CIn, P, R]) (Disposer, error) {
	tc.mu.Lock()
	if _, exists := tc.entries[d.method]; exists {
		tc.mu.Unlock()
		return nil, fmt.Errorf("typed: method %q is already registered", d.method)
	}

	fn := func(ctx context.Context, id jsonrpc.ID, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
		args, derr := d.params.Deserialize(params)
		if derr != nil {
			return nil, &jsonrpc.ErrorObject{
				Code:    jsonrpc.CodeInvalidParams,
				Message: fmt.Sprintf("invalid params for %q: %s", d.method, derr.Error()),
			}
		}

		recvCtx := tc.buildReceiveContext(ctx, &id)

		result, err := func() (r R, e error) {
			defer func() {
				if rec := recover(); rec != nil {
					e = fmt.Errorf("panic: %v", rec)
				}
			}()
			return handler(ctx, args, id, recvCtx)
		}()

		if err == nil {
			bs, serr := d.result.Serialize(result)
			if serr != nil {
				rpclog.Warn(tc.logger, rpclog.Text("typed: failed to serialize result for %q: %s", d.method, serr))
				return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "failed to serialize result"}
			}
			return bs, nil
		}

		var de *DomainError[E]
		if errors.As(err, &de) {
			code := de.Code
			if code == 0 {
				code = jsonrpc.CodeGenericApplicationError
			}
			message := de.Message
			if message == "" {
				message = "an error was returned"
			}
			data, serr := d.err.Serialize(de.Data)
			if serr != nil {
				rpclog.Warn(tc.logger, rpclog.Text("typed: failed to serialize error data for %q: %s", d.method, serr))
				return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInternalError, Message: "failed to serialize error data"}
			}
			return nil, &jsonrpc.ErrorObject{Code: code, Message: message, Data: data}
		}

		var he *jsonrpc.HandlerError
		if errors.As(err, &he) {
			return nil, he.ToErrorObject()
		}

		rpclog.Warn(tc.logger, rpclog.Text("typed: handler for %q returned an unexpected error: %s", d.method, err))
		msg := "unexpected server error"
		if tc.sendExceptionDetails {
			msg = err.Error()
		}
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeUnexpectedServerError, Message: msg}
	}

	tc.entries[d.method] = &entry{descriptor: d, request: fn}
	tc.mu.Unlock()

	return newDisposer(func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		delete(tc.entries, d.method)
	}), nil
}

// RegisterNotification adds handler to d.Method()'s handler set. Multiple
// handlers may be registered for the same descriptor; re-registering the
// method name against a conflicting descriptor (a request, or a different
// notification descriptor instance) fails.
func RegisterNotification[CIn, COut, P any](tc *Channel[CIn, COut], d *NotificationDescriptor[P], handler NotificationHandlerFunc[CIn, P]) (Disposer, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	e, exists := tc.entries[d.method]
	if exists {
		if e.request != nil {
			return nil, fmt.Errorf("typed: method %q is already registered as a request", d.method)
		}
		if e.descriptor != Descriptor(d) {
			return nil, fmt.Errorf("typed: method %q is already registered with a different notification descriptor", d.method)
		}
	} else {
		e = &entry{descriptor: d, notifications: make(map[int]erasedNotificationFn)}
		tc.entries[d.method] = e
	}

	id := e.nextID
	e.nextID++
	e.notifications[id] = func(ctx context.Context, params json.RawMessage) {
		args, err := d.params.Deserialize(params)
		if err != nil {
			rpclog.Warn(tc.logger, rpclog.Text("typed: failed to deserialize notification %q params: %s", d.method, err))
			return
		}
		recvCtx := tc.buildReceiveContext(ctx, nil)
		handler(ctx, args, recvCtx)
	}

	return newDisposer(func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		ee, ok := tc.entries[d.method]
		if !ok {
			return
		}
		delete(ee.notifications, id)
		if len(ee.notifications) == 0 && ee.request == nil {
			delete(tc.entries, d.method)
		}
	}), nil
}

// RegisterUnknownNotificationHandler observes notifications for methods
// with no registered descriptor.
func RegisterUnknownNotificationHandler[CIn, COut any](tc *Channel[CIn, COut], handler UnknownNotificationHandlerFunc) Disposer {
	tc.mu.Lock()
	id := tc.nextUnknownID
	tc.nextUnknownID++
	tc.unknownNotificationHandlers[id] = erasedUnknownFn(handler)
	tc.mu.Unlock()

	return newDisposer(func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		delete(tc.unknownNotificationHandlers, id)
	})
}

// Request sends d to the peer with args and blocks for its response.
func Request[CIn, COut, P, R, E any](tc *Channel[CIn, COut], ctx context.Context, d *RequestDescriptor[P, R, E], args P, sendCtx COut) (R, error) {
	var zero R

	if !tc.isStarted() {
		return zero, ErrNotStarted
	}

	params, err := d.params.Serialize(args)
	if err != nil {
		return zero, err
	}
	if tc.ignoreUnexpectedProperties {
		params = serialize.WithIgnoreUnexpectedPropertiesMarker(params)
	}
	if err := jsonrpc.AssertValidParams(params); err != nil {
		return zero, err
	}

	sendVia := ctx
	if tc.sendContextHook != nil {
		sendVia = tc.sendContextHook(ctx, sendCtx)
	}

	result, errObj, err := tc.stream.Request(sendVia, d.method, params)
	if err != nil {
		return zero, err
	}
	if errObj != nil {
		herr := jsonrpc.FromErrorObject(errObj)
		if d.optional && herr.Code == jsonrpc.CodeMethodNotFound {
			return zero, ErrOptionalMethodNotFound
		}
		if tc.onRequestDidError != nil {
			tc.onRequestDidError(herr)
		}
		return zero, herr
	}

	val, derr := d.result.Deserialize(result)
	if derr != nil {
		return zero, derr
	}
	return val, nil
}

// Notify sends d to the peer with args as a one-way notification.
func Notify[CIn, COut, P any](tc *Channel[CIn, COut], d *NotificationDescriptor[P], args P, sendCtx COut) error {
	if !tc.isStarted() {
		return ErrNotStarted
	}

	params, err := d.params.Serialize(args)
	if err != nil {
		return err
	}
	if tc.ignoreUnexpectedProperties {
		params = serialize.WithIgnoreUnexpectedPropertiesMarker(params)
	}
	if err := jsonrpc.AssertValidParams(params); err != nil {
		return err
	}
	return tc.stream.Notify(d.method, params)
}

// HandleRequest implements channel.Handler.
func (tc *Channel[CIn, COut]) HandleRequest(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
	tc.mu.Lock()
	e, ok := tc.entries[method]
	tc.mu.Unlock()

	if !ok {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
	if e.request == nil {
		return nil, &jsonrpc.ErrorObject{Code: jsonrpc.CodeInvalidRequest, Message: fmt.Sprintf("method %q is registered as a notification, not a request", method)}
	}
	return e.request(ctx, id, params)
}

// HandleNotification implements channel.Handler.
func (tc *Channel[CIn, COut]) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	tc.mu.Lock()
	e, ok := tc.entries[method]
	var unknown []erasedUnknownFn
	if !ok {
		for _, f := range tc.unknownNotificationHandlers {
			unknown = append(unknown, f)
		}
	}
	tc.mu.Unlock()

	if !ok {
		if len(unknown) == 0 {
			rpclog.Debug(tc.logger, rpclog.Text("typed: dropping notification for unregistered method %q", method))
			return
		}
		for _, f := range unknown {
			invokeNotificationSafely(tc.logger, method, func() { f(ctx, method, params) })
		}
		return
	}

	if e.request != nil {
		rpclog.Debug(tc.logger, rpclog.Text("typed: dropping notification for request-only method %q", method))
		return
	}

	tc.mu.Lock()
	handlers := make([]erasedNotificationFn, 0, len(e.notifications))
	for _, f := range e.notifications {
		handlers = append(handlers, f)
	}
	tc.mu.Unlock()

	for _, f := range handlers {
		invokeNotificationSafely(tc.logger, method, func() { f(ctx, params) })
	}
}

func invokeNotificationSafely(logger rpclog.Logger, method string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			rpclog.Warn(logger, rpclog.Text("typed: notification handler for %q panicked: %v", method, r))
		}
	}()
	f()
}

// MethodInfo describes one registered method, used by the reflector.
type MethodInfo struct {
	Method string
	Kind   Kind
	Types  TypeNames
}

// ListMethods returns every registered method, sorted by name.
func (tc *Channel[CIn, COut]) ListMethods() []MethodInfo {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	infos := make([]MethodInfo, 0, len(tc.entries))
	for method, e := range tc.entries {
		infos = append(infos, MethodInfo{
			Method: method,
			Kind:   e.descriptor.MethodKind(),
			Types:  e.descriptor.TypeNames(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Method < infos[j].Method })
	return infos
}
