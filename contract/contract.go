// Package contract implements the contract runtime: it composes a pair of
// method-name→descriptor sets ("server" side, "client" side) into a
// symmetric handler-installation/proxy pair over a typed channel, injecting
// a counterpart back-call reference and a domain-error wrapper factory into
// every registered handler.
//
// A Contract is built once, at definition time, by pairing each descriptor
// with its handler through the generic
// ServerRequest/ServerNotification/ClientRequest/ClientNotification
// builders; GetServer and RegisterServer then only decide which side's
// handlers to install and which side's proxy to hand back.
package contract

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbirk/peerrpc/jsonrpc"
	"github.com/kbirk/peerrpc/transport"
	"github.com/kbirk/peerrpc/typed"
)

// Disposer removes whatever it was returned from installing. Idempotent.
type Disposer = typed.Disposer

func aggregateDisposer(ds []Disposer) Disposer {
	return func() {
		for _, d := range ds {
			if d != nil {
				d()
			}
		}
	}
}

// Proxy is the counterpart object exposed for a peer's descriptor set: an
// invocable that calls typed.Request or typed.Notify over the underlying
// typed channel. A Proxy isn't tied to one side of a contract — the same
// value is used to call either side's descriptors, and to back-call from
// within a handler.
type Proxy[CIn, COut any] struct {
	Channel *typed.Channel[CIn, COut]
}

// NewProxy wraps tc as a Proxy.
func NewProxy[CIn, COut any](tc *typed.Channel[CIn, COut]) *Proxy[CIn, COut] {
	return &Proxy[CIn, COut]{Channel: tc}
}

// Call invokes a request descriptor through the proxy.
func Call[CIn, COut, P, R, E any](p *Proxy[CIn, COut], ctx context.Context, d *typed.RequestDescriptor[P, R, E], args P, sendCtx COut) (R, error) {
	return typed.Request(p.Channel, ctx, d, args, sendCtx)
}

// Cast fires a notification descriptor through the proxy.
func Cast[CIn, COut, P any](p *Proxy[CIn, COut], d *typed.NotificationDescriptor[P], args P, sendCtx COut) error {
	return typed.Notify(p.Channel, d, args, sendCtx)
}

// HandlerInfo is injected into every contract-registered handler alongside
// its typed args and receive context: the inbound request's id (nil for a
// notification handler), a reference to the peer's proxy for back-calls,
// and a factory for building this method's domain error.
type HandlerInfo[CIn, COut, E any] struct {
	RequestID   *jsonrpc.ID
	Counterpart *Proxy[CIn, COut]
	WrapError   func(message string, data E) error
}

// RequestHandlerFunc is a contract-installed request handler.
type RequestHandlerFunc[CIn, COut, P, R, E any] func(ctx context.Context, args P, recvCtx CIn, info HandlerInfo[CIn, COut, E]) (R, error)

// NotificationHandlerFunc is a contract-installed notification handler.
type NotificationHandlerFunc[CIn, COut, P any] func(ctx context.Context, args P, recvCtx CIn, info HandlerInfo[CIn, COut, struct{}])

type binder[CIn, COut any] func(tc *typed.Channel[CIn, COut], counterpart *Proxy[CIn, COut]) (Disposer, error)

// Contract pairs a server-side and a client-side set of method bindings.
// The builders append to it; RegisterServer and GetServer install a
// snapshot of the bindings present at the time of the call.
type Contract[CIn, COut any] struct {
	Name string
	Tags []string

	mu            sync.Mutex
	serverBinders []binder[CIn, COut]
	clientBinders []binder[CIn, COut]
}

// New builds an empty contract. Populate it with ServerRequest,
// ServerNotification, ClientRequest and ClientNotification before use.
func New[CIn, COut any](name string, tags ...string) *Contract[CIn, COut] {
	return &Contract[CIn, COut]{Name: name, Tags: tags}
}

// ServerRequest adds a request method to the contract's server side. A nil
// handler declares the method without a local implementation; installing
// this contract via RegisterServer then fails for that method.
func ServerRequest[CIn, COut, P, R, E any](c *Contract[CIn, COut], method string, d *typed.RequestDescriptor[P, R, E], handler RequestHandlerFunc[CIn, COut, P, R, E]) {
	d = d.WithMethod(method)
	c.mu.Lock()
	c.serverBinders = append(c.serverBinders, requestBinder(method, d, handler))
	c.mu.Unlock()
}

// ServerNotification adds a notification method to the contract's server
// side. A nil handler is valid: the notification is silently dropped when
// received.
func ServerNotification[CIn, COut, P any](c *Contract[CIn, COut], method string, d *typed.NotificationDescriptor[P], handler NotificationHandlerFunc[CIn, COut, P]) {
	d = d.WithMethod(method)
	c.mu.Lock()
	c.serverBinders = append(c.serverBinders, notificationBinder(method, d, handler))
	c.mu.Unlock()
}

// ClientRequest adds a request method to the contract's client side.
func ClientRequest[CIn, COut, P, R, E any](c *Contract[CIn, COut], method string, d *typed.RequestDescriptor[P, R, E], handler RequestHandlerFunc[CIn, COut, P, R, E]) {
	d = d.WithMethod(method)
	c.mu.Lock()
	c.clientBinders = append(c.clientBinders, requestBinder(method, d, handler))
	c.mu.Unlock()
}

// ClientNotification adds a notification method to the contract's client
// side.
func ClientNotification[CIn, COut, P any](c *Contract[CIn, COut], method string, d *typed.NotificationDescriptor[P], handler NotificationHandlerFunc[CIn, COut, P]) {
	d = d.WithMethod(method)
	c.mu.Lock()
	c.clientBinders = append(c.clientBinders, notificationBinder(method, d, handler))
	c.mu.Unlock()
}

func requestBinder[CIn, COut, P, R, E any](method string, d *typed.RequestDescriptor[P, R, E], handler RequestHandlerFunc[CIn, COut, P, R, E]) binder[CIn, COut] {
	return func(tc *typed.Channel[CIn, COut], counterpart *Proxy[CIn, COut]) (Disposer, error) {
		if handler == nil {
			return nil, fmt.Errorf("contract: request method %q has no handler", method)
		}
		return typed.RegisterRequest(tc, d, func(ctx context.Context, args P, id jsonrpc.ID, recvCtx CIn) (R, error) {
			info := HandlerInfo[CIn, COut, E]{
				RequestID:   &id,
				Counterpart: counterpart,
				WrapError:   func(message string, data E) error { return typed.NewDomainError(message, data) },
			}
			return handler(ctx, args, recvCtx, info)
		})
	}
}

func notificationBinder[CIn, COut, P any](method string, d *typed.NotificationDescriptor[P], handler NotificationHandlerFunc[CIn, COut, P]) binder[CIn, COut] {
	return func(tc *typed.Channel[CIn, COut], counterpart *Proxy[CIn, COut]) (Disposer, error) {
		if handler == nil {
			return newNoopDisposer(), nil
		}
		return typed.RegisterNotification(tc, d, func(ctx context.Context, args P, recvCtx CIn) {
			info := HandlerInfo[CIn, COut, struct{}]{Counterpart: counterpart}
			handler(ctx, args, recvCtx, info)
		})
	}
}

func newNoopDisposer() Disposer { return func() {} }

// RegisterServer installs c's server-side handlers on tc and returns a
// proxy for calling c's client-side methods on the peer, plus an aggregate
// disposer.
func RegisterServer[CIn, COut any](tc *typed.Channel[CIn, COut], c *Contract[CIn, COut]) (*Proxy[CIn, COut], Disposer, error) {
	return instantiate(tc, c.snapshotServerBinders())
}

// GetServer installs c's client-side handlers on tc and returns a proxy
// for calling c's server-side methods on the peer, plus an aggregate
// disposer.
func GetServer[CIn, COut any](tc *typed.Channel[CIn, COut], c *Contract[CIn, COut]) (*Proxy[CIn, COut], Disposer, error) {
	return instantiate(tc, c.snapshotClientBinders())
}

func (c *Contract[CIn, COut]) snapshotServerBinders() []binder[CIn, COut] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]binder[CIn, COut]{}, c.serverBinders...)
}

func (c *Contract[CIn, COut]) snapshotClientBinders() []binder[CIn, COut] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]binder[CIn, COut]{}, c.clientBinders...)
}

func instantiate[CIn, COut any](tc *typed.Channel[CIn, COut], binders []binder[CIn, COut]) (*Proxy[CIn, COut], Disposer, error) {
	proxy := NewProxy(tc)
	disposers := make([]Disposer, 0, len(binders))
	for _, b := range binders {
		d, err := b(tc, proxy)
		if err != nil {
			aggregateDisposer(disposers)()
			return nil, nil, err
		}
		disposers = append(disposers, d)
	}
	return proxy, aggregateDisposer(disposers), nil
}

// RegisterServerOverTransport builds a typed channel from conn, installs
// c's server-side handlers, starts the channel, and returns the client
// proxy.
func RegisterServerOverTransport[CIn, COut any](conn transport.Connection, opts typed.Options[CIn, COut], c *Contract[CIn, COut]) (*typed.Channel[CIn, COut], *Proxy[CIn, COut], Disposer, error) {
	tc := typed.New(conn, opts)
	proxy, dispose, err := RegisterServer(tc, c)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := tc.Start(); err != nil {
		dispose()
		return nil, nil, nil, err
	}
	return tc, proxy, dispose, nil
}

// GetServerOverTransport builds a typed channel from conn, installs c's
// client-side handlers, starts the channel, and returns the server proxy.
func GetServerOverTransport[CIn, COut any](conn transport.Connection, opts typed.Options[CIn, COut], c *Contract[CIn, COut]) (*typed.Channel[CIn, COut], *Proxy[CIn, COut], Disposer, error) {
	tc := typed.New(conn, opts)
	proxy, dispose, err := GetServer(tc, c)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := tc.Start(); err != nil {
		dispose()
		return nil, nil, nil, err
	}
	return tc, proxy, dispose, nil
}
