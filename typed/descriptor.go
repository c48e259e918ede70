package typed

import (
	"fmt"

	"github.com/kbirk/peerrpc/serialize"
)

// Kind distinguishes a request descriptor (exactly one response required)
// from a notification descriptor.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
)

func (k Kind) String() string {
	if k == KindNotification {
		return "notification"
	}
	return "request"
}

// TypeNames names the Go types a descriptor moves over the wire, used by
// the reflector to describe registered methods to a peer.
type TypeNames struct {
	Params string
	Result string
	Error  string
}

// Descriptor is the type-erased, dispatch-table-facing view every method
// descriptor exposes, regardless of its concrete P/R/E type parameters.
type Descriptor interface {
	Method() string
	MethodKind() Kind
	Optional() bool
	TypeNames() TypeNames
}

// RequestDescriptor describes one request method: its name, and the
// serializers for its params, result and error data. Immutable once built;
// identity is by pointer.
type RequestDescriptor[P, R, E any] struct {
	method   string
	optional bool
	params   serialize.Serializer[P]
	result   serialize.Serializer[R]
	err      serialize.Serializer[E]
}

// RequestTypeOptions configures RequestType. All three serializers are
// required: pass serialize.EmptyObject() / serialize.VoidNull() explicitly
// for a request with no params, result or error data.
type RequestTypeOptions[P, R, E any] struct {
	Method   string
	Params   serialize.Serializer[P]
	Result   serialize.Serializer[R]
	Error    serialize.Serializer[E]
	Optional bool
}

// RequestType builds a new request descriptor.
func RequestType[P, R, E any](opts RequestTypeOptions[P, R, E]) *RequestDescriptor[P, R, E] {
	if opts.Params == nil || opts.Result == nil || opts.Error == nil {
		panic("typed: RequestType requires Params, Result and Error serializers")
	}
	return &RequestDescriptor[P, R, E]{
		method:   opts.Method,
		optional: opts.Optional,
		params:   opts.Params,
		result:   opts.Result,
		err:      opts.Error,
	}
}

// UnverifiedRequestType skips static typing of params/result/error and
// uses the identity ("any") serializer for all three.
func UnverifiedRequestType(method string, optional bool) *RequestDescriptor[any, any, any] {
	return RequestType(RequestTypeOptions[any, any, any]{
		Method:   method,
		Params:   serialize.JSON[any](),
		Result:   serialize.JSON[any](),
		Error:    serialize.JSON[any](),
		Optional: optional,
	})
}

func (d *RequestDescriptor[P, R, E]) Method() string     { return d.method }
func (d *RequestDescriptor[P, R, E]) MethodKind() Kind    { return KindRequest }
func (d *RequestDescriptor[P, R, E]) Optional() bool      { return d.optional }
func (d *RequestDescriptor[P, R, E]) TypeNames() TypeNames {
	return TypeNames{
		Params: fmt.Sprintf("%T", *new(P)),
		Result: fmt.Sprintf("%T", *new(R)),
		Error:  fmt.Sprintf("%T", *new(E)),
	}
}

// WithMethod returns a copy of d bound to method. Used by the contract
// package's ServerRequest/ClientRequest builders to bind a descriptor to
// the method name they are given.
func (d *RequestDescriptor[P, R, E]) WithMethod(method string) *RequestDescriptor[P, R, E] {
	clone := *d
	clone.method = method
	return &clone
}

// NotificationDescriptor describes one notification method.
type NotificationDescriptor[P any] struct {
	method string
	params serialize.Serializer[P]
}

// NotificationTypeOptions configures NotificationType.
type NotificationTypeOptions[P any] struct {
	Method string
	Params serialize.Serializer[P]
}

// NotificationType builds a new notification descriptor.
func NotificationType[P any](opts NotificationTypeOptions[P]) *NotificationDescriptor[P] {
	if opts.Params == nil {
		panic("typed: NotificationType requires a Params serializer")
	}
	return &NotificationDescriptor[P]{method: opts.Method, params: opts.Params}
}

func (d *NotificationDescriptor[P]) Method() string  { return d.method }
func (d *NotificationDescriptor[P]) MethodKind() Kind { return KindNotification }
func (d *NotificationDescriptor[P]) Optional() bool   { return false }
func (d *NotificationDescriptor[P]) TypeNames() TypeNames {
	return TypeNames{Params: fmt.Sprintf("%T", *new(P))}
}

// WithMethod returns a copy of d bound to method.
func (d *NotificationDescriptor[P]) WithMethod(method string) *NotificationDescriptor[P] {
	clone := *d
	clone.method = method
	return &clone
}
