// Package serialize defines the pluggable Serializer interface consumed by
// method descriptors: serialize an application value to JSON, deserialize
// JSON back, reporting failures with a message rather than a raw error
// type so callers can surface them as invalidParams data.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Error is returned by Deserialize on failure. It carries only a message,
// since that message is what ends up in a peer's invalidParams response
// data.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func fail(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Serializer converts between an application value of type T and its JSON
// wire form.
type Serializer[T any] interface {
	Serialize(value T) (json.RawMessage, error)
	Deserialize(data json.RawMessage) (T, error)
}

// jsonSerializer is the built-in "any" (identity/pass-through) adapter:
// plain encoding/json marshal and unmarshal.
type jsonSerializer[T any] struct {
	strict bool
}

// JSON returns the default Serializer for T, using encoding/json directly.
func JSON[T any]() Serializer[T] {
	return jsonSerializer[T]{}
}

// StrictJSON is like JSON but rejects unknown object fields, unless the
// value being deserialized carries the $ignoreUnexpectedProperties marker.
// A serializer that doesn't look for the marker just ignores it, which is
// what the lenient JSON() variant does.
func StrictJSON[T any]() Serializer[T] {
	return jsonSerializer[T]{strict: true}
}

func (s jsonSerializer[T]) Serialize(v T) (json.RawMessage, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fail("failed to serialize value: %s", err.Error())
	}
	return bs, nil
}

func (s jsonSerializer[T]) Deserialize(data json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("null")
	}

	if !s.strict || hasIgnoreUnexpectedPropertiesMarker(data) {
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fail("failed to deserialize value: %s", err.Error())
		}
		return v, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fail("failed to deserialize value: %s", err.Error())
	}
	return v, nil
}

// IgnoreUnexpectedPropertiesMarker is the reserved wire property a typed
// channel sets on serialized request params when its
// IgnoreUnexpectedProperties option is enabled. It is inert to any
// serializer that doesn't check for it.
const IgnoreUnexpectedPropertiesMarker = "$ignoreUnexpectedProperties"

func hasIgnoreUnexpectedPropertiesMarker(data json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	_, ok := probe[IgnoreUnexpectedPropertiesMarker]
	return ok
}

// WithIgnoreUnexpectedPropertiesMarker returns params with the reserved
// marker property injected, or params unchanged if it isn't a JSON object.
func WithIgnoreUnexpectedPropertiesMarker(params json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return params
	}
	obj[IgnoreUnexpectedPropertiesMarker] = json.RawMessage("true")
	bs, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return bs
}

// Empty is the zero-field struct EmptyObject serializes.
type Empty struct{}

type emptyObjectSerializer struct{}

// EmptyObject accepts any JSON on deserialize and always yields Empty{};
// it serializes to "{}". Used as the default params serializer for
// requests/notifications that take no arguments.
func EmptyObject() Serializer[Empty] {
	return emptyObjectSerializer{}
}

func (emptyObjectSerializer) Serialize(Empty) (json.RawMessage, error) {
	return json.RawMessage("{}"), nil
}

func (emptyObjectSerializer) Deserialize(json.RawMessage) (Empty, error) {
	return Empty{}, nil
}

// Void is the value VoidNull serializes to/from JSON null.
type Void struct{}

type voidNullSerializer struct{}

// VoidNull maps Void <-> JSON null. Used as the default result/error
// serializer for requests that carry none.
func VoidNull() Serializer[Void] {
	return voidNullSerializer{}
}

func (voidNullSerializer) Serialize(Void) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

func (voidNullSerializer) Deserialize(data json.RawMessage) (Void, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Void{}, nil
	}
	return Void{}, fail("expected null, got %s", string(trimmed))
}
