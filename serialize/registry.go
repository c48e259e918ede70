package serialize

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Erased is a type-erased Serializer, used by the mapper registry below
// since a schema value's Go type isn't known to the registry at compile
// time.
type Erased interface {
	SerializeAny(v any) (json.RawMessage, error)
	DeserializeAny(data json.RawMessage) (any, error)
}

type erasedAdapter[T any] struct {
	inner Serializer[T]
}

// Erase wraps a typed Serializer as an Erased one.
func Erase[T any](s Serializer[T]) Erased {
	return erasedAdapter[T]{inner: s}
}

func (e erasedAdapter[T]) SerializeAny(v any) (json.RawMessage, error) {
	tv, ok := v.(T)
	if !ok {
		return nil, fail("value of type %T is not assignable to the serializer's type", v)
	}
	return e.inner.Serialize(tv)
}

func (e erasedAdapter[T]) DeserializeAny(data json.RawMessage) (any, error) {
	return e.inner.Deserialize(data)
}

// Mapper resolves an application schema object to an Erased serializer, or
// reports that it doesn't recognize the schema's shape.
type Mapper func(schema any) (Erased, bool)

var registry = struct {
	mu    sync.RWMutex
	order []string
	byName map[string]Mapper
}{byName: make(map[string]Mapper)}

// RegisterMapper installs (or replaces) a named mapper in the process-wide
// registry. Safe for concurrent use; intended to be called during
// application init.
func RegisterMapper(name string, m Mapper) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.byName[name]; !exists {
		registry.order = append(registry.order, name)
	}
	registry.byName[name] = m
}

// ConvertSerializer iterates the installed mappers in registration order
// and returns the first one that recognizes schema.
func ConvertSerializer(schema any) (Erased, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, name := range registry.order {
		if s, ok := registry.byName[name](schema); ok {
			return s, true
		}
	}
	return nil, false
}

// Validator is the shape the built-in "validator" mapper recognizes: an
// external schema-library value exposing its own validation, modeled on
// the common Go pattern of a struct with a Validate() error method (rather
// than any one specific validation library, since none of this module's
// grounding repos share a single validation dependency).
type Validator interface {
	Validate() error
}

func init() {
	RegisterMapper("serializer", func(schema any) (Erased, bool) {
		if e, ok := schema.(Erased); ok {
			return e, true
		}
		return nil, false
	})

	RegisterMapper("validator", func(schema any) (Erased, bool) {
		if _, ok := schema.(Validator); ok {
			return validatorAdapter{sampleType: reflect.TypeOf(schema)}, true
		}
		return nil, false
	})
}

// validatorAdapter decodes into a fresh value of the sample's concrete
// type, then runs its Validate method before handing it back.
type validatorAdapter struct {
	sampleType reflect.Type
}

func (a validatorAdapter) SerializeAny(v any) (json.RawMessage, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, fail("failed to serialize value: %s", err.Error())
	}
	return bs, nil
}

func (a validatorAdapter) DeserializeAny(data json.RawMessage) (any, error) {
	t := a.sampleType
	isPtr := t.Kind() == reflect.Ptr
	elemType := t
	if isPtr {
		elemType = t.Elem()
	}

	ptr := reflect.New(elemType)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fail("failed to deserialize value: %s", err.Error())
	}

	if validator, ok := ptr.Interface().(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fail("validation failed: %s", err.Error())
		}
	}

	if isPtr {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}
