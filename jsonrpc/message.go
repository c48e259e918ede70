// Package jsonrpc implements the JSON-RPC 2.0 message model: the tagged
// union of request/notification/response values, id representation, and
// the standard error taxonomy. It has no notion of a transport or of
// dispatch; see the channel, typed and contract packages for those layers.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version every message on the wire
// carries.
const Version = "2.0"

// ID is a request identifier: a non-negative integer or a string. The
// zero value is not a valid ID; use NewNumberID or NewStringID.
type ID struct {
	str      string
	num      int64
	isString bool
}

// NewNumberID builds a numeric request id.
func NewNumberID(n int64) ID {
	return ID{num: n}
}

// NewStringID builds a string request id.
func NewStringID(s string) ID {
	return ID{str: s, isString: true}
}

// IsString reports whether the id is a JSON string on the wire.
func (id ID) IsString() bool {
	return id.isString
}

// String renders the id as its canonical string form. Two ids compare
// equal iff their String() forms are equal, sidestepping numeric/string
// JSON ambiguity across peers.
func (id ID) String() string {
	if id.isString {
		return "s:" + id.str
	}
	return fmt.Sprintf("n:%d", id.num)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	var asNum int64
	if err := json.Unmarshal(data, &asNum); err == nil {
		*id = ID{num: asNum}
		return nil
	}
	var asStr string
	if err := json.Unmarshal(data, &asStr); err == nil {
		*id = ID{str: asStr, isString: true}
		return nil
	}
	return fmt.Errorf("jsonrpc: id must be a number or a string, got %s", string(data))
}

// Kind classifies a decoded wire message.
type Kind int

const (
	// KindRequest is a message with a method and an id, requiring exactly
	// one response.
	KindRequest Kind = iota
	// KindNotification is a message with a method and no id.
	KindNotification
	// KindResponse is a message with neither method field, carrying
	// either a result or an error keyed to a prior request id.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope is the parsed form of one wire message, discriminated by Kind.
type Envelope struct {
	Kind Kind

	// Request / Notification fields.
	Method string
	Params json.RawMessage
	ID     ID // valid only when Kind == KindRequest

	// Response fields.
	ResponseID    *ID // nil means the wire "id" was JSON null
	Result        json.RawMessage
	Error         *ErrorObject
	HasResult     bool
	HasError      bool
}

// wireMessage is the on-the-wire shape used only for decoding, since the
// three message forms share a single JSON object shape distinguished by
// which fields are present.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	hasID   bool
}

// Decode parses a single wire message and classifies it: presence of
// "method" makes it a request or notification (further split by presence
// of "id"); otherwise it is a response.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("jsonrpc: invalid JSON: %w", err)
	}

	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("jsonrpc: invalid message shape: %w", err)
	}
	_, msg.hasID = raw["id"]

	if _, hasMethod := raw["method"]; hasMethod {
		if msg.hasID {
			if msg.ID == nil {
				return nil, errors.New("jsonrpc: request id must not be null")
			}
			return &Envelope{Kind: KindRequest, Method: msg.Method, Params: msg.Params, ID: *msg.ID}, nil
		}
		return &Envelope{Kind: KindNotification, Method: msg.Method, Params: msg.Params}, nil
	}

	_, hasResult := raw["result"]
	_, hasError := raw["error"]
	if !hasResult && !hasError {
		// Protocol violation: neither result nor error present. Still
		// classify as a response so the caller's demultiplexor can fail
		// the matching pending request.
		return &Envelope{Kind: KindResponse, ResponseID: msg.ID}, nil
	}

	return &Envelope{
		Kind:       KindResponse,
		ResponseID: msg.ID,
		Result:     msg.Result,
		Error:      msg.Error,
		HasResult:  hasResult,
		HasError:   hasError,
	}, nil
}

// EncodeRequest builds the wire bytes for a request. params must already be
// a JSON object, array or null (never a scalar); see AssertValidParams.
func EncodeRequest(id ID, method string, params json.RawMessage) ([]byte, error) {
	if err := AssertValidParams(params); err != nil {
		return nil, err
	}
	return marshalCompact(map[string]any{
		"jsonrpc": Version,
		"method":  method,
		"params":  rawOrOmit(params),
		"id":      id,
	})
}

// EncodeNotification builds the wire bytes for a notification (no id).
func EncodeNotification(method string, params json.RawMessage) ([]byte, error) {
	if err := AssertValidParams(params); err != nil {
		return nil, err
	}
	return marshalCompact(map[string]any{
		"jsonrpc": Version,
		"method":  method,
		"params":  rawOrOmit(params),
	})
}

// EncodeSuccess builds the wire bytes for a successful response.
func EncodeSuccess(id *ID, result json.RawMessage) ([]byte, error) {
	m := map[string]any{
		"jsonrpc": Version,
		"result":  rawOrNull(result),
	}
	setID(m, id)
	return marshalCompact(m)
}

// EncodeError builds the wire bytes for an error response. id is nil when
// the request's id could not be parsed.
func EncodeError(id *ID, errObj *ErrorObject) ([]byte, error) {
	m := map[string]any{
		"jsonrpc": Version,
		"error":   errObj,
	}
	setID(m, id)
	return marshalCompact(m)
}

func setID(m map[string]any, id *ID) {
	if id == nil {
		m["id"] = nil
		return
	}
	m["id"] = *id
}

func rawOrOmit(data json.RawMessage) any {
	if len(data) == 0 {
		return jsonOmit{}
	}
	return data
}

func rawOrNull(data json.RawMessage) any {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

// jsonOmit marshals to nothing usable standalone; callers only ever place
// it behind "params" and rely on marshalCompact stripping the key.
type jsonOmit struct{}

func marshalCompact(m map[string]any) ([]byte, error) {
	// Drop keys whose value is the omit sentinel before marshaling, since
	// encoding/json has no per-field "omit if this exact value" hook for
	// map[string]any.
	for k, v := range m {
		if _, ok := v.(jsonOmit); ok {
			delete(m, k)
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// AssertValidParams rejects scalar JSON params: the wire form must be an
// object, an array, or absent/null.
func AssertValidParams(params json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '{', '[':
		return nil
	}
	if string(trimmed) == "null" {
		return nil
	}
	return fmt.Errorf("jsonrpc: params must be an object, array, or null, got %s", string(trimmed))
}
