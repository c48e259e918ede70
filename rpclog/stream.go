package rpclog

import (
	"encoding/json"

	"github.com/kbirk/peerrpc/transport"
)

// StreamLogger wraps a transport.Connection and logs every inbound and
// outbound frame at trace level without altering the bytes exchanged.
type StreamLogger struct {
	transport.Connection
	logger Logger
}

// WrapConnection returns a Connection that behaves exactly like conn but
// traces every frame through logger.
func WrapConnection(conn transport.Connection, logger Logger) *StreamLogger {
	return &StreamLogger{Connection: conn, logger: logger}
}

func (s *StreamLogger) Send(data json.RawMessage) error {
	Trace(s.logger, Entry{Text: "-> " + s.Connection.Name(), Data: string(data)})
	return s.Connection.Send(data)
}

func (s *StreamLogger) SetListener(f func(json.RawMessage)) {
	s.Connection.SetListener(func(data json.RawMessage) {
		Trace(s.logger, Entry{Text: "<- " + s.Connection.Name(), Data: string(data)})
		f(data)
	})
}
