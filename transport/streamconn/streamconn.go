// Package streamconn implements two byte-stream framings over any
// io.ReadWriteCloser: newline-delimited JSON, and HTTP-style
// "Content-Length: N\r\n\r\n<N bytes>" framing.
package streamconn

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/kbirk/peerrpc/transport"
)

// Framing selects how messages are delimited on the byte stream.
type Framing int

const (
	// Newline frames each JSON value on its own line.
	Newline Framing = iota
	// ContentLength frames each JSON value with an HTTP-style header
	// block, as LSP-style transports do.
	ContentLength
)

// Conn adapts an io.ReadWriteCloser (a TCP conn, a Unix socket, stdin/stdout)
// into a transport.Connection.
type Conn struct {
	transport.ListenerBase
	state     *transport.StateObservable
	rw        io.ReadWriteCloser
	writeMu   sync.Mutex
	framing   Framing
	name      string
	closeOnce sync.Once
}

// New wraps rw and immediately starts its inbound read loop.
func New(rw io.ReadWriteCloser, framing Framing, name string) *Conn {
	c := &Conn{
		rw:      rw,
		framing: framing,
		name:    name,
		state:   transport.NewStateObservable(),
	}
	c.state.Set(transport.StateOpen, nil)
	go c.readLoop()
	return c
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) State() (transport.State, error) {
	return c.state.Get()
}

func (c *Conn) OnStateChange(f func(transport.StateChange)) func() {
	return c.state.Subscribe(f)
}

func (c *Conn) Send(data json.RawMessage) error {
	if st, _ := c.state.Get(); st == transport.StateClosed {
		return transport.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch c.framing {
	case Newline:
		if _, err := c.rw.Write(data); err != nil {
			return err
		}
		_, err := c.rw.Write([]byte("\n"))
		return err
	case ContentLength:
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
		if _, err := c.rw.Write([]byte(header)); err != nil {
			return err
		}
		_, err := c.rw.Write(data)
		return err
	default:
		return fmt.Errorf("streamconn: unknown framing %d", c.framing)
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rw.Close()
		c.state.Set(transport.StateClosed, nil)
	})
	return err
}

func (c *Conn) readLoop() {
	reader := bufio.NewReader(c.rw)
	for {
		var line []byte
		var err error

		switch c.framing {
		case Newline:
			line, err = reader.ReadBytes('\n')
			line = bytes.TrimRight(line, "\r\n")
		case ContentLength:
			line, err = readContentLengthFramed(reader)
		}

		if len(line) > 0 {
			c.Deliver(json.RawMessage(line))
		}

		if err != nil {
			c.closeWithErr(err)
			return
		}
	}
}

func readContentLengthFramed(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		headerLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		headerLine = strings.TrimRight(headerLine, "\r\n")
		if headerLine == "" {
			break
		}
		name, value, ok := strings.Cut(headerLine, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("streamconn: invalid Content-Length: %w", err)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("streamconn: missing Content-Length header")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Conn) closeWithErr(err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	c.closeOnce.Do(func() {
		c.rw.Close()
		c.state.Set(transport.StateClosed, err)
	})
}
