// Package wsconn implements transport.Connection over a WebSocket, used
// peer-symmetrically: both the dial side and the accept side get back an
// identical Conn, and inbound frames are pushed straight to whatever
// listener is installed via transport.Connection.SetListener.
package wsconn

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kbirk/peerrpc/transport"
)

// Conn adapts a *websocket.Conn into a transport.Connection.
type Conn struct {
	transport.ListenerBase
	state     *transport.StateObservable
	conn      *websocket.Conn
	writeMu   sync.Mutex
	name      string
	closeOnce sync.Once
	maxSend   int
	maxRecv   int
}

func wrap(conn *websocket.Conn, name string, maxSend, maxRecv int) *Conn {
	c := &Conn{
		conn:    conn,
		name:    name,
		state:   transport.NewStateObservable(),
		maxSend: maxSend,
		maxRecv: maxRecv,
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
	if c.maxSend > 0 && len(data) > c.maxSend {
		return fmt.Errorf("wsconn: message size %d exceeds send limit %d", len(data), c.maxSend)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		werr := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		cerr := c.conn.Close()
		c.state.Set(transport.StateClosed, nil)

		if werr != nil {
			err = werr
			return
		}
		err = cerr
	})
	return err
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeErr = err
			}
			c.closeOnce.Do(func() {
				c.conn.Close()
				c.state.Set(transport.StateClosed, closeErr)
			})
			return
		}
		if c.maxRecv > 0 && len(data) > c.maxRecv {
			continue
		}
		c.Deliver(json.RawMessage(data))
	}
}

// DialerConfig configures an outbound WebSocket connection.
type DialerConfig struct {
	URL                string
	TLSConfig          *tls.Config
	MaxSendMessageSize int
	MaxRecvMessageSize int
}

type dialer struct {
	cfg DialerConfig
}

// NewDialer returns a transport.Dialer that connects to cfg.URL.
func NewDialer(cfg DialerConfig) transport.Dialer {
	return &dialer{cfg: cfg}
}

func (d *dialer) Dial() (transport.Connection, error) {
	ws := websocket.Dialer{TLSClientConfig: d.cfg.TLSConfig}
	conn, _, err := ws.Dial(d.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return wrap(conn, d.cfg.URL, d.cfg.MaxSendMessageSize, d.cfg.MaxRecvMessageSize), nil
}

// ListenerConfig configures an inbound WebSocket listener.
type ListenerConfig struct {
	Addr               string // host:port to listen on
	Path               string // HTTP path to upgrade, e.g. "/rpc"
	CertFile, KeyFile  string // optional, enables TLS
	MaxSendMessageSize int
	MaxRecvMessageSize int
}

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}

type wsListener struct {
	cfg    ListenerConfig
	server *http.Server
	connCh chan transport.Connection
	mu     sync.Mutex
	closed bool
}

// Listen starts an HTTP server upgrading connections on cfg.Path to
// WebSockets and returns a transport.Listener yielding each accepted
// connection.
func Listen(cfg ListenerConfig) (transport.Listener, error) {
	l := &wsListener{cfg: cfg, connCh: make(chan transport.Connection, 16)}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleUpgrade)
	l.server = &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		var err error
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			err = l.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = l.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				close(l.connCh)
			}
		}
	}()

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapped := wrap(conn, r.RemoteAddr, l.cfg.MaxSendMessageSize, l.cfg.MaxRecvMessageSize)

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		wrapped.Close()
		return
	}

	select {
	case l.connCh <- wrapped:
	default:
		wrapped.Close()
	}
}

func (l *wsListener) Accept() (transport.Connection, error) {
	conn, ok := <-l.connCh
	if !ok {
		return nil, fmt.Errorf("wsconn: listener is closed")
	}
	return conn, nil
}

func (l *wsListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.connCh)
	l.mu.Unlock()

	return l.server.Close()
}
