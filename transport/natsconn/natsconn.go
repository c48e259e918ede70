// Package natsconn implements transport.Connection over a pair of NATS
// subjects: a plain duplex pub/sub pair where each peer publishes on the
// other's inbox subject and subscribes to its own, which is all a
// peer-symmetric transport.Connection needs.
package natsconn

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/kbirk/peerrpc/transport"
)

// Conn adapts a NATS subject pair into a transport.Connection.
type Conn struct {
	transport.ListenerBase
	state          *transport.StateObservable
	nc             *nats.Conn
	sub            *nats.Subscription
	publishSubject string
	name           string
	ownsConn       bool
	closeOnce      sync.Once
}

// New subscribes to subscribeSubject and returns a Connection that
// publishes to publishSubject. If ownsConn is true, Close also closes nc.
func New(nc *nats.Conn, subscribeSubject, publishSubject, name string, ownsConn bool) (*Conn, error) {
	c := &Conn{
		nc:             nc,
		publishSubject: publishSubject,
		name:           name,
		ownsConn:       ownsConn,
		state:          transport.NewStateObservable(),
	}

	sub, err := nc.Subscribe(subscribeSubject, func(msg *nats.Msg) {
		c.Deliver(json.RawMessage(msg.Data))
	})
	if err != nil {
		return nil, err
	}
	c.sub = sub
	c.state.Set(transport.StateOpen, nil)
	return c, nil
}

// Dial connects to a NATS server at url and returns a Connection using the
// given subject pair, owning the resulting *nats.Conn.
func Dial(url, subscribeSubject, publishSubject, name string) (transport.Connection, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	conn, err := New(nc, subscribeSubject, publishSubject, name, true)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
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
	if err := c.nc.Publish(c.publishSubject, data); err != nil {
		return fmt.Errorf("natsconn: publish to %s: %w", c.publishSubject, err)
	}
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.sub != nil {
			err = c.sub.Unsubscribe()
		}
		if c.ownsConn && c.nc != nil {
			c.nc.Close()
		}
		c.state.Set(transport.StateClosed, nil)
	})
	return err
}
