package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
	"github.com/roach88/winklet/internal/query"
)

// Client is a push.Subscriber backed by a relay Server.
//
// The connection is dialed on first use. Subscribe returns once the server
// has confirmed the subscription, so rows committed after Subscribe returns
// are delivered. When the connection drops, every open subscription gets
// Drop and the next Subscribe dials again.
type Client struct {
	url         string
	dialTimeout time.Duration
	ackTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	dialMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[push.Token]*clientSub
	next   push.Token
	closed bool
}

type clientSub struct {
	table string
	sink  push.Sink
	// ack is non-nil until the server answers the subscribe frame
	ack chan error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithAckTimeout bounds the wait for a subscription confirmation.
func WithAckTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.ackTimeout = d }
}

// NewClient creates a client for the relay websocket at url
// (for example ws://localhost:7420/ws). No connection is made until
// Connect or Subscribe.
func NewClient(url string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:         url,
		dialTimeout: 5 * time.Second,
		ackTimeout:  5 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[push.Token]*clientSub),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the relay if not already connected.
func (c *Client) Connect() error {
	_, err := c.ensureConn()
	return err
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) ensureConn() (*websocket.Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return nil, push.ErrClosed
	}
	if conn != nil {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", push.ErrUnavailable, c.url, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	slog.Info("relay connected", "url", c.url)
	return conn, nil
}

// Subscribe implements push.Subscriber.
func (c *Client) Subscribe(table string, filter query.Predicate, sink push.Sink) (push.Token, error) {
	if !knownTable(table) {
		return 0, fmt.Errorf("subscribe: unknown table %q", table)
	}
	data, err := query.MarshalPredicate(filter)
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", table, err)
	}

	conn, err := c.ensureConn()
	if err != nil {
		return 0, err
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	c.next++
	token := c.next
	c.subs[token] = &clientSub{table: table, sink: sink, ack: ack}
	c.mu.Unlock()

	f := frame{Type: frameSubscribe, ID: uint64(token), Table: table, Filter: data}
	if err := c.write(conn, f); err != nil {
		c.forget(token)
		return 0, fmt.Errorf("%w: %v", push.ErrUnavailable, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			c.forget(token)
			return 0, err
		}
		return token, nil
	case <-timer.C:
		c.forget(token)
		go c.write(conn, frame{Type: frameUnsubscribe, ID: uint64(token)})
		return 0, fmt.Errorf("%w: subscribe %s: no confirmation after %s", push.ErrUnavailable, table, c.ackTimeout)
	case <-c.ctx.Done():
		c.forget(token)
		return 0, push.ErrClosed
	}
}

// Unsubscribe implements push.Subscriber.
func (c *Client) Unsubscribe(token push.Token) {
	c.mu.Lock()
	_, ok := c.subs[token]
	delete(c.subs, token)
	conn := c.conn
	c.mu.Unlock()

	if ok && conn != nil {
		// async so the caller never waits on the network
		go func() {
			if err := c.write(conn, frame{Type: frameUnsubscribe, ID: uint64(token)}); err != nil {
				slog.Debug("relay unsubscribe write failed", "token", token, "error", err)
			}
		}()
	}
}

// Close closes the connection. Open subscriptions get Drop(push.ErrClosed).
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	defer c.cancel()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

func (c *Client) forget(token push.Token) {
	c.mu.Lock()
	delete(c.subs, token)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(c.ctx, conn, &f); err != nil {
			c.disconnect(conn, err)
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	token := push.Token(f.ID)

	c.mu.Lock()
	sub, ok := c.subs[token]
	var ack chan error
	if ok && sub.ack != nil && (f.Type == frameSubscribed || f.Type == frameError) {
		ack, sub.ack = sub.ack, nil
	}
	if ok && ack == nil && f.Type == frameError {
		delete(c.subs, token)
	}
	c.mu.Unlock()

	if !ok {
		// late frame for a subscription already released
		return
	}

	switch f.Type {
	case frameSubscribed:
		if ack != nil {
			ack <- nil
		}

	case frameError:
		err := fmt.Errorf("relay: %s", f.Error)
		if ack != nil {
			ack <- err
			return
		}
		slog.Warn("relay subscription error", "token", token, "error", f.Error)
		sub.sink.Drop(err)

	case frameInsert:
		rec, err := model.DecodeRecord(f.Table, f.Record)
		if err != nil {
			slog.Warn("relay decode failed", "table", f.Table, "error", err)
			return
		}
		if sub.sink.Insert != nil {
			sub.sink.Insert(rec)
		}
	}
}

// disconnect drops every subscription carried by conn.
func (c *Client) disconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	subs := c.subs
	c.subs = make(map[push.Token]*clientSub)
	c.mu.Unlock()

	reason := push.ErrDisconnected
	if closed {
		reason = push.ErrClosed
	}
	err := fmt.Errorf("%w: %v", reason, cause)
	if closed {
		err = reason
	}
	slog.Info("relay disconnected", "url", c.url, "subscriptions", len(subs), "error", cause)

	for _, sub := range subs {
		if sub.ack != nil {
			sub.ack <- err
			continue
		}
		if sub.sink.Drop != nil {
			sub.sink.Drop(err)
		}
	}
}
