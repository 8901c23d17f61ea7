package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grouprelay/backend/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the observer limit is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

// ErrClosed is returned by AddClient after Close.
var ErrClosed = errors.New("broadcaster closed")

const (
	defaultSendBuffer = 64
	defaultPingPeriod = 30 * time.Second
	defaultWriteWait  = 10 * time.Second
)

// observerConn is the part of *websocket.Conn the write pump needs.
type observerConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	conn observerConn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.b.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.b.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.b.RemoveClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.b.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.b.RemoveClient(c)
				return
			}
		}
	}
}

type Options struct {
	// MaxConnections caps concurrent observers. 0 means unlimited.
	MaxConnections int
	// SendBuffer is the per-observer queue length. An observer whose queue
	// is full when an event is published is dropped.
	SendBuffer int
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// Broadcaster is the event bus. It fans each event out to every connected
// observer and never blocks the publisher.
type Broadcaster struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	clients map[*client]bool
	seq     uint64
	pairing []byte // encoded frame of the outstanding pairing code
	closed  bool
}

// NewBroadcaster returns an empty bus. logger must not publish back into
// the returned Broadcaster.
func NewBroadcaster(opts Options, logger *slog.Logger) *Broadcaster {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	return &Broadcaster{
		opts:    opts,
		log:     logger,
		clients: make(map[*client]bool),
	}
}

// AddClient registers conn and starts its write pump. If a pairing code is
// outstanding it is queued to the new observer first.
func (b *Broadcaster) AddClient(conn observerConn) (*client, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.opts.MaxConnections > 0 && len(b.clients) >= b.opts.MaxConnections {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, b.opts.SendBuffer),
	}
	b.clients[c] = true
	if b.pairing != nil {
		c.send <- b.pairing
	}
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// Publish implements session.Publisher. Frames are numbered in publish
// order.
func (b *Broadcaster) Publish(ev session.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	data, err := Encode(ev, b.seq)
	if err != nil {
		b.mu.Unlock()
		b.log.Error("could not encode event", "kind", ev.Kind(), "error", err)
		return
	}

	switch ev.(type) {
	case session.PairingRequired:
		b.pairing = data
	case session.Ready, session.Disconnected:
		b.pairing = nil
	}

	var slow []*client
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()

	if len(slow) > 0 {
		b.log.Warn("observer too slow, disconnecting", "count", len(slow))
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// HasPendingPairing reports whether a pairing code would be replayed to a
// new observer.
func (b *Broadcaster) HasPendingPairing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pairing != nil
}

// Close disconnects every observer and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}
