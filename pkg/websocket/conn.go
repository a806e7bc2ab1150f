package websocket

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/labstack/gommon/log"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
	// MaxMessageSize bounds inbound messages, fragmented or not; SDP with many
	// transceivers can be large.
	MaxMessageSize = 512 << 10
)

var (
	ErrClosed        = errors.New("websocket: connection closed")
	ErrSlowConsumer  = errors.New("websocket: send queue full")
	ErrMalformedJSON = errors.New("websocket: malformed message")
	ErrTooLarge      = errors.New("websocket: message too large")
)

// Conn is a server side signaling connection. Writes go through a single
// queue so frames reach the client in the order they were sent.
type Conn struct {
	id   string
	conn net.Conn

	wmu       sync.Mutex
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(id string, conn net.Conn) *Conn {
	return &Conn{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues m for delivery without blocking the caller.
func (c *Conn) Send(m *Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		log.Warnf("connection %s: send queue full, dropping '%s'", c.id, m.Event)
		return ErrSlowConsumer
	}
}

// ReadMessage blocks until the next text or binary frame arrives, answering
// control frames on the way. Malformed payloads return ErrMalformedJSON and
// leave the connection usable; oversized messages return ErrTooLarge and
// leave it unusable.
func (c *Conn) ReadMessage() (*Message, error) {
	b, err := c.readData()
	if err != nil {
		return nil, err
	}
	var m Message
	if err = json.Unmarshal(b, &m); err != nil {
		return nil, ErrMalformedJSON
	}
	return &m, nil
}

func (c *Conn) readData() ([]byte, error) {
	handler := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	control := func(hdr ws.Header, r io.Reader) error {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return handler(hdr, r)
	}
	rd := wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   MaxMessageSize,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if err == wsutil.ErrFrameTooLarge {
				return nil, ErrTooLarge
			}
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err = control(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err = rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		// Continuation frames are read through rd, so the limit covers the whole message.
		b, err := io.ReadAll(io.LimitReader(&rd, MaxMessageSize+1))
		if err != nil {
			if err == wsutil.ErrFrameTooLarge {
				return nil, ErrTooLarge
			}
			return nil, err
		}
		if len(b) > MaxMessageSize {
			return nil, ErrTooLarge
		}
		return b, nil
	}
}

// WriteLoop drains the send queue and pings the client every pingInterval
// until the connection is closed.
func (c *Conn) WriteLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			if err := c.write(ws.OpText, b); err != nil {
				log.Warnf("connection %s: write failed: %v", c.id, err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(ws.OpPing, []byte("ping")); err != nil {
				log.Warnf("connection %s: ping failed: %v", c.id, err)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) write(op ws.OpCode, p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteServerMessage(c.conn, op, p)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
