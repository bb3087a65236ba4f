package mqttc

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol name.
const WebSocketSubprotocol = "mqtt"

// WSConn wraps a WebSocket connection to implement net.Conn. MQTT over
// WebSocket frames packets into binary messages; the wrapper restores a
// byte-stream view.
type WSConn struct {
	conn   *websocket.Conn
	reader *wsReader
}

// wsMessage is one inbound message, or the read error that ended the pump.
type wsMessage struct {
	data []byte
	err  error
}

// wsReader buffers WebSocket messages so partial Reads work. A dedicated
// goroutine pumps ReadMessage and hands messages over a channel: any read
// error on the underlying connection is permanent, so read deadlines must
// apply to the wait for the next message, never to the connection itself.
type wsReader struct {
	msgCh chan wsMessage
	done  chan struct{}
	once  sync.Once

	buf     []byte
	readPos int
	err     error // sticky, set once the pump ends

	mu       sync.Mutex
	deadline time.Time
}

func newWSReader(conn *websocket.Conn) *wsReader {
	r := &wsReader{
		msgCh: make(chan wsMessage),
		done:  make(chan struct{}),
	}
	go r.pump(conn)
	return r
}

func (r *wsReader) pump(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err == nil && messageType != websocket.BinaryMessage {
			err = ErrProtocolViolation
		}
		select {
		case r.msgCh <- wsMessage{data: data, err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *wsReader) Read(p []byte) (int, error) {
	if r.readPos < len(r.buf) {
		n := copy(p, r.buf[r.readPos:])
		r.readPos += n
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}

	var timeout <-chan time.Time
	r.mu.Lock()
	deadline := r.deadline
	r.mu.Unlock()
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case msg := <-r.msgCh:
		if msg.err != nil {
			r.err = msg.err
			return 0, msg.err
		}
		r.buf = msg.data
		r.readPos = 0
		n := copy(p, r.buf)
		r.readPos = n
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-r.done:
		return 0, net.ErrClosed
	}
}

func (r *wsReader) setDeadline(t time.Time) {
	r.mu.Lock()
	r.deadline = t
	r.mu.Unlock()
}

func (r *wsReader) close() {
	r.once.Do(func() { close(r.done) })
}

// newWSConn creates a new WebSocket connection wrapper.
func newWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{
		conn:   conn,
		reader: newWSReader(conn),
	}
}

// Read reads data from the connection.
func (c *WSConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// Write writes data to the connection as a single binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	c.reader.close()
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	c.reader.setDeadline(t)
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline. The deadline bounds the wait for
// the next message; an expired deadline does not disturb the underlying
// WebSocket connection.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	c.reader.setDeadline(t)
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to brokers over WebSocket. The address must be a
// ws:// or wss:// URL.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer with the MQTT subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:    []string{WebSocketSubprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Dial connects to the WebSocket address.
func (d *WSDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, _, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		return nil, err
	}

	return newWSConn(conn), nil
}
