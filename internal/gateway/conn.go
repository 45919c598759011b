package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/pkg/commons"
)

// Socket is the transport a Conn runs over. gorilla satisfies it; tests
// substitute an in-memory pipe.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Conn is one authenticated-or-not client connection with its session key.
// It implements registry.Peer so handlers can push replies to any online
// user.
type Conn struct {
	ws       Socket
	logger   commons.Logger
	key      []byte
	remoteIP string

	writeMu  sync.Mutex
	lastPing atomic.Int64

	mu      sync.Mutex
	session *registry.Session

	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws Socket, key []byte, remoteIP string, logger commons.Logger) *Conn {
	c := &Conn{ws: ws, key: key, remoteIP: remoteIP, logger: logger}
	c.TouchPing()
	return c
}

// Key returns the AES session key negotiated in the handshake.
func (c *Conn) Key() []byte { return c.key }

// RemoteIP is the rate limiter key for this connection.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// TouchPing records client liveness for the heartbeat monitor.
func (c *Conn) TouchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// SincePing reports how long ago the client last pinged.
func (c *Conn) SincePing() time.Duration {
	return time.Since(time.Unix(0, c.lastPing.Load()))
}

// BindSession attaches the registered session after authentication.
func (c *Conn) BindSession(session *registry.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Session returns the bound session, or nil before authentication.
func (c *Conn) Session() *registry.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SendMessage encrypts a structured reply under the session key and writes
// it as one frame.
func (c *Conn) SendMessage(reply *secure.Reply) error {
	frame, err := reply.Encode(c.key)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return c.write(frame)
}

// SendEncrypted encrypts an arbitrary JSON object under the session key.
func (c *Conn) SendEncrypted(v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	frame, err := secure.EncryptFrame(c.key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return c.write(frame)
}

// SendPlain writes an unencrypted JSON frame. Only the handshake uses it.
func (c *Conn) SendPlain(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// CloseWithCode sends a close control frame before closing the socket.
func (c *Conn) CloseWithCode(code int, reason string) error {
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.writeMu.Lock()
	if err := c.ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		c.logger.Debugw("failed to write close frame", "error", err)
	}
	c.writeMu.Unlock()
	return c.Close()
}

// Close shuts the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.ws.Close() })
	return c.closeErr
}
