package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/ratelimit"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/internal/token"
	"github.com/lipcall/lipcall/pkg/commons"
)

type fakeSocket struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	out     [][]byte
	control [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, frame, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) WriteControl(_ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = append(f.control, append([]byte(nil), data...))
	return nil
}

func (f *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.out...)
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) (*Server, *token.Service) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tokens := token.NewService(key, 15*time.Minute, 7*24*time.Hour, nil, logger)
	router := NewRouter(tokens, logger)
	if limiter == nil {
		limiter = ratelimit.New()
	}
	server := NewServer("127.0.0.1", 0, "", "", router, limiter, registry.NewSessions(), logger)
	return server, tokens
}

func decryptReply(t *testing.T, key, frame []byte) map[string]any {
	t.Helper()
	plaintext, encrypted, err := secure.DecodeFrame(key, frame)
	require.NoError(t, err)
	require.True(t, encrypted)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(plaintext, &decoded))
	return decoded
}

func TestPerformHandshakeDerivesSharedKey(t *testing.T) {
	server, _ := newTestServer(t, nil)
	ws := newFakeSocket()

	clientPriv, clientPubRaw, err := secure.GenerateEphemeralKeypair()
	require.NoError(t, err)

	done := make(chan struct{})
	var conn *Conn
	var handshakeErr error
	go func() {
		defer close(done)
		conn, handshakeErr = server.performHandshake(ws, "10.0.0.1")
	}()

	// Server speaks first.
	var hello struct {
		MsgType string            `json:"msg_type"`
		Payload map[string]string `json:"payload"`
	}
	require.Eventually(t, func() bool { return len(ws.written()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, json.Unmarshal(ws.written()[0], &hello))
	require.Equal(t, protocol.TypeHandshake, hello.MsgType)

	serverPubRaw, err := base64.StdEncoding.DecodeString(hello.Payload["server_public_key"])
	require.NoError(t, err)
	saltText := hello.Payload["salt"]
	salt, err := base64.StdEncoding.DecodeString(saltText)
	require.NoError(t, err)
	require.Len(t, salt, secure.SaltSize)

	reply, err := json.Marshal(map[string]any{
		"msg_type": protocol.TypeHandshake,
		"payload": map[string]string{
			"client_public_key": base64.StdEncoding.EncodeToString(clientPubRaw),
		},
	})
	require.NoError(t, err)
	ws.in <- reply
	<-done
	require.NoError(t, handshakeErr)

	serverPub, err := secure.ParsePeerPublicKey(serverPubRaw)
	require.NoError(t, err)
	clientKey, err := secure.DeriveSessionKey(clientPriv, serverPub, []byte(saltText))
	require.NoError(t, err)
	require.Equal(t, clientKey, conn.Key())
}

func TestPerformHandshakeRejectsWrongType(t *testing.T) {
	server, _ := newTestServer(t, nil)
	ws := newFakeSocket()
	frame, err := json.Marshal(map[string]any{"msg_type": "ping"})
	require.NoError(t, err)
	ws.in <- frame

	_, err = server.performHandshake(ws, "10.0.0.1")
	require.ErrorContains(t, err, "expected handshake")
}

func newEncryptedConn(t *testing.T, server *Server) (*Conn, *fakeSocket, []byte) {
	t.Helper()
	ws := newFakeSocket()
	key := make([]byte, secure.SessionKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return NewConn(ws, key, "10.0.0.1", server.logger), ws, key
}

func encryptedFrame(t *testing.T, key []byte, v any) []byte {
	t.Helper()
	plaintext, err := json.Marshal(v)
	require.NoError(t, err)
	frame, err := secure.EncryptFrame(key, plaintext)
	require.NoError(t, err)
	return frame
}

func TestHandleFramePingUpdatesLivenessAndPongs(t *testing.T) {
	server, _ := newTestServer(t, nil)
	conn, ws, key := newEncryptedConn(t, server)
	conn.lastPing.Store(time.Now().Add(-time.Hour).UnixNano())

	server.handleFrame(context.Background(), conn, encryptedFrame(t, key, map[string]string{
		"msg_type": protocol.TypePing,
	}))

	require.Less(t, conn.SincePing(), time.Second)
	frames := ws.written()
	require.Len(t, frames, 1)
	reply := decryptReply(t, key, frames[0])
	require.Equal(t, protocol.TypePong, reply["msg_type"])
}

func TestHandleFrameMalformed(t *testing.T) {
	server, _ := newTestServer(t, nil)
	conn, ws, key := newEncryptedConn(t, server)

	server.handleFrame(context.Background(), conn, []byte("{\"nonce\":\"AAAA\",\"ciphertext\":\"AAAA\",\"tag\":\"AAAA\"}"))
	frames := ws.written()
	require.Len(t, frames, 1)
	reply := decryptReply(t, key, frames[0])
	require.Equal(t, "Invalid message format", reply["error"])
}

func TestHandleFrameUnknownType(t *testing.T) {
	server, _ := newTestServer(t, nil)
	conn, ws, key := newEncryptedConn(t, server)

	server.handleFrame(context.Background(), conn, encryptedFrame(t, key, map[string]string{
		"msg_type": "teleport",
	}))
	frames := ws.written()
	require.Len(t, frames, 1)
	reply := decryptReply(t, key, frames[0])
	require.Equal(t, false, reply["success"])
	require.Equal(t, protocol.ErrUnknown, reply["error_code"])
}

func TestReceiveLoopRateLimitCloses(t *testing.T) {
	limiter := ratelimit.New(ratelimit.WithLimits(5*time.Second, 1, 30*time.Second))
	server, _ := newTestServer(t, limiter)
	conn, ws, key := newEncryptedConn(t, server)

	for n := 0; n < 3; n++ {
		ws.in <- encryptedFrame(t, key, map[string]string{"msg_type": protocol.TypePing})
	}
	server.receiveLoop(context.Background(), conn)

	require.True(t, limiter.IsBanned("10.0.0.1"))
	require.NotEmpty(t, ws.control)
	select {
	case <-ws.closed:
	default:
		t.Fatal("socket not closed after ban")
	}
}

func TestDispatchJWTPrecheck(t *testing.T) {
	server, tokens := newTestServer(t, nil)
	conn, ws, key := newEncryptedConn(t, server)

	var handled bool
	server.router.Handle(protocol.TypeGetContacts, func(context.Context, *Conn, *protocol.Message) error {
		handled = true
		return nil
	})

	// Missing token.
	server.router.Dispatch(context.Background(), conn, &protocol.Message{
		MsgType: protocol.TypeGetContacts, UserID: "user-1",
	})
	require.False(t, handled)
	reply := decryptReply(t, key, ws.written()[0])
	require.Equal(t, protocol.ErrMissingToken, reply["error_code"])

	// Token for another user.
	other, err := tokens.IssueAccess("user-2")
	require.NoError(t, err)
	server.router.Dispatch(context.Background(), conn, &protocol.Message{
		MsgType: protocol.TypeGetContacts, UserID: "user-1", JWT: other,
	})
	require.False(t, handled)
	reply = decryptReply(t, key, ws.written()[1])
	require.Equal(t, protocol.ErrInvalidUser, reply["error_code"])

	// Valid token but no user_id claim in the message.
	valid, err := tokens.IssueAccess("user-1")
	require.NoError(t, err)
	server.router.Dispatch(context.Background(), conn, &protocol.Message{
		MsgType: protocol.TypeGetContacts, JWT: valid,
	})
	require.False(t, handled)
	reply = decryptReply(t, key, ws.written()[2])
	require.Equal(t, protocol.ErrInvalidUser, reply["error_code"])

	// Valid token reaches the handler.
	server.router.Dispatch(context.Background(), conn, &protocol.Message{
		MsgType: protocol.TypeGetContacts, UserID: "user-1", JWT: valid,
	})
	require.True(t, handled)
}

func TestConnContextOutlivesUpgradeRequest(t *testing.T) {
	server, _ := newTestServer(t, nil)

	ctxErr := make(chan error, 1)
	server.router.Handle(protocol.TypeAuthenticate, func(ctx context.Context, c *Conn, _ *protocol.Message) error {
		ctxErr <- ctx.Err()
		return c.SendMessage(secure.NewReply(protocol.TypeAuthenticate, map[string]any{"success": true}))
	})

	ts := httptest.NewServer(http.HandlerFunc(server.handleUpgrade))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	var hello struct {
		MsgType string            `json:"msg_type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, ws.ReadJSON(&hello))
	require.Equal(t, protocol.TypeHandshake, hello.MsgType)

	clientPriv, clientPubRaw, err := secure.GenerateEphemeralKeypair()
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(map[string]any{
		"msg_type": protocol.TypeHandshake,
		"payload": map[string]string{
			"client_public_key": base64.StdEncoding.EncodeToString(clientPubRaw),
		},
	}))

	serverPubRaw, err := base64.StdEncoding.DecodeString(hello.Payload["server_public_key"])
	require.NoError(t, err)
	serverPub, err := secure.ParsePeerPublicKey(serverPubRaw)
	require.NoError(t, err)
	key, err := secure.DeriveSessionKey(clientPriv, serverPub, []byte(hello.Payload["salt"]))
	require.NoError(t, err)

	// The upgrade handler has long since returned by the time this frame
	// arrives. The dispatched context must still be live.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		encryptedFrame(t, key, map[string]string{"msg_type": protocol.TypeAuthenticate})))

	select {
	case err := <-ctxErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

type closingEndpoint struct {
	closed bool
}

func (e *closingEndpoint) SetRemoteAnswer(context.Context, protocol.SessionDescription) error {
	return nil
}
func (e *closingEndpoint) AddRemoteCandidate(protocol.IceCandidate) error { return nil }
func (e *closingEndpoint) Close() error                                   { e.closed = true; return nil }

func TestCleanupReleasesSessionAndLimiter(t *testing.T) {
	limiter := ratelimit.New()
	server, _ := newTestServer(t, limiter)
	conn, _, _ := newEncryptedConn(t, server)

	endpoint := &closingEndpoint{}
	session := &registry.Session{UserID: "user-1", Peer: conn, AESKey: conn.Key()}
	session.SetEndpoint(endpoint)
	server.sessions.Add(session)
	conn.BindSession(session)
	limiter.Allow("10.0.0.1")

	server.cleanup(conn)

	require.True(t, endpoint.closed)
	require.False(t, server.sessions.Online("user-1"))
	// The window was forgotten (ip not banned), so a fresh connection
	// starts clean.
	require.False(t, limiter.IsBanned("10.0.0.1"))
}
