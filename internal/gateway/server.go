package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/ratelimit"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/pkg/commons"
)

const (
	// HeartbeatInterval is how often the monitor checks client liveness.
	HeartbeatInterval = 10 * time.Second
	// HeartbeatTimeout closes connections whose last ping is older than
	// this.
	HeartbeatTimeout = 15 * time.Second

	maxFrameSize = 1 << 20
)

type handshakePayload struct {
	ClientPublicKey string `json:"client_public_key"`
}

type handshakeMessage struct {
	MsgType string          `json:"msg_type"`
	Payload json.RawMessage `json:"payload"`
}

// Server accepts TLS WebSocket connections and runs one connection task
// plus one heartbeat task per client.
type Server struct {
	host     string
	port     int
	certFile string
	keyFile  string

	router   *Router
	limiter  *ratelimit.Limiter
	sessions *registry.Sessions
	logger   commons.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// baseCtx is the server lifecycle context set by Run. Connection
	// tasks derive from it, never from the upgrade request context,
	// which net/http cancels as soon as the upgrade handler returns.
	baseCtx atomic.Pointer[context.Context]
}

func NewServer(host string, port int, certFile, keyFile string,
	router *Router, limiter *ratelimit.Limiter, sessions *registry.Sessions,
	logger commons.Logger) *Server {
	return &Server{
		host:     host,
		port:     port,
		certFile: certFile,
		keyFile:  keyFile,
		router:   router,
		limiter:  limiter,
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx.Store(&ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("websocket server listening on %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(maxFrameSize)
	go s.serveConn(s.connContext(), ws, remoteIP(r))
}

// connContext returns the lifecycle context connections run under.
func (s *Server) connContext() context.Context {
	if ctx := s.baseCtx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn, ip string) {
	conn, err := s.performHandshake(ws, ip)
	if err != nil {
		s.logger.Warnw("handshake failed", "remote", ip, "error", err)
		_ = ws.Close()
		return
	}
	s.logger.Infow("secure channel established", "remote", ip)

	heartbeatDone := make(chan struct{})
	go s.runHeartbeat(conn, heartbeatDone)

	s.receiveLoop(ctx, conn)

	close(heartbeatDone)
	s.cleanup(conn)
}

// performHandshake runs the key agreement: the server speaks first with its
// ephemeral public key and salt, the client answers with its own key.
func (s *Server) performHandshake(ws Socket, ip string) (*Conn, error) {
	priv, pubRaw, err := secure.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	salt, err := secure.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	saltText := base64.StdEncoding.EncodeToString(salt)

	hello := map[string]any{
		"msg_type": protocol.TypeHandshake,
		"payload": map[string]string{
			"server_public_key": base64.StdEncoding.EncodeToString(pubRaw),
			"salt":              saltText,
		},
	}
	frame, err := json.Marshal(hello)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var msg handshakeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parse handshake reply: %w", err)
	}
	if msg.MsgType != protocol.TypeHandshake {
		return nil, fmt.Errorf("expected handshake, got %q", msg.MsgType)
	}
	var payload handshakePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ClientPublicKey == "" {
		return nil, fmt.Errorf("handshake reply missing client public key")
	}
	clientRaw, err := base64.StdEncoding.DecodeString(payload.ClientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode client public key: %w", err)
	}
	clientPub, err := secure.ParsePeerPublicKey(clientRaw)
	if err != nil {
		return nil, fmt.Errorf("parse client public key: %w", err)
	}
	// HKDF runs over the salt exactly as it crossed the wire, in its
	// base64 text form.
	key, err := secure.DeriveSessionKey(priv, clientPub, []byte(saltText))
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return NewConn(ws, key, ip, s.logger), nil
}

func (s *Server) runHeartbeat(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if conn.SincePing() > HeartbeatTimeout {
				s.logger.Infow("heartbeat timeout, closing connection",
					"remote", conn.RemoteIP())
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) receiveLoop(ctx context.Context, conn *Conn) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			s.logger.Debugw("connection read ended", "remote", conn.RemoteIP(), "error", err)
			return
		}

		if !s.limiter.Allow(conn.RemoteIP()) {
			s.logger.Warnw("rate limit exceeded, closing connection", "remote", conn.RemoteIP())
			_ = conn.CloseWithCode(protocol.CloseRateLimited, "rate limit exceeded")
			return
		}

		s.handleFrame(ctx, conn, raw)
	}
}

// handleFrame decodes one frame and routes it. Malformed frames produce an
// encrypted error and the loop continues.
func (s *Server) handleFrame(ctx context.Context, conn *Conn, raw []byte) {
	plaintext, _, err := secure.DecodeFrame(conn.Key(), raw)
	if err != nil {
		s.logger.Debugw("frame decrypt failed", "remote", conn.RemoteIP(), "error", err)
		s.sendInvalidFormat(conn)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		s.sendInvalidFormat(conn)
		return
	}

	if msg.MsgType == protocol.TypePing {
		conn.TouchPing()
		if err := conn.SendEncrypted(map[string]string{"msg_type": protocol.TypePong}); err != nil {
			s.logger.Debugw("failed to send pong", "error", err)
		}
		return
	}

	s.router.Dispatch(ctx, conn, &msg)
}

func (s *Server) sendInvalidFormat(conn *Conn) {
	if err := conn.SendEncrypted(map[string]string{"error": "Invalid message format"}); err != nil {
		s.logger.Debugw("failed to send format error", "error", err)
	}
}

// cleanup releases everything a dead connection held: its media endpoint,
// its session slot and its rate limiter window (unless the ip is banned).
func (s *Server) cleanup(conn *Conn) {
	_ = conn.Close()

	if session := conn.Session(); session != nil {
		if endpoint := session.TakeEndpoint(); endpoint != nil {
			_ = endpoint.Close()
		}
		if s.sessions.Remove(session) {
			s.logger.Infow("session removed", "user", session.UserID)
		}
	}

	if !s.limiter.IsBanned(conn.RemoteIP()) {
		s.limiter.Forget(conn.RemoteIP())
	}
}
