package gateway

import (
	"context"

	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/internal/token"
	"github.com/lipcall/lipcall/pkg/commons"
)

// HandlerFunc processes one decrypted message on a connection.
type HandlerFunc func(ctx context.Context, c *Conn, msg *protocol.Message) error

// Router maps message types to handlers and enforces the JWT precheck on
// everything outside the exempt set.
type Router struct {
	handlers map[string]HandlerFunc
	exempt   map[string]struct{}
	tokens   *token.Service
	logger   commons.Logger
}

func NewRouter(tokens *token.Service, logger commons.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		exempt: map[string]struct{}{
			protocol.TypeAuthenticate: {},
			protocol.TypeSignup:       {},
			protocol.TypeRefreshToken: {},
			protocol.TypeHandshake:    {},
			protocol.TypePing:         {},
		},
		tokens: tokens,
		logger: logger,
	}
}

// Handle registers the handler for one message type.
func (r *Router) Handle(msgType string, handler HandlerFunc) {
	r.handlers[msgType] = handler
}

// Dispatch runs the JWT precheck and invokes the handler for msg. Every
// failure becomes an encrypted structured error on the connection.
func (r *Router) Dispatch(ctx context.Context, c *Conn, msg *protocol.Message) {
	handler, ok := r.handlers[msg.MsgType]
	if !ok {
		r.logger.Debugw("unknown message type", "msg_type", msg.MsgType)
		r.reply(c, secure.NewErrorReply(msg.MsgType, protocol.ErrUnknown,
			"Unknown message type."))
		return
	}

	if _, skip := r.exempt[msg.MsgType]; !skip {
		if code, message := r.precheck(msg); code != "" {
			r.reply(c, secure.NewErrorReply(msg.MsgType, code, message))
			return
		}
	}

	if err := handler(ctx, c, msg); err != nil {
		// Handlers reply on their own; an error here means even that
		// failed. The connection task must survive it.
		r.logger.Errorw("handler failed", "msg_type", msg.MsgType, "error", err)
	}
}

// precheck validates the access token and its binding to the claimed user.
func (r *Router) precheck(msg *protocol.Message) (code, message string) {
	// Verify skips the subject check for an empty expected subject, so a
	// missing user_id must be rejected here.
	if msg.UserID == "" {
		return protocol.ErrInvalidUser, "Token does not belong to this user."
	}
	result := r.tokens.Verify(msg.JWT, token.TypeAccess, msg.UserID)
	switch result.Status {
	case token.StatusValid:
		return "", ""
	case token.StatusMissing:
		return protocol.ErrMissingToken, "Authentication token is required."
	case token.StatusExpired:
		return protocol.ErrTokenExpired, "Authentication token has expired."
	case token.StatusSubjectMismatch:
		return protocol.ErrInvalidUser, "Token does not belong to this user."
	default:
		return protocol.ErrInvalidToken, "Authentication token is invalid."
	}
}

func (r *Router) reply(c *Conn, reply *secure.Reply) {
	if err := c.SendMessage(reply); err != nil {
		r.logger.Debugw("failed to send error reply", "error", err)
	}
}
