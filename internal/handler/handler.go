package handler

import (
	"context"

	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/internal/token"
	"github.com/lipcall/lipcall/pkg/commons"
)

// ServerOfferEndpoint is a server-side media leg that can answer a client
// offer. The media package provides the real implementation.
type ServerOfferEndpoint interface {
	registry.ServerEndpoint
	HandleOffer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error)
}

// EndpointFactory builds the media leg for one (session, peer) pair.
type EndpointFactory func(session *registry.Session, peerID string, pending *registry.PendingCall) (ServerOfferEndpoint, error)

// Handlers owns every message handler behind the gateway router.
type Handlers struct {
	users       repository.Users
	calls       repository.Calls
	tokens      *token.Service
	sessions    *registry.Sessions
	pending     *registry.PendingCalls
	newEndpoint EndpointFactory
	logger      commons.Logger
}

func New(users repository.Users, calls repository.Calls, tokens *token.Service,
	sessions *registry.Sessions, pending *registry.PendingCalls,
	newEndpoint EndpointFactory, logger commons.Logger) *Handlers {
	return &Handlers{
		users:       users,
		calls:       calls,
		tokens:      tokens,
		sessions:    sessions,
		pending:     pending,
		newEndpoint: newEndpoint,
		logger:      logger,
	}
}

// Register wires every message type into the router.
func (h *Handlers) Register(router *gateway.Router) {
	router.Handle(protocol.TypeAuthenticate, h.Authenticate)
	router.Handle(protocol.TypeSignup, h.Signup)
	router.Handle(protocol.TypeRefreshToken, h.RefreshToken)
	router.Handle(protocol.TypeLogout, h.Logout)
	router.Handle(protocol.TypeAddContact, h.AddContact)
	router.Handle(protocol.TypeGetContacts, h.GetContacts)
	router.Handle(protocol.TypeSetModelPreference, h.SetModelPreference)
	router.Handle(protocol.TypeCallInvite, h.CallInvite)
	router.Handle(protocol.TypeCallAccept, h.CallAccept)
	router.Handle(protocol.TypeCallReject, h.CallReject)
	router.Handle(protocol.TypeCallEnd, h.CallEnd)
	router.Handle(protocol.TypeVideoState, h.VideoState)
	router.Handle(protocol.TypeOffer, h.Offer)
	router.Handle(protocol.TypeAnswer, h.Answer)
	router.Handle(protocol.TypeIceCandidate, h.IceCandidate)
	router.Handle(protocol.TypeFetchCallHistory, h.FetchCallHistory)
}

// reply sends a structured reply back on the caller's own connection.
func (h *Handlers) reply(c *gateway.Conn, reply *secure.Reply) error {
	if err := c.SendMessage(reply); err != nil {
		h.logger.Debugw("failed to send reply", "msg_type", reply.MsgType, "error", err)
		return err
	}
	return nil
}

func (h *Handlers) replyError(c *gateway.Conn, msgType, code, message string) error {
	return h.reply(c, secure.NewErrorReply(msgType, code, message))
}

// sendToUser pushes a structured message to another online user.
func (h *Handlers) sendToUser(userID string, reply *secure.Reply) bool {
	session := h.sessions.Get(userID)
	if session == nil {
		return false
	}
	if err := session.Peer.SendMessage(reply); err != nil {
		h.logger.Warnw("failed to relay message", "to", userID,
			"msg_type", reply.MsgType, "error", err)
		return false
	}
	return true
}
