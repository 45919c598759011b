package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/secure"
)

func nowUTC() time.Time { return time.Now().UTC() }

type serverAnswerResponse struct {
	From   string                      `json:"from"`
	Target string                      `json:"target"`
	Answer protocol.SessionDescription `json:"answer"`
}

// Offer relays an SDP offer to the target peer, or hands it to the
// server-side media leg when the target is "server". A peer-to-peer offer
// opens the pending-call entry; no Call row exists yet.
func (h *Handlers) Offer(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.OfferPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Offer target is required.")
	}

	if payload.Target == protocol.TargetServer {
		return h.serverOffer(ctx, c, msg, payload)
	}

	h.logger.Infow("offer", "from", payload.From, "target", payload.Target)
	if !h.sessions.Online(payload.From) || !h.sessions.Online(payload.Target) {
		return h.replyError(c, msg.MsgType, protocol.ErrNotConnected, "Client not connected.")
	}

	// Record the pending call; renegotiation offers reuse the entry.
	h.pending.Track(payload.From, payload.Target)

	h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, json.RawMessage(msg.Payload)))
	return nil
}

// Answer relays an SDP answer and creates the Call row on the first answer
// for the pair.
func (h *Handlers) Answer(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.AnswerPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Answer target is required.")
	}

	if payload.Target == protocol.TargetServer {
		return h.serverAnswer(ctx, c, msg, payload)
	}

	h.logger.Infow("answer", "from", payload.From, "target", payload.Target)
	if !h.sessions.Online(payload.Target) {
		return h.replyError(c, msg.MsgType, protocol.ErrTargetNotConnected, "Target not connected.")
	}

	// An answer only makes sense for a tracked pending call; anything
	// else is stale or forged and must not be relayed.
	call := h.pending.Get(payload.From, payload.Target)
	if call == nil {
		return h.replyError(c, msg.MsgType, protocol.ErrTargetNotConnected, "Target not connected.")
	}

	_, err := call.EnsureCallID(ctx, func(ctx context.Context) (string, error) {
		started, err := h.calls.Start(ctx, call.Caller, call.Callee, nowUTC())
		if err != nil {
			return "", err
		}
		return started.ID, nil
	})
	if err != nil {
		h.logger.Errorw("failed to create call record",
			"caller", call.Caller, "callee", call.Callee, "error", err)
	}

	h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, json.RawMessage(msg.Payload)))
	return nil
}

// IceCandidate relays trickled candidates between peers or into the
// server-side media leg.
func (h *Handlers) IceCandidate(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.IceCandidatePayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Candidate target is required.")
	}

	if payload.Target == protocol.TargetServer {
		return h.serverIceCandidate(ctx, c, msg, payload)
	}

	if !h.sessions.Online(payload.Target) {
		return h.replyError(c, msg.MsgType, protocol.ErrTargetNotConnected, "Target not connected.")
	}
	h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, json.RawMessage(msg.Payload)))
	return nil
}

// serverOffer builds a media leg for the caller, answers the offer and
// binds the leg to the session.
func (h *Handlers) serverOffer(ctx context.Context, c *gateway.Conn, msg *protocol.Message, payload protocol.OfferPayload) error {
	session := h.sessions.Get(msg.UserID)
	if session == nil {
		return h.replyError(c, msg.MsgType, protocol.ErrNotConnected, "Client not connected.")
	}
	if payload.OtherUser == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields,
			"other_user is required for server offers.")
	}
	h.logger.Infow("server offer", "from", msg.UserID, "other_user", payload.OtherUser)

	call := h.pending.Get(msg.UserID, payload.OtherUser)
	if call == nil {
		call, _ = h.pending.Track(msg.UserID, payload.OtherUser)
		if call == nil {
			call = h.pending.Get(msg.UserID, payload.OtherUser)
		}
	}

	endpoint, err := h.newEndpoint(session, payload.OtherUser, call)
	if err != nil {
		h.logger.Errorw("failed to create media endpoint", "user", msg.UserID, "error", err)
		return h.replyError(c, msg.MsgType, protocol.ErrUnknown, "Could not set up media connection.")
	}
	session.SetEndpoint(endpoint)

	answer, err := endpoint.HandleOffer(ctx, payload.Offer)
	if err != nil {
		h.logger.Errorw("failed to answer server offer", "user", msg.UserID, "error", err)
		session.SetEndpoint(nil)
		return h.replyError(c, msg.MsgType, protocol.ErrUnknown, "Could not set up media connection.")
	}

	return h.reply(c, secure.NewReply(protocol.TypeAnswer, serverAnswerResponse{
		From:   protocol.TargetServer,
		Target: msg.UserID,
		Answer: answer,
	}))
}

func (h *Handlers) serverAnswer(ctx context.Context, c *gateway.Conn, msg *protocol.Message, payload protocol.AnswerPayload) error {
	endpoint := h.sessionEndpoint(msg.UserID)
	if endpoint == nil {
		return h.replyError(c, msg.MsgType, protocol.ErrNoActiveConnection,
			"No active server connection.")
	}
	if err := endpoint.SetRemoteAnswer(ctx, payload.Answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (h *Handlers) serverIceCandidate(_ context.Context, c *gateway.Conn, msg *protocol.Message, payload protocol.IceCandidatePayload) error {
	endpoint := h.sessionEndpoint(msg.UserID)
	if endpoint == nil {
		return h.replyError(c, msg.MsgType, protocol.ErrNoActiveConnection,
			"No active server connection.")
	}
	if err := endpoint.AddRemoteCandidate(payload.Candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (h *Handlers) sessionEndpoint(userID string) registry.ServerEndpoint {
	session := h.sessions.Get(userID)
	if session == nil {
		return nil
	}
	return session.Endpoint()
}
