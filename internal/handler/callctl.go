package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/secure"
)

// CallInvite forwards a call invitation to the callee.
func (h *Handlers) CallInvite(_ context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.CallControlPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Call target is required.")
	}
	h.logger.Infow("call invite", "from", payload.From, "target", payload.Target)

	delivered := h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, payload))
	if !delivered {
		return h.replyError(c, msg.MsgType, protocol.ErrTargetNotAvailable,
			fmt.Sprintf("%s is not available.", payload.Target))
	}
	return nil
}

// CallAccept forwards the callee's acceptance back to the caller.
func (h *Handlers) CallAccept(_ context.Context, c *gateway.Conn, msg *protocol.Message) error {
	return h.relayToCaller(c, msg)
}

// CallReject forwards the callee's rejection back to the caller.
func (h *Handlers) CallReject(_ context.Context, c *gateway.Conn, msg *protocol.Message) error {
	return h.relayToCaller(c, msg)
}

func (h *Handlers) relayToCaller(c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.CallControlPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Call target is required.")
	}
	h.logger.Infow("call control", "msg_type", msg.MsgType,
		"from", payload.From, "target", payload.Target)

	if !h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, payload)) {
		return h.replyError(c, msg.MsgType, protocol.ErrCallerNotAvailable,
			fmt.Sprintf("%s not connected.", payload.Target))
	}
	return nil
}

// CallEnd forwards the end request to the other party and finalizes the
// call. Media legs observe their own peer connection state, so the
// finalization here is guarded against double ends.
func (h *Handlers) CallEnd(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.CallControlPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Call target is required.")
	}
	h.logger.Infow("call end", "from", payload.From, "target", payload.Target)

	delivered := h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, payload))

	h.endCall(ctx, payload.From, payload.Target)

	if !delivered {
		return h.replyError(c, msg.MsgType, protocol.ErrTargetNotConnected,
			fmt.Sprintf("%s not connected.", payload.Target))
	}
	return nil
}

// endCall tears down both media legs and finishes the Call row exactly
// once.
func (h *Handlers) endCall(ctx context.Context, from, target string) {
	for _, userID := range []string{from, target} {
		if session := h.sessions.Get(userID); session != nil {
			if endpoint := session.TakeEndpoint(); endpoint != nil {
				_ = endpoint.Close()
			}
		}
	}

	if call := h.pending.Get(from, target); call != nil {
		if callID, won := call.Finalize(); won && callID != "" {
			if err := h.calls.Finish(ctx, callID, time.Now().UTC()); err != nil {
				h.logger.Errorw("failed to finish call", "call_id", callID, "error", err)
			}
		}
		h.pending.Remove(from, target)
	}
}

// VideoState forwards camera on/off updates to the other party.
func (h *Handlers) VideoState(_ context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.VideoStatePayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Target == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Call target is required.")
	}

	if !h.sendToUser(payload.Target, secure.NewReply(msg.MsgType, payload)) {
		return h.replyError(c, msg.MsgType, protocol.ErrTargetNotConnected,
			fmt.Sprintf("%s not connected.", payload.Target))
	}
	return nil
}

// SetModelPreference selects which pipeline transcribes the caller's media.
func (h *Handlers) SetModelPreference(_ context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.SetModelPreferencePayload
	if err := msg.DecodePayload(&payload); err != nil ||
		(payload.ModelType != protocol.ModelLip && payload.ModelType != protocol.ModelVosk) {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields,
			"model_type must be \"lip\" or \"vosk\".")
	}

	session := h.sessions.Get(msg.UserID)
	if session == nil {
		return h.replyError(c, msg.MsgType, protocol.ErrNotConnected, "Client not connected.")
	}
	session.SetModelPreference(payload.ModelType)
	h.logger.Infow("model preference set", "user", msg.UserID, "model", payload.ModelType)
	return h.reply(c, secure.NewReply(msg.MsgType, map[string]string{
		"model_type": payload.ModelType,
	}))
}
