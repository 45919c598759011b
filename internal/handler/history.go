package handler

import (
	"context"
	"time"

	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/secure"
)

const defaultHistoryLimit = 50

type callEntry struct {
	CallID          string     `json:"call_id"`
	CallerID        string     `json:"caller_id"`
	CalleeID        string     `json:"callee_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}

// FetchCallHistory returns the caller's most recent calls, newest first.
// Transcripts are not included; they stay queryable per call.
func (h *Handlers) FetchCallHistory(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.FetchCallHistoryPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields, "Invalid history request.")
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	calls, err := h.calls.History(ctx, msg.UserID, limit)
	if err != nil {
		h.logger.Errorw("failed to fetch call history", "user", msg.UserID, "error", err)
		return h.replyError(c, msg.MsgType, protocol.ErrCallHistoryError,
			"Could not fetch call history.")
	}

	entries := make([]callEntry, len(calls))
	for i, call := range calls {
		entries[i] = callEntry{
			CallID:          call.ID,
			CallerID:        call.CallerID,
			CalleeID:        call.CalleeID,
			StartedAt:       call.StartedAt,
			EndedAt:         call.EndedAt,
			DurationSeconds: call.DurationSeconds,
		}
	}
	return h.reply(c, secure.NewReply(msg.MsgType, map[string]any{"entries": entries}))
}
