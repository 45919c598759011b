package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/internal/secure"
)

type contactEntry struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// AddContact links another user by username and returns the updated contact
// id set.
func (h *Handlers) AddContact(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.AddContactPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.ContactUsername == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingFields,
			"Contact username is required.")
	}

	contact, err := h.users.GetByUsername(ctx, payload.ContactUsername)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return h.replyError(c, msg.MsgType, protocol.ErrAddContactFailed,
				"No user with that username.")
		}
		return fmt.Errorf("lookup contact: %w", err)
	}
	if err := h.users.AddContact(ctx, msg.UserID, contact.ID); err != nil {
		h.logger.Errorw("failed to add contact", "user", msg.UserID,
			"contact", contact.ID, "error", err)
		return h.replyError(c, msg.MsgType, protocol.ErrAddContactFailed,
			"Could not add contact.")
	}

	contacts, err := h.users.Contacts(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}
	ids := make([]string, len(contacts))
	for i, entry := range contacts {
		ids[i] = entry.ID
	}
	return h.reply(c, secure.NewReply(msg.MsgType, map[string]any{"contacts": ids}))
}

// GetContacts returns the caller's contacts. Password hashes never leave
// the repository layer.
func (h *Handlers) GetContacts(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	contacts, err := h.users.Contacts(ctx, msg.UserID)
	if err != nil {
		h.logger.Errorw("failed to fetch contacts", "user", msg.UserID, "error", err)
		return h.replyError(c, msg.MsgType, protocol.ErrFetchFailed,
			"Could not fetch contacts.")
	}

	entries := make([]contactEntry, len(contacts))
	for i, contact := range contacts {
		entries[i] = contactEntry{
			ID:       contact.ID,
			Username: contact.Username,
			Name:     contact.DisplayName,
		}
	}
	return h.reply(c, secure.NewReply(msg.MsgType, map[string]any{"contacts": entries}))
}
