package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/lipcall/lipcall/internal/entity"
	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/internal/token"
)

type authenticateResponse struct {
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type signupResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

// Authenticate verifies credentials against the stored bcrypt hash and, on
// success, issues a token pair and registers the connection's session.
func (h *Handlers) Authenticate(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.AuthenticatePayload
	if err := msg.DecodePayload(&payload); err != nil ||
		payload.Username == "" || payload.Password == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrAuthMissingCredentials,
			"Username and password are required.")
	}
	if len(payload.Username) > UsernameMax || len(payload.Password) > PasswordMax {
		return h.replyError(c, msg.MsgType, protocol.ErrCredentialsTooLong,
			"Username or password exceeds the allowed length.")
	}

	user, err := h.users.GetByUsername(ctx, payload.Username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return h.replyError(c, msg.MsgType, protocol.ErrUserNotFound, "User not found.")
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(payload.Password)) != nil {
		return h.replyError(c, msg.MsgType, protocol.ErrIncorrectPassword, "Incorrect password.")
	}

	access, refresh, err := h.issueTokenPair(ctx, user.ID)
	if err != nil {
		return err
	}
	h.registerSession(c, user.ID)

	h.logger.Infow("user authenticated", "user", user.ID, "username", user.Username)
	return h.reply(c, secure.NewReply(msg.MsgType, authenticateResponse{
		UserID:       user.ID,
		Name:         user.DisplayName,
		AccessToken:  access,
		RefreshToken: refresh,
	}))
}

// Signup validates the new account fields, stores the bcrypt hash and logs
// the user straight in.
func (h *Handlers) Signup(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.SignupPayload
	if err := msg.DecodePayload(&payload); err != nil ||
		payload.Username == "" || payload.Password == "" || payload.Name == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrSignupMissingCredentials,
			"Username, password and name are required.")
	}
	if len(payload.Username) > UsernameMax || len(payload.Password) > PasswordMax {
		return h.replyError(c, msg.MsgType, protocol.ErrFieldsTooLong,
			"One or more fields exceed the allowed length.")
	}
	if !validDisplayName(payload.Name) {
		return h.replyError(c, msg.MsgType, protocol.ErrInvalidNameFormat,
			"Name must be two words of Latin letters.")
	}
	if !validUsername(payload.Username) {
		return h.replyError(c, msg.MsgType, protocol.ErrInvalidUsername,
			"Username may only contain letters, digits and underscores.")
	}
	if !strongPassword(payload.Password) {
		return h.replyError(c, msg.MsgType, protocol.ErrWeakPassword,
			"Password must be at least 8 characters with upper, lower, digit and symbol.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(payload.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user := &entity.User{
		Username:     payload.Username,
		PasswordHash: string(hash),
		DisplayName:  normalizeDisplayName(payload.Name),
	}
	if err := h.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return h.replyError(c, msg.MsgType, protocol.ErrUsernameExists,
				"Username is already taken.")
		}
		return fmt.Errorf("create user: %w", err)
	}

	access, refresh, err := h.issueTokenPair(ctx, user.ID)
	if err != nil {
		return err
	}
	h.registerSession(c, user.ID)

	h.logger.Infow("user signed up", "user", user.ID, "username", user.Username)
	return h.reply(c, secure.NewReply(msg.MsgType, signupResponse{
		UserID:       user.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}))
}

// RefreshToken exchanges a live refresh token for a new access token and
// re-registers the session, so a reconnecting client can resume without
// credentials.
func (h *Handlers) RefreshToken(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	var payload protocol.RefreshTokenPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.RefreshJWT == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingRefreshToken,
			"Refresh token is required.")
	}

	userID, access, err := h.tokens.RefreshAccess(ctx, payload.RefreshJWT)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrRefreshExpired):
			return h.replyError(c, msg.MsgType, protocol.ErrTokenExpired,
				"Refresh token has expired, please log in again.")
		case errors.Is(err, token.ErrRefreshInvalid):
			return h.replyError(c, msg.MsgType, protocol.ErrRefreshFailed,
				"Refresh token is invalid, please log in again.")
		default:
			return fmt.Errorf("refresh access: %w", err)
		}
	}

	user, err := h.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return h.replyError(c, msg.MsgType, protocol.ErrRefreshFailed,
				"Refresh token is invalid, please log in again.")
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	h.registerSession(c, user.ID)

	return h.reply(c, secure.NewReply(msg.MsgType, refreshResponse{
		UserID:      user.ID,
		Username:    user.Username,
		Name:        user.DisplayName,
		AccessToken: access,
	}))
}

// Logout finishes the caller's pending calls, removes the session and
// releases any media leg.
func (h *Handlers) Logout(ctx context.Context, c *gateway.Conn, msg *protocol.Message) error {
	if msg.UserID == "" {
		return h.replyError(c, msg.MsgType, protocol.ErrMissingUserID, "User id is required.")
	}
	for _, call := range h.pending.ForUser(msg.UserID) {
		h.endCall(ctx, call.Caller, call.Callee)
	}
	if session := h.sessions.Get(msg.UserID); session != nil && session.Peer == registry.Peer(c) {
		if endpoint := session.TakeEndpoint(); endpoint != nil {
			_ = endpoint.Close()
		}
		h.sessions.Remove(session)
	}
	h.logger.Infow("user logged out", "user", msg.UserID)
	return h.reply(c, secure.NewReply(msg.MsgType, map[string]string{"user_id": msg.UserID}))
}

func (h *Handlers) issueTokenPair(ctx context.Context, userID string) (access, refresh string, err error) {
	if access, err = h.tokens.IssueAccess(userID); err != nil {
		return "", "", err
	}
	if refresh, err = h.tokens.IssueRefresh(ctx, userID); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// registerSession binds the connection to the user, displacing any previous
// connection for the same account.
func (h *Handlers) registerSession(c *gateway.Conn, userID string) {
	session := &registry.Session{UserID: userID, Peer: c, AESKey: c.Key()}
	if previous := h.sessions.Add(session); previous != nil && previous.Peer != registry.Peer(c) {
		if endpoint := previous.TakeEndpoint(); endpoint != nil {
			_ = endpoint.Close()
		}
		_ = previous.Peer.Close()
	}
	c.BindSession(session)
}

func normalizeDisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
