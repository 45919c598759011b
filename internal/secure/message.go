package secure

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reply is the structured message shape used for every server response,
// successful or failed.
type Reply struct {
	MessageID    string      `json:"message_id"`
	Timestamp    string      `json:"timestamp"`
	MsgType      string      `json:"msg_type"`
	Success      bool        `json:"success"`
	Payload      interface{} `json:"payload"`
	ErrorCode    string      `json:"error_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// NewReply builds a successful structured reply with a fresh message id and
// an RFC 3339 UTC timestamp.
func NewReply(msgType string, payload interface{}) *Reply {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Reply{
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:   msgType,
		Success:   true,
		Payload:   payload,
	}
}

// NewErrorReply builds a failed structured reply.
func NewErrorReply(msgType, errorCode, errorMessage string) *Reply {
	if errorCode == "" {
		errorCode = "UNKNOWN_ERROR"
	}
	if errorMessage == "" {
		errorMessage = "An unknown error occurred."
	}
	return &Reply{
		MessageID:    uuid.New().String(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:      msgType,
		Success:      false,
		Payload:      map[string]interface{}{},
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}

// Encode seals the reply under the session key as a wire envelope.
func (r *Reply) Encode(key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return EncryptFrame(key, plaintext)
}
