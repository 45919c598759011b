package protocol

import "encoding/json"

// Message types accepted from clients.
const (
	TypeHandshake          = "handshake"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAuthenticate       = "authenticate"
	TypeSignup             = "signup"
	TypeRefreshToken       = "refresh_token"
	TypeLogout             = "logout"
	TypeAddContact         = "add_contact"
	TypeGetContacts        = "get_contacts"
	TypeCallInvite         = "call_invite"
	TypeCallAccept         = "call_accept"
	TypeCallReject         = "call_reject"
	TypeCallEnd            = "call_end"
	TypeVideoState         = "video_state"
	TypeOffer              = "offer"
	TypeAnswer             = "answer"
	TypeIceCandidate       = "ice_candidate"
	TypeFetchCallHistory   = "fetch_call_history"
	TypeSetModelPreference = "set_model_preference"
	TypeLipPrediction      = "lip_reading_prediction"
)

// TargetServer is the signaling target that addresses the server-side
// media endpoint instead of another user.
const TargetServer = "server"

// Model preferences for the server-side media endpoint.
const (
	ModelLip  = "lip"
	ModelVosk = "vosk"
)

// CloseRateLimited is the websocket close code sent on a rate-limit ban.
const CloseRateLimited = 4008

// Message is the decoded client frame. Payload stays raw so each handler
// can unmarshal its own typed payload.
type Message struct {
	MsgType string          `json:"msg_type"`
	UserID  string          `json:"user_id,omitempty"`
	JWT     string          `json:"jwt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the message payload into a typed struct.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// SessionDescription mirrors the browser RTCSessionDescription shape.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// IceCandidate mirrors the browser RTCIceCandidate JSON shape.
type IceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// Typed payloads, one per client message.

type AuthenticatePayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignupPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type RefreshTokenPayload struct {
	RefreshJWT string `json:"refresh_jwt"`
}

type AddContactPayload struct {
	ContactUsername string `json:"contact_username"`
}

type CallControlPayload struct {
	From    string `json:"from"`
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

type VideoStatePayload struct {
	From   string `json:"from"`
	Target string `json:"target"`
	Video  bool   `json:"video"`
}

type OfferPayload struct {
	From      string             `json:"from"`
	Target    string             `json:"target"`
	Offer     SessionDescription `json:"offer"`
	OtherUser string             `json:"other_user,omitempty"`
}

type AnswerPayload struct {
	From   string             `json:"from"`
	Target string             `json:"target"`
	Answer SessionDescription `json:"answer"`
}

type IceCandidatePayload struct {
	From      string       `json:"from"`
	Target    string       `json:"target"`
	Candidate IceCandidate `json:"candidate"`
}

type FetchCallHistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

type SetModelPreferencePayload struct {
	ModelType string `json:"model_type"`
}

// PredictionPayload is relayed to the remote peer for both the lip and
// speech pipelines.
type PredictionPayload struct {
	From       string `json:"from"`
	Prediction string `json:"prediction"`
}
