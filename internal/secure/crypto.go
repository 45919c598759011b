package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the AES-256 key length derived by the handshake.
	SessionKeySize = 32
	// SaltSize is the random salt length generated per handshake.
	SaltSize = 16
	// NonceSize is the AES-GCM nonce length, fresh per frame.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16

	// hkdfInfo binds derived keys to the control-channel handshake.
	hkdfInfo = "handshake data"
)

var (
	ErrInvalidEnvelope = errors.New("invalid encrypted envelope")
	ErrDecryptFailed   = errors.New("decryption failed")
)

// GenerateEphemeralKeypair creates a fresh X25519 keypair for one handshake.
// The private key never outlives the connection it was generated for.
func GenerateEphemeralKeypair() (*ecdh.PrivateKey, []byte, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	return priv, priv.PublicKey().Bytes(), nil
}

// NewSalt returns SaltSize cryptographically random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate handshake salt: %w", err)
	}
	return salt, nil
}

// ParsePeerPublicKey reconstructs the client's raw 32-byte X25519 public key.
func ParsePeerPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid client public key: %w", err)
	}
	return pub, nil
}

// DeriveSessionKey computes the shared X25519 secret and expands it into a
// 256-bit AES key with HKDF-SHA256. The salt is the base64 TEXT of the
// handshake salt bytes, exactly as it appeared on the wire; both sides must
// feed HKDF the same octets.
func DeriveSessionKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, salt []byte) ([]byte, error) {
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}

// Envelope is the encrypted wire frame. All three fields are base64.
type Envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Encrypt seals plaintext under the session key with AES-256-GCM and a
// fresh random 96-bit nonce.
func Encrypt(key, plaintext []byte) (*Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return &Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens an envelope. Any failure (bad base64, truncation, tag
// mismatch, wrong key) is reported as ErrDecryptFailed; the caller treats it
// as fatal for the current frame only.
func Decrypt(key []byte, env *Envelope) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, ErrDecryptFailed
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// DecodeFrame parses a raw websocket frame. Encrypted envelopes are detected
// by the presence of all three envelope fields; anything else is treated as
// plaintext JSON (only legal for the handshake).
func DecodeFrame(key, raw []byte) (plaintext []byte, encrypted bool, err error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Nonce == "" || env.Ciphertext == "" || env.Tag == "" {
		return raw, false, nil
	}
	plaintext, err = Decrypt(key, &env)
	if err != nil {
		return nil, true, err
	}
	return plaintext, true, nil
}

// EncryptFrame seals plaintext and renders the envelope as wire JSON.
func EncryptFrame(key, plaintext []byte) ([]byte, error) {
	env, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise AES-GCM: %w", err)
	}
	return aead, nil
}
