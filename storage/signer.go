package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned for malformed or tampered tokens
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for well-formed tokens past their expiry
	ErrTokenExpired = errors.New("token expired")
)

// DefaultLinkTTL is the lifetime of a signed link when none is requested
const DefaultLinkTTL = 30 * time.Minute

type tokenPayload struct {
	Filename string `json:"filename"`
	Exp      int64  `json:"exp"`
}

// Signer issues and verifies stateless, expiring download tokens.
// A token is base64url(json{filename, exp}) + "." + hex(HMAC-SHA256(secret, payload)).
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a new signer
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign returns a token granting access to key for ttl
func (s *Signer) Sign(key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}

	payload, err := json.Marshal(tokenPayload{
		Filename: key,
		Exp:      s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.mac(encoded), nil
}

// Verify checks a token and returns the key it grants
func (s *Signer) Verify(token string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return "", ErrInvalidToken
	}

	given, err := hex.DecodeString(sig)
	if err != nil {
		return "", ErrInvalidToken
	}
	expected, _ := hex.DecodeString(s.mac(encoded))
	if !hmac.Equal(given, expected) {
		return "", ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Filename == "" {
		return "", ErrInvalidToken
	}

	if s.now().Unix() > payload.Exp {
		return "", ErrTokenExpired
	}
	return payload.Filename, nil
}

func (s *Signer) mac(encoded string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(encoded))
	return hex.EncodeToString(h.Sum(nil))
}
