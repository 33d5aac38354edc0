// Package streamticket implements the single-use stream ticket exchange
// that authorizes the long-lived SSE connection: bearer credentials cannot
// be attached to an EventSource request, so an authenticated client trades
// its bearer for a short-lived, single-use, HMAC-signed ticket delivered as
// an HTTP-only cookie.
package streamticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ticketAlg = "HS256"
	ticketTyp = "PBST"
)

// CookieName is the HTTP-only cookie the ticket is delivered in and the
// name the SSE handshake reads it back from.
const CookieName = "notesync_stream_ticket"

// Header is the unsigned ticket header.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the signed ticket body.
type Claims struct {
	Sub      string `json:"sub"`
	DeviceID string `json:"deviceId"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	JTI      string `json:"jti"`
}

// Minter issues signed tickets.
type Minter struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{Secret: []byte(secret), TTL: ttl, Now: time.Now}
}

// Mint produces a dotted-triple ticket string and its Claims.
func (m *Minter) Mint(externalUserID, deviceID string) (string, Claims, error) {
	now := m.Now().UTC()
	claims := Claims{
		Sub:      externalUserID,
		DeviceID: deviceID,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(m.TTL).Unix(),
		JTI:      uuid.NewString(),
	}

	headerB64, err := encodeJSON(Header{Alg: ticketAlg, Typ: ticketTyp})
	if err != nil {
		return "", Claims{}, err
	}
	claimsB64, err := encodeJSON(claims)
	if err != nil {
		return "", Claims{}, err
	}

	sig := sign(m.Secret, headerB64, claimsB64)
	ticket := fmt.Sprintf("%s.%s.%s", headerB64, claimsB64, sig)
	return ticket, claims, nil
}

// Verify checks structure, signature, and expiry (but not replay — that is
// the caller's responsibility via a ReplayStore). Returns the validated claims.
func Verify(secret []byte, ticket string) (Claims, error) {
	parts := splitTicket(ticket)
	if len(parts) != 3 {
		return Claims{}, errors.New("malformed ticket: expected 3 dotted segments")
	}
	headerB64, claimsB64, sigB64 := parts[0], parts[1], parts[2]

	expected := sign(secret, headerB64, claimsB64)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sigB64)) != 1 {
		return Claims{}, errors.New("signature mismatch")
	}

	var header Header
	if err := decodeJSON(headerB64, &header); err != nil {
		return Claims{}, fmt.Errorf("decode header: %w", err)
	}
	if header.Alg != ticketAlg || header.Typ != ticketTyp {
		return Claims{}, errors.New("unexpected ticket header")
	}

	var claims Claims
	if err := decodeJSON(claimsB64, &claims); err != nil {
		return Claims{}, fmt.Errorf("decode claims: %w", err)
	}

	if claims.Expiry <= time.Now().Unix() {
		return Claims{}, errExpired
	}

	return claims, nil
}

var errExpired = errors.New("ticket expired")

// IsExpired reports whether err is the expiry sentinel from Verify.
func IsExpired(err error) bool {
	return errors.Is(err, errExpired)
}

func sign(secret []byte, headerB64, claimsB64 string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(headerB64 + "." + claimsB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeJSON(b64 string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func splitTicket(ticket string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(ticket); i++ {
		if ticket[i] == '.' {
			parts = append(parts, ticket[start:i])
			start = i + 1
		}
	}
	parts = append(parts, ticket[start:])
	return parts
}
