// Package authn implements the identity & device gate: bearer credential
// verification (RS256 via a cached JWKS, or HS256 for dev/internal tokens),
// insert-or-touch user resolution, and per-request device binding.
package authn

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Config holds JWT verification configuration, loaded from environment.
type Config struct {
	HS256Secret string
	DevMode     bool
	DevUserID   string
	Issuer      string
	JWKSURL     string
	Audience    string
}

type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
	jwksURL    string
	httpClient *http.Client
}

type jwksResponse struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *jwksCache) fetchJWKS(forceRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && time.Since(c.lastFetch) < c.cacheTTL && len(c.keys) > 0 {
		return nil
	}

	resp, err := c.httpClient.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read jwks response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Use != "sig" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to decode jwks modulus")
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			log.Warn().Err(err).Str("kid", key.Kid).Msg("failed to decode jwks exponent")
			continue
		}
		var eInt int
		for _, b := range eBytes {
			eInt = eInt<<8 | int(b)
		}
		keys[key.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}
	}

	if len(keys) == 0 {
		return errors.New("no valid RSA signing keys found in JWKS")
	}

	c.keys = keys
	c.lastFetch = time.Now()
	log.Info().Int("key_count", len(keys)).Msg("refreshed JWKS cache")
	return nil
}

func (c *jwksCache) getPublicKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	expired := time.Since(c.lastFetch) >= c.cacheTTL
	c.mu.RUnlock()

	if expired {
		if err := c.fetchJWKS(false); err != nil {
			log.Warn().Err(err).Msg("failed to refresh expired JWKS cache, using stale keys")
		}
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.fetchJWKS(true); err != nil {
		return nil, fmt.Errorf("fetch jwks for missing kid %s: %w", kid, err)
	}
	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kid %s not found in JWKS after refresh", kid)
	}
	return key, nil
}

// Verifier validates bearer credentials and resolves an external subject.
type Verifier struct {
	cfg   Config
	jwks  *jwksCache
}

// NewVerifier constructs a Verifier, pre-fetching the JWKS if configured.
func NewVerifier(cfg Config) *Verifier {
	v := &Verifier{cfg: cfg}
	if cfg.JWKSURL != "" {
		v.jwks = &jwksCache{
			keys:       make(map[string]*rsa.PublicKey),
			cacheTTL:   time.Hour,
			jwksURL:    cfg.JWKSURL,
			httpClient: &http.Client{Timeout: 10 * time.Second},
		}
		if err := v.jwks.fetchJWKS(false); err != nil {
			log.Warn().Err(err).Msg("failed to pre-fetch JWKS, will retry on first request")
		}
	}
	return v
}

// ValidateToken verifies tokenString and returns its external subject claim.
func (v *Verifier) ValidateToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("token is empty")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			if v.jwks == nil {
				return nil, errors.New("no JWKS configured for RS256 tokens")
			}
			kid, ok := t.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return v.jwks.getPublicKey(kid)
		case *jwt.SigningMethodHMAC:
			if v.cfg.HS256Secret == "" {
				return nil, errors.New("HS256 secret not configured")
			}
			return []byte(v.cfg.HS256Secret), nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("jwt validation failed: %w", err)
	}

	if v.cfg.Issuer != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != v.cfg.Issuer {
			return "", fmt.Errorf("invalid issuer")
		}
	}
	if v.cfg.Audience != "" {
		if !audienceMatches(claims["aud"], v.cfg.Audience) {
			return "", fmt.Errorf("invalid audience")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing or invalid sub claim")
	}
	return sub, nil
}

func audienceMatches(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

type ctxKey string

const ctxExternalID ctxKey = "authn.externalID"

func withExternalID(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, ctxExternalID, sub)
}

// ExternalID extracts the resolved external subject from context.
func ExternalID(ctx context.Context) string {
	if v := ctx.Value(ctxExternalID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ResolveSubject extracts and verifies the bearer credential from r,
// falling back to the X-Debug-Sub development override header, and then to
// cfg.DevUserID, when cfg.DevMode is set and no bearer token is present. It
// does not touch the database; the caller (device gate middleware) is
// responsible for user/device upsert.
func (v *Verifier) ResolveSubject(r *http.Request) (string, error) {
	tok := ""
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		tok = h[7:]
	}

	if v.cfg.DevMode && tok == "" {
		if sub := r.Header.Get("X-Debug-Sub"); sub != "" {
			return sub, nil
		}
		if v.cfg.DevUserID != "" {
			return v.cfg.DevUserID, nil
		}
	}

	if tok == "" {
		return "", errors.New("missing bearer credential")
	}
	return v.ValidateToken(tok)
}
