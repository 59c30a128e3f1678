// Package auth signs and checks HS256 operator tokens for the admin API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrForbidden    = errors.New("token lacks scope")
)

const (
	ScopeRead  = "topology:read"
	ScopeWrite = "topology:write"
)

type Claims struct {
	Operator string   `json:"sub"`
	Scopes   []string `json:"scp"`
	Exp      int64    `json:"exp"`
}

func (c Claims) Allows(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

var encodedHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

type Signer struct {
	Secret []byte
	Now    func() time.Time
	TTL    time.Duration
}

func NewSigner(secret string, ttl time.Duration) Signer {
	return Signer{
		Secret: []byte(secret),
		Now:    func() time.Time { return time.Now().UTC() },
		TTL:    ttl,
	}
}

func (s Signer) Sign(operator string, scopes ...string) (string, error) {
	payload, err := json.Marshal(Claims{
		Operator: operator,
		Scopes:   scopes,
		Exp:      s.Now().Add(s.TTL).Unix(),
	})
	if err != nil {
		return "", err
	}
	signed := encodedHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signed + "." + base64.RawURLEncoding.EncodeToString(s.mac(signed)), nil
}

// Check parses token and verifies it carries scope.
func (s Signer) Check(token, scope string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(s.mac(parts[0]+"."+parts[1]), sig) {
		return Claims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Operator == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if s.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	if !claims.Allows(scope) {
		return claims, ErrForbidden
	}
	return claims, nil
}

func (s Signer) mac(data string) []byte {
	h := hmac.New(sha256.New, s.Secret)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func BearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
