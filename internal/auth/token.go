// Package auth issues and verifies the signed access tokens writers present
// to the API and to the live channel.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lyricsync/internal/util"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Identity is who a token speaks for.
type Identity struct {
	WriterID string
	Name     string
	Role     string
}

// IssueWriterToken signs a token for id valid for ttl from now.
func IssueWriterToken(secret []byte, id Identity, ttl time.Duration) (string, time.Time, error) {
	if id.WriterID == "" || id.Name == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	expiresAt := time.Now().Add(ttl)
	token, err := IssueToken(secret, Claims{
		Sub:  id.WriterID,
		Name: id.Name,
		Role: id.Role,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + sign(secret, payload), nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// IdentityFromToken parses token and returns the writer it was issued to.
func IdentityFromToken(secret []byte, token string) (Identity, error) {
	claims, err := ParseToken(secret, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{WriterID: claims.Sub, Name: claims.Name, Role: claims.Role}, nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
