package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseWriterToken(t *testing.T) {
	secret := []byte("secret")
	token, expiresAt, err := IssueWriterToken(secret, Identity{WriterID: "wr_1", Name: "Nova", Role: "writer"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueWriterToken() error = %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	id, err := IdentityFromToken(secret, token)
	if err != nil {
		t.Fatalf("IdentityFromToken() error = %v", err)
	}
	if id.WriterID != "wr_1" || id.Name != "Nova" || id.Role != "writer" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "wr_1",
		Name: "Nova",
		Role: "writer",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	token, _, err := IssueWriterToken([]byte("secret"), Identity{WriterID: "wr_1", Name: "Nova", Role: "writer"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueWriterToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: err = %v", err)
	}
	payload, sig, _ := strings.Cut(token, ".")
	if _, err := ParseToken([]byte("secret"), payload+"x."+sig); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered payload: err = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: err = %v", err)
	}
}
