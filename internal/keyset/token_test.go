package keyset

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func encodeToken(t *testing.T, header, payload string) string {
	t.Helper()
	enc := base64.RawURLEncoding.EncodeToString
	return enc([]byte(header)) + "." + enc([]byte(payload)) + ".sig"
}

func TestKidFromToken(t *testing.T) {
	token := encodeToken(t, `{"alg":"RS256","kid":"abc123"}`, `{}`)
	kid, err := KidFromToken(token)
	if err != nil || kid != "abc123" {
		t.Fatalf("kid=%q err=%v", kid, err)
	}

	if _, err := KidFromToken("not-a-token"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
	if _, err := KidFromToken(encodeToken(t, `{"alg":"RS256"}`, `{}`)); err == nil {
		t.Fatalf("expected error for missing kid")
	}
}

func TestTokenEmail(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
		ok      bool
	}{
		{"direct claim", `{"email":"user@example.com"}`, "user@example.com", true},
		{"template placeholder", `{"email":"{{user.primary_email}}"}`, "", false},
		{"missing at-sign", `{"email":"not-an-email"}`, "", false},
		{"addresses fallback", `{"email_addresses":[{"email_address":"first@example.com"},{"email_address":"second@example.com"}]}`, "first@example.com", true},
		{"placeholder fallback", `{"email_addresses":[{"email_address":"{{email}}"}]}`, "", false},
		{"no claim", `{"sub":"user_1"}`, "", false},
	}
	for _, c := range cases {
		email, ok := TokenEmail(encodeToken(t, `{"alg":"RS256"}`, c.payload))
		if ok != c.ok || email != c.want {
			t.Fatalf("%s: email=%q ok=%v, want %q %v", c.name, email, ok, c.want, c.ok)
		}
	}
}

func TestSynthesizeSignsWithFreshKey(t *testing.T) {
	first, err := Synthesize("user@example.com", "user_1", "gmail.com")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	second, err := Synthesize("user@example.com", "user_1", "gmail.com")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if first.PublicKey.N.Cmp(second.PublicKey.N) == 0 {
		t.Fatalf("keypair was reused across invocations")
	}

	parsed, err := jwt.Parse(first.Token, func(tok *jwt.Token) (any, error) {
		return first.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("parse synthesized token: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["email"] != "user@example.com" || claims["sub"] != "user_1" {
		t.Fatalf("unexpected claims %v", claims)
	}
	if email, ok := TokenEmail(first.Token); !ok || email != "user@example.com" {
		t.Fatalf("synthesized token does not carry a usable email claim")
	}
	if !strings.HasPrefix(first.PublicKeyPEM, "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("unexpected PEM encoding: %q", first.PublicKeyPEM[:40])
	}
}

func TestSynthesizeRejectsUnusableEmail(t *testing.T) {
	if _, err := Synthesize("{{user.email}}", "user_1", "gmail.com"); err == nil {
		t.Fatalf("expected rejection of placeholder email")
	}
}
