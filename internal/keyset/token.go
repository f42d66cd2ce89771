package keyset

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KidFromToken extracts the signing-key id from an identity token's header.
func KidFromToken(token string) (string, error) {
	header, err := decodeSegment(token, 0)
	if err != nil {
		return "", err
	}
	var h struct {
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(header, &h); err != nil {
		return "", fmt.Errorf("decode token header: %w", err)
	}
	if h.Kid == "" {
		return "", errors.New("token header has no kid")
	}
	return h.Kid, nil
}

// TokenEmail returns the verified email claim carried by the token, if any.
// Template placeholders left unexpanded by an upstream provider do not count.
func TokenEmail(token string) (string, bool) {
	payload, err := decodeSegment(token, 1)
	if err != nil {
		return "", false
	}
	var claims struct {
		Email          string `json:"email"`
		EmailAddresses []struct {
			EmailAddress string `json:"email_address"`
		} `json:"email_addresses"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	if usableEmail(claims.Email) {
		return claims.Email, true
	}
	if len(claims.EmailAddresses) > 0 && usableEmail(claims.EmailAddresses[0].EmailAddress) {
		return claims.EmailAddresses[0].EmailAddress, true
	}
	return "", false
}

func usableEmail(email string) bool {
	return email != "" &&
		strings.Contains(email, "@") &&
		!strings.Contains(email, "{{") &&
		!strings.Contains(email, "}}")
}

// SynthesizedToken is a short-lived self-signed replacement token and the
// one-time public key that verifies it.
type SynthesizedToken struct {
	Token        string
	PublicKey    *rsa.PublicKey
	PublicKeyPEM string
}

// Synthesize builds a fresh RS256 token carrying the given email claim,
// signed with a keypair generated for this call only.
func Synthesize(email, subject, audience string) (SynthesizedToken, error) {
	if !usableEmail(email) {
		return SynthesizedToken{}, fmt.Errorf("cannot synthesize token for unusable email %q", email)
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return SynthesizedToken{}, fmt.Errorf("generate keypair: %w", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"email":          email,
		"email_verified": true,
		"sub":            subject,
		"iss":            "connectsphere-verification",
		"aud":            audience,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		return SynthesizedToken{}, fmt.Errorf("sign token: %w", err)
	}
	pemKey, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return SynthesizedToken{}, err
	}
	return SynthesizedToken{Token: token, PublicKey: &priv.PublicKey, PublicKeyPEM: pemKey}, nil
}

// EncodePublicKeyPEM renders the canonical PEM (PKIX) form handed to the
// proof subprocess.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func decodeSegment(token string, idx int) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 || idx >= len(parts) {
		return nil, errors.New("malformed token")
	}
	seg, err := base64.RawURLEncoding.DecodeString(parts[idx])
	if err != nil {
		// Some issuers pad their segments.
		seg, err = base64.URLEncoding.DecodeString(parts[idx])
		if err != nil {
			return nil, fmt.Errorf("decode token segment: %w", err)
		}
	}
	return seg, nil
}
