package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func jwksHandler(t *testing.T, fetches *int32, cacheControl string, keys ...jwksKey) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(fetches, 1)
		if cacheControl != "" {
			w.Header().Set("Cache-Control", cacheControl)
		}
		_ = json.NewEncoder(w).Encode(jwksDocument{Keys: keys})
	}
}

func rawKey(t *testing.T, kid string, pub *rsa.PublicKey) jwksKey {
	t.Helper()
	e := big.NewInt(int64(pub.E))
	return jwksKey{
		Kid: kid,
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(e.Bytes()),
	}
}

func certKey(t *testing.T, kid string, priv *rsa.PrivateKey) jwksKey {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "keyset-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return jwksKey{Kid: kid, X5c: []string{base64.StdEncoding.EncodeToString(der)}}
}

func TestResolveBothEncodings(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches int32
	srv := httptest.NewServer(jwksHandler(t, &fetches, "",
		rawKey(t, "raw-kid", &priv.PublicKey),
		certKey(t, "cert-kid", priv),
		jwksKey{Kid: "broken", X5c: []string{"not-base64!!"}},
	))
	defer srv.Close()

	r := NewResolver(ResolverConfig{URL: srv.URL})
	ctx := context.Background()

	for _, kid := range []string{"raw-kid", "cert-kid"} {
		pub, err := r.Resolve(ctx, kid)
		if err != nil {
			t.Fatalf("resolve %s: %v", kid, err)
		}
		if pub.N.Cmp(priv.PublicKey.N) != 0 || pub.E != priv.PublicKey.E {
			t.Fatalf("resolve %s returned a different key", kid)
		}
	}
	// One refresh served both lookups; the broken entry was skipped without
	// failing the refresh.
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("expected 1 fetch, saw %d", n)
	}
	if _, err := r.Resolve(ctx, "broken"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey for skipped entry, got %v", err)
	}
}

func TestResolveUnknownKidNamesAvailable(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches int32
	srv := httptest.NewServer(jwksHandler(t, &fetches, "", rawKey(t, "only-kid", &priv.PublicKey)))
	defer srv.Close()

	r := NewResolver(ResolverConfig{URL: srv.URL})
	_, err = r.Resolve(context.Background(), "missing")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if !strings.Contains(err.Error(), "(available: only-kid)") {
		t.Fatalf("error %q does not name available kids", err)
	}
}

func TestResolveCacheExpiry(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches int32
	srv := httptest.NewServer(jwksHandler(t, &fetches, "public, max-age=1", rawKey(t, "kid-1", &priv.PublicKey)))
	defer srv.Close()

	r := NewResolver(ResolverConfig{URL: srv.URL})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, "kid-1"); err != nil {
			t.Fatalf("resolve #%d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Fatalf("cached lookups triggered %d fetches, want 1", n)
	}

	r.mu.Lock()
	r.expiresAt = time.Now().Add(-time.Second)
	r.mu.Unlock()
	if _, err := r.Resolve(ctx, "kid-1"); err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Fatalf("expired lookup triggered %d fetches, want 2", n)
	}
}

func TestCacheTTLParsing(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"public, max-age=3600, must-revalidate", time.Hour},
		{"MAX-AGE=60", time.Minute},
		{"no-store", 5 * time.Minute},
		{"", 5 * time.Minute},
		{"max-age=0", 5 * time.Minute},
	}
	for _, c := range cases {
		if got := cacheTTL(c.header, 5*time.Minute); got != c.want {
			t.Fatalf("cacheTTL(%q) = %v, want %v", c.header, got, c.want)
		}
	}
}

func TestResolveFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewResolver(ResolverConfig{URL: srv.URL})
	if _, err := r.Resolve(context.Background(), "any"); err == nil {
		t.Fatalf("expected refresh failure to surface")
	}
}
