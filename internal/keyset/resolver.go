package keyset

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nonce-ns/connectsphere-soundness-poc/internal/observability"
)

// ErrUnknownKey is returned when a kid is absent from the remote key set even
// after a full refresh.
var ErrUnknownKey = errors.New("unknown signing key")

const (
	DefaultJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	defaultCacheTTL = 5 * time.Minute
)

type ResolverConfig struct {
	URL        string
	HTTPClient *http.Client
	DefaultTTL time.Duration
	Metrics    *observability.Registry
}

// Resolver caches the remote signing-key set with one shared expiry. A lookup
// miss or an elapsed expiry triggers a wholesale refresh that replaces the
// cache, never a partial merge.
type Resolver struct {
	url        string
	client     *http.Client
	defaultTTL time.Duration
	metrics    *observability.Registry

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.URL == "" {
		cfg.URL = DefaultJWKSURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultCacheTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Default
	}
	return &Resolver{
		url:        cfg.URL,
		client:     cfg.HTTPClient,
		defaultTTL: cfg.DefaultTTL,
		metrics:    cfg.Metrics,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Resolve returns the canonical public key for kid, refreshing the whole
// cached set when the cache has expired or does not contain the kid.
func (r *Resolver) Resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Now().Before(r.expiresAt) {
		if key, ok := r.keys[kid]; ok {
			return key, nil
		}
	}
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := r.keys[kid]; ok {
		return key, nil
	}
	available := make([]string, 0, len(r.keys))
	for k := range r.keys {
		available = append(available, k)
	}
	sort.Strings(available)
	return nil, fmt.Errorf("%w: kid %q not in remote set (available: %s)",
		ErrUnknownKey, kid, strings.Join(available, ", "))
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string   `json:"kid"`
	Kty string   `json:"kty"`
	N   string   `json:"n"`
	E   string   `json:"e"`
	X5c []string `json:"x5c"`
}

func (r *Resolver) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("build key-set request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch key set: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read key set: %w", err)
	}
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	fresh := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := convertKey(k)
		if err != nil {
			// A single unconvertible entry must not poison the refresh.
			log.Printf("keyset: skipping kid=%s: %v", k.Kid, err)
			continue
		}
		fresh[k.Kid] = pub
	}

	r.keys = fresh
	r.expiresAt = time.Now().Add(cacheTTL(resp.Header.Get("Cache-Control"), r.defaultTTL))
	r.metrics.IncCounter("keyset_refresh_total", nil, 1)
	r.metrics.SetGauge("keyset_cached_keys", nil, float64(len(fresh)))
	log.Printf("keyset: refreshed %d key(s) from %s", len(fresh), r.url)
	return nil
}

// convertKey normalizes either supported encoding (x5c certificate or raw
// modulus/exponent) into an *rsa.PublicKey.
func convertKey(k jwksKey) (*rsa.PublicKey, error) {
	if len(k.X5c) > 0 && k.X5c[0] != "" {
		der, err := base64.StdEncoding.DecodeString(k.X5c[0])
		if err != nil {
			return nil, fmt.Errorf("decode certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate does not carry an RSA key")
		}
		return pub, nil
	}
	if k.Kty != "" && k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	if k.N == "" || k.E == "" {
		return nil, errors.New("key has neither x5c nor modulus/exponent")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("non-positive exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

var maxAgeRe = regexp.MustCompile(`(?i)max-age=(\d+)`)

func cacheTTL(cacheControl string, fallback time.Duration) time.Duration {
	m := maxAgeRe.FindStringSubmatch(cacheControl)
	if len(m) != 2 {
		return fallback
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
