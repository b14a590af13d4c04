package config

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// KeySet bundles every cryptographic key the engine needs for a single
// request: the private key that opens a JobEnvelope's outer JWE, the
// issuer public keys that verify its inner JWS, and the Crypt4GH recipient
// private key used by decrypt-crypt4gh / validate-crypt4gh.
type KeySet struct {
	JWEPrivateKey      *rsa.PrivateKey
	JWSPublicKeys      map[string]*rsa.PublicKey // keyed by JWS "kid" header
	Crypt4GHPrivateKey [32]byte
}

// KeyProvider supplies the current KeySet. Implementations may refresh
// their material on an interval (HSMKeyProvider) or hold it fixed
// (InlineKeyProvider); either way Keys never mutates a previously returned
// KeySet in place — a refresh produces a brand new value.
type KeyProvider interface {
	Keys(ctx context.Context) (KeySet, error)
}

// InlineKeyProvider serves a fixed KeySet loaded once at startup, the
// simplest of the two KeyProvider implementations described in the
// original key_provider.py.
type InlineKeyProvider struct{ keys KeySet }

// NewInlineKeyProvider wraps a fixed KeySet.
func NewInlineKeyProvider(k KeySet) *InlineKeyProvider { return &InlineKeyProvider{keys: k} }

func (p *InlineKeyProvider) Keys(_ context.Context) (KeySet, error) { return p.keys, nil }

// HSMKeyProvider fetches key material from an HTTP-exposed HSM endpoint and
// caches it for refreshInterval, matching key_manager_service.py's reload
// story: a new KeySet is built on every refresh and swapped in atomically,
// never mutated.
type HSMKeyProvider struct {
	endpoint        string
	client          *http.Client
	refreshInterval time.Duration

	mu        sync.RWMutex
	cached    KeySet
	fetchedAt time.Time
}

// NewHSMKeyProvider creates a provider that polls endpoint for key material
// no more often than refreshInterval.
func NewHSMKeyProvider(endpoint string, refreshInterval time.Duration) *HSMKeyProvider {
	return &HSMKeyProvider{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 10 * time.Second},
		refreshInterval: refreshInterval,
	}
}

func (p *HSMKeyProvider) Keys(ctx context.Context) (KeySet, error) {
	p.mu.RLock()
	stale := time.Since(p.fetchedAt) > p.refreshInterval || p.fetchedAt.IsZero()
	cached := p.cached
	p.mu.RUnlock()
	if !stale {
		return cached, nil
	}
	return p.refresh(ctx)
}

func (p *HSMKeyProvider) refresh(ctx context.Context) (KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return KeySet{}, fmt.Errorf("hsm key provider: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return KeySet{}, fmt.Errorf("hsm key provider: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return KeySet{}, fmt.Errorf("hsm key provider: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return KeySet{}, fmt.Errorf("hsm key provider: read response: %w", err)
	}

	keys, err := parseKeyDocument(body)
	if err != nil {
		return KeySet{}, err
	}

	p.mu.Lock()
	p.cached = keys
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return keys, nil
}

// keyDocument is the wire shape served by the HSM endpoint.
type keyDocument struct {
	JWEPrivateKeyPEM   string            `json:"jwe_private_key_pem"`
	JWSPublicKeysPEM   map[string]string `json:"jws_public_keys_pem"`
	Crypt4GHPrivateKey string            `json:"crypt4gh_private_key_b64"`
}

func parseKeyDocument(body []byte) (KeySet, error) {
	var doc keyDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return KeySet{}, fmt.Errorf("key document: invalid JSON: %w", err)
	}

	jwePriv, err := parseRSAPrivateKeyPEM(doc.JWEPrivateKeyPEM)
	if err != nil {
		return KeySet{}, fmt.Errorf("key document: jwe_private_key_pem: %w", err)
	}

	jwsPub := make(map[string]*rsa.PublicKey, len(doc.JWSPublicKeysPEM))
	for kid, pemStr := range doc.JWSPublicKeysPEM {
		pub, err := parseRSAPublicKeyPEM(pemStr)
		if err != nil {
			return KeySet{}, fmt.Errorf("key document: jws_public_keys_pem[%s]: %w", kid, err)
		}
		jwsPub[kid] = pub
	}

	var c4gh [32]byte
	raw, err := base64.StdEncoding.DecodeString(doc.Crypt4GHPrivateKey)
	if err != nil {
		return KeySet{}, fmt.Errorf("key document: crypt4gh_private_key_b64: %w", err)
	}
	if len(raw) != 32 {
		return KeySet{}, fmt.Errorf("key document: crypt4gh private key must be 32 bytes, got %d", len(raw))
	}
	copy(c4gh[:], raw)

	return KeySet{JWEPrivateKey: jwePriv, JWSPublicKeys: jwsPub, Crypt4GHPrivateKey: c4gh}, nil
}

func parseRSAPrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA private key")
	}
	return rsaKey, nil
}

func parseRSAPublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA public key")
	}
	return rsaKey, nil
}

// loadInlineKeyProviderFromEnv builds an InlineKeyProvider from local file
// paths, the simpler (non-HSM) half of the original key_provider.py split.
func loadInlineKeyProviderFromEnv() (*InlineKeyProvider, error) {
	jwePath := os.Getenv("JWE_PRIVATE_KEY_PATH")
	c4ghPath := os.Getenv("CRYPT4GH_PRIVATE_KEY_PATH")
	pubDir := os.Getenv("JWS_PUBLIC_KEYS_DIR")
	if jwePath == "" || c4ghPath == "" {
		return nil, fmt.Errorf("config: set HSM_ENDPOINT, or both JWE_PRIVATE_KEY_PATH and CRYPT4GH_PRIVATE_KEY_PATH")
	}

	jwePEM, err := os.ReadFile(jwePath)
	if err != nil {
		return nil, fmt.Errorf("config: reading JWE_PRIVATE_KEY_PATH: %w", err)
	}
	jwePriv, err := parseRSAPrivateKeyPEM(string(jwePEM))
	if err != nil {
		return nil, fmt.Errorf("config: parsing JWE_PRIVATE_KEY_PATH: %w", err)
	}

	c4ghRaw, err := os.ReadFile(c4ghPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading CRYPT4GH_PRIVATE_KEY_PATH: %w", err)
	}
	var c4gh [32]byte
	trimmed := strings.TrimSpace(string(c4ghRaw))
	if decoded, derr := base64.StdEncoding.DecodeString(trimmed); derr == nil && len(decoded) == 32 {
		copy(c4gh[:], decoded)
	} else if len(c4ghRaw) == 32 {
		copy(c4gh[:], c4ghRaw)
	} else {
		return nil, fmt.Errorf("config: CRYPT4GH_PRIVATE_KEY_PATH must hold a 32-byte key (raw or base64)")
	}

	jwsPub := make(map[string]*rsa.PublicKey)
	if pubDir != "" {
		entries, err := os.ReadDir(pubDir)
		if err != nil {
			return nil, fmt.Errorf("config: reading JWS_PUBLIC_KEYS_DIR: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(pubDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", e.Name(), err)
			}
			pub, err := parseRSAPublicKeyPEM(string(data))
			if err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", e.Name(), err)
			}
			kid := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			jwsPub[kid] = pub
		}
	}

	return NewInlineKeyProvider(KeySet{
		JWEPrivateKey:      jwePriv,
		JWSPublicKeys:      jwsPub,
		Crypt4GHPrivateKey: c4gh,
	}), nil
}
