package jobenvelope

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/oarepo/file-pipeline-engine/config"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
)

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

func sealEnvelope(t *testing.T, jwePub *rsa.PublicKey, jwsPriv *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	signerOpts := (&jose.SignerOptions{}).WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: jwsPriv}, signerOpts)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	jwsCompact, err := signed.CompactSerialize()
	if err != nil {
		t.Fatalf("compact serialize jws: %v", err)
	}

	encrypter, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP, Key: jwePub}, nil)
	if err != nil {
		t.Fatalf("new encrypter: %v", err)
	}
	encrypted, err := encrypter.Encrypt([]byte(jwsCompact))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	jweCompact, err := encrypted.CompactSerialize()
	if err != nil {
		t.Fatalf("compact serialize jwe: %v", err)
	}
	return jweCompact
}

func TestOpenValidToken(t *testing.T) {
	jweKey := mustRSAKey(t)
	jwsKey := mustRSAKey(t)
	now := time.Unix(1_800_000_000, 0)

	claims := Claims{
		IssuedAt: now.Unix() - 1,
		Expiry:   now.Unix() + 60,
		PipelineSteps: []StepConfig{
			{Type: "decrypt-crypt4gh", Arguments: map[string]string{"source_url": "https://example/obj"}},
		},
	}
	token := sealEnvelope(t, &jweKey.PublicKey, jwsKey, "key-1", claims)

	keys := config.KeySet{
		JWEPrivateKey: jweKey,
		JWSPublicKeys: map[string]*rsa.PublicKey{"key-1": &jwsKey.PublicKey},
	}

	got, err := Open(token, keys, 5*time.Second, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(got.PipelineSteps) != 1 || got.PipelineSteps[0].Type != "decrypt-crypt4gh" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestOpenRejectsExpired(t *testing.T) {
	jweKey := mustRSAKey(t)
	jwsKey := mustRSAKey(t)
	now := time.Unix(1_800_000_000, 0)

	claims := Claims{
		IssuedAt:      now.Unix() - 120,
		Expiry:        now.Unix() - 60,
		PipelineSteps: []StepConfig{{Type: "validate-crypt4gh"}},
	}
	token := sealEnvelope(t, &jweKey.PublicKey, jwsKey, "key-1", claims)

	keys := config.KeySet{
		JWEPrivateKey: jweKey,
		JWSPublicKeys: map[string]*rsa.PublicKey{"key-1": &jwsKey.PublicKey},
	}

	_, err := Open(token, keys, 5*time.Second, now)
	if !apperrors.IsCategory(err, apperrors.CategoryNotFound) {
		t.Fatalf("expected a not-found-category error, got %v", err)
	}
}

func TestOpenRejectsUnknownKid(t *testing.T) {
	jweKey := mustRSAKey(t)
	jwsKey := mustRSAKey(t)
	now := time.Unix(1_800_000_000, 0)

	claims := Claims{
		IssuedAt:      now.Unix(),
		Expiry:        now.Unix() + 60,
		PipelineSteps: []StepConfig{{Type: "validate-crypt4gh"}},
	}
	token := sealEnvelope(t, &jweKey.PublicKey, jwsKey, "other-key", claims)

	keys := config.KeySet{
		JWEPrivateKey: jweKey,
		JWSPublicKeys: map[string]*rsa.PublicKey{"key-1": &jwsKey.PublicKey},
	}

	_, err := Open(token, keys, 5*time.Second, now)
	if err == nil {
		t.Fatal("expected an error for an unrecognized kid")
	}
}
