package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/oarepo/file-pipeline-engine/config"
	"github.com/oarepo/file-pipeline-engine/core"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
	"github.com/oarepo/file-pipeline-engine/jobenvelope"
)

type fakeTokenStore struct {
	tokens map[string]string
}

func (f *fakeTokenStore) Take(_ context.Context, id string) (string, error) {
	tok, ok := f.tokens[id]
	if !ok {
		return "", apperrors.New(apperrors.CategoryNotFound, "fake.take", apperrors.ErrTokenNotFound)
	}
	delete(f.tokens, id)
	return tok, nil
}

type fakeKeyProvider struct {
	keys config.KeySet
}

func (f fakeKeyProvider) Keys(_ context.Context) (config.KeySet, error) { return f.keys, nil }

type fakeExecutor struct {
	out *core.StepOutput
	err error
}

func (f *fakeExecutor) Run(_ context.Context, _ *jobenvelope.Claims) (*core.StepOutput, error) {
	return f.out, f.err
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

func sealEnvelope(t *testing.T, jwePub *rsa.PublicKey, jwsPriv *rsa.PrivateKey, kid string, claims jobenvelope.Claims) string {
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

	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.RSA_OAEP, Key: jwePub}, nil)
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

func newStepOutput(data []byte, meta core.Metadata) *core.StepOutput {
	stepIO := core.NewStepIO(bytes.NewReader(data), meta, nil)
	return core.SingleOutput(stepIO)
}

func TestServeHTTPStreamsSingleFile(t *testing.T) {
	jweKey := mustRSAKey(t)
	jwsKey := mustRSAKey(t)
	now := time.Now()

	claims := jobenvelope.Claims{
		IssuedAt:      now.Unix() - 1,
		Expiry:        now.Unix() + 60,
		PipelineSteps: []jobenvelope.StepConfig{{Type: "preview-zip"}},
	}
	token := sealEnvelope(t, &jweKey.PublicKey, jwsKey, "key-1", claims)

	h := &Handler{
		Tokens: &fakeTokenStore{tokens: map[string]string{"tok-1": token}},
		Keys: fakeKeyProvider{keys: config.KeySet{
			JWEPrivateKey: jweKey,
			JWSPublicKeys: map[string]*rsa.PublicKey{"key-1": &jwsKey.PublicKey},
		}},
		Executor: &fakeExecutor{out: newStepOutput([]byte(`{"ok":true}`), core.Metadata{
			"file_name":  "preview.json",
			"media_type": "application/json",
		})},
		PathPrefix: "/files",
		Leeway:     5 * time.Second,
	}

	req := httptest.NewRequest(http.MethodGet, "/files/tok-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if disp := rec.Header().Get("Content-Disposition"); !strings.Contains(disp, "preview.json") {
		t.Fatalf("Content-Disposition = %q", disp)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestServeHTTPTokenNotFoundIs404(t *testing.T) {
	h := &Handler{
		Tokens:     &fakeTokenStore{tokens: map[string]string{}},
		Keys:       fakeKeyProvider{},
		Executor:   &fakeExecutor{},
		PathPrefix: "/files",
		Leeway:     5 * time.Second,
	}

	req := httptest.NewRequest(http.MethodGet, "/files/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error != "404" || body.Message != "Token not found or expired" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestServeHTTPRejectsBadPrefix(t *testing.T) {
	h := &Handler{
		Tokens:     &fakeTokenStore{},
		Keys:       fakeKeyProvider{},
		Executor:   &fakeExecutor{},
		PathPrefix: "/files",
		Leeway:     5 * time.Second,
	}

	req := httptest.NewRequest(http.MethodGet, "/wrong/tok-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServeHTTPRejectsMissingTokenSegment(t *testing.T) {
	h := &Handler{
		Tokens:     &fakeTokenStore{},
		Keys:       fakeKeyProvider{},
		Executor:   &fakeExecutor{},
		PathPrefix: "/files",
		Leeway:     5 * time.Second,
	}

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestServeHTTPExpiredTokenIs404(t *testing.T) {
	jweKey := mustRSAKey(t)
	jwsKey := mustRSAKey(t)
	now := time.Now()

	claims := jobenvelope.Claims{
		IssuedAt:      now.Unix() - 120,
		Expiry:        now.Unix() - 60,
		PipelineSteps: []jobenvelope.StepConfig{{Type: "validate-crypt4gh"}},
	}
	token := sealEnvelope(t, &jweKey.PublicKey, jwsKey, "key-1", claims)

	h := &Handler{
		Tokens: &fakeTokenStore{tokens: map[string]string{"tok-1": token}},
		Keys: fakeKeyProvider{keys: config.KeySet{
			JWEPrivateKey: jweKey,
			JWSPublicKeys: map[string]*rsa.PublicKey{"key-1": &jwsKey.PublicKey},
		}},
		Executor:   &fakeExecutor{},
		PathPrefix: "/files",
		Leeway:     5 * time.Second,
	}

	req := httptest.NewRequest(http.MethodGet, "/files/tok-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestServeHTTPRejectsNonGet(t *testing.T) {
	h := &Handler{
		Tokens:     &fakeTokenStore{},
		Keys:       fakeKeyProvider{},
		Executor:   &fakeExecutor{},
		PathPrefix: "/files",
		Leeway:     5 * time.Second,
	}

	req := httptest.NewRequest(http.MethodPost, "/files/tok-1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
