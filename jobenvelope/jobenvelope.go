// Package jobenvelope implements [C6]: opening a JobEnvelope token, an outer
// JWE(RSA-OAEP, A256GCM) wrapping an inner JWS(RS256) whose payload carries
// the pipeline steps to run. Grounded on the original engine's
// utils.get_payload, which performs the same two-layer decrypt/verify with a
// 5-second exp/iat leeway.
package jobenvelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/oarepo/file-pipeline-engine/config"
	apperrors "github.com/oarepo/file-pipeline-engine/errors"
)

// StepConfig is one entry of a Claims.PipelineSteps list: a step kind name
// plus the string-keyed arguments it receives.
type StepConfig struct {
	Type      string            `json:"type"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Claims is the JobEnvelope's inner JWS payload.
type Claims struct {
	IssuedAt      int64        `json:"iat"`
	Expiry        int64        `json:"exp"`
	PipelineSteps []StepConfig `json:"pipeline_steps"`
	// SourceURL, when present, is passed as the first step's source_url
	// argument instead of requiring an upstream step's output.
	SourceURL string `json:"source_url,omitempty"`
}

var (
	allowedKeyAlgorithms = []jose.KeyAlgorithm{jose.RSA_OAEP, jose.RSA_OAEP_256}
	allowedContentEnc    = []jose.ContentEncryption{jose.A256GCM}
	allowedSigAlgorithms = []jose.SignatureAlgorithm{jose.RS256}
)

// Open decrypts and verifies a compact JobEnvelope token, evaluated against
// the instant now with the given clock-skew leeway.
func Open(token string, keys config.KeySet, leeway time.Duration, now time.Time) (*Claims, error) {
	jwe, err := jose.ParseEncrypted(token, allowedKeyAlgorithms, allowedContentEnc)
	if err != nil {
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.parse_jwe", err)
	}

	jwsBytes, err := jwe.Decrypt(keys.JWEPrivateKey)
	if err != nil {
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.decrypt_jwe", err)
	}

	jws, err := jose.ParseSigned(string(jwsBytes), allowedSigAlgorithms)
	if err != nil {
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.parse_jws", err)
	}
	if len(jws.Signatures) == 0 {
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.parse_jws",
			fmt.Errorf("token carries no JWS signatures"))
	}

	kid := jws.Signatures[0].Header.KeyID
	pub, err := resolvePublicKey(keys, kid)
	if err != nil {
		return nil, err
	}

	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.verify_jws", apperrors.ErrBadSignature)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, "jobenvelope.decode_claims", err)
	}

	if err := validateTimes(claims, leeway, now); err != nil {
		return nil, err
	}
	if len(claims.PipelineSteps) == 0 {
		return nil, apperrors.New(apperrors.CategoryInput, "jobenvelope.validate",
			fmt.Errorf("pipeline_steps is empty"))
	}
	return &claims, nil
}

func resolvePublicKey(keys config.KeySet, kid string) (any, error) {
	if kid == "" {
		if len(keys.JWSPublicKeys) == 1 {
			for _, pub := range keys.JWSPublicKeys {
				return pub, nil
			}
		}
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.resolve_key",
			fmt.Errorf("token carries no kid and more than one JWS public key is configured"))
	}
	pub, ok := keys.JWSPublicKeys[kid]
	if !ok {
		return nil, apperrors.New(apperrors.CategorySecurity, "jobenvelope.resolve_key",
			fmt.Errorf("unknown signing key id %q", kid))
	}
	return pub, nil
}

func validateTimes(c Claims, leeway time.Duration, now time.Time) error {
	exp := time.Unix(c.Expiry, 0)
	iat := time.Unix(c.IssuedAt, 0)
	if now.After(exp.Add(leeway)) {
		return apperrors.New(apperrors.CategoryNotFound, "jobenvelope.validate", apperrors.ErrTokenExpired)
	}
	if now.Before(iat.Add(-leeway)) {
		return apperrors.New(apperrors.CategorySecurity, "jobenvelope.validate", apperrors.ErrTokenNotYetValid)
	}
	return nil
}
