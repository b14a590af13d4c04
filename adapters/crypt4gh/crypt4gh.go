// Package crypt4gh wraps github.com/neicnordic/crypt4gh to implement
// decrypt-crypt4gh, add-recipient-crypt4gh and validate-crypt4gh. Grounded
// on the original engine's pipeline_steps/decrypt_crypt4gh.py,
// pipeline_steps/crypt4gh.py (add-recipient), and
// pipeline_steps/validate_crypt4gh.py, which wrap the equivalent operations
// of the oarepo_c4gh Python binding.
package crypt4gh

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/neicnordic/crypt4gh/model/headers"
	"github.com/neicnordic/crypt4gh/streaming"

	apperrors "github.com/oarepo/file-pipeline-engine/errors"
)

// PrivateKey and PublicKey are Crypt4GH's X25519 key type: 32 raw bytes.
type PrivateKey = [32]byte
type PublicKey = [32]byte

// ParsePublicKeyBase64 decodes a standard-base64-encoded 32-byte X25519
// public key, the wire form add-recipient-crypt4gh's recipient_pub argument
// carries in place of the original engine's armored C4GHKey.from_string.
func ParsePublicKeyBase64(s string) (PublicKey, error) {
	var key PublicKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, apperrors.New(apperrors.CategoryInput, "crypt4gh.parse_public_key", err)
	}
	if len(raw) != 32 {
		return key, apperrors.New(apperrors.CategoryInput, "crypt4gh.parse_public_key",
			fmt.Errorf("public key must be 32 bytes, got %d", len(raw)))
	}
	copy(key[:], raw)
	return key, nil
}

// Decrypt opens a Crypt4GH container for reading. privateKey must open at
// least one of the container's header packets; reads are lazily decrypted
// as the returned reader is consumed.
func Decrypt(r io.Reader, privateKey PrivateKey) (io.Reader, error) {
	reader, err := streaming.NewCrypt4GHReader(r, privateKey, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.CategorySecurity, "crypt4gh.decrypt", err)
	}
	return reader, nil
}

// AddRecipient rewrites a Crypt4GH container's header so recipientPublicKey
// can also open it, leaving the (already encrypted) data blocks untouched:
// only the header packets are decrypted with privateKey and re-encrypted
// for the new recipient.
func AddRecipient(r io.Reader, w io.Writer, privateKey PrivateKey, recipientPublicKey PublicKey) error {
	header, err := headers.ReadHeader(r)
	if err != nil {
		return apperrors.New(apperrors.CategorySecurity, "crypt4gh.add_recipient.read_header", err)
	}

	newHeader, err := headers.ReEncryptHeader(header, privateKey, [][32]byte{recipientPublicKey})
	if err != nil {
		return apperrors.New(apperrors.CategorySecurity, "crypt4gh.add_recipient.reencrypt_header", err)
	}

	if _, err := w.Write(newHeader); err != nil {
		return apperrors.Wrap(apperrors.CategoryInternal, "crypt4gh.add_recipient.write_header", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return apperrors.Wrap(apperrors.CategoryInternal, "crypt4gh.add_recipient.copy_body", err)
	}
	return nil
}

// AddRecipientStream runs AddRecipient on its own goroutine, returning a
// reader for the rewritten container. The crypt4gh header re-encryption
// primitive is push-style (it writes to an io.Writer); piping its output
// through a goroutine is what lets the rest of the engine treat every step
// as a pull-style io.Reader.
func AddRecipientStream(r io.Reader, privateKey PrivateKey, recipientPublicKey PublicKey) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := AddRecipient(r, pw, privateKey, recipientPublicKey)
		pw.CloseWithError(err)
	}()
	return pr
}

// Validate performs a full decrypt pass over r using privateKey, discarding
// plaintext in 64KiB chunks, to confirm the container opens and decrypts
// cleanly end to end.
func Validate(r io.Reader, privateKey PrivateKey) error {
	reader, err := Decrypt(r, privateKey)
	if err != nil {
		return err
	}

	buf := make([]byte, 64*1024)
	for {
		_, err := reader.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.New(apperrors.CategorySecurity, "crypt4gh.validate", err)
		}
	}
}
