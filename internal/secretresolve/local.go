package secretresolve

import (
	"context"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ocx/extrun/internal/apierr"
)

// LocalEnvelopeDecrypter handles the inline envelope shape: plain
// base64-encoded JSON by default, or ChaCha20-Poly1305-sealed JSON when
// the envelope's algorithm is "local-aead" (the ciphertext is then the
// base64 of nonce||sealed, and AEADKey must be set). AEADKey is read from
// SECRET_LOCAL_AEAD_KEY (32 raw bytes, base64-encoded).
type LocalEnvelopeDecrypter struct {
	AEADKey []byte // 32 bytes, or nil to disable local-aead
}

func (d *LocalEnvelopeDecrypter) Decrypt(ctx context.Context, env Envelope) (map[string]string, error) {
	raw, err := decodeBase64(env.CiphertextB64)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "secret_envelope.base64_decode_failed", err)
	}

	alg := env.Algorithm
	if alg == "local-aead" {
		if len(d.AEADKey) != chacha20poly1305.KeySize {
			return nil, apierr.New(apierr.CodeSecretResolveFailed, "local-aead requested but SECRET_LOCAL_AEAD_KEY not configured")
		}
		plain, err := openLocalAEAD(d.AEADKey, raw)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "local_aead.open_failed", err)
		}
		raw = plain
	}

	m, err := decodeJSONMap(raw)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "secret_envelope.json_parse_failed", err)
	}
	return m, nil
}

func openLocalAEAD(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, apierr.New(apierr.CodeSecretResolveFailed, "sealed secret shorter than nonce")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// SealLocalAEAD is the inverse of openLocalAEAD, for producing local-aead
// ciphertexts (used by this package's tests).
func SealLocalAEAD(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}
