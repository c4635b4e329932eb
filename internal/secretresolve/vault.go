package secretresolve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ocx/extrun/internal/apierr"
)

const vaultTimeout = 2 * time.Second

// VaultTransitDecrypter calls a Vault transit backend's decrypt endpoint.
type VaultTransitDecrypter struct {
	Addr         string
	Token        string
	Namespace    string
	DefaultMount string
	HTTP         *http.Client
}

func NewVaultTransitDecrypter(addr, token, namespace, defaultMount string) *VaultTransitDecrypter {
	return &VaultTransitDecrypter{
		Addr:         addr,
		Token:        token,
		Namespace:    namespace,
		DefaultMount: defaultMount,
		HTTP:         &http.Client{Timeout: vaultTimeout},
	}
}

func (d *VaultTransitDecrypter) Decrypt(ctx context.Context, env Envelope) (map[string]string, error) {
	mount := env.Mount
	if mount == "" {
		mount = d.DefaultMount
	}
	if mount == "" {
		mount = "transit"
	}

	url := fmt.Sprintf("%s/v1/%s/decrypt/%s",
		strings.TrimRight(d.Addr, "/"),
		strings.Trim(mount, "/"),
		strings.Trim(env.KeyPath, "/"))

	body, err := json.Marshal(map[string]string{"ciphertext": env.CiphertextB64})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "marshal vault request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "build vault request", err)
	}
	req.Header.Set("X-Vault-Token", d.Token)
	req.Header.Set("Content-Type", "application/json")
	if d.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", d.Namespace)
	}

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "vault transit request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return nil, apierr.New(apierr.CodeSecretResolveFailed,
			fmt.Sprintf("vault transit decrypt failed (status %d): %s", resp.StatusCode, string(text)))
	}

	var parsed struct {
		Data struct {
			Plaintext string `json:"plaintext"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "parse vault transit response", err)
	}
	if parsed.Data.Plaintext == "" {
		return nil, apierr.New(apierr.CodeSecretResolveFailed, "vault transit response missing data.plaintext")
	}

	decoded, err := decodeBase64(parsed.Data.Plaintext)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "vault_transit.plaintext_decode_failed", err)
	}
	m, err := decodeJSONMap(decoded)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeSecretResolveFailed, "vault_transit.json_parse_failed", err)
	}
	return m, nil
}
