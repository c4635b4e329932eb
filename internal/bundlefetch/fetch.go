// Package bundlefetch builds the content-addressed object URL, streams
// the download while hashing it, and verifies the result against the
// expected SHA-256 before handing a temp file back to the caller for
// extraction. A digest mismatch deletes the temp file and fails; no
// unverified bytes ever reach the cache.
package bundlefetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/bundlecache"
)

const defaultTimeout = 60 * time.Second

// HashMismatchError carries the expected vs. computed digest for an
// integrity failure, surfaced to callers as apierr.CodeArchiveHashMismatch.
type HashMismatchError struct {
	Expected string
	Computed string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("archive hash mismatch: expected %s got %s", e.Expected, e.Computed)
}

// Fetcher downloads content-addressed objects from an HTTP object store.
// When Signer and Bucket are set, object URLs are presigned S3 GETs
// against BaseURL as the endpoint instead of plain unauthenticated GETs.
type Fetcher struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
	Signer  *S3Signer
	Bucket  string
}

func New(baseURL string, client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{BaseURL: baseURL, Client: client, Timeout: defaultTimeout}
}

// BundleURL returns the URL for sha256/<hex>/bundle.tar.zst.
func (f *Fetcher) BundleURL(hashHex string) string {
	return f.objectURL(fmt.Sprintf("sha256/%s/bundle.tar.zst", hashHex))
}

// WasmKeyURL returns the URL for sha256/<hex>/dist/main.wasm, the
// dedicated wasm object key tried before falling back to the module
// embedded in the bundle archive.
func (f *Fetcher) WasmKeyURL(hashHex string) string {
	return f.objectURL(fmt.Sprintf("sha256/%s/dist/main.wasm", hashHex))
}

func (f *Fetcher) objectURL(key string) string {
	if f.Signer != nil && f.Bucket != "" {
		if signed, err := f.Signer.PresignGET(f.BaseURL, f.Bucket, key, 5*time.Minute); err == nil {
			return signed
		}
	}
	return strings.TrimRight(f.BaseURL, "/") + "/" + key
}

// FetchVerified streams url into a fresh temp file under cache's tmp dir,
// hashing as it goes, and fails with a HashMismatchError if the final
// digest doesn't equal hashHex. On any failure the temp file is removed.
func (f *Fetcher) FetchVerified(ctx context.Context, cache *bundlecache.Cache, url, hashHex string) (string, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeBundleFetchFailed, "build request", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeBundleFetchFailed, "transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierr.New(apierr.CodeBundleFetchFailed, fmt.Sprintf("object store returned %d", resp.StatusCode))
	}

	tmpPath, err := cache.TmpArchivePath(hashHex)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeBundleFetchFailed, "create temp file", err)
	}

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		os.Remove(tmpPath)
		return "", apierr.Wrap(apierr.CodeBundleFetchFailed, "open temp file", err)
	}

	hasher := sha256.New()
	_, copyErr := io.Copy(out, io.TeeReader(resp.Body, hasher))
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return "", apierr.Wrap(apierr.CodeBundleFetchFailed, "stream download", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", apierr.Wrap(apierr.CodeBundleFetchFailed, "close temp file", closeErr)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(computed, hashHex) {
		os.Remove(tmpPath)
		return "", &HashMismatchError{Expected: hashHex, Computed: computed}
	}

	return tmpPath, nil
}
