package pathutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// ETagForFile computes a strong, content-derived ETag for the file at
// path, formatted as `"sha256-<hex>"`.
func ETagForFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return `"sha256-` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}
