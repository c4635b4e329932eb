package pathutil

import (
	"strings"

	"github.com/ocx/extrun/internal/apierr"
)

const hashHexLen = 64

// ParseContentHash validates the canonical "sha256:<64 lowercase hex>"
// wire form and returns the bare hex digest. A bare 64-hex string is
// accepted too, since internal callers pass digests around without the
// prefix once parsed.
func ParseContentHash(s string) (string, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "sha256:")
	if len(hex) != hashHexLen {
		return "", apierr.New(apierr.CodeInvalidRequest, "invalid content hash")
	}
	for _, r := range hex {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", apierr.New(apierr.CodeInvalidRequest, "invalid content hash")
		}
	}
	return hex, nil
}
