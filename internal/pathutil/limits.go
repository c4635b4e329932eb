package pathutil

import (
	"os"

	"github.com/ocx/extrun/internal/apierr"
)

// EnforceMaxFileSize returns a CodePayloadTooLarge error if the file at
// path exceeds max bytes.
func EnforceMaxFileSize(path string, max int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > max {
		return apierr.New(apierr.CodePayloadTooLarge, "payload too large")
	}
	return nil
}
