package pathutil

import "strings"

// mimeByExt mirrors the fixed extension allow-list: every servable asset
// extension maps to an explicit content type rather than relying on the
// host OS's mime.types database, which varies across deployment images.
var mimeByExt = map[string]string{
	"html":  "text/html; charset=utf-8",
	"js":    "text/javascript; charset=utf-8",
	"css":   "text/css; charset=utf-8",
	"json":  "application/json",
	"map":   "application/json",
	"svg":   "image/svg+xml",
	"png":   "image/png",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
}

// ContentTypeFor returns the Content-Type for a servable relative path,
// defaulting to application/octet-stream for unrecognized extensions.
func ContentTypeFor(relativePath string) string {
	dot := strings.LastIndexByte(relativePath, '.')
	if dot < 0 || dot == len(relativePath)-1 {
		return "application/octet-stream"
	}
	ext := strings.ToLower(relativePath[dot+1:])
	if ct, ok := mimeByExt[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
