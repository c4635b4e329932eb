// Package pathutil provides the narrow, security-sensitive filesystem
// primitives shared by the bundle cache and the static UI serve path:
// relative-path sanitization, extension-to-MIME mapping, strong SHA-256
// ETags, and byte-size caps.
package pathutil

import (
	"strings"
	"unicode"

	"github.com/ocx/extrun/internal/apierr"
)

// allowedExts is the extension allow-list for servable static assets.
// A path whose final component carries an extension outside this set is
// rejected; a path with no extension is treated as directory-like (the
// caller resolves it via SPA fallback).
var allowedExts = map[string]bool{
	"html": true, "js": true, "css": true, "json": true, "map": true,
	"svg": true, "png": true, "jpg": true, "jpeg": true, "webp": true,
	"woff": true, "woff2": true,
}

// Sanitize validates and normalizes a caller-supplied relative path for
// static asset serving. It returns the normalized slash-separated relative
// path (empty string means root) or an *apierr.Error with CodeInvalidRequest.
//
// Rules: reject absolute paths; reject "." and ".." components; reject
// hidden components (leading '.'); reject NUL/control characters; reject
// backslashes; collapse repeated slashes; if the final component has an
// extension, require it in the allow-list.
func Sanitize(relative string) (string, error) {
	if relative == "" {
		return "", nil
	}
	if strings.HasPrefix(relative, "/") {
		return "", apierr.New(apierr.CodeInvalidRequest, "invalid path")
	}
	for _, r := range relative {
		if r == 0 || unicode.IsControl(r) {
			return "", apierr.New(apierr.CodeInvalidRequest, "invalid path")
		}
	}
	if strings.Contains(relative, "\\") {
		return "", apierr.New(apierr.CodeInvalidRequest, "invalid path")
	}

	var segments []string
	for _, seg := range strings.Split(relative, "/") {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", apierr.New(apierr.CodeInvalidRequest, "invalid path")
		}
		if strings.HasPrefix(seg, ".") {
			return "", apierr.New(apierr.CodeInvalidRequest, "invalid path")
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", nil
	}

	last := segments[len(segments)-1]
	if dot := strings.LastIndexByte(last, '.'); dot >= 0 {
		ext := strings.ToLower(last[dot+1:])
		if ext == "" || !allowedExts[ext] {
			return "", apierr.New(apierr.CodeInvalidRequest, "invalid path")
		}
	}

	return strings.Join(segments, "/"), nil
}
