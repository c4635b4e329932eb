// Package archive extracts the "ui/" subtree of a tar+zstd bundle
// archive into the bundle cache. Extraction is restricted to that prefix
// and rejects traversal, symlinks, and hidden entries; filesystem writes
// are deferred until the whole tar stream has been walked, so a failure
// mid-stream rolls back cleanly and a concurrent reader never observes a
// half-extracted tree.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/bundlecache"
)

const uiPrefix = "ui/"

// Result reports what ExtractUISubtree wrote.
type Result struct {
	Files int
	Dirs  int
}

// ExtractUISubtree reads archivePath (a tar stream compressed with zstd),
// and writes every entry under "ui/" into uiRoot, stripping that prefix.
// Entries outside ui/, hidden entries (any path segment starting with
// "."), symlinks, and entries that would escape uiRoot are skipped.
func ExtractUISubtree(archivePath, uiRoot string) (Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CodeExtractFailed, "open archive", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CodeExtractFailed, "init zstd decoder", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	type mkdirOp struct {
		path string
	}
	type writeOp struct {
		path string
		data []byte
	}

	var mkdirs []mkdirOp
	var writes []writeOp
	var res Result

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, apierr.Wrap(apierr.CodeExtractFailed, "read tar entry", err)
		}

		name := hdr.Name
		if !strings.HasPrefix(name, uiPrefix) {
			continue
		}
		rel := strings.TrimPrefix(name, uiPrefix)
		if rel == "" {
			continue
		}
		if hasHiddenSegment(rel) {
			continue
		}

		outPath, ok := safeJoin(uiRoot, rel)
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			mkdirs = append(mkdirs, mkdirOp{path: outPath})
			res.Dirs++
		case tar.TypeReg, tar.TypeRegA:
			mkdirs = append(mkdirs, mkdirOp{path: filepath.Dir(outPath)})
			data, err := io.ReadAll(tr)
			if err != nil {
				return Result{}, apierr.Wrap(apierr.CodeExtractFailed, "read entry contents", err)
			}
			writes = append(writes, writeOp{path: outPath, data: data})
			res.Files++
		default:
			// symlinks and other special types are never extracted
			continue
		}
	}

	for _, op := range mkdirs {
		if err := bundlecache.EnsureDir(op.path); err != nil {
			return Result{}, apierr.Wrap(apierr.CodeExtractFailed, "create directory", err)
		}
	}
	for _, op := range writes {
		if err := bundlecache.WriteAtomic(op.path, op.data); err != nil {
			return Result{}, apierr.Wrap(apierr.CodeExtractFailed, "write file", err)
		}
	}

	return res, nil
}

// ExtractFile reads a single named member's bytes out of a tar+zstd
// archive, used by the execute orchestrator's wasm-key fallback (§9 Open
// Question: an already-fetched bundle.tar.zst may embed wasm/main.wasm
// when the dedicated sha256/<hex>/dist/main.wasm object 404s).
func ExtractFile(archivePath, memberPath string) ([]byte, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeExtractFailed, "open archive", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeExtractFailed, "init zstd decoder", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, apierr.New(apierr.CodeExtractFailed, "member not found: "+memberPath)
		}
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeExtractFailed, "read tar entry", err)
		}
		if hdr.Name != memberPath || (hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA) {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeExtractFailed, "read entry contents", err)
		}
		return data, nil
	}
}

func hasHiddenSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// safeJoin joins rel onto root and verifies the result stays within root,
// rejecting any ../ traversal regardless of how path/filepath.Clean
// would otherwise resolve it.
func safeJoin(root, rel string) (string, bool) {
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}
