package pathutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestETagForFile_Deterministic(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o644))

	e1, err := ETagForFile(p)
	require.NoError(t, err)
	e2, err := ETagForFile(p)
	require.NoError(t, err)

	require.Equal(t, e1, e2)
	require.True(t, strings.HasPrefix(e1, `"sha256-`))
	require.True(t, strings.HasSuffix(e1, `"`))
}
