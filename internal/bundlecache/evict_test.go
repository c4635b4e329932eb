package bundlecache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/extrun/internal/cacheledger"
)

func TestEvictor_RemovesOldestFirst(t *testing.T) {
	c := New(t.TempDir())
	ledger := cacheledger.NewMemoryLedger()
	ctx := context.Background()

	for i, hash := range []string{"oldest", "middle", "newest"} {
		require.NoError(t, WriteAtomic(filepath.Join(c.UIDir(hash), "index.html"), make([]byte, 100)))
		require.NoError(t, ledger.Touch(ctx, hash, 100))
		_ = i
	}

	ev := &Evictor{Cache: c, Ledger: ledger, MaxBytes: 150}
	require.NoError(t, ev.Sweep(ctx))

	assert.False(t, c.ExistsUIIndex("oldest"))
	assert.True(t, c.ExistsUIIndex("newest"))

	entries, err := ledger.OldestFirst(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "newest", entries[0].HashHex)
}

func TestEvictor_DisabledWhenNoBudget(t *testing.T) {
	c := New(t.TempDir())
	ledger := cacheledger.NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, WriteAtomic(filepath.Join(c.UIDir("h"), "index.html"), make([]byte, 100)))
	require.NoError(t, ledger.Touch(ctx, "h", 100))

	ev := &Evictor{Cache: c, Ledger: ledger, MaxBytes: 0}
	require.NoError(t, ev.Sweep(ctx))
	assert.True(t, c.ExistsUIIndex("h"))
}
