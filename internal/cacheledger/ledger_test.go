package cacheledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_OldestFirstOrdering(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.Touch(ctx, "first", 10))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, l.Touch(ctx, "second", 20))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, l.Touch(ctx, "first", 10)) // re-touch refreshes recency

	entries, err := l.OldestFirst(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].HashHex)
	assert.Equal(t, "first", entries[1].HashHex)
}

func TestMemoryLedger_Forget(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.Touch(ctx, "a", 1))
	require.NoError(t, l.Forget(ctx, "a"))

	entries, err := l.OldestFirst(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpen_EmptyDSNFallsBackToMemory(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	_, ok := l.(*MemoryLedger)
	assert.True(t, ok)
}
