package wasmengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriter_SplitsOnNewline(t *testing.T) {
	var lines []string
	w := &lineWriter{emit: func(s string) { lines = append(lines, s) }}

	w.Write([]byte("hello "))
	w.Write([]byte("world\nsecond li"))
	w.Write([]byte("ne\r\n"))
	assert.Equal(t, []string{"hello world", "second line"}, lines)

	w.Write([]byte("trailing"))
	w.Flush()
	assert.Equal(t, []string{"hello world", "second line", "trailing"}, lines)
}

func TestLineWriter_FlushEmptyIsNoop(t *testing.T) {
	calls := 0
	w := &lineWriter{emit: func(string) { calls++ }}
	w.Flush()
	assert.Zero(t, calls)
}

func TestMemoryLimitPages(t *testing.T) {
	assert.Equal(t, uint32(1024), MemoryLimitPages(64))
	assert.Equal(t, uint32(4096), MemoryLimitPages(0), "zero uses the default cap")
}
