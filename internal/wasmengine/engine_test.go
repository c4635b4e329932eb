package wasmengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/extrun/internal/apierr"
)

// The tests below assemble a real (minimal) wasm binary by hand and run
// it through the full Invoke path: pool selection, compile + cache,
// instantiate, the alloc/handler ABI, and out-tuple readback.

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(body)))...)
	return append(out, body...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

const (
	respOffset  = 1024
	heapStart   = 4096
	opEnd       = 0x0b
	opLocalGet  = 0x20
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opI32Const  = 0x41
	opI32Add    = 0x6a
	opI32Store  = 0x36
	opLoop      = 0x03
	opBr        = 0x0c
)

// respondingModule returns a module whose handler ignores its input,
// writes (respOffset, len(resp)) into the out-tuple, and returns 0.
func respondingModule(resp []byte) []byte {
	handler := cat(
		[]byte{opLocalGet, 0x02},
		[]byte{opI32Const}, sleb(respOffset),
		[]byte{opI32Store, 0x02, 0x00},
		[]byte{opLocalGet, 0x02},
		[]byte{opI32Const}, sleb(int32(len(resp))),
		[]byte{opI32Store, 0x02, 0x04},
		[]byte{opI32Const}, sleb(0),
	)
	return assemble(resp, handler)
}

// spinningModule returns a module whose handler loops forever, for the
// wall-clock deadline path.
func spinningModule() []byte {
	handler := cat(
		[]byte{opLoop, 0x40, opBr, 0x00, opEnd},
		[]byte{opI32Const}, sleb(0),
	)
	return assemble([]byte("unused"), handler)
}

// assemble lays the sections out in the order the binary format requires.
func assemble(resp, handlerInstrs []byte) []byte {
	types := cat(uleb(2),
		[]byte{0x60}, uleb(1), []byte{0x7f}, uleb(1), []byte{0x7f},
		[]byte{0x60}, uleb(3), []byte{0x7f, 0x7f, 0x7f}, uleb(1), []byte{0x7f},
	)
	funcs := cat(uleb(2), uleb(0), uleb(1))
	memory := cat(uleb(1), []byte{0x00}, uleb(1))
	globals := cat(uleb(1),
		[]byte{0x7f, 0x01},
		[]byte{opI32Const}, sleb(heapStart), []byte{opEnd},
	)
	exports := cat(uleb(3),
		name("memory"), []byte{0x02}, uleb(0),
		name("alloc"), []byte{0x00}, uleb(0),
		name("handler"), []byte{0x00}, uleb(1),
	)
	allocBody := cat(uleb(0), []byte{
		opGlobalGet, 0x00,
		opGlobalGet, 0x00,
		opLocalGet, 0x00,
		opI32Add,
		opGlobalSet, 0x00,
		opEnd,
	})
	handlerBody := cat(uleb(0), handlerInstrs, []byte{opEnd})
	code := cat(uleb(2),
		uleb(uint32(len(allocBody))), allocBody,
		uleb(uint32(len(handlerBody))), handlerBody,
	)
	data := cat(uleb(1),
		[]byte{0x00},
		[]byte{opI32Const}, sleb(respOffset), []byte{opEnd},
		uleb(uint32(len(resp))), resp,
	)

	return cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(1, types),
		section(3, funcs),
		section(5, memory),
		section(6, globals),
		section(7, exports),
		section(10, code),
		section(11, data),
	)
}

// memoryOnlyModule exports a memory but neither alloc nor handler.
func memoryOnlyModule() []byte {
	memory := cat(uleb(1), []byte{0x00}, uleb(1))
	exports := cat(uleb(1), name("memory"), []byte{0x02}, uleb(0))
	return cat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(5, memory),
		section(7, exports),
	)
}

func loadFixed(module []byte, calls *int) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		if calls != nil {
			*calls++
		}
		return module, nil
	}
}

func newTestEngine(t *testing.T, maxCompiled int) *Engine {
	t.Helper()
	e := NewEngine(maxCompiled, 64, nil)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestInvoke_RealModuleRoundTrip(t *testing.T) {
	resp := []byte(`{"status":200,"body":"aGk="}`)
	e := newTestEngine(t, 4)

	loads := 0
	out, err := e.Invoke(context.Background(), InvokeRequest{
		ContentHash: "cafe01",
		LoadModule:  loadFixed(respondingModule(resp), &loads),
		Input:       []byte(`{"method":"GET","path":"/"}`),
		MemoryMB:    64,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, resp, out)
	assert.Equal(t, 1, loads)

	// Second invocation reuses the compiled module: no reload, same bytes.
	out, err = e.Invoke(context.Background(), InvokeRequest{
		ContentHash: "cafe01",
		LoadModule:  loadFixed(respondingModule(resp), &loads),
		Input:       []byte("different input"),
		MemoryMB:    64,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, resp, out)
	assert.Equal(t, 1, loads, "cached compile must not reload module bytes")
}

func TestInvoke_DistinctMemoryLimitsUseDistinctPools(t *testing.T) {
	resp := []byte("ok")
	e := newTestEngine(t, 4)

	loads := 0
	_, err := e.Invoke(context.Background(), InvokeRequest{
		ContentHash: "beef02",
		LoadModule:  loadFixed(respondingModule(resp), &loads),
		MemoryMB:    64,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	_, err = e.Invoke(context.Background(), InvokeRequest{
		ContentHash: "beef02",
		LoadModule:  loadFixed(respondingModule(resp), &loads),
		MemoryMB:    16,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, loads, "each memory limit compiles into its own runtime pool")
}

func TestInvoke_CompiledCacheEvictsLRU(t *testing.T) {
	resp := []byte("ok")
	e := newTestEngine(t, 1)

	loads := 0
	for _, hash := range []string{"aaaa", "bbbb", "aaaa"} {
		_, err := e.Invoke(context.Background(), InvokeRequest{
			ContentHash: hash,
			LoadModule:  loadFixed(respondingModule(resp), &loads),
			MemoryMB:    64,
			Timeout:     5 * time.Second,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, loads, "evicted module must be recompiled on return")
}

func TestInvoke_MissingExports(t *testing.T) {
	e := newTestEngine(t, 4)

	_, err := e.Invoke(context.Background(), InvokeRequest{
		ContentHash: "feed03",
		LoadModule:  loadFixed(memoryOnlyModule(), nil),
		MemoryMB:    64,
		Timeout:     5 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeExecuteFailed, apierr.CodeOf(err))
	assert.Contains(t, err.Error(), "missing alloc or handler")
}

func TestInvoke_SpinningGuestHitsDeadline(t *testing.T) {
	e := newTestEngine(t, 4)

	start := time.Now()
	_, err := e.Invoke(context.Background(), InvokeRequest{
		ContentHash: "dead04",
		LoadModule:  loadFixed(spinningModule(), nil),
		MemoryMB:    64,
		Timeout:     200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, apierr.CodeExecuteFailed, apierr.CodeOf(err))
	assert.Less(t, elapsed, 5*time.Second, "deadline must abort the guest promptly")
}
