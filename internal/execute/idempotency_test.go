package execute

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyStore_ReplaysExactResponse(t *testing.T) {
	s := newIdempotencyStore(10)
	resp := ExecuteResponse{Status: 200, BodyB64: "aGk=", Headers: map[string]string{"x": "y"}}
	s.put("k", resp)

	got, ok := s.get("k")
	assert.True(t, ok)
	assert.Equal(t, resp, got)
}

func TestIdempotencyStore_EmptyKeyIsNoop(t *testing.T) {
	s := newIdempotencyStore(10)
	s.put("", ExecuteResponse{Status: 200})
	_, ok := s.get("")
	assert.False(t, ok)
}

func TestIdempotencyStore_EvictsOldest(t *testing.T) {
	s := newIdempotencyStore(3)
	for i := 0; i < 4; i++ {
		s.put("k"+strconv.Itoa(i), ExecuteResponse{Status: 200 + i})
	}

	_, ok := s.get("k0")
	assert.False(t, ok, "oldest entry should have been evicted")
	for i := 1; i < 4; i++ {
		_, ok := s.get("k" + strconv.Itoa(i))
		assert.True(t, ok)
	}
}

func TestIdempotencyStore_TouchOnGetRefreshesRecency(t *testing.T) {
	s := newIdempotencyStore(2)
	s.put("a", ExecuteResponse{Status: 1})
	s.put("b", ExecuteResponse{Status: 2})
	s.get("a")
	s.put("c", ExecuteResponse{Status: 3})

	_, okA := s.get("a")
	_, okB := s.get("b")
	assert.True(t, okA)
	assert.False(t, okB)
}
