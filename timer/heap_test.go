package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(int64, ID) float64 { return 0 }

func TestHeapWrapper_PeekReturnsEarliest(t *testing.T) {
	h := newHeapWrapper()
	h.insert(noop, 300)
	h.insert(noop, 100)
	h.insert(noop, 200)

	e, ok := h.peek()
	require.True(t, ok)
	assert.Equal(t, int64(100), e.deadline)
}

func TestHeapWrapper_PopDrainsInOrder(t *testing.T) {
	h := newHeapWrapper()
	h.insert(noop, 300)
	h.insert(noop, 100)
	h.insert(noop, 200)

	var order []int64
	for h.len() > 0 {
		e, _ := h.pop()
		order = append(order, e.deadline)
	}
	assert.Equal(t, []int64{100, 200, 300}, order)
}

func TestHeapWrapper_RemoveByID(t *testing.T) {
	h := newHeapWrapper()
	id1 := h.insert(noop, 100)
	id2 := h.insert(noop, 200)

	h.remove(id1)
	assert.Equal(t, 1, h.len())

	e, ok := h.peek()
	require.True(t, ok)
	assert.Equal(t, id2, e.id)
}

func TestHeapWrapper_ReprioritizePreservesIdentity(t *testing.T) {
	h := newHeapWrapper()
	id := h.insert(noop, 100)
	h.insert(noop, 200)

	ok := h.reprioritize(id, 500)
	require.True(t, ok)

	e, _ := h.peek()
	assert.Equal(t, int64(200), e.deadline, "the other entry is now earliest")

	h.pop()
	e2, ok := h.peek()
	require.True(t, ok)
	assert.Equal(t, id, e2.id)
	assert.Equal(t, int64(500), e2.deadline)
}
