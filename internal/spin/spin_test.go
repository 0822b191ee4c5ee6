package spin

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p)
}

func addr(n *testNode) uintptr {
	return uintptr(unsafe.Pointer(n))
}

func TestLock(t *testing.T) {
	t.Run("MutualExclusion", func(t *testing.T) {
		var l Lock
		counter := 0

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 1000; j++ {
					l.Lock()
					counter++
					l.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 8000, counter)
	})

	t.Run("TryLock", func(t *testing.T) {
		var l Lock
		require.True(t, l.TryLock())
		assert.False(t, l.TryLock())
		l.Unlock()
		assert.True(t, l.TryLock())
	})
}

// nodes for head tests live in ordinary Go memory; the head only sees
// their addresses.
type testNode struct {
	next uintptr
	_    uint64
}

// pinned keeps head-test nodes on the heap. The head stores plain
// addresses, which a goroutine stack move would leave stale.
var pinned [][]testNode

func newNodes(n int) []testNode {
	nodes := make([]testNode, n)
	pinned = append(pinned, nodes)
	return nodes
}

func TestHead(t *testing.T) {
	load := func(p uintptr) uintptr { return (*testNode)(ptr(p)).next }
	store := func(p, next uintptr) { (*testNode)(ptr(p)).next = next }

	t.Run("PushPopLIFO", func(t *testing.T) {
		var h Head
		nodes := newNodes(3)

		for i := range nodes {
			h.Push(addr(&nodes[i]), store)
		}
		assert.Equal(t, addr(&nodes[2]), h.Pop(load))
		assert.Equal(t, addr(&nodes[1]), h.Pop(load))
		assert.Equal(t, addr(&nodes[0]), h.Pop(load))
		assert.Zero(t, h.Pop(load))
	})

	t.Run("SwapDetachesChain", func(t *testing.T) {
		var h Head
		nodes := newNodes(2)
		h.Push(addr(&nodes[0]), store)
		h.Push(addr(&nodes[1]), store)

		chain := h.Swap(0)
		assert.Equal(t, addr(&nodes[1]), chain)
		assert.Zero(t, h.Peek())
	})

	t.Run("ConcurrentChurn", func(t *testing.T) {
		var h Head
		nodes := newNodes(64)
		for i := range nodes {
			h.Push(addr(&nodes[i]), store)
		}

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 2000; i++ {
					if n := h.Pop(load); n != 0 {
						h.Push(n, store)
					}
				}
			}()
		}
		wg.Wait()

		seen := 0
		for h.Pop(load) != 0 {
			seen++
		}
		assert.Equal(t, len(nodes), seen)
	})
}
