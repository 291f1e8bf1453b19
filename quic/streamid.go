package quic

import "container/heap"

// isLocal reports whether the stream was created by the local endpoint.
func isLocal(id uint64, isServer bool) bool {
	if isServer {
		return id&0x1 == 1
	}
	return id&0x1 == 0
}

// isBidi reports whether the stream is bidirectional.
func isBidi(id uint64) bool {
	return id&0x2 == 0
}

// idHeap is a min-heap of stream IDs, used to deliver readiness wakeups in
// ascending ID order regardless of the order the engine reports them.
type idHeap []uint64

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }

func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *idHeap) push(id uint64) { heap.Push(h, id) }

func (h *idHeap) pop() (uint64, bool) {
	if h.Len() == 0 {
		return 0, false
	}
	return heap.Pop(h).(uint64), true
}
