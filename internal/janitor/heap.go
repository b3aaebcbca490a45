package janitor

import "time"

// monitorEntry is one running container's wake-up entry in the dispatcher's
// min-heap, keyed by expiresAt. index is maintained by container/heap so
// Cancel can remove an arbitrary entry in O(log n) instead of only the root.
type monitorEntry struct {
	containerID string
	expiresAt   time.Time
	index       int
}

// monitorHeap is a container/heap.Interface ordering entries soonest-expiring
// first. This is the O(N) heap entries replacement for the O(N) idle
// goroutines a thread-per-container design would otherwise need.
type monitorHeap []*monitorEntry

func (h monitorHeap) Len() int { return len(h) }

func (h monitorHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }

func (h monitorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *monitorHeap) Push(x interface{}) {
	entry := x.(*monitorEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *monitorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
