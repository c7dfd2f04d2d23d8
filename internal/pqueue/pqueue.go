// Package pqueue provides a fixed-capacity priority queue with stable slot
// handles, used by the crawl request queue and the proxy ranking tiers.
//
// The queue is a tournament tree over a slot array: leaves are slots, each
// internal node stores the slot index of its preferred child, and the root
// therefore names the best present slot. Push, Pop and Delete are O(log N);
// freed slots go back to a FIFO ring and are reused by later pushes.
package pqueue

// Priority is a tuple key compared lexicographically. The larger key wins.
type Priority []float64

// Compare returns -1, 0 or 1. A shorter key that is a prefix of a longer one
// compares lower.
func (p Priority) Compare(o Priority) int {
	n := len(p)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		switch {
		case p[i] < o[i]:
			return -1
		case p[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(p) < len(o):
		return -1
	case len(p) > len(o):
		return 1
	}
	return 0
}

type slot[T any] struct {
	payload  T
	priority Priority
	present  bool
}

// Queue is not safe for concurrent use; callers hold their own lock.
type Queue[T any] struct {
	base  int
	tree  []int
	slots []slot[T]

	// free ring of unused slot indices
	free     []int
	freeHead int
	freeLen  int
}

// New creates a queue that holds at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	base := 1
	for base < capacity {
		base <<= 1
	}

	q := &Queue[T]{
		base:  base,
		tree:  make([]int, 2*base),
		slots: make([]slot[T], base),
		free:  make([]int, capacity),
	}
	for i := 0; i < base; i++ {
		q.tree[base+i] = i
	}
	for i := base - 1; i >= 1; i-- {
		q.tree[i] = q.tree[2*i]
	}
	for i := 0; i < capacity; i++ {
		q.free[i] = i
	}
	q.freeLen = capacity
	return q
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.free)
}

// Len returns the number of present items.
func (q *Queue[T]) Len() int {
	return len(q.free) - q.freeLen
}

// IsFull reports whether no free slot remains.
func (q *Queue[T]) IsFull() bool {
	return q.freeLen == 0
}

// Push stores payload under key and returns its handle. It returns false when
// the queue is full.
func (q *Queue[T]) Push(payload T, key Priority) (int, bool) {
	if q.freeLen == 0 {
		return -1, false
	}
	i := q.free[q.freeHead]
	q.freeHead = (q.freeHead + 1) % len(q.free)
	q.freeLen--

	q.slots[i] = slot[T]{payload: payload, priority: key, present: true}
	q.update(i)
	return i, true
}

// Top returns the highest priority payload without removing it.
func (q *Queue[T]) Top() (T, bool) {
	h, ok := q.TopHandle()
	if !ok {
		var zero T
		return zero, false
	}
	return q.slots[h].payload, true
}

// TopHandle returns the handle of the highest priority item.
func (q *Queue[T]) TopHandle() (int, bool) {
	h := q.tree[1]
	if !q.slots[h].present {
		return -1, false
	}
	return h, true
}

// Pop removes and returns the highest priority payload.
func (q *Queue[T]) Pop() (T, bool) {
	h, ok := q.TopHandle()
	if !ok {
		var zero T
		return zero, false
	}
	payload := q.slots[h].payload
	q.Delete(h)
	return payload, true
}

// Get returns the payload and key stored under handle.
func (q *Queue[T]) Get(handle int) (T, Priority, bool) {
	if handle < 0 || handle >= len(q.slots) || !q.slots[handle].present {
		var zero T
		return zero, nil, false
	}
	s := q.slots[handle]
	return s.payload, s.priority, true
}

// Delete removes the item under handle and frees its slot. Deleting an empty
// slot is a no-op and returns false.
func (q *Queue[T]) Delete(handle int) bool {
	if handle < 0 || handle >= len(q.slots) || !q.slots[handle].present {
		return false
	}
	q.slots[handle] = slot[T]{}
	q.update(handle)

	tail := (q.freeHead + q.freeLen) % len(q.free)
	q.free[tail] = handle
	q.freeLen++
	return true
}

// Items returns the present payloads in slot order.
func (q *Queue[T]) Items() []T {
	items := make([]T, 0, q.Len())
	for _, s := range q.slots {
		if s.present {
			items = append(items, s.payload)
		}
	}
	return items
}

// Handles returns the handles of present items in slot order.
func (q *Queue[T]) Handles() []int {
	handles := make([]int, 0, q.Len())
	for i, s := range q.slots {
		if s.present {
			handles = append(handles, i)
		}
	}
	return handles
}

func (q *Queue[T]) update(i int) {
	for n := (q.base + i) >> 1; n >= 1; n >>= 1 {
		q.tree[n] = q.prefer(q.tree[2*n], q.tree[2*n+1])
	}
}

// prefer picks between the left and right candidate; the left one wins ties.
func (q *Queue[T]) prefer(left, right int) int {
	l, r := &q.slots[left], &q.slots[right]
	if !r.present {
		return left
	}
	if !l.present {
		return right
	}
	if l.priority.Compare(r.priority) >= 0 {
		return left
	}
	return right
}
