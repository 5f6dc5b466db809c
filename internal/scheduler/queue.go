package scheduler

import "container/heap"

// Queue orders ready tasks by priority (highest first) and then by arrival.
// It is not safe for concurrent use; the executor pool guards it.
type Queue struct {
	items queueHeap
	index map[string]*queueItem
	seq   uint64
}

type queueItem struct {
	task *Task
	seq  uint64
	pos  int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*queueItem)}
}

// Push adds a task. Pushing an id that is already queued is a no-op.
func (q *Queue) Push(t *Task) {
	if _, ok := q.index[t.ID]; ok {
		return
	}
	q.seq++
	item := &queueItem{task: t, seq: q.seq}
	q.index[t.ID] = item
	heap.Push(&q.items, item)
}

// Pop removes and returns the next task, or nil when empty.
func (q *Queue) Pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.index, item.task.ID)
	return item.task
}

// Peek returns the next task without removing it.
func (q *Queue) Peek() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].task
}

// Remove takes a task out of the queue, returning nil if it was not queued.
func (q *Queue) Remove(id string) *Task {
	item, ok := q.index[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.items, item.pos)
	delete(q.index, id)
	return item.task
}

// Contains reports whether the id is queued.
func (q *Queue) Contains(id string) bool {
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.items)
}

type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *queueHeap) Push(x any) {
	item := x.(*queueItem)
	item.pos = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
