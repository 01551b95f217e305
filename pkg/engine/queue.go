package engine

import "container/heap"

// queuedTask is a pending task waiting for a capable idle agent.
type queuedTask struct {
	task  *Task
	seq   uint64 // submission order tie-breaker
	index int
}

// pendingHeap orders queued tasks by priority weight (high first), then by
// submission order within the same priority.
type pendingHeap []*queuedTask

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	wi, wj := h[i].task.Priority.Weight(), h[j].task.Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	item := x.(*queuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// pendingQueue wraps the heap with the operations the dispatcher needs.
// Not safe for concurrent use; callers hold the dispatcher lock.
type pendingQueue struct {
	heap pendingHeap
	seq  uint64
}

func (q *pendingQueue) push(t *Task) {
	q.seq++
	heap.Push(&q.heap, &queuedTask{task: t, seq: q.seq})
}

// pop removes and returns the highest-priority task, or nil when empty.
func (q *pendingQueue) pop() *Task {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*queuedTask).task
}

// popFor removes and returns the highest-priority queued task the given
// agent can run. Tasks pinned to another agent are skipped.
func (q *pendingQueue) popFor(agent *agentWorker) *Task {
	// Heap order is only guaranteed at the root; collect candidates in
	// heap order by popping, then restore the ones we skip.
	var skipped []*queuedTask
	var found *Task
	for len(q.heap) > 0 {
		item := heap.Pop(&q.heap).(*queuedTask)
		if agent.canRun(item.task) {
			found = item.task
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&q.heap, item)
	}
	return found
}

// remove deletes the task with the given id, returning it or nil.
func (q *pendingQueue) remove(taskID string) *Task {
	for _, item := range q.heap {
		if item.task.ID == taskID {
			heap.Remove(&q.heap, item.index)
			return item.task
		}
	}
	return nil
}

func (q *pendingQueue) len() int { return len(q.heap) }
