package scheduler

import "container/heap"

// taskHeap is a min-heap ordered by (next_run_time, -priority, created_at):
// earliest due first, then highest priority, then oldest.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].NextRunTime.Equal(h[j].NextRunTime) {
		return h[i].NextRunTime.Before(h[j].NextRunTime)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// push adds a task maintaining heap order. Callers hold the queue lock.
func (h *taskHeap) push(task *Task) {
	heap.Push(h, task)
}

// pop removes and returns the earliest task, or nil if the heap is empty.
// Callers hold the queue lock.
func (h *taskHeap) pop() *Task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Task)
}

// init re-establishes heap order after bulk edits. Callers hold the queue
// lock.
func (h *taskHeap) init() {
	for i, task := range *h {
		task.index = i
	}
	heap.Init(h)
}

// remove deletes a task by id, returning true when found. Callers hold the
// queue lock.
func (h *taskHeap) remove(id int64) bool {
	for i, task := range *h {
		if task.ID == id {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
