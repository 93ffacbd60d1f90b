package workerpool

import (
	"sync"

	"autoanalysis/internal/executor"
)

// CommandQueue is a thread-safe FIFO of pending commands owned by one phase.
type CommandQueue struct {
	items []executor.Command
	mu    sync.Mutex
}

// NewCommandQueue creates a queue holding cmds in order.
func NewCommandQueue(cmds []executor.Command) *CommandQueue {
	items := make([]executor.Command, len(cmds))
	copy(items, cmds)
	return &CommandQueue{items: items}
}

// Pop removes and returns the next command. ok is false once the queue is drained.
func (q *CommandQueue) Pop() (cmd executor.Command, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return executor.Command{}, false
	}
	cmd = q.items[0]
	q.items = q.items[1:]
	return cmd, true
}

// Size returns the number of commands still pending.
func (q *CommandQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
