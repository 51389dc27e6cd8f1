package command

import (
	"context"
	"time"

	"github.com/agsys/irrigation-node/internal/clock"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 10

// Queue is a bounded FIFO of commands. Producers never block: when the
// queue is full the incoming command is dropped.
type Queue struct {
	ch    chan Command
	clock clock.Clock
}

// NewQueue creates a queue holding at most capacity commands.
func NewQueue(capacity int, clk clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:    make(chan Command, capacity),
		clock: clk,
	}
}

// TryEnqueue appends cmd and reports whether it was accepted.
func (q *Queue) TryEnqueue(cmd Command) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// Dequeue waits up to timeout for the oldest command.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Command, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
	}

	select {
	case cmd := <-q.ch:
		return cmd, true
	case <-q.clock.After(timeout):
		return Command{}, false
	case <-ctx.Done():
		return Command{}, false
	}
}

// Len returns the number of queued commands.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
