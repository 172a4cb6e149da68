package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/transport"
)

// OverflowPolicy decides what happens to a droppable task when the queue is full.
type OverflowPolicy int

const (
	// OverflowBlock makes producers wait for space.
	OverflowBlock OverflowPolicy = iota
	// OverflowDrop discards droppable tasks and logs a warning. Dropped
	// change events are recovered by resubscription and idempotent apply.
	OverflowDrop
)

// String returns the config name of the policy.
func (p OverflowPolicy) String() string {
	if p == OverflowDrop {
		return "drop"
	}
	return "block"
}

// ParseOverflowPolicy maps a config name to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	default:
		return 0, errors.New("overflow policy must be block or drop")
	}
}

// errQueueFull is returned by Enqueue for dropped tasks.
var errQueueFull = errors.New("queue full")

// taskType is the closed set of work items processed by the Run loop.
type taskType int

const (
	taskLocal taskType = iota + 1
	taskResult
	taskRemote
	taskState
	taskFetch
	taskPage
)

func (t taskType) String() string {
	switch t {
	case taskLocal:
		return "local"
	case taskResult:
		return "result"
	case taskRemote:
		return "remote"
	case taskState:
		return "state"
	case taskFetch:
		return "fetch"
	case taskPage:
		return "page"
	default:
		return "unknown"
	}
}

// task is one unit of work for the single-writer loop. Exactly the fields
// for its type are set.
type task struct {
	typ taskType

	// taskLocal
	edit  LocalEdit
	reply chan localReply

	// taskResult
	token  string
	entity string
	result model.SubmitResult
	err    error

	// taskRemote
	event model.ChangeEvent

	// taskState
	state transport.State

	// taskFetch, taskPage
	page      int
	pageReply chan fetchReply
	response  model.PageResponse
}

type localReply struct {
	ticket *Ticket
	err    error
}

type fetchReply struct {
	page model.Page
	err  error
}

// taskQueue is a bounded FIFO with context-aware waiting on both ends.
//
// The signal channel (buffer 1) wakes the consumer; the space channel
// (buffer 1) wakes one blocked producer per dequeue. Close wakes everyone.
type taskQueue struct {
	mu       sync.Mutex
	tasks    []task
	capacity int
	policy   OverflowPolicy
	closed   bool
	signal   chan struct{}
	space    chan struct{}
}

// newTaskQueue creates a queue. capacity <= 0 means unbounded.
func newTaskQueue(capacity int, policy OverflowPolicy) *taskQueue {
	prealloc := capacity
	if prealloc <= 0 || prealloc > 64 {
		prealloc = 64
	}
	return &taskQueue{
		tasks:    make([]task, 0, prealloc),
		capacity: capacity,
		policy:   policy,
		signal:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Enqueue appends t. When the queue is full a droppable task is discarded
// under OverflowDrop (errQueueFull); otherwise Enqueue waits for space, ctx
// cancellation, or Close (ErrStopped).
func (q *taskQueue) Enqueue(ctx context.Context, t task, droppable bool) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrStopped
		}
		if q.capacity <= 0 || len(q.tasks) < q.capacity {
			q.tasks = append(q.tasks, t)
			notify(q.signal)
			if q.capacity > 0 && len(q.tasks) < q.capacity {
				// Pass the wakeup on to any other blocked producer.
				notify(q.space)
			}
			q.mu.Unlock()
			return nil
		}
		if droppable && q.policy == OverflowDrop {
			q.mu.Unlock()
			return errQueueFull
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
		}
	}
}

// TryDequeue removes the front task without blocking.
func (q *taskQueue) TryDequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return task{}, false
	}
	t := q.tasks[0]
	// Clear the slot so the backing array does not retain reply channels.
	q.tasks[0] = task{}
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	if !q.closed {
		notify(q.space)
	}
	return t, true
}

// Wait returns a channel that fires when tasks may be available.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Closed reports whether Close has been called.
func (q *taskQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further tasks and wakes all waiters.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	close(q.space)
}

// notify performs a non-blocking send; a buffer of 1 coalesces signals.
// Callers hold q.mu so the channel cannot be closed underneath them.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
