package engine

import (
	"context"
	"sync"

	"github.com/roach88/ofrenda/internal/ir"
)

// job is one queued dispatch.
type job struct {
	ctx    context.Context
	action ir.Action
	// done receives the dispatch result. Nil for deferred jobs, whose
	// result is only logged.
	done chan error
}

// jobQueue is a thread-safe FIFO queue of dispatch jobs.
//
// The queue is unbounded so subscribers can enqueue follow-up actions from
// inside the writer without blocking it.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs: make([]job, 0, 16),
	}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *jobQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)
	return true
}

// TryDequeue removes the front job without blocking.
func (q *jobQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}

	j := q.jobs[0]

	// Nil out the slot so the array does not retain the job's context and
	// payload until it is reallocated.
	q.jobs[0] = job{}

	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close rejects further jobs. Jobs already queued are still drained.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
