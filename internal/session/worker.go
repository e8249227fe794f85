package session

import (
	"context"

	"github.com/cjeanneret/IndiGo/internal/debug"
)

// job is one unit of hardware work. run blocks for the full hardware round
// trip; cancellation goes through the job's own context, captured in the
// closure.
type job struct {
	id  string
	run func()
}

// worker owns the hardware: it executes jobs strictly one at a time, in
// submission order, on its own goroutine. The session loop never touches the
// device directly, so a slow sensor can never stall event handling. A
// discarded job may still occupy the worker; its successor simply queues
// behind it.
type worker struct {
	jobs chan job
}

func newWorker(depth int) *worker {
	return &worker{jobs: make(chan job, depth)}
}

// submit enqueues a job. Returns false when the queue is full, which means
// the caller raced far ahead of the hardware and must back off.
func (w *worker) submit(j job) bool {
	select {
	case w.jobs <- j:
		return true
	default:
		return false
	}
}

// Run executes jobs until ctx is cancelled. A job already running is not
// interrupted here; its own context takes care of that.
func (w *worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			debug.Job("hw", j.id, "start")
			j.run()
			debug.Job("hw", j.id, "done")
		}
	}
}
