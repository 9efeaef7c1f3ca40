package worker

import (
	"context"
	"sync"
)

// taskRegistry is the arena of cancellable in-flight generation tasks,
// keyed by request id. It is owned exclusively by the Server and mutated
// only through these methods.
//
// register runs synchronously in the decode loop, before the task's
// goroutine is scheduled. That ordering closes the race where a cancel for
// an id arrives before the task that owns it has started.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[string]context.CancelFunc)}
}

// register creates the task's cancellable context and records its cancel
// handle. A duplicate id cancels the previous entry before replacing it so
// no context leaks.
func (r *taskRegistry) register(parent context.Context, id string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	if prev, ok := r.tasks[id]; ok {
		prev()
	}
	r.tasks[id] = cancel
	r.mu.Unlock()
	return ctx
}

// cancel signals cooperative cancellation on the task and removes it.
// Returns false when the id is unknown (never registered, already finished,
// or already cancelled): cancellation after a terminal outcome reports
// NOT_FOUND, never a double resolution.
func (r *taskRegistry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// remove drops a completed task, releasing its context. Safe to call after
// cancel already removed the entry.
func (r *taskRegistry) remove(id string) {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// cancelAll signals every task and clears the registry. Used by
// process.shutdown and connection teardown.
func (r *taskRegistry) cancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.tasks))
	for _, cancel := range r.tasks {
		cancels = append(cancels, cancel)
	}
	r.tasks = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// size reports the number of in-flight tasks.
func (r *taskRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
