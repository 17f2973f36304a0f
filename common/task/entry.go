package task

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"
)

// Entry is the registry's record of one task. All access goes through the entry's mutex, which serializes
// mutations of the task.
type Entry struct {
	mu   sync.Mutex
	task *Task

	// pending holds the worker nodes that have not yet reported a result.
	pending map[string]struct{}

	// errors maps a worker node id to the error it reported.
	errors map[string]string

	// persist orders writes of this task to the store.
	persist *semaphore.Weighted

	// counted is set while the task contributes to the registry's running count.
	counted bool

	// evicted is set once the entry has been dropped from the cache.
	evicted bool
}

func newEntry(t *Task, workerNodes []string) *Entry {
	entry := &Entry{
		task:    t,
		pending: make(map[string]struct{}, len(workerNodes)),
		errors:  make(map[string]string),
		persist: semaphore.NewWeighted(1),
		counted: t.State == Running,
	}

	for _, node := range workerNodes {
		entry.pending[node] = struct{}{}
	}

	if len(t.WorkerNodes) == 0 && len(workerNodes) > 0 {
		t.WorkerNodes = slices.Clone(workerNodes)
	}

	return entry
}

// Snapshot returns a copy of the task.
func (e *Entry) Snapshot() *Task {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.task.Clone()
}

// PendingWorkers returns the worker nodes that have not reported yet, sorted.
func (e *Entry) PendingWorkers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := maps.Keys(e.pending)
	slices.Sort(pending)
	return pending
}

// Errors returns a copy of the per-worker errors.
func (e *Entry) Errors() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return maps.Clone(e.errors)
}

// recount aligns the entry's contribution to the running count with its state and returns the change. An
// evicted task contributes nothing. The caller holds e.mu.
func (e *Entry) recount() int {
	want := !e.evicted && e.task.State == Running
	switch {
	case want && !e.counted:
		e.counted = true
		return 1
	case !want && e.counted:
		e.counted = false
		return -1
	default:
		return 0
	}
}

// evict marks the entry as dropped from the cache and returns the change of the running count. The caller
// holds e.mu.
func (e *Entry) evict() int {
	e.evicted = true
	return e.recount()
}

// anyPending reports whether one of nodes has not reported yet. The caller holds e.mu.
func (e *Entry) anyPending(nodes []string) bool {
	for _, node := range nodes {
		if _, ok := e.pending[node]; ok {
			return true
		}
	}
	return false
}

// WorkerReport is the outcome of recording one worker's result.
type WorkerReport struct {
	// Task is a snapshot taken after the report was recorded.
	Task *Task

	// Remaining is the number of workers that still have to report.
	Remaining int

	// Errors holds every worker error reported so far.
	Errors map[string]string

	// Target is the worker set the task was created with.
	Target []string
}
