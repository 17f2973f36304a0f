// Package task tracks the tasks a node has accepted or is executing.
//
// The Registry is a per-node cache keyed by task id. Mutations of one task are serialized by that task's
// entry, and a task that has reached a terminal state is never mutated again. Persistence to the store is
// asynchronous and completes through callbacks.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/executor"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/utils/hashmap"
	"golang.org/x/exp/slices"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultPersistTimeout bounds how long an update waits for an earlier write of the same task.
	DefaultPersistTimeout = 5 * time.Second
)

var (
	ErrDuplicateTask    = status.Error(codes.AlreadyExists, "duplicate task id")
	ErrTaskNotFound     = status.Error(codes.NotFound, "task not found")
	ErrTaskTerminal     = status.Error(codes.FailedPrecondition, "task is already in a terminal state")
	ErrRunningTaskLimit = status.Error(codes.ResourceExhausted, "too many running tasks of this type on this node")
)

// Update describes a change to a task. Empty fields are left unchanged.
type Update struct {
	State   State
	Error   string
	ModelID string
}

// Registry is the node-local table of in-flight tasks.
type Registry struct {
	log logger.Logger

	tasks *hashmap.ConcurrentMap[string, *Entry]

	// running counts the cached tasks in the RUNNING state, per type.
	running   map[Type]int
	runningMu sync.Mutex

	// admitMu makes the limit check and the insertion of CheckLimitAndAddRunningTask atomic.
	admitMu sync.Mutex

	store          storage.Store
	pool           *executor.Pool
	metrics        *metrics.PrometheusManager
	persistTimeout time.Duration

	clock func() time.Time
}

// NewRegistry creates a Registry that persists through store on pool. Either may be nil, in which case
// updates are applied in memory only.
func NewRegistry(store storage.Store, pool *executor.Pool, metricsManager *metrics.PrometheusManager) *Registry {
	registry := &Registry{
		tasks:          hashmap.NewConcurrentMap[*Entry](hashmap.DefaultShards),
		running:        make(map[Type]int),
		store:          store,
		pool:           pool,
		metrics:        metricsManager,
		persistTimeout: DefaultPersistTimeout,
		clock:          time.Now,
	}
	config.InitLogger(&registry.log, registry)
	return registry
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(clock func() time.Time) {
	r.clock = clock
}

// now returns the current time at millisecond precision, which is what survives the wire.
func (r *Registry) now() time.Time {
	return time.UnixMilli(r.clock().UnixMilli())
}

// Add caches t. workerNodes is the set of nodes expected to report a result for it.
func (r *Registry) Add(t *Task, workerNodes []string) error {
	if err := t.Validate(); err != nil {
		return err
	}

	entry := newEntry(t.Clone(), workerNodes)

	// Count the task before it becomes visible, so that a concurrent Remove never decrements first.
	if entry.counted {
		r.adjustRunning(t.TaskType, 1)
	}

	if _, loaded := r.tasks.LoadOrStore(t.TaskID, entry); loaded {
		if entry.counted {
			r.adjustRunning(t.TaskType, -1)
		}
		r.log.Warn("Rejecting duplicate task %s.", t.TaskID)
		return ErrDuplicateTask
	}

	r.log.Debug("Added %v with %d worker node(s).", t, len(workerNodes))
	return nil
}

// CheckLimitAndAddRunningTask adds t only if fewer than limit tasks of its type are running on this node.
func (r *Registry) CheckLimitAndAddRunningTask(t *Task, limit int) error {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	r.runningMu.Lock()
	count := r.running[t.TaskType]
	r.runningMu.Unlock()

	if count >= limit {
		return errors.Wrapf(ErrRunningTaskLimit, "%d %s task(s) running, limit is %d", count, t.TaskType, limit)
	}

	return r.Add(t, t.WorkerNodes)
}

func (r *Registry) adjustRunning(taskType Type, delta int) {
	if delta == 0 {
		return
	}

	r.runningMu.Lock()
	r.running[taskType] += delta
	if r.running[taskType] < 0 {
		r.running[taskType] = 0
	}
	count := r.running[taskType]
	r.runningMu.Unlock()

	r.metrics.SetRunningTasks(taskType.String(), count)
}

// transition applies the running-count change of one task and records a task that finished.
func (r *Registry) transition(taskType Type, delta int, from State, to State) {
	r.adjustRunning(taskType, delta)

	if from != to && to.IsTerminal() {
		r.metrics.TaskFinished(taskType.String(), to.String())
	}
}

func (r *Registry) Contains(taskID string) bool {
	_, ok := r.tasks.Load(taskID)
	return ok
}

// Get returns a copy of the cached task.
func (r *Registry) Get(taskID string) (*Task, bool) {
	entry, ok := r.tasks.Load(taskID)
	if !ok {
		return nil, false
	}
	return entry.Snapshot(), true
}

func (r *Registry) Entry(taskID string) (*Entry, bool) {
	return r.tasks.Load(taskID)
}

// Remove drops the task from the cache.
func (r *Registry) Remove(taskID string) {
	entry, ok := r.tasks.LoadAndDelete(taskID)
	if !ok {
		return
	}

	entry.mu.Lock()
	taskType := entry.task.TaskType
	delta := entry.evict()
	entry.mu.Unlock()

	r.adjustRunning(taskType, delta)

	r.log.Debug("Removed task %s from the cache.", taskID)
}

// WorkerNodes returns the worker set the task was created with.
func (r *Registry) WorkerNodes(taskID string) []string {
	entry, ok := r.tasks.Load(taskID)
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return slices.Clone(entry.task.WorkerNodes)
}

// AddNodeError records an error reported by a worker node.
func (r *Registry) AddNodeError(taskID string, nodeID string, msg string) {
	entry, ok := r.tasks.Load(taskID)
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.errors[nodeID] = msg
	entry.mu.Unlock()
}

// CompleteWorker records that nodeID finished its part of the task, optionally with an error, and removes it
// from the pending set.
func (r *Registry) CompleteWorker(taskID string, nodeID string, errMsg string) (*WorkerReport, error) {
	entry, ok := r.tasks.Load(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if errMsg != "" {
		entry.errors[nodeID] = errMsg
	}
	delete(entry.pending, nodeID)

	errs := make(map[string]string, len(entry.errors))
	for k, v := range entry.errors {
		errs[k] = v
	}

	return &WorkerReport{
		Task:      entry.task.Clone(),
		Remaining: len(entry.pending),
		Errors:    errs,
		Target:    slices.Clone(entry.task.WorkerNodes),
	}, nil
}

// AllTaskIDs returns the ids of every cached task, sorted.
func (r *Registry) AllTaskIDs() []string {
	ids := r.tasks.Keys()
	slices.Sort(ids)
	return ids
}

func (r *Registry) RunningTaskCount(taskType Type) int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	return r.running[taskType]
}

func (r *Registry) Len() int {
	return r.tasks.Len()
}

func (r *Registry) Clear() {
	r.tasks.Range(func(_ string, entry *Entry) bool {
		entry.mu.Lock()
		entry.evict()
		entry.mu.Unlock()
		return true
	})
	r.tasks.Clear()

	r.runningMu.Lock()
	r.running = make(map[Type]int)
	r.runningMu.Unlock()
}

// ContainsModel reports whether any cached task of the given type refers to modelID. An empty taskType
// matches every type.
func (r *Registry) ContainsModel(modelID string, taskType Type) bool {
	found := false
	r.tasks.Range(func(_ string, entry *Entry) bool {
		entry.mu.Lock()
		found = entry.task.ModelID == modelID && (taskType == "" || entry.task.TaskType == taskType)
		entry.mu.Unlock()
		return !found
	})
	return found
}

// ActiveModelIDs returns the model ids referenced by any cached task.
func (r *Registry) ActiveModelIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	r.tasks.Range(func(_ string, entry *Entry) bool {
		entry.mu.Lock()
		if entry.task.ModelID != "" {
			ids[entry.task.ModelID] = struct{}{}
		}
		entry.mu.Unlock()
		return true
	})
	return ids
}

// LocalRunningLoadModelTasks returns the ids of the cached LOAD_MODEL tasks that have started and not yet
// finished, and the ids of the models they load. Both slices are sorted.
func (r *Registry) LocalRunningLoadModelTasks() (taskIDs []string, modelIDs []string) {
	models := make(map[string]struct{})
	r.tasks.Range(func(id string, entry *Entry) bool {
		entry.mu.Lock()
		defer entry.mu.Unlock()

		if entry.task.TaskType != LoadModel || entry.task.State == Created || entry.task.State.IsTerminal() {
			return true
		}

		taskIDs = append(taskIDs, id)
		if entry.task.ModelID != "" {
			models[entry.task.ModelID] = struct{}{}
		}
		return true
	})

	for id := range models {
		modelIDs = append(modelIDs, id)
	}

	slices.Sort(taskIDs)
	slices.Sort(modelIDs)
	return taskIDs, modelIDs
}

// KeepAliveLoadTasks refreshes the LastUpdateTime of every cached, non-terminal LOAD_MODEL task that one of its
// pending worker nodes reports in running, so that a load still in progress is not swept as timed out. A report
// from a node that already finished its part, such as the node coordinating the task, keeps nothing alive. It
// returns the number of tasks refreshed. The refresh is not persisted.
func (r *Registry) KeepAliveLoadTasks(running map[string][]string, now time.Time) int {
	stamp := time.UnixMilli(now.UnixMilli())

	refreshed := 0
	for id, nodes := range running {
		if len(nodes) == 0 {
			continue
		}

		entry, ok := r.tasks.Load(id)
		if !ok {
			continue
		}

		entry.mu.Lock()
		if entry.task.TaskType == LoadModel && !entry.task.State.IsTerminal() && entry.anyPending(nodes) &&
			stamp.After(entry.task.LastUpdateTime) {
			entry.task.LastUpdateTime = stamp
			refreshed += 1
		}
		entry.mu.Unlock()
	}

	if refreshed > 0 {
		r.log.Debug("Refreshed %d running LOAD_MODEL task(s).", refreshed)
	}
	return refreshed
}

// Update applies u to the task and persists the result asynchronously.
//
// Updates of one task are serialized. An update of a task that is already terminal is rejected with
// ErrTaskTerminal and leaves the task untouched. LastUpdateTime never moves backwards. If u moves the task to
// a terminal state and removeFromCache is true, the task is dropped from the cache.
//
// cb, if non-nil, receives the updated task once the store has acknowledged the write.
func (r *Registry) Update(ctx context.Context, taskID string, u Update, removeFromCache bool, cb func(*Task, error)) error {
	entry, ok := r.tasks.Load(taskID)
	if !ok {
		return ErrTaskNotFound
	}

	entry.mu.Lock()
	current := entry.task
	if current.State.IsTerminal() {
		entry.mu.Unlock()
		r.log.Warn("Ignoring update of task %s, which is already %s.", taskID, current.State)
		return ErrTaskTerminal
	}

	previous := current.State
	if u.State != "" {
		current.State = u.State
	}
	if u.Error != "" {
		current.Error = u.Error
	}
	if u.ModelID != "" {
		current.ModelID = u.ModelID
	}
	if now := r.now(); now.After(current.LastUpdateTime) {
		current.LastUpdateTime = now
	}
	delta := entry.recount()
	snapshot := current.Clone()
	entry.mu.Unlock()

	r.transition(snapshot.TaskType, delta, previous, snapshot.State)

	if removeFromCache && snapshot.State.IsTerminal() {
		r.tasks.DeleteIf(taskID, func(e *Entry) bool { return e == entry })
	}

	r.log.Debug("Updated task %s: %s -> %s.", taskID, previous, snapshot.State)
	r.persist(ctx, entry, snapshot, cb)
	return nil
}

// ApplyRemote applies a snapshot of a task received from another node.
//
// The snapshot wins only if its LastUpdateTime is not older than the cached one, regardless of the order in
// which snapshots arrive. A cached task that is already terminal is never changed. ApplyRemote reports
// whether the snapshot was applied.
func (r *Registry) ApplyRemote(ctx context.Context, remote *Task) (bool, error) {
	if remote == nil || remote.TaskID == "" {
		return false, errors.New("remote task snapshot has no task id")
	}

	entry, ok := r.tasks.Load(remote.TaskID)
	if !ok {
		return false, ErrTaskNotFound
	}

	entry.mu.Lock()
	current := entry.task
	if current.State.IsTerminal() {
		entry.mu.Unlock()
		r.log.Debug("Ignoring remote update of task %s, which is already %s.", remote.TaskID, current.State)
		return false, nil
	}

	if remote.LastUpdateTime.Before(current.LastUpdateTime) {
		entry.mu.Unlock()
		r.log.Debug("Ignoring stale remote update of task %s (%v < %v).",
			remote.TaskID, remote.LastUpdateTime, current.LastUpdateTime)
		return false, nil
	}

	previous := current.State
	if remote.State != "" {
		current.State = remote.State
	}
	if remote.Error != "" {
		current.Error = remote.Error
	}
	if remote.ModelID != "" {
		current.ModelID = remote.ModelID
	}
	current.LastUpdateTime = remote.LastUpdateTime
	delta := entry.recount()
	snapshot := current.Clone()
	entry.mu.Unlock()

	r.transition(snapshot.TaskType, delta, previous, snapshot.State)
	r.persist(ctx, entry, snapshot, nil)
	return true, nil
}

// Create persists a new task document. It does not cache the task.
func (r *Registry) Create(ctx context.Context, t *Task, cb func(error)) {
	r.metrics.TaskCreated(t.TaskType.String())

	if r.store == nil {
		if cb != nil {
			cb(nil)
		}
		return
	}

	doc := t.Document()
	submit := func() {
		r.store.Upsert(ctx, storage.TaskIndex, t.TaskID, doc, func(err error) {
			if err != nil {
				r.log.Error("Failed to persist new task %s: %v", t.TaskID, err)
			}
			if cb != nil {
				cb(err)
			}
		})
	}

	if r.pool == nil {
		submit()
		return
	}

	if err := r.pool.Submit(submit); err != nil && cb != nil {
		cb(err)
	}
}

// persist writes the entry's latest state. Writes of one task never overlap, and each write carries the state
// current at the time it runs, so a slow earlier write cannot overwrite a later one.
func (r *Registry) persist(ctx context.Context, entry *Entry, snapshot *Task, cb func(*Task, error)) {
	done := func(err error) {
		if cb != nil {
			cb(snapshot, err)
		}
	}

	if r.store == nil {
		done(nil)
		return
	}

	write := func() {
		acquireCtx, cancel := context.WithTimeout(ctx, r.persistTimeout)
		defer cancel()

		if err := entry.persist.Acquire(acquireCtx, 1); err != nil {
			r.log.Warn("Timed out waiting to persist task %s: %v", snapshot.TaskID, err)
			done(errors.Wrapf(err, "failed to persist task %s", snapshot.TaskID))
			return
		}

		latest := entry.Snapshot()
		r.store.Upsert(ctx, storage.TaskIndex, latest.TaskID, latest.Document(), func(err error) {
			entry.persist.Release(1)
			if err != nil {
				r.log.Warn("Failed to persist task %s: %v", latest.TaskID, err)
			}
			done(err)
		})
	}

	if r.pool == nil {
		write()
		return
	}

	if err := r.pool.Submit(write); err != nil {
		done(err)
	}
}

// SweepTimedOut fails every cached, non-terminal task whose LastUpdateTime is older than now-timeout and
// removes it from the cache. Terminal tasks older than now-timeout are dropped from the cache as well.
//
// The force-failed tasks are returned so that the caller can recompute the state of the models they loaded.
func (r *Registry) SweepTimedOut(ctx context.Context, now time.Time, timeout time.Duration) []*Task {
	cutoff := now.Add(-timeout)
	message := fmt.Sprintf("timeout after %d seconds", int64(timeout/time.Second))

	var swept []*Task
	for _, id := range r.tasks.Keys() {
		entry, ok := r.tasks.Load(id)
		if !ok {
			continue
		}

		entry.mu.Lock()
		current := entry.task
		if !current.LastUpdateTime.Before(cutoff) {
			entry.mu.Unlock()
			continue
		}

		if current.State.IsTerminal() {
			entry.mu.Unlock()
			r.tasks.DeleteIf(id, func(e *Entry) bool { return e == entry })
			continue
		}

		previous := current.State
		current.State = Failed
		current.Error = message
		if stamp := time.UnixMilli(now.UnixMilli()); stamp.After(current.LastUpdateTime) {
			current.LastUpdateTime = stamp
		}
		delta := entry.evict()
		snapshot := current.Clone()
		entry.mu.Unlock()

		r.tasks.DeleteIf(id, func(e *Entry) bool { return e == entry })
		r.transition(snapshot.TaskType, delta, previous, Failed)

		r.log.Warn("Task %s (%s) timed out; marking it FAILED.", id, snapshot.TaskType)
		r.persist(ctx, entry, snapshot, nil)
		swept = append(swept, snapshot)
	}

	r.metrics.TasksTimedOut(len(swept))
	return swept
}
