package daemon

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/types"
	"golang.org/x/exp/slices"
)

var (
	// ErrTaskFailed wraps the error message a worker recorded for a failed task.
	ErrTaskFailed = errors.New("task failed")
)

// Callback receives the outcome of a submitted task. It is called exactly once, except for asynchronous tasks,
// whose callback is called once when the task has been created and not again.
type Callback func(out output.Output, err error)

// TaskRequest is a request to run model work somewhere in the cluster.
type TaskRequest struct {
	TaskType     task.Type
	ModelID      string
	FunctionName string
	Input        []byte

	// Async requests are answered with the task id as soon as the task has been created.
	Async bool

	// Registration is the model to store, for UPLOAD_MODEL requests.
	Registration *model.Registration
}

// SubmitTask admits, validates and dispatches a task. Errors detected before dispatch are returned directly and
// cb is never called; every later outcome is delivered through cb.
func (d *NodeDaemon) SubmitTask(ctx context.Context, req *TaskRequest, cb Callback) error {
	if d.closed.Load() {
		return ErrDaemonClosed
	}

	if req == nil {
		return types.InvalidArgument("task request is nil")
	}

	if err := d.breakers.Admit(); err != nil {
		return err
	}

	t := task.New(req.TaskType, req.ModelID, req.FunctionName, req.Async)
	t.Input = slices.Clone(req.Input)

	if req.TaskType == task.UploadModel {
		if req.Registration == nil {
			return types.InvalidArgument("upload request carries no model registration")
		}

		if t.ModelID == "" {
			t.ModelID = req.Registration.ModelID
		}
	}

	if err := t.Validate(); err != nil {
		return err
	}

	// The caller's context only bounds admission; the task outlives the call.
	bg := context.WithoutCancel(ctx)

	switch t.TaskType {
	case task.LoadModel:
		d.loadModel(bg, t, cb)
	case task.UnloadModel:
		d.unloadModel(bg, t, cb)
	default:
		d.dispatchTask(bg, t, req.Registration, cb)
	}
	return nil
}

// dispatchTask selects one node and runs t there.
func (d *NodeDaemon) dispatchTask(ctx context.Context, t *task.Task, registration *model.Registration, cb Callback) {
	d.dispatcher.Dispatch(ctx, func(node cluster.Node, err error) {
		if err != nil {
			d.log.Warn("Failed to dispatch %v: %v", t, err)
			cb(nil, err)
			return
		}

		t.WorkerNodes = []string{node.ID}
		if err := d.registry.Add(t, nil); err != nil {
			cb(nil, err)
			return
		}

		d.registry.Create(ctx, t, func(err error) {
			if err != nil {
				d.registry.Remove(t.TaskID)
				cb(nil, errors.Wrapf(err, "failed to create task %s", t.TaskID))
				return
			}

			done := cb
			if t.Async {
				cb(&output.TaskOutput{TaskID: t.TaskID, Status: task.Created.String()}, nil)
				done = nil
			}

			d.executeOn(ctx, node, t, registration, func(out output.Output, err error) {
				out, err = d.finishTask(ctx, t, out, err)
				if done != nil {
					done(out, err)
				}
			})
		})
	})
}

// executeOn runs t on node and passes the result to done.
func (d *NodeDaemon) executeOn(ctx context.Context, node cluster.Node, t *task.Task, registration *model.Registration,
	done func(output.Output, error)) {

	if node.ID == d.local.ID {
		snapshot := t.Clone()
		err := d.executePool.Submit(func() {
			if snapshot.TaskType == task.UploadModel {
				if err := d.registerModel(ctx, registration); err != nil {
					done(nil, err)
					return
				}
				done(&output.TaskOutput{TaskID: snapshot.TaskID, Status: task.Completed.String()}, nil)
				return
			}

			done(d.runTask(ctx, snapshot, d.local.ID))
		})
		if err != nil {
			done(nil, err)
		}
		return
	}

	req := &forward.Request{
		TaskID:       t.TaskID,
		ModelID:      t.ModelID,
		OriginNodeID: d.local.ID,
		RequestType:  forward.ExecuteTask,
		Task:         t.Clone(),
	}
	if t.TaskType == task.UploadModel {
		req.RequestType = forward.UploadModel
		req.Registration = registration
	}

	d.forwarder.Forward(ctx, node, req, func(resp *forward.Response, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		done(resp.Output, nil)
	})
}

// finishTask moves the cached task to the terminal state implied by the result and returns the result as the
// submitter sees it.
func (d *NodeDaemon) finishTask(ctx context.Context, t *task.Task, out output.Output, err error) (output.Output, error) {
	state, message := outcome(out, err)

	update := task.Update{State: state, Error: message}
	if trained, ok := out.(*output.TrainingOutput); ok && trained.ModelID != "" {
		update.ModelID = trained.ModelID
	}

	if updateErr := d.registry.Update(ctx, t.TaskID, update, true, nil); updateErr != nil {
		if errors.Is(updateErr, task.ErrTaskTerminal) {
			d.registry.Remove(t.TaskID)
		} else if !errors.Is(updateErr, task.ErrTaskNotFound) {
			d.log.Warn("Failed to finish task %s: %v", t.TaskID, updateErr)
		}
	}

	if err != nil {
		return nil, err
	}

	if state == task.Failed {
		return nil, errors.Wrap(ErrTaskFailed, message)
	}
	return out, nil
}

// outcome maps a task result to the task's terminal state and error message.
func outcome(out output.Output, err error) (task.State, string) {
	if err != nil {
		return task.Failed, err.Error()
	}

	switch o := out.(type) {
	case *output.TaskOutput:
		state := task.State(o.Status)
		if !state.IsTerminal() {
			state = task.Completed
		}
		return state, o.Error
	case *output.PredictionOutput:
		if state := task.State(o.Status); state.IsTerminal() {
			return state, ""
		}
	case *output.TrainingOutput:
		if state := task.State(o.Status); state.IsTerminal() {
			return state, ""
		}
	}
	return task.Completed, ""
}

// loadModel fans t out to every eligible node. cb is called once the load has started on them; the final
// outcome is recorded when the last node reports LOAD_MODEL_DONE.
func (d *NodeDaemon) loadModel(ctx context.Context, t *task.Task, cb Callback) {
	d.dispatcher.DispatchAll(ctx, func(nodes []cluster.Node, err error) {
		if err != nil {
			d.log.Warn("Failed to dispatch %v: %v", t, err)
			cb(nil, err)
			return
		}

		workers := cluster.NodeIDs(nodes)
		t.WorkerNodes = workers
		t.State = task.Running

		if err := d.registry.CheckLimitAndAddRunningTask(t, d.settings.Get().MaxLoadModelTasksPerNode); err != nil {
			d.log.Warn("Rejecting %v: %v", t, err)
			cb(nil, err)
			return
		}

		d.registry.Create(ctx, t, func(err error) {
			if err != nil {
				d.registry.Remove(t.TaskID)
				cb(nil, errors.Wrapf(err, "failed to create task %s", t.TaskID))
				return
			}

			d.repository.SetPlanningWorkerNodes(ctx, t.ModelID, workers, nil)
			d.placement.SetTargetWorkerNodes(t.ModelID, workers)

			d.log.Debug("Loading model %s on %d node(s): %v", t.ModelID, len(workers), workers)
			cb(&output.TaskOutput{TaskID: t.TaskID, Status: task.Running.String()}, nil)

			d.startLoad(ctx, t, nodes)
		})
	})
}

// startLoad asks every node to load the model of t. A node that cannot be asked is recorded as failed.
func (d *NodeDaemon) startLoad(ctx context.Context, t *task.Task, nodes []cluster.Node) {
	for _, node := range nodes {
		node := node
		if node.ID == d.local.ID {
			snapshot := t.Clone()
			if err := d.executePool.Submit(func() { d.loadLocally(ctx, snapshot, d.local.ID) }); err != nil {
				d.reportLoadFailure(ctx, t, node.ID, err)
			}
			continue
		}

		req := &forward.Request{
			TaskID:       t.TaskID,
			ModelID:      t.ModelID,
			OriginNodeID: d.local.ID,
			RequestType:  forward.ExecuteTask,
			Task:         t.Clone(),
		}
		d.forwarder.Forward(ctx, node, req, func(resp *forward.Response, err error) {
			if err == nil {
				if rejected, ok := resp.Output.(*output.TaskOutput); ok && rejected.Status == task.Failed.String() {
					err = errors.Wrap(ErrTaskFailed, rejected.Error)
				}
			}

			if err != nil {
				d.reportLoadFailure(ctx, t, node.ID, err)
			}
		})
	}
}

// reportLoadFailure records, on behalf of a node that could not be reached, that its part of a load failed.
func (d *NodeDaemon) reportLoadFailure(ctx context.Context, t *task.Task, nodeID string, cause error) {
	d.report(ctx, d.local.ID, &forward.Request{
		TaskID:       t.TaskID,
		ModelID:      t.ModelID,
		WorkerNodeID: nodeID,
		RequestType:  forward.LoadModelDone,
		Error:        cause.Error(),
	})
}

// unloadModel unloads the model from every node currently hosting it.
func (d *NodeDaemon) unloadModel(ctx context.Context, t *task.Task, cb Callback) {
	var hosts []cluster.Node
	nodes := d.membership.Nodes()
	for _, id := range d.placement.WorkerNodes(t.ModelID) {
		if node, ok := cluster.FindNode(nodes, id); ok {
			hosts = append(hosts, node)
		}
	}

	if len(hosts) == 0 {
		d.log.Debug("Model %s is not loaded on any node; nothing to unload.", t.ModelID)
		t.State = task.Completed
		d.registry.Create(ctx, t, nil)
		d.repository.UpdateState(ctx, t.ModelID, model.Unloaded, 0, nil)
		cb(&output.TaskOutput{TaskID: t.TaskID, Status: task.Completed.String()}, nil)
		return
	}

	t.WorkerNodes = cluster.NodeIDs(hosts)
	t.State = task.Running
	if err := d.registry.Add(t, t.WorkerNodes); err != nil {
		cb(nil, err)
		return
	}
	d.registry.Create(ctx, t, func(err error) {
		if err != nil {
			d.registry.Remove(t.TaskID)
			cb(nil, errors.Wrapf(err, "failed to create task %s", t.TaskID))
			return
		}
		d.startUnload(ctx, t, hosts, cb)
	})
}

// startUnload asks every host of the model of t to unload it, and completes t once all of them answered.
func (d *NodeDaemon) startUnload(ctx context.Context, t *task.Task, hosts []cluster.Node, cb Callback) {
	var (
		mu        sync.Mutex
		results   = make(map[string]error, len(hosts))
		remaining = len(hosts)
	)
	complete := func(nodeID string, err error) {
		mu.Lock()
		results[nodeID] = err
		remaining--
		last := remaining == 0
		mu.Unlock()

		if last {
			d.completeUnload(ctx, t, results, cb)
		}
	}

	for _, node := range hosts {
		node := node
		if node.ID == d.local.ID {
			err := d.executePool.Submit(func() { complete(node.ID, d.unloadLocally(ctx, t.ModelID)) })
			if err != nil {
				complete(node.ID, err)
			}
			continue
		}

		req := &forward.Request{
			TaskID:       t.TaskID,
			ModelID:      t.ModelID,
			OriginNodeID: d.local.ID,
			RequestType:  forward.ExecuteTask,
			Task:         t.Clone(),
		}
		d.forwarder.Forward(ctx, node, req, func(resp *forward.Response, err error) {
			if err == nil {
				if failed, ok := resp.Output.(*output.TaskOutput); ok && failed.Status == task.Failed.String() {
					err = errors.Wrap(ErrTaskFailed, failed.Error)
				}
			}
			complete(node.ID, err)
		})
	}
}

func (d *NodeDaemon) completeUnload(ctx context.Context, t *task.Task, results map[string]error, cb Callback) {
	var unloaded []string
	errs := make(map[string]string)
	for nodeID, err := range results {
		if err != nil {
			errs[nodeID] = err.Error()
			continue
		}
		unloaded = append(unloaded, nodeID)
	}
	slices.Sort(unloaded)

	state := task.Completed
	var message string
	if len(errs) > 0 {
		state = task.CompletedWithError
		if len(unloaded) == 0 {
			state = task.Failed
		}

		encoded, err := json.Marshal(errs)
		if err != nil {
			d.log.Error("Failed to encode unload errors of task %s: %v", t.TaskID, err)
		}
		message = string(encoded)
	}

	if len(unloaded) > 0 {
		removed := map[string][]string{t.ModelID: unloaded}
		d.placement.RemoveWorkerNodesOfModels(removed, d.clock())
		d.coordinator.BroadcastRemovedWorkerNodes(ctx, removed)
	}

	remaining := len(results) - len(unloaded)
	modelState := model.Unloaded
	if remaining > 0 {
		modelState = model.PartiallyLoaded
	}
	d.repository.UpdateState(ctx, t.ModelID, modelState, remaining, nil)

	if err := d.registry.Update(ctx, t.TaskID, task.Update{State: state, Error: message}, true, nil); err != nil {
		d.log.Warn("Failed to finish unload task %s: %v", t.TaskID, err)
	}

	d.log.Debug("Unloaded model %s from %v; %d node(s) failed.", t.ModelID, unloaded, len(errs))
	cb(&output.TaskOutput{TaskID: t.TaskID, Status: state.String(), Error: message}, nil)
}
