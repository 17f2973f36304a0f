package daemon

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/types"
)

type result struct {
	out output.Output
	err error
}

// Execute runs a task forwarded by origin. A load is only started: it reports LOAD_MODEL_DONE to origin when it
// finishes, and Execute returns at once with a RUNNING output. Every other task is run to completion.
func (d *NodeDaemon) Execute(ctx context.Context, t *task.Task, origin string) (output.Output, error) {
	if t.TaskType == task.LoadModel {
		bg := context.WithoutCancel(ctx)
		snapshot := t.Clone()
		if err := d.executePool.Submit(func() { d.loadLocally(bg, snapshot, origin) }); err != nil {
			return nil, err
		}
		return &output.TaskOutput{TaskID: t.TaskID, Status: task.Running.String()}, nil
	}

	return d.wait(ctx, func() (output.Output, error) {
		return d.runTask(ctx, t, origin)
	})
}

// RegisterModel stores a model uploaded through another node.
func (d *NodeDaemon) RegisterModel(ctx context.Context, registration *model.Registration) error {
	_, err := d.wait(ctx, func() (output.Output, error) {
		return nil, d.registerModel(ctx, registration)
	})
	return err
}

// wait runs fn on the execute pool and blocks until it returns or ctx is done.
func (d *NodeDaemon) wait(ctx context.Context, fn func() (output.Output, error)) (output.Output, error) {
	done := make(chan result, 1)
	if err := d.executePool.Submit(func() {
		out, err := fn()
		done <- result{out: out, err: err}
	}); err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *NodeDaemon) registerModel(ctx context.Context, registration *model.Registration) error {
	if registration == nil {
		return types.InvalidArgument("model registration is nil")
	}

	if err := d.engine.Register(ctx, registration); err != nil {
		return errors.Wrapf(err, "failed to store model %s", registration.ModelID)
	}

	done := make(chan error, 1)
	d.repository.Register(ctx, registration, func(err error) { done <- err })
	if err := <-done; err != nil {
		return errors.Wrapf(err, "failed to register model %s", registration.ModelID)
	}

	d.log.Debug("Registered model %s (%s).", registration.ModelID, registration.Name)
	return nil
}

// runTask executes t on this node. It runs on the execute pool.
//
// A task whose origin is another node is tracked in this node's registry while it runs, and the origin is told
// when it starts.
func (d *NodeDaemon) runTask(ctx context.Context, t *task.Task, origin string) (output.Output, error) {
	limit := d.settings.Get().MaxMLTasksPerNode

	if origin == d.local.ID {
		if count := d.registry.RunningTaskCount(t.TaskType); count >= limit {
			return nil, errors.Wrapf(task.ErrRunningTaskLimit, "%d %s task(s) running, limit is %d", count, t.TaskType, limit)
		}

		if err := d.registry.Update(ctx, t.TaskID, task.Update{State: task.Running}, false, nil); err != nil {
			d.log.Warn("Failed to mark task %s as running: %v", t.TaskID, err)
		}
	} else {
		running := t.Clone()
		running.State = task.Running
		running.LastUpdateTime = time.UnixMilli(d.clock().UnixMilli())

		if err := d.registry.CheckLimitAndAddRunningTask(running, limit); err != nil {
			return nil, err
		}
		defer d.registry.Remove(t.TaskID)

		d.report(ctx, origin, &forward.Request{
			TaskID:       t.TaskID,
			ModelID:      t.ModelID,
			WorkerNodeID: d.local.ID,
			RequestType:  forward.TaskUpdate,
			Task:         running,
		})
	}

	return d.perform(ctx, t)
}

// perform hands t to the model engine.
func (d *NodeDaemon) perform(ctx context.Context, t *task.Task) (output.Output, error) {
	switch t.TaskType {
	case task.Prediction:
		predicted, err := d.engine.Predict(ctx, t.ModelID, t.Input)
		if err != nil {
			return nil, err
		}
		predicted.TaskID = t.TaskID
		return predicted, nil
	case task.Training:
		trained, err := d.engine.Train(ctx, t.FunctionName, t.Input)
		if err != nil {
			return nil, err
		}
		trained.TaskID = t.TaskID
		return trained, nil
	case task.TrainingAndPrediction:
		return d.trainAndPredict(ctx, t)
	case task.Execution:
		events, err := d.engine.Execute(ctx, t.FunctionName, t.Input)
		if err != nil {
			return nil, err
		}
		return events, nil
	case task.UnloadModel:
		if err := d.unloadLocally(ctx, t.ModelID); err != nil {
			return nil, err
		}
		return &output.TaskOutput{TaskID: t.TaskID, Status: task.Completed.String()}, nil
	default:
		return nil, types.InvalidArgument("task type %s cannot be executed by a worker", t.TaskType)
	}
}

// trainAndPredict trains a model, predicts with it and releases it again.
func (d *NodeDaemon) trainAndPredict(ctx context.Context, t *task.Task) (output.Output, error) {
	trained, err := d.engine.Train(ctx, t.FunctionName, t.Input)
	if err != nil {
		return nil, err
	}

	if err := d.engine.Load(ctx, trained.ModelID, t.FunctionName); err != nil {
		return nil, errors.Wrapf(err, "failed to load trained model %s", trained.ModelID)
	}

	defer func() {
		if err := d.engine.Unload(ctx, trained.ModelID); err != nil {
			d.log.Warn("Failed to release trained model %s: %v", trained.ModelID, err)
		}
	}()

	predicted, err := d.engine.Predict(ctx, trained.ModelID, t.Input)
	if err != nil {
		return nil, err
	}
	predicted.TaskID = t.TaskID
	return predicted, nil
}

// loadLocally loads the model of t on this node and reports the outcome to origin. It runs on the execute pool.
func (d *NodeDaemon) loadLocally(ctx context.Context, t *task.Task, origin string) {
	done := &forward.Request{
		TaskID:       t.TaskID,
		ModelID:      t.ModelID,
		WorkerNodeID: d.local.ID,
		RequestType:  forward.LoadModelDone,
	}

	if origin != d.local.ID {
		running := t.Clone()
		running.State = task.Running
		if err := d.registry.CheckLimitAndAddRunningTask(running, d.settings.Get().MaxLoadModelTasksPerNode); err != nil {
			d.log.Warn("Rejecting load of model %s for task %s: %v", t.ModelID, t.TaskID, err)
			done.Error = err.Error()
			d.report(ctx, origin, done)
			return
		}
		defer d.registry.Remove(t.TaskID)
	}

	start := d.clock()
	if err := d.engine.Load(ctx, t.ModelID, t.FunctionName); err != nil {
		d.log.Warn("Failed to load model %s for task %s: %v", t.ModelID, t.TaskID, err)
		done.Error = err.Error()
	} else {
		d.placement.SetLocallyLoaded(t.ModelID, true)
		d.log.Debug("Loaded model %s in %v.", t.ModelID, d.clock().Sub(start))
	}

	d.report(ctx, origin, done)
}

// unloadLocally releases a model on this node.
func (d *NodeDaemon) unloadLocally(ctx context.Context, modelID string) error {
	if err := d.engine.Unload(ctx, modelID); err != nil {
		return errors.Wrapf(err, "failed to unload model %s", modelID)
	}

	d.placement.SetLocallyLoaded(modelID, false)
	return nil
}
