// Package forward implements the point-to-point protocol used when the node that accepted a task is not the
// node that executes it.
//
// Task-level failures travel as data inside requests and responses. Only transport failures and malformed
// requests are returned as errors.
package forward

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/types"
	"github.com/scusemua/mlcommons-cluster/common/utils"
	"golang.org/x/exp/slices"
)

// Broadcaster propagates placement changes to the rest of the cluster.
type Broadcaster interface {
	BroadcastAddedWorkerNodes(ctx context.Context, added map[string][]string)
}

// Registrar registers uploaded models.
type Registrar interface {
	RegisterModel(ctx context.Context, registration *model.Registration) error
}

// Runner executes a task that was dispatched to this node. origin is the node that accepted the task and
// expects its progress reports.
type Runner interface {
	Execute(ctx context.Context, t *task.Task, origin string) (output.Output, error)
}

// Handler processes forward requests received by this node.
type Handler struct {
	log logger.Logger

	registry    *task.Registry
	placement   *model.PlacementTable
	repository  *model.Repository
	broadcaster Broadcaster
	registrar   Registrar
	runner      Runner

	clock func() time.Time
}

func NewHandler(registry *task.Registry, placement *model.PlacementTable, repository *model.Repository,
	broadcaster Broadcaster, registrar Registrar, runner Runner) *Handler {

	handler := &Handler{
		registry:    registry,
		placement:   placement,
		repository:  repository,
		broadcaster: broadcaster,
		registrar:   registrar,
		runner:      runner,
		clock:       time.Now,
	}
	config.InitLogger(&handler.log, handler)
	return handler
}

// SetClock replaces the handler's time source.
func (h *Handler) SetClock(clock func() time.Time) {
	h.clock = clock
}

// Handle processes req.
func (h *Handler) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, types.InvalidArgument("forward request is nil")
	}

	switch req.RequestType {
	case LoadModelDone:
		return h.handleLoadModelDone(ctx, req)
	case UploadModel:
		return h.handleUploadModel(ctx, req)
	case TaskUpdate:
		return h.handleTaskUpdate(ctx, req)
	case ExecuteTask:
		return h.handleExecuteTask(ctx, req)
	default:
		return nil, types.InvalidArgument("unknown forward request type \"%s\"", req.RequestType)
	}
}

func (h *Handler) handleLoadModelDone(ctx context.Context, req *Request) (*Response, error) {
	if req.TaskID == "" || req.ModelID == "" || req.WorkerNodeID == "" {
		return nil, types.InvalidArgument("%s requires a task id, a model id and a worker node id", req.RequestType)
	}

	now := h.clock()
	if req.Error == "" {
		h.placement.AddWorkerNode(req.ModelID, req.WorkerNodeID, now)
	} else {
		h.log.Warn("Worker %s failed to load model %s for task %s: %s", req.WorkerNodeID, req.ModelID, req.TaskID, req.Error)
	}

	report, err := h.registry.CompleteWorker(req.TaskID, req.WorkerNodeID, req.Error)
	if errors.Is(err, task.ErrTaskNotFound) {
		// The task is unknown here, e.g. it was swept. Propagate the reporting node alone.
		if req.Error == "" {
			h.broadcastAdded(ctx, req.ModelID, []string{req.WorkerNodeID})
		}
		return &Response{Status: StatusOK}, nil
	}
	if err != nil {
		return nil, err
	}

	if report.Remaining > 0 {
		h.log.Debug("Task %s is waiting for %d more worker(s).", req.TaskID, report.Remaining)
		return &Response{Status: StatusOK}, nil
	}

	h.completeLoad(ctx, req, report)
	return &Response{Status: StatusOK}, nil
}

// completeLoad finishes a load task once every worker reported.
func (h *Handler) completeLoad(ctx context.Context, req *Request, report *task.WorkerReport) {
	successes := make([]string, 0, len(report.Target))
	for _, node := range report.Target {
		if _, failed := report.Errors[node]; !failed {
			successes = append(successes, node)
		}
	}
	slices.Sort(successes)

	update := task.Update{State: task.Completed}
	switch {
	case len(report.Errors) > 0 && len(successes) == 0:
		update.State = task.Failed
	case len(report.Errors) > 0:
		update.State = task.CompletedWithError
	}

	if len(report.Errors) > 0 {
		encoded, err := json.Marshal(report.Errors)
		if err != nil {
			h.log.Error("Failed to encode worker errors of task %s: %v", req.TaskID, err)
		} else {
			update.Error = string(encoded)
		}
	}

	if err := h.registry.Update(ctx, req.TaskID, update, true, nil); err != nil {
		h.log.Warn("Could not finish task %s: %v", req.TaskID, err)
	}

	h.placement.SetTargetWorkerNodes(req.ModelID, report.Target)
	state := model.StateForWorkerCount(len(successes), len(report.Target))
	if h.repository != nil {
		h.repository.UpdateState(ctx, req.ModelID, state, len(successes), nil)
	}

	h.log.Info(utils.OutcomeStyle(len(successes), len(report.Target)).Render("Task %s loaded model %s on %d/%d node(s); task is %s and model is %s."),
		req.TaskID, req.ModelID, len(successes), len(report.Target), update.State, state)

	if len(successes) > 0 {
		h.broadcastAdded(ctx, req.ModelID, successes)
	}
}

func (h *Handler) broadcastAdded(ctx context.Context, modelID string, nodes []string) {
	if h.broadcaster == nil {
		return
	}
	h.broadcaster.BroadcastAddedWorkerNodes(ctx, map[string][]string{modelID: nodes})
}

func (h *Handler) handleUploadModel(ctx context.Context, req *Request) (*Response, error) {
	if req.Registration == nil {
		return nil, types.InvalidArgument("%s requires a model registration", req.RequestType)
	}

	if h.registrar == nil {
		return nil, types.ErrNotImplemented
	}

	if err := h.registrar.RegisterModel(ctx, req.Registration); err != nil {
		h.log.Warn("Failed to register model %s: %v", req.Registration.ModelID, err)
		return &Response{
			Status: StatusOK,
			Output: &output.TaskOutput{TaskID: req.TaskID, Status: task.Failed.String(), Error: err.Error()},
		}, nil
	}

	return &Response{
		Status: StatusOK,
		Output: &output.TaskOutput{TaskID: req.TaskID, Status: task.Completed.String()},
	}, nil
}

func (h *Handler) handleTaskUpdate(ctx context.Context, req *Request) (*Response, error) {
	if req.Task == nil {
		return nil, types.InvalidArgument("%s requires a task snapshot", req.RequestType)
	}

	applied, err := h.registry.ApplyRemote(ctx, req.Task)
	if errors.Is(err, task.ErrTaskNotFound) {
		h.log.Debug("Dropping update of task %s, which is not cached here.", req.Task.TaskID)
		return &Response{Status: StatusOK}, nil
	}
	if err != nil {
		return nil, err
	}

	if applied && req.Task.State.IsTerminal() {
		h.log.Debug("Task %s reported %s by %s.", req.Task.TaskID, req.Task.State, req.WorkerNodeID)
	}

	return &Response{Status: StatusOK}, nil
}

func (h *Handler) handleExecuteTask(ctx context.Context, req *Request) (*Response, error) {
	if req.Task == nil {
		return nil, types.InvalidArgument("%s requires a task", req.RequestType)
	}

	if err := req.Task.Validate(); err != nil {
		return nil, err
	}

	if h.runner == nil {
		return nil, types.ErrNotImplemented
	}

	out, err := h.runner.Execute(ctx, req.Task, req.OriginNodeID)
	if err != nil {
		return &Response{
			Status: StatusOK,
			Output: &output.TaskOutput{TaskID: req.Task.TaskID, Status: task.Failed.String(), Error: err.Error()},
		}, nil
	}

	return &Response{Status: StatusOK, Output: out}, nil
}
