// Package syncup keeps every node's model placement table and task cache consistent with the rest of the
// cluster.
//
// A coordinator fans a sync-up Input out to a set of nodes. Each receiving node applies it with a Handler,
// cleans up its local state and replies with a NodeResponse. The protocol is best effort: a node that fails to
// answer is recorded in the aggregated NodesResponse and the round carries on without it.
package syncup

import (
	"context"
	"os"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/engine"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/task"
)

const (
	StatusOK = "ok"
)

// Handler applies sync-up requests to the local node.
type Handler struct {
	log logger.Logger

	nodeID     string
	registry   *task.Registry
	placement  *model.PlacementTable
	repository *model.Repository
	settings   *configuration.Settings
	metrics    *metrics.PrometheusManager

	// cacheRoot is the engine's model cache root. Empty disables orphaned file cleanup.
	cacheRoot string

	clock func() time.Time
}

func NewHandler(nodeID string, registry *task.Registry, placement *model.PlacementTable, repository *model.Repository,
	settings *configuration.Settings, cacheRoot string, metricsManager *metrics.PrometheusManager) *Handler {

	handler := &Handler{
		nodeID:     nodeID,
		registry:   registry,
		placement:  placement,
		repository: repository,
		settings:   settings,
		metrics:    metricsManager,
		cacheRoot:  cacheRoot,
		clock:      time.Now,
	}
	config.InitLogger(&handler.log, handler)
	return handler
}

// SetClock replaces the handler's time source.
func (h *Handler) SetClock(clock func() time.Time) {
	h.clock = clock
}

// Handle applies input in a fixed order: added worker nodes, removed worker nodes, then either a full clear or
// a full overwrite of the placement table. It then collects local state if asked to and cleans up timed out
// tasks and orphaned model files.
func (h *Handler) Handle(ctx context.Context, input *Input) (*NodeResponse, error) {
	now := h.clock()
	stamp := input.DeltaTimestamp
	if stamp.IsZero() {
		stamp = now
	}

	if len(input.AddedWorkerNodes) > 0 {
		h.placement.AddWorkerNodes(input.AddedWorkerNodes, stamp)
	}

	if len(input.RemovedWorkerNodes) > 0 {
		h.placement.RemoveWorkerNodesOfModels(input.RemovedWorkerNodes, stamp)
	}

	if input.ClearRoutingTable {
		h.log.Debug("Clearing model placement table.")
		h.placement.ClearWorkerNodes()
	} else if input.ModelRoutingTable != nil {
		h.placement.SyncWorkerNodes(input.ModelRoutingTable, stamp)
	}

	if input.SyncRunningLoadModelTasks {
		h.registry.KeepAliveLoadTasks(input.RunningLoadModelTasks, now)
	}

	response := &NodeResponse{NodeID: h.nodeID, Status: StatusOK}
	if input.GetLoadedModels {
		response.LoadedModelIDs = h.placement.LocalLoadedModels()
		response.RunningLoadModelTaskIDs, response.RunningLoadModelIDs = h.registry.LocalRunningLoadModelTasks()
	}

	h.cleanUpTimedOutTasks(ctx, now)
	h.cleanUpOrphanedFiles()

	return response, nil
}

// cleanUpTimedOutTasks fails expired tasks and recomputes the state of the models their load tasks targeted.
//
// The target count is the task's original worker set, even if some of those nodes have since left the
// cluster.
func (h *Handler) cleanUpTimedOutTasks(ctx context.Context, now time.Time) {
	timeout := configuration.DefaultValues().TaskTimeout()
	if h.settings != nil {
		timeout = h.settings.Get().TaskTimeout()
	}

	swept := h.registry.SweepTimedOut(ctx, now, timeout)
	for _, t := range swept {
		if t.TaskType != task.LoadModel || t.ModelID == "" || h.repository == nil {
			continue
		}

		current := len(h.placement.WorkerNodes(t.ModelID))
		state := model.StateForWorkerCount(current, len(t.WorkerNodes))
		h.log.Warn("Load task %s of model %s timed out; model is %s on %d/%d node(s).",
			t.TaskID, t.ModelID, state, current, len(t.WorkerNodes))
		h.repository.UpdateState(ctx, t.ModelID, state, current, nil)
	}
}

// cleanUpOrphanedFiles removes the cache directories of models that no cached task refers to and that are not
// loaded on this node.
func (h *Handler) cleanUpOrphanedFiles() {
	if h.cacheRoot == "" {
		return
	}

	dirs, err := engine.ModelDirs(h.cacheRoot)
	if err != nil {
		h.log.Warn("Failed to list model cache directories: %v", err)
		return
	}

	active := h.registry.ActiveModelIDs()
	removed := 0
	for dir, modelIDs := range dirs {
		for _, modelID := range modelIDs {
			if _, ok := active[modelID]; ok || h.placement.IsModelRunningOnNode(modelID) {
				continue
			}

			path := engine.ModelDir(h.cacheRoot, dir, modelID)
			if err := os.RemoveAll(path); err != nil {
				h.log.Warn("Failed to remove orphaned model directory \"%s\": %v", path, err)
				continue
			}

			h.log.Debug("Removed orphaned model directory \"%s\".", path)
			removed += 1
		}
	}

	if removed > 0 {
		h.log.Info("Removed %d orphaned model cache director(ies).", removed)
		h.metrics.OrphanedCacheDirsRemoved(removed)
	}
}
