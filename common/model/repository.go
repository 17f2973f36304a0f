package model

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"golang.org/x/exp/slices"
)

// Repository reads and writes model records through the store.
type Repository struct {
	log logger.Logger

	store storage.Store
	clock func() time.Time
}

func NewRepository(store storage.Store) *Repository {
	repository := &Repository{
		store: store,
		clock: time.Now,
	}
	config.InitLogger(&repository.log, repository)
	return repository
}

// SetClock replaces the time source used to stamp model records.
func (r *Repository) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Register writes a new model record in the REGISTERED state.
func (r *Repository) Register(ctx context.Context, registration *Registration, cb func(error)) {
	m := &Model{
		ModelID:        registration.ModelID,
		Name:           registration.Name,
		FunctionName:   registration.FunctionName,
		Version:        registration.Version,
		State:          Registered,
		LastUpdateTime: r.clock(),
	}

	r.store.Upsert(ctx, storage.ModelIndex, m.ModelID, m.Document(), func(err error) {
		if err != nil {
			r.log.Error("Failed to register model %s: %v", m.ModelID, err)
		} else {
			r.log.Info("Registered model %s (%s).", m.ModelID, m.Name)
		}
		if cb != nil {
			cb(err)
		}
	})
}

// UpdateState records the model's state and the number of nodes currently hosting it.
func (r *Repository) UpdateState(ctx context.Context, modelID string, state State, currentWorkerNodeCount int, cb func(error)) {
	fields := storage.Document{
		"model_id":                  modelID,
		"model_state":               state.String(),
		"current_worker_node_count": currentWorkerNodeCount,
		"last_update_time":          r.clock().UnixMilli(),
	}

	r.store.Upsert(ctx, storage.ModelIndex, modelID, fields, func(err error) {
		if err != nil {
			r.log.Warn("Failed to update state of model %s to %s: %v", modelID, state, err)
		}
		if cb != nil {
			cb(err)
		}
	})
}

// SetPlanningWorkerNodes records the worker set a model is being loaded on.
func (r *Repository) SetPlanningWorkerNodes(ctx context.Context, modelID string, nodes []string, cb func(error)) {
	fields := storage.Document{
		"model_id":                   modelID,
		"model_state":                Loading.String(),
		"planning_worker_node_count": len(nodes),
		"planning_worker_nodes":      slices.Clone(nodes),
		"last_update_time":           r.clock().UnixMilli(),
	}

	r.store.Upsert(ctx, storage.ModelIndex, modelID, fields, func(err error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (r *Repository) Get(ctx context.Context, modelID string, cb func(*Model, error)) {
	r.store.Get(ctx, storage.ModelIndex, modelID, func(doc storage.Document, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(FromDocument(doc), nil)
	})
}

// List returns every model record, ordered by model id.
func (r *Repository) List(ctx context.Context, cb func([]*Model, error)) {
	r.store.List(ctx, storage.ModelIndex, func(docs map[string]storage.Document, err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		models := make([]*Model, 0, len(docs))
		for _, doc := range docs {
			models = append(models, FromDocument(doc))
		}
		slices.SortFunc(models, func(a, b *Model) int {
			switch {
			case a.ModelID < b.ModelID:
				return -1
			case a.ModelID > b.ModelID:
				return 1
			default:
				return 0
			}
		})
		cb(models, nil)
	})
}
