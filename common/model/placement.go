// Package model holds the node's view of where models run, and the persisted model records.
package model

import (
	"sync"
	"time"

	"github.com/scusemua/mlcommons-cluster/common/utils/hashmap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// mark is the last applied membership change of one (model, node) pair.
type mark struct {
	present bool
	stamp   time.Time
}

// supersedes reports whether a change (present, stamp) wins over m. A newer change always wins. On a tie, a
// removal wins, so the outcome does not depend on the order in which the two changes are applied.
func (m mark) supersedes(present bool, stamp time.Time) bool {
	if stamp.After(m.stamp) {
		return true
	}
	return stamp.Equal(m.stamp) && !present && m.present
}

type placement struct {
	mu sync.Mutex

	nodes map[string]mark

	// target is the worker set the model was last asked to be loaded on.
	target []string

	// locallyLoaded is true when the model is loaded on this node.
	locallyLoaded bool
}

func newPlacement() *placement {
	return &placement{nodes: make(map[string]mark)}
}

func (p *placement) workers() []string {
	workers := make([]string, 0, len(p.nodes))
	for node, m := range p.nodes {
		if m.present {
			workers = append(workers, node)
		}
	}
	slices.Sort(workers)
	return workers
}

func (p *placement) apply(node string, present bool, stamp time.Time) bool {
	m, ok := p.nodes[node]
	if ok && !m.supersedes(present, stamp) {
		return false
	}
	p.nodes[node] = mark{present: present, stamp: stamp}
	return true
}

// PlacementTable maps each model id to the set of worker nodes hosting it.
//
// Adds and removes are idempotent. For a single (model, node) pair, a change carrying an older timestamp than
// the last applied change is ignored, so deltas commute regardless of arrival order. Clear and SyncWorkerNodes
// replace the table wholesale and forget those timestamps.
type PlacementTable struct {
	models *hashmap.ConcurrentMap[string, *placement]
}

func NewPlacementTable() *PlacementTable {
	return &PlacementTable{
		models: hashmap.NewConcurrentMap[*placement](hashmap.DefaultShards),
	}
}

func (t *PlacementTable) entry(modelID string) *placement {
	p, _ := t.models.LoadOrStore(modelID, newPlacement())
	return p
}

// AddWorkerNode records that nodeID hosts modelID as of stamp. It reports whether the table changed.
func (t *PlacementTable) AddWorkerNode(modelID string, nodeID string, stamp time.Time) bool {
	p := t.entry(modelID)
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(nodeID, true, stamp)
}

// AddWorkerNodes applies a delta of added nodes per model.
func (t *PlacementTable) AddWorkerNodes(delta map[string][]string, stamp time.Time) {
	for modelID, nodes := range delta {
		for _, node := range nodes {
			t.AddWorkerNode(modelID, node, stamp)
		}
	}
}

// RemoveWorkerNode records that nodeID no longer hosts modelID as of stamp. It reports whether the table changed.
func (t *PlacementTable) RemoveWorkerNode(modelID string, nodeID string, stamp time.Time) bool {
	p := t.entry(modelID)
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.apply(nodeID, false, stamp)
}

// RemoveWorkerNodes records that none of nodeIDs hosts any model as of stamp, typically because they left the
// cluster. Only models already in the table are affected.
func (t *PlacementTable) RemoveWorkerNodes(nodeIDs []string, stamp time.Time) {
	t.models.Range(func(_ string, p *placement) bool {
		p.mu.Lock()
		for _, node := range nodeIDs {
			p.apply(node, false, stamp)
		}
		p.mu.Unlock()
		return true
	})
}

// RemoveWorkerNodesOfModels applies a delta of removed nodes per model.
func (t *PlacementTable) RemoveWorkerNodesOfModels(delta map[string][]string, stamp time.Time) {
	for modelID, nodes := range delta {
		for _, node := range nodes {
			t.RemoveWorkerNode(modelID, node, stamp)
		}
	}
}

// SyncWorkerNodes replaces the worker sets of every model with table. Models absent from table end up with no
// worker nodes.
func (t *PlacementTable) SyncWorkerNodes(table map[string][]string, stamp time.Time) {
	t.models.Range(func(modelID string, p *placement) bool {
		if _, ok := table[modelID]; ok {
			return true
		}
		p.mu.Lock()
		p.nodes = make(map[string]mark)
		p.mu.Unlock()
		return true
	})

	for modelID, nodes := range table {
		p := t.entry(modelID)
		p.mu.Lock()
		p.nodes = make(map[string]mark, len(nodes))
		for _, node := range nodes {
			p.nodes[node] = mark{present: true, stamp: stamp}
		}
		p.mu.Unlock()
	}
}

// ClearWorkerNodes forgets the worker set of every model. Target sets and local flags are kept.
func (t *PlacementTable) ClearWorkerNodes() {
	t.models.Range(func(_ string, p *placement) bool {
		p.mu.Lock()
		p.nodes = make(map[string]mark)
		p.mu.Unlock()
		return true
	})
}

// WorkerNodes returns the nodes hosting modelID, sorted.
func (t *PlacementTable) WorkerNodes(modelID string) []string {
	p, ok := t.models.Load(modelID)
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers()
}

// Snapshot returns the worker set of every model hosted by at least one node.
func (t *PlacementTable) Snapshot() map[string][]string {
	snapshot := make(map[string][]string)
	t.models.Range(func(modelID string, p *placement) bool {
		p.mu.Lock()
		workers := p.workers()
		p.mu.Unlock()

		if len(workers) > 0 {
			snapshot[modelID] = workers
		}
		return true
	})
	return snapshot
}

// AllModels returns, sorted, the ids of models that are hosted somewhere or loaded on this node.
func (t *PlacementTable) AllModels() []string {
	ids := make(map[string]struct{})
	t.models.Range(func(modelID string, p *placement) bool {
		p.mu.Lock()
		if p.locallyLoaded || len(p.workers()) > 0 {
			ids[modelID] = struct{}{}
		}
		p.mu.Unlock()
		return true
	})

	models := maps.Keys(ids)
	slices.Sort(models)
	return models
}

func (t *PlacementTable) SetTargetWorkerNodes(modelID string, nodes []string) {
	p := t.entry(modelID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.target = slices.Clone(nodes)
	slices.Sort(p.target)
}

func (t *PlacementTable) TargetWorkerNodes(modelID string) []string {
	p, ok := t.models.Load(modelID)
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.target)
}

// SetLocallyLoaded records whether modelID is loaded on this node.
func (t *PlacementTable) SetLocallyLoaded(modelID string, loaded bool) {
	p := t.entry(modelID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.locallyLoaded = loaded
}

// IsModelRunningOnNode reports whether modelID is loaded on this node.
func (t *PlacementTable) IsModelRunningOnNode(modelID string) bool {
	p, ok := t.models.Load(modelID)
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locallyLoaded
}

// LocalLoadedModels returns the ids of the models loaded on this node, sorted.
func (t *PlacementTable) LocalLoadedModels() []string {
	var models []string
	t.models.Range(func(modelID string, p *placement) bool {
		p.mu.Lock()
		if p.locallyLoaded {
			models = append(models, modelID)
		}
		p.mu.Unlock()
		return true
	})

	slices.Sort(models)
	return models
}

func (t *PlacementTable) RemoveModel(modelID string) {
	t.models.Delete(modelID)
}
