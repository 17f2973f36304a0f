package syncup

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// maxConcurrentStateUpdates bounds the model state writes issued by one round.
	maxConcurrentStateUpdates = 8
)

// Cron periodically rebuilds the cluster-wide placement table and pushes it to every node.
//
// A round has two phases. The first asks every node for the models it has loaded and the load tasks it is
// running. The second overwrites every node's placement table with the merged result, or clears it if no model
// is loaded anywhere. The round then refreshes the persisted state of every model. At most one round runs at a
// time; a tick that finds a round in progress is skipped.
type Cron struct {
	log logger.Logger

	coordinator *Coordinator
	membership  cluster.Membership
	repository  *model.Repository
	settings    *configuration.Settings
	metrics     *metrics.PrometheusManager

	running *semaphore.Weighted
	clock   func() time.Time
}

func NewCron(coordinator *Coordinator, membership cluster.Membership, repository *model.Repository,
	settings *configuration.Settings, metricsManager *metrics.PrometheusManager) *Cron {

	cron := &Cron{
		coordinator: coordinator,
		membership:  membership,
		repository:  repository,
		settings:    settings,
		metrics:     metricsManager,
		running:     semaphore.NewWeighted(1),
		clock:       time.Now,
	}
	config.InitLogger(&cron.log, cron)
	return cron
}

// SetClock replaces the cron's time source.
func (c *Cron) SetClock(clock func() time.Time) {
	c.clock = clock
}

// Start runs rounds until ctx is done. The interval is re-read from the settings before every round.
func (c *Cron) Start(ctx context.Context) {
	c.log.Info("Starting sync-up cron with an interval of %v.", c.settings.Get().SyncUpInterval())

	timer := time.NewTimer(c.settings.Get().SyncUpInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Sync-up cron stopped.")
			return
		case <-timer.C:
			c.RunOnce(ctx)
			timer.Reset(c.settings.Get().SyncUpInterval())
		}
	}
}

// RunOnce runs a single round. It reports false if another round was already in progress.
func (c *Cron) RunOnce(ctx context.Context) bool {
	if !c.running.TryAcquire(1) {
		c.log.Debug("Skipping sync-up round; the previous round is still running.")
		return false
	}
	defer c.running.Release(1)

	c.metrics.SyncUpRound()

	nodes := c.membership.Nodes()
	gathered := c.coordinator.Gather(ctx, nodes, &Input{GetLoadedModels: true})
	if len(gathered.Responses) == 0 {
		c.log.Warn("No node answered the sync-up gather phase (%d failure(s)).", len(gathered.Failures))
		return true
	}

	table, runningTasks, loadingModels := merge(gathered.Responses)

	push := &Input{
		ModelRoutingTable:         table,
		ClearRoutingTable:         len(table) == 0,
		SyncRunningLoadModelTasks: true,
		RunningLoadModelTasks:     runningTasks,
		DeltaTimestamp:            c.clock(),
	}
	pushed := c.coordinator.Gather(ctx, nodes, push)
	c.log.Debug("Pushed placement of models %v to %d/%d node(s).", loadedModels(table), len(pushed.Responses), len(nodes))

	if c.repository != nil {
		c.refreshModelStates(ctx, table, loadingModels)
	}
	return true
}

// merge folds the node responses into a placement table, a map from running load task id to the nodes
// running it, and the set of models some node is still loading. Node lists are sorted.
func merge(responses []*NodeResponse) (map[string][]string, map[string][]string, map[string]struct{}) {
	table := make(map[string][]string)
	runningTasks := make(map[string][]string)
	loadingModels := make(map[string]struct{})

	for _, resp := range responses {
		for _, modelID := range resp.LoadedModelIDs {
			table[modelID] = append(table[modelID], resp.NodeID)
		}
		for _, taskID := range resp.RunningLoadModelTaskIDs {
			runningTasks[taskID] = append(runningTasks[taskID], resp.NodeID)
		}
		for _, modelID := range resp.RunningLoadModelIDs {
			loadingModels[modelID] = struct{}{}
		}
	}

	for _, nodes := range table {
		slices.Sort(nodes)
	}
	for _, nodes := range runningTasks {
		slices.Sort(nodes)
	}
	return table, runningTasks, loadingModels
}

// refreshModelStates brings every persisted model record in line with table.
func (c *Cron) refreshModelStates(ctx context.Context, table map[string][]string, loading map[string]struct{}) {
	done := make(chan []*model.Model, 1)
	c.repository.List(ctx, func(models []*model.Model, err error) {
		if err != nil {
			c.log.Warn("Failed to list models: %v", err)
		}
		done <- models
	})

	var models []*model.Model
	select {
	case models = <-done:
	case <-ctx.Done():
		return
	}

	grace := c.settings.Get().TaskTimeout()
	now := c.clock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentStateUpdates)

	for _, m := range models {
		state, count, ok := nextState(m, table[m.ModelID], loading, now, grace)
		if !ok {
			continue
		}

		m := m
		g.Go(func() error {
			c.log.Info("Refreshing model %s: %s -> %s on %d node(s).", m.ModelID, m.State, state, count)

			written := make(chan error, 1)
			c.repository.UpdateState(gctx, m.ModelID, state, count, func(err error) { written <- err })

			select {
			case err := <-written:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		c.log.Warn("Failed to refresh model states: %v", err)
	}
}

// nextState returns the state a model record should move to, or ok=false if it should be left alone.
func nextState(m *model.Model, nodes []string, loading map[string]struct{}, now time.Time, grace time.Duration) (model.State, int, bool) {
	if _, ok := loading[m.ModelID]; ok {
		return "", 0, false
	}

	switch m.State {
	case model.Registering, model.Registered, model.Unloaded, "":
		return "", 0, false
	case model.Loading:
		// A load may still be starting up on its worker nodes.
		if len(nodes) == 0 && now.Sub(m.LastUpdateTime) < grace {
			return "", 0, false
		}
	case model.LoadFailed:
		if len(nodes) == 0 {
			return "", 0, false
		}
	default:
	}

	target := m.PlanningWorkerNodeCount
	if target == 0 {
		target = len(nodes)
	}

	state := model.StateForWorkerCount(len(nodes), target)
	if state == m.State && len(nodes) == m.CurrentWorkerNodeCount {
		return "", 0, false
	}
	return state, len(nodes), true
}

// loadedModels returns the models of table, sorted.
func loadedModels(table map[string][]string) []string {
	ids := maps.Keys(table)
	slices.Sort(ids)
	return ids
}
