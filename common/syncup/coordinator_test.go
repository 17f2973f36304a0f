package syncup_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"github.com/scusemua/mlcommons-cluster/common/task"
)

// testNode is one simulated cluster member.
type testNode struct {
	node      cluster.Node
	registry  *task.Registry
	placement *model.PlacementTable
	handler   *syncup.Handler
}

// routingSender delivers sync-up requests straight to the target node's handler.
type routingSender struct {
	mu    sync.Mutex
	nodes map[string]*testNode
	down  map[string]bool
	sent  map[string]int
}

func (s *routingSender) SyncUp(ctx context.Context, node cluster.Node, input *syncup.Input) (*syncup.NodeResponse, error) {
	s.mu.Lock()
	target, ok := s.nodes[node.ID]
	down := s.down[node.ID]
	s.sent[node.ID] += 1
	s.mu.Unlock()

	if !ok || down {
		return nil, errors.New("connection refused")
	}
	return target.handler.Handle(ctx, input)
}

func (s *routingSender) setDown(id string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[id] = down
}

var _ = Describe("Coordinator", func() {
	var (
		ctx         context.Context
		now         time.Time
		store       *storage.MemoryStore
		repository  *model.Repository
		settings    *configuration.Settings
		sender      *routingSender
		membership  *cluster.StaticMembership
		coordinator *syncup.Coordinator
		nodes       []*testNode
	)

	newTestNode := func(id string) *testNode {
		registry := task.NewRegistry(store, nil, nil)
		registry.SetClock(func() time.Time { return now })
		placement := model.NewPlacementTable()
		handler := syncup.NewHandler(id, registry, placement, repository, settings, "", nil)
		handler.SetClock(func() time.Time { return now })
		return &testNode{
			node:      cluster.Node{ID: id, Address: id + ":9000", Roles: []cluster.Role{cluster.RoleML}},
			registry:  registry,
			placement: placement,
			handler:   handler,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.UnixMilli(1_700_000_000_000)
		store = storage.NewMemoryStore()
		repository = model.NewRepository(store)
		repository.SetClock(func() time.Time { return now })
		settings = configuration.NewSettings(configuration.DefaultValues())

		sender = &routingSender{nodes: make(map[string]*testNode), down: make(map[string]bool), sent: make(map[string]int)}
		nodes = nil
		for _, id := range []string{"n1", "n2", "n3"} {
			n := newTestNode(id)
			nodes = append(nodes, n)
			sender.nodes[id] = n
		}

		membership = cluster.NewStaticMembership(nodes[0].node, nodes[1].node, nodes[2].node)
		coordinator = syncup.NewCoordinator(membership, sender, nil, nil)
		coordinator.SetClock(func() time.Time { return now })
	})

	Context("Fan-out", func() {
		It("should record a failing node without blocking the others", func() {
			sender.setDown("n2", true)

			result := coordinator.Gather(ctx, membership.Nodes(), &syncup.Input{
				AddedWorkerNodes: map[string][]string{"m1": {"n1"}},
				DeltaTimestamp:   now,
			})

			Expect(result.Responses).To(HaveLen(2))
			Expect(result.Failed("n2")).To(BeTrue())
			Expect(errors.Is(result.Failures["n2"], syncup.ErrSyncUpFailed)).To(BeTrue())
			Expect(nodes[0].placement.WorkerNodes("m1")).To(Equal([]string{"n1"}))
			Expect(nodes[1].placement.WorkerNodes("m1")).To(BeEmpty())
			Expect(nodes[2].placement.WorkerNodes("m1")).To(Equal([]string{"n1"}))
		})

		It("should deliver the aggregated result of an asynchronous sync-up", func() {
			done := make(chan *syncup.NodesResponse, 1)
			coordinator.SyncUp(ctx, membership.Nodes(), &syncup.Input{GetLoadedModels: true}, func(result *syncup.NodesResponse) {
				done <- result
			})

			var result *syncup.NodesResponse
			Eventually(done).Should(Receive(&result))
			Expect(result.Responses).To(HaveLen(3))
			Expect(result.Failures).To(BeEmpty())
		})

		It("should broadcast added and removed worker nodes to every node", func() {
			coordinator.BroadcastAddedWorkerNodes(ctx, map[string][]string{"m1": {"n1", "n3"}})
			Eventually(func() []string { return nodes[1].placement.WorkerNodes("m1") }).Should(Equal([]string{"n1", "n3"}))

			now = now.Add(time.Second)
			coordinator.BroadcastRemovedWorkerNodes(ctx, map[string][]string{"m1": {"n3"}})
			for _, n := range nodes {
				n := n
				Eventually(func() []string { return n.placement.WorkerNodes("m1") }).Should(Equal([]string{"n1"}))
			}
		})
	})

	Context("Cron", func() {
		var cron *syncup.Cron

		BeforeEach(func() {
			cron = syncup.NewCron(coordinator, membership, repository, settings, nil)
			cron.SetClock(func() time.Time { return now })
		})

		persistedModel := func(modelID string) *model.Model {
			var m *model.Model
			repository.Get(ctx, modelID, func(found *model.Model, err error) {
				Expect(err).ToNot(HaveOccurred())
				m = found
			})
			return m
		}

		It("should push the merged placement table and refresh model states", func() {
			repository.SetPlanningWorkerNodes(ctx, "m1", []string{"n1", "n2", "n3"}, nil)
			now = now.Add(time.Hour)

			nodes[0].placement.SetLocallyLoaded("m1", true)
			nodes[1].placement.SetLocallyLoaded("m1", true)
			nodes[2].placement.SetLocallyLoaded("m2", true)
			nodes[2].placement.AddWorkerNode("stale", "n3", now.Add(-time.Minute))

			Expect(cron.RunOnce(ctx)).To(BeTrue())

			for _, n := range nodes {
				Expect(n.placement.WorkerNodes("m1")).To(Equal([]string{"n1", "n2"}))
				Expect(n.placement.WorkerNodes("m2")).To(Equal([]string{"n3"}))
				Expect(n.placement.WorkerNodes("stale")).To(BeEmpty())
			}

			m := persistedModel("m1")
			Expect(m.State).To(Equal(model.PartiallyLoaded))
			Expect(m.CurrentWorkerNodeCount).To(Equal(2))
		})

		It("should clear every table when no model is loaded anywhere", func() {
			for _, n := range nodes {
				n.placement.AddWorkerNode("m1", "n1", now)
			}

			Expect(cron.RunOnce(ctx)).To(BeTrue())
			for _, n := range nodes {
				Expect(n.placement.Snapshot()).To(BeEmpty())
			}
		})

		It("should fail a loaded model that is no longer hosted anywhere", func() {
			repository.UpdateState(ctx, "m1", model.Loaded, 2, nil)

			Expect(cron.RunOnce(ctx)).To(BeTrue())
			m := persistedModel("m1")
			Expect(m.State).To(Equal(model.LoadFailed))
			Expect(m.CurrentWorkerNodeCount).To(Equal(0))
		})

		It("should leave a model alone while a node is still loading it", func() {
			repository.SetPlanningWorkerNodes(ctx, "m1", []string{"n1", "n2"}, nil)
			now = now.Add(time.Hour)

			load := &task.Task{TaskID: "t1", ModelID: "m1", TaskType: task.LoadModel, State: task.Running, CreateTime: now, LastUpdateTime: now}
			Expect(nodes[1].registry.Add(load, []string{"n2"})).To(Succeed())

			Expect(cron.RunOnce(ctx)).To(BeTrue())
			Expect(persistedModel("m1").State).To(Equal(model.Loading))
		})

		It("should carry on with the nodes that answered", func() {
			nodes[0].placement.SetLocallyLoaded("m1", true)
			sender.setDown("n3", true)

			Expect(cron.RunOnce(ctx)).To(BeTrue())
			Expect(nodes[1].placement.WorkerNodes("m1")).To(Equal([]string{"n1"}))
		})
	})
})
