package syncup_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/engine"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/wire"
)

var _ = Describe("Handler", func() {
	var (
		ctx        context.Context
		now        time.Time
		store      *storage.MemoryStore
		registry   *task.Registry
		placement  *model.PlacementTable
		repository *model.Repository
		settings   *configuration.Settings
		handler    *syncup.Handler
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.UnixMilli(1_700_000_000_000)
		store = storage.NewMemoryStore()
		registry = task.NewRegistry(store, nil, nil)
		registry.SetClock(func() time.Time { return now })
		placement = model.NewPlacementTable()
		repository = model.NewRepository(store)
		repository.SetClock(func() time.Time { return now })

		values := configuration.DefaultValues()
		values.TaskTimeoutSeconds = 30
		settings = configuration.NewSettings(values)

		handler = syncup.NewHandler("n1", registry, placement, repository, settings, "", nil)
		handler.SetClock(func() time.Time { return now })
	})

	handle := func(input *syncup.Input) *syncup.NodeResponse {
		resp, err := handler.Handle(ctx, input)
		Expect(err).ToNot(HaveOccurred())
		Expect(resp.Status).To(Equal(syncup.StatusOK))
		Expect(resp.NodeID).To(Equal("n1"))
		return resp
	}

	Context("Placement changes", func() {
		It("should apply added and removed worker nodes", func() {
			handle(&syncup.Input{AddedWorkerNodes: map[string][]string{"m1": {"n1", "n2", "n3"}}, DeltaTimestamp: now})
			handle(&syncup.Input{RemovedWorkerNodes: map[string][]string{"m1": {"n2"}}, DeltaTimestamp: now.Add(time.Second)})

			Expect(placement.WorkerNodes("m1")).To(Equal([]string{"n1", "n3"}))
		})

		It("should ignore a delta older than the last change of the same node", func() {
			handle(&syncup.Input{RemovedWorkerNodes: map[string][]string{"m1": {"n2"}}, DeltaTimestamp: now.Add(time.Second)})
			handle(&syncup.Input{AddedWorkerNodes: map[string][]string{"m1": {"n2"}}, DeltaTimestamp: now})

			Expect(placement.WorkerNodes("m1")).To(BeEmpty())
		})

		It("should overwrite the table with the routing table", func() {
			placement.AddWorkerNode("m1", "n1", now)
			handle(&syncup.Input{ModelRoutingTable: map[string][]string{"m2": {"n3", "n2"}}, DeltaTimestamp: now})

			Expect(placement.WorkerNodes("m1")).To(BeEmpty())
			Expect(placement.WorkerNodes("m2")).To(Equal([]string{"n2", "n3"}))
		})

		It("should let clear win over overwrite", func() {
			placement.AddWorkerNode("m1", "n1", now)
			handle(&syncup.Input{
				AddedWorkerNodes:  map[string][]string{"m3": {"n4"}},
				ModelRoutingTable: map[string][]string{"m2": {"n2"}},
				ClearRoutingTable: true,
				DeltaTimestamp:    now,
			})

			Expect(placement.Snapshot()).To(BeEmpty())
		})
	})

	Context("Collecting local state", func() {
		It("should report loaded models and running load tasks only when asked to", func() {
			placement.SetLocallyLoaded("m1", true)
			running := &task.Task{TaskID: "t1", ModelID: "m2", TaskType: task.LoadModel, State: task.Running, CreateTime: now, LastUpdateTime: now}
			Expect(registry.Add(running, []string{"n1"})).To(Succeed())

			resp := handle(&syncup.Input{})
			Expect(resp.LoadedModelIDs).To(BeEmpty())

			resp = handle(&syncup.Input{GetLoadedModels: true})
			Expect(resp.LoadedModelIDs).To(Equal([]string{"m1"}))
			Expect(resp.RunningLoadModelTaskIDs).To(Equal([]string{"t1"}))
			Expect(resp.RunningLoadModelIDs).To(Equal([]string{"m2"}))
		})
	})

	Context("Cleanup", func() {
		It("should time out load tasks and recompute the model state against the original target", func() {
			stale := now.Add(-31 * time.Second)
			load := &task.Task{TaskID: "t1", ModelID: "m1", TaskType: task.LoadModel, State: task.Running, CreateTime: stale, LastUpdateTime: stale}
			Expect(registry.Add(load, []string{"n1", "n2", "n3"})).To(Succeed())
			placement.AddWorkerNode("m1", "n1", now)

			handle(&syncup.Input{})

			Expect(registry.Contains("t1")).To(BeFalse())

			var m *model.Model
			repository.Get(ctx, "m1", func(found *model.Model, err error) {
				Expect(err).ToNot(HaveOccurred())
				m = found
			})
			Expect(m.State).To(Equal(model.PartiallyLoaded))
			Expect(m.CurrentWorkerNodeCount).To(Equal(1))
		})

		It("should keep load tasks that a worker still runs", func() {
			stale := now.Add(-31 * time.Second)
			load := &task.Task{TaskID: "t1", ModelID: "m1", TaskType: task.LoadModel, State: task.Running, CreateTime: stale, LastUpdateTime: stale}
			Expect(registry.Add(load, []string{"n2"})).To(Succeed())

			handle(&syncup.Input{SyncRunningLoadModelTasks: true, RunningLoadModelTasks: map[string][]string{"t1": {"n2"}}})
			Expect(registry.Contains("t1")).To(BeTrue())
		})

		It("should remove the cache directories of orphaned models", func() {
			root, err := os.MkdirTemp("", "syncup-cache-*")
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(os.RemoveAll, root)

			for _, dir := range []string{
				engine.ModelDir(root, engine.LoadDir, "orphan"),
				engine.ModelDir(root, engine.UploadDir, "orphan"),
				engine.ModelDir(root, engine.LoadDir, "busy"),
				engine.ModelDir(root, engine.CacheDir, "local"),
			} {
				Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
				Expect(os.WriteFile(filepath.Join(dir, "model.bin"), []byte("x"), 0o644)).To(Succeed())
			}

			busy := &task.Task{TaskID: "t1", ModelID: "busy", TaskType: task.Prediction, State: task.Running, CreateTime: now, LastUpdateTime: now}
			Expect(registry.Add(busy, nil)).To(Succeed())
			placement.SetLocallyLoaded("local", true)

			handler = syncup.NewHandler("n1", registry, placement, repository, settings, root, nil)
			handler.SetClock(func() time.Time { return now })
			handle(&syncup.Input{})

			Expect(engine.ModelDir(root, engine.LoadDir, "orphan")).ToNot(BeADirectory())
			Expect(engine.ModelDir(root, engine.UploadDir, "orphan")).ToNot(BeADirectory())
			Expect(engine.ModelDir(root, engine.LoadDir, "busy")).To(BeADirectory())
			Expect(engine.ModelDir(root, engine.CacheDir, "local")).To(BeADirectory())
		})
	})

	It("should carry an input over the wire", func() {
		input := &syncup.Input{
			AddedWorkerNodes:          map[string][]string{"m1": {"n1", "n2"}},
			RemovedWorkerNodes:        map[string][]string{"m2": {"n3"}},
			ModelRoutingTable:         map[string][]string{"m1": {"n1"}, "m3": {"n2"}},
			ClearRoutingTable:         true,
			GetLoadedModels:           true,
			SyncRunningLoadModelTasks: true,
			RunningLoadModelTasks:     map[string][]string{"t1": {"n1"}},
			DeltaTimestamp:            now,
		}

		decoded := &syncup.Input{}
		Expect(wire.Unmarshal(wire.Marshal(input), decoded)).To(Succeed())
		Expect(decoded).To(Equal(input))

		resp := &syncup.NodeResponse{NodeID: "n1", Status: syncup.StatusOK, LoadedModelIDs: []string{"m1"}}
		decodedResp := &syncup.NodeResponse{}
		Expect(wire.Unmarshal(wire.Marshal(resp), decodedResp)).To(Succeed())
		Expect(decodedResp).To(Equal(resp))
	})
})
