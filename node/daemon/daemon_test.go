package daemon_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/breaker"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/engine"
	"github.com/scusemua/mlcommons-cluster/common/mock_engine"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/transport"
	"github.com/scusemua/mlcommons-cluster/node/daemon"
	"go.uber.org/atomic"
	"go.uber.org/mock/gomock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type outcome struct {
	out output.Output
	err error
}

type openBreaker struct{}

func (openBreaker) Name() breaker.Name {
	return "always_open"
}

func (openBreaker) IsOpen() (bool, error) {
	return true, nil
}

// testCluster is a set of daemons connected through one in-process transport and sharing one store.
type testCluster struct {
	transport *transport.LocalTransport
	store     *storage.MemoryStore
	daemons   map[string]*daemon.NodeDaemon
	ids       []string
}

func newTestCluster(ids []string, engines map[string]engine.Engine) *testCluster {
	tc := &testCluster{
		transport: transport.NewLocalTransport(),
		store:     storage.NewMemoryStore(),
		daemons:   make(map[string]*daemon.NodeDaemon, len(ids)),
		ids:       ids,
	}

	nodes := make([]cluster.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, cluster.Node{ID: id, Name: id, Address: id + ":9300", Roles: []cluster.Role{cluster.RoleML}})
	}

	for i, id := range ids {
		var peers []cluster.Node
		for j, node := range nodes {
			if j != i {
				peers = append(peers, node)
			}
		}

		eng, ok := engines[id]
		if !ok {
			simulated, err := engine.NewSimulatedEngine(GinkgoT().TempDir(), 0)
			Expect(err).NotTo(HaveOccurred())
			eng = simulated
		}

		d, err := daemon.New(daemon.Config{
			Membership:        cluster.NewStaticMembership(nodes[i], peers...),
			Transport:         tc.transport,
			Engine:            eng,
			Store:             tc.store,
			Settings:          configuration.NewSettings(configuration.DefaultValues()),
			Breakers:          []breaker.Breaker{},
			GeneralPoolSize:   8,
			ExecutePoolSize:   2,
			RPCTimeout:        2 * time.Second,
			DisableSyncUpCron: true,
		})
		Expect(err).NotTo(HaveOccurred())

		tc.transport.Register(id, d)
		tc.daemons[id] = d
	}

	DeferCleanup(func() {
		for _, d := range tc.daemons {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			Expect(d.Close(ctx)).To(Succeed())
			cancel()
		}
	})
	return tc
}

func (tc *testCluster) submit(id string, req *daemon.TaskRequest) chan outcome {
	results := make(chan outcome, 2)
	err := tc.daemons[id].SubmitTask(context.Background(), req, func(out output.Output, err error) {
		results <- outcome{out: out, err: err}
	})
	Expect(err).NotTo(HaveOccurred())
	return results
}

func (tc *testCluster) await(id string, req *daemon.TaskRequest) outcome {
	var result outcome
	Eventually(tc.submit(id, req), 5*time.Second).Should(Receive(&result))
	return result
}

func (tc *testCluster) model(modelID string) *model.Model {
	var found *model.Model
	tc.daemons[tc.ids[0]].Repository().Get(context.Background(), modelID, func(m *model.Model, err error) {
		if err == nil {
			found = m
		}
	})
	return found
}

func (tc *testCluster) modelState(modelID string) func() model.State {
	return func() model.State {
		if m := tc.model(modelID); m != nil {
			return m.State
		}
		return ""
	}
}

func (tc *testCluster) task(taskID string) *task.Task {
	var found *task.Task
	tc.store.Get(context.Background(), storage.TaskIndex, taskID, func(doc storage.Document, err error) {
		if err == nil {
			found = task.FromDocument(doc)
		}
	})
	return found
}

func (tc *testCluster) taskState(taskID string) func() task.State {
	return func() task.State {
		if t := tc.task(taskID); t != nil {
			return t.State
		}
		return ""
	}
}

func (tc *testCluster) workerNodes(id string, modelID string) func() []string {
	return func() []string {
		return tc.daemons[id].Placement().WorkerNodes(modelID)
	}
}

func taskID(out output.Output) string {
	Expect(out).To(BeAssignableToTypeOf(&output.TaskOutput{}))
	return out.(*output.TaskOutput).TaskID
}

var _ = Describe("NodeDaemon", func() {
	ids := []string{"node-a", "node-b", "node-c"}

	Context("Construction", func() {
		It("should require a membership, a transport and an engine", func() {
			_, err := daemon.New(daemon.Config{})
			Expect(errors.Is(err, daemon.ErrMissingMembership)).To(BeTrue())

			membership := cluster.NewStaticMembership(cluster.Node{ID: "solo"})
			_, err = daemon.New(daemon.Config{Membership: membership})
			Expect(errors.Is(err, daemon.ErrMissingTransport)).To(BeTrue())

			_, err = daemon.New(daemon.Config{Membership: membership, Transport: transport.NewLocalTransport()})
			Expect(errors.Is(err, daemon.ErrMissingEngine)).To(BeTrue())
		})
	})

	Context("Admission", func() {
		var tc *testCluster

		BeforeEach(func() {
			tc = newTestCluster(ids, nil)
		})

		It("should reject every task while a breaker is open", func() {
			tc.daemons["node-a"].Breakers().Register(openBreaker{})

			called := make(chan struct{}, 1)
			err := tc.daemons["node-a"].SubmitTask(context.Background(), &daemon.TaskRequest{
				TaskType: task.Prediction,
				ModelID:  "m1",
			}, func(output.Output, error) { called <- struct{}{} })

			Expect(status.Code(err)).To(Equal(codes.ResourceExhausted))
			Expect(err.Error()).To(ContainSubstring("always_open"))
			Consistently(called, 100*time.Millisecond).ShouldNot(Receive())
			Expect(tc.daemons["node-a"].Registry().Len()).To(Equal(0))
		})

		It("should reject invalid requests before dispatching them", func() {
			noop := func(output.Output, error) {}
			d := tc.daemons["node-a"]

			err := d.SubmitTask(context.Background(), &daemon.TaskRequest{TaskType: "BOGUS"}, noop)
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))

			err = d.SubmitTask(context.Background(), &daemon.TaskRequest{TaskType: task.Prediction}, noop)
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))

			err = d.SubmitTask(context.Background(), &daemon.TaskRequest{TaskType: task.UploadModel}, noop)
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})

		It("should reject tasks once closed", func() {
			d := tc.daemons["node-a"]
			Expect(d.Close(context.Background())).To(Succeed())

			err := d.SubmitTask(context.Background(), &daemon.TaskRequest{TaskType: task.Training}, nil)
			Expect(errors.Is(err, daemon.ErrDaemonClosed)).To(BeTrue())
		})

		It("should fail a dispatch when no node is eligible", func() {
			settings := configuration.NewSettings(configuration.DefaultValues())
			local := cluster.Node{ID: "data-only", Roles: []cluster.Role{cluster.RoleData}}
			simulated, err := engine.NewSimulatedEngine(GinkgoT().TempDir(), 0)
			Expect(err).NotTo(HaveOccurred())
			store := storage.NewMemoryStore()

			d, err := daemon.New(daemon.Config{
				Membership:        cluster.NewStaticMembership(local),
				Transport:         transport.NewLocalTransport(),
				Engine:            simulated,
				Store:             store,
				Settings:          settings,
				Breakers:          []breaker.Breaker{},
				DisableSyncUpCron: true,
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { Expect(d.Close(context.Background())).To(Succeed()) })

			results := make(chan outcome, 1)
			Expect(d.SubmitTask(context.Background(), &daemon.TaskRequest{TaskType: task.Training, FunctionName: "kmeans"},
				func(out output.Output, err error) { results <- outcome{out, err} })).To(Succeed())

			var result outcome
			Eventually(results).Should(Receive(&result))
			Expect(status.Code(result.err)).To(Equal(codes.InvalidArgument))

			Expect(d.Registry().Len()).To(Equal(0))
			store.List(context.Background(), storage.TaskIndex, func(docs map[string]storage.Document, err error) {
				Expect(err).NotTo(HaveOccurred())
				Expect(docs).To(BeEmpty())
			})
		})
	})

	Context("Model loading", func() {
		It("should load a model on every eligible node and publish its placement everywhere", func() {
			tc := newTestCluster(ids, nil)

			result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.LoadModel, ModelID: "m1", FunctionName: "kmeans"})
			Expect(result.err).NotTo(HaveOccurred())
			Expect(result.out.(*output.TaskOutput).Status).To(Equal(task.Running.String()))
			id := taskID(result.out)

			for _, node := range ids {
				Eventually(tc.workerNodes(node, "m1")).Should(ConsistOf(ids))
			}

			Eventually(tc.modelState("m1")).Should(Equal(model.Loaded))
			Expect(tc.model("m1").CurrentWorkerNodeCount).To(Equal(3))
			Expect(tc.model("m1").PlanningWorkerNodeCount).To(Equal(3))

			Eventually(tc.taskState(id)).Should(Equal(task.Completed))
			Eventually(func() bool { return tc.daemons["node-a"].Registry().Contains(id) }).Should(BeFalse())
			Expect(tc.daemons["node-a"].Placement().TargetWorkerNodes("m1")).To(ConsistOf(ids))

			for _, node := range ids {
				Eventually(func() bool { return tc.daemons[node].Placement().IsModelRunningOnNode("m1") }).Should(BeTrue())
			}
		})

		It("should record the nodes that could not be reached", func() {
			tc := newTestCluster(ids, nil)
			tc.transport.SetDown("node-c", true)

			result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.LoadModel, ModelID: "m1", FunctionName: "kmeans"})
			Expect(result.err).NotTo(HaveOccurred())
			id := taskID(result.out)

			Eventually(tc.taskState(id)).Should(Equal(task.CompletedWithError))
			Expect(tc.task(id).Error).To(ContainSubstring("node-c"))

			Eventually(tc.modelState("m1")).Should(Equal(model.PartiallyLoaded))
			Expect(tc.model("m1").CurrentWorkerNodeCount).To(Equal(2))

			Eventually(tc.workerNodes("node-a", "m1")).Should(ConsistOf("node-a", "node-b"))
			Eventually(tc.workerNodes("node-b", "m1")).Should(ConsistOf("node-a", "node-b"))
		})

		It("should record the error of a node whose engine failed to load the model", func() {
			ctrl := gomock.NewController(GinkgoT())
			failing := mock_engine.NewMockEngine(ctrl)
			failing.EXPECT().ModelCacheRoot().Return(GinkgoT().TempDir()).AnyTimes()
			failing.EXPECT().Load(gomock.Any(), "m1", "kmeans").Return(errors.New("out of accelerator memory"))

			tc := newTestCluster(ids, map[string]engine.Engine{"node-b": failing})

			result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.LoadModel, ModelID: "m1", FunctionName: "kmeans"})
			Expect(result.err).NotTo(HaveOccurred())
			id := taskID(result.out)

			Eventually(tc.taskState(id)).Should(Equal(task.CompletedWithError))
			Expect(tc.task(id).Error).To(ContainSubstring("out of accelerator memory"))
			Expect(tc.task(id).Error).To(ContainSubstring("node-b"))

			Eventually(tc.workerNodes("node-c", "m1")).Should(ConsistOf("node-a", "node-c"))
			Expect(tc.daemons["node-b"].Placement().IsModelRunningOnNode("m1")).To(BeFalse())
		})

		It("should fail the load when every node fails to load the model", func() {
			ctrl := gomock.NewController(GinkgoT())
			failing := mock_engine.NewMockEngine(ctrl)
			failing.EXPECT().ModelCacheRoot().Return(GinkgoT().TempDir()).AnyTimes()
			failing.EXPECT().Load(gomock.Any(), "m1", "kmeans").Return(errors.New("corrupt model file"))

			solo := newTestCluster([]string{"solo"}, map[string]engine.Engine{"solo": failing})
			result := solo.await("solo", &daemon.TaskRequest{TaskType: task.LoadModel, ModelID: "m1", FunctionName: "kmeans"})
			Expect(result.err).NotTo(HaveOccurred())
			id := taskID(result.out)

			Eventually(solo.taskState(id)).Should(Equal(task.Failed))
			Eventually(solo.modelState("m1")).Should(Equal(model.LoadFailed))
			Expect(solo.daemons["solo"].Placement().WorkerNodes("m1")).To(BeEmpty())
		})

		It("should fail a load whose worker crashed once the task times out", func() {
			started := make(chan struct{})
			release := make(chan struct{})

			ctrl := gomock.NewController(GinkgoT())
			stuck := mock_engine.NewMockEngine(ctrl)
			stuck.EXPECT().ModelCacheRoot().Return(GinkgoT().TempDir()).AnyTimes()
			stuck.EXPECT().Load(gomock.Any(), "m1", "kmeans").DoAndReturn(func(context.Context, string, string) error {
				close(started)
				<-release
				return nil
			})

			tc := newTestCluster([]string{"node-a", "node-b"}, map[string]engine.Engine{"node-b": stuck})
			DeferCleanup(func() { close(release) })

			now := atomic.NewTime(time.UnixMilli(1_700_000_000_000))
			coordinator := tc.daemons["node-a"]
			coordinator.SetClock(now.Load)

			result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.LoadModel, ModelID: "m1", FunctionName: "kmeans"})
			Expect(result.err).NotTo(HaveOccurred())
			id := taskID(result.out)

			Eventually(started).Should(BeClosed())
			Eventually(tc.workerNodes("node-a", "m1")).Should(ContainElement("node-a"))
			tc.transport.SetDown("node-b", true)

			for round := 0; round < 70; round++ {
				now.Store(now.Load().Add(10 * time.Second))
				Expect(coordinator.TriggerSyncUp(context.Background())).To(BeTrue())
			}

			Eventually(tc.taskState(id)).Should(Equal(task.Failed))
			Expect(tc.task(id).Error).To(ContainSubstring("timeout after 600 seconds"))
			Expect(coordinator.Registry().Contains(id)).To(BeFalse())
			Eventually(tc.modelState("m1")).Should(Equal(model.PartiallyLoaded))
		})
	})

	Context("Model work", func() {
		var tc *testCluster

		BeforeEach(func() {
			tc = newTestCluster(ids, nil)

			result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.LoadModel, ModelID: "m1", FunctionName: "kmeans"})
			Expect(result.err).NotTo(HaveOccurred())
			Eventually(tc.modelState("m1")).Should(Equal(model.Loaded))
			for _, node := range ids {
				Eventually(tc.workerNodes(node, "m1")).Should(ConsistOf(ids))
			}
		})

		It("should run predictions on whichever node is selected", func() {
			for i := 0; i < len(ids); i++ {
				result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.Prediction, ModelID: "m1", Input: []byte("cat")})
				Expect(result.err).NotTo(HaveOccurred())
				Expect(result.out).To(BeAssignableToTypeOf(&output.PredictionOutput{}))

				predicted := result.out.(*output.PredictionOutput)
				Expect(predicted.TaskID).NotTo(BeEmpty())
				Expect(string(predicted.Result)).To(Equal("kmeans(3 bytes)"))
				Eventually(tc.taskState(predicted.TaskID)).Should(Equal(task.Completed))
			}

			for _, node := range ids {
				Eventually(tc.daemons[node].Registry().Len).Should(Equal(0))
			}
		})

		It("should fail a prediction with a model that is not loaded", func() {
			for i := 0; i < len(ids); i++ {
				result := tc.await("node-b", &daemon.TaskRequest{TaskType: task.Prediction, ModelID: "missing"})
				Expect(result.err).To(HaveOccurred())
				Expect(result.err.Error()).To(ContainSubstring("not loaded"))
			}
		})

		It("should answer an asynchronous task at once and record its outcome", func() {
			result := tc.await("node-c", &daemon.TaskRequest{
				TaskType:     task.Training,
				FunctionName: "kmeans",
				Input:        []byte("1,2,3"),
				Async:        true,
			})
			Expect(result.err).NotTo(HaveOccurred())
			Expect(result.out.(*output.TaskOutput).Status).To(Equal(task.Created.String()))
			id := taskID(result.out)

			Eventually(tc.taskState(id)).Should(Equal(task.Completed))
			Expect(tc.task(id).ModelID).NotTo(BeEmpty())
			Expect(tc.task(id).WorkerNodes).To(HaveLen(1))
		})

		It("should run training and prediction in one task", func() {
			result := tc.await("node-a", &daemon.TaskRequest{
				TaskType:     task.TrainingAndPrediction,
				FunctionName: "linear_regression",
				Input:        []byte("xy"),
			})
			Expect(result.err).NotTo(HaveOccurred())
			Expect(string(result.out.(*output.PredictionOutput).Result)).To(Equal("linear_regression(2 bytes)"))
		})

		It("should run functions that need no model", func() {
			result := tc.await("node-b", &daemon.TaskRequest{TaskType: task.Execution, FunctionName: "anomaly_localization"})
			Expect(result.err).NotTo(HaveOccurred())
			Expect(result.out.(*output.EventsOutput).Events).To(HaveLen(1))
		})

		It("should unload a model from every node hosting it", func() {
			result := tc.await("node-b", &daemon.TaskRequest{TaskType: task.UnloadModel, ModelID: "m1"})
			Expect(result.err).NotTo(HaveOccurred())
			Expect(result.out.(*output.TaskOutput).Status).To(Equal(task.Completed.String()))

			for _, node := range ids {
				Eventually(tc.workerNodes(node, "m1")).Should(BeEmpty())
				Expect(tc.daemons[node].Placement().IsModelRunningOnNode("m1")).To(BeFalse())
			}
			Eventually(tc.modelState("m1")).Should(Equal(model.Unloaded))
			Eventually(tc.taskState(taskID(result.out))).Should(Equal(task.Completed))
		})

		It("should restore a node's placement table in a sync-up round", func() {
			tc.daemons["node-b"].Placement().ClearWorkerNodes()
			Expect(tc.daemons["node-b"].Placement().WorkerNodes("m1")).To(BeEmpty())

			Expect(tc.daemons["node-a"].TriggerSyncUp(context.Background())).To(BeTrue())
			Eventually(tc.workerNodes("node-b", "m1")).Should(ConsistOf(ids))
		})

		It("should drop a node that stopped answering sync-up requests", func() {
			tc.transport.SetDown("node-c", true)

			Expect(tc.daemons["node-a"].TriggerSyncUp(context.Background())).To(BeTrue())

			Eventually(tc.workerNodes("node-a", "m1")).Should(ConsistOf("node-a", "node-b"))
			Eventually(tc.workerNodes("node-b", "m1")).Should(ConsistOf("node-a", "node-b"))
			Eventually(tc.modelState("m1")).Should(Equal(model.PartiallyLoaded))
			Expect(tc.model("m1").CurrentWorkerNodeCount).To(Equal(2))
		})
	})

	Context("Model upload", func() {
		It("should store and register an uploaded model", func() {
			tc := newTestCluster(ids, nil)

			for i := 0; i < len(ids); i++ {
				registration := model.NewRegistration("resnet", "image_classification", "1")
				registration.Content = []byte("weights")

				result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.UploadModel, Registration: registration})
				Expect(result.err).NotTo(HaveOccurred())
				Expect(result.out.(*output.TaskOutput).Status).To(Equal(task.Completed.String()))

				Eventually(tc.modelState(registration.ModelID)).Should(Equal(model.Registered))
				Expect(tc.model(registration.ModelID).Name).To(Equal("resnet"))
			}
		})
	})

	It("should complete an unload of a model that is not loaded anywhere", func() {
		tc := newTestCluster(ids, nil)

		result := tc.await("node-a", &daemon.TaskRequest{TaskType: task.UnloadModel, ModelID: "never-loaded"})
		Expect(result.err).NotTo(HaveOccurred())
		Expect(result.out.(*output.TaskOutput).Status).To(Equal(task.Completed.String()))
		Expect(tc.modelState("never-loaded")()).To(Equal(model.Unloaded))
	})
})
