package transport_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/output"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/transport"
	"github.com/scusemua/mlcommons-cluster/common/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

type echoServer struct {
	nodeID string
}

func (s *echoServer) Forward(_ context.Context, req *forward.Request) (*forward.Response, error) {
	if req.RequestType == "PANIC" {
		panic("handler exploded")
	}
	if req.RequestType == "INVALID" {
		return nil, types.InvalidArgument("bad request %s", req.TaskID)
	}
	return &forward.Response{
		Status: forward.StatusOK,
		Output: &output.TaskOutput{TaskID: req.TaskID, Status: task.Running.String()},
	}, nil
}

func (s *echoServer) SyncUp(_ context.Context, input *syncup.Input) (*syncup.NodeResponse, error) {
	var loaded []string
	for modelID := range input.AddedWorkerNodes {
		loaded = append(loaded, modelID)
	}
	return &syncup.NodeResponse{NodeID: s.nodeID, Status: syncup.StatusOK, LoadedModelIDs: loaded}, nil
}

var _ = Describe("Transport", func() {
	Context("gRPC", func() {
		var (
			server *grpc.Server
			client *transport.Client
			node   cluster.Node
			ctx    context.Context
			cancel context.CancelFunc
		)

		BeforeEach(func() {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).ToNot(HaveOccurred())

			server = transport.NewServer("TestServer", &echoServer{nodeID: "n2"}, nil)
			go func() {
				defer GinkgoRecover()
				_ = server.Serve(listener)
			}()

			client = transport.NewClient(nil)
			node = cluster.Node{ID: "n2", Address: listener.Addr().String()}
			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		})

		AfterEach(func() {
			cancel()
			Expect(client.Close()).To(Succeed())
			server.Stop()
		})

		It("should carry a forward request and its response", func() {
			resp, err := client.Forward(ctx, node, &forward.Request{RequestType: forward.TaskUpdate, TaskID: "t1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(forward.StatusOK))
			Expect(resp.Output).To(Equal(&output.TaskOutput{TaskID: "t1", Status: "RUNNING"}))
		})

		It("should carry a sync-up request and its response", func() {
			resp, err := client.SyncUp(ctx, node, &syncup.Input{AddedWorkerNodes: map[string][]string{"m1": {"n1"}}})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.NodeID).To(Equal("n2"))
			Expect(resp.LoadedModelIDs).To(Equal([]string{"m1"}))
		})

		It("should preserve status codes", func() {
			_, err := client.Forward(ctx, node, &forward.Request{RequestType: "INVALID", TaskID: "t1"})
			Expect(types.IsCode(err, codes.InvalidArgument)).To(BeTrue())
		})

		It("should turn a handler panic into an internal error", func() {
			_, err := client.Forward(ctx, node, &forward.Request{RequestType: "PANIC"})
			Expect(types.IsCode(err, codes.Internal)).To(BeTrue())

			resp, err := client.Forward(ctx, node, &forward.Request{RequestType: forward.TaskUpdate, TaskID: "t2"})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(forward.StatusOK))
		})

		It("should reject a node without an address", func() {
			_, err := client.Forward(ctx, cluster.Node{ID: "n9"}, &forward.Request{})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("Local", func() {
		var local *transport.LocalTransport

		BeforeEach(func() {
			local = transport.NewLocalTransport()
			local.Register("n2", &echoServer{nodeID: "n2"})
		})

		It("should deliver requests to registered nodes", func() {
			resp, err := local.Forward(context.Background(), cluster.Node{ID: "n2"}, &forward.Request{RequestType: forward.TaskUpdate, TaskID: "t1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Output).To(Equal(&output.TaskOutput{TaskID: "t1", Status: "RUNNING"}))

			nodeResp, err := local.SyncUp(context.Background(), cluster.Node{ID: "n2"}, &syncup.Input{})
			Expect(err).ToNot(HaveOccurred())
			Expect(nodeResp.NodeID).To(Equal("n2"))
		})

		It("should fail requests to unreachable nodes", func() {
			local.SetDown("n2", true)
			_, err := local.Forward(context.Background(), cluster.Node{ID: "n2"}, &forward.Request{})
			Expect(types.IsCode(err, codes.Unavailable)).To(BeTrue())

			_, err = local.SyncUp(context.Background(), cluster.Node{ID: "n3"}, &syncup.Input{})
			Expect(types.IsCode(err, codes.Unavailable)).To(BeTrue())
		})
	})
})
