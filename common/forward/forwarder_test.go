package forward_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/executor"
	"github.com/scusemua/mlcommons-cluster/common/forward"
)

type senderFunc func(ctx context.Context, node cluster.Node, req *forward.Request) (*forward.Response, error)

func (f senderFunc) Forward(ctx context.Context, node cluster.Node, req *forward.Request) (*forward.Response, error) {
	return f(ctx, node, req)
}

type result struct {
	resp *forward.Response
	err  error
}

var _ = Describe("Forwarder", func() {
	var (
		pool    *executor.Pool
		results chan result
		target  cluster.Node
	)

	BeforeEach(func() {
		pool = executor.NewPool(executor.GeneralPool, 4)
		results = make(chan result, 1)
		target = cluster.Node{ID: "n2", Address: "10.0.0.2:9000"}
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Expect(pool.Shutdown(ctx)).To(Succeed())
	})

	It("should deliver the response to the callback", func() {
		forwarder := forward.NewForwarder(senderFunc(func(_ context.Context, node cluster.Node, req *forward.Request) (*forward.Response, error) {
			return &forward.Response{Status: forward.StatusOK}, nil
		}), pool, nil, time.Second)

		forwarder.Forward(context.Background(), target, &forward.Request{RequestType: forward.TaskUpdate, TaskID: "t1"},
			func(resp *forward.Response, err error) {
				results <- result{resp: resp, err: err}
			})

		var r result
		Eventually(results).Should(Receive(&r))
		Expect(r.err).ToNot(HaveOccurred())
		Expect(r.resp.Status).To(Equal(forward.StatusOK))
	})

	It("should report a transport failure once without retrying", func() {
		var attempts atomic.Int32
		forwarder := forward.NewForwarder(senderFunc(func(context.Context, cluster.Node, *forward.Request) (*forward.Response, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		}), pool, nil, time.Second)

		forwarder.Forward(context.Background(), target, &forward.Request{RequestType: forward.LoadModelDone, TaskID: "t1"},
			func(resp *forward.Response, err error) {
				results <- result{resp: resp, err: err}
			})

		var r result
		Eventually(results).Should(Receive(&r))
		Expect(errors.Is(r.err, forward.ErrForwardFailed)).To(BeTrue())
		Expect(r.resp).To(BeNil())
		Consistently(attempts.Load, 100*time.Millisecond).Should(Equal(int32(1)))
	})

	It("should bound each send with the configured timeout", func() {
		forwarder := forward.NewForwarder(senderFunc(func(ctx context.Context, _ cluster.Node, _ *forward.Request) (*forward.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), pool, nil, 50*time.Millisecond)

		forwarder.Forward(context.Background(), target, &forward.Request{RequestType: forward.ExecuteTask, TaskID: "t1"},
			func(resp *forward.Response, err error) {
				results <- result{resp: resp, err: err}
			})

		var r result
		Eventually(results, time.Second).Should(Receive(&r))
		Expect(errors.Is(r.err, forward.ErrForwardFailed)).To(BeTrue())
	})
})
