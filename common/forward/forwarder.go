package forward

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/executor"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
)

const (
	DefaultTimeout = 30 * time.Second
)

var (
	ErrForwardFailed = errors.New("failed to forward request")
)

// Sender delivers a forward request to a node and waits for its response.
type Sender interface {
	Forward(ctx context.Context, node cluster.Node, req *Request) (*Response, error)
}

// Forwarder sends forward requests without blocking the caller.
//
// A request that fails at the network level is logged, counted and reported to the callback wrapped in
// ErrForwardFailed. It is never retried; the task it concerns is eventually recovered by the timeout sweep.
type Forwarder struct {
	log logger.Logger

	sender  Sender
	pool    *executor.Pool
	metrics *metrics.PrometheusManager
	timeout time.Duration
}

func NewForwarder(sender Sender, pool *executor.Pool, metricsManager *metrics.PrometheusManager, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	forwarder := &Forwarder{
		sender:  sender,
		pool:    pool,
		metrics: metricsManager,
		timeout: timeout,
	}
	config.InitLogger(&forwarder.log, forwarder)
	return forwarder
}

// Forward sends req to node. cb, if non-nil, receives the response or the failure.
func (f *Forwarder) Forward(ctx context.Context, node cluster.Node, req *Request, cb func(*Response, error)) {
	if cb == nil {
		cb = func(*Response, error) {}
	}

	send := func() {
		f.metrics.ForwardSent(req.RequestType.String())

		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		resp, err := f.sender.Forward(sendCtx, node, req)
		if err != nil {
			f.metrics.ForwardFailed(req.RequestType.String())
			f.log.Warn("Failed to forward %s request for task %s to node %s: %v",
				req.RequestType, req.TaskID, node.ID, err)
			cb(nil, errors.Wrapf(ErrForwardFailed, "%s to node %s: %v", req.RequestType, node.ID, err))
			return
		}

		cb(resp, nil)
	}

	if f.pool == nil {
		go send()
		return
	}

	if err := f.pool.Submit(send); err != nil {
		f.log.Warn("Could not schedule %s request for task %s: %v", req.RequestType, req.TaskID, err)
		go cb(nil, errors.Wrapf(ErrForwardFailed, "%v", err))
	}
}
