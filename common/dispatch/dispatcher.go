// Package dispatch chooses the node that executes a new task.
package dispatch

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/executor"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNoEligibleNode = status.Error(codes.InvalidArgument, "no eligible node found to run the task")
)

// Callback receives the selected node, or an error if no node could be selected.
type Callback func(node cluster.Node, err error)

// Dispatcher selects eligible nodes round-robin.
//
// Each Dispatch call selects exactly one node and reports it through its callback on the pool, never on the
// caller's goroutine. Failures are reported once and never retried.
type Dispatcher struct {
	log logger.Logger

	membership cluster.Membership
	settings   *configuration.Settings
	pool       *executor.Pool
	metrics    *metrics.PrometheusManager

	next *atomic.Uint64
}

func NewDispatcher(membership cluster.Membership, settings *configuration.Settings, pool *executor.Pool,
	metricsManager *metrics.PrometheusManager) *Dispatcher {

	dispatcher := &Dispatcher{
		membership: membership,
		settings:   settings,
		pool:       pool,
		metrics:    metricsManager,
		next:       atomic.NewUint64(0),
	}
	config.InitLogger(&dispatcher.log, dispatcher)
	return dispatcher
}

// EligibleNodes returns the nodes currently allowed to execute model work.
func (d *Dispatcher) EligibleNodes() []cluster.Node {
	return cluster.EligibleNodes(d.membership.Nodes(), d.settings.Get().OnlyRunOnMLNode)
}

// Dispatch selects one eligible node and passes it to cb.
func (d *Dispatcher) Dispatch(ctx context.Context, cb Callback) {
	d.async(func() {
		if err := ctx.Err(); err != nil {
			cb(cluster.Node{}, err)
			return
		}

		node, err := d.selectNode()
		cb(node, err)
	}, cb)
}

// DispatchAll passes every eligible node to cb, for operations such as model loading that fan out to all of them.
func (d *Dispatcher) DispatchAll(ctx context.Context, cb func([]cluster.Node, error)) {
	d.async(func() {
		if err := ctx.Err(); err != nil {
			cb(nil, err)
			return
		}

		nodes := d.EligibleNodes()
		if len(nodes) == 0 {
			d.metrics.DispatchFailed()
			d.log.Warn("No eligible node found; local node is %s.", d.membership.LocalNode().ID)
			cb(nil, ErrNoEligibleNode)
			return
		}
		cb(nodes, nil)
	}, func(_ cluster.Node, err error) { cb(nil, err) })
}

func (d *Dispatcher) selectNode() (cluster.Node, error) {
	nodes := d.EligibleNodes()
	if len(nodes) == 0 {
		d.metrics.DispatchFailed()
		d.log.Warn("No eligible node found; local node is %s.", d.membership.LocalNode().ID)
		return cluster.Node{}, ErrNoEligibleNode
	}

	index := (d.next.Inc() - 1) % uint64(len(nodes))
	node := nodes[index]
	d.log.Debug("Dispatching to %v.", node)
	return node, nil
}

// async runs fn on the pool. If the pool rejects it, the rejection is reported through onReject on a new
// goroutine.
func (d *Dispatcher) async(fn func(), onReject Callback) {
	if d.pool == nil {
		go fn()
		return
	}

	if err := d.pool.Submit(fn); err != nil {
		go onReject(cluster.Node{}, err)
	}
}
