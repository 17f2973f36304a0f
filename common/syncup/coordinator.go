package syncup

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/executor"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultNodeTimeout = 30 * time.Second
)

var (
	ErrSyncUpFailed = errors.New("sync-up request failed")
)

// Sender delivers a sync-up request to one node.
type Sender interface {
	SyncUp(ctx context.Context, node cluster.Node, input *Input) (*NodeResponse, error)
}

// Coordinator fans sync-up requests out to cluster nodes.
type Coordinator struct {
	log logger.Logger

	membership  cluster.Membership
	sender      Sender
	pool        *executor.Pool
	metrics     *metrics.PrometheusManager
	nodeTimeout time.Duration
	clock       func() time.Time
}

func NewCoordinator(membership cluster.Membership, sender Sender, pool *executor.Pool,
	metricsManager *metrics.PrometheusManager) *Coordinator {

	coordinator := &Coordinator{
		membership:  membership,
		sender:      sender,
		pool:        pool,
		metrics:     metricsManager,
		nodeTimeout: DefaultNodeTimeout,
		clock:       time.Now,
	}
	config.InitLogger(&coordinator.log, coordinator)
	return coordinator
}

// SetClock replaces the time source used to stamp broadcast deltas.
func (c *Coordinator) SetClock(clock func() time.Time) {
	c.clock = clock
}

// SetNodeTimeout bounds each node's request.
func (c *Coordinator) SetNodeTimeout(timeout time.Duration) {
	c.nodeTimeout = timeout
}

// Gather sends input to every node concurrently and waits for all of them. A failed node is recorded in the
// result's Failures and never prevents the other nodes from being reached.
func (c *Coordinator) Gather(ctx context.Context, nodes []cluster.Node, input *Input) *NodesResponse {
	result := &NodesResponse{Failures: make(map[string]error)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	for _, node := range nodes {
		node := node
		g.Go(func() error {
			nodeCtx, cancel := context.WithTimeout(ctx, c.nodeTimeout)
			defer cancel()

			resp, err := c.sender.SyncUp(nodeCtx, node, input)
			if err == nil && resp == nil {
				err = errors.New("empty response")
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				c.log.Warn("Sync-up with node %s failed: %v", node.ID, err)
				c.metrics.SyncUpNodeFailed(node.ID)
				result.Failures[node.ID] = errors.Wrapf(ErrSyncUpFailed, "node %s: %v", node.ID, err)
				return nil
			}

			if resp.NodeID == "" {
				resp.NodeID = node.ID
			}
			result.Responses = append(result.Responses, resp)
			return nil
		})
	}

	_ = g.Wait()
	return result
}

// SyncUp sends input to nodes in the background and passes the aggregated result to cb, if non-nil.
func (c *Coordinator) SyncUp(ctx context.Context, nodes []cluster.Node, input *Input, cb func(*NodesResponse)) {
	run := func() {
		result := c.Gather(ctx, nodes, input)
		if cb != nil {
			cb(result)
		}
	}

	if c.pool == nil {
		go run()
		return
	}

	if err := c.pool.Submit(run); err != nil {
		c.log.Warn("Could not schedule sync-up %v: %v", input, err)
		if cb != nil {
			failures := make(map[string]error, len(nodes))
			for _, node := range nodes {
				failures[node.ID] = errors.Wrapf(ErrSyncUpFailed, "%v", err)
			}
			go cb(&NodesResponse{Failures: failures})
		}
	}
}

// BroadcastAddedWorkerNodes tells every node that the given worker nodes now host the given models.
func (c *Coordinator) BroadcastAddedWorkerNodes(ctx context.Context, added map[string][]string) {
	c.broadcast(ctx, &Input{AddedWorkerNodes: added, DeltaTimestamp: c.clock()})
}

// BroadcastRemovedWorkerNodes tells every node that the given worker nodes no longer host the given models.
func (c *Coordinator) BroadcastRemovedWorkerNodes(ctx context.Context, removed map[string][]string) {
	c.broadcast(ctx, &Input{RemovedWorkerNodes: removed, DeltaTimestamp: c.clock()})
}

// broadcast outlives the request that triggered it, so ctx only contributes its values.
func (c *Coordinator) broadcast(ctx context.Context, input *Input) {
	nodes := c.membership.Nodes()
	c.SyncUp(context.WithoutCancel(ctx), nodes, input, func(result *NodesResponse) {
		if len(result.Failures) > 0 {
			c.log.Warn("Broadcast %v reached %d/%d node(s).", input, len(result.Responses), len(nodes))
		}
	})
}
