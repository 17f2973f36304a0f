package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"github.com/scusemua/mlcommons-cluster/common/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNodeUnreachable = status.Error(codes.Unavailable, "node is unreachable")
)

// LocalTransport connects nodes that run in the same process. Every request and response still goes through the
// wire encoding, so the receiver never shares memory with the sender.
type LocalTransport struct {
	mu      sync.RWMutex
	servers map[string]NodeTransportServer
	down    map[string]bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		servers: make(map[string]NodeTransportServer),
		down:    make(map[string]bool),
	}
}

// Register makes srv reachable as nodeID.
func (t *LocalTransport) Register(nodeID string, srv NodeTransportServer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.servers[nodeID] = srv
}

// SetDown makes nodeID unreachable, or reachable again.
func (t *LocalTransport) SetDown(nodeID string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.down[nodeID] = down
}

func (t *LocalTransport) server(node cluster.Node) (NodeTransportServer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	srv, ok := t.servers[node.ID]
	if !ok || t.down[node.ID] {
		return nil, errors.Wrapf(ErrNodeUnreachable, "node %s", node.ID)
	}
	return srv, nil
}

func (t *LocalTransport) Forward(ctx context.Context, node cluster.Node, req *forward.Request) (*forward.Response, error) {
	srv, err := t.server(node)
	if err != nil {
		return nil, err
	}

	in := new(forward.Request)
	if err := wire.Unmarshal(wire.Marshal(req), in); err != nil {
		return nil, err
	}

	resp, err := srv.Forward(ctx, in)
	if err != nil {
		return nil, err
	}

	out := new(forward.Response)
	if err := wire.Unmarshal(wire.Marshal(resp), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *LocalTransport) SyncUp(ctx context.Context, node cluster.Node, input *syncup.Input) (*syncup.NodeResponse, error) {
	srv, err := t.server(node)
	if err != nil {
		return nil, err
	}

	in := new(syncup.Input)
	if err := wire.Unmarshal(wire.Marshal(input), in); err != nil {
		return nil, err
	}

	resp, err := srv.SyncUp(ctx, in)
	if err != nil {
		return nil, err
	}

	out := new(syncup.NodeResponse)
	if err := wire.Unmarshal(wire.Marshal(resp), out); err != nil {
		return nil, err
	}
	return out, nil
}
