package transport

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/grpc-ecosystem/grpc-opentracing/go/otgrpc"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"github.com/scusemua/mlcommons-cluster/common/utils/hashmap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client sends forward and sync-up requests to other nodes. One connection is kept per node address.
type Client struct {
	log logger.Logger

	conns    *hashmap.ConcurrentMap[string, *grpc.ClientConn]
	dialOpts []grpc.DialOption
}

// NewClient returns a client. tracer may be nil.
func NewClient(tracer opentracing.Tracer) *Client {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	if tracer != nil {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(otgrpc.OpenTracingClientInterceptor(tracer)))
	}

	client := &Client{
		conns:    hashmap.NewConcurrentMap[*grpc.ClientConn](hashmap.DefaultShards),
		dialOpts: dialOpts,
	}
	config.InitLogger(&client.log, client)
	return client
}

func (c *Client) conn(node cluster.Node) (*grpc.ClientConn, error) {
	if node.Address == "" {
		return nil, errors.Errorf("node %s has no address", node.ID)
	}

	var dialErr error
	conn := c.conns.Upsert(node.Address, func(exists bool, current *grpc.ClientConn) *grpc.ClientConn {
		if exists && current != nil {
			return current
		}

		conn, err := grpc.NewClient(node.Address, c.dialOpts...)
		if err != nil {
			dialErr = err
			return nil
		}
		c.log.Debug("Created connection to node %s at %s.", node.ID, node.Address)
		return conn
	})

	if dialErr != nil {
		c.conns.DeleteIf(node.Address, func(conn *grpc.ClientConn) bool { return conn == nil })
		return nil, errors.Wrapf(dialErr, "failed to connect to node %s at %s", node.ID, node.Address)
	}
	return conn, nil
}

func (c *Client) Forward(ctx context.Context, node cluster.Node, req *forward.Request) (*forward.Response, error) {
	conn, err := c.conn(node)
	if err != nil {
		return nil, err
	}

	resp := new(forward.Response)
	if err := conn.Invoke(ctx, ForwardMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SyncUp(ctx context.Context, node cluster.Node, input *syncup.Input) (*syncup.NodeResponse, error) {
	conn, err := c.conn(node)
	if err != nil {
		return nil, err
	}

	resp := new(syncup.NodeResponse)
	if err := conn.Invoke(ctx, SyncUpMethod, input, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	var firstErr error
	for _, address := range c.conns.Keys() {
		conn, ok := c.conns.LoadAndDelete(address)
		if !ok || conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
