package transport

import (
	"runtime/debug"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/grpc-ecosystem/grpc-opentracing/go/otgrpc"
	"github.com/opentracing/opentracing-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ServerOptions returns the options of a node's gRPC server. A panic in a handler is logged and returned to the
// caller as a codes.Internal error. tracer may be nil.
func ServerOptions(identity string, tracer opentracing.Tracer) []grpc.ServerOption {
	log := config.GetLogger(identity + " ")

	interceptors := []grpc.UnaryServerInterceptor{
		recovery.UnaryServerInterceptor(
			recovery.WithRecoveryHandler(
				func(p any) (err error) {
					log.Error("gRPC handler panicked: %v\n%s", p, debug.Stack())
					return status.Errorf(codes.Internal, "%v", p)
				}),
		),
	}

	if tracer != nil {
		interceptors = append(interceptors, otgrpc.OpenTracingServerInterceptor(tracer))
	}

	return []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.ChainUnaryInterceptor(interceptors...),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Timeout:           120 * time.Second,
			MaxConnectionAge:  time.Duration(1<<63 - 1),
			MaxConnectionIdle: time.Duration(1<<63 - 1),
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			PermitWithoutStream: true,
			MinTime:             time.Minute * 2,
		}),
	}
}

// NewServer returns a gRPC server serving srv.
func NewServer(identity string, srv NodeTransportServer, tracer opentracing.Tracer) *grpc.Server {
	server := grpc.NewServer(ServerOptions(identity, tracer)...)
	server.RegisterService(&ServiceDesc, srv)
	return server
}
