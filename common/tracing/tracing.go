// Package tracing initializes the Jaeger tracer shared by the node's gRPC client and server.
package tracing

import (
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

// Init creates a tracer for service that reports every span to the Jaeger agent at addr and installs it as the
// global tracer. The returned closer flushes buffered spans.
func Init(service string, addr string) (opentracing.Tracer, io.Closer, error) {
	cfg := &jaegercfg.Configuration{
		ServiceName: service,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: addr,
		},
	}

	tracer, closer, err := cfg.NewTracer(jaegercfg.Logger(jaeger.NullLogger))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to create jaeger tracer for service \"%s\"", service)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closer, nil
}
