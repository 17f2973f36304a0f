package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/engine"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/tracing"
	"github.com/scusemua/mlcommons-cluster/common/transport"
	"github.com/scusemua/mlcommons-cluster/common/utils"
	"github.com/scusemua/mlcommons-cluster/node/daemon"
	"github.com/scusemua/mlcommons-cluster/node/domain"
)

const (
	ServiceName = "ml-node"

	shutdownTimeout = 30 * time.Second
)

var (
	options      = domain.NodeOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if err = options.Validate(); err != nil {
		log.Fatalf("Invalid options: %v", err)
	}
}

func createTracer() (opentracing.Tracer, io.Closer) {
	if options.JaegerAddr == "" {
		return nil, nil
	}

	globalLogger.Info("Initializing jaeger agent [service name: %v | host: %v]...", ServiceName, options.JaegerAddr)
	tracer, closer, err := tracing.Init(ServiceName, options.JaegerAddr)
	if err != nil {
		log.Fatalf("Got error while initializing jaeger agent: %v", err)
	}
	globalLogger.Info("Jaeger agent initialized")

	return tracer, closer
}

// createMembership returns consul-backed membership if a consul agent is configured, and the static peer list
// otherwise.
func createMembership() (cluster.Membership, func()) {
	if options.ConsulAddr == "" {
		peers, err := domain.ParsePeers(options.Peers)
		if err != nil {
			log.Fatalf("Invalid peer list: %v", err)
		}

		local := options.LocalNode(net.JoinHostPort(options.NodeName, fmt.Sprintf("%d", options.Port)))
		globalLogger.Info("Using static membership with %d peer(s).", len(peers))
		return cluster.NewStaticMembership(local, peers...), func() {}
	}

	globalLogger.Info("Initializing consul agent [host: %v]...", options.ConsulAddr)
	local := options.LocalNode(fmt.Sprintf(":%d", options.Port))
	membership, err := cluster.NewConsulMembership(options.ConsulAddr, options.ConsulService, local)
	if err != nil {
		log.Fatalf("Got error while initializing consul agent: %v", err)
	}

	if err = membership.Register(); err != nil {
		log.Fatalf("Failed to register in consul: %v", err)
	}
	globalLogger.Info("Successfully registered in consul as %v", membership.LocalNode())

	return membership, func() {
		if err := membership.Deregister(); err != nil {
			globalLogger.Warn("Failed to deregister from consul: %v", err)
		}
	}
}

func createStore() (storage.Store, func()) {
	if options.RedisAddr == "" {
		globalLogger.Warn(utils.LightOrangeStyle.Render("No Redis address configured. Task and model records are kept in memory only."))
		return storage.NewMemoryStore(), func() {}
	}

	store := storage.NewRedisStore(options.RedisAddr, options.RedisPassword, options.RedisDatabase, options.RedisPrefix)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", options.RedisAddr, err)
	}
	globalLogger.Info("Connected to Redis at %s.", options.RedisAddr)

	return store, func() { _ = store.Close() }
}

// createSettings loads the dynamic settings and, if a settings file is configured, watches it for changes.
func createSettings() (*configuration.Settings, *configuration.Watcher) {
	settings := configuration.NewSettings(configuration.DefaultValues())
	if options.SettingsFile == "" {
		return settings, nil
	}

	watcher := configuration.NewWatcher(options.SettingsFile, settings)
	if err := watcher.Start(); err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	return settings, watcher
}

func createEngine() engine.Engine {
	if !options.UseSimulatedEngine {
		globalLogger.Warn(utils.YellowStyle.Render("No model engine is linked into this binary. Using the simulated engine."))
	}

	simulated, err := engine.NewSimulatedEngine(options.ModelCacheDir, time.Duration(options.SimulatedLatencyMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("Failed to create model engine: %v", err)
	}
	return simulated
}

func main() {
	defer finalize(false, "Main thread")

	var done sync.WaitGroup

	// Ensure that the options/configuration is valid.
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting node %s with the following options:\n%s\n", options.NodeID, options.PrettyString(2))
	} else {
		globalLogger.Info("Starting node %s.", options.NodeID)
	}

	tracer, tracerCloser := createTracer()
	membership, deregister := createMembership()
	store, closeStore := createStore()
	settings, watcher := createSettings()

	prometheusPort := options.PrometheusPort
	if options.DisablePrometheus {
		prometheusPort = -1
	}

	metricsManager, err := metrics.NewPrometheusManager(prometheusPort, options.NodeID)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	if prometheusPort > 0 {
		if err = metricsManager.Start(); err != nil {
			log.Fatalf("Failed to serve metrics: %v", err)
		}
	}

	client := transport.NewClient(tracer)

	node, err := daemon.New(daemon.Config{
		Membership:        membership,
		Transport:         client,
		Engine:            createEngine(),
		Store:             store,
		Settings:          settings,
		Metrics:           metricsManager,
		GeneralPoolSize:   options.GeneralPoolSize,
		ExecutePoolSize:   options.ExecutePoolSize,
		RPCTimeout:        time.Duration(options.RPCTimeoutSeconds) * time.Second,
		DisableSyncUpCron: options.DisableSyncUpCron,
	})
	if err != nil {
		log.Fatalf("Failed to create node daemon: %v", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	globalLogger.Info(utils.GreenStyle.Render("Node %s (%s) listening at %v"), options.NodeID, options.NodeName, listener.Addr())

	server := transport.NewServer("Node gRPC Server", node, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)

	// Start detecting stop signals
	done.Add(1)
	go func() {
		defer done.Done()

		<-sig
		globalLogger.Info("Shutting down...")
		cancel()

		deregister()
		server.GracefulStop()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := node.Close(shutdownCtx); err != nil {
			globalLogger.Warn("Node daemon did not shut down cleanly: %v", err)
		}

		_ = client.Close()
		if watcher != nil {
			_ = watcher.Stop()
		}
		if metricsManager.IsRunning() {
			_ = metricsManager.Stop()
		}
		closeStore()
		if tracerCloser != nil {
			_ = tracerCloser.Close()
		}
	}()

	// Start gRPC server
	go func() {
		defer finalize(true, "gRPC Server")
		if serveErr := server.Serve(listener); serveErr != nil {
			globalLogger.Error(utils.RedStyle.Render("Error on serving node connections: %v"), serveErr)
			panic(serveErr)
		}
	}()

	done.Wait()
}

func finalize(fix bool, identity string) {
	if !fix {
		return
	}

	log.Printf("[WARNING] Finalize called with fix=%v and identity=\"%s\"\n", fix, identity)

	if err := recover(); err != nil {
		globalLogger.Error("Called recover() and retrieved the following error: %v", err)
	}

	globalLogger.Error("Stack trace of CURRENT goroutine:")
	debug.PrintStack()

	globalLogger.Error("Stack traces of ALL active goroutines:")
	err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
	if err != nil {
		globalLogger.Error("Failed to output call stacks of all active goroutines: %v", err)
	}

	sig <- syscall.SIGINT
}
