package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scusemua/mlcommons-cluster/common/utils"
)

const (
	namespace = "ml_cluster"
)

var (
	ErrPrometheusManagerAlreadyRunning = errors.New("PrometheusManager is already running")
	ErrPrometheusManagerNotRunning     = errors.New("PrometheusManager is not running")
)

// PrometheusManager owns the node's metrics and, optionally, the HTTP server that exposes them.
//
// Every recording method is safe to call on a nil *PrometheusManager, in which case it does nothing. Components
// therefore accept a *PrometheusManager without checking whether metrics are enabled.
type PrometheusManager struct {
	log logger.Logger

	registry   *prometheus.Registry
	engine     *gin.Engine
	httpServer *http.Server

	// BreakerOpenCounterVec counts rejected admissions, labelled by the breaker that was open.
	BreakerOpenCounterVec *prometheus.CounterVec

	// TasksCreatedCounterVec counts tasks accepted by this node, labelled by task type.
	TasksCreatedCounterVec *prometheus.CounterVec

	// TasksFinishedCounterVec counts tasks that reached a terminal state on this node.
	TasksFinishedCounterVec *prometheus.CounterVec

	// TasksTimedOutCounter counts tasks that were force-failed by the timeout sweep.
	TasksTimedOutCounter prometheus.Counter

	// RunningTasksGaugeVec is the number of running tasks per task type.
	RunningTasksGaugeVec *prometheus.GaugeVec

	DispatchFailuresCounter prometheus.Counter

	ForwardRequestsCounterVec *prometheus.CounterVec
	ForwardFailuresCounterVec *prometheus.CounterVec

	SyncUpRoundsCounter          prometheus.Counter
	SyncUpNodeFailuresCounterVec *prometheus.CounterVec

	// OrphanedCacheDirsRemovedCounter counts on-disk model cache directories deleted during cleanup.
	OrphanedCacheDirsRemovedCounter prometheus.Counter

	nodeId string
	port   int
	mu     sync.Mutex

	// serving indicates whether the manager has been started and is serving requests.
	serving bool
}

// NewPrometheusManager creates the node's metrics. A port <= 0 records metrics without serving them.
func NewPrometheusManager(port int, nodeId string) (*PrometheusManager, error) {
	manager := &PrometheusManager{
		port:     port,
		nodeId:   nodeId,
		registry: prometheus.NewRegistry(),
	}
	config.InitLogger(&manager.log, manager)

	if err := manager.initializeMetrics(); err != nil {
		return nil, err
	}

	return manager, nil
}

func (m *PrometheusManager) NodeId() string {
	return m.nodeId
}

// Registry returns the registry holding this node's metrics.
func (m *PrometheusManager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.serving
}

func (m *PrometheusManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.serving {
		m.log.Warn("PrometheusManager for node %s is already running.", m.nodeId)
		return ErrPrometheusManagerAlreadyRunning
	}

	m.serving = true
	m.initializeHttpServer()

	return nil
}

func (m *PrometheusManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.serving {
		return ErrPrometheusManagerNotRunning
	}

	m.serving = false
	if m.httpServer == nil {
		return nil
	}

	if err := m.httpServer.Shutdown(context.Background()); err != nil {
		m.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}

func (m *PrometheusManager) HandleRequest(c *gin.Context) {
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (m *PrometheusManager) initializeHttpServer() {
	m.engine = gin.New()

	if m.port <= 0 {
		m.log.Debug("Prometheus Port is set to %d. Not serving HTTP server.", m.port)
		return
	}

	m.engine.Use(gin.Recovery())
	m.engine.Use(cors.Default())

	m.engine.GET("/metrics", m.HandleRequest)

	address := fmt.Sprintf("0.0.0.0:%d", m.port)
	m.httpServer = &http.Server{
		Addr:    address,
		Handler: m.engine,
	}

	go func() {
		m.log.Debug("Serving Prometheus metrics at %s", address)
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error(utils.RedStyle.Render("HTTP Server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()
}

func (m *PrometheusManager) initializeMetrics() error {
	m.BreakerOpenCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_open_total",
		Help:      "Number of task admissions rejected because a circuit breaker was open",
	}, []string{"node_id", "breaker"})

	m.TasksCreatedCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_created_total",
		Help:      "Number of tasks accepted by this node",
	}, []string{"node_id", "task_type"})

	m.TasksFinishedCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Number of tasks that reached a terminal state on this node",
	}, []string{"node_id", "task_type", "state"})

	m.TasksTimedOutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "tasks_timed_out_total",
		Help:        "Number of tasks force-failed by the timeout sweep",
		ConstLabels: prometheus.Labels{"node_id": m.nodeId},
	})

	m.RunningTasksGaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "running_tasks",
		Help:      "Number of running tasks tracked by this node",
	}, []string{"node_id", "task_type"})

	m.DispatchFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "dispatch_failures_total",
		Help:        "Number of dispatch attempts that found no eligible node",
		ConstLabels: prometheus.Labels{"node_id": m.nodeId},
	})

	m.ForwardRequestsCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_requests_total",
		Help:      "Number of forward requests sent by this node",
	}, []string{"node_id", "request_type"})

	m.ForwardFailuresCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_failures_total",
		Help:      "Number of forward requests that failed at the network level",
	}, []string{"node_id", "request_type"})

	m.SyncUpRoundsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "sync_up_rounds_total",
		Help:        "Number of sync-up fan-outs coordinated by this node",
		ConstLabels: prometheus.Labels{"node_id": m.nodeId},
	})

	m.SyncUpNodeFailuresCounterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_up_node_failures_total",
		Help:      "Number of sync-up requests that a target node failed to answer",
	}, []string{"node_id", "target_node_id"})

	m.OrphanedCacheDirsRemovedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "orphaned_cache_dirs_removed_total",
		Help:        "Number of model cache directories removed because no task or loaded model referenced them",
		ConstLabels: prometheus.Labels{"node_id": m.nodeId},
	})

	collectors := map[string]prometheus.Collector{
		"Breaker Open":                m.BreakerOpenCounterVec,
		"Tasks Created":               m.TasksCreatedCounterVec,
		"Tasks Finished":              m.TasksFinishedCounterVec,
		"Tasks Timed Out":             m.TasksTimedOutCounter,
		"Running Tasks":               m.RunningTasksGaugeVec,
		"Dispatch Failures":           m.DispatchFailuresCounter,
		"Forward Requests":            m.ForwardRequestsCounterVec,
		"Forward Failures":            m.ForwardFailuresCounterVec,
		"Sync-Up Rounds":              m.SyncUpRoundsCounter,
		"Sync-Up Node Failures":       m.SyncUpNodeFailuresCounterVec,
		"Orphaned Cache Dirs Removed": m.OrphanedCacheDirsRemovedCounter,
	}

	for name, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			m.log.Error("Failed to register '%s' metric because: %v", name, err)
			return err
		}
	}

	return nil
}
