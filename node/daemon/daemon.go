// Package daemon assembles the components of a node and exposes them as one service.
//
// Every node runs the same daemon. Any daemon accepts tasks, coordinates sync-up rounds and, if it carries an
// eligible role, executes model work on its execute pool.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/breaker"
	"github.com/scusemua/mlcommons-cluster/common/cluster"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/dispatch"
	"github.com/scusemua/mlcommons-cluster/common/engine"
	"github.com/scusemua/mlcommons-cluster/common/executor"
	"github.com/scusemua/mlcommons-cluster/common/forward"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/syncup"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"go.uber.org/atomic"
)

const (
	DefaultGeneralPoolSize = 16
	DefaultExecutePoolSize = 4
	DefaultRPCTimeout      = 30 * time.Second
)

var (
	ErrMissingMembership = errors.New("node daemon requires a membership")
	ErrMissingTransport  = errors.New("node daemon requires a transport")
	ErrMissingEngine     = errors.New("node daemon requires a model engine")
	ErrDaemonClosed      = errors.New("node daemon has been closed")
)

// Transport carries the node-to-node requests of the forwarding and sync-up protocols.
type Transport interface {
	forward.Sender
	syncup.Sender
}

// Config holds the collaborators of a NodeDaemon. Membership, Transport and Engine are required.
type Config struct {
	Membership cluster.Membership
	Transport  Transport
	Engine     engine.Engine

	// Store persists task and model documents. An in-memory store is used if nil.
	Store storage.Store

	// Settings are the node's dynamic settings. The defaults are used if nil.
	Settings *configuration.Settings

	Metrics *metrics.PrometheusManager

	// Breakers guard task admission. If nil, the memory, native memory and disk breakers are registered.
	// A non-nil empty slice registers none.
	Breakers []breaker.Breaker

	GeneralPoolSize int
	ExecutePoolSize int
	RPCTimeout      time.Duration

	// DisableSyncUpCron stops Start from running periodic sync-up rounds.
	DisableSyncUpCron bool
}

// NodeDaemon is the core of one node.
type NodeDaemon struct {
	log logger.Logger

	local      cluster.Node
	membership cluster.Membership
	transport  Transport
	engine     engine.Engine
	store      storage.Store
	settings   *configuration.Settings
	metrics    *metrics.PrometheusManager

	generalPool *executor.Pool
	executePool *executor.Pool

	breakers       *breaker.Service
	registry       *task.Registry
	placement      *model.PlacementTable
	repository     *model.Repository
	dispatcher     *dispatch.Dispatcher
	forwarder      *forward.Forwarder
	forwardHandler *forward.Handler
	coordinator    *syncup.Coordinator
	syncUpHandler  *syncup.Handler
	cron           *syncup.Cron

	disableCron bool
	clock       func() time.Time

	closed   *atomic.Bool
	cancel   context.CancelFunc
	cronDone sync.WaitGroup
}

func New(cfg Config) (*NodeDaemon, error) {
	if cfg.Membership == nil {
		return nil, ErrMissingMembership
	}

	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}

	if cfg.Engine == nil {
		return nil, ErrMissingEngine
	}

	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}

	if cfg.Settings == nil {
		cfg.Settings = configuration.NewSettings(configuration.DefaultValues())
	}

	if cfg.GeneralPoolSize <= 0 {
		cfg.GeneralPoolSize = DefaultGeneralPoolSize
	}

	if cfg.ExecutePoolSize <= 0 {
		cfg.ExecutePoolSize = DefaultExecutePoolSize
	}

	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}

	d := &NodeDaemon{
		local:       cfg.Membership.LocalNode(),
		membership:  cfg.Membership,
		transport:   cfg.Transport,
		engine:      cfg.Engine,
		store:       cfg.Store,
		settings:    cfg.Settings,
		metrics:     cfg.Metrics,
		generalPool: executor.NewPool(executor.GeneralPool, cfg.GeneralPoolSize),
		executePool: executor.NewPool(executor.ExecutePool, cfg.ExecutePoolSize),
		placement:   model.NewPlacementTable(),
		repository:  model.NewRepository(cfg.Store),
		disableCron: cfg.DisableSyncUpCron,
		clock:       time.Now,
		closed:      atomic.NewBool(false),
	}
	config.InitLogger(&d.log, "Node["+d.local.ID+"] ")

	d.breakers = breaker.NewService(cfg.Metrics)
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = d.defaultBreakers()
	}
	for _, b := range breakers {
		d.breakers.Register(b)
	}
	d.breakers.BindSettings(cfg.Settings)

	d.registry = task.NewRegistry(cfg.Store, d.generalPool, cfg.Metrics)
	d.dispatcher = dispatch.NewDispatcher(cfg.Membership, cfg.Settings, d.generalPool, cfg.Metrics)
	d.forwarder = forward.NewForwarder(cfg.Transport, d.generalPool, cfg.Metrics, cfg.RPCTimeout)

	d.coordinator = syncup.NewCoordinator(cfg.Membership, cfg.Transport, d.generalPool, cfg.Metrics)
	d.coordinator.SetNodeTimeout(cfg.RPCTimeout)

	d.forwardHandler = forward.NewHandler(d.registry, d.placement, d.repository, d.coordinator, d, d)
	d.syncUpHandler = syncup.NewHandler(d.local.ID, d.registry, d.placement, d.repository, cfg.Settings,
		cfg.Engine.ModelCacheRoot(), cfg.Metrics)
	d.cron = syncup.NewCron(d.coordinator, cfg.Membership, d.repository, cfg.Settings, cfg.Metrics)

	return d, nil
}

func (d *NodeDaemon) defaultBreakers() []breaker.Breaker {
	values := d.settings.Get()
	return []breaker.Breaker{
		breaker.NewMemoryBreaker(values.MemoryThresholdPercent, nil),
		breaker.NewNativeMemoryBreaker(values.NativeMemoryThresholdPercent, nil),
		breaker.NewDiskBreaker(d.engine.ModelCacheRoot(), values.DiskFreeSpaceThresholdGB, nil),
	}
}

// SetClock replaces the time source of the daemon and of every component it owns.
func (d *NodeDaemon) SetClock(clock func() time.Time) {
	d.clock = clock
	d.registry.SetClock(clock)
	d.repository.SetClock(clock)
	d.forwardHandler.SetClock(clock)
	d.syncUpHandler.SetClock(clock)
	d.coordinator.SetClock(clock)
	d.cron.SetClock(clock)
}

// Start begins the periodic sync-up rounds unless they are disabled.
func (d *NodeDaemon) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.disableCron {
		d.log.Info("Sync-up cron is disabled on this node.")
		return
	}

	d.cronDone.Add(1)
	go func() {
		defer d.cronDone.Done()
		d.cron.Start(ctx)
	}()
}

// Close stops the cron and waits for the pools to drain, or for ctx to be done.
func (d *NodeDaemon) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.cronDone.Wait()

	executeErr := d.executePool.Shutdown(ctx)
	generalErr := d.generalPool.Shutdown(ctx)
	if executeErr != nil {
		return executeErr
	}
	return generalErr
}

// Forward handles a forwarding request from another node.
func (d *NodeDaemon) Forward(ctx context.Context, req *forward.Request) (*forward.Response, error) {
	return d.forwardHandler.Handle(ctx, req)
}

// SyncUp handles a sync-up request from the coordinator of a round.
func (d *NodeDaemon) SyncUp(ctx context.Context, input *syncup.Input) (*syncup.NodeResponse, error) {
	return d.syncUpHandler.Handle(ctx, input)
}

// TriggerSyncUp runs one sync-up round now, with this node as coordinator. It reports false if a round was
// already in progress.
func (d *NodeDaemon) TriggerSyncUp(ctx context.Context) bool {
	return d.cron.RunOnce(ctx)
}

func (d *NodeDaemon) LocalNode() cluster.Node {
	return d.local
}

func (d *NodeDaemon) Registry() *task.Registry {
	return d.registry
}

func (d *NodeDaemon) Placement() *model.PlacementTable {
	return d.placement
}

func (d *NodeDaemon) Repository() *model.Repository {
	return d.repository
}

func (d *NodeDaemon) Breakers() *breaker.Service {
	return d.breakers
}

// report delivers a request to the node that originated a task. A local origin is handled in place.
func (d *NodeDaemon) report(ctx context.Context, originID string, req *forward.Request) {
	if originID == "" || originID == d.local.ID {
		if _, err := d.forwardHandler.Handle(ctx, req); err != nil {
			d.log.Warn("Failed to handle %s of task %s locally: %v", req.RequestType, req.TaskID, err)
		}
		return
	}

	origin, ok := cluster.FindNode(d.membership.Nodes(), originID)
	if !ok {
		d.log.Warn("Cannot report %s of task %s: origin node %s has left the cluster.",
			req.RequestType, req.TaskID, originID)
		return
	}

	d.forwarder.Forward(ctx, origin, req, func(_ *forward.Response, err error) {
		if err != nil {
			d.log.Warn("Origin node %s did not receive %s of task %s: %v", originID, req.RequestType, req.TaskID, err)
		}
	})
}
