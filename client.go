package pclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// LeaveTimeout bounds the time spent announcing our departure to the
// gossip pool.
const LeaveTimeout = 5 * time.Second

// Client routes invocations to the members of a cluster.
type Client struct {
	config config
	logger *slog.Logger

	cluster    *GossipCluster
	tr         *Transport
	scheduler  *Scheduler
	router     *InvocationService
	partitions *PartitionTable
	invEnv     *invocationEnv

	running atomic.Bool

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: invocations are failed, no new task is accepted.
	// phase 2: the cluster is left and connections are closed.
	started    bool
	shutdown   bool
	shutdownCh chan struct{}
}

var _ Lifecycle = (*Client)(nil)

func Create(opts ...Option) (cl *Client, err error) {
	cl = &Client{
		shutdownCh: make(chan struct{}),
	}

	cl.config.mlCfg = memberlist.DefaultLANConfig()
	cl.config.mlCfg.Name = "client-" + uuid.NewString()
	// Clients are many, let the kernel pick the port.
	cl.config.mlCfg.BindPort = 0
	cl.config.mlCfg.AdvertisePort = 0
	cl.config.mlCfg.LogOutput = nil
	cl.config.invocationTimeout = DefaultInvocationTimeout
	cl.config.heartbeatInterval = DefaultHeartbeatInterval

	for _, opt := range opts {
		err := opt(&cl.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if cl.config.logHandler != nil {
		cl.logger = slog.New(cl.config.logHandler)
		cl.config.mlCfg.Logger = slog.NewLogLogger(cl.config.logHandler, slog.LevelDebug)
	} else {
		cl.logger = slog.Default()
		cl.config.mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}

	// Metrics implementations.
	if cl.config.msink == nil {
		cl.config.msink = &metrics.BlackholeSink{}
		cl.config.trCfg.MetricSink = cl.config.msink
	}

	tr, err := NewTransport(&cl.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	cl.tr = tr
	defer func() {
		if err != nil {
			tr.Shutdown()
		}
	}()

	cluster, err := newGossipCluster(cl.config.mlCfg, cl.logger, cl.config.msink, cl.config.metricLabels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	cl.cluster = cluster

	cl.scheduler = NewScheduler(cl.logger)
	cl.router = newInvocationService(tr, cluster, invocationServiceConfig{
		redo:              cl.config.redo,
		maxConcurrent:     cl.config.maxConcurrent,
		heartbeatInterval: cl.config.heartbeatInterval,
		logger:            cl.logger,
		msink:             cl.config.msink,
		labels:            cl.config.metricLabels,
	})

	cl.invEnv = &invocationEnv{
		lifecycle:         cl,
		router:            cl.router,
		executor:          cl.scheduler,
		logger:            cl.logger,
		msink:             cl.config.msink,
		labels:            cl.config.metricLabels,
		invocationTimeout: cl.config.invocationTimeout,
		heartbeatInterval: cl.config.heartbeatInterval,
		now:               time.Now,
	}

	cl.partitions = newPartitionTable(cluster, tr, cl.invEnv)
	cl.router.partitions = cl.partitions

	tr.OnHeartbeatLost(cl.router.onHeartbeatLost)
	cluster.OnChange(cl.partitions.RefreshPartitions)

	return cl, nil
}

// Start joins the cluster and starts refreshing the partition table.
func (cl *Client) Start() error {
	cl.lk.Lock()
	defer cl.lk.Unlock()
	if cl.shutdown {
		return ErrClientNotActive
	}
	if cl.started {
		return nil
	}

	if len(cl.config.neighbours) > 0 {
		joined, err := cl.cluster.Join(cl.config.neighbours)
		if err != nil {
			return err
		}
		cl.logger.Info("cluster joined")
		if len(cl.config.neighbours) != joined {
			cl.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(cl.config.neighbours),
			)
		}
	}

	cl.running.Store(true)
	cl.router.start()
	if err := cl.partitions.Start(); err != nil {
		cl.running.Store(false)
		return err
	}
	cl.started = true

	// Warm the table up, callers needing it right away block on it
	// anyway.
	cl.partitions.RefreshPartitions()
	cl.logger.Debug("client started", "name", cl.LocalName())
	return nil
}

func (cl *Client) IsRunning() bool {
	return cl.running.Load()
}

// NewInvocation prepares an invocation of req. By default it goes to
// any member, see `InvocationOption` for other routings.
func (cl *Client) NewInvocation(req Request, opts ...InvocationOption) *Invocation {
	return newInvocation(cl.invEnv, req, opts...)
}

// Invoke sends req and waits for its response.
func (cl *Client) Invoke(ctx context.Context, req Request, opts ...InvocationOption) (any, error) {
	future, err := cl.NewInvocation(req, opts...).Invoke()
	if err != nil {
		return nil, err
	}
	return future.Get(ctx)
}

// InvokeOnKey sends req to the owner of the partition of key.
func (cl *Client) InvokeOnKey(ctx context.Context, key []byte, req Request, opts ...InvocationOption) (any, error) {
	partitionID, err := cl.partitions.PartitionID(ctx, key)
	if err != nil {
		return nil, err
	}
	return cl.Invoke(ctx, req, append(opts, OnPartition(partitionID))...)
}

func (cl *Client) Partitions() *PartitionTable {
	return cl.partitions
}

func (cl *Client) Cluster() ClusterService {
	return cl.cluster
}

func (cl *Client) LocalName() string {
	return cl.config.mlCfg.Name
}

func (cl *Client) Shutdown() error {
	// Phase 1: Shutdown notify.
	cl.lk.Lock()
	if cl.shutdown {
		cl.lk.Unlock()
		return nil
	}
	cl.shutdown = true
	cl.running.Store(false)
	close(cl.shutdownCh)
	cl.lk.Unlock()

	start := time.Now()
	cl.logger.Info("shutting down...")

	cl.logger.Info("shutdown: partition table")
	cl.partitions.Stop()

	cl.logger.Info("shutdown: outstanding invocations")
	cl.router.shutdown()

	cl.logger.Info("shutdown: scheduler")
	cl.scheduler.Shutdown()

	// Phase 2: Drop all resources.
	cl.logger.Info("shutdown: leave cluster")
	err := cl.cluster.Leave(LeaveTimeout)
	if err != nil {
		cl.logger.Warn("error leaving the cluster", LabelError.L(err))
	}

	cl.logger.Info("shutdown: transport")
	if terr := cl.tr.Shutdown(); terr != nil && err == nil {
		err = terr
	}

	cl.logger.Info("shutdown complete", LabelDuration.L(time.Since(start)))
	return err
}

// ShutdownCh is closed once Shutdown was called.
func (cl *Client) ShutdownCh() <-chan struct{} {
	return cl.shutdownCh
}
