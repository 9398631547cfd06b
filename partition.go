package pclient

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pclient/pkg/wire"
)

// PartitionWaitTime is the pause between two attempts of a caller
// blocked until the partition table is known.
const PartitionWaitTime = 1 * time.Second

// PartitionTable maps partition ids to the address of their owner.
//
// Entries are only ever added or replaced by a known owner: a refresh
// never turns a known entry back to unknown. The partition count is
// learnt once, from the first successful refresh, and never changes.
type PartitionTable struct {
	lk     sync.RWMutex
	owners map[int32]Address
	count  atomic.Int32

	cluster   ClusterService
	conns     ConnectionManager
	invEnv    *invocationEnv
	refresher *RefreshScheduler

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	waitTime time.Duration
}

func newPartitionTable(
	cluster ClusterService,
	conns ConnectionManager,
	invEnv *invocationEnv,
) *PartitionTable {
	table := &PartitionTable{
		owners:   make(map[int32]Address),
		cluster:  cluster,
		conns:    conns,
		invEnv:   invEnv,
		logger:   invEnv.logger.With("component", "partitions"),
		msink:    invEnv.msink,
		labels:   invEnv.labels,
		waitTime: PartitionWaitTime,
	}
	table.refresher = newRefreshScheduler(table, invEnv.executor)
	return table
}

// Start the periodic refresh.
func (t *PartitionTable) Start() error {
	return t.refresher.Start()
}

// Stop the periodic refresh and forget every known owner.
func (t *PartitionTable) Stop() {
	t.refresher.Stop()

	t.lk.Lock()
	defer t.lk.Unlock()
	clear(t.owners)
}

// RefreshPartitions asks for a refresh in the background. It is a
// no-op if one is already running or if the client is shutting down.
func (t *PartitionTable) RefreshPartitions() {
	t.refresher.Trigger()
}

// Refresher exposes the scheduler driving the refreshes.
func (t *PartitionTable) Refresher() *RefreshScheduler {
	return t.refresher
}

// PartitionOwner returns the address of the member owning partitionID,
// blocking until it is known or the cluster can not provide it.
func (t *PartitionTable) PartitionOwner(ctx context.Context, partitionID int32) (Address, error) {
	if partitionID < 0 {
		return "", fmt.Errorf("%w: negative partition id %d", ErrInvalidArgument, partitionID)
	}

	var (
		addr     Address
		rangeErr error
	)
	err := t.waitFor(ctx, func() bool {
		if count := t.count.Load(); count > 0 && partitionID >= count {
			rangeErr = fmt.Errorf("%w: partition %d out of range [0, %d)", ErrInvalidArgument, partitionID, count)
			return true
		}
		var ok bool
		addr, ok = t.owner(partitionID)
		return ok
	})
	if err != nil {
		return "", err
	}
	if rangeErr != nil {
		return "", rangeErr
	}
	return addr, nil
}

// PartitionCount returns the number of partitions of the cluster,
// blocking until a partition table was received.
func (t *PartitionTable) PartitionCount(ctx context.Context) (int32, error) {
	err := t.waitFor(ctx, func() bool {
		return t.count.Load() > 0
	})
	if err != nil {
		return 0, err
	}
	return t.count.Load(), nil
}

// PartitionID returns the partition key belongs to.
func (t *PartitionTable) PartitionID(ctx context.Context, key []byte) (int32, error) {
	count, err := t.PartitionCount(ctx)
	if err != nil {
		return 0, err
	}
	return hashToIndex(int32(xxhash.Sum64(key)), count), nil
}

// Partition returns a handle on partitionID.
func (t *PartitionTable) Partition(partitionID int32) Partition {
	return Partition{id: partitionID, table: t}
}

// Snapshot copies the known owners.
func (t *PartitionTable) Snapshot() map[int32]Address {
	t.lk.RLock()
	defer t.lk.RUnlock()

	out := make(map[int32]Address, len(t.owners))
	for id, addr := range t.owners {
		out[id] = addr
	}
	return out
}

func (t *PartitionTable) owner(partitionID int32) (Address, bool) {
	t.lk.RLock()
	defer t.lk.RUnlock()
	addr, ok := t.owners[partitionID]
	return addr, ok
}

// waitFor refreshes the table until ready holds. It gives up once the
// client lost its connections to the cluster, or when the cluster is
// only made of lite members.
func (t *PartitionTable) waitFor(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}

	for {
		t.refresher.RunNow(ctx)
		if ready() {
			return nil
		}

		if !t.conns.IsAlive() {
			return ErrClientOffline
		}

		if len(t.cluster.DataMembers()) == 0 {
			return fmt.Errorf("%w: partitions can not be assigned since all members are lite members", ErrNoDataMemberInCluster)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.waitTime):
		}
	}
}

// refresh fetches the partition table from the owner connection and
// applies it. It reports whether the table was refreshed.
func (t *PartitionTable) refresh(ctx context.Context) (bool, error) {
	resp, err := t.fetch(ctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricPartitionRefreshErrors, 1.0, t.labels)
		if t.invEnv.lifecycle.IsRunning() {
			t.logger.Warn("error while fetching cluster partition table", LabelError.L(err))
		}
		return false, err
	}
	if resp == nil {
		return false, nil
	}

	t.apply(resp)
	t.msink.IncrCounterWithLabels(MetricPartitionRefreshCount, 1.0, t.labels)
	return true, nil
}

func (t *PartitionTable) fetch(ctx context.Context) (*wire.PartitionsResponse, error) {
	ownerAddr, ok := t.cluster.OwnerAddress()
	if !ok {
		return nil, nil
	}

	conn, ok := t.conns.Connection(ownerAddr)
	if !ok {
		return nil, nil
	}

	inv := newInvocation(t.invEnv, getPartitionsRequest{}, OnConnection(conn))
	future, err := inv.InvokeUrgent()
	if err != nil {
		return nil, err
	}

	value, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}

	payload, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected partition table of type %T", ErrProtocolViolation, value)
	}

	resp := &wire.PartitionsResponse{}
	if err := resp.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	return resp, nil
}

func (t *PartitionTable) apply(resp *wire.PartitionsResponse) {
	if t.count.CompareAndSwap(0, int32(len(resp.OwnerIndexes))) {
		t.msink.SetGaugeWithLabels(MetricPartitionCount, float32(len(resp.OwnerIndexes)), t.labels)
	}

	count := t.count.Load()
	t.lk.Lock()
	defer t.lk.Unlock()
	for pid := int32(0); pid < count; pid++ {
		if owner, ok := resp.Owner(pid); ok {
			t.owners[pid] = Address(owner)
		}
	}
}

// hashToIndex maps a hash to [0, count).
func hashToIndex(hash int32, count int32) int32 {
	if count <= 0 {
		return 0
	}
	if hash == math.MinInt32 {
		return 0
	}
	if hash < 0 {
		hash = -hash
	}
	return hash % count
}

// Partition is a handle on a single partition.
type Partition struct {
	id    int32
	table *PartitionTable
}

func (p Partition) ID() int32 {
	return p.id
}

// Owner resolves the member owning the partition.
func (p Partition) Owner(ctx context.Context) (Member, error) {
	addr, err := p.table.PartitionOwner(ctx, p.id)
	if err != nil {
		return Member{}, err
	}

	member, ok := p.table.cluster.Member(addr)
	if !ok {
		return Member{}, fmt.Errorf("%w: %s", ErrNoPartitionOwner, addr)
	}
	return member, nil
}

func (p Partition) String() string {
	return fmt.Sprintf("partition(%d)", p.id)
}
