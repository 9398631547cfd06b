package pclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RefreshInitialDelay = 10 * time.Second
	RefreshPeriod       = 10 * time.Second
)

// RefreshScheduler runs the refreshes of a PartitionTable, at most one
// at a time. A refresh requested while another one is in flight is
// dropped.
type RefreshScheduler struct {
	table    *PartitionTable
	executor Executor
	updating atomic.Bool

	lk   sync.Mutex
	stop func()
}

func newRefreshScheduler(table *PartitionTable, executor Executor) *RefreshScheduler {
	return &RefreshScheduler{
		table:    table,
		executor: executor,
	}
}

// Start the periodic refresh. Calling Start twice is a no-op.
func (r *RefreshScheduler) Start() error {
	r.lk.Lock()
	defer r.lk.Unlock()

	if r.stop != nil {
		return nil
	}

	stop, err := r.executor.ScheduleRepeating(r.run, RefreshInitialDelay, RefreshPeriod)
	if err != nil {
		return err
	}
	r.stop = stop
	return nil
}

// Trigger an on-demand refresh in the background.
func (r *RefreshScheduler) Trigger() {
	err := r.executor.Execute(r.run)
	if err != nil {
		r.table.logger.Debug("partition refresh rejected", LabelError.L(err))
	}
}

// RunNow refreshes on the calling goroutine and reports whether the
// table was refreshed. It returns false right away when another
// refresh is in flight.
func (r *RefreshScheduler) RunNow(ctx context.Context) bool {
	if !r.updating.CompareAndSwap(false, true) {
		r.table.msink.IncrCounterWithLabels(MetricPartitionRefreshDropped, 1.0, r.table.labels)
		return false
	}
	defer r.updating.Store(false)

	refreshed, err := r.table.refresh(ctx)
	if errors.Is(err, ErrInstanceNotActive) {
		return false
	}
	return refreshed
}

// Stop the periodic refresh.
func (r *RefreshScheduler) Stop() {
	r.lk.Lock()
	defer r.lk.Unlock()

	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

func (r *RefreshScheduler) run() {
	r.RunNow(context.Background())
}
