package pclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	// RetryWaitTime spaces two attempts of the same invocation. It is
	// also the polling period of `Invocation.SendConnectionOrWait`.
	RetryWaitTime = 1 * time.Second

	DefaultInvocationTimeout = 120 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second

	unassignedPartition int32 = -1
)

// invocationEnv is what an Invocation needs from the client.
type invocationEnv struct {
	lifecycle Lifecycle
	router    Router
	executor  Executor

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	invocationTimeout time.Duration
	heartbeatInterval time.Duration

	now func() time.Time
}

// Invocation is one outstanding request with its routing decision and
// its retry state.
type Invocation struct {
	env     *invocationEnv
	request Request
	handler EventHandler

	// routing, immutable
	partitionID int32
	target      Address
	conn        Connection

	urgent            atomic.Bool
	heartbeatInterval time.Duration
	// deadline is computed once, retries never extend it.
	deadline time.Time

	sendConn     atomic.Pointer[connRef]
	sendConnOnce sync.Once
	sendConnCh   chan struct{}

	future *Future
}

type connRef struct {
	Connection
}

// retryTask is handed to the Executor to redo an invocation.
type retryTask struct {
	inv    *Invocation
	future *Future
}

func (t *retryTask) run() {
	if t.future.IsDone() {
		return
	}
	if _, err := t.inv.Invoke(); err != nil {
		t.inv.env.logger.Debug("failure during retry", LabelError.L(err))
		t.future.complete(nil, err)
	}
}

func newInvocation(env *invocationEnv, req Request, opts ...InvocationOption) *Invocation {
	o := invOpts{partitionID: unassignedPartition}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := env.invocationTimeout
	if timeout <= 0 {
		timeout = DefaultInvocationTimeout
	}
	heartbeat := env.heartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	return &Invocation{
		env:               env,
		request:           req,
		handler:           o.handler,
		partitionID:       o.partitionID,
		target:            o.target,
		conn:              o.conn,
		heartbeatInterval: heartbeat,
		deadline:          env.now().Add(timeout),
		sendConnCh:        make(chan struct{}),
		future:            newFuture(),
	}
}

// Invoke dispatches the invocation and returns its future without
// waiting for the response.
//
// The only synchronous errors are `ErrInvalidState` for a nil request
// and `ErrOverload` when the router applies backpressure: the caller is
// expected to retry later. Every other failure resolves the future.
func (inv *Invocation) Invoke() (*Future, error) {
	if inv.request == nil {
		return nil, fmt.Errorf("%w: request can not be nil", ErrInvalidState)
	}

	inv.env.msink.IncrCounterWithLabels(
		MetricInvocationCount,
		1.0,
		withLabels(inv.env.labels, LabelRouting.M(inv.routing())),
	)

	if err := inv.dispatch(); err != nil {
		if errors.Is(err, ErrOverload) {
			inv.env.msink.IncrCounterWithLabels(MetricInvocationOverloadCount, 1.0, inv.env.labels)
			return nil, err
		}
		inv.notifyError(err)
	}
	return inv.future, nil
}

// InvokeUrgent flags the invocation so the router does not queue it
// behind regular traffic.
func (inv *Invocation) InvokeUrgent() (*Future, error) {
	inv.urgent.Store(true)
	return inv.Invoke()
}

func (inv *Invocation) dispatch() error {
	router := inv.env.router
	switch {
	case inv.isBoundToConnection():
		return router.DispatchOnConnection(inv, inv.conn)
	case inv.partitionID >= 0:
		return router.DispatchOnPartitionOwner(inv, inv.partitionID)
	case inv.target != "":
		return router.DispatchOnTarget(inv, inv.target)
	default:
		return router.DispatchOnAnyTarget(inv)
	}
}

func (inv *Invocation) routing() string {
	switch {
	case inv.isBoundToConnection():
		return "connection"
	case inv.partitionID >= 0:
		return "partition"
	case inv.target != "":
		return "target"
	default:
		return "any"
	}
}

// Notify is called by the router with either the result of the
// invocation or an error.
func (inv *Invocation) Notify(response any) error {
	if response == nil {
		return fmt.Errorf("%w: response can not be nil", ErrInvalidArgument)
	}

	if err, isErr := response.(error); isErr {
		inv.notifyError(err)
		return nil
	}

	inv.future.complete(response, nil)
	return nil
}

func (inv *Invocation) notifyError(err error) {
	if !inv.env.lifecycle.IsRunning() {
		inv.fail(fmt.Errorf("%w: %s", ErrClientNotActive, err))
		return
	}

	if IsRetryable(err) {
		if inv.handleRetry() {
			return
		}
	}

	if errors.Is(err, ErrRetryable) {
		if inv.isRetryableRequest() || inv.env.router.IsRedoAllOperations() {
			if inv.handleRetry() {
				return
			}
		}
	}

	inv.fail(err)
}

func (inv *Invocation) fail(err error) {
	if inv.future.complete(nil, err) {
		inv.env.msink.IncrCounterWithLabels(
			MetricInvocationErrorCount,
			1.0,
			withLabels(inv.env.labels, LabelRouting.M(inv.routing()), LabelError.M(errorClass(err))),
		)
	}
}

// handleRetry reports whether the failure was taken care of, either
// by scheduling a retry or by resolving the future with the scheduling
// failure.
func (inv *Invocation) handleRetry() bool {
	if inv.isBoundToConnection() {
		return false
	}
	if inv.env.now().After(inv.deadline) {
		return false
	}

	task := &retryTask{inv: inv, future: inv.future}
	if err := inv.env.executor.Schedule(task.run, RetryWaitTime); err != nil {
		inv.env.logger.Debug("retry could not be scheduled", LabelError.L(err))
		inv.notifyError(err)
		return true
	}

	inv.env.msink.IncrCounterWithLabels(
		MetricInvocationRetryCount,
		1.0,
		withLabels(inv.env.labels, LabelRouting.M(inv.routing())),
	)
	return true
}

func (inv *Invocation) isBoundToConnection() bool {
	return inv.conn != nil
}

func (inv *Invocation) isRetryableRequest() bool {
	rr, ok := inv.request.(RetryableRequest)
	return ok && rr.Retryable()
}

// IsConnectionHealthy tells a connection manager whether the invocation
// may still be waiting on a live member, given the time elapsed since
// the last heartbeat was received.
func (inv *Invocation) IsConnectionHealthy(elapsed time.Duration) bool {
	if elapsed < inv.heartbeatInterval {
		return true
	}
	conn := inv.SendConnection()
	if conn == nil {
		return true
	}
	return conn.IsHeartBeating()
}

// SetSendConnection records the connection the request was written to.
func (inv *Invocation) SetSendConnection(conn Connection) {
	if conn == nil {
		return
	}
	inv.sendConn.Store(&connRef{Connection: conn})
	inv.sendConnOnce.Do(func() {
		close(inv.sendConnCh)
	})
}

func (inv *Invocation) SendConnection() Connection {
	ref := inv.sendConn.Load()
	if ref == nil {
		return nil
	}
	return ref.Connection
}

// SendConnectionOrWait blocks until a connection was assigned or the
// invocation is resolved, in which case the connection may be nil.
func (inv *Invocation) SendConnectionOrWait(ctx context.Context) (Connection, error) {
	ticker := time.NewTicker(RetryWaitTime)
	defer ticker.Stop()

	for {
		if conn := inv.SendConnection(); conn != nil {
			return conn, nil
		}
		if inv.future.IsDone() {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-inv.sendConnCh:
		case <-inv.future.Done():
		case <-ticker.C:
		}
	}
}

func (inv *Invocation) PartitionID() int32 {
	return inv.partitionID
}

func (inv *Invocation) Request() Request {
	return inv.request
}

func (inv *Invocation) EventHandler() EventHandler {
	return inv.handler
}

func (inv *Invocation) HeartbeatInterval() time.Duration {
	return inv.heartbeatInterval
}

func (inv *Invocation) IsUrgent() bool {
	return inv.urgent.Load()
}

func (inv *Invocation) Deadline() time.Time {
	return inv.deadline
}

func (inv *Invocation) Future() *Future {
	return inv.future
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrClientNotActive):
		return "client_not_active"
	case errors.Is(err, ErrSchedulingRejected):
		return "scheduling_rejected"
	case errors.Is(err, ErrNoDataMemberInCluster):
		return "no_data_member"
	case errors.Is(err, ErrRetryable):
		return "retryable"
	case IsRetryable(err):
		return "connection"
	default:
		return "other"
	}
}
