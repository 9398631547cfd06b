package pclient

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/pclient/pkg/wire"
	"github.com/stretchr/testify/require"
)

type fakeOwners struct {
	lk     sync.Mutex
	owners map[int32]Address
	err    error
}

func (o *fakeOwners) PartitionOwner(_ context.Context, partitionID int32) (Address, error) {
	o.lk.Lock()
	defer o.lk.Unlock()
	if o.err != nil {
		return "", o.err
	}
	owner, ok := o.owners[partitionID]
	if !ok {
		return "", ErrNoPartitionOwner
	}
	return owner, nil
}

type routerFixture struct {
	member  *testMember
	tr      *Transport
	cluster *fakeCluster
	owners  *fakeOwners
	svc     *InvocationService
	env     *invocationEnv
	sink    *metrics.InmemSink
}

type routerFixtureOpts struct {
	maxConcurrent     int64
	heartbeatInterval time.Duration
}

func newRouterFixture(t *testing.T, handler memberHandler, opts routerFixtureOpts) *routerFixture {
	t.Helper()

	memberTls, clientTls := generateTlsConfigs(t)
	member := startTestMember(t, memberTls, handler)
	tr := newTestTransport(t, clientTls, time.Hour)

	logger := slog.New(testLogHandler())
	sink := metrics.NewInmemSink(time.Minute, 5*time.Minute)
	cluster := &fakeCluster{
		owner:    member.addr,
		hasOwner: true,
		members:  []Member{{Name: "member-1", Addr: member.addr, DataMember: true}},
	}
	owners := &fakeOwners{owners: map[int32]Address{}}

	svc := newInvocationService(tr, cluster, invocationServiceConfig{
		maxConcurrent:     opts.maxConcurrent,
		heartbeatInterval: opts.heartbeatInterval,
		logger:            logger,
		msink:             sink,
	})
	svc.partitions = owners

	scheduler := NewScheduler(logger)
	lifecycle := &fakeLifecycle{}
	lifecycle.running.Store(true)

	f := &routerFixture{
		member:  member,
		tr:      tr,
		cluster: cluster,
		owners:  owners,
		svc:     svc,
		sink:    sink,
		env: &invocationEnv{
			lifecycle:         lifecycle,
			router:            svc,
			executor:          scheduler,
			logger:            logger,
			msink:             sink,
			invocationTimeout: 10 * time.Second,
			heartbeatInterval: opts.heartbeatInterval,
			now:               time.Now,
		},
	}
	t.Cleanup(func() {
		scheduler.Shutdown()
		svc.shutdown()
	})
	return f
}

func (f *routerFixture) invoke(t *testing.T, req Request, opts ...InvocationOption) (*Invocation, any, error) {
	t.Helper()

	inv := newInvocation(f.env, req, opts...)
	future, err := inv.Invoke()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := future.Get(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "invocation never resolved")
	return inv, value, err
}

func rawUserRequest(payload string) *RawRequest {
	return &RawRequest{Operation: wire.OpUser, Payload: []byte(payload)}
}

func TestInvocationService_Routing(t *testing.T) {
	seen := make(chan *wire.Request, 16)
	f := newRouterFixture(t, func(req *wire.Request, stream quic.Stream) {
		seen <- req
		echo(req, stream)
	}, routerFixtureOpts{})

	t.Run("on target", func(t *testing.T) {
		inv, value, err := f.invoke(t, rawUserRequest("hello"), OnTarget(f.member.addr))
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), value)
		require.Equal(t, f.member.addr, inv.SendConnection().RemoteAddr())

		req := <-seen
		require.Equal(t, wire.OpUser, req.Op)
		require.Equal(t, unassignedPartition, req.PartitionID)
		require.False(t, req.Urgent)
	})

	t.Run("on partition owner", func(t *testing.T) {
		f.owners.lk.Lock()
		f.owners.owners[7] = f.member.addr
		f.owners.lk.Unlock()

		_, value, err := f.invoke(t, rawUserRequest("p7"), OnPartition(7))
		require.NoError(t, err)
		require.Equal(t, []byte("p7"), value)

		req := <-seen
		require.Equal(t, int32(7), req.PartitionID)
	})

	t.Run("on any member", func(t *testing.T) {
		inv, value, err := f.invoke(t, rawUserRequest("any"))
		require.NoError(t, err)
		require.Equal(t, []byte("any"), value)
		require.Equal(t, f.member.addr, inv.SendConnection().RemoteAddr())
		<-seen
	})

	t.Run("on connection", func(t *testing.T) {
		conn, ok := f.tr.Connection(f.member.addr)
		require.True(t, ok)

		inv, value, err := f.invoke(t, rawUserRequest("conn"), OnConnection(conn))
		require.NoError(t, err)
		require.Equal(t, []byte("conn"), value)
		require.Same(t, conn, inv.SendConnection())
		<-seen
	})

	t.Run("urgent flag is sent", func(t *testing.T) {
		inv := newInvocation(f.env, rawUserRequest("urgent"), OnTarget(f.member.addr))
		future, err := inv.InvokeUrgent()
		require.NoError(t, err)
		_, err = future.Get(context.Background())
		require.NoError(t, err)

		req := <-seen
		require.True(t, req.Urgent)
	})

	t.Run("empty response payload", func(t *testing.T) {
		_, value, err := f.invoke(t, rawUserRequest(""), OnTarget(f.member.addr))
		require.NoError(t, err)
		require.Equal(t, []byte{}, value)
		<-seen
	})

	t.Run("connection is reused", func(t *testing.T) {
		first, _, err := f.invoke(t, rawUserRequest("a"), OnTarget(f.member.addr))
		require.NoError(t, err)
		second, _, err := f.invoke(t, rawUserRequest("b"), OnTarget(f.member.addr))
		require.NoError(t, err)
		require.Same(t, first.SendConnection(), second.SendConnection())
		<-seen
		<-seen
	})

	t.Run("foreign connection is rejected", func(t *testing.T) {
		_, _, err := f.invoke(t, rawUserRequest("x"), OnConnection(newFakeConn(f.member.addr)))
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("no owner is retried until the deadline", func(t *testing.T) {
		env := *f.env
		env.invocationTimeout = 500 * time.Millisecond
		inv := newInvocation(&env, rawUserRequest("lost"), OnPartition(99))
		future, err := inv.Invoke()
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = future.Get(ctx)
		require.ErrorIs(t, err, ErrNoPartitionOwner)
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
	})

	t.Run("invalid partition is not retried", func(t *testing.T) {
		f.owners.lk.Lock()
		f.owners.err = ErrInvalidArgument
		f.owners.lk.Unlock()
		defer func() {
			f.owners.lk.Lock()
			f.owners.err = nil
			f.owners.lk.Unlock()
		}()

		retries := sinkCounter(f.sink, MetricInvocationRetryCount)
		_, _, err := f.invoke(t, rawUserRequest("x"), OnPartition(1000))
		require.ErrorIs(t, err, ErrInvalidArgument)
		require.Equal(t, retries, sinkCounter(f.sink, MetricInvocationRetryCount))
	})

	t.Run("no data member", func(t *testing.T) {
		f.owners.lk.Lock()
		f.owners.err = ErrNoDataMemberInCluster
		f.owners.lk.Unlock()
		defer func() {
			f.owners.lk.Lock()
			f.owners.err = nil
			f.owners.lk.Unlock()
		}()

		_, _, err := f.invoke(t, rawUserRequest("x"), OnPartition(7))
		require.ErrorIs(t, err, ErrNoDataMemberInCluster)
	})
}

func TestInvocationService_Failures(t *testing.T) {
	var attempts atomic.Int32
	f := newRouterFixture(t, func(req *wire.Request, stream quic.Stream) {
		defer stream.Close()
		switch string(req.Payload) {
		case "flaky":
			if attempts.Add(1) == 1 {
				writeResponse(stream, &wire.Response{Status: wire.StatusRetryable, Message: "migrating"})
				return
			}
			writeResponse(stream, &wire.Response{Status: wire.StatusOK, Payload: []byte("done")})
		case "broken":
			writeResponse(stream, &wire.Response{Status: wire.StatusError, Message: "boom"})
		case "busy":
			writeResponse(stream, &wire.Response{Status: wire.StatusOverload, Message: "queue full"})
		case "event first":
			writeResponse(stream, &wire.Response{Status: wire.StatusOK, Event: true})
		case "garbage":
			wire.WriteFrame(stream, []byte{0xff, 0xff, 0xff})
		case "hang up":
			stream.CancelWrite(QErrStreamCancelled)
		}
	}, routerFixtureOpts{})

	t.Run("retryable failure of an idempotent request", func(t *testing.T) {
		attempts.Store(0)
		req := rawUserRequest("flaky")
		req.Idempotent = true

		_, value, err := f.invoke(t, req, OnTarget(f.member.addr))
		require.NoError(t, err)
		require.Equal(t, []byte("done"), value)
		require.Equal(t, int32(2), attempts.Load())
		require.Equal(t, 1, sinkCounter(f.sink, MetricInvocationRetryCount))
	})

	t.Run("retryable failure of a non idempotent request", func(t *testing.T) {
		attempts.Store(0)
		_, _, err := f.invoke(t, rawUserRequest("flaky"), OnTarget(f.member.addr))
		require.ErrorIs(t, err, ErrRetryable)
		require.Equal(t, int32(1), attempts.Load())
	})

	t.Run("remote error", func(t *testing.T) {
		_, _, err := f.invoke(t, rawUserRequest("broken"), OnTarget(f.member.addr))
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		require.Equal(t, wire.StatusError, remote.Status)
		require.Equal(t, "boom", remote.Message)
	})

	t.Run("remote overload", func(t *testing.T) {
		_, _, err := f.invoke(t, rawUserRequest("busy"), OnTarget(f.member.addr))
		require.ErrorIs(t, err, ErrOverload)
	})

	t.Run("event before response", func(t *testing.T) {
		_, _, err := f.invoke(t, rawUserRequest("event first"), OnTarget(f.member.addr))
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("malformed response is not retried", func(t *testing.T) {
		retries := sinkCounter(f.sink, MetricInvocationRetryCount)
		_, _, err := f.invoke(t, rawUserRequest("garbage"), OnTarget(f.member.addr))
		require.ErrorIs(t, err, ErrProtocolViolation)
		require.False(t, IsRetryable(err))
		require.Equal(t, retries, sinkCounter(f.sink, MetricInvocationRetryCount))
	})

	t.Run("stream reset is a connection failure", func(t *testing.T) {
		conn, ok := f.tr.Connection(f.member.addr)
		require.True(t, ok)

		// bound to the connection so the failure is not retried
		_, _, err := f.invoke(t, rawUserRequest("hang up"), OnConnection(conn))
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		require.Equal(t, "read", ioErr.Op)
		require.True(t, IsRetryable(err))
	})
}

func TestInvocationService_Events(t *testing.T) {
	f := newRouterFixture(t, func(req *wire.Request, stream quic.Stream) {
		defer stream.Close()
		writeResponse(stream, &wire.Response{Status: wire.StatusOK, Payload: []byte("subscribed")})
		for i := range 3 {
			writeResponse(stream, &wire.Response{
				Status:  wire.StatusOK,
				Event:   true,
				Payload: []byte(strconv.Itoa(i)),
			})
		}
	}, routerFixtureOpts{})

	events := make(chan string, 3)
	handler := EventHandlerFunc(func(event []byte) {
		events <- string(event)
	})

	_, value, err := f.invoke(t, rawUserRequest("subscribe"), OnTarget(f.member.addr), WithEventHandler(handler))
	require.NoError(t, err)
	require.Equal(t, []byte("subscribed"), value)

	for i := range 3 {
		select {
		case event := <-events:
			require.Equal(t, strconv.Itoa(i), event)
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d was not delivered", i)
		}
	}
	require.Eventually(t, func() bool {
		return sinkCounter(f.sink, MetricInvocationEventCount) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestInvocationService_Backpressure(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	f := newRouterFixture(t, func(req *wire.Request, stream quic.Stream) {
		if string(req.Payload) == "slow" {
			<-release
		}
		echo(req, stream)
	}, routerFixtureOpts{maxConcurrent: 1})

	slow := newInvocation(f.env, rawUserRequest("slow"), OnTarget(f.member.addr))
	slowFuture, err := slow.Invoke()
	require.NoError(t, err)

	t.Run("overload is returned to the caller", func(t *testing.T) {
		inv := newInvocation(f.env, rawUserRequest("fast"), OnTarget(f.member.addr))
		future, err := inv.Invoke()
		require.ErrorIs(t, err, ErrOverload)
		require.Nil(t, future)
		require.Equal(t, 1, sinkCounter(f.sink, MetricInvocationOverloadCount))
	})

	t.Run("urgent invocations bypass the limit", func(t *testing.T) {
		inv := newInvocation(f.env, rawUserRequest("fast"), OnTarget(f.member.addr))
		future, err := inv.InvokeUrgent()
		require.NoError(t, err)
		value, err := future.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, []byte("fast"), value)
	})

	t.Run("slots are released once resolved", func(t *testing.T) {
		unblock()
		_, err := slowFuture.Get(context.Background())
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return f.svc.inflightCount.Load() == 0
		}, time.Second, 10*time.Millisecond)

		_, value, err := f.invoke(t, rawUserRequest("fast"), OnTarget(f.member.addr))
		require.NoError(t, err)
		require.Equal(t, []byte("fast"), value)
	})
}

func TestInvocationService_HeartbeatLost(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newRouterFixture(t, func(req *wire.Request, stream quic.Stream) {
		<-release
		echo(req, stream)
	}, routerFixtureOpts{heartbeatInterval: time.Millisecond})
	f.tr.OnHeartbeatLost(f.svc.onHeartbeatLost)

	conn, ok := f.tr.Connection(f.member.addr)
	require.True(t, ok)
	mc := conn.(*memberConn)

	inv := newInvocation(f.env, rawUserRequest("stuck"), OnConnection(conn))
	future, err := inv.Invoke()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.svc.lk.Lock()
		defer f.svc.lk.Unlock()
		p, ok := f.svc.inflight[inv]
		return ok && !p.sentAt.IsZero()
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	// still heartbeating, nothing to do
	f.svc.failStalled(nil)
	require.False(t, future.IsDone())

	f.tr.checkHeartbeat(mc, time.Now().Add(4*time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = future.Get(ctx)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "heartbeat", ioErr.Op)
	require.ErrorIs(t, err, errHeartbeatLost)
}

func TestInvocationService_Shutdown(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newRouterFixture(t, func(req *wire.Request, stream quic.Stream) {
		<-release
		echo(req, stream)
	}, routerFixtureOpts{})

	conn, ok := f.tr.Connection(f.member.addr)
	require.True(t, ok)

	inv := newInvocation(f.env, rawUserRequest("pending"), OnConnection(conn))
	future, err := inv.Invoke()
	require.NoError(t, err)

	f.svc.shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = future.Get(ctx)
	require.ErrorIs(t, err, ErrShutdown)

	err = f.svc.DispatchOnTarget(newInvocation(f.env, rawUserRequest("late")), f.member.addr)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestInvocationService_StalledRetry(t *testing.T) {
	f := newRouterFixture(t, echo, routerFixtureOpts{})

	conn, ok := f.tr.Connection(f.member.addr)
	require.True(t, ok)
	mc := conn.(*memberConn)
	f.tr.checkHeartbeat(mc, time.Now().Add(4*time.Hour))
	require.False(t, mc.IsHeartBeating())

	inv := newInvocation(f.env, rawUserRequest("retrying"), OnConnection(conn))
	inv.SetSendConnection(mc)

	var cancelled atomic.Int32
	countCancel := func(error) { cancelled.Add(1) }
	setPending := func(p *pending) {
		f.svc.lk.Lock()
		defer f.svc.lk.Unlock()
		f.svc.inflight[inv] = p
	}
	t.Cleanup(func() {
		f.svc.lk.Lock()
		defer f.svc.lk.Unlock()
		delete(f.svc.inflight, inv)
	})

	t.Run("a retry not yet sent is skipped", func(t *testing.T) {
		setPending(&pending{sentAt: time.Now().Add(-time.Hour), cancel: countCancel})
		require.NotPanics(t, func() { f.svc.failStalled(nil) })
		require.Zero(t, cancelled.Load())
	})

	t.Run("a sent request on a silent member is cancelled", func(t *testing.T) {
		setPending(&pending{sentAt: time.Now().Add(-time.Hour), conn: mc, cancel: countCancel})
		f.svc.failStalled(mc)
		require.Equal(t, int32(1), cancelled.Load())
	})

	t.Run("retries race with the heartbeat check", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if err := f.svc.admit(inv, countCancel); err != nil {
					t.Error(err)
					return
				}
				f.svc.markSent(inv, mc)
			}
		}()
		for range 200 {
			require.NotPanics(t, func() { f.svc.failStalled(nil) })
		}
		wg.Wait()
	})
}
