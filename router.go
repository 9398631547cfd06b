package pclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/pclient/pkg/wire"
)

// dialer is the part of `Transport` the routing service depends on.
type dialer interface {
	getOrConnect(ctx context.Context, addr Address) (*memberConn, error)
}

type partitionResolver interface {
	PartitionOwner(ctx context.Context, partitionID int32) (Address, error)
}

// InvocationService sends invocations to members over request streams.
// It implements `Router`.
type InvocationService struct {
	dialer     dialer
	cluster    ClusterService
	partitions partitionResolver

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	redo              bool
	maxConcurrent     int64
	heartbeatInterval time.Duration
	now               func() time.Time

	inflightCount atomic.Int64
	lk            sync.Mutex
	inflight      map[*Invocation]*pending

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

var _ Router = (*InvocationService)(nil)

// pending is the routing state of an invocation until its future is
// resolved.
type pending struct {
	sentAt time.Time
	conn   *memberConn
	cancel context.CancelCauseFunc
}

type invocationServiceConfig struct {
	redo              bool
	maxConcurrent     int64
	heartbeatInterval time.Duration
	logger            *slog.Logger
	msink             metrics.MetricSink
	labels            []metrics.Label
}

func newInvocationService(d dialer, cluster ClusterService, cfg invocationServiceConfig) *InvocationService {
	ctx, cancel := context.WithCancelCause(context.Background())
	hb := cfg.heartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	return &InvocationService{
		dialer:            d,
		cluster:           cluster,
		logger:            cfg.logger.With("component", "invocations"),
		msink:             cfg.msink,
		labels:            cfg.labels,
		redo:              cfg.redo,
		maxConcurrent:     cfg.maxConcurrent,
		heartbeatInterval: hb,
		now:               time.Now,
		inflight:          make(map[*Invocation]*pending),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// start the stall detector.
func (s *InvocationService) start() {
	s.wg.Add(1)
	go s.watchStalled()
}

func (s *InvocationService) IsRedoAllOperations() bool {
	return s.redo
}

func (s *InvocationService) DispatchOnConnection(inv *Invocation, conn Connection) error {
	mc, ok := conn.(*memberConn)
	if !ok {
		return fmt.Errorf("%w: connection of type %T is not owned by this client", ErrInvalidArgument, conn)
	}
	return s.dispatch(inv, func(context.Context) (*memberConn, error) {
		if !mc.isActive() {
			return nil, &IOError{Op: "send", Addr: mc.addr, Err: context.Cause(mc.conn.Context())}
		}
		return mc, nil
	})
}

func (s *InvocationService) DispatchOnPartitionOwner(inv *Invocation, partitionID int32) error {
	return s.dispatch(inv, func(ctx context.Context) (*memberConn, error) {
		owner, err := s.partitions.PartitionOwner(ctx, partitionID)
		if err != nil {
			if errors.Is(err, ErrNoDataMemberInCluster) || errors.Is(err, ErrInvalidArgument) || ctx.Err() != nil {
				return nil, err
			}
			return nil, &IOError{Op: "resolve owner", Err: err}
		}
		return s.dialer.getOrConnect(ctx, owner)
	})
}

func (s *InvocationService) DispatchOnTarget(inv *Invocation, addr Address) error {
	return s.dispatch(inv, func(ctx context.Context) (*memberConn, error) {
		return s.dialer.getOrConnect(ctx, addr)
	})
}

func (s *InvocationService) DispatchOnAnyTarget(inv *Invocation) error {
	return s.dispatch(inv, func(ctx context.Context) (*memberConn, error) {
		members := s.cluster.DataMembers()
		if len(members) == 0 {
			return nil, &IOError{Op: "route", Err: ErrNoMember}
		}
		member := members[rand.IntN(len(members))]
		return s.dialer.getOrConnect(ctx, member.Addr)
	})
}

// shutdown fails every outstanding invocation.
func (s *InvocationService) shutdown() {
	s.cancel(ErrShutdown)
	s.wg.Wait()
}

func (s *InvocationService) dispatch(inv *Invocation, resolve func(context.Context) (*memberConn, error)) error {
	if s.ctx.Err() != nil {
		return ErrShutdown
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	if err := s.admit(inv, cancel); err != nil {
		cancel(err)
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		s.send(ctx, inv, resolve)
	}()
	return nil
}

// admit applies backpressure on the first dispatch of an invocation.
// Retries and urgent invocations are always admitted.
func (s *InvocationService) admit(inv *Invocation, cancel context.CancelCauseFunc) error {
	s.lk.Lock()
	if p, retry := s.inflight[inv]; retry {
		p.sentAt = time.Time{}
		p.conn = nil
		p.cancel = cancel
		s.lk.Unlock()
		return nil
	}

	if !inv.IsUrgent() && s.maxConcurrent > 0 && s.inflightCount.Load() >= s.maxConcurrent {
		inflight := s.inflightCount.Load()
		s.lk.Unlock()
		return fmt.Errorf("%w: %d invocations in flight", ErrOverload, inflight)
	}

	s.inflight[inv] = &pending{cancel: cancel}
	count := s.inflightCount.Add(1)
	s.lk.Unlock()

	s.msink.SetGaugeWithLabels(MetricInvocationInflight, float32(count), s.labels)

	// may run right away if the future is already resolved
	inv.Future().AndThen(func(any, error) {
		s.release(inv)
	})
	return nil
}

func (s *InvocationService) release(inv *Invocation) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.inflight[inv]; !ok {
		return
	}
	delete(s.inflight, inv)
	count := s.inflightCount.Add(-1)
	s.msink.SetGaugeWithLabels(MetricInvocationInflight, float32(count), s.labels)
}

func (s *InvocationService) markSent(inv *Invocation, mc *memberConn) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if p, ok := s.inflight[inv]; ok {
		p.sentAt = s.now()
		p.conn = mc
	}
}

func (s *InvocationService) send(
	ctx context.Context,
	inv *Invocation,
	resolve func(context.Context) (*memberConn, error),
) {
	mc, err := resolve(ctx)
	if err != nil {
		s.notify(ctx, inv, err)
		return
	}

	inv.SetSendConnection(mc)
	s.markSent(inv, mc)

	stream, err := mc.openStream(ctx)
	if err != nil {
		s.notify(ctx, inv, err)
		return
	}
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
	})
	defer stop()

	payload, err := s.roundTrip(inv, mc, stream)
	if err != nil {
		s.notify(ctx, inv, err)
		return
	}
	if payload == nil {
		payload = []byte{}
	}
	if err := inv.Notify(payload); err != nil {
		s.logger.Error("could not notify invocation", LabelError.L(err))
	}

	if handler := inv.EventHandler(); handler != nil {
		s.pumpEvents(mc, stream, handler)
	}
}

// notify prefers the reason the invocation was cancelled for over the
// error it observed.
func (s *InvocationService) notify(ctx context.Context, inv *Invocation, err error) {
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	if nerr := inv.Notify(err); nerr != nil {
		s.logger.Error("could not notify invocation", LabelError.L(nerr))
	}
}

func (s *InvocationService) roundTrip(inv *Invocation, mc *memberConn, stream quic.Stream) ([]byte, error) {
	body, err := inv.Request().Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	req := wire.Request{
		Op:          inv.Request().Op(),
		PartitionID: inv.PartitionID(),
		Urgent:      inv.IsUrgent(),
		Payload:     body,
	}
	frame, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if err := wire.WriteFrame(stream, frame); err != nil {
		return nil, &IOError{Op: "write", Addr: mc.addr, Err: err}
	}
	if inv.EventHandler() == nil {
		// no more frames from us
		stream.Close()
	}

	raw, err := wire.ReadFrame(stream, wire.DefaultMaxFrameSize)
	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			stream.CancelRead(QErrStreamProtocolViolation)
			return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		return nil, &IOError{Op: "read", Addr: mc.addr, Err: err}
	}

	var resp wire.Response
	if err := resp.Unmarshal(raw); err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	if resp.Event {
		stream.CancelRead(QErrStreamProtocolViolation)
		return nil, fmt.Errorf("%w: event received before the response", ErrProtocolViolation)
	}

	if err := statusError(&resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// pumpEvents delivers the frames following the response until the
// member closes the stream.
func (s *InvocationService) pumpEvents(mc *memberConn, stream quic.Stream, handler EventHandler) {
	logger := s.logger.With(LabelPeerAddr.L(mc.addr), "stream_id", stream.StreamID())
	for {
		raw, err := wire.ReadFrame(stream, wire.DefaultMaxFrameSize)
		if err != nil {
			if !isStreamCancelled(err) && s.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				logger.Debug("event stream closed", LabelError.L(err))
			}
			return
		}

		var event wire.Response
		if err := event.Unmarshal(raw); err != nil || !event.Event {
			logger.Warn("protocol violation: malformed event frame", LabelError.L(err))
			stream.CancelRead(QErrStreamProtocolViolation)
			return
		}

		s.msink.IncrCounterWithLabels(MetricInvocationEventCount, 1.0, s.labels)
		handler.Handle(event.Payload)
	}
}

func (s *InvocationService) watchStalled() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.failStalled(nil)
		}
	}
}

// onHeartbeatLost is registered on the transport.
func (s *InvocationService) onHeartbeatLost(mc *memberConn) {
	s.failStalled(mc)
}

// failStalled cancels the invocations sent on a connection which
// stopped heartbeating. When only is set, other connections are
// ignored.
func (s *InvocationService) failStalled(only *memberConn) {
	now := s.now()

	type stall struct {
		cancel context.CancelCauseFunc
		addr   Address
	}

	s.lk.Lock()
	var stalled []stall
	for inv, p := range s.inflight {
		if p.sentAt.IsZero() || p.conn == nil || p.cancel == nil {
			continue
		}
		if only != nil && p.conn != only {
			continue
		}
		if !inv.IsConnectionHealthy(now.Sub(p.sentAt)) {
			stalled = append(stalled, stall{cancel: p.cancel, addr: p.conn.addr})
		}
	}
	s.lk.Unlock()

	for _, st := range stalled {
		st.cancel(&IOError{Op: "heartbeat", Addr: st.addr, Err: errHeartbeatLost})
	}
}

var errHeartbeatLost = errors.New("member stopped answering heartbeats")
