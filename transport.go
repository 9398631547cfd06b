package pclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/pclient/pkg/wire"
)

// ALPN is negotiated with members when the TLS config does not set one.
const ALPN = "pclient/v1"

const (
	DefaultDialTimeout      = 30 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
)

// TransportConfig represents configuration of the connections to
// members.
type TransportConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between
	// the client and the members.
	TlsConfig *tls.Config

	// BindAddr of the local UDP socket, port is picked by the kernel.
	BindAddr string

	// DialTimeout controls how much time we wait for a member to
	// accept a connection.
	DialTimeout time.Duration

	// HeartbeatInterval between two pings on an idle connection.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout after which a silent member is considered dead.
	HeartbeatTimeout time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport maintains one QUIC connection per member. It implements
// `ConnectionManager`.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	alive        atomic.Bool
	gracefulTerm atomic.Bool

	connsLock sync.RWMutex
	conns     map[Address]*memberConn

	listenersLock sync.Mutex
	onHbLost      []func(*memberConn)

	// QUIC layer
	tr *quic.Transport

	// UDP layer
	udpLn *net.UDPConn

	wg sync.WaitGroup
}

var _ ConnectionManager = (*Transport)(nil)

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tlsConf := cfg.TlsConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}

	t = &Transport{
		cfg:   cfg,
		conns: make(map[Address]*memberConn),
	}
	t.cfg.TlsConfig = tlsConf

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With("component", "transport")

	if cfg.MetricSink == nil {
		t.msink = &metrics.BlackholeSink{}
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUdpNotAvailable, err)
	}
	t.udpLn = udpLn
	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	t.alive.Store(true)
	return t, nil
}

// IsAlive is false once the transport is shut down.
func (t *Transport) IsAlive() bool {
	return t.alive.Load() && !t.gracefulTerm.Load()
}

// Connection returns the connection to addr, dialing it if needed.
func (t *Transport) Connection(addr Address) (Connection, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.getOrConnect(ctx, addr)
	if err != nil {
		t.logger.Debug("no connection to member", LabelPeerAddr.L(addr), LabelError.L(err))
		return nil, false
	}
	return conn, true
}

// OnHeartbeatLost registers fn to be called when a member stops
// answering heartbeats.
func (t *Transport) OnHeartbeatLost(fn func(conn *memberConn)) {
	t.listenersLock.Lock()
	defer t.listenersLock.Unlock()
	t.onHbLost = append(t.onHbLost, fn)
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	t.alive.Store(false)

	t.connsLock.Lock()
	for addr, mc := range t.conns {
		QErrShutdown.Close(mc.conn, "client is shutting down")
		delete(t.conns, addr)
	}
	t.connsLock.Unlock()

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) getOrConnect(ctx context.Context, addr Address) (*memberConn, error) {
	if !t.IsAlive() {
		return nil, ErrShutdown
	}

	t.connsLock.RLock()
	mc, ok := t.conns[addr]
	t.connsLock.RUnlock()
	if ok && mc.isActive() {
		return mc, nil
	}

	return t.dial(ctx, addr)
}

func (t *Transport) dial(ctx context.Context, target Address) (*memberConn, error) {
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(string(target)))

	udpAddr, err := net.ResolveUDPAddr("udp", string(target))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, udpAddr, t.cfg.TlsConfig, &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams: true,
		MaxIdleTimeout:  t.cfg.HeartbeatTimeout,
	})
	if t.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "client is shutting down")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("dial")),
		)
		return nil, &IOError{Op: "dial", Addr: target, Err: err}
	}

	mc := newMemberConn(target, conn)

	t.connsLock.Lock()
	current, ok := t.conns[target]
	if ok && current.isActive() {
		// lost the race against another dialer
		t.connsLock.Unlock()
		QErrInternal.Close(conn, "duplicate connection")
		return current, nil
	}
	t.conns[target] = mc
	t.connsLock.Unlock()

	t.logger.Info("connected to member", LabelPeerAddr.L(target))
	t.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)

	t.wg.Add(2)
	go t.waitForDatagrams(mc)
	go t.heartbeat(mc)
	return mc, nil
}

func (t *Transport) waitForDatagrams(mc *memberConn) {
	defer t.wg.Done()

	ctx := mc.conn.Context()
	logger := t.logger.With(LabelPeerAddr.L(mc.addr))

	for {
		buf, err := mc.conn.ReceiveDatagram(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("datagram listener gracefully shutting down")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("error reading datagram", LabelError.L(err))
			continue
		}

		mc.touch(time.Now())
		if bytes.Equal(buf, wire.DatagramPing) {
			if err := mc.conn.SendDatagram(wire.DatagramPong); err != nil {
				logger.Debug("could not answer ping", LabelError.L(err))
			}
		}
	}
}

// heartbeat pings the member and watches its answers.
func (t *Transport) heartbeat(mc *memberConn) {
	defer t.wg.Done()

	ctx := mc.conn.Context()
	logger := t.logger.With(LabelPeerAddr.L(mc.addr))
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.evict(mc)
			if !t.gracefulTerm.Load() {
				logger.Info("connection to member closed", LabelError.L(context.Cause(ctx)))
			}
			return
		case now := <-ticker.C:
			if err := mc.conn.SendDatagram(wire.DatagramPing); err != nil {
				logger.Debug("could not send ping", LabelError.L(err))
			}
			t.checkHeartbeat(mc, now)
		}
	}
}

func (t *Transport) checkHeartbeat(mc *memberConn, now time.Time) {
	silence := now.Sub(mc.lastRead())
	if silence <= t.cfg.HeartbeatTimeout {
		if mc.heartbeating.CompareAndSwap(false, true) {
			t.logger.Info("heartbeat resumed", LabelPeerAddr.L(mc.addr))
		}
		return
	}

	if !mc.heartbeating.CompareAndSwap(true, false) {
		return
	}

	t.logger.Warn(
		"heartbeat lost",
		LabelPeerAddr.L(mc.addr),
		LabelDuration.L(silence),
	)
	t.msink.IncrCounterWithLabels(
		MetricHeartbeatLostCount,
		1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(string(mc.addr))),
	)

	t.listenersLock.Lock()
	listeners := append([]func(*memberConn){}, t.onHbLost...)
	t.listenersLock.Unlock()
	for _, fn := range listeners {
		fn(mc)
	}
}

func (t *Transport) evict(mc *memberConn) {
	t.connsLock.Lock()
	defer t.connsLock.Unlock()
	if current, ok := t.conns[mc.addr]; ok && current == mc {
		delete(t.conns, mc.addr)
	}
}

// memberConn is a QUIC connection to a member.
type memberConn struct {
	addr         Address
	conn         quic.Connection
	lastReadNs   atomic.Int64
	heartbeating atomic.Bool
}

var _ Connection = (*memberConn)(nil)

func newMemberConn(addr Address, conn quic.Connection) *memberConn {
	mc := &memberConn{
		addr: addr,
		conn: conn,
	}
	mc.touch(time.Now())
	mc.heartbeating.Store(true)
	return mc
}

func (mc *memberConn) RemoteAddr() Address {
	return mc.addr
}

func (mc *memberConn) IsHeartBeating() bool {
	return mc.heartbeating.Load() && mc.isActive()
}

func (mc *memberConn) isActive() bool {
	return mc.conn.Context().Err() == nil
}

func (mc *memberConn) touch(ts time.Time) {
	mc.lastReadNs.Store(ts.UnixNano())
}

func (mc *memberConn) lastRead() time.Time {
	return time.Unix(0, mc.lastReadNs.Load())
}

// openStream opens a request stream, failures are of the connection
// class.
func (mc *memberConn) openStream(ctx context.Context) (quic.Stream, error) {
	stream, err := mc.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, &IOError{Op: "open stream", Addr: mc.addr, Err: err}
	}
	return stream, nil
}

func (mc *memberConn) String() string {
	return string(mc.addr)
}

// isStreamCancelled reports whether err is the member cancelling the
// stream on purpose.
func isStreamCancelled(err error) bool {
	var serr *quic.StreamError
	if errors.As(err, &serr) {
		return serr.ErrorCode == QErrStreamCancelled
	}
	return false
}
