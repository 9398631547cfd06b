package pclient

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
)

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) DispatchOnConnection(inv *Invocation, conn Connection) error {
	return m.Called(inv, conn).Error(0)
}

func (m *mockRouter) DispatchOnPartitionOwner(inv *Invocation, partitionID int32) error {
	return m.Called(inv, partitionID).Error(0)
}

func (m *mockRouter) DispatchOnTarget(inv *Invocation, addr Address) error {
	return m.Called(inv, addr).Error(0)
}

func (m *mockRouter) DispatchOnAnyTarget(inv *Invocation) error {
	return m.Called(inv).Error(0)
}

func (m *mockRouter) IsRedoAllOperations() bool {
	return m.Called().Bool(0)
}

type fakeLifecycle struct {
	running atomic.Bool
}

func (l *fakeLifecycle) IsRunning() bool {
	return l.running.Load()
}

// fakeExecutor queues tasks until the test runs them.
type fakeExecutor struct {
	lk        sync.Mutex
	reject    bool
	delays    []time.Duration
	pending   []func()
	repeating []time.Duration
}

func (e *fakeExecutor) Execute(task func()) error {
	return e.Schedule(task, 0)
}

func (e *fakeExecutor) Schedule(task func(), delay time.Duration) error {
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.reject {
		return ErrSchedulingRejected
	}
	e.delays = append(e.delays, delay)
	e.pending = append(e.pending, task)
	return nil
}

func (e *fakeExecutor) ScheduleRepeating(task func(), initialDelay, period time.Duration) (func(), error) {
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.reject {
		return nil, ErrSchedulingRejected
	}
	e.repeating = append(e.repeating, initialDelay, period)
	return func() {}, nil
}

// runPending runs the queued tasks and reports how many ran.
func (e *fakeExecutor) runPending() int {
	e.lk.Lock()
	tasks := e.pending
	e.pending = nil
	e.lk.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

func (e *fakeExecutor) scheduled() []time.Duration {
	e.lk.Lock()
	defer e.lk.Unlock()
	return append([]time.Duration{}, e.delays...)
}

func (e *fakeExecutor) setReject(reject bool) {
	e.lk.Lock()
	defer e.lk.Unlock()
	e.reject = reject
}

type fakeClock struct {
	lk  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

type fakeConn struct {
	addr         Address
	heartbeating atomic.Bool
}

func newFakeConn(addr Address) *fakeConn {
	c := &fakeConn{addr: addr}
	c.heartbeating.Store(true)
	return c
}

func (c *fakeConn) RemoteAddr() Address {
	return c.addr
}

func (c *fakeConn) IsHeartBeating() bool {
	return c.heartbeating.Load()
}

type fakeCluster struct {
	lk       sync.Mutex
	owner    Address
	hasOwner bool
	members  []Member
}

func (c *fakeCluster) OwnerAddress() (Address, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.owner, c.hasOwner
}

func (c *fakeCluster) Members() []Member {
	c.lk.Lock()
	defer c.lk.Unlock()
	return append([]Member{}, c.members...)
}

func (c *fakeCluster) DataMembers() []Member {
	var out []Member
	for _, m := range c.Members() {
		if m.DataMember {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeCluster) Member(addr Address) (Member, bool) {
	for _, m := range c.Members() {
		if m.Addr == addr {
			return m, true
		}
	}
	return Member{}, false
}

type fakeConns struct {
	alive atomic.Bool
	lk    sync.Mutex
	conns map[Address]Connection
}

func newFakeConns() *fakeConns {
	c := &fakeConns{conns: make(map[Address]Connection)}
	c.alive.Store(true)
	return c
}

func (c *fakeConns) IsAlive() bool {
	return c.alive.Load()
}

func (c *fakeConns) Connection(addr Address) (Connection, bool) {
	c.lk.Lock()
	defer c.lk.Unlock()
	conn, ok := c.conns[addr]
	return conn, ok
}

func (c *fakeConns) add(conn Connection) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.conns[conn.RemoteAddr()] = conn
}

type testEnv struct {
	*invocationEnv
	router    *mockRouter
	executor  *fakeExecutor
	lifecycle *fakeLifecycle
	clock     *fakeClock
	sink      *metrics.InmemSink
}

func testLogHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		router:    &mockRouter{},
		executor:  &fakeExecutor{},
		lifecycle: &fakeLifecycle{},
		clock:     &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		sink:      metrics.NewInmemSink(time.Minute, 5*time.Minute),
	}
	env.lifecycle.running.Store(true)
	env.invocationEnv = &invocationEnv{
		lifecycle:         env.lifecycle,
		router:            env.router,
		executor:          env.executor,
		logger:            slog.New(testLogHandler()),
		msink:             env.sink,
		invocationTimeout: DefaultInvocationTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		now:               env.clock.Now,
	}
	return env
}

// counter returns the number of increments of a counter.
func (env *testEnv) counter(key []string) int {
	return sinkCounter(env.sink, key)
}

func sinkCounter(sink *metrics.InmemSink, key []string) int {
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, sample := range interval.Counters {
			if sample.Name == joinKey(key) {
				total += sample.Count
			}
		}
		interval.RUnlock()
	}
	return total
}

func joinKey(key []string) string {
	out := ""
	for i, part := range key {
		if i > 0 {
			out += "."
		}
		out += part
	}
	return out
}
