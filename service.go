package pclient

import (
	"log/slog"
	"time"
)

// Address is the data-plane "host:port" of a cluster member.
type Address string

// Member of the cluster as seen by the client.
type Member struct {
	Name string
	Addr Address
	// DataMember is false for lite members, which never own partitions.
	DataMember bool
}

func (m Member) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", m.Name),
		slog.String("addr", string(m.Addr)),
		slog.Bool("data", m.DataMember),
	)
}

// Connection to a single member.
type Connection interface {
	RemoteAddr() Address
	// IsHeartBeating is false once the member stopped answering
	// heartbeats for longer than the heartbeat timeout.
	IsHeartBeating() bool
}

// Router sends invocations to members. Every successful dispatch MUST
// eventually call `Invocation.Notify` exactly once, from a goroutine
// which is not the caller of `Invocation.Invoke`.
//
// A dispatch error wrapping `ErrOverload` is handed back to the caller
// of `Invoke` untouched, any other error is treated like a failure
// notified by the member.
type Router interface {
	DispatchOnConnection(inv *Invocation, conn Connection) error
	DispatchOnPartitionOwner(inv *Invocation, partitionID int32) error
	DispatchOnTarget(inv *Invocation, addr Address) error
	DispatchOnAnyTarget(inv *Invocation) error
	// IsRedoAllOperations allows retrying non-idempotent requests on
	// `ErrRetryable` failures.
	IsRedoAllOperations() bool
}

// Executor runs tasks later. Implementations return an error wrapping
// `ErrSchedulingRejected` once they are shutting down.
type Executor interface {
	Execute(task func()) error
	Schedule(task func(), delay time.Duration) error
	ScheduleRepeating(task func(), initialDelay, period time.Duration) (stop func(), err error)
}

// ClusterService exposes the membership view.
type ClusterService interface {
	// OwnerAddress is the member coordinating the client view of the
	// cluster, the partition table is fetched from it.
	OwnerAddress() (Address, bool)
	Members() []Member
	DataMembers() []Member
	Member(addr Address) (Member, bool)
}

// ConnectionManager owns the connections to members.
type ConnectionManager interface {
	IsAlive() bool
	Connection(addr Address) (Connection, bool)
}

// Lifecycle of the client.
type Lifecycle interface {
	IsRunning() bool
}

// EventHandler receives push-style frames sent by a member after the
// response of an invocation.
type EventHandler interface {
	Handle(event []byte)
}

// EventHandlerFunc adapts a function to an EventHandler.
type EventHandlerFunc func(event []byte)

func (fn EventHandlerFunc) Handle(event []byte) {
	fn(event)
}
