package pclient

type invOpts struct {
	partitionID int32
	target      Address
	conn        Connection
	handler     EventHandler
}

// InvocationOption binds an `Invocation` to a routing target or
// attaches an event handler. When several targets are given, the
// connection wins over the partition, which wins over the address.
type InvocationOption func(*invOpts)

// OnPartition routes the invocation to the owner of partitionID. The
// owner is resolved again on every retry.
func OnPartition(partitionID int32) InvocationOption {
	return func(o *invOpts) {
		o.partitionID = partitionID
	}
}

// OnTarget routes the invocation to a fixed member.
func OnTarget(addr Address) InvocationOption {
	return func(o *invOpts) {
		o.target = addr
	}
}

// OnConnection sends the invocation on conn only. Such invocations are
// never retried.
func OnConnection(conn Connection) InvocationOption {
	return func(o *invOpts) {
		o.conn = conn
	}
}

// WithEventHandler receives the frames pushed by the member after the
// response.
func WithEventHandler(handler EventHandler) InvocationOption {
	return func(o *invOpts) {
		o.handler = handler
	}
}
