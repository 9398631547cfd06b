package pclient

import "github.com/raskyld/pclient/pkg/wire"

// Request is the payload of an invocation, opaque to the routing logic.
type Request interface {
	Op() wire.Op
	Marshal() ([]byte, error)
}

// RetryableRequest is implemented by idempotent requests. When
// Retryable returns true, failures wrapping `ErrRetryable` are redone
// even if the client is not configured to redo all operations.
type RetryableRequest interface {
	Request
	Retryable() bool
}

// RawRequest carries an already encoded payload.
type RawRequest struct {
	Operation  wire.Op
	Payload    []byte
	Idempotent bool
}

var _ RetryableRequest = (*RawRequest)(nil)

func (r *RawRequest) Op() wire.Op {
	return r.Operation
}

func (r *RawRequest) Marshal() ([]byte, error) {
	return r.Payload, nil
}

func (r *RawRequest) Retryable() bool {
	return r.Idempotent
}

// getPartitionsRequest fetches the partition table from a member.
type getPartitionsRequest struct{}

var _ RetryableRequest = getPartitionsRequest{}

func (getPartitionsRequest) Op() wire.Op {
	return wire.OpGetPartitions
}

func (getPartitionsRequest) Marshal() ([]byte, error) {
	return nil, nil
}

func (getPartitionsRequest) Retryable() bool {
	return true
}
