package pclient

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/pclient/pkg/wire"
)

var (
	ErrInvalidCfg      = errors.New("client: invalid options")
	ErrInvalidArgument = errors.New("client: invalid argument")
	ErrInvalidState    = errors.New("client: invalid state")
	ErrClientNotActive = errors.New("client: not active")
	ErrClientOffline   = errors.New("client: not connected to the cluster")
	ErrJoinCluster     = errors.New("client: could not join cluster")

	ErrOverload           = errors.New("invocation: too many concurrent invocations")
	ErrRetryable          = errors.New("invocation: retryable failure")
	ErrInstanceNotActive  = errors.New("invocation: member instance is not active")
	ErrAuthentication     = errors.New("invocation: authentication failed")
	ErrSchedulingRejected = errors.New("invocation: executor rejected the task")
	ErrNoMember           = errors.New("invocation: no member available")

	ErrNoDataMemberInCluster = errors.New("partition: no data member in cluster")
	ErrNoPartitionOwner      = errors.New("partition: partition does not have an owner")

	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrProtocolViolation = errors.New("transport: protocol violation")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamCancelled         = quic.StreamErrorCode(0xC)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrHeartbeat = QuicApplicationError{
		Code:   0x5,
		Prefix: "heartbeat",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// IOError is a failure of the connection an invocation was sent on.
// Invocations failing with an IOError are always retried.
type IOError struct {
	Op   string
	Addr Address
	Err  error
}

func (e *IOError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("io: %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("io: %s %s: %s", e.Op, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err belongs to the connection class:
// the request may not have reached a live member and can be sent again
// regardless of its idempotency. A protocol violation never is, the
// member answered.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrProtocolViolation) {
		return false
	}

	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrInstanceNotActive) ||
		errors.Is(err, ErrAuthentication)
}

// statusError maps a remote status back to the error taxonomy.
func statusError(resp *wire.Response) error {
	msg := resp.Message
	if msg == "" {
		msg = "no reason provided"
	}

	switch resp.Status {
	case wire.StatusOK:
		return nil
	case wire.StatusRetryable:
		return fmt.Errorf("%w: %s", ErrRetryable, msg)
	case wire.StatusInstanceNotActive:
		return fmt.Errorf("%w: %s", ErrInstanceNotActive, msg)
	case wire.StatusAuthentication:
		return fmt.Errorf("%w: %s", ErrAuthentication, msg)
	case wire.StatusOverload:
		return fmt.Errorf("%w: %s", ErrOverload, msg)
	default:
		return &RemoteError{Status: resp.Status, Message: msg}
	}
}

// RemoteError is an application failure reported by a member.
type RemoteError struct {
	Status  wire.Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Status, e.Message)
}
