package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Op identifies the operation carried by a Request.
type Op uint32

const (
	OpUnspecified Op = iota
	// OpGetPartitions asks a member for its view of the partition table.
	OpGetPartitions
	// OpUser is the first op available to applications.
	OpUser Op = 1024
)

// Status of a Response.
type Status uint32

const (
	StatusOK Status = iota
	StatusError
	// StatusRetryable marks application failures safe to redo for
	// idempotent requests.
	StatusRetryable
	StatusInstanceNotActive
	StatusAuthentication
	StatusOverload
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusRetryable:
		return "retryable"
	case StatusInstanceNotActive:
		return "instance_not_active"
	case StatusAuthentication:
		return "authentication"
	case StatusOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// Datagrams exchanged on member connections to prove liveness.
var (
	DatagramPing = []byte{0x1}
	DatagramPong = []byte{0x2}
)

// Request is the first frame written on a request stream.
type Request struct {
	Op          Op
	PartitionID int32
	Urgent      bool
	Payload     []byte
}

func (r *Request) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Op))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(r.PartitionID)))
	if r.Urgent {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	return b, nil
}

func (r *Request) Unmarshal(b []byte) error {
	*r = Request{PartitionID: -1}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			n := consumeVarint(typ, b, &v)
			r.Op = Op(v)
			return n
		case 2:
			n := consumeVarint(typ, b, &v)
			r.PartitionID = int32(protowire.DecodeZigZag(v))
			return n
		case 3:
			n := consumeVarint(typ, b, &v)
			r.Urgent = protowire.DecodeBool(v)
			return n
		case 4:
			return consumeBytes(typ, b, &r.Payload)
		default:
			return skip(num, typ, b)
		}
	})
}

// Response frames answer a Request. The first frame on a stream is the
// response itself, every following frame with Event set is a push
// notification for the same request.
type Response struct {
	Status  Status
	Event   bool
	Message string
	Payload []byte
}

func (r *Response) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	if r.Event {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.Message != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, r.Message)
	}
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	return b, nil
}

func (r *Response) Unmarshal(b []byte) error {
	*r = Response{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var v uint64
		switch num {
		case 1:
			n := consumeVarint(typ, b, &v)
			r.Status = Status(v)
			return n
		case 2:
			n := consumeVarint(typ, b, &v)
			r.Event = protowire.DecodeBool(v)
			return n
		case 3:
			return consumeString(typ, b, &r.Message)
		case 4:
			return consumeBytes(typ, b, &r.Payload)
		default:
			return skip(num, typ, b)
		}
	})
}

// NoOwner is the owner index of a partition which is not assigned yet.
const NoOwner int32 = -1

// PartitionsResponse is the payload answering OpGetPartitions.
// OwnerIndexes[partitionID] indexes Members, or is NoOwner.
type PartitionsResponse struct {
	Members      []string
	OwnerIndexes []int32
}

func (r *PartitionsResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, m := range r.Members {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}

	var packed []byte
	for _, idx := range r.OwnerIndexes {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(idx)))
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b, nil
}

func (r *PartitionsResponse) Unmarshal(b []byte) error {
	*r = PartitionsResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var member string
			n := consumeString(typ, b, &member)
			if n >= 0 {
				r.Members = append(r.Members, member)
			}
			return n
		case 2:
			if typ != protowire.BytesType {
				return errCodeWireType
			}
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				r.OwnerIndexes = append(r.OwnerIndexes, int32(protowire.DecodeZigZag(v)))
				packed = packed[m:]
			}
			return n
		default:
			return skip(num, typ, b)
		}
	})
}

// Owner returns the member owning partitionID, if any.
func (r *PartitionsResponse) Owner(partitionID int32) (string, bool) {
	if partitionID < 0 || int(partitionID) >= len(r.OwnerIndexes) {
		return "", false
	}
	idx := r.OwnerIndexes[partitionID]
	if idx <= NoOwner || int(idx) >= len(r.Members) {
		return "", false
	}
	return r.Members[idx], true
}

const (
	metaDataMember uint64 = 1 << iota
	metaClient
)

// MemberMeta is gossiped as memberlist node metadata.
type MemberMeta struct {
	// DataMember is false for lite members, which never own partitions.
	DataMember bool
	// Client marks client processes taking part in the gossip.
	Client bool
	// Addr is the data-plane address serving requests.
	Addr string
}

func (m *MemberMeta) Marshal() ([]byte, error) {
	var flags uint64
	if m.DataMember {
		flags |= metaDataMember
	}
	if m.Client {
		flags |= metaClient
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, flags)
	if m.Addr != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Addr)
	}
	return b, nil
}

func (m *MemberMeta) Unmarshal(b []byte) error {
	*m = MemberMeta{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var flags uint64
			n := consumeVarint(typ, b, &flags)
			m.DataMember = flags&metaDataMember != 0
			m.Client = flags&metaClient != 0
			return n
		case 2:
			return consumeString(typ, b, &m.Addr)
		default:
			return skip(num, typ, b)
		}
	})
}
