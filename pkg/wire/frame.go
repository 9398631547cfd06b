package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the body of a single frame.
const DefaultMaxFrameSize = 16 << 20

var (
	ErrFrameTooLarge = errors.New("wire: frame is too large")
	ErrMalformed     = errors.New("wire: malformed message")
)

// AppendFrame appends body to dst prefixed by its varint encoded length.
func AppendFrame(dst []byte, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// WriteFrame writes a length-prefixed frame in a single Write call so
// concurrent writers on different streams never interleave a prefix
// with another body.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > DefaultMaxFrameSize {
		return ErrFrameTooLarge
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, len(body)+binary.MaxVarintLen64), body))
	return err
}

// ReadFrame reads one length-prefixed frame. A maxSize of zero means
// DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			b := buf[n]
			n++
			if b < 0x80 {
				break
			}
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	size, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// walk iterates over the fields of a protowire encoded message. fn
// returns how many bytes of b it consumed for the field value, or a
// negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == errCodeWireType {
			return fmt.Errorf("%w: field %d has unexpected wire type %d", ErrMalformed, num, typ)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// errCodeWireType is outside the range of protowire error codes.
const errCodeWireType = -100

func skip(num protowire.Number, typ protowire.Type, b []byte) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}

func consumeVarint(typ protowire.Type, b []byte, out *uint64) int {
	if typ != protowire.VarintType {
		return errCodeWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*out = v
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, out *[]byte) int {
	if typ != protowire.BytesType {
		return errCodeWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*out = append([]byte(nil), v...)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, out *string) int {
	if typ != protowire.BytesType {
		return errCodeWireType
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*out = v
	}
	return n
}
