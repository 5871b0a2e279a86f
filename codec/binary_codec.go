package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"callbridge/message"

	"github.com/pkg/errors"
)

var (
	errShortBuffer = errors.New("BinaryCodec: short buffer")
	ErrTooLong     = errors.New("BinaryCodec: field too long")
)

// BinaryCodec lays envelopes out as length-prefixed fields. Only the argument list and the
// result payload, which are arbitrary values, are carried as embedded JSON.
//
//	call:   id(2) | contractLen(2) contract | methodLen(2) method | argsLen(4) args
//	result: id(2) | status(1) | payloadLen(4) payload
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(env message.Envelope) ([]byte, error) {
	switch msg := env.(type) {
	case *message.MethodCall:
		if len(msg.Contract) > math.MaxUint16 || len(msg.Method) > math.MaxUint16 {
			return nil, errors.Wrapf(ErrTooLong, "contract %d bytes, method %d bytes", len(msg.Contract), len(msg.Method))
		}
		args := msg.Args
		if args == nil {
			args = []any{}
		}
		argData, err := json.Marshal(args)
		if err != nil {
			return nil, errors.Wrap(err, "BinaryCodec: encoding args")
		}
		if uint64(len(argData)) > math.MaxUint32 {
			return nil, errors.Wrapf(ErrTooLong, "args %d bytes", len(argData))
		}
		total := 2 + 2 + len(msg.Contract) + 2 + len(msg.Method) + 4 + len(argData)
		buf := make([]byte, total)

		offset := 0
		binary.BigEndian.PutUint16(buf[offset:], uint16(msg.ID))
		offset += 2
		offset = putString(buf, offset, msg.Contract)
		offset = putString(buf, offset, msg.Method)
		binary.BigEndian.PutUint32(buf[offset:], uint32(len(argData)))
		offset += 4
		copy(buf[offset:], argData)
		return buf, nil

	case *message.MethodResult:
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "BinaryCodec: encoding payload")
		}
		if uint64(len(payload)) > math.MaxUint32 {
			return nil, errors.Wrapf(ErrTooLong, "payload %d bytes", len(payload))
		}
		buf := make([]byte, 2+1+4+len(payload))

		binary.BigEndian.PutUint16(buf[0:2], uint16(msg.ID))
		buf[2] = byte(msg.Status)
		binary.BigEndian.PutUint32(buf[3:7], uint32(len(payload)))
		copy(buf[7:], payload)
		return buf, nil

	default:
		return nil, errors.Errorf("BinaryCodec: unsupported envelope %T", env)
	}
}

func (c *BinaryCodec) Decode(kind message.Kind, data []byte) (message.Envelope, error) {
	r := &reader{data: data}
	switch kind {
	case message.KindCall:
		msg := &message.MethodCall{}
		msg.ID = message.CallID(r.uint16())
		msg.Contract = r.string()
		msg.Method = r.string()
		argData := r.bytes(int(r.uint32()))
		if r.err != nil {
			return nil, r.err
		}
		if err := unmarshalNumbers(argData, &msg.Args); err != nil {
			return nil, errors.Wrap(err, "BinaryCodec: decoding args")
		}
		return msg, nil

	case message.KindResult:
		msg := &message.MethodResult{}
		msg.ID = message.CallID(r.uint16())
		msg.Status = message.ParseStatus(r.byte())
		payload := r.bytes(int(r.uint32()))
		if r.err != nil {
			return nil, r.err
		}
		if err := unmarshalNumbers(payload, &msg.Payload); err != nil {
			return nil, errors.Wrap(err, "BinaryCodec: decoding payload")
		}
		return msg, nil

	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%s", kind)
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(s)))
	offset += 2
	copy(buf[offset:], s)
	return offset + len(s)
}

func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// reader walks a buffer and remembers the first short read.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.offset+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() string {
	return string(r.bytes(int(r.uint16())))
}
