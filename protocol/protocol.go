// Package protocol implements the frame format used by stream transports.
//
// Streams carry no message boundaries, so every envelope is prefixed with a fixed-size
// 12-byte header holding the body length. The receiver reads the header first and then
// exactly that many body bytes.
//
// Frame format:
//
//	0      3  4  5  6    8         12
//	┌──────┬──┬──┬──┬────┬─────────┬───────────────┐
//	│magic │v │ct│ft│ id │ bodyLen │    body ...    │
//	│ cbr  │01│  │  │u16 │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic bytes "cbr" reject connections that don't speak the bridge protocol.
const (
	MagicByte1 byte = 0x63 // 'c'
	MagicByte2 byte = 0x62 // 'b'
	MagicByte3 byte = 0x72 // 'r'
	Version    byte = 0x01
	HeaderSize int  = 12 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 2 (id) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length can't trigger a huge allocation.
	MaxBodySize uint32 = 64 << 20
)

// FrameType distinguishes call, result, and heartbeat frames.
type FrameType byte

const (
	FrameCall      FrameType = 0
	FrameResult    FrameType = 1
	FrameHeartbeat FrameType = 2 // keepalive, no body
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrMagic     = errors.New("invalid magic number")
	ErrVersion   = errors.New("unsupported protocol version")
	ErrCodec     = errors.New("unsupported codec type")
	ErrFrameType = errors.New("unsupported frame type")
	ErrTooLarge  = errors.New("frame body too large")
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	FrameType FrameType
	ID        uint16 // call or callback id, informational for routing and tracing
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// Callers sharing a writer between goroutines must still serialise calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return ErrTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicByte1, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint16(buf[6:8], h.ID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// Decode reads a complete frame from r, validating magic, version, codec and frame type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrMagic, "%x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Wrapf(ErrVersion, "%d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Wrapf(ErrCodec, "%d", headerBuf[4])
	}
	frameType := FrameType(headerBuf[5])
	if frameType != FrameCall && frameType != FrameResult && frameType != FrameHeartbeat {
		return nil, nil, errors.Wrapf(ErrFrameType, "%d", headerBuf[5])
	}

	id := binary.BigEndian.Uint16(headerBuf[6:8])
	bodyLen := binary.BigEndian.Uint32(headerBuf[8:12])
	if bodyLen > MaxBodySize {
		return nil, nil, errors.Wrapf(ErrTooLarge, "%d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		ID:        id,
		BodyLen:   bodyLen,
	}, body, nil
}
