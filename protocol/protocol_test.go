package protocol

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	as := require.New(t)

	header := Header{
		CodecType: CodecTypeJSON,
		FrameType: FrameCall,
		ID:        12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	as.NoError(Encode(&buf, &header, body))
	as.Equal(HeaderSize+len(body), buf.Len())

	decoded, decodedBody, err := Decode(&buf)
	as.NoError(err)
	as.Equal(header.CodecType, decoded.CodecType)
	as.Equal(header.FrameType, decoded.FrameType)
	as.Equal(header.ID, decoded.ID)
	as.Equal(uint32(len(body)), decoded.BodyLen)
	as.Equal(body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(FrameCall), 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B})
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	as.Error(err)
	as.True(errors.Is(err, ErrMagic))
}

func TestDecodeInvalidVersion(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	buf.Write([]byte{
		MagicByte1, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(FrameCall),
		0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	as.ErrorIs(err, ErrVersion)
}

func TestDecodeInvalidFrameType(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	buf.Write([]byte{
		MagicByte1, MagicByte2, MagicByte3,
		Version,
		CodecTypeBinary,
		9,
		0, 1,
		0, 0, 0, 0,
	})

	_, _, err := Decode(&buf)
	as.ErrorIs(err, ErrFrameType)
}

func TestDecodeOversizedLength(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	buf.Write([]byte{
		MagicByte1, MagicByte2, MagicByte3,
		Version,
		CodecTypeJSON,
		byte(FrameResult),
		0, 1,
		0xFF, 0xFF, 0xFF, 0xFF,
	})

	_, _, err := Decode(&buf)
	as.ErrorIs(err, ErrTooLarge)
}

func TestHeartbeatEmptyBody(t *testing.T) {
	as := require.New(t)

	var buf bytes.Buffer
	as.NoError(Encode(&buf, &Header{FrameType: FrameHeartbeat}, nil))

	decoded, body, err := Decode(&buf)
	as.NoError(err)
	as.Equal(FrameHeartbeat, decoded.FrameType)
	as.Zero(decoded.BodyLen)
	as.Empty(body)
}

func TestDecodeLargeBody(t *testing.T) {
	as := require.New(t)

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	as.NoError(Encode(&buf, &Header{CodecType: CodecTypeBinary, FrameType: FrameResult, ID: 999}, largeBody))

	_, decodedBody, err := Decode(&buf)
	as.NoError(err)
	as.True(bytes.Equal(largeBody, decodedBody))
}
