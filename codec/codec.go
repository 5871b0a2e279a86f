// Package codec turns envelopes into bytes and back, and converts loosely typed wire
// values into the concrete Go types a method or callback declares.
package codec

import (
	"callbridge/message"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

var ErrUnknownKind = errors.New("codec: unknown envelope kind")

// Codec serialises the envelopes of package message.
type Codec interface {
	Encode(env message.Envelope) ([]byte, error)
	Decode(kind message.Kind, data []byte) (message.Envelope, error)
	Type() CodecType // 0=JSON, 1=Binary
}

// GetCodec returns the codec registered for codecType, JSON for anything unknown.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}
	return &JSONCodec{}
}

// ParseType maps a configuration name onto a CodecType.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	default:
		return 0, errors.Errorf("codec: unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeBinary {
		return "binary"
	}
	return "json"
}
