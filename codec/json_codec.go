package codec

import (
	"bytes"
	"encoding/json"

	"callbridge/message"

	"github.com/pkg/errors"
)

// JSONCodec encodes envelopes as JSON objects. Numbers are decoded as json.Number so
// 64-bit integers survive until Convert gives them a concrete type.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env message.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s envelope", env.Kind())
	}
	return data, nil
}

func (c *JSONCodec) Decode(kind message.Kind, data []byte) (message.Envelope, error) {
	var env message.Envelope
	switch kind {
	case message.KindCall:
		env = &message.MethodCall{}
	case message.KindResult:
		env = &message.MethodResult{}
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%s", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(env); err != nil {
		return nil, errors.Wrapf(err, "decoding %s envelope", kind)
	}
	if res, ok := env.(*message.MethodResult); ok {
		res.Status = message.ParseStatus(byte(res.Status))
	}
	return env, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
