package transport

import (
	"callbridge/codec"
	"callbridge/message"
	"callbridge/protocol"

	"github.com/pkg/errors"
)

func frameType(kind message.Kind) protocol.FrameType {
	if kind == message.KindCall {
		return protocol.FrameCall
	}
	return protocol.FrameResult
}

func frameKind(ft protocol.FrameType) message.Kind {
	if ft == protocol.FrameCall {
		return message.KindCall
	}
	return message.KindResult
}

func encodeEnvelope(c codec.Codec, env message.Envelope) (*protocol.Header, []byte, error) {
	body, err := c.Encode(env)
	if err != nil {
		return nil, nil, err
	}
	return &protocol.Header{
		CodecType: byte(c.Type()),
		FrameType: frameType(env.Kind()),
		ID:        uint16(env.CallID()),
		BodyLen:   uint32(len(body)),
	}, body, nil
}

// decodeEnvelope decodes a body with whatever codec the peer framed it with, so both
// ends need not agree on a codec up front.
func decodeEnvelope(h *protocol.Header, body []byte, want message.Kind) (message.Envelope, error) {
	if got := frameKind(h.FrameType); got != want {
		return nil, errors.Wrapf(ErrFrameKind, "got %s, want %s", got, want)
	}
	return codec.GetCodec(codec.CodecType(h.CodecType)).Decode(want, body)
}
