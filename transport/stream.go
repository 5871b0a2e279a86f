package transport

import (
	"io"
	"sync"
	"time"

	"callbridge/codec"
	"callbridge/message"
	"callbridge/protocol"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var _ Puller = (*Stream)(nil)

// Stream carries framed envelopes over a byte stream such as a TCP connection or a pipe.
//
// Writes from any goroutine are serialised by a mutex so frames never interleave. Reads
// must come from a single goroutine, since frame boundaries are only known by reading
// sequentially.
type Stream struct {
	logger  *zap.Logger
	conn    io.ReadWriteCloser
	codec   codec.Codec
	sending sync.Mutex
	closed  *atomic.Bool
	done    chan struct{}
}

type StreamOption func(*Stream, *streamConfig)

type streamConfig struct {
	heartbeat time.Duration
}

// WithCodec selects the codec used for outbound envelopes.
func WithCodec(ct codec.CodecType) StreamOption {
	return func(s *Stream, _ *streamConfig) {
		s.codec = codec.GetCodec(ct)
	}
}

// WithHeartbeat sends an empty heartbeat frame every interval to keep idle connections open.
func WithHeartbeat(interval time.Duration) StreamOption {
	return func(_ *Stream, cfg *streamConfig) {
		cfg.heartbeat = interval
	}
}

func WithStreamLogger(logger *zap.Logger) StreamOption {
	return func(s *Stream, _ *streamConfig) {
		s.logger = logger
	}
}

func NewStream(conn io.ReadWriteCloser, opts ...StreamOption) *Stream {
	s := &Stream{
		logger: zap.NewNop(),
		conn:   conn,
		codec:  codec.GetCodec(codec.CodecTypeJSON),
		closed: atomic.NewBool(false),
		done:   make(chan struct{}),
	}
	cfg := &streamConfig{}
	for _, o := range opts {
		o(s, cfg)
	}
	if cfg.heartbeat > 0 {
		go s.heartbeatLoop(cfg.heartbeat)
	}
	return s
}

func (s *Stream) Send(env message.Envelope) error {
	if s.closed.Load() {
		return ErrClosed
	}
	header, body, err := encodeEnvelope(s.codec, env)
	if err != nil {
		return err
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	return protocol.Encode(s.conn, header, body)
}

// Pull reads frames until one carrying an envelope arrives, skipping heartbeats.
func (s *Stream) Pull(kind message.Kind) (message.Envelope, error) {
	for {
		header, body, err := protocol.Decode(s.conn)
		if err != nil {
			if s.closed.Load() {
				return nil, ErrClosed
			}
			return nil, errors.Wrap(err, "reading frame")
		}
		if header.FrameType == protocol.FrameHeartbeat {
			continue
		}
		return decodeEnvelope(header, body, kind)
	}
}

func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.logger.Debug("Closing stream transport")
	return s.conn.Close()
}

func (s *Stream) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	header := &protocol.Header{
		CodecType: byte(s.codec.Type()),
		FrameType: protocol.FrameHeartbeat,
	}
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.sending.Lock()
		err := protocol.Encode(s.conn, header, nil)
		s.sending.Unlock()
		if err != nil {
			s.logger.Debug("Heartbeat failed, stopping", zap.Error(err))
			return
		}
	}
}
