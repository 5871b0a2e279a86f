package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"callbridge/codec"
	"callbridge/message"
	"callbridge/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait - writeWait) * 2 / 3
)

var _ Pusher = (*WebSocket)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket pushes envelopes arriving on a websocket connection to a handler. Each
// websocket message holds one protocol frame.
type WebSocket struct {
	logger    *zap.Logger
	conn      *websocket.Conn
	codec     codec.Codec
	writeLock sync.Mutex
	pinger    *time.Timer
	pushing   *atomic.Bool
	closed    *atomic.Bool
}

type WebSocketOption func(*WebSocket)

func WithWebSocketCodec(ct codec.CodecType) WebSocketOption {
	return func(w *WebSocket) {
		w.codec = codec.GetCodec(ct)
	}
}

func WithWebSocketLogger(logger *zap.Logger) WebSocketOption {
	return func(w *WebSocket) {
		w.logger = logger
	}
}

// NewWebSocket wraps an established connection and starts its ping keepalive.
func NewWebSocket(conn *websocket.Conn, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		logger:  zap.NewNop(),
		conn:    conn,
		codec:   codec.GetCodec(codec.CodecTypeJSON),
		pushing: atomic.NewBool(false),
		closed:  atomic.NewBool(false),
	}
	for _, o := range opts {
		o(w)
	}
	w.conn.SetPongHandler(w.pong)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.pinger = time.AfterFunc(pingPeriod, w.ping)
	return w
}

// DialWebSocket connects to a websocket endpoint, e.g. ws://host:port/bridge.
func DialWebSocket(ctx context.Context, url string, opts ...WebSocketOption) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "connecting to websocket %s (http status code = %v)", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "connecting to websocket %s", url)
	}
	return NewWebSocket(conn, opts...), nil
}

// UpgradeWebSocket upgrades the HTTP server connection to the WebSocket protocol.
func UpgradeWebSocket(rw http.ResponseWriter, r *http.Request, opts ...WebSocketOption) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn, opts...), nil
}

func (w *WebSocket) Send(env message.Envelope) error {
	if w.closed.Load() {
		return ErrClosed
	}
	header, body, err := encodeEnvelope(w.codec, env)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, header, body); err != nil {
		return err
	}

	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing websocket message")
	}
	return nil
}

// OnPush starts delivering envelopes of the given kind to fn. It returns immediately;
// delivery happens on a goroutine owned by the transport, one envelope at a time.
func (w *WebSocket) OnPush(kind message.Kind, fn PushHandler) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.pushing.CompareAndSwap(false, true) {
		return errors.New("websocket: push handler already registered")
	}
	go w.readLoop(kind, fn)
	return nil
}

func (w *WebSocket) readLoop(kind message.Kind, fn PushHandler) {
	for {
		env, err := w.next(kind)
		if err != nil {
			if w.closed.Load() || IsExpectedWSCloseError(err) {
				err = ErrClosed
			}
			fn(nil, err)
			return
		}
		if env == nil {
			continue
		}
		fn(env, nil)
	}
}

// next returns the envelope in the next binary message, or nil for heartbeats and
// non-binary messages.
func (w *WebSocket) next(kind message.Kind) (message.Envelope, error) {
	msgType, r, err := w.conn.NextReader()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, nil
	}
	header, body, err := protocol.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading frame")
	}
	if header.FrameType == protocol.FrameHeartbeat {
		return nil, nil
	}
	return decodeEnvelope(header, body, kind)
}

func (w *WebSocket) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.pinger.Stop()
	w.logger.Debug("Closing websocket transport")

	w.writeLock.Lock()
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	w.writeLock.Unlock()
	return w.conn.Close()
}

func (w *WebSocket) ping() {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	if w.closed.Load() {
		return
	}
	if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		w.conn.Close()
		return
	}
	w.pinger.Reset(pingPeriod)
}

func (w *WebSocket) pong(string) error {
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	return nil
}

// IsExpectedWSCloseError returns boolean indicating whether the error is a
// clean disconnection.
func IsExpectedWSCloseError(err error) bool {
	err = errors.Cause(err)
	return err == io.EOF || err == io.ErrClosedPipe || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}
