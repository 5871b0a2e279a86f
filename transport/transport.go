// Package transport defines what the call engine needs from a connection and provides
// two implementations: Stream, which is pulled one envelope at a time, and WebSocket,
// which pushes envelopes to a handler as they arrive.
//
// A transport is either a Puller or a Pusher, never consulted as both. The engine checks
// for Puller first.
package transport

import (
	"io"
	"net"

	"callbridge/message"

	"github.com/pkg/errors"
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrFrameKind = errors.New("unexpected frame kind")
)

// Sender is the send half every transport provides.
type Sender interface {
	Send(env message.Envelope) error
	Close() error
}

// Puller blocks until the next envelope of the given kind arrives.
type Puller interface {
	Sender
	Pull(kind message.Kind) (message.Envelope, error)
}

// PushHandler receives each inbound envelope. When the receive side ends it is called
// one final time with a nil envelope and the terminating error.
type PushHandler func(env message.Envelope, err error)

// Pusher delivers inbound envelopes to a registered handler from its own goroutine.
type Pusher interface {
	Sender
	OnPush(kind message.Kind, fn PushHandler) error
}

// IsClosed reports whether err only says the connection ended, as opposed to failing.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		IsExpectedWSCloseError(err)
}
