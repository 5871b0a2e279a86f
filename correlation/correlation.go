// Package correlation matches results arriving on a connection to the calls waiting for them.
//
// Each outstanding call gets a Pending entry under a fresh CallID. The listener resolves
// the entry when a terminal result with that id arrives; teardown cancels whatever is left.
//
//	goroutine-1 ──Register(id=1)──┐
//	goroutine-2 ──Register(id=2)──┼──→ one transport ──→ host
//	goroutine-3 ──Register(id=3)──┘
//
//	listener:  ←── result(id=2) → Resolve → goroutine-2 wakes up
package correlation

import (
	"callbridge/message"
	"callbridge/promise"

	"github.com/pkg/errors"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
)

var (
	ErrClosed    = errors.New("correlation table closed")
	ErrExhausted = errors.New("no free call id")
)

// Mode records whether the caller blocks on the result or holds a deferred value.
type Mode byte

const (
	Sync Mode = iota
	Async
)

func (m Mode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// IDs hands out CallIDs from a wrapping 16-bit counter. Zero is skipped.
type IDs struct {
	n *atomic.Uint32
}

func NewIDs() *IDs {
	return &IDs{n: atomic.NewUint32(0)}
}

func (g *IDs) Next() message.CallID {
	for {
		if id := uint16(g.n.Inc()); id != 0 {
			return message.CallID(id)
		}
	}
}

// Pending is the state of one in-flight call. Its signal fires at most once.
type Pending struct {
	ID     message.CallID
	Mode   Mode
	future *promise.Future[*message.MethodResult]
}

// Resolve fires the signal. It reports false, and changes nothing, if it already fired.
func (p *Pending) Resolve(res *message.MethodResult, err error) bool {
	return p.future.Resolve(res, err)
}

// Wait blocks until the call is resolved.
func (p *Pending) Wait() (*message.MethodResult, error) {
	return p.future.Get()
}

// Future exposes the signal as a deferred value.
func (p *Pending) Future() *promise.Future[*message.MethodResult] {
	return p.future
}

// Table is the set of outstanding calls on one connection.
type Table struct {
	ids    *IDs
	calls  *skipmap.FuncMap[message.CallID, *Pending]
	closed *atomic.Bool
}

func NewTable(ids *IDs) *Table {
	if ids == nil {
		ids = NewIDs()
	}
	return &Table{
		ids: ids,
		calls: skipmap.NewFunc[message.CallID, *Pending](func(a, b message.CallID) bool {
			return a < b
		}),
		closed: atomic.NewBool(false),
	}
}

// Register allocates a fresh id and records a Pending entry for it. An id still held by an
// outstanding call after the counter wrapped is skipped.
func (t *Table) Register(mode Mode) (*Pending, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	for i := 0; i < 1<<16; i++ {
		p := &Pending{
			ID:     t.ids.Next(),
			Mode:   mode,
			future: promise.New[*message.MethodResult](),
		}
		if _, loaded := t.calls.LoadOrStore(p.ID, p); loaded {
			continue
		}
		// CancelAll may have drained the table between the check above and the insert.
		if t.closed.Load() {
			t.calls.Delete(p.ID)
			return nil, ErrClosed
		}
		return p, nil
	}
	return nil, ErrExhausted
}

// Resolve hands res to the call waiting on res.ID and forgets the entry. It reports false
// when no call is waiting for that id.
func (t *Table) Resolve(res *message.MethodResult) bool {
	p, ok := t.calls.LoadAndDelete(res.ID)
	if !ok {
		return false
	}
	p.Resolve(res, nil)
	return true
}

// Fail resolves one entry with err and forgets it.
func (t *Table) Fail(id message.CallID, err error) bool {
	p, ok := t.calls.LoadAndDelete(id)
	if !ok {
		return false
	}
	p.Resolve(nil, err)
	return true
}

// CancelAll closes the table and resolves every remaining entry with err. It returns the
// number of calls it canceled.
func (t *Table) CancelAll(err error) int {
	t.closed.Store(true)
	n := 0
	t.calls.Range(func(id message.CallID, _ *Pending) bool {
		if p, ok := t.calls.LoadAndDelete(id); ok {
			p.Resolve(nil, err)
			n++
		}
		return true
	})
	return n
}

// Len is the number of outstanding calls.
func (t *Table) Len() int {
	return t.calls.Len()
}

// Closed reports whether CancelAll has run.
func (t *Table) Closed() bool {
	return t.closed.Load()
}
