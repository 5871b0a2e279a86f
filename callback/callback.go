// Package callback lets a func passed as a call argument be invoked from the other side.
//
// A func can't cross the wire. The calling side registers it and sends its id instead.
// The hosting side builds a stand-in func of the declared parameter type; calling the
// stand-in sends a Continue result carrying the id and the arguments. The calling side's
// listener looks the id up and replays the invocation on the registered func.
//
//	caller                         host
//	Wrap(fn) ──── id ────────────→ StandIn(type, id)
//	                                 stand-in(a, b)
//	Replay(id, [a b]) ←── Continue{id, [a b]}
//
// Replays are notifications: nothing is sent back, and a handle may fire any number of times.
package callback

import (
	"fmt"
	"reflect"

	"callbridge/codec"
	"callbridge/correlation"
	"callbridge/message"

	"github.com/pkg/errors"
	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrUnknownHandle    = errors.New("callback: unknown handle")
	ErrNotHandler       = errors.New("callback: not a func")
	ErrUnsupportedShape = errors.New("callback: unsupported result type")
)

var (
	boolType  = reflect.TypeOf(false)
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	argsType  = reflect.TypeOf([]any{})
)

// Handle is a registered func and the id it travels under.
type Handle struct {
	ID     message.CallID
	Target reflect.Value
}

// IsHandler reports whether v must be sent as a callback reference.
func IsHandler(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Func && !rv.IsNil()
}

// IsHandlerType reports whether a parameter of type t receives a callback reference.
func IsHandlerType(t reflect.Type) bool {
	return t.Kind() == reflect.Func
}

// Registry holds the funcs one caller has sent across. Entries are keyed by the func
// value's identity, so passing the same func twice reuses its id. Entries live as long as
// the registry.
type Registry struct {
	ids        *correlation.IDs
	byIdentity *skipmap.FuncMap[uintptr, *Handle]
	byID       *skipmap.FuncMap[message.CallID, *Handle]
}

// NewRegistry creates a Registry drawing ids from ids, normally the same counter the
// caller's correlation table uses.
func NewRegistry(ids *correlation.IDs) *Registry {
	if ids == nil {
		ids = correlation.NewIDs()
	}
	return &Registry{
		ids: ids,
		byIdentity: skipmap.NewFunc[uintptr, *Handle](func(a, b uintptr) bool {
			return a < b
		}),
		byID: skipmap.NewFunc[message.CallID, *Handle](func(a, b message.CallID) bool {
			return a < b
		}),
	}
}

// Wrap registers fn on first sight and returns its id.
func (r *Registry) Wrap(fn any) (message.CallID, error) {
	if !IsHandler(fn) {
		return 0, errors.Wrapf(ErrNotHandler, "%T", fn)
	}
	target := reflect.ValueOf(fn)
	key := identity(target)
	if h, ok := r.byIdentity.Load(key); ok {
		return h.ID, nil
	}

	h, err := r.allocate(target)
	if err != nil {
		return 0, err
	}
	if actual, loaded := r.byIdentity.LoadOrStore(key, h); loaded {
		r.byID.Delete(h.ID)
		return actual.ID, nil
	}
	return h.ID, nil
}

// allocate reserves an id no live handle holds. Ids are shared with calls, so after the
// counter wraps the next one may still belong to an earlier func.
func (r *Registry) allocate(target reflect.Value) (*Handle, error) {
	for i := 0; i < 1<<16; i++ {
		h := &Handle{
			ID:     r.ids.Next(),
			Target: target,
		}
		if _, loaded := r.byID.LoadOrStore(h.ID, h); !loaded {
			return h, nil
		}
	}
	return nil, errors.Wrap(correlation.ErrExhausted, "callback")
}

// Rewrite returns a copy of args with every func replaced by its callback id.
func (r *Registry) Rewrite(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		if !IsHandler(arg) {
			out[i] = arg
			continue
		}
		id, err := r.Wrap(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out[i] = id
	}
	return out, nil
}

// Lookup finds the handle registered under id.
func (r *Registry) Lookup(id message.CallID) (*Handle, bool) {
	return r.byID.Load(id)
}

// Replay invokes the func registered under id with payload as its arguments, on the
// calling goroutine. A panic inside the func is returned as an error.
func (r *Registry) Replay(id message.CallID, payload any) (err error) {
	h, ok := r.byID.Load(id)
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "id %d", id)
	}

	raw, ok := payload.([]any)
	if !ok && payload != nil {
		v, err := codec.Convert(argsType, payload)
		if err != nil {
			return errors.Wrap(err, "callback: payload is not an argument list")
		}
		raw = v.Interface().([]any)
	}

	fnType := h.Target.Type()
	params := make([]reflect.Type, fnType.NumIn())
	for i := range params {
		params[i] = fnType.In(i)
	}
	args, err := codec.ConvertFor(raw, params)
	if err != nil {
		return errors.Wrapf(err, "callback: replaying id %d", id)
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("callback: handler %d panicked: %v", id, p)
		}
	}()
	if fnType.IsVariadic() {
		h.Target.CallSlice(args)
	} else {
		h.Target.Call(args)
	}
	return nil
}

// Len is the number of registered handles.
func (r *Registry) Len() int {
	return r.byID.Len()
}

// Sender delivers a Continue result to the calling side.
type Sender func(res *message.MethodResult) error

// StandIn builds a func of type t that forwards each invocation as a Continue result
// under id. It does not wait for anything to come back: bool results report true, an
// error result reports the send error, and no other result types are allowed.
func StandIn(t reflect.Type, id message.CallID, send Sender) (reflect.Value, error) {
	if err := CheckShape(t); err != nil {
		return reflect.Value{}, err
	}

	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, len(in))
		for i, v := range in {
			args[i] = v.Interface()
		}
		sendErr := send(message.NewResult(id, args, message.StatusContinue))

		out := make([]reflect.Value, t.NumOut())
		for i := range out {
			switch t.Out(i) {
			case boolType:
				out[i] = reflect.ValueOf(true)
			default:
				out[i] = reflect.Zero(errorType)
				if sendErr != nil {
					out[i] = reflect.ValueOf(&sendErr).Elem()
				}
			}
		}
		return out
	}), nil
}

// CheckShape reports whether a stand-in can be built for t: a func whose results are
// only bool or error.
func CheckShape(t reflect.Type) error {
	if !IsHandlerType(t) {
		return errors.Wrapf(ErrNotHandler, "%s", t)
	}
	for i := 0; i < t.NumOut(); i++ {
		if out := t.Out(i); out != boolType && out != errorType {
			return errors.Wrapf(ErrUnsupportedShape, "%s returns %s", t, out)
		}
	}
	return nil
}

// Materialize converts the wire value of a func-typed parameter, which is a callback id,
// into a stand-in for that func.
func Materialize(t reflect.Type, raw any, send Sender) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(t), nil
	}
	idv, err := codec.Convert(reflect.TypeOf(message.CallID(0)), raw)
	if err != nil {
		return reflect.Value{}, errors.Wrapf(err, "callback: %v is not a callback id", raw)
	}
	return StandIn(t, idv.Interface().(message.CallID), send)
}

// identity returns the address of the closure behind fn. Distinct closures differ even
// when they share code; the same func value always maps to the same address.
func identity(fn reflect.Value) uintptr {
	p := reflect.New(fn.Type())
	p.Elem().Set(fn)
	return *(*uintptr)(p.UnsafePointer())
}

func (h *Handle) String() string {
	return fmt.Sprintf("callback#%d(%s)", h.ID, h.Target.Type())
}
