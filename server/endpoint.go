package server

import (
	"context"
	"reflect"
	"strconv"
	"strings"

	"callbridge/callback"

	"github.com/pkg/errors"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

var ErrUnsupportedMethod = errors.New("server: unsupported method signature")

// methodType is one callable method of a hosted contract, bound to the instance.
type methodType struct {
	name     string
	fn       reflect.Value
	withCtx  bool           // leading context.Context, injected rather than transmitted
	params   []reflect.Type // transmitted parameters
	variadic bool
	result   reflect.Type // nil for methods returning nothing or only an error
	withErr  bool
}

// newMethodType checks that fn can be served remotely. Accepted shapes:
//
//	func([ctx context.Context,] params...) [T] [error]
//
// Func parameters become callbacks. Interface parameters with methods are rejected since
// nothing on the wire can become an implementation of them.
func newMethodType(name string, fn reflect.Value) (*methodType, error) {
	t := fn.Type()
	m := &methodType{
		name:     name,
		fn:       fn,
		variadic: t.IsVariadic(),
	}

	start := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		m.withCtx = true
		start = 1
	}
	for i := start; i < t.NumIn(); i++ {
		p := t.In(i)
		switch {
		case callback.IsHandlerType(p):
			if err := callback.CheckShape(p); err != nil {
				return nil, errors.Wrapf(err, "%s parameter %d", name, i)
			}
		case p.Kind() == reflect.Interface && p.NumMethod() > 0:
			return nil, errors.Wrapf(ErrUnsupportedMethod, "%s parameter %d: interface %s, use a func type", name, i, p)
		}
		m.params = append(m.params, p)
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			m.withErr = true
		} else {
			m.result = t.Out(0)
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, errors.Wrapf(ErrUnsupportedMethod, "%s: second result must be error", name)
		}
		m.result = t.Out(0)
		m.withErr = true
	default:
		return nil, errors.Wrapf(ErrUnsupportedMethod, "%s: %d results", name, t.NumOut())
	}
	return m, nil
}

func (m *methodType) id() string {
	return methodID(m.name, len(m.params))
}

// methodID is the key a method is found under: its name and parameter count.
func methodID(name string, arity int) string {
	return name + "/" + strconv.Itoa(arity)
}

// service is the method table of one hosted contract.
type service struct {
	name   string
	method map[string]*methodType
}

func newService(name string) *service {
	return &service{
		name:   name,
		method: make(map[string]*methodType),
	}
}

// add indexes m under its method id and, as a fallback, its bare name.
func (s *service) add(m *methodType) {
	s.method[m.id()] = m
	s.method[m.name] = m
}

// lookup tries the method id for the call's argument count first, then the bare name.
func (s *service) lookup(name string, arity int) (*methodType, bool) {
	if m, ok := s.method[methodID(name, arity)]; ok {
		return m, true
	}
	m, ok := s.method[name]
	return m, ok
}

func contractKey(name string) string {
	return strings.ToLower(name)
}

// typeName is the contract name of a type: its bare name, pointers dereferenced.
func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
