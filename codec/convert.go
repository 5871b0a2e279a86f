package codec

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

var (
	ErrArity = errors.New("codec: argument count mismatch")
	ErrLossy = errors.New("codec: numeric conversion loses information")
)

// Convert coerces a wire value into a value of type t.
//
// Values already assignable to t pass through untouched, so in-process transports pay
// nothing. Numeric values convert between numeric kinds when the value survives; a
// fraction or sign that would be dropped is ErrLossy. Anything else (maps, slices,
// json.Number, structs decoded as maps) takes a JSON round trip into t.
func Convert(t reflect.Type, raw any) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(t), nil
	}
	if t.Kind() == reflect.Interface {
		raw = normalize(raw)
	}

	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		return convertNumber(rv, t)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return reflect.Value{}, errors.Wrapf(err, "codec: converting %T to %s", raw, t)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, errors.Wrapf(err, "codec: converting %T to %s", raw, t)
	}
	return ptr.Elem(), nil
}

// ConvertValue is Convert for callers that want an interface value back.
func ConvertValue(t reflect.Type, raw any) (any, error) {
	if t == nil {
		return raw, nil
	}
	v, err := Convert(t, raw)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// ConvertFor converts a raw argument list to the given parameter types, position by position.
func ConvertFor(raw []any, params []reflect.Type) ([]reflect.Value, error) {
	if len(raw) != len(params) {
		return nil, errors.Wrapf(ErrArity, "got %d, want %d", len(raw), len(params))
	}
	out := make([]reflect.Value, len(params))
	for i, p := range params {
		v, err := Convert(p, raw[i])
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func normalize(raw any) any {
	n, ok := raw.(json.Number)
	if !ok {
		return raw
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		// narrowing precision is fine, leaving the range is not
		if isFloat(rv.Kind()) && reflect.Zero(t).OverflowFloat(rv.Float()) {
			return reflect.Value{}, errors.Wrapf(ErrLossy, "%v overflows %s", rv, t)
		}
		return rv.Convert(t), nil
	}
	out := rv.Convert(t)
	if !out.Convert(rv.Type()).Equal(rv) {
		return reflect.Value{}, errors.Wrapf(ErrLossy, "%v does not fit %s", rv, t)
	}
	return out, nil
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
