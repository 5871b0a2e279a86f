package codec

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"callbridge/message"

	"github.com/stretchr/testify/require"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func testCodecs(t *testing.T, fn func(t *testing.T, c Codec)) {
	for _, c := range []Codec{GetCodec(CodecTypeJSON), GetCodec(CodecTypeBinary)} {
		c := c
		t.Run(c.Type().String(), func(t *testing.T) {
			fn(t, c)
		})
	}
}

func TestCallThroughCodec(t *testing.T) {
	testCodecs(t, func(t *testing.T, c Codec) {
		as := require.New(t)

		call := message.NewCall(42, "Calculator", "Add", []any{1, "two", point{X: 3, Y: 4}})
		data, err := c.Encode(call)
		as.NoError(err)

		env, err := c.Decode(message.KindCall, data)
		as.NoError(err)
		decoded, ok := env.(*message.MethodCall)
		as.True(ok)
		as.Equal(call.ID, decoded.ID)
		as.Equal("Calculator", decoded.Contract)
		as.Equal("Add", decoded.Method)
		as.Len(decoded.Args, 3)

		args, err := ConvertFor(decoded.Args, []reflect.Type{
			reflect.TypeOf(0), reflect.TypeOf(""), reflect.TypeOf(point{}),
		})
		as.NoError(err)
		as.Equal(1, args[0].Interface())
		as.Equal("two", args[1].Interface())
		as.Equal(point{X: 3, Y: 4}, args[2].Interface())
	})
}

func TestResultThroughCodec(t *testing.T) {
	testCodecs(t, func(t *testing.T, c Codec) {
		as := require.New(t)

		data, err := c.Encode(message.NewResult(9, []string{"a", "b"}, message.StatusOk))
		as.NoError(err)

		env, err := c.Decode(message.KindResult, data)
		as.NoError(err)
		res := env.(*message.MethodResult)
		as.Equal(message.CallID(9), res.ID)
		as.Equal(message.StatusOk, res.Status)

		v, err := ConvertValue(reflect.TypeOf([]string{}), res.Payload)
		as.NoError(err)
		as.Equal([]string{"a", "b"}, v)
	})
}

func TestUnknownStatusDecodesAsUnknown(t *testing.T) {
	testCodecs(t, func(t *testing.T, c Codec) {
		as := require.New(t)

		data, err := c.Encode(message.NewResult(1, nil, message.Status(77)))
		as.NoError(err)

		env, err := c.Decode(message.KindResult, data)
		as.NoError(err)
		as.Equal(message.StatusUnknown, env.(*message.MethodResult).Status)
	})
}

func TestBinaryShortBuffer(t *testing.T) {
	as := require.New(t)

	_, err := (&BinaryCodec{}).Decode(message.KindCall, []byte{0, 1, 0, 9, 'x'})
	as.ErrorIs(err, errShortBuffer)
}

func TestBinaryRejectsLongNames(t *testing.T) {
	as := require.New(t)
	cdc := &BinaryCodec{}

	long := strings.Repeat("m", math.MaxUint16+1)
	_, err := cdc.Encode(message.NewCall(1, "Calculator", long, nil))
	as.ErrorIs(err, ErrTooLong)
	_, err = cdc.Encode(message.NewCall(1, long, "Add", nil))
	as.ErrorIs(err, ErrTooLong)

	edge := strings.Repeat("c", math.MaxUint16)
	data, err := cdc.Encode(message.NewCall(1, edge, "Add", nil))
	as.NoError(err)
	back, err := cdc.Decode(message.KindCall, data)
	as.NoError(err)
	as.Equal(edge, back.(*message.MethodCall).Contract)
}

func TestConvert(t *testing.T) {
	as := require.New(t)

	v, err := Convert(reflect.TypeOf(int64(0)), 3.0)
	as.NoError(err)
	as.Equal(int64(3), v.Interface())

	v, err = Convert(reflect.TypeOf(""), nil)
	as.NoError(err)
	as.Equal("", v.Interface())

	var anyType = reflect.TypeOf((*any)(nil)).Elem()
	v, err = Convert(anyType, "plain")
	as.NoError(err)
	as.Equal("plain", v.Interface())

	_, err = Convert(reflect.TypeOf(0), "not a number")
	as.Error(err)

	_, err = ConvertFor([]any{1}, []reflect.Type{reflect.TypeOf(0), reflect.TypeOf(0)})
	as.ErrorIs(err, ErrArity)
}

func TestConvertRejectsLossyNumbers(t *testing.T) {
	as := require.New(t)

	_, err := Convert(reflect.TypeOf(0), 2.7)
	as.ErrorIs(err, ErrLossy)

	_, err = Convert(reflect.TypeOf(message.CallID(0)), -1)
	as.ErrorIs(err, ErrLossy)

	_, err = Convert(reflect.TypeOf(int8(0)), 300)
	as.ErrorIs(err, ErrLossy)

	_, err = Convert(reflect.TypeOf(float32(0)), 1e300)
	as.ErrorIs(err, ErrLossy)

	v, err := Convert(reflect.TypeOf(message.CallID(0)), 65535.0)
	as.NoError(err)
	as.Equal(message.CallID(65535), v.Interface())

	v, err = Convert(reflect.TypeOf(float32(0)), 0.1)
	as.NoError(err)
	as.Equal(float32(0.1), v.Interface())

	v, err = Convert(reflect.TypeOf(0.0), 7)
	as.NoError(err)
	as.Equal(7.0, v.Interface())
}

func TestParseType(t *testing.T) {
	as := require.New(t)

	ct, err := ParseType("binary")
	as.NoError(err)
	as.Equal(CodecTypeBinary, ct)

	ct, err = ParseType("")
	as.NoError(err)
	as.Equal(CodecTypeJSON, ct)

	_, err = ParseType("xml")
	as.Error(err)
}
