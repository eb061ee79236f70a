package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAMF0RoundTripScalars(t *testing.T) {
	str := AMF0String("hello")
	require.Equal(t, "hello", str.GetString())

	encoded := amf0EncodeOne(*str)
	stream := NewAMFDecodingStream(encoded)
	decoded, err := stream.ReadOne()
	require.NoError(t, err)
	require.Equal(t, "hello", decoded.GetString())

	num := AMF0Number(42.5)
	encoded = amf0EncodeOne(*num)
	stream = NewAMFDecodingStream(encoded)
	decoded, err = stream.ReadOne()
	require.NoError(t, err)
	require.InDelta(t, 42.5, decoded.GetDouble(), 0.0001)
}

func TestAMF0ObjectPreservesKeyOrder(t *testing.T) {
	obj := AMF0Object()
	obj.SetProperty("app", AMF0String("live"))
	obj.SetProperty("type", AMF0String("nonprivate"))
	obj.SetProperty("flashVer", AMF0String("FMLE/3.0"))

	encoded := amf0EncodeOne(*obj)
	stream := NewAMFDecodingStream(encoded)
	decoded, err := stream.ReadOne()
	require.NoError(t, err)

	require.Equal(t, []string{"app", "type", "flashVer"}, decoded.obj_keys)
	require.Equal(t, "live", decoded.GetProperty("app").GetString())
	require.Equal(t, "nonprivate", decoded.GetProperty("type").GetString())
}

func TestAMF0LongStringBoundary(t *testing.T) {
	short := AMF0String(string(make([]byte, 0xFFFF)))
	require.EqualValues(t, AMF0_TYPE_STRING, short.amf_type)

	long := AMF0String(string(make([]byte, 0xFFFF+1)))
	require.EqualValues(t, AMF0_TYPE_LONG_STRING, long.amf_type)

	encoded := amf0EncodeOne(*long)
	stream := NewAMFDecodingStream(encoded)
	decoded, err := stream.ReadOne()
	require.NoError(t, err)
	require.Len(t, decoded.GetString(), 0xFFFF+1)
}

func TestAMF0DecodeTruncatedReturnsError(t *testing.T) {
	// A string marker promising 5 bytes but only 2 are present.
	truncated := []byte{AMF0_TYPE_STRING, 0x00, 0x05, 'h', 'i'}
	stream := NewAMFDecodingStream(truncated)
	_, err := stream.ReadOne()
	require.Error(t, err)
}

func TestAMF0SwitchAMF3RoundTrip(t *testing.T) {
	inner := AMF0Number(7)
	wrapped := AMF3Wrap(inner)
	require.True(t, wrapped.IsAMF3())

	encoded := amf0EncodeOne(*wrapped)
	require.Equal(t, byte(AMF0_TYPE_SWITCH_AMF3), encoded[0])

	stream := NewAMFDecodingStream(encoded)
	decoded, err := stream.ReadOne()
	require.NoError(t, err)
	require.True(t, decoded.IsAMF3())
}
