package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAMF3U29RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000, 0x1FFFFFFF} {
		encoded := amf3encUI29(v)
		s := NewAMFDecodingStream(encoded)
		decoded, err := s.amf3decUI29()
		require.NoError(t, err)
		require.Equal(t, v, decoded)
	}
}

func TestAMF3U29SignedHelper(t *testing.T) {
	require.EqualValues(t, -1, amf3decUI29S(0x1FFFFFFF))
	require.EqualValues(t, 0x0FFFFFFF, amf3decUI29S(0x0FFFFFFF))

	// Encode -1 through the signed encoder and read it back.
	encoded := amf3encUI29S(-1)
	s := NewAMFDecodingStream(encoded)
	raw, err := s.amf3decUI29()
	require.NoError(t, err)
	require.EqualValues(t, -1, amf3decUI29S(raw))
}

func TestAMF3IntegerAndDoubleRoundTrip(t *testing.T) {
	ctx := NewAMF3Context()
	encoded := ctx.EncodeAMF3(AMF3Integer(-5))
	encoded = append(encoded, ctx.EncodeAMF3(AMF3Double(2.75))...)

	dctx := NewAMF3Context()
	s := NewAMFDecodingStream(encoded)

	i, err := dctx.ReadAMF3(s)
	require.NoError(t, err)
	require.EqualValues(t, AMF3_TYPE_INTEGER, i.amf_type)
	require.EqualValues(t, -5, i.int_val)

	d, err := dctx.ReadAMF3(s)
	require.NoError(t, err)
	require.InDelta(t, 2.75, d.float_val, 0.0001)
}

func TestAMF3StringReferenceTable(t *testing.T) {
	ctx := NewAMF3Context()
	first := ctx.EncodeAMF3(AMF3String("channel"))
	second := ctx.EncodeAMF3(AMF3String("channel"))

	// The second emission must be a reference, hence strictly shorter.
	require.Less(t, len(second), len(first))

	dctx := NewAMF3Context()
	s := NewAMFDecodingStream(append(first, second...))

	v1, err := dctx.ReadAMF3(s)
	require.NoError(t, err)
	require.Equal(t, "channel", v1.str_val)

	v2, err := dctx.ReadAMF3(s)
	require.NoError(t, err)
	require.Equal(t, "channel", v2.str_val)
}

func TestAMF3DynamicObjectRoundTrip(t *testing.T) {
	one := AMF3Double(1)
	name := AMF3String("cam")

	obj := &AMF3Object{
		Trait:       &AMF3Trait{Dynamic: true, Properties: []string{}},
		Dynamic:     map[string]*AMF3Value{"id": &one, "name": &name},
		DynamicKeys: []string{"id", "name"},
	}
	val := createAMF3Value(AMF3_TYPE_OBJECT)
	val.object = obj

	ctx := NewAMF3Context()
	encoded := ctx.EncodeAMF3(val)

	dctx := NewAMF3Context()
	decoded, err := dctx.ReadAMF3(NewAMFDecodingStream(encoded))
	require.NoError(t, err)

	out := decoded.GetObject()
	require.NotNil(t, out)
	require.Equal(t, []string{"id", "name"}, out.DynamicKeys)
	require.InDelta(t, 1, out.Dynamic["id"].float_val, 0.0001)
	require.Equal(t, "cam", out.Dynamic["name"].str_val)
}

func TestAMF3ObjectReferencePreservesIdentity(t *testing.T) {
	// A dynamic object whose "self" member is an object-reference back to
	// slot 0: marker 0x0A, inline trait (dynamic, 0 sealed props), empty
	// class name, member "self" = object marker + ref header 0, terminator.
	raw := []byte{
		AMF3_TYPE_OBJECT, 0x0B, 0x01,
		0x09, 's', 'e', 'l', 'f',
		AMF3_TYPE_OBJECT, 0x00,
		0x01,
	}

	ctx := NewAMF3Context()
	decoded, err := ctx.ReadAMF3(NewAMFDecodingStream(raw))
	require.NoError(t, err)

	outer := decoded.GetObject()
	require.NotNil(t, outer)

	inner := outer.Dynamic["self"]
	require.NotNil(t, inner)
	require.Same(t, outer, inner.GetObject(), "reference must resolve to the same instance")
}

func TestAMF3ArrayAssociativeThenDense(t *testing.T) {
	k := AMF3String("v")
	d1 := AMF3Double(10)
	d2 := AMF3Double(20)

	arr := &AMF3Array{
		Dense:     []*AMF3Value{&d1, &d2},
		Assoc:     map[string]*AMF3Value{"kind": &k},
		AssocKeys: []string{"kind"},
	}
	val := createAMF3Value(AMF3_TYPE_ARRAY)
	val.array = arr

	ctx := NewAMF3Context()
	encoded := ctx.EncodeAMF3(val)

	dctx := NewAMF3Context()
	decoded, err := dctx.ReadAMF3(NewAMFDecodingStream(encoded))
	require.NoError(t, err)

	out := decoded.GetAMF3Array()
	require.NotNil(t, out)
	require.Len(t, out.Dense, 2)
	require.InDelta(t, 10, out.Dense[0].float_val, 0.0001)
	require.InDelta(t, 20, out.Dense[1].float_val, 0.0001)
	require.Equal(t, "v", out.Assoc["kind"].str_val)
}

func TestAMF3EncodeEmitsObjectReferences(t *testing.T) {
	// A self-referencing dynamic object: the encoder must emit a reference
	// for the back-edge instead of recursing, and the decoded graph must
	// resolve that reference to the same instance.
	obj := &AMF3Object{
		Trait:       &AMF3Trait{Dynamic: true, Properties: []string{}},
		Dynamic:     make(map[string]*AMF3Value),
		DynamicKeys: []string{"self"},
	}
	val := createAMF3Value(AMF3_TYPE_OBJECT)
	val.object = obj
	obj.Dynamic["self"] = &val

	ctx := NewAMF3Context()
	encoded := ctx.EncodeAMF3(val)

	dctx := NewAMF3Context()
	decoded, err := dctx.ReadAMF3(NewAMFDecodingStream(encoded))
	require.NoError(t, err)

	outer := decoded.GetObject()
	require.NotNil(t, outer)
	require.Same(t, outer, outer.Dynamic["self"].GetObject())
}

func TestAMF3EncodeReusesReferenceForRepeatedInstance(t *testing.T) {
	inner := &AMF3Object{
		Trait:       &AMF3Trait{Dynamic: true, Properties: []string{}},
		Dynamic:     make(map[string]*AMF3Value),
		DynamicKeys: []string{},
	}
	innerVal := createAMF3Value(AMF3_TYPE_OBJECT)
	innerVal.object = inner

	outer := &AMF3Object{
		Trait:       &AMF3Trait{Dynamic: true, Properties: []string{}},
		Dynamic:     map[string]*AMF3Value{"a": &innerVal, "b": &innerVal},
		DynamicKeys: []string{"a", "b"},
	}
	val := createAMF3Value(AMF3_TYPE_OBJECT)
	val.object = outer

	ctx := NewAMF3Context()
	encoded := ctx.EncodeAMF3(val)

	dctx := NewAMF3Context()
	decoded, err := dctx.ReadAMF3(NewAMFDecodingStream(encoded))
	require.NoError(t, err)

	out := decoded.GetObject()
	require.Same(t, out.Dynamic["a"].GetObject(), out.Dynamic["b"].GetObject())
}

func TestAMF3MalformedU29ReturnsError(t *testing.T) {
	// Truncated varint: continuation bit set with no following byte.
	s := NewAMFDecodingStream([]byte{0x80})
	_, err := s.amf3decUI29()
	require.Error(t, err)
}
