// Encoding / Decoding for AMF3

package main

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Types
const AMF3_TYPE_UNDEFINED = 0x00
const AMF3_TYPE_NULL = 0x01
const AMF3_TYPE_FALSE = 0x02
const AMF3_TYPE_TRUE = 0x03
const AMF3_TYPE_INTEGER = 0x04
const AMF3_TYPE_DOUBLE = 0x05
const AMF3_TYPE_STRING = 0x06
const AMF3_TYPE_XML_DOC = 0x07
const AMF3_TYPE_DATE = 0x08
const AMF3_TYPE_ARRAY = 0x09
const AMF3_TYPE_OBJECT = 0x0A
const AMF3_TYPE_XML = 0x0B
const AMF3_TYPE_BYTE_ARRAY = 0x0C

// AMF3Trait describes the sealed-member shape of an AMF3 object, shared by
// reference across every instance of the same class in a message.
type AMF3Trait struct {
	ClassName      string
	Dynamic        bool
	Externalizable bool
	Properties     []string
}

// AMF3Object is a decoded/to-be-encoded AMF3 object: sealed properties follow
// the trait's property list, dynamic properties are an ordered key/value set
// appended after the sealed ones.
type AMF3Object struct {
	Trait       *AMF3Trait
	Sealed      map[string]*AMF3Value
	Dynamic     map[string]*AMF3Value
	DynamicKeys []string
}

func (o *AMF3Object) Get(name string) *AMF3Value {
	if o.Trait != nil {
		if v, ok := o.Sealed[name]; ok {
			return v
		}
	}
	if v, ok := o.Dynamic[name]; ok {
		return v
	}
	return nil
}

// AMF3Array is a decoded/to-be-encoded AMF3 array: a dense integer-indexed
// portion plus an optional associative (string-keyed) portion.
type AMF3Array struct {
	Dense     []*AMF3Value
	Assoc     map[string]*AMF3Value
	AssocKeys []string
}

type AMF3Value struct {
	amf_type  byte
	int_val   int32
	float_val float64
	str_val   string
	bytes_val []byte
	object    *AMF3Object
	array     *AMF3Array
}

func createAMF3Value(amf_type byte) AMF3Value {
	return AMF3Value{
		amf_type:  amf_type,
		int_val:   0,
		float_val: 0,
		str_val:   "",
		bytes_val: make([]byte, 0),
	}
}

func (v *AMF3Value) GetBool() bool {
	return v.amf_type == AMF3_TYPE_TRUE
}

func (v *AMF3Value) GetObject() *AMF3Object {
	return v.object
}

func (v *AMF3Value) GetAMF3Array() *AMF3Array {
	return v.array
}

func AMF3String(s string) AMF3Value {
	v := createAMF3Value(AMF3_TYPE_STRING)
	v.str_val = s
	return v
}

func AMF3Integer(i int32) AMF3Value {
	v := createAMF3Value(AMF3_TYPE_INTEGER)
	v.int_val = i
	return v
}

func AMF3Double(d float64) AMF3Value {
	v := createAMF3Value(AMF3_TYPE_DOUBLE)
	v.float_val = d
	return v
}

/* U29 */

// amf3encUI29 encodes an unsigned 29-bit integer using the 1-4 byte AMF3
// variable-length scheme (continuation bit in the high bit of all but the
// last byte; the last byte of a 4-byte encoding carries a full 8 bits).
func amf3encUI29(num uint32) []byte {
	var buf []byte
	switch {
	case num < 0x80:
		buf = []byte{byte(num)}
	case num < 0x4000:
		buf = []byte{
			byte((num >> 7) | 0x80),
			byte(num & 0x7F),
		}
	case num < 0x200000:
		buf = []byte{
			byte((num >> 14) | 0x80),
			byte((num>>7)&0x7F | 0x80),
			byte(num & 0x7F),
		}
	default:
		buf = []byte{
			byte((num >> 22) | 0x80),
			byte((num>>15)&0x7F | 0x80),
			byte((num>>8)&0x7F | 0x80),
			byte(num & 0xFF),
		}
	}
	return buf
}

// amf3encUI29S encodes a signed value using U29's two's-complement-in-29-bits
// convention (bit 28 is the sign bit once the value is reduced mod 2^29).
func amf3encUI29S(num int32) []byte {
	return amf3encUI29(uint32(num) & 0x1FFFFFFF)
}

// amf3decUI29 reads the 1-4 byte varint. A 4th continuation byte is invalid
// per the format (max 4 bytes, last one full-width) and yields ErrDecodeMalformed.
func (s *AMFDecodingStream) amf3decUI29() (uint32, error) {
	var val uint32
	for i := 0; i < 4; i++ {
		b, err := s.Read(1)
		if err != nil {
			return 0, err
		}
		if i == 3 {
			val = (val << 8) | uint32(b[0])
			return val, nil
		}
		val = (val << 7) | uint32(b[0]&0x7F)
		if b[0]&0x80 == 0 {
			return val, nil
		}
	}
	return 0, errors.Wrap(ErrDecodeMalformed, "amf3 U29 overflow")
}

// amf3decUI29S sign-extends a U29 value whose bit 28 is set.
func amf3decUI29S(val uint32) int32 {
	if val&0x10000000 != 0 {
		return int32(val) - 0x20000000
	}
	return int32(val)
}

/* Context: per-message reference tables, shared by encode and decode */

type AMF3Context struct {
	strings []string
	objects []*AMF3Value
	traits  []*AMF3Trait

	// Encode-side object table: the *AMF3Object / *AMF3Array instances
	// already emitted, in emission order, so a repeated or back-edged
	// instance encodes as an object-reference instead of recursing.
	encodedRefs []interface{}
}

func NewAMF3Context() *AMF3Context {
	return &AMF3Context{
		strings:     make([]string, 0),
		objects:     make([]*AMF3Value, 0),
		traits:      make([]*AMF3Trait, 0),
		encodedRefs: make([]interface{}, 0),
	}
}

// encodedRefIndex reports the emission-order slot of an already-encoded
// object/array instance, or -1 if this is its first appearance (in which
// case it is registered).
func (ctx *AMF3Context) encodedRefIndex(instance interface{}) int {
	for i, seen := range ctx.encodedRefs {
		if seen == instance {
			return i
		}
	}
	ctx.encodedRefs = append(ctx.encodedRefs, instance)
	return -1
}

/* Decoding */

func (ctx *AMF3Context) readString(s *AMFDecodingStream) (string, error) {
	header, err := s.amf3decUI29()
	if err != nil {
		return "", err
	}
	if header&1 == 0 {
		idx := int(header >> 1)
		if idx < 0 || idx >= len(ctx.strings) {
			return "", errors.Wrapf(ErrDecodeMalformed, "amf3 string ref %d out of range", idx)
		}
		return ctx.strings[idx], nil
	}
	length := int(header >> 1)
	b, err := s.Read(length)
	if err != nil {
		return "", err
	}
	str := string(b)
	if length > 0 {
		ctx.strings = append(ctx.strings, str)
	}
	return str, nil
}

func (ctx *AMF3Context) ReadAMF3(s *AMFDecodingStream) (AMF3Value, error) {
	typeBytes, err := s.Read(1)
	if err != nil {
		return AMF3Value{}, err
	}
	amf_type := typeBytes[0]
	r := createAMF3Value(amf_type)

	switch amf_type {
	case AMF3_TYPE_UNDEFINED, AMF3_TYPE_NULL, AMF3_TYPE_FALSE, AMF3_TYPE_TRUE:
		// no payload
	case AMF3_TYPE_INTEGER:
		u29, err := s.amf3decUI29()
		if err != nil {
			return AMF3Value{}, err
		}
		r.int_val = amf3decUI29S(u29)
	case AMF3_TYPE_DOUBLE:
		d, err := s.ReadNumber()
		if err != nil {
			return AMF3Value{}, err
		}
		r.float_val = d
	case AMF3_TYPE_DATE:
		header, err := s.amf3decUI29()
		if err != nil {
			return AMF3Value{}, err
		}
		if header&1 != 0 {
			// inline date, always followed by the millis double; dates are
			// not interned in the object table by this implementation since
			// RTMP command payloads never repeat one.
			d, err := s.ReadNumber()
			if err != nil {
				return AMF3Value{}, err
			}
			r.float_val = d
		}
	case AMF3_TYPE_STRING, AMF3_TYPE_XML, AMF3_TYPE_XML_DOC:
		str, err := ctx.readString(s)
		if err != nil {
			return AMF3Value{}, err
		}
		r.str_val = str
	case AMF3_TYPE_BYTE_ARRAY:
		header, err := s.amf3decUI29()
		if err != nil {
			return AMF3Value{}, err
		}
		if header&1 == 0 {
			idx := int(header >> 1)
			if idx < 0 || idx >= len(ctx.objects) {
				return AMF3Value{}, errors.Wrapf(ErrDecodeMalformed, "amf3 bytearray ref %d out of range", idx)
			}
			return *ctx.objects[idx], nil
		}
		length := int(header >> 1)
		b, err := s.Read(length)
		if err != nil {
			return AMF3Value{}, err
		}
		r.bytes_val = b
		ctx.objects = append(ctx.objects, &r)
	case AMF3_TYPE_ARRAY:
		if err := ctx.readArray(s, &r); err != nil {
			return AMF3Value{}, err
		}
	case AMF3_TYPE_OBJECT:
		if err := ctx.readObject(s, &r); err != nil {
			return AMF3Value{}, err
		}
	default:
		return AMF3Value{}, errors.Wrapf(ErrDecodeUnsupported, "amf3 marker 0x%02x", amf_type)
	}

	return r, nil
}

func (ctx *AMF3Context) readArray(s *AMFDecodingStream, r *AMF3Value) error {
	header, err := s.amf3decUI29()
	if err != nil {
		return err
	}
	if header&1 == 0 {
		idx := int(header >> 1)
		if idx < 0 || idx >= len(ctx.objects) {
			return errors.Wrapf(ErrDecodeMalformed, "amf3 array ref %d out of range", idx)
		}
		*r = *ctx.objects[idx]
		return nil
	}
	denseLen := int(header >> 1)

	arr := &AMF3Array{
		Dense:     make([]*AMF3Value, 0, denseLen),
		Assoc:     make(map[string]*AMF3Value),
		AssocKeys: make([]string, 0),
	}
	r.array = arr
	// Register before reading contents so a self-referencing element round-trips.
	ctx.objects = append(ctx.objects, r)

	for {
		key, err := ctx.readString(s)
		if err != nil {
			return err
		}
		if key == "" {
			break
		}
		val, err := ctx.ReadAMF3(s)
		if err != nil {
			return err
		}
		if _, exists := arr.Assoc[key]; !exists {
			arr.AssocKeys = append(arr.AssocKeys, key)
		}
		arr.Assoc[key] = &val
	}

	for i := 0; i < denseLen; i++ {
		val, err := ctx.ReadAMF3(s)
		if err != nil {
			return err
		}
		arr.Dense = append(arr.Dense, &val)
	}

	return nil
}

func (ctx *AMF3Context) readObject(s *AMFDecodingStream, r *AMF3Value) error {
	header, err := s.amf3decUI29()
	if err != nil {
		return err
	}
	if header&1 == 0 {
		idx := int(header >> 1)
		if idx < 0 || idx >= len(ctx.objects) {
			return errors.Wrapf(ErrDecodeMalformed, "amf3 object ref %d out of range", idx)
		}
		*r = *ctx.objects[idx]
		return nil
	}

	var trait *AMF3Trait
	if header&2 == 0 {
		// trait reference
		idx := int(header >> 2)
		if idx < 0 || idx >= len(ctx.traits) {
			return errors.Wrapf(ErrDecodeMalformed, "amf3 trait ref %d out of range", idx)
		}
		trait = ctx.traits[idx]
	} else {
		externalizable := header&4 != 0
		dynamic := header&8 != 0
		count := int(header >> 4)

		className, err := ctx.readString(s)
		if err != nil {
			return err
		}

		props := make([]string, 0, count)
		for i := 0; i < count; i++ {
			name, err := ctx.readString(s)
			if err != nil {
				return err
			}
			props = append(props, name)
		}

		trait = &AMF3Trait{
			ClassName:      className,
			Dynamic:        dynamic,
			Externalizable: externalizable,
			Properties:     props,
		}
		ctx.traits = append(ctx.traits, trait)
	}

	obj := &AMF3Object{
		Trait:       trait,
		Sealed:      make(map[string]*AMF3Value),
		Dynamic:     make(map[string]*AMF3Value),
		DynamicKeys: make([]string, 0),
	}
	r.object = obj
	// Register before reading member values so a self-referencing member
	// (the circular-graph case) resolves to this same instance.
	ctx.objects = append(ctx.objects, r)

	if trait.Externalizable {
		return errors.Wrapf(ErrDecodeUnsupported, "amf3 externalizable class %q", trait.ClassName)
	}

	for _, name := range trait.Properties {
		val, err := ctx.ReadAMF3(s)
		if err != nil {
			return err
		}
		obj.Sealed[name] = &val
	}

	if trait.Dynamic {
		for {
			key, err := ctx.readString(s)
			if err != nil {
				return err
			}
			if key == "" {
				break
			}
			val, err := ctx.ReadAMF3(s)
			if err != nil {
				return err
			}
			obj.DynamicKeys = append(obj.DynamicKeys, key)
			obj.Dynamic[key] = &val
		}
	}

	return nil
}

/* Encoding */

func (ctx *AMF3Context) encodeString(str string) []byte {
	if str == "" {
		return amf3encUI29(1) // empty string is never referenced
	}
	for i, existing := range ctx.strings {
		if existing == str {
			return amf3encUI29(uint32(i) << 1)
		}
	}
	ctx.strings = append(ctx.strings, str)
	b := []byte(str)
	header := amf3encUI29((uint32(len(b)) << 1) | 1)
	return append(header, b...)
}

func (ctx *AMF3Context) EncodeAMF3(val AMF3Value) []byte {
	result := []byte{val.amf_type}

	switch val.amf_type {
	case AMF3_TYPE_INTEGER:
		result = append(result, amf3encUI29S(val.int_val)...)
	case AMF3_TYPE_DOUBLE:
		result = append(result, amf3EncodeDouble(val.float_val)...)
	case AMF3_TYPE_STRING, AMF3_TYPE_XML, AMF3_TYPE_XML_DOC:
		result = append(result, ctx.encodeString(val.str_val)...)
	case AMF3_TYPE_DATE:
		result = append(result, amf3encUI29(1)...)
		result = append(result, amf3EncodeDouble(val.float_val)...)
	case AMF3_TYPE_BYTE_ARRAY:
		// Byte arrays share the object reference table; register so later
		// object/array references keep the same slot numbering the decoder
		// builds.
		ctx.encodedRefIndex(&val.bytes_val)
		header := amf3encUI29((uint32(len(val.bytes_val)) << 1) | 1)
		result = append(result, header...)
		result = append(result, val.bytes_val...)
	case AMF3_TYPE_ARRAY:
		result = append(result, ctx.encodeArray(val.array)...)
	case AMF3_TYPE_OBJECT:
		result = append(result, ctx.encodeObject(val.object)...)
	}

	return result
}

func (ctx *AMF3Context) encodeArray(arr *AMF3Array) []byte {
	if arr == nil {
		return amf3encUI29(1)
	}
	if idx := ctx.encodedRefIndex(arr); idx >= 0 {
		return amf3encUI29(uint32(idx) << 1)
	}
	header := amf3encUI29((uint32(len(arr.Dense)) << 1) | 1)
	var r []byte
	r = append(r, header...)
	for _, key := range arr.AssocKeys {
		r = append(r, ctx.encodeString(key)...)
		r = append(r, ctx.EncodeAMF3(*arr.Assoc[key])...)
	}
	r = append(r, ctx.encodeString("")...)
	for _, v := range arr.Dense {
		r = append(r, ctx.EncodeAMF3(*v)...)
	}
	return r
}

func (ctx *AMF3Context) encodeObject(obj *AMF3Object) []byte {
	if obj == nil || obj.Trait == nil {
		return amf3encUI29(1)
	}
	if idx := ctx.encodedRefIndex(obj); idx >= 0 {
		return amf3encUI29(uint32(idx) << 1)
	}
	trait := obj.Trait

	var dynBit uint32
	if trait.Dynamic {
		dynBit = 1
	}
	var extBit uint32
	if trait.Externalizable {
		extBit = 1
	}
	header := (uint32(len(trait.Properties)) << 4) | (dynBit << 3) | (extBit << 2) | 3

	var r []byte
	r = append(r, amf3encUI29(header)...)
	r = append(r, ctx.encodeString(trait.ClassName)...)
	for _, name := range trait.Properties {
		r = append(r, ctx.encodeString(name)...)
	}
	for _, name := range trait.Properties {
		v := obj.Sealed[name]
		if v == nil {
			undef := createAMF3Value(AMF3_TYPE_UNDEFINED)
			v = &undef
		}
		r = append(r, ctx.EncodeAMF3(*v)...)
	}
	if trait.Dynamic {
		for _, key := range obj.DynamicKeys {
			r = append(r, ctx.encodeString(key)...)
			r = append(r, ctx.EncodeAMF3(*obj.Dynamic[key])...)
		}
		r = append(r, ctx.encodeString("")...)
	}
	return r
}

func amf3EncodeDouble(d float64) []byte {
	b := make([]byte, 8)
	i := math.Float64bits(d)
	binary.BigEndian.PutUint64(b, i)
	return b
}

// amf3EncodeOne is used by amf0.go's AMF0-switch-to-AMF3 encode path for a
// single freestanding AMF3 value (its own reference-table scope).
func amf3EncodeOne(val AMF3Value) []byte {
	ctx := NewAMF3Context()
	return ctx.EncodeAMF3(val)
}
