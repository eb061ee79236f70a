// Encoding / Decoding for AMF0

package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Types
const AMF0_TYPE_NUMBER = 0x00
const AMF0_TYPE_BOOL = 0x01
const AMF0_TYPE_STRING = 0x02
const AMF0_TYPE_OBJECT = 0x03
const AMF0_TYPE_NULL = 0x05
const AMF0_TYPE_UNDEFINED = 0x06
const AMF0_TYPE_REF = 0x07
const AMF0_TYPE_ARRAY = 0x08
const AMF0_TYPE_STRICT_ARRAY = 0x0A
const AMF0_TYPE_DATE = 0x0B
const AMF0_TYPE_LONG_STRING = 0x0C
const AMF0_TYPE_XML_DOC = 0x0F
const AMF0_TYPE_TYPED_OBJ = 0x10
const AMF0_TYPE_SWITCH_AMF3 = 0x11

const AMF0_OBJECT_TERM_CODE = 0x09

// Error kinds surfaced by the decode path. Wrapped with pkg/errors at the
// point they are first observed so call sites keep their own context.
var ErrDecodeTruncated = errors.New("amf: truncated input")
var ErrDecodeMalformed = errors.New("amf: malformed value")
var ErrDecodeUnsupported = errors.New("amf: unsupported marker")

// AMF0Value holds a decoded or to-be-encoded AMF0 value. Object properties
// keep their insertion order in obj_keys alongside the obj_val map, so
// encoding a decoded object reproduces the same property order it arrived in.
type AMF0Value struct {
	amf_type  byte
	bool_val  bool
	str_val   string
	int_val   int64
	float_val float64
	obj_val   map[string]*AMF0Value
	obj_keys  []string
	array_val []*AMF0Value
	amf3      *AMF3Value
}

func (v *AMF0Value) SetFloatVal(val float64) {
	v.float_val = val
	v.int_val = int64(val)
}

func (v *AMF0Value) SetIntegerVal(val int64) {
	v.int_val = val
	v.float_val = float64(val)
}

// SetProperty sets an object property, appending to obj_keys only the first
// time the key is seen, so re-setting a property does not reorder it.
func (v *AMF0Value) SetProperty(key string, val *AMF0Value) {
	if v.obj_val == nil {
		v.obj_val = make(map[string]*AMF0Value)
	}
	if _, exists := v.obj_val[key]; !exists {
		v.obj_keys = append(v.obj_keys, key)
	}
	v.obj_val[key] = val
}

func (v *AMF0Value) ToString(tabs string) string {
	if v.IsAMF3() {
		return "AMF3()"
	}
	switch v.amf_type {
	case AMF0_TYPE_NULL:
		return "NULL"
	case AMF0_TYPE_UNDEFINED:
		return "UNDEFINED"
	case AMF0_TYPE_BOOL:
		if v.bool_val {
			return "TRUE"
		}
		return "FALSE"
	case AMF0_TYPE_STRING:
		return "'" + v.str_val + "'"
	case AMF0_TYPE_LONG_STRING:
		return "L'" + v.str_val + "'"
	case AMF0_TYPE_XML_DOC:
		return "XML'" + v.str_val + "'"
	case AMF0_TYPE_NUMBER:
		return fmt.Sprintf("%f", v.float_val)
	case AMF0_TYPE_DATE:
		return fmt.Sprintf("DATE(%f)", v.float_val)
	case AMF0_TYPE_REF:
		return "REF#" + strconv.Itoa(int(v.int_val))
	case AMF0_TYPE_OBJECT:
		str := "{\n"
		for _, key := range v.obj_keys {
			str += tabs + "    '" + key + "' = " + v.obj_val[key].ToString(tabs+"    ") + "\n"
		}
		str += tabs + "}"
		return str
	case AMF0_TYPE_TYPED_OBJ:
		str := v.str_val + " {\n"
		for _, key := range v.obj_keys {
			str += tabs + "    '" + key + "' = " + v.obj_val[key].ToString(tabs+"    ") + "\n"
		}
		str += tabs + "}"
		return str
	case AMF0_TYPE_ARRAY:
		str := " ARRAY [\n"
		for _, key := range v.obj_keys {
			str += tabs + "    '" + key + "' = " + v.obj_val[key].ToString(tabs+"    ") + "\n"
		}
		str += tabs + "]"
		return str
	case AMF0_TYPE_STRICT_ARRAY:
		str := " STRICT_ARRAY [\n"
		for i := 0; i < len(v.array_val); i++ {
			str += tabs + "    " + v.array_val[i].ToString(tabs+"    ") + "\n"
		}
		str += tabs + "]"
		return str
	default:
		return "UNKNOWN_TYPE"
	}
}

func (v *AMF0Value) IsAMF3() bool {
	return v.amf_type == AMF0_TYPE_SWITCH_AMF3 && v.amf3 != nil
}

func (v *AMF0Value) IsUndefined() bool {
	if v.IsAMF3() {
		return v.amf3.amf_type == AMF3_TYPE_UNDEFINED
	}
	return v.amf_type == AMF0_TYPE_UNDEFINED
}

func (v *AMF0Value) IsNull() bool {
	if v.IsAMF3() {
		return v.amf3.amf_type == AMF3_TYPE_NULL
	}
	return v.amf_type == AMF0_TYPE_NULL
}

func (v *AMF0Value) GetBool() bool {
	if v.IsAMF3() {
		return v.amf3.GetBool()
	} else if v.amf_type == AMF0_TYPE_BOOL {
		return v.bool_val
	} else if v.amf_type == AMF0_TYPE_NUMBER {
		return v.float_val != 0
	}
	return false
}

func (v *AMF0Value) GetInteger() int64 {
	if v.IsAMF3() {
		if v.amf3.amf_type == AMF3_TYPE_DOUBLE {
			return int64(v.amf3.float_val)
		}
		return int64(v.amf3.int_val)
	}
	return v.int_val
}

func (v *AMF0Value) GetDouble() float64 {
	if v.IsAMF3() {
		if v.amf3.amf_type == AMF3_TYPE_INTEGER {
			return float64(v.amf3.int_val)
		}
		return v.amf3.float_val
	}
	return v.float_val
}

func (v *AMF0Value) GetString() string {
	if v.IsAMF3() {
		return v.amf3.str_val
	}
	return v.str_val
}

func (v *AMF0Value) GetByteArray() []byte {
	if v.IsAMF3() {
		return v.amf3.bytes_val
	}
	return []byte(v.str_val)
}

func (v *AMF0Value) GetObject() map[string]*AMF0Value {
	if v.IsAMF3() {
		return make(map[string]*AMF0Value)
	}
	return v.obj_val
}

func (v *AMF0Value) GetProperty(propName string) *AMF0Value {
	if v.IsAMF3() {
		if obj := v.amf3.GetObject(); obj != nil {
			if p := obj.Get(propName); p != nil {
				return amf3ValueToAMF0(p)
			}
		}
		n := createAMF0Value(AMF0_TYPE_UNDEFINED)
		return &n
	}
	o := v.GetObject()
	p := o[propName]
	if p != nil {
		return p
	}
	n := createAMF0Value(AMF0_TYPE_UNDEFINED)
	return &n
}

func (v *AMF0Value) GetArray() []*AMF0Value {
	if v.IsAMF3() {
		return make([]*AMF0Value, 0)
	}
	return v.array_val
}

func createAMF0Value(amf_type byte) AMF0Value {
	return AMF0Value{
		amf_type:  amf_type,
		bool_val:  false,
		str_val:   "",
		int_val:   0,
		float_val: 0,
		obj_val:   make(map[string]*AMF0Value),
		obj_keys:  make([]string, 0),
		array_val: make([]*AMF0Value, 0),
		amf3:      nil,
	}
}

// AMF0String picks the short or long string form on the 65535-byte length
// boundary of the 2-byte header.
func AMF0String(s string) *AMF0Value {
	v := createAMF0Value(AMF0_TYPE_STRING)
	if len(s) > 0xFFFF {
		v.amf_type = AMF0_TYPE_LONG_STRING
	}
	v.str_val = s
	return &v
}

func AMF0Number(n float64) *AMF0Value {
	v := createAMF0Value(AMF0_TYPE_NUMBER)
	v.SetFloatVal(n)
	return &v
}

func AMF0Bool(b bool) *AMF0Value {
	v := createAMF0Value(AMF0_TYPE_BOOL)
	v.bool_val = b
	return &v
}

func AMF0Null() *AMF0Value {
	v := createAMF0Value(AMF0_TYPE_NULL)
	return &v
}

func AMF0Undefined() *AMF0Value {
	v := createAMF0Value(AMF0_TYPE_UNDEFINED)
	return &v
}

func AMF0Object() *AMF0Value {
	v := createAMF0Value(AMF0_TYPE_OBJECT)
	return &v
}

/* Encoding */

func amf0EncodeOne(val AMF0Value) []byte {
	result := []byte{val.amf_type}

	switch val.amf_type {
	case AMF0_TYPE_NUMBER:
		result = append(result, amf0EncodeNumber(val.float_val)...)
	case AMF0_TYPE_BOOL:
		result = append(result, amf0EncodeBool(val.bool_val)...)
	case AMF0_TYPE_DATE:
		result = append(result, amf0EncodeDate(val.float_val)...)
	case AMF0_TYPE_STRING:
		result = append(result, amf0EncodeString(val.str_val)...)
	case AMF0_TYPE_XML_DOC:
		result = append(result, amf0EncodeString(val.str_val)...)
	case AMF0_TYPE_LONG_STRING:
		result = append(result, amf0EncodeLongString(val.str_val)...)
	case AMF0_TYPE_OBJECT:
		result = append(result, amf0EncodeObject(val.obj_val, val.obj_keys)...)
	case AMF0_TYPE_REF:
		result = append(result, amf0EncodeRef(uint16(val.int_val))...)
	case AMF0_TYPE_ARRAY:
		result = append(result, amf0EncodeArray(val.obj_val, val.obj_keys)...)
	case AMF0_TYPE_STRICT_ARRAY:
		result = append(result, amf0EncodeStrictArray(val.array_val)...)
	case AMF0_TYPE_TYPED_OBJ:
		result = append(result, amf0EncodeTypedObject(val.str_val, val.obj_val, val.obj_keys)...)
	case AMF0_TYPE_SWITCH_AMF3:
		result = append(result, amf3EncodeOne(*val.amf3)...)
	}

	return result
}

func amf0EncodeNumber(num float64) []byte {
	b := make([]byte, 8)
	i := math.Float64bits(num)
	binary.BigEndian.PutUint64(b, i)
	return b
}

func amf0EncodeBool(b bool) []byte {
	if b {
		return []byte{0x01}
	}
	return []byte{0x00}
}

func amf0EncodeDate(date float64) []byte {
	return append([]byte{0x00, 0x00}, amf0EncodeNumber(date)...)
}

func amf0EncodeString(str string) []byte {
	b := []byte(str)
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(b)))
	return append(l, b...)
}

func amf0EncodeLongString(str string) []byte {
	b := []byte(str)
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(b)))
	return append(l, b...)
}

// amf0EncodeObject emits properties in `keys` order (falling back to map
// iteration only if keys is empty but the map is not, to stay resilient to
// hand-built values that skipped SetProperty).
func amf0EncodeObject(o map[string]*AMF0Value, keys []string) []byte {
	r := make([]byte, 0)

	orderedKeys := keys
	if len(orderedKeys) == 0 && len(o) > 0 {
		for k := range o {
			orderedKeys = append(orderedKeys, k)
		}
	}

	for _, key := range orderedKeys {
		element := o[key]
		if element == nil {
			continue
		}
		r = append(r, amf0EncodeString(key)...)
		r = append(r, amf0EncodeOne(*element)...)
	}

	r = append(r, amf0EncodeString("")...)
	r = append(r, AMF0_OBJECT_TERM_CODE)

	return r
}

func amf0EncodeArray(o map[string]*AMF0Value, keys []string) []byte {
	r := make([]byte, 4)
	binary.BigEndian.PutUint32(r, uint32(len(o)))
	return append(r, amf0EncodeObject(o, keys)...)
}

func amf0EncodeStrictArray(array []*AMF0Value) []byte {
	r := make([]byte, 4)
	binary.BigEndian.PutUint32(r, uint32(len(array)))

	for i := 0; i < len(array); i++ {
		r = append(r, amf0EncodeOne(*array[i])...)
	}

	return r
}

func amf0EncodeRef(index uint16) []byte {
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, index)
	return l
}

func amf0EncodeTypedObject(className string, o map[string]*AMF0Value, keys []string) []byte {
	r := amf0EncodeString(className)
	return append(r, amf0EncodeObject(o, keys)...)
}

/* Decoding */

// AMFDecodingStream wraps a byte slice with a cursor. Unlike the original
// teacher implementation it never panics on a short read: every primitive
// read checks remaining length and returns a wrapped ErrDecodeTruncated.
type AMFDecodingStream struct {
	buffer []byte
	pos    int
}

func NewAMFDecodingStream(buf []byte) *AMFDecodingStream {
	return &AMFDecodingStream{buffer: buf, pos: 0}
}

func (s *AMFDecodingStream) remaining() int {
	return len(s.buffer) - s.pos
}

func (s *AMFDecodingStream) Read(n int) ([]byte, error) {
	if s.remaining() < n {
		return nil, errors.Wrapf(ErrDecodeTruncated, "need %d bytes, have %d", n, s.remaining())
	}
	r := s.buffer[s.pos : s.pos+n]
	s.pos += n
	return r, nil
}

func (s *AMFDecodingStream) Look(n int) ([]byte, error) {
	if s.remaining() < n {
		return nil, errors.Wrapf(ErrDecodeTruncated, "need %d bytes, have %d", n, s.remaining())
	}
	return s.buffer[s.pos : s.pos+n], nil
}

func (s *AMFDecodingStream) Skip(n int) {
	s.pos += n
}

func (s *AMFDecodingStream) IsEnded() bool {
	return s.pos >= len(s.buffer)
}

func (s *AMFDecodingStream) ReadOne() (AMF0Value, error) {
	typeBytes, err := s.Read(1)
	if err != nil {
		return AMF0Value{}, err
	}
	amf_type := typeBytes[0]
	r := createAMF0Value(amf_type)

	var decodeErr error
	switch amf_type {
	case AMF0_TYPE_NUMBER:
		var n float64
		n, decodeErr = s.ReadNumber()
		r.SetFloatVal(n)
	case AMF0_TYPE_BOOL:
		r.bool_val, decodeErr = s.ReadBool()
	case AMF0_TYPE_DATE:
		s.Skip(2)
		var n float64
		n, decodeErr = s.ReadNumber()
		r.SetFloatVal(n)
	case AMF0_TYPE_STRING:
		r.str_val, decodeErr = s.ReadString()
	case AMF0_TYPE_XML_DOC:
		r.str_val, decodeErr = s.ReadString()
	case AMF0_TYPE_LONG_STRING:
		r.str_val, decodeErr = s.ReadLongString()
	case AMF0_TYPE_OBJECT:
		r.obj_val, r.obj_keys, decodeErr = s.ReadObject()
	case AMF0_TYPE_TYPED_OBJ:
		r.str_val, r.obj_val, r.obj_keys, decodeErr = s.ReadTypedObject()
	case AMF0_TYPE_REF:
		s.Skip(2)
	case AMF0_TYPE_ARRAY:
		r.obj_val, r.obj_keys, decodeErr = s.ReadArray()
	case AMF0_TYPE_STRICT_ARRAY:
		r.array_val, decodeErr = s.ReadStrictArray()
	case AMF0_TYPE_NULL, AMF0_TYPE_UNDEFINED:
		// no payload
	case AMF0_TYPE_SWITCH_AMF3:
		ctx := NewAMF3Context()
		var o3 AMF3Value
		o3, decodeErr = ctx.ReadAMF3(s)
		r.amf3 = &o3
	default:
		decodeErr = errors.Wrapf(ErrDecodeUnsupported, "marker 0x%02x", amf_type)
	}

	if decodeErr != nil {
		return AMF0Value{}, decodeErr
	}
	return r, nil
}

func (s *AMFDecodingStream) ReadNumber() (float64, error) {
	buf, err := s.Read(8)
	if err != nil {
		return 0, err
	}
	a := binary.BigEndian.Uint64(buf)
	return math.Float64frombits(a), nil
}

func (s *AMFDecodingStream) ReadBool() (bool, error) {
	buf, err := s.Read(1)
	if err != nil {
		return false, err
	}
	return buf[0] != 0x00, nil
}

func (s *AMFDecodingStream) ReadString() (string, error) {
	lb, err := s.Read(2)
	if err != nil {
		return "", err
	}
	l := binary.BigEndian.Uint16(lb)
	strBytes, err := s.Read(int(l))
	if err != nil {
		return "", err
	}
	return string(strBytes), nil
}

func (s *AMFDecodingStream) ReadLongString() (string, error) {
	lb, err := s.Read(4)
	if err != nil {
		return "", err
	}
	l := binary.BigEndian.Uint32(lb)
	strBytes, err := s.Read(int(l))
	if err != nil {
		return "", err
	}
	return string(strBytes), nil
}

func (s *AMFDecodingStream) ReadObject() (map[string]*AMF0Value, []string, error) {
	o := make(map[string]*AMF0Value)
	keys := make([]string, 0)

	for !s.IsEnded() {
		term, err := s.Look(1)
		if err != nil {
			return nil, nil, err
		}
		if term[0] == AMF0_OBJECT_TERM_CODE {
			break
		}

		propName, err := s.ReadString()
		if err != nil {
			return nil, nil, err
		}

		term, err = s.Look(1)
		if err != nil {
			return nil, nil, err
		}
		if term[0] == AMF0_OBJECT_TERM_CODE {
			break
		}

		propVal, err := s.ReadOne()
		if err != nil {
			return nil, nil, err
		}
		if _, exists := o[propName]; !exists {
			keys = append(keys, propName)
		}
		o[propName] = &propVal
	}

	if !s.IsEnded() {
		s.Skip(1) // consume the terminator marker
	}

	return o, keys, nil
}

func (s *AMFDecodingStream) ReadArray() (map[string]*AMF0Value, []string, error) {
	if _, err := s.Read(4); err != nil {
		return nil, nil, err
	}
	return s.ReadObject()
}

func (s *AMFDecodingStream) ReadStrictArray() ([]*AMF0Value, error) {
	r := make([]*AMF0Value, 0)

	lb, err := s.Read(4)
	if err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint32(lb)

	for i := uint32(0); i < l && !s.IsEnded(); i++ {
		v, err := s.ReadOne()
		if err != nil {
			return nil, err
		}
		r = append(r, &v)
	}

	return r, nil
}

func (s *AMFDecodingStream) ReadTypedObject() (string, map[string]*AMF0Value, []string, error) {
	className, err := s.ReadString()
	if err != nil {
		return "", nil, nil, err
	}
	o, keys, err := s.ReadObject()
	if err != nil {
		return "", nil, nil, err
	}
	return className, o, keys, nil
}
