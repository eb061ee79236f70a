// RTMP command / data message codec.
//
// Wraps an ordered list of AMF0 values as either a command invocation
// ("_result", "connect", "publish", ...) or a data message ("onMetaData",
// "@setDataFrame", ...). Mirrors the AMF0Value accessor style so call sites
// read the same way whether they're pulling a property out of an object or
// a positional argument out of a command.

package main

import "strconv"

// RTMPCommand is a decoded or to-be-sent AMF0/AMF3 command invocation
// (message type 20 or 17). `arguments` keeps every positional AMF value
// under its conventional name (cmd name itself is excluded, transId,
// cmdObj, info, streamName, ...) plus the raw positional list for
// resilient scanning when the peer omits cmdObj or interleaves nulls.
type RTMPCommand struct {
	cmd        string
	arguments  map[string]*AMF0Value
	positional []*AMF0Value
	isAMF3     bool
}

// RTMPData is a decoded or to-be-sent AMF0/AMF3 data message (message type
// 18 or 15), e.g. onMetaData / @setDataFrame / |RtmpSampleAccess.
type RTMPData struct {
	tag        string
	arguments  map[string]*AMF0Value
	positional []*AMF0Value
}

func (c *RTMPCommand) GetArg(name string) *AMF0Value {
	if v, ok := c.arguments[name]; ok && v != nil {
		return v
	}
	n := createAMF0Value(AMF0_TYPE_UNDEFINED)
	return &n
}

func (d *RTMPData) GetArg(name string) *AMF0Value {
	if v, ok := d.arguments[name]; ok && v != nil {
		return v
	}
	n := createAMF0Value(AMF0_TYPE_UNDEFINED)
	return &n
}

func (c *RTMPCommand) ToString() string {
	str := c.cmd + "("
	for i, v := range c.positional {
		if i > 0 {
			str += ", "
		}
		str += v.ToString("")
	}
	return str + ")"
}

func (d *RTMPData) ToString() string {
	str := d.tag + "("
	for i, v := range d.positional {
		if i > 0 {
			str += ", "
		}
		str += v.ToString("")
	}
	return str + ")"
}

// FirstString scans the positional arguments (skipping nulls, undefined and
// the command name itself) and returns the first string value found. Some
// clients send a null cmdObj or extra positional arguments ahead of the
// stream name on publish/play; a fixed-position read would miss those.
func (c *RTMPCommand) FirstString(skip int) string {
	seen := 0
	for _, v := range c.positional {
		if v == nil || v.IsNull() || v.IsUndefined() {
			continue
		}
		if v.amf_type == AMF0_TYPE_STRING || v.amf_type == AMF0_TYPE_LONG_STRING {
			if seen >= skip {
				return v.GetString()
			}
			seen++
		}
	}
	return ""
}

// FirstBool scans the positional arguments for the first boolean value,
// with the same resilience to null padding FirstString has: receiveAudio/
// receiveVideo/pause carry their flag as the third positional (transId,
// null, bool), but a fixed-position read breaks as soon as a client pads
// differently. def is returned when no boolean argument is present.
func (c *RTMPCommand) FirstBool(def bool) bool {
	for _, v := range c.positional {
		if v == nil {
			continue
		}
		if v.amf_type == AMF0_TYPE_BOOL {
			return v.bool_val
		}
		if v.IsAMF3() && (v.amf3.amf_type == AMF3_TYPE_TRUE || v.amf3.amf_type == AMF3_TYPE_FALSE) {
			return v.amf3.GetBool()
		}
	}
	return def
}

/* Encoding */

// Encode serializes the command as: AMF0 string (cmd name), then each
// positional value in arrival order. AMF3 invoke (type 17) wraps this in a
// context that is reset per message by the caller (SendInvokeMessage),
// matching the requirement that AMF3 reference tables never leak across
// messages.
func (c *RTMPCommand) Encode() []byte {
	r := amf0EncodeOne(*AMF0String(c.cmd))
	for _, v := range c.positional {
		r = append(r, amf0EncodeOne(*v)...)
	}
	return r
}

func (d *RTMPData) Encode() []byte {
	r := amf0EncodeOne(*AMF0String(d.tag))
	for _, v := range d.positional {
		r = append(r, amf0EncodeOne(*v)...)
	}
	return r
}

// AddArg appends a positional value and, when name is non-empty, also
// registers it under that name for GetArg lookups.
func (c *RTMPCommand) AddArg(name string, v *AMF0Value) {
	c.positional = append(c.positional, v)
	if name != "" {
		c.arguments[name] = v
	}
}

func (d *RTMPData) AddArg(name string, v *AMF0Value) {
	d.positional = append(d.positional, v)
	if name != "" {
		d.arguments[name] = v
	}
}

func NewRTMPCommand(cmd string) RTMPCommand {
	return RTMPCommand{
		cmd:        cmd,
		arguments:  make(map[string]*AMF0Value),
		positional: make([]*AMF0Value, 0),
	}
}

func NewRTMPData(tag string) RTMPData {
	return RTMPData{
		tag:        tag,
		arguments:  make(map[string]*AMF0Value),
		positional: make([]*AMF0Value, 0),
	}
}

/* Decoding */

// decodeRTMPCommand reads: string(cmd name) [transId] [cmdObj] [...extra].
// The three conventional slots are named for GetArg() convenience when
// present; anything beyond that is still reachable positionally via
// FirstString or c.positional directly. Truncated/malformed input yields a
// command with whatever was successfully read before the error (callers log
// the ToString() and move on rather than crash the session over one bad
// invoke, consistent with the Command-BadArgs error kind).
func decodeRTMPCommand(payload []byte) RTMPCommand {
	s := NewAMFDecodingStream(payload)

	nameVal, err := s.ReadOne()
	if err != nil || (nameVal.amf_type != AMF0_TYPE_STRING && nameVal.amf_type != AMF0_TYPE_LONG_STRING) {
		return NewRTMPCommand("")
	}

	cmd := NewRTMPCommand(nameVal.GetString())

	names := []string{"transId", "cmdObj", "info"}
	i := 0
	for !s.IsEnded() {
		v, err := s.ReadOne()
		if err != nil {
			break
		}
		label := ""
		if i < len(names) {
			label = names[i]
		}
		vv := v
		cmd.AddArg(label, &vv)
		i++
	}

	return cmd
}

func decodeRTMPData(payload []byte) RTMPData {
	s := NewAMFDecodingStream(payload)

	tagVal, err := s.ReadOne()
	if err != nil || (tagVal.amf_type != AMF0_TYPE_STRING && tagVal.amf_type != AMF0_TYPE_LONG_STRING) {
		return NewRTMPData("")
	}

	data := NewRTMPData(tagVal.GetString())

	names := []string{"dataObj"}
	i := 0
	for !s.IsEnded() {
		v, err := s.ReadOne()
		if err != nil {
			break
		}
		label := ""
		if i < len(names) {
			label = names[i]
		}
		vv := v
		data.AddArg(label, &vv)
		i++
	}

	return data
}

func streamIdString(id uint32) string {
	return strconv.Itoa(int(id))
}

// AMF3Wrap converts a plain AMF0 value into its AMF3-switch-marker form, so
// Encode() emits a 0x11 marker followed by the AMF3 encoding for it. This is
// the reply side of an AMF3 (type 17) invoke: the command name stays AMF0,
// every value after it switches to AMF3.
func AMF3Wrap(v *AMF0Value) *AMF0Value {
	a3 := amf0ValueToAMF3(v)
	w := createAMF0Value(AMF0_TYPE_SWITCH_AMF3)
	w.amf3 = &a3
	return &w
}

// amf3ValueToAMF0 bridges an AMF3 value back into the AMF0Value shape the
// invoke handlers work with, so GetProperty on an AMF3-wrapped cmdObj reads
// the same way it does on a plain AMF0 one.
func amf3ValueToAMF0(v *AMF3Value) *AMF0Value {
	switch v.amf_type {
	case AMF3_TYPE_UNDEFINED:
		return AMF0Undefined()
	case AMF3_TYPE_NULL:
		return AMF0Null()
	case AMF3_TYPE_TRUE:
		return AMF0Bool(true)
	case AMF3_TYPE_FALSE:
		return AMF0Bool(false)
	case AMF3_TYPE_INTEGER:
		return AMF0Number(float64(v.int_val))
	case AMF3_TYPE_DOUBLE:
		return AMF0Number(v.float_val)
	case AMF3_TYPE_STRING, AMF3_TYPE_XML, AMF3_TYPE_XML_DOC:
		return AMF0String(v.str_val)
	case AMF3_TYPE_OBJECT:
		out := AMF0Object()
		obj := v.object
		if obj == nil {
			return out
		}
		if obj.Trait != nil {
			for _, name := range obj.Trait.Properties {
				if p := obj.Sealed[name]; p != nil {
					out.SetProperty(name, amf3ValueToAMF0(p))
				}
			}
		}
		for _, name := range obj.DynamicKeys {
			if p := obj.Dynamic[name]; p != nil {
				out.SetProperty(name, amf3ValueToAMF0(p))
			}
		}
		return out
	default:
		return AMF0Undefined()
	}
}

func amf0ValueToAMF3(v *AMF0Value) AMF3Value {
	switch v.amf_type {
	case AMF0_TYPE_NUMBER:
		return AMF3Double(v.GetDouble())
	case AMF0_TYPE_STRING, AMF0_TYPE_LONG_STRING:
		return AMF3String(v.GetString())
	case AMF0_TYPE_BOOL:
		if v.GetBool() {
			return createAMF3Value(AMF3_TYPE_TRUE)
		}
		return createAMF3Value(AMF3_TYPE_FALSE)
	case AMF0_TYPE_OBJECT, AMF0_TYPE_TYPED_OBJ:
		obj := &AMF3Object{
			Trait: &AMF3Trait{
				Dynamic:    true,
				Properties: []string{},
			},
			Dynamic:     make(map[string]*AMF3Value),
			DynamicKeys: make([]string, 0, len(v.obj_keys)),
		}
		for _, k := range v.obj_keys {
			prop := v.obj_val[k]
			if prop == nil {
				continue
			}
			pv := amf0ValueToAMF3(prop)
			obj.Dynamic[k] = &pv
			obj.DynamicKeys = append(obj.DynamicKeys, k)
		}
		out := createAMF3Value(AMF3_TYPE_OBJECT)
		out.object = obj
		return out
	case AMF0_TYPE_UNDEFINED:
		return createAMF3Value(AMF3_TYPE_UNDEFINED)
	default:
		return createAMF3Value(AMF3_TYPE_NULL)
	}
}
