package value

import (
	"bytes"
	"fmt"
	"slices"
	"time"
)

// Type is the API-level value type. Values are bit positions so that
// a set of types can be passed as a filter mask.
type Type uint8

const (
	Unassigned   Type = 0x00
	Boolean      Type = 0x01
	Double       Type = 0x02
	String       Type = 0x04
	Raw          Type = 0x08
	BooleanArray Type = 0x10
	DoubleArray  Type = 0x20
	StringArray  Type = 0x40
	Rpc          Type = 0x80
)

func (t Type) String() string {
	switch t {
	case Boolean:
		return "boolean"
	case Double:
		return "double"
	case String:
		return "string"
	case Raw:
		return "raw"
	case BooleanArray:
		return "boolean[]"
	case DoubleArray:
		return "double[]"
	case StringArray:
		return "string[]"
	case Rpc:
		return "rpc"
	default:
		return fmt.Sprintf("unassigned(%#x)", uint8(t))
	}
}

// Value is an immutable tagged union. Only the field matching Type is set.
type Value struct {
	typ      Type
	lastChg  time.Time
	boolean  bool
	double   float64
	str      string
	raw      []byte
	booleans []bool
	doubles  []float64
	strs     []string
}

func now() time.Time { return time.Now() }

func Bool(v bool) *Value { return &Value{typ: Boolean, boolean: v, lastChg: now()} }

func Float(v float64) *Value { return &Value{typ: Double, double: v, lastChg: now()} }

func Str(v string) *Value { return &Value{typ: String, str: v, lastChg: now()} }

func RawBytes(v []byte) *Value {
	return &Value{typ: Raw, raw: bytes.Clone(v), lastChg: now()}
}

func RpcDef(v []byte) *Value {
	return &Value{typ: Rpc, raw: bytes.Clone(v), lastChg: now()}
}

func BoolArray(v []bool) *Value {
	return &Value{typ: BooleanArray, booleans: slices.Clone(v), lastChg: now()}
}

func FloatArray(v []float64) *Value {
	return &Value{typ: DoubleArray, doubles: slices.Clone(v), lastChg: now()}
}

func StrArray(v []string) *Value {
	return &Value{typ: StringArray, strs: slices.Clone(v), lastChg: now()}
}

func (v *Value) Type() Type {
	if v == nil {
		return Unassigned
	}
	return v.typ
}

// LastChange is the local time the value was constructed.
func (v *Value) LastChange() time.Time { return v.lastChg }

func (v *Value) IsBool() bool { return v.Type() == Boolean }

func (v *Value) IsDouble() bool { return v.Type() == Double }

func (v *Value) IsString() bool { return v.Type() == String }

func (v *Value) IsRaw() bool { return v.Type() == Raw }

func (v *Value) IsRpc() bool { return v.Type() == Rpc }

func (v *Value) IsBoolArray() bool { return v.Type() == BooleanArray }

func (v *Value) IsDoubleArray() bool { return v.Type() == DoubleArray }

func (v *Value) IsStringArray() bool { return v.Type() == StringArray }

func (v *Value) GetBool() bool { return v.boolean }

func (v *Value) GetDouble() float64 { return v.double }

func (v *Value) GetString() string { return v.str }

func (v *Value) GetRaw() []byte { return bytes.Clone(v.raw) }

func (v *Value) GetRpc() []byte { return bytes.Clone(v.raw) }

func (v *Value) GetBoolArray() []bool { return slices.Clone(v.booleans) }

func (v *Value) GetDoubleArray() []float64 { return slices.Clone(v.doubles) }

func (v *Value) GetStringArray() []string { return slices.Clone(v.strs) }

// Equal compares type and payload; the change timestamp is ignored.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case Boolean:
		return v.boolean == o.boolean
	case Double:
		return v.double == o.double
	case String:
		return v.str == o.str
	case Raw, Rpc:
		return bytes.Equal(v.raw, o.raw)
	case BooleanArray:
		return slices.Equal(v.booleans, o.booleans)
	case DoubleArray:
		return slices.Equal(v.doubles, o.doubles)
	case StringArray:
		return slices.Equal(v.strs, o.strs)
	default:
		return true
	}
}

// Interface returns the payload as a plain Go value, used by JSON surfaces.
func (v *Value) Interface() any {
	switch v.Type() {
	case Boolean:
		return v.boolean
	case Double:
		return v.double
	case String:
		return v.str
	case Raw, Rpc:
		return v.GetRaw()
	case BooleanArray:
		return v.GetBoolArray()
	case DoubleArray:
		return v.GetDoubleArray()
	case StringArray:
		return v.GetStringArray()
	default:
		return nil
	}
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%v)", v.typ, v.Interface())
}
