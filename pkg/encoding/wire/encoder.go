package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// TypeID is the on-wire value type code.
type TypeID uint8

const (
	TypeBoolean      TypeID = 0x00
	TypeDouble       TypeID = 0x01
	TypeString       TypeID = 0x02
	TypeRaw          TypeID = 0x03
	TypeBooleanArray TypeID = 0x10
	TypeDoubleArray  TypeID = 0x11
	TypeStringArray  TypeID = 0x12
	TypeRpc          TypeID = 0x20
)

// maxArrayLenRev2 ограничение на длину массива в протоколе 2.0 (счётчик u8)
const maxArrayLenRev2 = 0xff

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return e.Message
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

// Encoder пишет кадры в буфер с учётом ревизии протокола.
// Первая ошибка запоминается, последующие записи всё равно выполняются.
type Encoder struct {
	buf []byte
	rev types.ProtoRev
	err error
}

func NewEncoder(rev types.ProtoRev) *Encoder {
	return &Encoder{rev: rev, buf: make([]byte, 0, 1024)}
}

func (e *Encoder) ProtoRev() types.ProtoRev { return e.rev }

func (e *Encoder) SetProtoRev(rev types.ProtoRev) { e.rev = rev }

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.err = nil
}

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

// Truncate drops everything after n bytes and clears the error, used to
// roll back a frame that failed to encode.
func (e *Encoder) Truncate(n int) {
	e.buf = e.buf[:n]
	e.err = nil
}

func (e *Encoder) Err() error { return e.err }

func (e *Encoder) fail(msg string) {
	if e.err == nil {
		e.err = &EncodeError{Message: msg}
	}
}

func (e *Encoder) Write8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Write16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) Write32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteDouble(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *Encoder) WriteUleb128(v uint64) {
	e.buf = AppendUleb128(e.buf, v)
}

func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteString: u16 длина в 2.0, uleb128 в 3.0.
func (e *Encoder) WriteString(s string) {
	if e.rev < types.ProtoRev3 {
		if len(s) > math.MaxUint16 {
			s = s[:math.MaxUint16]
		}
		e.Write16(uint16(len(s)))
	} else {
		e.WriteUleb128(uint64(len(s)))
	}
	e.buf = append(e.buf, s...)
}

func (e *Encoder) writeCount(n int) int {
	if e.rev < types.ProtoRev3 {
		if n > maxArrayLenRev2 {
			n = maxArrayLenRev2
		}
		e.Write8(uint8(n))
		return n
	}
	e.WriteUleb128(uint64(n))
	return n
}

func (e *Encoder) WriteType(t value.Type) {
	id, ok := ToWireType(t)
	if !ok {
		e.fail(fmt.Sprintf("unrecognized type %s", t))
		e.Write8(0)
		return
	}
	if e.rev < types.ProtoRev3 && (id == TypeRaw || id == TypeRpc) {
		e.fail(fmt.Sprintf("%s type not supported in protocol < 3.0", t))
	}
	e.Write8(uint8(id))
}

func (e *Encoder) WriteValue(v *value.Value) {
	switch v.Type() {
	case value.Boolean:
		if v.GetBool() {
			e.Write8(1)
		} else {
			e.Write8(0)
		}
	case value.Double:
		e.WriteDouble(v.GetDouble())
	case value.String:
		e.WriteString(v.GetString())
	case value.Raw, value.Rpc:
		if e.rev < types.ProtoRev3 {
			e.fail(fmt.Sprintf("%s type not supported in protocol < 3.0", v.Type()))
			return
		}
		b := v.GetRaw()
		e.WriteUleb128(uint64(len(b)))
		e.buf = append(e.buf, b...)
	case value.BooleanArray:
		arr := v.GetBoolArray()
		n := e.writeCount(len(arr))
		for _, b := range arr[:n] {
			if b {
				e.Write8(1)
			} else {
				e.Write8(0)
			}
		}
	case value.DoubleArray:
		arr := v.GetDoubleArray()
		n := e.writeCount(len(arr))
		for _, d := range arr[:n] {
			e.WriteDouble(d)
		}
	case value.StringArray:
		arr := v.GetStringArray()
		n := e.writeCount(len(arr))
		for _, s := range arr[:n] {
			e.WriteString(s)
		}
	default:
		e.fail("unrecognized type when writing value")
	}
}

// AppendUleb128 дописывает беззнаковое LEB128-число.
func AppendUleb128(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func ToWireType(t value.Type) (TypeID, bool) {
	switch t {
	case value.Boolean:
		return TypeBoolean, true
	case value.Double:
		return TypeDouble, true
	case value.String:
		return TypeString, true
	case value.Raw:
		return TypeRaw, true
	case value.BooleanArray:
		return TypeBooleanArray, true
	case value.DoubleArray:
		return TypeDoubleArray, true
	case value.StringArray:
		return TypeStringArray, true
	case value.Rpc:
		return TypeRpc, true
	default:
		return 0, false
	}
}

func FromWireType(id TypeID) (value.Type, bool) {
	switch id {
	case TypeBoolean:
		return value.Boolean, true
	case TypeDouble:
		return value.Double, true
	case TypeString:
		return value.String, true
	case TypeRaw:
		return value.Raw, true
	case TypeBooleanArray:
		return value.BooleanArray, true
	case TypeDoubleArray:
		return value.DoubleArray, true
	case TypeStringArray:
		return value.StringArray, true
	case TypeRpc:
		return value.Rpc, true
	default:
		return value.Unassigned, false
	}
}
