package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// maxLength защищает от аллокаций по мусорному префиксу длины.
const maxLength = 1 << 26

// Decoder читает примитивы из потока. Каждый Read* возвращает ok=false
// при ошибке потока или формата; причина доступна через Err.
type Decoder struct {
	r   *bufio.Reader
	rev types.ProtoRev
	err error
	tmp [8]byte
}

func NewDecoder(r io.Reader, rev types.ProtoRev) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, rev: rev}
}

func (d *Decoder) ProtoRev() types.ProtoRev { return d.rev }

func (d *Decoder) SetProtoRev(rev types.ProtoRev) { d.rev = rev }

func (d *Decoder) Err() error { return d.err }

// Fail records a format error unless an earlier one is already set.
func (d *Decoder) Fail(format string, args ...any) {
	if d.err == nil {
		d.err = &DecodeError{Message: fmt.Sprintf(format, args...)}
	}
}

func (d *Decoder) ClearErr() { d.err = nil }

func (d *Decoder) readFull(n int) ([]byte, bool) {
	if _, err := io.ReadFull(d.r, d.tmp[:n]); err != nil {
		if d.err == nil {
			d.err = err
		}
		return nil, false
	}
	return d.tmp[:n], true
}

func (d *Decoder) Read8() (uint8, bool) {
	b, err := d.r.ReadByte()
	if err != nil {
		if d.err == nil {
			d.err = err
		}
		return 0, false
	}
	return b, true
}

func (d *Decoder) Read16() (uint16, bool) {
	b, ok := d.readFull(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (d *Decoder) Read32() (uint32, bool) {
	b, ok := d.readFull(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (d *Decoder) ReadDouble() (float64, bool) {
	b, ok := d.readFull(8)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), true
}

func (d *Decoder) ReadUleb128() (uint64, bool) {
	var (
		result uint64
		shift  uint
	)
	for {
		b, ok := d.Read8()
		if !ok {
			return 0, false
		}
		if shift >= 64 {
			d.Fail("uleb128 overflow")
			return 0, false
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, true
		}
		shift += 7
	}
}

// ReadBytes reads exactly n bytes.
func (d *Decoder) ReadBytes(n uint64) ([]byte, bool) {
	if n > maxLength {
		d.Fail("length %d exceeds limit", n)
		return nil, false
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if d.err == nil {
			d.err = err
		}
		return nil, false
	}
	return buf, true
}

func (d *Decoder) ReadString() (string, bool) {
	var n uint64
	if d.rev < types.ProtoRev3 {
		v, ok := d.Read16()
		if !ok {
			return "", false
		}
		n = uint64(v)
	} else {
		v, ok := d.ReadUleb128()
		if !ok {
			return "", false
		}
		n = v
	}
	b, ok := d.ReadBytes(n)
	if !ok {
		return "", false
	}
	return string(b), true
}

func (d *Decoder) readCount() (int, bool) {
	if d.rev < types.ProtoRev3 {
		v, ok := d.Read8()
		return int(v), ok
	}
	v, ok := d.ReadUleb128()
	if !ok {
		return 0, false
	}
	if v > maxLength {
		d.Fail("array length %d exceeds limit", v)
		return 0, false
	}
	return int(v), true
}

func (d *Decoder) ReadType() (value.Type, bool) {
	id, ok := d.Read8()
	if !ok {
		return value.Unassigned, false
	}
	t, ok := FromWireType(TypeID(id))
	if !ok {
		d.Fail("unrecognized value type %#x", id)
		return value.Unassigned, false
	}
	if d.rev < types.ProtoRev3 && (t == value.Raw || t == value.Rpc) {
		d.Fail("received %s type in protocol < 3.0", t)
		return value.Unassigned, false
	}
	return t, true
}

// ReadValue reads a payload of the given type; nil on failure.
func (d *Decoder) ReadValue(t value.Type) *value.Value {
	switch t {
	case value.Boolean:
		b, ok := d.Read8()
		if !ok {
			return nil
		}
		return value.Bool(b != 0)
	case value.Double:
		f, ok := d.ReadDouble()
		if !ok {
			return nil
		}
		return value.Float(f)
	case value.String:
		s, ok := d.ReadString()
		if !ok {
			return nil
		}
		return value.Str(s)
	case value.Raw, value.Rpc:
		if d.rev < types.ProtoRev3 {
			d.Fail("received %s value in protocol < 3.0", t)
			return nil
		}
		n, ok := d.ReadUleb128()
		if !ok {
			return nil
		}
		b, ok := d.ReadBytes(n)
		if !ok {
			return nil
		}
		if t == value.Rpc {
			return value.RpcDef(b)
		}
		return value.RawBytes(b)
	case value.BooleanArray:
		n, ok := d.readCount()
		if !ok {
			return nil
		}
		arr := make([]bool, 0, min(n, 4096))
		for range n {
			b, ok := d.Read8()
			if !ok {
				return nil
			}
			arr = append(arr, b != 0)
		}
		return value.BoolArray(arr)
	case value.DoubleArray:
		n, ok := d.readCount()
		if !ok {
			return nil
		}
		arr := make([]float64, 0, min(n, 4096))
		for range n {
			f, ok := d.ReadDouble()
			if !ok {
				return nil
			}
			arr = append(arr, f)
		}
		return value.FloatArray(arr)
	case value.StringArray:
		n, ok := d.readCount()
		if !ok {
			return nil
		}
		arr := make([]string, 0, min(n, 4096))
		for range n {
			s, ok := d.ReadString()
			if !ok {
				return nil
			}
			arr = append(arr, s)
		}
		return value.StrArray(arr)
	default:
		d.Fail("invalid type when trying to read value")
		return nil
	}
}
