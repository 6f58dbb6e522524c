package wire

import (
	"bytes"
	"errors"
	"testing"

	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

func TestUleb128Boundaries(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 16383, 16384, 1<<32 + 5} {
		buf := AppendUleb128(nil, v)
		d := NewDecoder(bytes.NewReader(buf), types.ProtoRev3)
		got, ok := d.ReadUleb128()
		if !ok || got != v {
			t.Fatalf("uleb128 %d: got %d ok=%v", v, got, ok)
		}
	}
	if got := AppendUleb128(nil, 300); !bytes.Equal(got, []byte{0xac, 0x02}) {
		t.Fatalf("300 encoded as %x", got)
	}
}

func TestLittleEndianIntegers(t *testing.T) {
	e := NewEncoder(types.ProtoRev3)
	e.Write16(0x1234)
	e.Write32(0xD06CB27A)
	want := []byte{0x34, 0x12, 0x7a, 0xb2, 0x6c, 0xd0}
	if !bytes.Equal(e.Bytes(), want) {
		t.Fatalf("got %x want %x", e.Bytes(), want)
	}
}

func TestStringLengthPrefixDependsOnRevision(t *testing.T) {
	e2 := NewEncoder(types.ProtoRev2)
	e2.WriteString("ab")
	if !bytes.Equal(e2.Bytes(), []byte{2, 0, 'a', 'b'}) {
		t.Fatalf("rev2 string: %x", e2.Bytes())
	}
	e3 := NewEncoder(types.ProtoRev3)
	e3.WriteString("ab")
	if !bytes.Equal(e3.Bytes(), []byte{2, 'a', 'b'}) {
		t.Fatalf("rev3 string: %x", e3.Bytes())
	}
}

func TestValuesPerRevision(t *testing.T) {
	vals := []*value.Value{
		value.Bool(true),
		value.Float(3.25),
		value.Str("hello"),
		value.BoolArray([]bool{true, false, true}),
		value.FloatArray([]float64{1, 2, 3}),
		value.StrArray([]string{"x", "", "zz"}),
	}
	for _, rev := range []types.ProtoRev{types.ProtoRev2, types.ProtoRev3} {
		for _, v := range vals {
			e := NewEncoder(rev)
			e.WriteType(v.Type())
			e.WriteValue(v)
			if e.Err() != nil {
				t.Fatalf("rev %#x %s: encode error %v", rev, v, e.Err())
			}
			d := NewDecoder(bytes.NewReader(e.Bytes()), rev)
			typ, ok := d.ReadType()
			if !ok {
				t.Fatalf("rev %#x: read type: %v", rev, d.Err())
			}
			got := d.ReadValue(typ)
			if got == nil || !got.Equal(v) {
				t.Fatalf("rev %#x: got %s want %s", rev, got, v)
			}
		}
	}
}

func TestRawRejectedInRev2(t *testing.T) {
	e := NewEncoder(types.ProtoRev2)
	e.WriteType(value.Raw)
	var encErr *EncodeError
	if !errors.As(e.Err(), &encErr) {
		t.Fatalf("expected encode error, got %v", e.Err())
	}

	d := NewDecoder(bytes.NewReader([]byte{byte(TypeRaw)}), types.ProtoRev2)
	if _, ok := d.ReadType(); ok {
		t.Fatalf("raw type accepted in rev2")
	}
	var decErr *DecodeError
	if !errors.As(d.Err(), &decErr) {
		t.Fatalf("expected decode error, got %v", d.Err())
	}
}

func TestTruncatedInputFails(t *testing.T) {
	d := NewDecoder(bytes.NewReader([]byte{5, 'a'}), types.ProtoRev3)
	if _, ok := d.ReadString(); ok {
		t.Fatalf("truncated string accepted")
	}
	if d.Err() == nil {
		t.Fatalf("expected error")
	}
}
