package message

import (
	"ntcore/pkg/clock"
	"ntcore/pkg/encoding/wire"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// GetEntryTypeFunc resolves the last known type of an entry id; used
// for 2.0 updates which do not carry a type byte.
type GetEntryTypeFunc func(id types.EntryID) value.Type

func is3(e *wire.Encoder) bool { return e.ProtoRev() >= types.ProtoRev3 }

func (m *KeepAlive) Write(e *wire.Encoder) {
	e.Write8(uint8(KindKeepAlive))
}

func (m *ClientHello) Write(e *wire.Encoder) {
	e.Write8(uint8(KindClientHello))
	e.Write16(uint16(e.ProtoRev()))
	if !is3(e) {
		return
	}
	e.WriteString(m.Identity)
}

func (m *ProtoUnsup) Write(e *wire.Encoder) {
	e.Write8(uint8(KindProtoUnsup))
	e.Write16(uint16(m.Rev))
}

func (m *ServerHelloDone) Write(e *wire.Encoder) {
	e.Write8(uint8(KindServerHelloDone))
}

func (m *ServerHello) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindServerHello))
	e.Write8(m.Flags)
	e.WriteString(m.Identity)
}

func (m *ClientHelloDone) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindClientHelloDone))
}

func (m *EntryAssign) Write(e *wire.Encoder) {
	e.Write8(uint8(KindEntryAssign))
	e.WriteString(m.Name)
	e.WriteType(m.Value.Type())
	e.Write16(uint16(m.ID))
	e.Write16(uint16(m.Seq))
	if is3(e) {
		e.Write8(uint8(m.Flags))
	}
	e.WriteValue(m.Value)
}

func (m *EntryUpdate) Write(e *wire.Encoder) {
	e.Write8(uint8(KindEntryUpdate))
	e.Write16(uint16(m.ID))
	e.Write16(uint16(m.Seq))
	if is3(e) {
		e.WriteType(m.Value.Type())
	}
	e.WriteValue(m.Value)
}

func (m *FlagsUpdate) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindFlagsUpdate))
	e.Write16(uint16(m.ID))
	e.Write8(uint8(m.Flags))
}

func (m *EntryDelete) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindEntryDelete))
	e.Write16(uint16(m.ID))
}

func (m *ClearEntries) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindClearEntries))
	e.Write32(ClearAllMagic)
}

func (m *ExecuteRpc) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindExecuteRpc))
	e.Write16(uint16(m.ID))
	e.Write16(m.UID)
	e.WriteUleb128(uint64(len(m.Params)))
	e.WriteRaw(m.Params)
}

func (m *RpcResponse) Write(e *wire.Encoder) {
	if !is3(e) {
		return
	}
	e.Write8(uint8(KindRpcResponse))
	e.Write16(uint16(m.ID))
	e.Write16(m.UID)
	e.WriteUleb128(uint64(len(m.Result)))
	e.WriteRaw(m.Result)
}

// Read decodes one frame. It returns nil when the stream ends or the
// frame is malformed; d.Err() holds the reason. It never panics.
func Read(d *wire.Decoder, getType GetEntryTypeFunc) Message {
	k, ok := d.Read8()
	if !ok {
		return nil
	}
	rev3 := d.ProtoRev() >= types.ProtoRev3
	require3 := func(name string) bool {
		if !rev3 {
			d.Fail("received %s in protocol < 3.0", name)
		}
		return rev3
	}

	switch Kind(k) {
	case KindKeepAlive:
		return &KeepAlive{}
	case KindClientHello:
		rev, ok := d.Read16()
		if !ok {
			return nil
		}
		m := &ClientHello{Rev: types.ProtoRev(rev)}
		if m.Rev >= types.ProtoRev3 {
			if m.Identity, ok = d.ReadString(); !ok {
				return nil
			}
		}
		return m
	case KindProtoUnsup:
		rev, ok := d.Read16()
		if !ok {
			return nil
		}
		return &ProtoUnsup{Rev: types.ProtoRev(rev)}
	case KindServerHelloDone:
		return &ServerHelloDone{}
	case KindServerHello:
		if !require3("SERVER_HELLO") {
			return nil
		}
		flags, ok := d.Read8()
		if !ok {
			return nil
		}
		id, ok := d.ReadString()
		if !ok {
			return nil
		}
		return &ServerHello{Flags: flags, Identity: id}
	case KindClientHelloDone:
		if !require3("CLIENT_HELLO_DONE") {
			return nil
		}
		return &ClientHelloDone{}
	case KindEntryAssign:
		return readEntryAssign(d, rev3)
	case KindEntryUpdate:
		id, ok := d.Read16()
		if !ok {
			return nil
		}
		seq, ok := d.Read16()
		if !ok {
			return nil
		}
		var typ value.Type
		if rev3 {
			if typ, ok = d.ReadType(); !ok {
				return nil
			}
		} else {
			typ = getType(types.EntryID(id))
		}
		v := d.ReadValue(typ)
		if v == nil {
			return nil
		}
		return &EntryUpdate{ID: types.EntryID(id), Seq: clock.SeqNum(seq), Value: v}
	case KindFlagsUpdate:
		if !require3("FLAGS_UPDATE") {
			return nil
		}
		id, ok := d.Read16()
		if !ok {
			return nil
		}
		flags, ok := d.Read8()
		if !ok {
			return nil
		}
		return &FlagsUpdate{ID: types.EntryID(id), Flags: types.EntryFlags(flags)}
	case KindEntryDelete:
		if !require3("ENTRY_DELETE") {
			return nil
		}
		id, ok := d.Read16()
		if !ok {
			return nil
		}
		return &EntryDelete{ID: types.EntryID(id)}
	case KindClearEntries:
		if !require3("CLEAR_ENTRIES") {
			return nil
		}
		magic, ok := d.Read32()
		if !ok {
			return nil
		}
		if magic != ClearAllMagic {
			d.Fail("received incorrect CLEAR_ENTRIES magic value %#x", magic)
			return nil
		}
		return &ClearEntries{}
	case KindExecuteRpc:
		if !require3("EXECUTE_RPC") {
			return nil
		}
		id, uid, body, ok := readRpcFrame(d)
		if !ok {
			return nil
		}
		return &ExecuteRpc{ID: id, UID: uid, Params: body}
	case KindRpcResponse:
		if !require3("RPC_RESPONSE") {
			return nil
		}
		id, uid, body, ok := readRpcFrame(d)
		if !ok {
			return nil
		}
		return &RpcResponse{ID: id, UID: uid, Result: body}
	default:
		d.Fail("unrecognized message type %#x", k)
		return nil
	}
}

func readEntryAssign(d *wire.Decoder, rev3 bool) Message {
	name, ok := d.ReadString()
	if !ok {
		return nil
	}
	typ, ok := d.ReadType()
	if !ok {
		return nil
	}
	id, ok := d.Read16()
	if !ok {
		return nil
	}
	seq, ok := d.Read16()
	if !ok {
		return nil
	}
	var flags uint8
	if rev3 {
		if flags, ok = d.Read8(); !ok {
			return nil
		}
	}
	v := d.ReadValue(typ)
	if v == nil {
		return nil
	}
	return &EntryAssign{
		Name:  name,
		ID:    types.EntryID(id),
		Seq:   clock.SeqNum(seq),
		Flags: types.EntryFlags(flags),
		Value: v,
	}
}

func readRpcFrame(d *wire.Decoder) (types.EntryID, uint16, []byte, bool) {
	id, ok := d.Read16()
	if !ok {
		return 0, 0, nil, false
	}
	uid, ok := d.Read16()
	if !ok {
		return 0, 0, nil, false
	}
	n, ok := d.ReadUleb128()
	if !ok {
		return 0, 0, nil, false
	}
	body, ok := d.ReadBytes(n)
	if !ok {
		return 0, 0, nil, false
	}
	return types.EntryID(id), uid, body, true
}
