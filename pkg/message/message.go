// Package message describes the frames exchanged between peers.
// Message is a closed set: every kind is a struct in this package.
package message

import (
	"fmt"

	"ntcore/pkg/clock"
	"ntcore/pkg/encoding/wire"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

type Kind uint8

const (
	KindKeepAlive       Kind = 0x00
	KindClientHello     Kind = 0x01
	KindProtoUnsup      Kind = 0x02
	KindServerHelloDone Kind = 0x03
	KindServerHello     Kind = 0x04
	KindClientHelloDone Kind = 0x05
	KindEntryAssign     Kind = 0x10
	KindEntryUpdate     Kind = 0x11
	KindFlagsUpdate     Kind = 0x12
	KindEntryDelete     Kind = 0x13
	KindClearEntries    Kind = 0x14
	KindExecuteRpc      Kind = 0x20
	KindRpcResponse     Kind = 0x21
)

// ClearAllMagic guards ClearEntries against accidental wipes.
const ClearAllMagic uint32 = 0xD06CB27A

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "keep_alive"
	case KindClientHello:
		return "client_hello"
	case KindProtoUnsup:
		return "proto_unsup"
	case KindServerHelloDone:
		return "server_hello_done"
	case KindServerHello:
		return "server_hello"
	case KindClientHelloDone:
		return "client_hello_done"
	case KindEntryAssign:
		return "entry_assign"
	case KindEntryUpdate:
		return "entry_update"
	case KindFlagsUpdate:
		return "flags_update"
	case KindEntryDelete:
		return "entry_delete"
	case KindClearEntries:
		return "clear_entries"
	case KindExecuteRpc:
		return "execute_rpc"
	case KindRpcResponse:
		return "rpc_response"
	default:
		return fmt.Sprintf("unknown(%#x)", uint8(k))
	}
}

type Message interface {
	Kind() Kind
	// Write appends the frame to e according to e's protocol revision.
	// Frames introduced in 3.0 are silently skipped for older peers.
	Write(e *wire.Encoder)
	sealed()
}

type KeepAlive struct{}

type ClientHello struct {
	// Rev is filled on read; Write always sends the encoder's revision.
	Rev      types.ProtoRev
	Identity string
}

type ProtoUnsup struct {
	Rev types.ProtoRev
}

type ServerHelloDone struct{}

// ServerHello flag bit 0 is set when the server has seen this client before.
type ServerHello struct {
	Flags    uint8
	Identity string
}

type ClientHelloDone struct{}

type EntryAssign struct {
	Name  string
	ID    types.EntryID
	Seq   clock.SeqNum
	Flags types.EntryFlags
	Value *value.Value
}

type EntryUpdate struct {
	ID    types.EntryID
	Seq   clock.SeqNum
	Value *value.Value
}

type FlagsUpdate struct {
	ID    types.EntryID
	Flags types.EntryFlags
}

type EntryDelete struct {
	ID types.EntryID
}

type ClearEntries struct{}

type ExecuteRpc struct {
	ID     types.EntryID
	UID    uint16
	Params []byte
}

type RpcResponse struct {
	ID     types.EntryID
	UID    uint16
	Result []byte
}

func (*KeepAlive) Kind() Kind       { return KindKeepAlive }
func (*ClientHello) Kind() Kind     { return KindClientHello }
func (*ProtoUnsup) Kind() Kind      { return KindProtoUnsup }
func (*ServerHelloDone) Kind() Kind { return KindServerHelloDone }
func (*ServerHello) Kind() Kind     { return KindServerHello }
func (*ClientHelloDone) Kind() Kind { return KindClientHelloDone }
func (*EntryAssign) Kind() Kind     { return KindEntryAssign }
func (*EntryUpdate) Kind() Kind     { return KindEntryUpdate }
func (*FlagsUpdate) Kind() Kind     { return KindFlagsUpdate }
func (*EntryDelete) Kind() Kind     { return KindEntryDelete }
func (*ClearEntries) Kind() Kind    { return KindClearEntries }
func (*ExecuteRpc) Kind() Kind      { return KindExecuteRpc }
func (*RpcResponse) Kind() Kind     { return KindRpcResponse }

func (*KeepAlive) sealed()       {}
func (*ClientHello) sealed()     {}
func (*ProtoUnsup) sealed()      {}
func (*ServerHelloDone) sealed() {}
func (*ServerHello) sealed()     {}
func (*ClientHelloDone) sealed() {}
func (*EntryAssign) sealed()     {}
func (*EntryUpdate) sealed()     {}
func (*FlagsUpdate) sealed()     {}
func (*EntryDelete) sealed()     {}
func (*ClearEntries) sealed()    {}
func (*ExecuteRpc) sealed()      {}
func (*RpcResponse) sealed()     {}

// EntryIDOf returns the entry id a per-entry message refers to.
func EntryIDOf(m Message) (types.EntryID, bool) {
	switch m := m.(type) {
	case *EntryAssign:
		return m.ID, true
	case *EntryUpdate:
		return m.ID, true
	case *FlagsUpdate:
		return m.ID, true
	case *EntryDelete:
		return m.ID, true
	default:
		return types.Unassigned, false
	}
}
