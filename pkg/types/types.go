package types

import "time"

// EntryID is the dense server-assigned entry identifier.
type EntryID uint16

// Unassigned marks an entry the server has not numbered yet.
const Unassigned EntryID = 0xffff

// ProtoRev is a wire protocol revision.
type ProtoRev uint16

const (
	ProtoRev2 ProtoRev = 0x0200
	ProtoRev3 ProtoRev = 0x0300
)

// DefaultPort is the well-known table port.
const DefaultPort = 1735

// EntryFlags is the per-entry flag bitset.
type EntryFlags uint8

const (
	FlagPersistent EntryFlags = 0x01
)

// NotifyFlags selects which entry events a listener receives.
type NotifyFlags uint32

const (
	NotifyImmediate    NotifyFlags = 0x01
	NotifyLocal        NotifyFlags = 0x02
	NotifyNew          NotifyFlags = 0x04
	NotifyDelete       NotifyFlags = 0x08
	NotifyUpdate       NotifyFlags = 0x10
	NotifyFlagsChanged NotifyFlags = 0x20
)

func (f NotifyFlags) Has(mask NotifyFlags) bool {
	return f&mask != 0
}

// ConnectionInfo describes one live peer.
type ConnectionInfo struct {
	RemoteID        string    `json:"remote_id"`
	RemoteIP        string    `json:"remote_ip"`
	RemotePort      int       `json:"remote_port"`
	LastUpdate      time.Time `json:"last_update"`
	ProtocolVersion ProtoRev  `json:"protocol_version"`
}

// RpcCallInfo is handed to a polled RPC consumer.
type RpcCallInfo struct {
	RpcID   EntryID
	CallUID uint32
	Name    string
	Params  []byte
}
