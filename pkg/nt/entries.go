package nt

import (
	"context"
	"fmt"
	"time"

	"ntcore/pkg/notifier"
	"ntcore/pkg/nterrors"
	"ntcore/pkg/rpc"
	"ntcore/pkg/storage"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

func (i *Instance) GetValue(name string) *value.Value { return i.storage.GetEntryValue(name) }

// Lookup is GetValue with a reason when there is nothing to return.
func (i *Instance) Lookup(name string, want value.Type) (*value.Value, error) {
	v := i.storage.GetEntryValue(name)
	if v == nil {
		return nil, fmt.Errorf("%q: %w", name, nterrors.ErrNotFound)
	}
	if want != 0 && v.Type() != want {
		return nil, fmt.Errorf("%q is %s: %w", name, v.Type(), nterrors.ErrTypeMismatch)
	}
	return v, nil
}

// SetValue fails when the entry exists with another type.
func (i *Instance) SetValue(name string, v *value.Value) bool {
	return i.storage.SetEntryValue(name, v)
}

func (i *Instance) SetDefaultValue(name string, v *value.Value) bool {
	return i.storage.SetDefaultEntryValue(name, v)
}

// ForceSetValue replaces the value even when the type differs.
func (i *Instance) ForceSetValue(name string, v *value.Value) {
	i.storage.SetEntryTypeValue(name, v)
}

func (i *Instance) GetBoolean(name string, def bool) bool {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsBool() {
		return v.GetBool()
	}
	return def
}

func (i *Instance) SetBoolean(name string, b bool) bool { return i.SetValue(name, value.Bool(b)) }

func (i *Instance) SetDefaultBoolean(name string, b bool) bool {
	return i.SetDefaultValue(name, value.Bool(b))
}

func (i *Instance) GetDouble(name string, def float64) float64 {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsDouble() {
		return v.GetDouble()
	}
	return def
}

func (i *Instance) SetDouble(name string, d float64) bool { return i.SetValue(name, value.Float(d)) }

func (i *Instance) SetDefaultDouble(name string, d float64) bool {
	return i.SetDefaultValue(name, value.Float(d))
}

func (i *Instance) GetString(name, def string) string {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsString() {
		return v.GetString()
	}
	return def
}

func (i *Instance) SetString(name, s string) bool { return i.SetValue(name, value.Str(s)) }

func (i *Instance) SetDefaultString(name, s string) bool {
	return i.SetDefaultValue(name, value.Str(s))
}

func (i *Instance) GetRaw(name string, def []byte) []byte {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsRaw() {
		return v.GetRaw()
	}
	return def
}

func (i *Instance) SetRaw(name string, b []byte) bool { return i.SetValue(name, value.RawBytes(b)) }

func (i *Instance) SetDefaultRaw(name string, b []byte) bool {
	return i.SetDefaultValue(name, value.RawBytes(b))
}

func (i *Instance) GetBooleanArray(name string, def []bool) []bool {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsBoolArray() {
		return v.GetBoolArray()
	}
	return def
}

func (i *Instance) SetBooleanArray(name string, a []bool) bool {
	return i.SetValue(name, value.BoolArray(a))
}

func (i *Instance) SetDefaultBooleanArray(name string, a []bool) bool {
	return i.SetDefaultValue(name, value.BoolArray(a))
}

func (i *Instance) GetDoubleArray(name string, def []float64) []float64 {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsDoubleArray() {
		return v.GetDoubleArray()
	}
	return def
}

func (i *Instance) SetDoubleArray(name string, a []float64) bool {
	return i.SetValue(name, value.FloatArray(a))
}

func (i *Instance) SetDefaultDoubleArray(name string, a []float64) bool {
	return i.SetDefaultValue(name, value.FloatArray(a))
}

func (i *Instance) GetStringArray(name string, def []string) []string {
	if v := i.storage.GetEntryValue(name); v != nil && v.IsStringArray() {
		return v.GetStringArray()
	}
	return def
}

func (i *Instance) SetStringArray(name string, a []string) bool {
	return i.SetValue(name, value.StrArray(a))
}

func (i *Instance) SetDefaultStringArray(name string, a []string) bool {
	return i.SetDefaultValue(name, value.StrArray(a))
}

func (i *Instance) ContainsKey(name string) bool { return i.storage.ContainsEntry(name) }

func (i *Instance) GetEntryType(name string) value.Type {
	if v := i.storage.GetEntryValue(name); v != nil {
		return v.Type()
	}
	return value.Unassigned
}

func (i *Instance) GetFlags(name string) types.EntryFlags { return i.storage.GetEntryFlags(name) }

func (i *Instance) SetFlags(name string, flags types.EntryFlags) {
	i.storage.SetEntryFlags(name, i.storage.GetEntryFlags(name)|flags)
}

func (i *Instance) ClearFlags(name string, flags types.EntryFlags) {
	i.storage.SetEntryFlags(name, i.storage.GetEntryFlags(name)&^flags)
}

func (i *Instance) SetPersistent(name string)   { i.SetFlags(name, types.FlagPersistent) }
func (i *Instance) ClearPersistent(name string) { i.ClearFlags(name, types.FlagPersistent) }

func (i *Instance) IsPersistent(name string) bool {
	return i.GetFlags(name)&types.FlagPersistent != 0
}

func (i *Instance) Delete(name string) { i.storage.DeleteEntry(name) }

// DeleteAll removes every non-persistent entry.
func (i *Instance) DeleteAll() { i.storage.DeleteAllEntries() }

// GetEntryInfo lists entries under prefix; zero typeMask matches all.
func (i *Instance) GetEntryInfo(prefix string, typeMask value.Type) []storage.EntryInfo {
	return i.storage.GetEntryInfo(prefix, typeMask)
}

func (i *Instance) GetKeys(prefix string, typeMask value.Type) []string {
	infos := i.storage.GetEntryInfo(prefix, typeMask)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Name)
	}
	return keys
}

// AddEntryListener subscribes cb to entries under prefix. With
// NotifyImmediate the existing entries are replayed to cb first.
func (i *Instance) AddEntryListener(prefix string, cb notifier.EntryListener, flags types.NotifyFlags) int {
	uid := i.notifier.AddEntryListener(prefix, cb, flags)
	if flags.Has(types.NotifyImmediate) {
		i.storage.NotifyEntries(prefix, func(_ int, name string, v *value.Value, f types.NotifyFlags) {
			cb(uid, name, v, f)
		})
	}
	return uid
}

func (i *Instance) RemoveEntryListener(uid int) { i.notifier.RemoveEntryListener(uid) }

// AddConnectionListener subscribes cb to connects and disconnects; with
// immediate every live connection is replayed.
func (i *Instance) AddConnectionListener(cb notifier.ConnectionListener, immediate bool) int {
	uid := i.notifier.AddConnectionListener(cb)
	if immediate {
		i.dispatcher.NotifyConnections(func(_ int, connected bool, info types.ConnectionInfo) {
			cb(uid, connected, info)
		})
	}
	return uid
}

func (i *Instance) RemoveConnectionListener(uid int) { i.notifier.RemoveConnectionListener(uid) }

// SavePersistent writes every persistent entry to filename.
func (i *Instance) SavePersistent(filename string) error {
	if filename == "" {
		return nterrors.ErrNoPersistFile
	}
	return i.storage.SavePersistent(filename, false)
}

// LoadPersistent merges filename into the table; warn receives per-line
// problems and may be nil.
func (i *Instance) LoadPersistent(filename string, warn storage.WarnFunc) error {
	if filename == "" {
		return nterrors.ErrNoPersistFile
	}
	return i.storage.LoadPersistent(filename, warn)
}

func (i *Instance) CreateRpc(name string, def []byte, cb rpc.Callback) {
	i.storage.CreateRpc(name, def, cb)
}

func (i *Instance) CreatePolledRpc(name string, def []byte) {
	i.storage.CreatePolledRpc(name, def)
}

// CallRpc starts a call and returns its uid, 0 when name is not an RPC.
func (i *Instance) CallRpc(name string, params []byte) uint32 {
	uid := i.storage.CallRpc(name, params)
	if uid != 0 {
		i.Flush()
	}
	return uid
}

func (i *Instance) GetRpcResult(callUID uint32, timeout time.Duration) ([]byte, bool) {
	return i.storage.GetRpcResult(true, callUID, timeout)
}

func (i *Instance) GetRpcResultContext(ctx context.Context, callUID uint32) ([]byte, bool) {
	return i.storage.GetRpcResultAsync(ctx, callUID)
}

func (i *Instance) PollRpc(timeout time.Duration) (types.RpcCallInfo, bool) {
	return i.rpc.PollRpc(true, timeout)
}

func (i *Instance) PollRpcContext(ctx context.Context) (types.RpcCallInfo, bool) {
	return i.rpc.PollRpcAsync(ctx)
}

func (i *Instance) PostRpcResponse(rpcID types.EntryID, callUID uint32, result []byte) bool {
	return i.rpc.PostRpcResponse(rpcID, callUID, result)
}
