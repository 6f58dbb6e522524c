// Package storage holds the replicated entry table.
//
// All table state is guarded by one mutex. Outgoing messages are handed
// to the queue function only after the mutex is released; notifications
// are queued under it so that their order matches the order of changes.
package storage

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"ntcore/pkg/clock"
	"ntcore/pkg/message"
	"ntcore/pkg/network"
	"ntcore/pkg/notifier"
	"ntcore/pkg/rpc"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// Conn is the view of a peer connection the table needs.
// *network.Connection implements it.
type Conn interface {
	network.Target
	UID() uint16
	ProtoRev() types.ProtoRev
	Info() types.ConnectionInfo
	MarkSynchronized()
}

// QueueFunc delivers msg to every synchronized connection, or to only
// when set, skipping except.
type QueueFunc func(msg message.Message, only, except Conn)

// Notifier is the part of *notifier.Notifier the table drives.
type Notifier interface {
	NotifyEntry(name string, v *value.Value, flags types.NotifyFlags, only notifier.EntryListener)
	LocalNotifiers() bool
}

// RpcServer is the part of *rpc.Server the table drives.
type RpcServer interface {
	ProcessRpc(name string, msg *message.ExecuteRpc, fn rpc.Callback, connID uint16,
		send rpc.SendResponseFunc, info types.ConnectionInfo)
}

// EntryInfo describes one entry for listings.
type EntryInfo struct {
	Name       string           `json:"name"`
	Type       value.Type       `json:"type"`
	Flags      types.EntryFlags `json:"flags"`
	LastChange time.Time        `json:"last_change"`
}

type entry struct {
	name  string
	value *value.Value
	flags types.EntryFlags
	id    types.EntryID
	seq   clock.SeqNum

	rpcCallback rpc.Callback
	rpcCallUID  uint16
}

func newEntry(name string) *entry {
	return &entry{name: name, id: types.Unassigned}
}

func (e *entry) persistent() bool { return e.flags&types.FlagPersistent != 0 }

func (e *entry) assign() *message.EntryAssign {
	return &message.EntryAssign{Name: e.name, ID: e.id, Seq: e.seq, Flags: e.flags, Value: e.value}
}

type nameIndex = skipmap.FuncMap[string, *entry]

type rpcKey struct {
	id  types.EntryID
	uid uint16
}

type Storage struct {
	mu      sync.Mutex
	entries *nameIndex
	idMap   []*entry

	persistentDirty bool
	terminating     bool

	rpcResults       map[rpcKey][]byte
	rpcBlockingCalls map[rpcKey]struct{}
	rpcWake          chan struct{}

	queueOutgoing QueueFunc
	server        bool

	notifier  Notifier
	rpcServer RpcServer
	logger    *slog.Logger
}

func New(n Notifier, r RpcServer, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		entries: skipmap.NewFunc[string, *entry](func(a, b string) bool {
			return a < b
		}),
		server:           true,
		rpcResults:       make(map[rpcKey][]byte),
		rpcBlockingCalls: make(map[rpcKey]struct{}),
		rpcWake:          make(chan struct{}),
		notifier:         n,
		rpcServer:        r,
		logger:           logger.With("component", "storage"),
	}
}

// SetOutgoing attaches the dispatcher. server selects id allocation and
// rebroadcast behaviour.
func (s *Storage) SetOutgoing(queue QueueFunc, server bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueOutgoing = queue
	s.server = server
}

func (s *Storage) ClearOutgoing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueOutgoing = nil
}

// Close releases every caller blocked in GetRpcResult.
func (s *Storage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminating = true
	s.wakeLocked()
}

func (s *Storage) wakeLocked() {
	close(s.rpcWake)
	s.rpcWake = make(chan struct{})
}

// GetEntryType resolves the last known type of an id; used to decode
// 2.0 updates that carry no type.
func (s *Storage) GetEntryType(id types.EntryID) value.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.byIDLocked(id)
	if e == nil || e.value == nil {
		return value.Unassigned
	}
	return e.value.Type()
}

func (s *Storage) byIDLocked(id types.EntryID) *entry {
	if int(id) >= len(s.idMap) {
		return nil
	}
	return s.idMap[id]
}

// allocIDLocked numbers e on the server.
func (s *Storage) allocIDLocked(e *entry) {
	if !s.server || e.id != types.Unassigned {
		return
	}
	e.id = types.EntryID(len(s.idMap))
	s.idMap = append(s.idMap, e)
}

func (s *Storage) setIDLocked(e *entry, id types.EntryID) {
	for int(id) >= len(s.idMap) {
		s.idMap = append(s.idMap, nil)
	}
	e.id = id
	s.idMap[id] = e
}

func (s *Storage) notify(name string, v *value.Value, flags types.NotifyFlags) {
	if s.notifier == nil {
		return
	}
	if flags.Has(types.NotifyLocal) && !s.notifier.LocalNotifiers() {
		return
	}
	s.notifier.NotifyEntry(name, v, flags, nil)
}

// unlockAndSend releases the table and queues msgs in order.
func (s *Storage) unlockAndSend(msgs ...message.Message) {
	queue := s.queueOutgoing
	s.mu.Unlock()
	if queue == nil {
		return
	}
	for _, m := range msgs {
		if m != nil {
			queue(m, nil, nil)
		}
	}
}

func (s *Storage) GetEntryValue(name string) *value.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Load(name)
	if !ok {
		return nil
	}
	return e.value
}

func (s *Storage) ContainsEntry(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries.Load(name)
	return ok
}

// SetDefaultEntryValue creates name with v if it does not exist.
// For an existing entry it reports whether the types agree.
func (s *Storage) SetDefaultEntryValue(name string, v *value.Value) bool {
	if name == "" || v == nil {
		return false
	}
	s.mu.Lock()
	if e, ok := s.entries.Load(name); ok {
		same := e.value.Type() == v.Type()
		s.mu.Unlock()
		return same
	}
	e := newEntry(name)
	e.value = v
	s.entries.Store(name, e)
	s.allocIDLocked(e)
	s.notify(name, v, types.NotifyNew|types.NotifyLocal)
	s.unlockAndSend(e.assign())
	return true
}

// SetEntryValue creates or updates name. Changing the type of an
// existing entry is refused.
func (s *Storage) SetEntryValue(name string, v *value.Value) bool {
	if name == "" || v == nil {
		return true
	}
	s.mu.Lock()
	e, existed := s.entries.Load(name)
	if existed {
		if e.value.Type() != v.Type() {
			s.mu.Unlock()
			return false
		}
		if e.value.Equal(v) {
			s.mu.Unlock()
			return true
		}
	} else {
		e = newEntry(name)
		s.entries.Store(name, e)
	}
	e.value = v
	s.allocIDLocked(e)
	if e.persistent() {
		s.persistentDirty = true
	}

	if !existed {
		s.notify(name, v, types.NotifyNew|types.NotifyLocal)
		s.unlockAndSend(e.assign())
		return true
	}
	s.notify(name, v, types.NotifyUpdate|types.NotifyLocal)
	e.seq = e.seq.Next()
	// клиент ещё не получил id: значение уйдёт при привязке
	if e.id == types.Unassigned {
		s.mu.Unlock()
		return true
	}
	s.unlockAndSend(&message.EntryUpdate{ID: e.id, Seq: e.seq, Value: v})
	return true
}

// SetEntryTypeValue sets name to v even when the type changes.
func (s *Storage) SetEntryTypeValue(name string, v *value.Value) {
	if name == "" || v == nil {
		return
	}
	s.mu.Lock()
	e, existed := s.entries.Load(name)
	if !existed {
		e = newEntry(name)
		s.entries.Store(name, e)
	}
	old := e.value
	if old.Equal(v) {
		s.mu.Unlock()
		return
	}
	e.value = v
	s.allocIDLocked(e)
	if e.persistent() {
		s.persistentDirty = true
	}
	if !existed {
		s.notify(name, v, types.NotifyNew|types.NotifyLocal)
	} else {
		s.notify(name, v, types.NotifyUpdate|types.NotifyLocal)
	}

	e.seq = e.seq.Next()
	if !existed || old.Type() != v.Type() {
		s.unlockAndSend(e.assign())
		return
	}
	if e.id == types.Unassigned {
		s.mu.Unlock()
		return
	}
	s.unlockAndSend(&message.EntryUpdate{ID: e.id, Seq: e.seq, Value: v})
}

func (s *Storage) SetEntryFlags(name string, flags types.EntryFlags) {
	if name == "" {
		return
	}
	s.mu.Lock()
	e, ok := s.entries.Load(name)
	if !ok || e.flags == flags {
		s.mu.Unlock()
		return
	}
	if (e.flags^flags)&types.FlagPersistent != 0 {
		s.persistentDirty = true
	}
	e.flags = flags
	s.notify(name, e.value, types.NotifyFlagsChanged|types.NotifyLocal)
	if e.id == types.Unassigned {
		s.mu.Unlock()
		return
	}
	s.unlockAndSend(&message.FlagsUpdate{ID: e.id, Flags: flags})
}

func (s *Storage) GetEntryFlags(name string) types.EntryFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Load(name)
	if !ok {
		return 0
	}
	return e.flags
}

func (s *Storage) DeleteEntry(name string) {
	s.mu.Lock()
	e, ok := s.entries.Load(name)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeLocked(e)
	s.notify(name, e.value, types.NotifyDelete|types.NotifyLocal)
	if e.id == types.Unassigned {
		s.mu.Unlock()
		return
	}
	s.unlockAndSend(&message.EntryDelete{ID: e.id})
}

func (s *Storage) removeLocked(e *entry) {
	s.entries.Delete(e.name)
	if int(e.id) < len(s.idMap) && s.idMap[e.id] == e {
		s.idMap[e.id] = nil
	}
	if e.persistent() {
		s.persistentDirty = true
	}
}

// deleteAllLocked drops every non-persistent entry.
func (s *Storage) deleteAllLocked(flags types.NotifyFlags) {
	var doomed []*entry
	s.entries.Range(func(_ string, e *entry) bool {
		if !e.persistent() {
			doomed = append(doomed, e)
		}
		return true
	})
	for _, e := range doomed {
		s.removeLocked(e)
		s.notify(e.name, e.value, flags)
	}
}

// DeleteAllEntries removes every non-persistent entry here and on peers.
func (s *Storage) DeleteAllEntries() {
	s.mu.Lock()
	if s.entries.Len() == 0 {
		s.mu.Unlock()
		return
	}
	s.deleteAllLocked(types.NotifyDelete | types.NotifyLocal)
	s.unlockAndSend(&message.ClearEntries{})
}

// GetEntryInfo lists entries under prefix in name order. A zero
// typeMask matches every type.
func (s *Storage) GetEntryInfo(prefix string, typeMask value.Type) []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []EntryInfo
	s.entries.Range(func(name string, e *entry) bool {
		if !strings.HasPrefix(name, prefix) || e.value == nil {
			return true
		}
		if typeMask != 0 && typeMask&e.value.Type() == 0 {
			return true
		}
		infos = append(infos, EntryInfo{
			Name:       name,
			Type:       e.value.Type(),
			Flags:      e.flags,
			LastChange: e.value.LastChange(),
		})
		return true
	})
	return infos
}

// NotifyEntries replays every entry under prefix as a new entry, either
// to one callback or to all matching listeners.
func (s *Storage) NotifyEntries(prefix string, only notifier.EntryListener) {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Range(func(name string, e *entry) bool {
		if strings.HasPrefix(name, prefix) && e.value != nil {
			s.notifier.NotifyEntry(name, e.value, types.NotifyImmediate|types.NotifyNew, only)
		}
		return true
	})
}

// GetEntryID returns the wire id of name, Unassigned when the entry is
// unknown or not numbered yet.
func (s *Storage) GetEntryID(name string) types.EntryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Load(name)
	if !ok {
		return types.Unassigned
	}
	return e.id
}
