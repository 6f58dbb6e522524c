package storage

import (
	"ntcore/pkg/message"
	"ntcore/pkg/network"
	"ntcore/pkg/types"
)

// outMsg is a message addressed relative to the connection it came from.
type outMsg struct {
	msg    message.Message
	only   Conn
	except Conn
}

func (s *Storage) unlockAndRoute(out []outMsg) {
	queue := s.queueOutgoing
	s.mu.Unlock()
	if queue == nil {
		return
	}
	for _, o := range out {
		queue(o.msg, o.only, o.except)
	}
}

// ProcessIncoming applies one message received from conn.
func (s *Storage) ProcessIncoming(msg message.Message, conn Conn) {
	switch m := msg.(type) {
	case *message.KeepAlive:
	case *message.ClientHello, *message.ProtoUnsup, *message.ServerHelloDone,
		*message.ServerHello, *message.ClientHelloDone:
		// рукопожатие уже завершено
		s.logger.Debug("unexpected handshake message after handshake", "type", msg.Kind())
	case *message.EntryAssign:
		s.processAssign(m, conn)
	case *message.EntryUpdate:
		s.processUpdate(m, conn)
	case *message.FlagsUpdate:
		s.processFlagsUpdate(m, conn)
	case *message.EntryDelete:
		s.processDelete(m, conn)
	case *message.ClearEntries:
		s.processClear(conn)
	case *message.ExecuteRpc:
		s.processExecuteRpc(m, conn)
	case *message.RpcResponse:
		s.processRpcResponse(m)
	default:
		s.logger.Debug("ignoring message", "type", msg.Kind())
	}
}

func (s *Storage) processAssign(m *message.EntryAssign, conn Conn) {
	s.mu.Lock()
	var (
		e             *entry
		mayNeedUpdate bool
		out           []outMsg
	)

	if s.server {
		if m.ID == types.Unassigned {
			// запрос клиента на создание записи: побеждает первый
			if _, ok := s.entries.Load(m.Name); ok {
				s.mu.Unlock()
				return
			}
			e = newEntry(m.Name)
			e.value, e.flags, e.seq = m.Value, m.Flags, m.Seq
			s.entries.Store(m.Name, e)
			s.allocIDLocked(e)
			if e.persistent() {
				s.persistentDirty = true
			}
			s.notify(e.name, e.value, types.NotifyNew)
			s.unlockAndRoute([]outMsg{{msg: e.assign()}})
			return
		}
		e = s.byIDLocked(m.ID)
		if e == nil {
			s.logger.Debug("received assignment to unknown entry", "id", m.ID)
			s.mu.Unlock()
			return
		}
	} else {
		if m.ID == types.Unassigned {
			s.logger.Debug("received assignment with unassigned id")
			s.mu.Unlock()
			return
		}
		e = s.byIDLocked(m.ID)
		if e == nil {
			existing, ok := s.entries.Load(m.Name)
			if !ok {
				e = newEntry(m.Name)
				e.value, e.flags, e.seq = m.Value, m.Flags, m.Seq
				s.entries.Store(m.Name, e)
				s.setIDLocked(e, m.ID)
				if e.persistent() {
					s.persistentDirty = true
				}
				s.notify(e.name, e.value, types.NotifyNew)
				s.mu.Unlock()
				return
			}
			e = existing
			mayNeedUpdate = true
			s.setIDLocked(e, m.ID)
			// флаги локальной копии главнее; сообщаем серверу до проверки свежести
			if m.Flags != e.flags {
				out = append(out, outMsg{msg: &message.FlagsUpdate{ID: m.ID, Flags: e.flags}})
			}
		}
	}

	// на сервере равный номер допустим только с тем же значением
	stale := m.Seq.Less(e.seq) ||
		(s.server && !mayNeedUpdate && m.Seq == e.seq && !e.value.Equal(m.Value))
	if stale {
		if mayNeedUpdate {
			out = append(out, outMsg{msg: &message.EntryUpdate{ID: e.id, Seq: e.seq, Value: e.value}})
		}
		s.unlockAndRoute(out)
		return
	}
	if e.name != m.Name {
		s.logger.Debug("entry assignment name mismatch", "id", m.ID, "have", e.name, "got", m.Name)
		s.unlockAndRoute(out)
		return
	}

	flags := types.NotifyUpdate
	if !mayNeedUpdate && conn.ProtoRev() >= types.ProtoRev3 && e.flags != m.Flags {
		flags |= types.NotifyFlagsChanged
		if (e.flags^m.Flags)&types.FlagPersistent != 0 {
			s.persistentDirty = true
		}
		e.flags = m.Flags
	}
	if e.persistent() && !e.value.Equal(m.Value) {
		s.persistentDirty = true
	}
	e.value, e.seq = m.Value, m.Seq
	s.notify(e.name, e.value, flags)

	if s.server {
		out = append(out, outMsg{msg: e.assign(), except: conn})
	}
	s.unlockAndRoute(out)
}

func (s *Storage) processUpdate(m *message.EntryUpdate, conn Conn) {
	s.mu.Lock()
	e := s.byIDLocked(m.ID)
	if e == nil {
		s.logger.Debug("received update to unknown entry", "id", m.ID)
		s.mu.Unlock()
		return
	}
	if m.Seq.LessOrEqual(e.seq) {
		s.mu.Unlock()
		return
	}
	if e.persistent() && !e.value.Equal(m.Value) {
		s.persistentDirty = true
	}
	e.value, e.seq = m.Value, m.Seq
	s.notify(e.name, e.value, types.NotifyUpdate)

	if !s.server {
		s.mu.Unlock()
		return
	}
	s.unlockAndRoute([]outMsg{{msg: m, except: conn}})
}

func (s *Storage) processFlagsUpdate(m *message.FlagsUpdate, conn Conn) {
	s.mu.Lock()
	e := s.byIDLocked(m.ID)
	if e == nil {
		s.logger.Debug("received flags update to unknown entry", "id", m.ID)
		s.mu.Unlock()
		return
	}
	if e.flags == m.Flags {
		s.mu.Unlock()
		return
	}
	if (e.flags^m.Flags)&types.FlagPersistent != 0 {
		s.persistentDirty = true
	}
	e.flags = m.Flags
	s.notify(e.name, e.value, types.NotifyFlagsChanged)

	if !s.server {
		s.mu.Unlock()
		return
	}
	s.unlockAndRoute([]outMsg{{msg: m, except: conn}})
}

func (s *Storage) processDelete(m *message.EntryDelete, conn Conn) {
	s.mu.Lock()
	e := s.byIDLocked(m.ID)
	if e == nil {
		s.logger.Debug("received delete to unknown entry", "id", m.ID)
		s.mu.Unlock()
		return
	}
	s.removeLocked(e)
	s.notify(e.name, e.value, types.NotifyDelete)

	if !s.server {
		s.mu.Unlock()
		return
	}
	s.unlockAndRoute([]outMsg{{msg: m, except: conn}})
}

func (s *Storage) processClear(conn Conn) {
	s.mu.Lock()
	s.deleteAllLocked(types.NotifyDelete)
	if !s.server {
		s.mu.Unlock()
		return
	}
	s.unlockAndRoute([]outMsg{{msg: &message.ClearEntries{}, except: conn}})
}

func (s *Storage) processExecuteRpc(m *message.ExecuteRpc, conn Conn) {
	s.mu.Lock()
	if !s.server {
		s.mu.Unlock()
		return
	}
	e := s.byIDLocked(m.ID)
	if e == nil || !e.value.IsRpc() {
		s.logger.Debug("received ExecuteRpc for non-rpc entry", "id", m.ID)
		s.mu.Unlock()
		return
	}
	name, callback := e.name, e.rpcCallback
	s.mu.Unlock()

	if s.rpcServer == nil {
		return
	}
	handle := network.NewHandle(conn)
	s.rpcServer.ProcessRpc(name, m, callback, conn.UID(), func(resp *message.RpcResponse) {
		handle.Send(resp)
	}, conn.Info())
}

func (s *Storage) processRpcResponse(m *message.RpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server {
		return
	}
	s.rpcResults[rpcKey{id: m.ID, uid: m.UID}] = m.Result
	s.wakeLocked()
}

// GetInitialAssignments marks conn synchronized and returns the whole
// table as assignments, in name order.
func (s *Storage) GetInitialAssignments(conn Conn) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.MarkSynchronized()
	msgs := make([]message.Message, 0, s.entries.Len())
	s.entries.Range(func(_ string, e *entry) bool {
		msgs = append(msgs, e.assign())
		return true
	})
	return msgs
}

// ApplyInitialAssignments replaces the id numbering with the server's
// and reconciles values by name. It returns assignments for local
// entries the server does not know yet.
func (s *Storage) ApplyInitialAssignments(conn Conn, msgs []message.Message, newServer bool) []message.Message {
	s.mu.Lock()
	if s.server {
		s.mu.Unlock()
		return nil
	}
	conn.MarkSynchronized()

	s.entries.Range(func(_ string, e *entry) bool {
		e.id = types.Unassigned
		return true
	})
	s.idMap = s.idMap[:0]

	var updates []message.Message
	for _, msg := range msgs {
		m, ok := msg.(*message.EntryAssign)
		if !ok {
			s.logger.Debug("client: received non-entry assignment request?", "type", msg.Kind())
			continue
		}
		if m.ID == types.Unassigned {
			s.logger.Debug("client: received entry assignment request?", "name", m.Name)
			continue
		}

		e, ok := s.entries.Load(m.Name)
		switch {
		case !ok:
			e = newEntry(m.Name)
			e.value, e.flags, e.seq = m.Value, m.Flags, m.Seq
			s.entries.Store(m.Name, e)
			s.notify(e.name, e.value, types.NotifyNew)
		case !newServer && m.Seq.LessOrEqual(e.seq):
			// старый сервер и у нас свежее: отправляем своё значение
			updates = append(updates, &message.EntryUpdate{ID: m.ID, Seq: e.seq, Value: e.value})
		default:
			e.value, e.seq = m.Value, m.Seq
			flags := types.NotifyUpdate
			if conn.ProtoRev() >= types.ProtoRev3 && e.flags != m.Flags {
				flags |= types.NotifyFlagsChanged
				e.flags = m.Flags
			}
			s.notify(e.name, e.value, flags)
		}
		s.setIDLocked(e, m.ID)
	}

	var out []message.Message
	s.entries.Range(func(_ string, e *entry) bool {
		if e.id == types.Unassigned {
			out = append(out, e.assign())
		}
		return true
	})

	s.unlockAndSend(updates...)
	return out
}
