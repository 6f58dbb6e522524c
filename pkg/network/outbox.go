package network

import (
	"ntcore/pkg/message"
	"ntcore/pkg/types"
)

// slot хранит позиции (с 1) ещё не отправленных сообщений по id записи:
// update: последний assign/update, flags: последний flags update.
type slot struct {
	update int
	flags  int
}

// outbox накапливает исходящие сообщения между тиками и схлопывает
// повторные изменения одной и той же записи.
type outbox struct {
	pending []message.Message
	index   []slot
}

func (o *outbox) slotFor(id types.EntryID) *slot {
	if int(id) >= len(o.index) {
		o.index = append(o.index, make([]slot, int(id)+1-len(o.index))...)
	}
	return &o.index[id]
}

func (o *outbox) push(msg message.Message) int {
	o.pending = append(o.pending, msg)
	return len(o.pending)
}

func (o *outbox) queue(msg message.Message) {
	switch m := msg.(type) {
	case *message.EntryAssign, *message.EntryUpdate:
		id, _ := message.EntryIDOf(m)
		if id == types.Unassigned {
			o.push(msg)
			return
		}
		s := o.slotFor(id)
		if s.update == 0 {
			s.update = o.push(msg)
			return
		}
		pos := s.update - 1
		old, wasAssign := o.pending[pos].(*message.EntryAssign)
		upd, isUpdate := m.(*message.EntryUpdate)
		if wasAssign && isUpdate {
			// peer has not seen the assign yet, so send it with the new value
			o.pending[pos] = &message.EntryAssign{
				Name:  old.Name,
				ID:    id,
				Seq:   upd.Seq,
				Flags: old.Flags,
				Value: upd.Value,
			}
			return
		}
		o.pending[pos] = msg
	case *message.EntryDelete:
		if m.ID != types.Unassigned && int(m.ID) < len(o.index) {
			s := &o.index[m.ID]
			if s.update != 0 {
				o.pending[s.update-1] = nil
				s.update = 0
			}
			if s.flags != 0 {
				o.pending[s.flags-1] = nil
				s.flags = 0
			}
		}
		o.push(msg)
	case *message.FlagsUpdate:
		if m.ID == types.Unassigned {
			o.push(msg)
			return
		}
		s := o.slotFor(m.ID)
		if s.flags != 0 {
			o.pending[s.flags-1] = msg
			return
		}
		s.flags = o.push(msg)
	case *message.ClearEntries:
		for i, p := range o.pending {
			switch p.(type) {
			case *message.EntryAssign, *message.EntryUpdate, *message.FlagsUpdate,
				*message.EntryDelete, *message.ClearEntries:
				o.pending[i] = nil
			}
		}
		o.index = o.index[:0]
		o.push(msg)
	default:
		o.push(msg)
	}
}

func (o *outbox) empty() bool { return len(o.pending) == 0 }

// take returns the batch without holes and resets the outbox.
func (o *outbox) take() []message.Message {
	batch := make([]message.Message, 0, len(o.pending))
	for _, m := range o.pending {
		if m != nil {
			batch = append(batch, m)
		}
	}
	o.pending = o.pending[:0]
	o.index = o.index[:0]
	return batch
}
