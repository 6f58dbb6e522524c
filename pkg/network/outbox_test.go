package network

import (
	"testing"

	"ntcore/pkg/message"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

func TestUpdateFoldsIntoPendingAssign(t *testing.T) {
	var o outbox
	o.queue(&message.EntryAssign{Name: "/a", ID: 1, Seq: 1, Flags: types.FlagPersistent, Value: value.Float(1)})
	o.queue(&message.EntryUpdate{ID: 1, Seq: 2, Value: value.Float(2)})
	o.queue(&message.EntryUpdate{ID: 1, Seq: 3, Value: value.Float(3)})

	batch := o.take()
	if len(batch) != 1 {
		t.Fatalf("expected 1 message, got %d", len(batch))
	}
	a, ok := batch[0].(*message.EntryAssign)
	if !ok {
		t.Fatalf("expected assign, got %T", batch[0])
	}
	if a.Name != "/a" || a.Seq != 3 || a.Value.GetDouble() != 3 || a.Flags != types.FlagPersistent {
		t.Fatalf("unexpected merged assign %+v", a)
	}
}

func TestLaterUpdateReplacesEarlierUpdate(t *testing.T) {
	var o outbox
	o.queue(&message.EntryUpdate{ID: 4, Seq: 1, Value: value.Str("a")})
	o.queue(&message.FlagsUpdate{ID: 7, Flags: 1})
	o.queue(&message.EntryUpdate{ID: 4, Seq: 2, Value: value.Str("b")})

	batch := o.take()
	if len(batch) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(batch))
	}
	u := batch[0].(*message.EntryUpdate)
	if u.Seq != 2 || u.Value.GetString() != "b" {
		t.Fatalf("update not replaced in place: %+v", u)
	}
}

func TestFlagsUpdateOverwrites(t *testing.T) {
	var o outbox
	o.queue(&message.FlagsUpdate{ID: 2, Flags: 1})
	o.queue(&message.FlagsUpdate{ID: 2, Flags: 0})
	batch := o.take()
	if len(batch) != 1 || batch[0].(*message.FlagsUpdate).Flags != 0 {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestDeleteCancelsPendingEntryMessages(t *testing.T) {
	var o outbox
	o.queue(&message.EntryAssign{Name: "/a", ID: 3, Value: value.Bool(true)})
	o.queue(&message.FlagsUpdate{ID: 3, Flags: 1})
	o.queue(&message.EntryUpdate{ID: 5, Value: value.Bool(false)})
	o.queue(&message.EntryDelete{ID: 3})

	batch := o.take()
	if len(batch) != 2 {
		t.Fatalf("expected update + delete, got %d", len(batch))
	}
	if _, ok := batch[0].(*message.EntryUpdate); !ok {
		t.Fatalf("first = %T", batch[0])
	}
	if d, ok := batch[1].(*message.EntryDelete); !ok || d.ID != 3 {
		t.Fatalf("second = %T", batch[1])
	}
}

func TestClearEntriesKnocksOutEntryMessages(t *testing.T) {
	var o outbox
	o.queue(&message.KeepAlive{})
	o.queue(&message.EntryAssign{Name: "/a", ID: 1, Value: value.Bool(true)})
	o.queue(&message.EntryDelete{ID: 9})
	o.queue(&message.ClearEntries{})
	o.queue(&message.EntryUpdate{ID: 1, Seq: 5, Value: value.Bool(false)})

	batch := o.take()
	if len(batch) != 3 {
		t.Fatalf("expected keepalive, clear, update; got %d", len(batch))
	}
	if _, ok := batch[1].(*message.ClearEntries); !ok {
		t.Fatalf("second = %T", batch[1])
	}
	if _, ok := batch[2].(*message.EntryUpdate); !ok {
		t.Fatalf("third = %T", batch[2])
	}
}

func TestUnassignedIDsAreNeverMerged(t *testing.T) {
	var o outbox
	o.queue(&message.EntryAssign{Name: "/a", ID: types.Unassigned, Value: value.Bool(true)})
	o.queue(&message.EntryAssign{Name: "/b", ID: types.Unassigned, Value: value.Bool(true)})
	if got := len(o.take()); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}
	if !o.empty() {
		t.Fatal("take must reset the outbox")
	}
}

// Queuing the same sequence twice gives the same batch as once for the
// last state of every entry.
func TestCoalescingIsIdempotent(t *testing.T) {
	seq := []message.Message{
		&message.EntryAssign{Name: "/x", ID: 0, Seq: 1, Value: value.Float(1)},
		&message.EntryUpdate{ID: 0, Seq: 2, Value: value.Float(2)},
		&message.FlagsUpdate{ID: 0, Flags: 1},
	}
	var once, twice outbox
	for _, m := range seq {
		once.queue(m)
		twice.queue(m)
	}
	for _, m := range seq[1:] {
		twice.queue(m)
	}
	a, b := once.take(), twice.take()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Kind() != b[i].Kind() {
			t.Fatalf("kind %d differs: %s vs %s", i, a[i].Kind(), b[i].Kind())
		}
	}
}
