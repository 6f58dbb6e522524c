package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"ntcore/pkg/message"
	"ntcore/pkg/notifier"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []bool
}

func (f *fakeNotifier) NotifyConnection(connected bool, _ types.ConnectionInfo, _ notifier.ConnectionListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, connected)
}

func (f *fakeNotifier) snapshot() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.events...)
}

func acceptAll(*Connection, func() message.Message, func([]message.Message)) bool { return true }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionDeliversBatches(t *testing.T) {
	a, b := net.Pipe()
	na, nb := &fakeNotifier{}, &fakeNotifier{}
	ca := NewConnection(a, Options{Notifier: na, Handshake: acceptAll})
	cb := NewConnection(b, Options{Notifier: nb, Handshake: acceptAll})

	got := make(chan message.Message, 8)
	cb.SetProcessIncoming(func(msg message.Message, _ *Connection) { got <- msg })
	ca.Start()
	cb.Start()
	defer cb.Stop()

	waitFor(t, "active", func() bool { return ca.State() == StateActive && cb.State() == StateActive })

	ca.QueueOutgoing(&message.EntryAssign{Name: "/a", ID: 0, Seq: 1, Value: value.Float(1)})
	ca.QueueOutgoing(&message.EntryUpdate{ID: 0, Seq: 2, Value: value.Float(2)})
	ca.PostOutgoing(false)

	select {
	case msg := <-got:
		as, ok := msg.(*message.EntryAssign)
		if !ok || as.Seq != 2 || as.Value.GetDouble() != 2 {
			t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	ca.Stop()
	waitFor(t, "peer dead", func() bool { return cb.State() == StateDead })

	if ev := na.snapshot(); len(ev) != 2 || !ev[0] || ev[1] {
		t.Fatalf("local notifications %v", ev)
	}
	waitFor(t, "peer notifications", func() bool { return len(nb.snapshot()) == 2 })
}

func TestDeadIsTerminal(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConnection(a, Options{Handshake: acceptAll})
	c.SetState(StateDead)
	c.SetState(StateActive)
	if c.State() != StateDead {
		t.Fatalf("state = %s", c.State())
	}
	c.Start()
	if c.Active() {
		t.Fatal("dead connection started")
	}
	if NewHandle(c).Send(&message.KeepAlive{}) {
		t.Fatal("send through dead handle succeeded")
	}
	if NoHandle.Send(&message.KeepAlive{}) {
		t.Fatal("send through zero handle succeeded")
	}
}

func TestFailedHandshakeFlushesQueuedReply(t *testing.T) {
	a, b := net.Pipe()
	srv := NewConnection(a, Options{Handshake: func(_ *Connection, get func() message.Message, send func([]message.Message)) bool {
		if get() == nil {
			return false
		}
		send([]message.Message{&message.ProtoUnsup{}})
		return false
	}})
	srv.Start()
	defer srv.Stop()

	cli := NewConnection(b, Options{Handshake: func(_ *Connection, get func() message.Message, send func([]message.Message)) bool {
		send([]message.Message{&message.ClientHello{Identity: "c"}})
		msg := get()
		_, ok := msg.(*message.ProtoUnsup)
		return ok
	}})
	cli.Start()
	defer cli.Stop()

	waitFor(t, "client handshake", func() bool { return cli.State() == StateActive || cli.State() == StateDead })
	if cli.State() != StateActive {
		t.Fatal("client never saw ProtoUnsup")
	}
}

func TestKeepAliveRateLimited(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConnection(a, Options{})
	c.PostOutgoing(true)
	if len(c.outgoing) != 0 {
		t.Fatal("keep-alive sent before interval elapsed")
	}
	c.lastPost = time.Now().Add(-2 * time.Second)
	c.PostOutgoing(true)
	if len(c.outgoing) != 1 {
		t.Fatal("keep-alive not sent after interval")
	}
	c.PostOutgoing(false)
	if len(c.outgoing) != 1 {
		t.Fatal("empty post without keep-alive queued something")
	}
}
