package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

type overrideEvent struct {
	clear bool
	host  string
	port  int
}

type recorder struct {
	events chan overrideEvent
}

func newRecorder() *recorder {
	return &recorder{events: make(chan overrideEvent, 64)}
}

func (r *recorder) SetServerOverride(host string, port int) {
	r.events <- overrideEvent{host: host, port: port}
}

func (r *recorder) ClearServerOverride() {
	r.events <- overrideEvent{clear: true}
}

func (r *recorder) next(t *testing.T) overrideEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no override event")
		return overrideEvent{}
	}
}

func TestParseRobotIP(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{`{"robotIP":167772162}`, 167772162, true},
		{`{"dsIP":1, "robotIP": 0}`, 0, true},
		{`{"robotIP":}`, 0, false},
		{`{"other":5}`, 0, false},
	}
	for _, c := range cases {
		got, ok := parseRobotIP(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("parseRobotIP(%q) = %d,%v", c.in, got, ok)
		}
	}
	if s := ipString(167772162); s != "10.0.0.2" {
		t.Fatalf("ipString = %s", s)
	}
}

func TestReadFragmentSkipsNoise(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`garbage{"a":1}xx{"robotIP":5}`))
	f, err := readFragment(r)
	if err != nil || f != `{"a":1}` {
		t.Fatalf("first %q %v", f, err)
	}
	f, err = readFragment(r)
	if err != nil || f != `{"robotIP":5}` {
		t.Fatalf("second %q %v", f, err)
	}
}

func TestDSClientOverrides(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rec := newRecorder()
	c := NewDSClient(rec, ln.Addr().String(), nil)
	c.Start(context.Background(), 1735)
	defer c.Stop()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(conn, `{"robotIP":167772162}`)
	if ev := rec.next(t); ev.clear || ev.host != "10.0.0.2" || ev.port != 1735 {
		t.Fatalf("got %+v", ev)
	}

	// повтор того же адреса игнорируется
	fmt.Fprint(conn, `{"robotIP":167772162}{"robotIP":0}`)
	if ev := rec.next(t); !ev.clear {
		t.Fatalf("expected clear, got %+v", ev)
	}

	conn.Close()
	if ev := rec.next(t); !ev.clear {
		t.Fatalf("expected clear on disconnect, got %+v", ev)
	}

	c.Stop()
	for {
		select {
		case ev := <-rec.events:
			if !ev.clear {
				t.Fatalf("unexpected override after stop %+v", ev)
			}
		default:
			return
		}
	}
}

func TestDSClientReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	rec := newRecorder()
	c := NewDSClient(rec, ln.Addr().String(), nil)
	c.retry = 20 * time.Millisecond
	c.Start(context.Background(), 1735)
	defer c.Stop()

	for i, ip := range []string{"10.0.0.2", "10.0.0.3"} {
		conn, err := ln.Accept()
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(conn, `{"robotIP":%d}`, 167772162+i)
		if ev := rec.next(t); ev.clear || ev.host != ip {
			t.Fatalf("session %d: got %+v", i, ev)
		}
		conn.Close()
		if ev := rec.next(t); !ev.clear {
			t.Fatalf("session %d: expected clear, got %+v", i, ev)
		}
	}
}

func TestPickServer(t *testing.T) {
	host, port, ok := pickServer([]string{"10.0.0.9:1800", "10.0.0.3:1735"}, 1735)
	if !ok || host != "10.0.0.3" || port != 1735 {
		t.Fatalf("%s %d %v", host, port, ok)
	}
	host, port, ok = pickServer([]string{"robot"}, 1735)
	if !ok || host != "robot" || port != 1735 {
		t.Fatalf("%s %d %v", host, port, ok)
	}
	if _, _, ok := pickServer(nil, 1735); ok {
		t.Fatal("empty list picked")
	}
}
