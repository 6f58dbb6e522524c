package rpc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"ntcore/pkg/message"
	"ntcore/pkg/types"
)

func TestCallbackRunsOnWorker(t *testing.T) {
	s := NewServer(nil)
	s.Start(context.Background())
	defer s.Stop()

	got := make(chan *message.RpcResponse, 1)
	s.ProcessRpc("/sum", &message.ExecuteRpc{ID: 2, UID: 7, Params: []byte{1, 2, 3}},
		func(name string, params []byte, _ types.ConnectionInfo) []byte {
			var sum byte
			for _, p := range params {
				sum += p
			}
			return []byte{sum}
		}, 5, func(m *message.RpcResponse) { got <- m }, types.ConnectionInfo{})

	select {
	case resp := <-got:
		if resp.ID != 2 || resp.UID != 7 || !bytes.Equal(resp.Result, []byte{6}) {
			t.Fatalf("unexpected response %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestPollAndPostResponse(t *testing.T) {
	s := NewServer(nil)
	s.Start(context.Background())
	defer s.Stop()

	if _, ok := s.PollRpc(false, 0); ok {
		t.Fatal("empty poll queue returned a call")
	}

	got := make(chan *message.RpcResponse, 1)
	s.ProcessRpc("/p", &message.ExecuteRpc{ID: 3, UID: 9, Params: []byte{4}}, nil, 2,
		func(m *message.RpcResponse) { got <- m }, types.ConnectionInfo{})

	info, ok := s.PollRpc(true, time.Second)
	if !ok {
		t.Fatal("poll failed")
	}
	if info.CallUID != 2<<16|9 || info.Name != "/p" || info.RpcID != 3 {
		t.Fatalf("unexpected call info %+v", info)
	}
	if !s.PostRpcResponse(info.RpcID, info.CallUID, []byte{8}) {
		t.Fatal("post failed")
	}
	resp := <-got
	if resp.UID != 9 || !bytes.Equal(resp.Result, []byte{8}) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if s.PostRpcResponse(info.RpcID, info.CallUID, []byte{8}) {
		t.Fatal("duplicate response accepted")
	}
}

func TestLocalCallUIDHasNoConnPart(t *testing.T) {
	s := NewServer(nil)
	s.ProcessRpc("/p", &message.ExecuteRpc{ID: 1, UID: 4}, nil, LocalConnID,
		func(*message.RpcResponse) {}, types.ConnectionInfo{})
	info, ok := s.PollRpc(false, 0)
	if !ok || info.CallUID != 4 {
		t.Fatalf("got %+v ok=%v", info, ok)
	}
}

func TestPollTimeoutAndStop(t *testing.T) {
	s := NewServer(nil)
	s.Start(context.Background())

	start := time.Now()
	if _, ok := s.PollRpc(true, 50*time.Millisecond); ok {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("returned before timeout")
	}

	done := make(chan bool, 1)
	go func() {
		_, ok := s.PollRpc(true, 0)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("poll returned a call after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not release poller")
	}
}

func TestPollAsyncCancel(t *testing.T) {
	s := NewServer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := s.PollRpcAsync(ctx); ok {
		t.Fatal("cancelled poll returned a call")
	}
}
