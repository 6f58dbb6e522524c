package storage

import (
	"context"
	"time"

	"ntcore/pkg/message"
	"ntcore/pkg/rpc"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// CreateRpc publishes name as a procedure served by callback. Only a
// server can host procedures.
func (s *Storage) CreateRpc(name string, def []byte, callback rpc.Callback) {
	if name == "" || def == nil || callback == nil {
		return
	}
	s.createRpc(name, def, callback)
}

// CreatePolledRpc publishes name as a procedure whose calls wait for
// PollRpc on the rpc server.
func (s *Storage) CreatePolledRpc(name string, def []byte) {
	if name == "" || def == nil {
		return
	}
	s.createRpc(name, def, nil)
}

func (s *Storage) createRpc(name string, def []byte, callback rpc.Callback) {
	s.mu.Lock()
	if !s.server {
		s.mu.Unlock()
		return
	}
	e, existed := s.entries.Load(name)
	if !existed {
		e = newEntry(name)
		s.entries.Store(name, e)
	}
	old := e.value
	v := value.RpcDef(def)
	e.value = v
	e.rpcCallback = callback
	s.allocIDLocked(e)

	if old.Equal(v) {
		s.mu.Unlock()
		return
	}
	if !existed || old.Type() != v.Type() {
		s.unlockAndSend(e.assign())
		return
	}
	e.seq = e.seq.Next()
	s.unlockAndSend(&message.EntryUpdate{ID: e.id, Seq: e.seq, Value: v})
}

// CallRpc starts a call and returns its uid, (entry id << 16) | call
// counter, or 0 when name is not a procedure.
func (s *Storage) CallRpc(name string, params []byte) uint32 {
	s.mu.Lock()
	e, ok := s.entries.Load(name)
	if !ok || !e.value.IsRpc() {
		s.mu.Unlock()
		return 0
	}
	e.rpcCallUID++
	if e.rpcCallUID == 0xffff {
		e.rpcCallUID = 0
	}
	id, uid := e.id, e.rpcCallUID
	combined := uint32(id)<<16 | uint32(uid)
	msg := &message.ExecuteRpc{ID: id, UID: uid, Params: params}

	if s.server {
		callback := e.rpcCallback
		s.mu.Unlock()
		if s.rpcServer == nil {
			return combined
		}
		info := types.ConnectionInfo{
			RemoteID:        "Server",
			RemoteIP:        "localhost",
			LastUpdate:      time.Now(),
			ProtocolVersion: types.ProtoRev3,
		}
		s.rpcServer.ProcessRpc(name, msg, callback, rpc.LocalConnID, func(resp *message.RpcResponse) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.rpcResults[rpcKey{id: resp.ID, uid: resp.UID}] = resp.Result
			s.wakeLocked()
		}, info)
		return combined
	}

	s.unlockAndSend(msg)
	return combined
}

// GetRpcResult fetches the result of a call started with CallRpc.
// When blocking it waits up to timeout; a non-positive timeout waits
// until the result arrives or the table is closed.
func (s *Storage) GetRpcResult(blocking bool, callUID uint32, timeout time.Duration) ([]byte, bool) {
	if !blocking {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.takeResultLocked(keyOf(callUID))
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.GetRpcResultAsync(ctx, callUID)
}

// GetRpcResultAsync waits for a call result until ctx is done. Only one
// caller may wait for a given call; a second waiter gets no result.
func (s *Storage) GetRpcResultAsync(ctx context.Context, callUID uint32) ([]byte, bool) {
	key := keyOf(callUID)
	s.mu.Lock()
	if _, dup := s.rpcBlockingCalls[key]; dup {
		s.mu.Unlock()
		return nil, false
	}
	s.rpcBlockingCalls[key] = struct{}{}
	defer func() {
		s.mu.Lock()
		delete(s.rpcBlockingCalls, key)
		s.mu.Unlock()
	}()

	for {
		if result, ok := s.takeResultLocked(key); ok {
			s.mu.Unlock()
			return result, true
		}
		if s.terminating {
			s.mu.Unlock()
			return nil, false
		}
		wake := s.rpcWake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false
		}
		s.mu.Lock()
	}
}

func keyOf(callUID uint32) rpcKey {
	return rpcKey{id: types.EntryID(callUID >> 16), uid: uint16(callUID)}
}

func (s *Storage) takeResultLocked(key rpcKey) ([]byte, bool) {
	result, ok := s.rpcResults[key]
	if ok {
		delete(s.rpcResults, key)
	}
	return result, ok
}
