// Package rpc runs remote procedure calls received over the table
// connection and correlates their responses.
package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ntcore/pkg/listener"
	"ntcore/pkg/message"
	"ntcore/pkg/types"
)

// LocalConnID marks calls issued by the server process itself.
const LocalConnID uint16 = 0xffff

// Callback handles one call and returns the encoded result.
type Callback func(name string, params []byte, info types.ConnectionInfo) []byte

// SendResponseFunc delivers an RpcResponse back to the caller.
type SendResponseFunc func(msg *message.RpcResponse)

type call struct {
	name   string
	msg    *message.ExecuteRpc
	fn     Callback
	connID uint16
	send   SendResponseFunc
	info   types.ConnectionInfo
}

type responseKey struct {
	rpcID   types.EntryID
	callUID uint32
}

type Server struct {
	calls *listener.Listener[call]

	mu          sync.Mutex
	pollQueue   []call
	pollWake    chan struct{}
	responses   map[responseKey]SendResponseFunc
	terminating bool

	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pollWake:  make(chan struct{}),
		responses: make(map[responseKey]SendResponseFunc),
		logger:    logger.With("component", "rpc"),
	}
	s.calls = listener.New(s.invoke)
	return s
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	s.terminating = false
	s.mu.Unlock()
	s.calls.Start(ctx)
}

// Stop terminates the worker and releases blocked pollers.
func (s *Server) Stop() {
	s.mu.Lock()
	s.terminating = true
	s.wakeLocked()
	s.mu.Unlock()
	s.calls.Stop()
}

func (s *Server) Active() bool { return s.calls.Running() }

func (s *Server) wakeLocked() {
	close(s.pollWake)
	s.pollWake = make(chan struct{})
}

// ProcessRpc queues a call. With fn set it runs on the worker, otherwise
// it waits in the poll queue for PollRpc.
func (s *Server) ProcessRpc(name string, msg *message.ExecuteRpc, fn Callback, connID uint16,
	send SendResponseFunc, info types.ConnectionInfo) {
	c := call{name: name, msg: msg, fn: fn, connID: connID, send: send, info: info}
	if fn != nil {
		s.calls.Push(c)
		return
	}
	s.mu.Lock()
	s.pollQueue = append(s.pollQueue, c)
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *Server) invoke(c call) error {
	if c.name == "" || c.msg == nil || c.fn == nil || c.send == nil {
		return nil
	}
	s.logger.Debug("rpc calling", "name", c.name)
	result := c.fn(c.name, c.msg.Params, c.info)
	c.send(&message.RpcResponse{ID: c.msg.ID, UID: c.msg.UID, Result: result})
	return nil
}

func pollUID(c call) uint32 {
	if c.connID != LocalConnID {
		return uint32(c.connID)<<16 | uint32(c.msg.UID)
	}
	return uint32(c.msg.UID)
}

// popLocked takes the next polled call and registers its responder.
func (s *Server) popLocked() types.RpcCallInfo {
	c := s.pollQueue[0]
	s.pollQueue = s.pollQueue[1:]
	uid := pollUID(c)
	s.responses[responseKey{rpcID: c.msg.ID, callUID: uid}] = c.send
	return types.RpcCallInfo{RpcID: c.msg.ID, CallUID: uid, Name: c.name, Params: c.msg.Params}
}

// PollRpc waits for a polled call. A non-positive timeout waits until
// the server stops.
func (s *Server) PollRpc(blocking bool, timeout time.Duration) (types.RpcCallInfo, bool) {
	if !blocking {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.pollQueue) == 0 {
			return types.RpcCallInfo{}, false
		}
		return s.popLocked(), true
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.PollRpcAsync(ctx)
}

// PollRpcAsync waits for a polled call until ctx is done.
func (s *Server) PollRpcAsync(ctx context.Context) (types.RpcCallInfo, bool) {
	s.mu.Lock()
	for len(s.pollQueue) == 0 {
		if s.terminating {
			s.mu.Unlock()
			return types.RpcCallInfo{}, false
		}
		wake := s.pollWake
		s.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return types.RpcCallInfo{}, false
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	return s.popLocked(), true
}

// PostRpcResponse answers a previously polled call. Unknown or repeated
// responses are logged and ignored.
func (s *Server) PostRpcResponse(rpcID types.EntryID, callUID uint32, result []byte) bool {
	key := responseKey{rpcID: rpcID, callUID: callUID}
	s.mu.Lock()
	send, ok := s.responses[key]
	delete(s.responses, key)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("posting RPC response to nonexistent call (or duplicate response)",
			"rpc_id", rpcID, "call_uid", callUID)
		return false
	}
	send(&message.RpcResponse{ID: rpcID, UID: uint16(callUID), Result: result})
	return true
}
