// Package network owns one peer socket: the handshake, the read and
// write goroutines and the coalescing outgoing buffer.
package network

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ntcore/pkg/clock"
	"ntcore/pkg/encoding/wire"
	"ntcore/pkg/message"
	"ntcore/pkg/notifier"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

type State int32

const (
	StateCreated State = iota
	StateInit
	StateHandshake
	StateSynchronized
	StateActive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateSynchronized:
		return "synchronized"
	case StateActive:
		return "active"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	keepAliveInterval = time.Second
	outgoingQueueSize = 128
)

// HandshakeFunc runs on the read goroutine before the connection turns
// Active. getMsg returns nil when the peer hangs up or sends garbage.
type HandshakeFunc func(conn *Connection, getMsg func() message.Message, sendMsgs func([]message.Message)) bool

type ProcessIncomingFunc func(msg message.Message, conn *Connection)

// ConnectionNotifier receives connect/disconnect events.
type ConnectionNotifier interface {
	NotifyConnection(connected bool, info types.ConnectionInfo, only notifier.ConnectionListener)
}

// Observer counts traffic; see pkg/metrics.
type Observer interface {
	MessageSent(kind message.Kind)
	MessageReceived(kind message.Kind)
	BytesSent(n int)
	BytesReceived(n int)
	ConnectionState(from, to State)
}

type nopObserver struct{}

func (nopObserver) MessageSent(message.Kind)     {}
func (nopObserver) MessageReceived(message.Kind) {}
func (nopObserver) BytesSent(int)                {}
func (nopObserver) BytesReceived(int)            {}
func (nopObserver) ConnectionState(State, State) {}

var uidClock = clock.NewAtomic(0xffff)

// nextUID skips 0xffff, reserved for calls made by the local process.
func nextUID() uint16 {
	for {
		if uid := uidClock.Next(); uid != 0xffff {
			return uid
		}
	}
}

type Options struct {
	Notifier     ConnectionNotifier
	Handshake    HandshakeFunc
	GetEntryType message.GetEntryTypeFunc
	ProtoRev     types.ProtoRev
	Observer     Observer
	Logger       *slog.Logger
}

type Connection struct {
	uid      uint16
	conn     net.Conn
	peerIP   string
	peerPort int

	notifier     ConnectionNotifier
	handshake    HandshakeFunc
	getEntryType message.GetEntryTypeFunc
	observer     Observer
	logger       *slog.Logger

	processMu       sync.RWMutex
	processIncoming ProcessIncomingFunc

	protoRev   atomic.Uint32
	active     atomic.Bool
	lastUpdate atomic.Int64

	stateMu sync.Mutex
	state   State

	remoteMu sync.Mutex
	remoteID string

	outgoing chan []message.Message
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   outbox
	lastPost  time.Time
}

func NewConnection(conn net.Conn, opts Options) *Connection {
	if opts.ProtoRev == 0 {
		opts.ProtoRev = types.ProtoRev3
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GetEntryType == nil {
		opts.GetEntryType = func(types.EntryID) value.Type { return value.Unassigned }
	}
	c := &Connection{
		uid:          nextUID(),
		conn:         conn,
		notifier:     opts.Notifier,
		handshake:    opts.Handshake,
		getEntryType: opts.GetEntryType,
		observer:     opts.Observer,
		outgoing:     make(chan []message.Message, outgoingQueueSize),
		done:         make(chan struct{}),
		lastPost:     time.Now(),
	}
	c.protoRev.Store(uint32(opts.ProtoRev))
	c.peerIP, c.peerPort = splitAddr(conn.RemoteAddr())
	c.logger = opts.Logger.With("component", "connection", "uid", c.uid, "peer", c.peerIP)

	// пакеты собираем сами, Nagle не нужен
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

func (c *Connection) UID() uint16 { return c.uid }

func (c *Connection) ProtoRev() types.ProtoRev { return types.ProtoRev(c.protoRev.Load()) }

func (c *Connection) SetProtoRev(rev types.ProtoRev) { c.protoRev.Store(uint32(rev)) }

func (c *Connection) Active() bool { return c.active.Load() }

func (c *Connection) RemoteID() string {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.remoteID
}

func (c *Connection) SetRemoteID(id string) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	c.remoteID = id
}

func (c *Connection) LastUpdate() time.Time {
	return time.Unix(0, c.lastUpdate.Load())
}

func (c *Connection) SetProcessIncoming(fn ProcessIncomingFunc) {
	c.processMu.Lock()
	defer c.processMu.Unlock()
	c.processIncoming = fn
}

func (c *Connection) Info() types.ConnectionInfo {
	var last time.Time
	if n := c.lastUpdate.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return types.ConnectionInfo{
		RemoteID:        c.RemoteID(),
		RemoteIP:        c.peerIP,
		RemotePort:      c.peerPort,
		LastUpdate:      last,
		ProtocolVersion: c.ProtoRev(),
	}
}

func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Alive is false once the connection is Dead.
func (c *Connection) Alive() bool { return c.State() != StateDead }

// SetState moves the state machine. Dead is terminal; entering Active
// or Dead fires a one-shot connection notification.
func (c *Connection) SetState(state State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateDead || c.state == state {
		return
	}
	if c.notifier != nil {
		switch state {
		case StateActive:
			c.notifier.NotifyConnection(true, c.Info(), nil)
		case StateDead:
			if c.state == StateActive {
				c.notifier.NotifyConnection(false, c.Info(), nil)
			}
		}
	}
	c.observer.ConnectionState(c.state, state)
	c.state = state
}

func (c *Connection) MarkSynchronized() { c.SetState(StateSynchronized) }

// NotifyIfActive replays the connected event to one listener.
func (c *Connection) NotifyIfActive(cb notifier.ConnectionListener) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateActive && c.notifier != nil {
		c.notifier.NotifyConnection(true, c.Info(), cb)
	}
}

func (c *Connection) Start() {
	c.stateMu.Lock()
	if c.state == StateDead || c.active.Load() {
		c.stateMu.Unlock()
		return
	}
	c.active.Store(true)
	c.observer.ConnectionState(c.state, StateInit)
	c.state = StateInit
	c.stateMu.Unlock()

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
}

// Stop closes the socket and waits for both goroutines.
func (c *Connection) Stop() {
	c.logger.Debug("connection stopping")
	c.SetState(StateDead)
	c.active.Store(false)
	_ = c.conn.Close()
	c.markDone()
	c.wg.Wait()
	for {
		select {
		case <-c.outgoing:
		default:
			return
		}
	}
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// send never blocks: a peer that lets the queue fill up is cut off and
// goes through the usual reconnect or re-accept path.
func (c *Connection) send(batch []message.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.outgoing <- batch:
	default:
		c.logger.Warn("outgoing queue full, dropping connection", "queued", len(c.outgoing))
		c.SetState(StateDead)
		c.active.Store(false)
		_ = c.conn.Close()
		c.markDone()
	}
}

// QueueOutgoing buffers msg until the next PostOutgoing, merging it
// with earlier unsent messages for the same entry.
func (c *Connection) QueueOutgoing(msg message.Message) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending.queue(msg)
}

// PostOutgoing hands the buffered batch to the writer. With nothing
// buffered and keepAlive set it sends a keep-alive at most once a second.
func (c *Connection) PostOutgoing(keepAlive bool) {
	c.pendingMu.Lock()
	now := time.Now()
	var batch []message.Message
	if c.pending.empty() {
		if !keepAlive || now.Sub(c.lastPost) < keepAliveInterval {
			c.pendingMu.Unlock()
			return
		}
		batch = []message.Message{&message.KeepAlive{}}
	} else {
		batch = c.pending.take()
	}
	c.lastPost = now
	c.pendingMu.Unlock()
	c.send(batch)
}

type countingReader struct {
	r   io.Reader
	obs Observer
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.obs.BytesReceived(n)
	}
	return n, err
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	dec := wire.NewDecoder(countingReader{r: c.conn, obs: c.observer}, c.ProtoRev())

	c.SetState(StateHandshake)
	getMsg := func() message.Message {
		dec.SetProtoRev(c.ProtoRev())
		msg := message.Read(dec, c.getEntryType)
		if msg == nil && dec.Err() != nil {
			c.logger.Debug("error reading in handshake", "error", dec.Err())
		}
		return msg
	}
	sendMsgs := func(msgs []message.Message) { c.send(msgs) }

	if c.handshake == nil || !c.handshake(c, getMsg, sendMsgs) {
		c.SetState(StateDead)
		c.active.Store(false)
		// writer flushes what the handshake queued (e.g. ProtoUnsup), then exits
		c.send(nil)
		return
	}

	c.SetState(StateActive)
	for c.active.Load() {
		dec.SetProtoRev(c.ProtoRev())
		dec.ClearErr()
		msg := message.Read(dec, c.getEntryType)
		if msg == nil {
			if err := dec.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Info("read error", "error", err)
			}
			// на битом сообщении рвём соединение
			_ = c.conn.Close()
			break
		}
		c.observer.MessageReceived(msg.Kind())
		c.logger.Debug("received", "type", msg.Kind())
		c.lastUpdate.Store(time.Now().UnixNano())

		c.processMu.RLock()
		process := c.processIncoming
		c.processMu.RUnlock()
		if process != nil {
			process(msg, c)
		}
	}

	c.logger.Debug("read loop exited")
	c.SetState(StateDead)
	c.active.Store(false)
	c.markDone()
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	enc := wire.NewEncoder(c.ProtoRev())

	defer func() {
		c.logger.Debug("write loop exited")
		c.SetState(StateDead)
		c.active.Store(false)
		_ = c.conn.Close()
	}()

	for {
		var batch []message.Message
		select {
		case batch = <-c.outgoing:
		case <-c.done:
			return
		}
		if len(batch) == 0 {
			if !c.active.Load() {
				return
			}
			continue
		}

		enc.SetProtoRev(c.ProtoRev())
		enc.Reset()
		for _, msg := range batch {
			if msg == nil {
				continue
			}
			mark := enc.Len()
			msg.Write(enc)
			if err := enc.Err(); err != nil {
				c.logger.Warn("dropping message that cannot be encoded", "type", msg.Kind(), "error", err)
				enc.Truncate(mark)
				continue
			}
			if enc.Len() > mark {
				c.observer.MessageSent(msg.Kind())
			}
		}
		if enc.Len() == 0 {
			continue
		}
		if _, err := c.conn.Write(enc.Bytes()); err != nil {
			c.logger.Debug("write failed", "error", fmt.Errorf("send batch: %w", err))
			return
		}
		c.observer.BytesSent(enc.Len())
	}
}
