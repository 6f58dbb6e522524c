// Package dispatcher owns the peer connections of one node. A server
// accepts any number of clients; a client keeps exactly one outbound
// connection and reconnects when it dies.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"ntcore/pkg/message"
	"ntcore/pkg/network"
	"ntcore/pkg/notifier"
	"ntcore/pkg/nterrors"
	"ntcore/pkg/storage"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

const (
	MinUpdateRate     = 100 * time.Millisecond
	MaxUpdateRate     = time.Second
	DefaultUpdateRate = 100 * time.Millisecond

	DefaultReconnectDelay = 250 * time.Millisecond
	DefaultConnectTimeout = time.Second

	saveInterval     = time.Second
	minFlushInterval = 10 * time.Millisecond
)

// Table is the replicated store the dispatcher feeds; *storage.Storage
// implements it.
type Table interface {
	SetOutgoing(queue storage.QueueFunc, server bool)
	ClearOutgoing()
	GetEntryType(id types.EntryID) value.Type
	ProcessIncoming(msg message.Message, conn storage.Conn)
	GetInitialAssignments(conn storage.Conn) []message.Message
	ApplyInitialAssignments(conn storage.Conn, msgs []message.Message, newServer bool) []message.Message
	LoadPersistent(filename string, warn storage.WarnFunc) error
	SavePersistent(filename string, periodic bool) error
}

type Options struct {
	Identity string
	// ProtoRev is the highest revision a server accepts, or the revision
	// a client asks for first.
	ProtoRev       types.ProtoRev
	UpdateRate     time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Observer       network.Observer
	// OnSave reports every periodic save attempt.
	OnSave func(err error)
	Logger *slog.Logger
}

// ServerAddr is one candidate server for a client.
type ServerAddr struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type Dispatcher struct {
	table    Table
	notifier network.ConnectionNotifier
	opts     Options
	logger   *slog.Logger

	running    atomic.Bool
	active     atomic.Bool
	server     bool
	updateRate atomic.Int64

	persistFile string
	acceptor    network.Acceptor

	// mu guards everything below; cond signals reconnect requests.
	mu           sync.Mutex
	cond         *sync.Cond
	conns        []*network.Connection
	identity     string
	connectors   []network.Connector
	override     network.Connector
	reconnectRev types.ProtoRev
	doReconnect  bool

	flushMu   sync.Mutex
	lastFlush time.Time
	flushWake chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(table Table, n network.ConnectionNotifier, opts Options) *Dispatcher {
	if opts.ProtoRev == 0 {
		opts.ProtoRev = types.ProtoRev3
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.UpdateRate == 0 {
		opts.UpdateRate = DefaultUpdateRate
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		table:        table,
		notifier:     n,
		opts:         opts,
		logger:       opts.Logger.With("component", "dispatcher"),
		identity:     opts.Identity,
		reconnectRev: opts.ProtoRev,
		doReconnect:  true,
		flushWake:    make(chan struct{}, 1),
		cancel:       func() {},
	}
	d.cond = sync.NewCond(&d.mu)
	d.SetUpdateRate(opts.UpdateRate)
	return d
}

func (d *Dispatcher) Active() bool { return d.active.Load() }

func (d *Dispatcher) IsServer() bool { return d.server }

func (d *Dispatcher) UpdateRate() time.Duration { return time.Duration(d.updateRate.Load()) }

// SetUpdateRate clamps rate to [MinUpdateRate, MaxUpdateRate].
func (d *Dispatcher) SetUpdateRate(rate time.Duration) {
	rate = max(MinUpdateRate, min(rate, MaxUpdateRate))
	d.updateRate.Store(int64(rate))
}

func (d *Dispatcher) Identity() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

func (d *Dispatcher) SetIdentity(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = id
}

// StartServer loads persistFile (if any), binds acceptor and starts the
// accept and dispatch loops. A bind failure is returned and leaves the
// dispatcher inactive.
func (d *Dispatcher) StartServer(ctx context.Context, persistFile string, acceptor network.Acceptor) error {
	if d.running.Swap(true) {
		return nterrors.ErrAlreadyRunning
	}
	d.server = true
	d.persistFile = persistFile
	d.acceptor = acceptor

	if persistFile != "" {
		first := true
		err := d.table.LoadPersistent(persistFile, func(line int, msg string) {
			if first {
				first = false
				d.logger.Warn("when reading initial persistent values", "file", persistFile)
			}
			d.logger.Warn("persistent file", "file", persistFile, "line", line, "msg", msg)
		})
		if err != nil && !errors.Is(err, storage.ErrOpenFile) {
			d.logger.Warn("could not load persistent file", "file", persistFile, "error", err)
		}
	}

	if err := acceptor.Start(); err != nil {
		d.running.Store(false)
		return fmt.Errorf("start server: %w", err)
	}

	d.table.SetOutgoing(d.queueOutgoing, true)
	d.start(ctx, d.serverLoop)
	d.logger.Info("server started", "addr", acceptor.Addr(), "persist", persistFile)
	return nil
}

// StartClient starts the reconnect and dispatch loops. Servers are set
// with SetServers or SetServerOverride.
func (d *Dispatcher) StartClient(ctx context.Context) error {
	if d.running.Swap(true) {
		return nterrors.ErrAlreadyRunning
	}
	d.server = false
	d.table.SetOutgoing(d.queueOutgoing, false)
	d.start(ctx, d.clientLoop)
	d.logger.Info("client started")
	return nil
}

func (d *Dispatcher) start(ctx context.Context, roleLoop func(ctx context.Context)) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.active.Store(true)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.dispatchLoop(ctx)
	}()
	go func() {
		defer d.wg.Done()
		roleLoop(ctx)
	}()
}

// Stop is idempotent: it closes every connection, then wakes and joins
// both loops.
func (d *Dispatcher) Stop() {
	if !d.running.Swap(false) {
		return
	}
	d.active.Store(false)
	d.wakeFlush()

	d.mu.Lock()
	d.connectors = nil
	d.override = nil
	d.doReconnect = true
	d.cond.Broadcast()
	d.mu.Unlock()

	if d.acceptor != nil {
		d.acceptor.Shutdown()
	}
	d.cancel()

	d.mu.Lock()
	conns := append([]*network.Connection(nil), d.conns...)
	d.mu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
	d.wg.Wait()

	// соединения, принятые после первого прохода
	d.mu.Lock()
	conns = d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range conns {
		c.Stop()
	}
	d.table.ClearOutgoing()
	d.logger.Info("dispatcher stopped")
}

// Flush wakes the dispatch loop early, at most once per 10ms.
func (d *Dispatcher) Flush() {
	now := time.Now()
	d.flushMu.Lock()
	if now.Sub(d.lastFlush) < minFlushInterval {
		d.flushMu.Unlock()
		return
	}
	d.lastFlush = now
	d.flushMu.Unlock()
	d.wakeFlush()
}

func (d *Dispatcher) wakeFlush() {
	select {
	case d.flushWake <- struct{}{}:
	default:
	}
}

// SetServers replaces the client's candidate list; the reconnect loop
// walks it round-robin.
func (d *Dispatcher) SetServers(servers []ServerAddr) {
	connectors := make([]network.Connector, 0, len(servers))
	for _, s := range servers {
		connectors = append(connectors, network.TCPConnector(s.Host, s.Port, d.opts.ConnectTimeout))
	}
	d.SetConnectors(connectors...)
}

func (d *Dispatcher) SetServer(host string, port int) {
	d.SetServers([]ServerAddr{{Host: host, Port: port}})
}

func (d *Dispatcher) SetConnectors(connectors ...network.Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectors = connectors
}

// SetServerOverride makes the client connect to host:port instead of
// the candidate list until ClearServerOverride.
func (d *Dispatcher) SetServerOverride(host string, port int) {
	d.SetConnectorOverride(network.TCPConnector(host, port, d.opts.ConnectTimeout))
}

func (d *Dispatcher) SetConnectorOverride(connector network.Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = connector
}

func (d *Dispatcher) ClearServerOverride() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = nil
}

// GetConnections lists Active connections.
func (d *Dispatcher) GetConnections() []types.ConnectionInfo {
	if !d.active.Load() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var infos []types.ConnectionInfo
	for _, c := range d.conns {
		if c.State() == network.StateActive {
			infos = append(infos, c.Info())
		}
	}
	return infos
}

// NotifyConnections replays a connected event for every Active
// connection to cb.
func (d *Dispatcher) NotifyConnections(cb notifier.ConnectionListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.NotifyIfActive(cb)
	}
}

func (d *Dispatcher) newConnection(nc net.Conn, hs network.HandshakeFunc, rev types.ProtoRev) *network.Connection {
	conn := network.NewConnection(nc, network.Options{
		Notifier:     d.notifier,
		Handshake:    hs,
		GetEntryType: d.table.GetEntryType,
		ProtoRev:     rev,
		Observer:     d.opts.Observer,
		Logger:       d.opts.Logger,
	})
	conn.SetProcessIncoming(func(msg message.Message, c *network.Connection) {
		d.table.ProcessIncoming(msg, c)
	})
	return conn
}

// queueOutgoing hands msg to every Synchronized or Active connection,
// restricted to only and skipping except.
func (d *Dispatcher) queueOutgoing(msg message.Message, only, except storage.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if except != nil && c == except {
			continue
		}
		if only != nil && c != only {
			continue
		}
		switch c.State() {
		case network.StateSynchronized, network.StateActive:
			c.QueueOutgoing(msg)
		}
	}
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	timeout := time.Now()
	nextSave := timeout.Add(saveInterval)
	count := 0

	for d.active.Load() {
		start := time.Now()
		if start.After(timeout) {
			timeout = start
		}
		timeout = timeout.Add(d.UpdateRate())
		timer := time.NewTimer(timeout.Sub(start))
		select {
		case <-timer.C:
		case <-d.flushWake:
		case <-ctx.Done():
		}
		timer.Stop()
		if !d.active.Load() || ctx.Err() != nil {
			return
		}

		if d.server && d.persistFile != "" && start.After(nextSave) {
			nextSave = nextSave.Add(saveInterval)
			if start.After(nextSave) {
				nextSave = start.Add(saveInterval)
			}
			err := d.table.SavePersistent(d.persistFile, true)
			if err != nil {
				d.logger.Warn("periodic persistent save", "file", d.persistFile, "error", err)
			}
			if d.opts.OnSave != nil {
				d.opts.OnSave(err)
			}
		}

		d.mu.Lock()
		conns := append([]*network.Connection(nil), d.conns...)
		d.mu.Unlock()
		if count++; count > 10 {
			d.logger.Debug("dispatch running", "connections", len(conns))
			count = 0
		}

		// отправка идёт без d.mu
		reconnect := false
		for _, c := range conns {
			// keep-alive шлёт только клиент
			if c.State() == network.StateActive {
				c.PostOutgoing(!d.server)
			}
			if !d.server && c.State() == network.StateDead {
				reconnect = true
			}
		}
		if reconnect {
			d.mu.Lock()
			if !d.doReconnect {
				d.doReconnect = true
				d.cond.Broadcast()
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) serverLoop(ctx context.Context) {
	for d.active.Load() {
		nc, err := d.acceptor.Accept()
		if err != nil {
			if !errors.Is(err, network.ErrAcceptorClosed) && d.active.Load() {
				d.logger.Error("accept failed, server going inactive", "error", err)
			}
			d.active.Store(false)
			return
		}
		if !d.active.Load() || ctx.Err() != nil {
			_ = nc.Close()
			return
		}
		d.logger.Debug("server: client connection", "remote", nc.RemoteAddr())

		conn := d.newConnection(nc, d.serverHandshake, d.opts.ProtoRev)
		var replaced *network.Connection
		d.mu.Lock()
		placed := false
		for i, c := range d.conns {
			if c.State() == network.StateDead {
				replaced = c
				d.conns[i] = conn
				placed = true
				break
			}
		}
		if !placed {
			d.conns = append(d.conns, conn)
		}
		conn.Start()
		d.mu.Unlock()

		if replaced != nil {
			replaced.Stop()
		}
	}
}

var (
	errNoServers   = errors.New("no server configured")
	errSessionOver = errors.New("connection to server ended")
)

// clientLoop leaves the reconnect cadence to backoff: every attempt and
// every finished session waits ReconnectDelay before the next one.
func (d *Dispatcher) clientLoop(ctx context.Context) {
	b := backoff.WithContext(backoff.NewConstantBackOff(d.opts.ReconnectDelay), ctx)
	next := 0
	_ = backoff.RetryNotify(func() error {
		return d.clientSession(ctx, &next)
	}, b, func(err error, wait time.Duration) {
		d.logger.Debug("client reconnect", "in", wait, "reason", err)
	})
}

// clientSession connects to the override or the next candidate and
// blocks until a reconnect is requested.
func (d *Dispatcher) clientSession(ctx context.Context, next *int) error {
	if !d.active.Load() {
		return backoff.Permanent(nterrors.ErrNotRunning)
	}
	d.mu.Lock()
	connect := d.override
	if connect == nil {
		if len(d.connectors) == 0 {
			d.mu.Unlock()
			return errNoServers
		}
		if *next >= len(d.connectors) {
			*next = 0
		}
		connect = d.connectors[*next]
		*next++
	}
	d.mu.Unlock()

	d.logger.Debug("client trying to connect")
	nc, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	d.logger.Debug("client connected", "remote", nc.RemoteAddr())

	d.mu.Lock()
	old := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range old {
		c.Stop()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active.Load() {
		_ = nc.Close()
		return backoff.Permanent(nterrors.ErrNotRunning)
	}
	conn := d.newConnection(nc, d.clientHandshake, d.reconnectRev)
	d.conns = append(d.conns, conn)
	// следующая попытка снова с основной ревизией
	d.reconnectRev = d.opts.ProtoRev
	d.doReconnect = false
	conn.Start()
	for d.active.Load() && !d.doReconnect {
		d.cond.Wait()
	}
	if !d.active.Load() {
		return backoff.Permanent(nterrors.ErrNotRunning)
	}
	return errSessionOver
}

// clientReconnect asks the reconnect loop to start over at rev.
func (d *Dispatcher) clientReconnect(rev types.ProtoRev) {
	if d.server {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectRev = rev
	d.doReconnect = true
	d.cond.Broadcast()
}
