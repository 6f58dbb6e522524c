// Package nt bundles one table node: storage, dispatcher, notifier and
// RPC worker share a lifetime inside an Instance.
package nt

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"ntcore/pkg/discovery"
	"ntcore/pkg/dispatcher"
	"ntcore/pkg/metrics"
	"ntcore/pkg/network"
	"ntcore/pkg/notifier"
	"ntcore/pkg/nterrors"
	"ntcore/pkg/rpc"
	"ntcore/pkg/storage"
	"ntcore/pkg/types"
)

type Options struct {
	// Identity is sent in hellos; empty means a random uuid.
	Identity       string
	ProtoRev       types.ProtoRev
	UpdateRate     time.Duration
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	// DSAddr overrides the driver station feed address (tests).
	DSAddr string
	Logger *slog.Logger
}

type Instance struct {
	logger *slog.Logger

	notifier   *notifier.Notifier
	rpc        *rpc.Server
	storage    *storage.Storage
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Collector
	ds         *discovery.DSClient

	mu       sync.Mutex
	acceptor *network.TCPAcceptor

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds the components and starts the notifier and RPC workers.
// Networking starts with StartServer or StartClient.
func New(opts Options) *Instance {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Identity == "" {
		opts.Identity = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Instance{
		logger:   opts.Logger,
		notifier: notifier.New(opts.Logger),
		rpc:      rpc.NewServer(opts.Logger),
		cancel:   cancel,
	}
	i.notifier.Start(ctx)
	i.rpc.Start(ctx)
	i.storage = storage.New(i.notifier, i.rpc, opts.Logger)
	i.metrics = metrics.New(func() int { return len(i.storage.GetEntryInfo("", 0)) }, i.notifier.QueueLen)
	i.dispatcher = dispatcher.New(i.storage, i.notifier, dispatcher.Options{
		Identity:       opts.Identity,
		ProtoRev:       opts.ProtoRev,
		UpdateRate:     opts.UpdateRate,
		ReconnectDelay: opts.ReconnectDelay,
		ConnectTimeout: opts.ConnectTimeout,
		Observer:       i.metrics,
		OnSave:         i.metrics.SaveResult,
		Logger:         opts.Logger,
	})
	i.ds = discovery.NewDSClient(i.dispatcher, opts.DSAddr, opts.Logger)
	return i
}

// Close stops networking and the workers. The instance is unusable
// afterwards.
func (i *Instance) Close() {
	i.closeOnce.Do(func() {
		i.Stop()
		i.storage.Close()
		i.rpc.Stop()
		i.notifier.Stop()
		i.cancel()
	})
}

// StartServer listens on listenAddr:port (port 0 picks a free one) and
// loads persistFile when it is set.
func (i *Instance) StartServer(ctx context.Context, persistFile, listenAddr string, port int) error {
	acc := network.NewTCPAcceptor(listenAddr, port)
	if err := i.dispatcher.StartServer(ctx, persistFile, acc); err != nil {
		return err
	}
	i.mu.Lock()
	i.acceptor = acc
	i.mu.Unlock()
	return nil
}

// ListenAddr is the bound server address, nil for a client.
func (i *Instance) ListenAddr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.acceptor == nil {
		return nil
	}
	return i.acceptor.Addr()
}

func (i *Instance) StartClient(ctx context.Context, servers ...dispatcher.ServerAddr) error {
	if len(servers) > 0 {
		i.dispatcher.SetServers(servers)
	}
	return i.dispatcher.StartClient(ctx)
}

// Stop shuts networking down; a new Start may follow.
func (i *Instance) Stop() {
	i.ds.Stop()
	i.dispatcher.Stop()
	i.mu.Lock()
	i.acceptor = nil
	i.mu.Unlock()
}

// StartDSClient follows the driver station robot address; the override
// points at port on the robot.
func (i *Instance) StartDSClient(ctx context.Context, port int) error {
	if i.dispatcher.IsServer() && i.dispatcher.Active() {
		return nterrors.ErrNotClient
	}
	i.ds.Start(ctx, port)
	return nil
}

func (i *Instance) StopDSClient() { i.ds.Stop() }

func (i *Instance) SetServers(servers []dispatcher.ServerAddr) { i.dispatcher.SetServers(servers) }

func (i *Instance) SetServerOverride(host string, port int) {
	i.dispatcher.SetServerOverride(host, port)
}

func (i *Instance) ClearServerOverride() { i.dispatcher.ClearServerOverride() }

func (i *Instance) SetUpdateRate(rate time.Duration) { i.dispatcher.SetUpdateRate(rate) }

func (i *Instance) SetIdentity(id string) { i.dispatcher.SetIdentity(id) }

func (i *Instance) Identity() string { return i.dispatcher.Identity() }

func (i *Instance) Active() bool { return i.dispatcher.Active() }

func (i *Instance) IsServer() bool { return i.dispatcher.IsServer() }

// Flush pushes pending updates out now, rate limited to once per 10ms.
func (i *Instance) Flush() { i.dispatcher.Flush() }

func (i *Instance) Connections() []types.ConnectionInfo { return i.dispatcher.GetConnections() }

func (i *Instance) Metrics() *metrics.Collector { return i.metrics }

// Overrider exposes the client override for external discovery.
func (i *Instance) Overrider() discovery.Overrider { return i.dispatcher }
