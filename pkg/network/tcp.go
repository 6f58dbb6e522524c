package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

var ErrAcceptorClosed = errors.New("ntcore: acceptor shut down")

// Connector opens one outbound stream.
type Connector func(ctx context.Context) (net.Conn, error)

// TCPConnector dials host:port, giving up after timeout (0 = no limit).
func TCPConnector(host string, port int, timeout time.Duration) Connector {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// Acceptor yields inbound streams.
type Acceptor interface {
	Start() error
	Accept() (net.Conn, error)
	Shutdown()
	Addr() net.Addr
}

type TCPAcceptor struct {
	address string
	port    int

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
}

// NewTCPAcceptor listens on address:port; an empty address means all interfaces.
func NewTCPAcceptor(address string, port int) *TCPAcceptor {
	return &TCPAcceptor{address: address, port: port}
}

func (a *TCPAcceptor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return nil
	}
	if a.shutdown {
		return ErrAcceptorClosed
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(a.address, strconv.Itoa(a.port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", a.address, a.port, err)
	}
	a.ln = ln
	return nil
}

func (a *TCPAcceptor) Accept() (net.Conn, error) {
	a.mu.Lock()
	ln, down := a.ln, a.shutdown
	a.mu.Unlock()
	if down || ln == nil {
		return nil, ErrAcceptorClosed
	}
	conn, err := ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrAcceptorClosed
		}
		return nil, err
	}
	return conn, nil
}

func (a *TCPAcceptor) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

// Addr is the bound address, useful when port 0 was requested.
func (a *TCPAcceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}
