package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkConnectWait    = 10 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// ZKRegistry announces servers as ephemeral znodes under <root>/servers
// and lets clients follow that list.
type ZKRegistry struct {
	conn     *zk.Conn
	rootPath string
	logger   *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKRegistry(servers []string, rootPath string, logger *slog.Logger) (*ZKRegistry, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZKRegistry{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		logger:   logger.With("component", "zk"),
	}, nil
}

func (r *ZKRegistry) Close() error {
	r.conn.Close()
	return nil
}

func (r *ZKRegistry) serversPath() string {
	return r.rootPath + "/servers"
}

func (r *ZKRegistry) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Announce создаёт ephemeral-узел host:port для текущего сервера
func (r *ZKRegistry) Announce(host string, port int) error {
	if err := r.waitConnected(zkConnectWait); err != nil {
		return err
	}
	if err := r.ensurePath(r.serversPath()); err != nil {
		return fmt.Errorf("ensure servers path: %w", err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	nodePath := r.serversPath() + "/" + addr
	_, err := r.conn.Create(nodePath, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	r.logger.Info("registered server", "path", nodePath)
	return nil
}

// Servers returns the currently announced addresses.
func (r *ZKRegistry) Servers() ([]string, error) {
	children, _, err := r.conn.Children(r.serversPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return children, nil
}

// Watch keeps target's override pointed at an announced server until
// ctx is done. defaultPort applies to entries without a port.
func (r *ZKRegistry) Watch(ctx context.Context, target Overrider, defaultPort int) {
	go func() {
		defer target.ClearServerOverride()
		for {
			children, _, ch, err := r.conn.ChildrenW(r.serversPath())
			if err != nil {
				r.logger.Warn("ChildrenW error", "err", err)
				select {
				case <-time.After(zkRetryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			if host, port, ok := pickServer(children, defaultPort); ok {
				target.SetServerOverride(host, port)
			} else {
				target.ClearServerOverride()
			}

			select {
			case ev := <-ch:
				r.logger.Debug("event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				r.logger.Debug("watch stopped")
				return
			}
		}
	}()
}

func (r *ZKRegistry) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := r.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
