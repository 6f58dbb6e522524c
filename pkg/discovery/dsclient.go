package discovery

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	DefaultDSPort  = 1742
	dsRetryDelay   = 2 * time.Second
	robotIPKey     = `"robotIP"`
	maxFragmentLen = 4096
)

// DSClient follows the driver station's robot address feed on a local
// port and points the client dispatcher at the robot.
type DSClient struct {
	target Overrider
	addr   string
	port   atomic.Int64
	retry  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDSClient watches dsAddr (empty means 127.0.0.1:1742).
func NewDSClient(target Overrider, dsAddr string, logger *slog.Logger) *DSClient {
	if dsAddr == "" {
		dsAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultDSPort))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DSClient{
		target: target,
		addr:   dsAddr,
		retry:  dsRetryDelay,
		logger: logger.With("component", "dsclient"),
	}
}

// Start begins watching; overrides point at serverPort on the robot.
// Calling Start again only updates the port.
func (c *DSClient) Start(ctx context.Context, serverPort int) {
	c.port.Store(int64(serverPort))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *DSClient) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

var errDSClosed = errors.New("driver station closed the connection")

// run keeps one session with the driver station alive; backoff spaces
// out both failed dials and reconnects after a session ends.
func (c *DSClient) run(ctx context.Context) {
	defer c.target.ClearServerOverride()
	b := backoff.WithContext(backoff.NewConstantBackOff(c.retry), ctx)
	_ = backoff.RetryNotify(func() error {
		d := net.Dialer{Timeout: c.retry}
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return err
		}
		c.logger.Debug("connected to DS", "addr", c.addr)
		c.serve(ctx, conn)
		c.target.ClearServerOverride()
		return errDSClosed
	}, b, func(err error, next time.Duration) {
		c.logger.Debug("DS retry", "addr", c.addr, "in", next, "error", err)
	})
}

func (c *DSClient) serve(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	var oldIP uint32
	for {
		fragment, err := readFragment(r)
		if err != nil {
			return
		}
		c.logger.Debug("ds fragment", "json", fragment)
		ip, ok := parseRobotIP(fragment)
		if !ok {
			continue
		}
		if ip == 0 {
			c.target.ClearServerOverride()
			oldIP = 0
			continue
		}
		if ip == oldIP {
			continue
		}
		oldIP = ip
		host := ipString(ip)
		port := int(c.port.Load())
		c.logger.Info("client: DS overriding server IP", "ip", host, "port", port)
		c.target.SetServerOverride(host, port)
	}
}

// readFragment returns the next {...} chunk from the stream.
func readFragment(r *bufio.Reader) (string, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '{' {
			break
		}
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for sb.Len() < maxFragmentLen {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		sb.WriteByte(b)
		if b == '}' {
			break
		}
	}
	return sb.String(), nil
}

// parseRobotIP extracts the number following "robotIP": in fragment.
func parseRobotIP(fragment string) (uint32, bool) {
	pos := strings.Index(fragment, robotIPKey)
	if pos < 0 {
		return 0, false
	}
	rest := fragment[pos+len(robotIPKey):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return 0, false
	}
	rest = strings.TrimLeft(rest[colon+1:], " ")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	ip, err := strconv.ParseUint(rest[:end], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(ip), true
}

// ipString renders ip with the most significant byte first.
func ipString(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}
