// Package discovery finds the server for a client dispatcher through
// side channels: the driver station feed, ZooKeeper and mDNS.
package discovery

import (
	"net"
	"sort"
	"strconv"
)

// Overrider is the part of a client dispatcher that discovery drives.
type Overrider interface {
	SetServerOverride(host string, port int)
	ClearServerOverride()
}

// splitHostPort parses "host:port"; without a port defaultPort is used.
func splitHostPort(addr string, defaultPort int) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if addr == "" {
			return "", 0, false
		}
		return addr, defaultPort, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}

// pickServer chooses deterministically among announced servers so that
// every client settles on the same one.
func pickServer(addrs []string, defaultPort int) (string, int, bool) {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	for _, a := range sorted {
		if host, port, ok := splitHostPort(a, defaultPort); ok {
			return host, port, true
		}
	}
	return "", 0, false
}
