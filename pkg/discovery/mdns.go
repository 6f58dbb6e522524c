package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultMDNSService = "_networktables._tcp"
	mdnsDomain         = "local."
)

// MDNSAnnouncer advertises a running server on the local link.
type MDNSAnnouncer struct {
	server *zeroconf.Server
}

// AnnounceMDNS registers instance (hostname when empty) for service on port.
func AnnounceMDNS(instance, service string, port int, identity string, logger *slog.Logger) (*MDNSAnnouncer, error) {
	if service == "" {
		service = DefaultMDNSService
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("ntcore-%s", host)
	}
	server, err := zeroconf.Register(instance, service, mdnsDomain, port,
		[]string{"identity=" + identity}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if logger != nil {
		logger.Info("mDNS service registered", "service", service, "instance", instance, "port", port)
	}
	return &MDNSAnnouncer{server: server}, nil
}

func (a *MDNSAnnouncer) Shutdown() {
	a.server.Shutdown()
}

// BrowseMDNS points target at the first server found for service and
// keeps following announcements until ctx is done.
func BrowseMDNS(ctx context.Context, service string, target Overrider, logger *slog.Logger) error {
	if service == "" {
		service = DefaultMDNSService
	}
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("init mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			logger.Info("mDNS discovered server", "instance", entry.Instance,
				"ip", entry.AddrIPv4[0], "port", entry.Port)
			target.SetServerOverride(entry.AddrIPv4[0].String(), entry.Port)
		}
	}(entries)

	if err := resolver.Browse(ctx, service, mdnsDomain, entries); err != nil {
		return fmt.Errorf("browse mDNS services: %w", err)
	}
	go func() {
		<-ctx.Done()
		target.ClearServerOverride()
	}()
	return nil
}
