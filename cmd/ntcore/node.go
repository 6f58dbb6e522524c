package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"ntcore/internal/http"
	"ntcore/pkg/config"
	"ntcore/pkg/discovery"
	"ntcore/pkg/dispatcher"
	"ntcore/pkg/nt"
	"ntcore/pkg/types"
)

var serverFlags struct {
	listen string
	port   int
}

var clientFlags struct {
	servers []string
	ds      bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the authoritative table server",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Mirror a table server",
	Long: `
	Connects to the first reachable server from --server (host:port,
	repeatable) or the config, and follows discovery overrides.
`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	rootCmd.AddCommand(serverCmd, clientCmd)
	serverCmd.Flags().StringVar(&serverFlags.listen, "listen", "", "listen address (empty for all)")
	serverCmd.Flags().IntVar(&serverFlags.port, "port", types.DefaultPort, "listen port")
	clientCmd.Flags().StringSliceVar(&clientFlags.servers, "server", nil, "server host:port")
	clientCmd.Flags().BoolVar(&clientFlags.ds, "ds", false, "follow the driver station robot address")
}

// loadConfig читает конфиг и накладывает флаги командной строки
func loadConfig(cmd *cobra.Command, role string) (config.Config, *slog.Logger, error) {
	cfg, err := initConfig(globalFlags.config)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Node.Role = role
	if globalFlags.identity != "" {
		cfg.Node.Identity = globalFlags.identity
	}
	if globalFlags.persist != "" {
		cfg.Server.PersistFile = globalFlags.persist
	}
	if globalFlags.httpPort > 0 {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Port = globalFlags.httpPort
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = serverFlags.listen
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = serverFlags.port
	}
	if len(clientFlags.servers) > 0 {
		cfg.Client.Servers = cfg.Client.Servers[:0]
		for _, s := range clientFlags.servers {
			addr, err := parseServer(s)
			if err != nil {
				return cfg, nil, err
			}
			cfg.Client.Servers = append(cfg.Client.Servers, addr)
		}
	}
	if clientFlags.ds {
		cfg.Client.DS.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, initLogger(&cfg), nil
}

func parseServer(s string) (config.ServerAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return config.ServerAddr{Host: s, Port: types.DefaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config.ServerAddr{}, fmt.Errorf("bad server %q: %w", s, err)
	}
	return config.ServerAddr{Host: host, Port: port}, nil
}

func newInstance(cfg *config.Config, rev uint16, logger *slog.Logger) *nt.Instance {
	return nt.New(nt.Options{
		Identity:       cfg.Node.Identity,
		ProtoRev:       types.ProtoRev(rev),
		UpdateRate:     cfg.Dispatcher.UpdateRate,
		ReconnectDelay: cfg.Client.ReconnectDelay,
		ConnectTimeout: cfg.Client.ConnectTimeout,
		DSAddr:         cfg.Client.DS.Addr,
		Logger:         logger,
	})
}

// startHTTP поднимает admin API, если он включён
func startHTTP(cfg *config.Config, inst *nt.Instance) (func(), error) {
	if !cfg.HTTP.Enabled {
		return func() {}, nil
	}
	server := http.NewServer(inst, inst.Metrics().Handler(), strconv.Itoa(cfg.HTTP.Port))
	server.SetReadHeaderTimeout(cfg.HTTP.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return nil, err
	}
	return func() {
		if err := server.Stop(); err != nil {
			slog.Warn("Error stopping HTTP server", "error", err)
		}
	}, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, "server")
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	inst := newInstance(&cfg, cfg.Server.ProtoRev, logger)
	defer inst.Close()
	if err := inst.StartServer(ctx, cfg.Server.PersistFile, cfg.Server.Listen, cfg.Server.Port); err != nil {
		return err
	}
	port := inst.ListenAddr().(*net.TCPAddr).Port

	if zkc := cfg.Discovery.ZooKeeper; len(zkc.Servers) > 0 {
		reg, err := discovery.NewZKRegistry(zkc.Servers, zkc.Root, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		if err := reg.Announce(advertiseHost(cfg.Server.Listen), port); err != nil {
			return err
		}
	}
	if m := cfg.Discovery.MDNS; m.Enabled {
		announcer, err := discovery.AnnounceMDNS(m.Instance, m.Service, port, inst.Identity(), logger)
		if err != nil {
			return err
		}
		defer announcer.Shutdown()
	}

	stopHTTP, err := startHTTP(&cfg, inst)
	if err != nil {
		return err
	}
	defer stopHTTP()

	logger.Info("ntcore server running", "port", port, "identity", inst.Identity())
	<-ctx.Done()
	if cfg.Server.PersistFile != "" {
		if err := inst.SavePersistent(cfg.Server.PersistFile); err != nil {
			logger.Warn("final save failed", "file", cfg.Server.PersistFile, "error", err)
		}
	}
	logger.Info("ntcore stopped")
	return nil
}

func runClient(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, "client")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	inst := newInstance(&cfg, cfg.Client.ProtoRev, logger)
	defer inst.Close()

	servers := make([]dispatcher.ServerAddr, 0, len(cfg.Client.Servers))
	for _, s := range cfg.Client.Servers {
		servers = append(servers, dispatcher.ServerAddr{Host: s.Host, Port: s.Port})
	}
	if err := inst.StartClient(ctx, servers...); err != nil {
		return err
	}

	if cfg.Client.DS.Enabled {
		port := types.DefaultPort
		if len(servers) > 0 {
			port = servers[0].Port
		}
		if err := inst.StartDSClient(ctx, port); err != nil {
			return err
		}
	}
	if zkc := cfg.Discovery.ZooKeeper; len(zkc.Servers) > 0 {
		reg, err := discovery.NewZKRegistry(zkc.Servers, zkc.Root, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		reg.Watch(ctx, inst.Overrider(), types.DefaultPort)
	}
	if m := cfg.Discovery.MDNS; m.Enabled {
		if err := discovery.BrowseMDNS(ctx, m.Service, inst.Overrider(), logger); err != nil {
			return err
		}
	}

	stopHTTP, err := startHTTP(&cfg, inst)
	if err != nil {
		return err
	}
	defer stopHTTP()

	logger.Info("ntcore client running", "servers", len(servers), "identity", inst.Identity())
	<-ctx.Done()
	logger.Info("ntcore stopped")
	return nil
}

// advertiseHost is the name other nodes should dial for a listen address.
func advertiseHost(listen string) string {
	if listen != "" && listen != "0.0.0.0" && listen != "::" {
		return listen
	}
	host, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	return host
}
