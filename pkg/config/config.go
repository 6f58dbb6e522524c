package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации узла
// yaml и validate теги для парсинга и валидации

type Config struct {
	Logger     LoggerConfig     `yaml:"logger" validate:"required"`
	Node       NodeConfig       `yaml:"node" validate:"required"`
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	HTTP       HTTPConfig       `yaml:"http"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// NodeConfig: identity уходит в hello-сообщения; пустая заменяется uuid.
type NodeConfig struct {
	Identity string `yaml:"identity"`
	Role     string `yaml:"role" validate:"oneof=server client"`
}

type ServerConfig struct {
	Listen      string `yaml:"listen"`
	Port        int    `yaml:"port" validate:"min=0,max=65535"`
	PersistFile string `yaml:"persist_file"`
	ProtoRev    uint16 `yaml:"proto_rev" validate:"oneof=0x0200 0x0300"`
}

type ServerAddr struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

type ClientConfig struct {
	Servers        []ServerAddr  `yaml:"servers"`
	ProtoRev       uint16        `yaml:"proto_rev" validate:"oneof=0x0200 0x0300"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DS             DSConfig      `yaml:"ds"`
}

type DSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type DispatcherConfig struct {
	UpdateRate time.Duration `yaml:"update_rate" validate:"min=100ms,max=1s"`
}

type HTTPConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DiscoveryConfig struct {
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	MDNS      MDNSConfig      `yaml:"mdns"`
}

type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service"`
	Instance string `yaml:"instance"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Node: NodeConfig{
			Role: "server",
		},
		Server: ServerConfig{
			Port:        1735,
			PersistFile: "networktables.ini",
			ProtoRev:    0x0300,
		},
		Client: ClientConfig{
			Servers:        []ServerAddr{{Host: "127.0.0.1", Port: 1735}},
			ProtoRev:       0x0300,
			ReconnectDelay: 250 * time.Millisecond,
			ConnectTimeout: time.Second,
		},
		Dispatcher: DispatcherConfig{
			UpdateRate: 100 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Enabled:           false,
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			ZooKeeper: ZooKeeperConfig{Root: "/ntcore"},
			MDNS:      MDNSConfig{Service: "_networktables._tcp"},
		},
	}
}

// Parse накладывает YAML поверх Default и проверяет результат.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the constraints written in the validate tags.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: logger.level %q", c.Logger.Level)
	}
	if c.Node.Role != "server" && c.Node.Role != "client" {
		return fmt.Errorf("config: node.role %q", c.Node.Role)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d", c.Server.Port)
	}
	if !validRev(c.Server.ProtoRev) {
		return fmt.Errorf("config: server.proto_rev %#x", c.Server.ProtoRev)
	}
	if !validRev(c.Client.ProtoRev) {
		return fmt.Errorf("config: client.proto_rev %#x", c.Client.ProtoRev)
	}
	for i, s := range c.Client.Servers {
		if s.Host == "" || s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("config: client.servers[%d] %s:%d", i, s.Host, s.Port)
		}
	}
	if r := c.Dispatcher.UpdateRate; r < 100*time.Millisecond || r > time.Second {
		return fmt.Errorf("config: dispatcher.update_rate %s", r)
	}
	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return fmt.Errorf("config: http.port %d", c.HTTP.Port)
	}
	return nil
}

func validRev(rev uint16) bool {
	return rev == 0x0200 || rev == 0x0300
}

func (l LoggerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
