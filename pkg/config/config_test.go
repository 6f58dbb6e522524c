package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
logger:
  level: debug
  json: true
node:
  identity: robot
  role: client
client:
  servers:
    - host: 10.0.0.2
      port: 1735
    - host: roborio.local
      port: 1735
  proto_rev: 0x0200
  ds:
    enabled: true
dispatcher:
  update_rate: 200ms
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.Identity != "robot" || cfg.Node.Role != "client" {
		t.Fatalf("node %+v", cfg.Node)
	}
	if len(cfg.Client.Servers) != 2 || cfg.Client.Servers[1].Host != "roborio.local" {
		t.Fatalf("servers %+v", cfg.Client.Servers)
	}
	if cfg.Client.ProtoRev != 0x0200 || !cfg.Client.DS.Enabled {
		t.Fatalf("client %+v", cfg.Client)
	}
	if cfg.Dispatcher.UpdateRate != 200*time.Millisecond {
		t.Fatalf("update rate %v", cfg.Dispatcher.UpdateRate)
	}
	// не указанное берётся из Default
	if cfg.Server.Port != 1735 || cfg.Client.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if cfg.Logger.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level %v", cfg.Logger.SlogLevel())
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		"logger:\n  level: verbose\n",
		"node:\n  role: peer\n",
		"server:\n  proto_rev: 0x0100\n",
		"dispatcher:\n  update_rate: 5ms\n",
		"client:\n  servers:\n    - host: ''\n      port: 1735\n",
		"logger: [",
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c)); err == nil {
			t.Errorf("accepted %q", c)
		}
	}
}
