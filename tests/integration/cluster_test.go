//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	nthttp "ntcore/internal/http"
	"ntcore/pkg/dispatcher"
	"ntcore/pkg/nt"
	"ntcore/pkg/types"
)

const (
	serverHTTPPort = 18735
	clientCount    = 3
)

// TestNode представляет одну тестовую ноду
type TestNode struct {
	Name     string
	Instance *nt.Instance
}

// TestCluster - сервер и несколько клиентов
type TestCluster struct {
	Server      *TestNode
	Clients     []*TestNode
	PersistFile string
	Port        int
}

func newCluster(t *testing.T) *TestCluster {
	t.Helper()
	c := &TestCluster{PersistFile: filepath.Join(t.TempDir(), "networktables.ini")}
	c.startServer(t, 0)
	for i := 0; i < clientCount; i++ {
		name := fmt.Sprintf("client-%d", i)
		inst := nt.New(nt.Options{Identity: name, ReconnectDelay: 50 * time.Millisecond})
		if err := inst.StartClient(context.Background(), dispatcher.ServerAddr{Host: "127.0.0.1", Port: c.Port}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
		c.Clients = append(c.Clients, &TestNode{Name: name, Instance: inst})
	}
	t.Cleanup(func() {
		for _, n := range c.Clients {
			n.Instance.Close()
		}
		if c.Server != nil {
			c.Server.Instance.Close()
		}
	})
	waitFor(t, "all clients connected", func() bool {
		return len(c.Server.Instance.Connections()) == clientCount
	})
	return c
}

func (c *TestCluster) startServer(t *testing.T, port int) {
	t.Helper()
	inst := nt.New(nt.Options{Identity: "server"})
	if err := inst.StartServer(context.Background(), c.PersistFile, "127.0.0.1", port); err != nil {
		inst.Close()
		t.Fatalf("start server: %v", err)
	}
	c.Port = inst.ListenAddr().(*net.TCPAddr).Port
	c.Server = &TestNode{Name: "server", Instance: inst}
	t.Logf(" Started server on port %d", c.Port)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFanOutConvergence(t *testing.T) {
	c := newCluster(t)

	for i, n := range c.Clients {
		for j := 0; j < 20; j++ {
			n.Instance.SetDouble(fmt.Sprintf("/c%d/v%d", i, j), float64(j))
		}
		n.Instance.Flush()
	}

	total := clientCount * 20
	for _, n := range append([]*TestNode{c.Server}, c.Clients...) {
		n := n
		waitFor(t, n.Name+" sees every entry", func() bool {
			return len(n.Instance.GetKeys("/", 0)) == total
		})
	}

	// один id на имя у всех участников
	for _, key := range c.Server.Instance.GetKeys("/", 0) {
		want := c.Server.Instance.GetDouble(key, -1)
		for _, n := range c.Clients {
			if got := n.Instance.GetDouble(key, -2); got != want {
				t.Fatalf("%s: %s = %v, server has %v", n.Name, key, got, want)
			}
		}
	}
}

func TestPersistentSurvivesServerRestart(t *testing.T) {
	c := newCluster(t)
	c.Clients[0].Instance.SetString("/config/team", "1735")
	c.Clients[0].Instance.Flush()
	waitFor(t, "server has entry", func() bool { return c.Server.Instance.ContainsKey("/config/team") })
	c.Clients[0].Instance.SetPersistent("/config/team")
	c.Clients[0].Instance.Flush()

	waitFor(t, "server persistent flag", func() bool {
		return c.Server.Instance.IsPersistent("/config/team")
	})
	if err := c.Server.Instance.SavePersistent(c.PersistFile); err != nil {
		t.Fatal(err)
	}

	port := c.Port
	c.Server.Instance.Close()
	c.Server = nil
	c.startServer(t, port)

	if got := c.Server.Instance.GetString("/config/team", ""); got != "1735" {
		t.Fatalf("reloaded value %q", got)
	}
	waitFor(t, "clients reconnect", func() bool {
		return len(c.Server.Instance.Connections()) == clientCount
	})
}

func TestAdminAPIAgainstLiveCluster(t *testing.T) {
	c := newCluster(t)
	api := nthttp.NewServer(c.Server.Instance, c.Server.Instance.Metrics().Handler(), strconv.Itoa(serverHTTPPort))
	if err := api.Start(); err != nil {
		t.Skipf("admin port busy: %v", err)
	}
	defer api.Stop()

	base := fmt.Sprintf("http://127.0.0.1:%d", serverHTTPPort)
	req, _ := http.NewRequest(http.MethodPut, base+"/api/entry",
		strings.NewReader(`{"key":"/api/speed","type":"double","value":3.25}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	for _, n := range c.Clients {
		n := n
		waitFor(t, n.Name+" sees api write", func() bool {
			return n.Instance.GetDouble("/api/speed", 0) == 3.25
		})
	}

	resp, err = http.Get(base + "/api/connections")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out nthttp.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Connections) != clientCount {
		t.Fatalf("connections %+v", out.Connections)
	}
	for _, conn := range out.Connections {
		if conn.ProtocolVersion != types.ProtoRev3 {
			t.Fatalf("rev %#x", conn.ProtocolVersion)
		}
	}
}
