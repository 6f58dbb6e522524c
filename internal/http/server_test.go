package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ntcore/pkg/nt"
)

func newTestServer(t *testing.T) (*nt.Instance, *httptest.Server) {
	t.Helper()
	inst := nt.New(nt.Options{Identity: "api-test"})
	s := NewServer(inst, inst.Metrics().Handler(), "")
	ts := httptest.NewServer(s.createRouter())
	t.Cleanup(func() {
		s.hub.closeAll()
		ts.Close()
		inst.Close()
	})
	return inst, ts
}

func do(t *testing.T, method, url, body string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	code, resp := do(t, http.MethodGet, ts.URL+"/health", "")
	if code != http.StatusOK || resp.Status != StatusOK || resp.Identity != "api-test" {
		t.Fatalf("%d %+v", code, resp)
	}
}

func TestEntryCRUD(t *testing.T) {
	inst, ts := newTestServer(t)

	code, _ := do(t, http.MethodPut, ts.URL+"/api/entry", `{"key":"/arm/angle","type":"double","value":42.5}`)
	if code != http.StatusOK {
		t.Fatalf("put: %d", code)
	}
	if inst.GetDouble("/arm/angle", 0) != 42.5 {
		t.Fatal("value not stored")
	}

	code, resp := do(t, http.MethodGet, ts.URL+"/api/entry?key=/arm/angle", "")
	if code != http.StatusOK || resp.Entry == nil || resp.Entry.Type != "double" || resp.Entry.Value.(float64) != 42.5 {
		t.Fatalf("get: %d %+v", code, resp)
	}

	// другой тип без force отклоняется
	code, _ = do(t, http.MethodPut, ts.URL+"/api/entry", `{"key":"/arm/angle","type":"string","value":"up"}`)
	if code != http.StatusConflict {
		t.Fatalf("type change: %d", code)
	}
	code, _ = do(t, http.MethodPut, ts.URL+"/api/entry?force=true", `{"key":"/arm/angle","type":"string","value":"up"}`)
	if code != http.StatusOK || inst.GetString("/arm/angle", "") != "up" {
		t.Fatalf("force: %d", code)
	}

	code, _ = do(t, http.MethodPut, ts.URL+"/api/entry/persistent?key=/arm/angle", "")
	if code != http.StatusOK || !inst.IsPersistent("/arm/angle") {
		t.Fatalf("persistent: %d", code)
	}
	code, resp = do(t, http.MethodGet, ts.URL+"/api/entry?key=/arm/angle", "")
	if code != http.StatusOK || !resp.Entry.Persistent {
		t.Fatalf("persistent flag not reported: %+v", resp.Entry)
	}

	code, _ = do(t, http.MethodDelete, ts.URL+"/api/entry?key=/arm/angle", "")
	if code != http.StatusOK || inst.ContainsKey("/arm/angle") {
		t.Fatalf("delete: %d", code)
	}
	code, _ = do(t, http.MethodGet, ts.URL+"/api/entry?key=/arm/angle", "")
	if code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", code)
	}
}

func TestPutValidation(t *testing.T) {
	_, ts := newTestServer(t)
	for _, body := range []string{
		`{"key":"","type":"double","value":1}`,
		`{"key":"/x","type":"complex","value":1}`,
		`{"key":"/x","type":"double","value":"one"}`,
		`not json`,
	} {
		if code, _ := do(t, http.MethodPut, ts.URL+"/api/entry", body); code != http.StatusBadRequest {
			t.Errorf("%s: %d", body, code)
		}
	}
}

func TestListByPrefixAndType(t *testing.T) {
	inst, ts := newTestServer(t)
	inst.SetDouble("/drive/left", 1)
	inst.SetDouble("/drive/right", 2)
	inst.SetString("/drive/mode", "tank")
	inst.SetRaw("/other", []byte{1, 2, 3})

	code, resp := do(t, http.MethodGet, ts.URL+"/api/entries?prefix=/drive/&types=double", "")
	if code != http.StatusOK || len(resp.Entries) != 2 {
		t.Fatalf("%d %+v", code, resp.Entries)
	}
	if resp.Entries[0].Key != "/drive/left" || resp.Entries[1].Key != "/drive/right" {
		t.Fatalf("order %+v", resp.Entries)
	}

	code, resp = do(t, http.MethodGet, ts.URL+"/api/entries?types=raw", "")
	if code != http.StatusOK || len(resp.Entries) != 1 || resp.Entries[0].Value.(string) != "AQID" {
		t.Fatalf("raw %d %+v", code, resp.Entries)
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/api/entries?types=bogus", ""); code != http.StatusBadRequest {
		t.Fatalf("bad mask: %d", code)
	}
}

func TestConnectionsEmpty(t *testing.T) {
	_, ts := newTestServer(t)
	code, resp := do(t, http.MethodGet, ts.URL+"/api/connections", "")
	if code != http.StatusOK || len(resp.Connections) != 0 {
		t.Fatalf("%d %+v", code, resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	inst, ts := newTestServer(t)
	inst.SetBoolean("/enabled", true)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ntcore_storage_entries 1") {
		t.Fatalf("metrics:\n%s", body)
	}
}

func TestWebsocketFeed(t *testing.T) {
	inst, ts := newTestServer(t)
	inst.SetDouble("/feed/a", 1)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?prefix=/feed/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	read := func() Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	hello := read()
	if hello.Type != "hello" || hello.ID == "" {
		t.Fatalf("hello %+v", hello)
	}
	replay := read()
	if replay.Type != "entry" || replay.Entry.Key != "/feed/a" || !contains(replay.Flags, "immediate") {
		t.Fatalf("replay %+v", replay)
	}

	inst.SetDouble("/other", 5)
	inst.SetDouble("/feed/a", 2)
	for {
		ev := read()
		if ev.Type != "entry" {
			continue
		}
		if ev.Entry.Key != "/feed/a" {
			t.Fatalf("prefix filter leaked %+v", ev.Entry)
		}
		if contains(ev.Flags, "update") {
			if ev.Entry.Value.(float64) != 2 {
				t.Fatalf("update %+v", ev.Entry)
			}
			return
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
