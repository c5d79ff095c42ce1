package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"tilewars.ai/internal/transport/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	streams := ws.NewServer(ws.Options{ReplayDir: dir, Registerer: reg})
	ts := httptest.NewServer(newMux(streams, reg, false, log.New(io.Discard, "", 0)))
	t.Cleanup(ts.Close)
	return ts, dir
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(b)
}

func TestMux_HealthAndState(t *testing.T) {
	ts, _ := newTestServer(t)
	if code, body := get(t, ts.URL+"/healthz"); code != 200 || body != "ok" {
		t.Fatalf("healthz %d %q", code, body)
	}
	code, body := get(t, ts.URL+"/admin/v1/state")
	if code != 200 {
		t.Fatalf("state %d %q", code, body)
	}
	var st struct {
		ActiveSessions int `json:"active_sessions"`
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil || st.ActiveSessions != 0 {
		t.Fatalf("state %q err=%v", body, err)
	}
	if code, _ := get(t, ts.URL+"/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("pprof reachable while disabled: %d", code)
	}
}

func TestMux_ListAndMetrics(t *testing.T) {
	ts, dir := newTestServer(t)
	if err := os.WriteFile(filepath.Join(dir, "a.twr"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, body := get(t, ts.URL+"/v1/replays")
	if code != 200 {
		t.Fatalf("list %d %q", code, body)
	}
	var list []ws.ReplayInfo
	if err := json.Unmarshal([]byte(body), &list); err != nil || len(list) != 1 || list[0].Name != "a.twr" {
		t.Fatalf("list %q err=%v", body, err)
	}

	if code, _ := get(t, ts.URL+"/v1/replays/stream?file=missing.twr"); code != http.StatusNotFound {
		t.Fatalf("stream missing file: %d", code)
	}
	_, metrics := get(t, ts.URL+"/metrics")
	for _, want := range []string{
		"tilewars_replay_stream_sessions_active 0",
		`tilewars_replay_stream_rejected_total{reason="not_found"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("metrics lack %q:\n%s", want, metrics)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}
