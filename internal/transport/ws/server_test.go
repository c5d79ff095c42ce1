package ws

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/persistence/textio"
	"tilewars.ai/internal/protocol"
)

func bin(t *testing.T, msgs ...protocol.Msg) []byte {
	t.Helper()
	b, err := protocol.EncodeAll(protocol.Binary{}, nil, msgs)
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	return b
}

func writeGame(t *testing.T, path string) {
	t.Helper()
	m, err := grid.NewMap(grid.Sq4, 2)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	m.Fill(grid.Tile{Kind: grid.Regular, Region: grid.NoRegion})
	d := &replayfile.ISData{
		Map:        m,
		Cits:       []replayfile.Cit{{Pos: grid.Pos{X: 1, Y: 1}, Name: "Alfa"}},
		Players:    []string{"alice", "bob"},
		NumPlayers: 2,
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	is, err := replayfile.WriteIS(replayfile.NewWriter(f, nil), d, true)
	if err != nil {
		t.Fatalf("WriteIS: %v", err)
	}
	fe, err := is.StartFrames(true)
	if err != nil {
		t.Fatalf("StartFrames: %v", err)
	}
	fd, err := fe.AppendFrame(3, protocol.MaskFirst(2), bin(t, protocol.CitMoney{Cit: 0, Money: 50}))
	if err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	var pb protocol.PlayerBuffers
	pb[1] = bin(t, protocol.CitMoney{Cit: 0, Money: 7})
	pb[2] = bin(t, protocol.CitMoney{Cit: 0, Money: 9})
	if err := fd.AppendHetero(2, protocol.MaskOf(1, 2), &pb); err != nil {
		t.Fatalf("AppendHetero: %v", err)
	}
	if err := fd.AppendFrame(1, protocol.MaskNone, bin(t, protocol.Tremor{})); err != nil {
		t.Fatalf("AppendFrame: %v", err)
	}
	done, err := fd.FinishFrames()
	if err != nil {
		t.Fatalf("FinishFrames: %v", err)
	}
	if err := done.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	dir     string
	journal *textio.Journal[SessionRecord]
	reg     *prometheus.Registry
}

func newEnv(t *testing.T, maxClients int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	writeGame(t, filepath.Join(dir, "game.twr"))
	j := textio.NewJournal[SessionRecord](filepath.Join(dir, "sessions"), "sessions", time.Hour)
	reg := prometheus.NewRegistry()
	s := NewServer(Options{
		ReplayDir:    dir,
		TickInterval: time.Millisecond,
		MaxClients:   maxClients,
		Registerer:   reg,
		Journal:      j,
	})
	mux := http.NewServeMux()
	mux.Handle("/replays", s.ListHandler())
	mux.Handle("/stream", s.StreamHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	t.Cleanup(func() { _ = j.Close() })
	return &testEnv{srv: s, http: hs, dir: dir, journal: j, reg: reg}
}

func (e *testEnv) url(query string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/stream?" + query
}

type wsMessage struct {
	Type int
	Data []byte
}

type received struct {
	start  Start
	frames []wsMessage
	end    End
	close  int
}

func (e *testEnv) play(t *testing.T, query string) received {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url(query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var r received
	for i := 0; ; i++ {
		kind, b, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				r.close = ce.Code
				return r
			}
			t.Fatalf("read: %v", err)
		}
		switch {
		case i == 0:
			if err := json.Unmarshal(b, &r.start); err != nil {
				t.Fatalf("start: %v", err)
			}
		case kind == websocket.TextMessage && bytes.HasPrefix(b, []byte(`{"type":"END"`)):
			if err := json.Unmarshal(b, &r.end); err != nil {
				t.Fatalf("end: %v", err)
			}
		default:
			r.frames = append(r.frames, wsMessage{Type: kind, Data: b})
		}
	}
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.srv.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions still active: %d", e.srv.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_PlayerViewBinary(t *testing.T) {
	e := newEnv(t, 4)
	r := e.play(t, "file=game.twr&view=1&speed=0")

	if r.start.Type != "START" || r.start.Topology != "sq4" || r.start.NumPlayers != 2 || r.start.View != "player1" {
		t.Fatalf("start=%+v", r.start)
	}
	if r.start.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if len(r.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(r.frames))
	}
	wants := []struct {
		tick    uint64
		payload []byte
	}{
		{3, bin(t, protocol.CitMoney{Cit: 0, Money: 50})},
		{5, bin(t, protocol.CitMoney{Cit: 0, Money: 7})},
	}
	for i, w := range wants {
		m := r.frames[i]
		if m.Type != websocket.BinaryMessage {
			t.Fatalf("frame %d type=%d", i, m.Type)
		}
		if tick := binary.BigEndian.Uint64(m.Data); tick != w.tick {
			t.Fatalf("frame %d tick=%d want %d", i, tick, w.tick)
		}
		if !bytes.Equal(m.Data[8:], w.payload) {
			t.Fatalf("frame %d payload=%x want %x", i, m.Data[8:], w.payload)
		}
	}
	if r.end.Frames != 2 || r.end.Ticks != 6 {
		t.Fatalf("end=%+v", r.end)
	}
	if r.close != websocket.CloseNormalClosure {
		t.Fatalf("close code=%d", r.close)
	}

	e.waitIdle(t)
	if n := e.journal.Lines(); n != 1 {
		t.Fatalf("journal lines=%d", n)
	}
	if err := e.journal.Close(); err != nil {
		t.Fatalf("journal close: %v", err)
	}
	paths, _ := filepath.Glob(filepath.Join(e.dir, "sessions", "*.jsonl.zst"))
	if len(paths) != 1 {
		t.Fatalf("journal files=%v", paths)
	}
	recs, err := textio.ReadJournal[SessionRecord](paths[0])
	if err != nil || len(recs) != 1 {
		t.Fatalf("ReadJournal: %v %d", err, len(recs))
	}
	if rec := recs[0]; rec.ID != r.start.SessionID || rec.Outcome != outcomeCompleted || rec.Frames != 2 || rec.Ticks != 6 {
		t.Fatalf("record=%+v", rec)
	}
}

func TestStream_SpectatorAndAllText(t *testing.T) {
	e := newEnv(t, 4)

	spec := e.play(t, "file=game.twr&speed=0")
	if len(spec.frames) != 1 || binary.BigEndian.Uint64(spec.frames[0].Data) != 6 {
		t.Fatalf("spectator frames=%v", spec.frames)
	}

	all := e.play(t, "file=game.twr&view=all&format=text&speed=0")
	if len(all.frames) != 3 {
		t.Fatalf("all frames=%d want 3", len(all.frames))
	}
	second := string(all.frames[1].Data)
	want := "TICK 5\n" +
		string(protocol.AppendText(nil, protocol.CitMoney{Cit: 0, Money: 7})) +
		string(protocol.AppendText(nil, protocol.CitMoney{Cit: 0, Money: 9}))
	if second != want {
		t.Fatalf("text frame=%q want %q", second, want)
	}
	if all.frames[1].Type != websocket.TextMessage {
		t.Fatalf("text frame type=%d", all.frames[1].Type)
	}
}

func TestStream_Rejections(t *testing.T) {
	e := newEnv(t, 1)
	if err := os.WriteFile(filepath.Join(e.dir, "bad.twr"), []byte("not a replay at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cases := []struct {
		query string
		code  int
	}{
		{"file=../game.twr", http.StatusBadRequest},
		{"file=missing.twr", http.StatusNotFound},
		{"file=bad.twr", http.StatusUnprocessableEntity},
		{"file=game.twr&view=7", http.StatusBadRequest},
		{"file=game.twr&view=3", http.StatusBadRequest},
		{"file=game.twr&format=xml", http.StatusBadRequest},
		{"file=game.twr&speed=-1", http.StatusBadRequest},
	}
	for _, tc := range cases {
		_, resp, err := websocket.DefaultDialer.Dial(e.url(tc.query), nil)
		if err == nil {
			t.Fatalf("%s: expected dial failure", tc.query)
		}
		if resp == nil || resp.StatusCode != tc.code {
			t.Fatalf("%s: resp=%v want %d", tc.query, resp, tc.code)
		}
	}
}

func TestStream_BusyAndPause(t *testing.T) {
	e := newEnv(t, 1)
	// One tick per second keeps the first session open.
	conn, _, err := websocket.DefaultDialer.Dial(e.url("file=game.twr&view=1&speed=0.001"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read start: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(e.url("file=game.twr"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second session: err=%v resp=%v", err, resp)
	}

	for _, c := range []Control{{Type: "PAUSE"}, {Type: "SPEED", Speed: 0}, {Type: "RESUME"}} {
		if err := conn.WriteJSON(c); err != nil {
			t.Fatalf("control: %v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frames := 0
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if bytes.HasPrefix(b, []byte(`{"type":"END"`)) {
			continue
		}
		frames++
	}
	if frames != 2 {
		t.Fatalf("frames=%d want 2", frames)
	}
}

func TestListHandler(t *testing.T) {
	e := newEnv(t, 1)
	resp, err := http.Get(e.http.URL + "/replays")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got []ReplayInfo
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "game.twr" || got[0].Size == 0 {
		t.Fatalf("list=%+v", got)
	}
}

func TestParseView(t *testing.T) {
	for in, want := range map[string]View{
		"":          {},
		"spectator": {},
		"ALL":       {All: true},
		"2":         {Player: 2},
		"player6":   {Player: 6},
	} {
		got, err := ParseView(in)
		if err != nil || got != want {
			t.Fatalf("ParseView(%q)=%+v, %v", in, got, err)
		}
	}
	for _, in := range []string{"0", "7", "bob"} {
		if _, err := ParseView(in); err == nil {
			t.Fatalf("ParseView(%q): expected error", in)
		}
	}
}
