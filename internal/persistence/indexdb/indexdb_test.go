package indexdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/persistence/replayfile"
	"tilewars.ai/internal/protocol"
)

func writeReplay(t *testing.T, path string, players []string) {
	t.Helper()
	m, err := grid.NewMap(grid.Hex, 3)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	m.Fill(grid.Tile{Kind: grid.Fertile, Region: grid.NoRegion})
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	d := &replayfile.ISData{
		Map:        m,
		Cits:       []replayfile.Cit{{Pos: grid.Pos{X: 1, Y: 0}, Name: "Alfa"}},
		Players:    players,
		NumPlayers: len(players),
	}
	is, err := replayfile.WriteIS(replayfile.NewSeekableWriter(f, nil), d, true)
	if err != nil {
		t.Fatalf("WriteIS: %v", err)
	}
	fe, err := is.StartFrames(false)
	if err != nil {
		t.Fatalf("StartFrames: %v", err)
	}
	fd, err := fe.AppendMsgs(10, protocol.MaskAll, []protocol.Msg{protocol.Tremor{}})
	if err != nil {
		t.Fatalf("AppendMsgs: %v", err)
	}
	if err := fd.AppendMsgs(5, protocol.MaskAll, []protocol.Msg{protocol.Nop{}}); err != nil {
		t.Fatalf("AppendMsgs: %v", err)
	}
	done, err := fd.FinishFrames()
	if err != nil {
		t.Fatalf("FinishFrames: %v", err)
	}
	if err := done.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestInspect_StatusPerFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.twr")
	writeReplay(t, good, []string{"ann", "bob"})

	rec, err := Inspect(good, nil)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if rec.Status != StatusOK || rec.Frames != 2 || rec.Ticks != 15 || rec.Players != 2 || rec.Topology != "hex" {
		t.Fatalf("good record: %+v", rec)
	}
	if len(rec.CitNames) != 1 || rec.CitNames[0] != "Alfa" || len(rec.PlayerNames) != 2 {
		t.Fatalf("names: %+v %+v", rec.CitNames, rec.PlayerNames)
	}

	b, _ := os.ReadFile(good)
	b[len(b)-1] ^= 0xFF
	bad := filepath.Join(dir, "bad.twr")
	if err := os.WriteFile(bad, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err = Inspect(bad, nil)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if rec.Status != StatusChecksum || rec.Error == "" {
		t.Fatalf("bad record: %+v", rec)
	}

	short := filepath.Join(dir, "short.twr")
	if err := os.WriteFile(short, b[:len(b)-1], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec, _ = Inspect(short, nil); rec.Status != StatusCorrupt {
		t.Fatalf("truncated record: %+v", rec)
	}

	junk := filepath.Join(dir, "junk.twr")
	if err := os.WriteFile(junk, []byte("not a replay"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec, _ = Inspect(junk, nil); rec.Status != StatusCorrupt {
		t.Fatalf("junk record: %+v", rec)
	}
	if _, err := Inspect(filepath.Join(dir, "missing.twr"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSQLiteIndex_RecordAndQuery(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenSQLite(filepath.Join(dir, "db", "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	for i, players := range [][]string{{"ann", "bob"}, {"cid"}} {
		path := filepath.Join(dir, []string{"a.twr", "b.twr"}[i])
		writeReplay(t, path, players)
		rec, err := Inspect(path, nil)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		idx.Record(rec)
	}
	idx.Record(ReplayRecord{Path: filepath.Join(dir, "c.twr"), Status: StatusCorrupt, Error: "boom", Topology: "sq4"})
	// Re-recording replaces the row.
	rec, _ := Inspect(filepath.Join(dir, "a.twr"), nil)
	idx.Record(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	all, err := idx.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d rows, want 3", len(all))
	}
	if all[0].Frames != 2 || all[0].Ticks != 15 || !all[0].MapCompressed || len(all[0].PlayerNames) != 2 || all[0].PlayerNames[1] != "bob" {
		t.Fatalf("first row: %+v", all[0])
	}

	ok, err := idx.Query(ctx, Filter{Status: StatusOK, Player: "ci"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ok) != 1 || filepath.Base(ok[0].Path) != "b.twr" {
		t.Fatalf("player filter: %+v", ok)
	}
	corrupt, err := idx.Query(ctx, Filter{Status: StatusCorrupt})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(corrupt) != 1 || corrupt[0].Error != "boom" {
		t.Fatalf("status filter: %+v", corrupt)
	}
	if st := idx.Stats(); st.WrittenTotal != 4 || st.DroppedTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{rec: ReplayRecord{Path: "a"}}

	s.Record(ReplayRecord{Path: "b"})
	s.Record(ReplayRecord{Path: "c"})

	st := s.Stats()
	if st.DroppedTotal != 2 {
		t.Fatalf("DroppedTotal=%d want=2", st.DroppedTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestRemoteIndex_RetainsBatchOnFlushFailure(t *testing.T) {
	var mu sync.Mutex
	reqCount := 0
	var applied []ReplayRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		thisReq := reqCount
		mu.Unlock()

		if thisReq <= 3 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("x-tw-index-token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body remoteBatch
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		applied = append(applied, body.Records...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	idx, err := OpenRemote(RemoteConfig{
		Endpoint:      srv.URL,
		Token:         "secret",
		Source:        "archive-1",
		BatchSize:     1,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("OpenRemote: %v", err)
	}
	defer func() { _ = idx.Close() }()

	idx.Record(ReplayRecord{Path: "x.twr", Status: StatusOK})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(applied) >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) < 1 || applied[0].Path != "x.twr" {
		t.Fatalf("expected retained batch to be eventually delivered; applied=%v reqCount=%d", applied, reqCount)
	}
	st := idx.Stats()
	if st.FailTotal == 0 {
		t.Fatalf("expected flush failures to be recorded, got 0")
	}
	if st.DroppedTotal != 0 {
		t.Fatalf("unexpected queue drops: %d", st.DroppedTotal)
	}
}

func TestOpenRemote_RequiresEndpointAndSource(t *testing.T) {
	if _, err := OpenRemote(RemoteConfig{Source: "s"}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	if _, err := OpenRemote(RemoteConfig{Endpoint: "http://x"}); err == nil {
		t.Fatalf("expected error without source")
	}
}
