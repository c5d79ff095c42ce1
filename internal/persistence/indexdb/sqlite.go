package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

type req struct {
	rec ReplayRecord
	// sync, when set, asks the writer to commit and close the channel.
	sync chan struct{}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS replays (
			path TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			indexed_at TEXT NOT NULL,
			topology TEXT NOT NULL,
			map_size INTEGER NOT NULL,
			players INTEGER NOT NULL,
			cits INTEGER NOT NULL,
			map_compressed INTEGER NOT NULL,
			frames_compressed INTEGER NOT NULL,
			frames_raw_len INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			ticks INTEGER NOT NULL,
			checksum_header TEXT NOT NULL,
			checksum_is TEXT NOT NULL,
			checksum_frames TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_replays_status ON replays(status);`,
		`CREATE TABLE IF NOT EXISTS replay_players (
			path TEXT NOT NULL REFERENCES replays(path) ON DELETE CASCADE,
			plid INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (path, plid)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_replay_players_name ON replay_players(name);`,
		`CREATE TABLE IF NOT EXISTS replay_cits (
			path TEXT NOT NULL REFERENCES replays(path) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (path, idx)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Record queues rec. It never blocks; records are dropped when the writer
// falls behind.
func (s *SQLiteIndex) Record(rec ReplayRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{rec: rec}:
	default:
		s.dropped.Add(1)
	}
}

// Sync waits until every record queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{sync: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DroppedTotal:  s.dropped.Load(),
		WrittenTotal:  s.written.Load(),
		FailTotal:     s.failed.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.sync != nil {
			commit()
			close(r.sync)
			continue
		}
		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		if err := writeRecord(ctx, tx, r.rec); err != nil {
			// A failed record discards the open batch.
			_ = tx.Rollback()
			tx = nil
			s.failed.Add(uint64(opCount) + 1)
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

func writeRecord(ctx context.Context, tx *sql.Tx, r ReplayRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM replays WHERE path=?`, r.Path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO replays(path,size,status,error,indexed_at,topology,map_size,players,cits,map_compressed,frames_compressed,frames_raw_len,frames,ticks,checksum_header,checksum_is,checksum_frames) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Path, r.Size, string(r.Status), r.Error, r.IndexedAt.UTC().Format(time.RFC3339Nano),
		r.Topology, r.MapSize, r.Players, r.Cits,
		boolInt(r.MapCompressed), boolInt(r.FramesCompressed), int64(r.FramesRawLen),
		r.Frames, int64(r.Ticks),
		r.ChecksumHeader, r.ChecksumIS, r.ChecksumFrames,
	); err != nil {
		return err
	}
	for i, name := range r.PlayerNames {
		if _, err := tx.ExecContext(ctx, `INSERT INTO replay_players(path,plid,name) VALUES(?,?,?)`, r.Path, i+1, name); err != nil {
			return err
		}
	}
	for i, c := range r.CitPos {
		if _, err := tx.ExecContext(ctx, `INSERT INTO replay_cits(path,idx,x,y,name) VALUES(?,?,?,?,?)`, r.Path, i, int(c.Pos.X), int(c.Pos.Y), c.Name); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Filter narrows Query. Zero values match everything.
type Filter struct {
	Status   Status
	Topology string
	// Player matches any player name containing the substring.
	Player string
	Limit  int
}

// Query lists catalogued replays ordered by path.
func (s *SQLiteIndex) Query(ctx context.Context, f Filter) ([]ReplayRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(f.Status))
	}
	if f.Topology != "" {
		where = append(where, "r.topology = ?")
		args = append(args, f.Topology)
	}
	if f.Player != "" {
		where = append(where, "EXISTS (SELECT 1 FROM replay_players p WHERE p.path = r.path AND p.name LIKE ?)")
		args = append(args, "%"+f.Player+"%")
	}
	q := `SELECT path,size,status,COALESCE(error,''),indexed_at,topology,map_size,players,cits,map_compressed,frames_compressed,frames_raw_len,frames,ticks,checksum_header,checksum_is,checksum_frames FROM replays r`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY r.path"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReplayRecord
	for rows.Next() {
		var (
			r             ReplayRecord
			status, at    string
			mapC, framesC int
			rawLen, ticks int64
		)
		if err := rows.Scan(&r.Path, &r.Size, &status, &r.Error, &at, &r.Topology, &r.MapSize, &r.Players, &r.Cits,
			&mapC, &framesC, &rawLen, &r.Frames, &ticks, &r.ChecksumHeader, &r.ChecksumIS, &r.ChecksumFrames); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.IndexedAt, _ = time.Parse(time.RFC3339Nano, at)
		r.MapCompressed, r.FramesCompressed = mapC != 0, framesC != 0
		r.FramesRawLen, r.Ticks = uint32(rawLen), uint64(ticks)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].PlayerNames, err = s.playerNames(ctx, out[i].Path); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteIndex) playerNames(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM replay_players WHERE path=? ORDER BY plid`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
