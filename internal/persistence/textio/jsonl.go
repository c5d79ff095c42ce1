package textio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Journal appends records of type T as JSON lines to zstd-compressed files
// under dir, starting a new file every period. Files are named
// <prefix>-<yyyy-mm-dd-hhmm>.jsonl.zst after the start of their period.
// Reopening an existing file appends a new zstd frame.
type Journal[T any] struct {
	dir    string
	prefix string
	period time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cur   time.Time
	f     *os.File
	enc   *zstd.Encoder
	w     *bufio.Writer
	lines int
}

func NewJournal[T any](dir, prefix string, period time.Duration) *Journal[T] {
	if period <= 0 {
		period = time.Hour
	}
	return &Journal[T]{dir: dir, prefix: prefix, period: period, now: time.Now}
}

// Append writes one record and flushes it to the compressor.
func (j *Journal[T]) Append(rec T) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	start := j.now().UTC().Truncate(j.period)
	if j.w == nil || !start.Equal(j.cur) {
		if err := j.openLocked(start); err != nil {
			return err
		}
	}
	b = append(b, '\n')
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	j.lines++
	return j.w.Flush()
}

// Lines is the number of records appended since the journal was created.
func (j *Journal[T]) Lines() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lines
}

// Path is the file holding records appended at t.
func (j *Journal[T]) Path(t time.Time) string {
	start := t.UTC().Truncate(j.period)
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, start.Format("2006-01-02-1504")))
}

func (j *Journal[T]) openLocked(start time.Time) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.Path(start), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f, j.enc, j.cur = f, enc, start
	j.w = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (j *Journal[T]) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal[T]) closeLocked() error {
	var err error
	if j.w != nil {
		err = j.w.Flush()
		j.w = nil
	}
	if j.enc != nil {
		if e := j.enc.Close(); err == nil {
			err = e
		}
		j.enc = nil
	}
	if j.f != nil {
		if e := j.f.Close(); err == nil {
			err = e
		}
		j.f = nil
	}
	return err
}

// ReadJournal decodes every record of one journal file.
func ReadJournal[T any](path string) ([]T, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var out []T
	dec := json.NewDecoder(rc)
	for dec.More() {
		var rec T
		if err := dec.Decode(&rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
