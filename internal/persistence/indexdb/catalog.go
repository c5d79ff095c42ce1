package indexdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"tilewars.ai/internal/persistence/replayfile"
)

// Status is the verification outcome stored for a replay file.
type Status string

const (
	StatusOK       Status = "ok"
	StatusChecksum Status = "checksum"
	StatusCorrupt  Status = "corrupt"
)

// ReplayRecord is one catalogue row: header metadata plus verification
// result. Names are empty when the file could not be decoded that far.
type ReplayRecord struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	IndexedAt time.Time `json:"indexed_at"`

	Topology         string `json:"topology"`
	MapSize          int    `json:"map_size"`
	Players          int    `json:"players"`
	Cits             int    `json:"cits"`
	MapCompressed    bool   `json:"map_compressed"`
	FramesCompressed bool   `json:"frames_compressed"`
	FramesRawLen     uint32 `json:"frames_raw_len"`
	Frames           int    `json:"frames"`
	Ticks            uint64 `json:"ticks"`

	ChecksumHeader string `json:"checksum_header"`
	ChecksumIS     string `json:"checksum_is"`
	ChecksumFrames string `json:"checksum_frames"`

	PlayerNames []string         `json:"player_names,omitempty"`
	CitNames    []string         `json:"cit_names,omitempty"`
	CitPos      []replayfile.Cit `json:"-"`
}

// Catalog receives replay records. Implementations queue records and write
// them asynchronously.
type Catalog interface {
	Record(rec ReplayRecord)
	Close() error
}

// Inspect opens a replay file, verifies every checksum and decodes as much
// as it can. A file that fails verification still yields a record; the
// error is returned only when the file cannot be opened at all.
func Inspect(path string, scratch *replayfile.Scratch) (ReplayRecord, error) {
	rec := ReplayRecord{Path: path, IndexedAt: time.Now().UTC()}
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil {
		rec.Size = st.Size()
	}

	rf, err := replayfile.Open(f, scratch)
	if err != nil {
		return rec.fail(StatusCorrupt, err), nil
	}
	rec.setHeaders(rf.Header, rf.ISHeader)

	rep, err := rf.VerifyChecksums()
	if err != nil {
		return rec.fail(StatusCorrupt, err), nil
	}
	if rep.Malformed() {
		return rec.fail(StatusCorrupt, rep.Err()), nil
	}
	if !rep.OK() {
		return rec.fail(StatusChecksum, rep.Err()), nil
	}
	is, fr, err := rf.ReadIS()
	if err != nil {
		return rec.fail(StatusCorrupt, err), nil
	}
	rec.PlayerNames = is.Players
	rec.CitPos = is.Cits
	if is.CitsNamed() {
		for _, c := range is.Cits {
			rec.CitNames = append(rec.CitNames, c.Name)
		}
	}
	for {
		fm, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rec.fail(StatusCorrupt, err), nil
		}
		rec.Frames++
		rec.Ticks += uint64(fm.Header.Delta)
	}
	rec.Status = StatusOK
	return rec, nil
}

func (r ReplayRecord) fail(s Status, err error) ReplayRecord {
	r.Status = s
	r.Error = err.Error()
	return r
}

func (r *ReplayRecord) setHeaders(fh replayfile.FileHeader, ih replayfile.ISHeader) {
	r.Topology = ih.Topology.String()
	r.MapSize = int(ih.Size)
	r.Players = int(ih.Players)
	r.Cits = int(ih.Cits)
	r.MapCompressed = ih.MapCompressed()
	r.FramesCompressed = fh.FramesCompressed()
	r.FramesRawLen = fh.FramesRawLen
	r.ChecksumHeader = hex64(fh.ChecksumHeader)
	r.ChecksumIS = hex64(fh.ChecksumIS)
	r.ChecksumFrames = hex64(fh.ChecksumFrames)
}

func hex64(v uint64) string { return fmt.Sprintf("%016x", v) }

// Stats reports queue health of an asynchronous catalogue.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DroppedTotal  uint64 `json:"dropped_total"`
	WrittenTotal  uint64 `json:"written_total"`
	FailTotal     uint64 `json:"fail_total"`
}
