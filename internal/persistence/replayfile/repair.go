package replayfile

import (
	"errors"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Repair describes the header rewrite done by RecomputeChecksums.
type Repair struct {
	Old FileHeader
	New FileHeader
}

func (r Repair) Changed() bool { return r.Old != r.New }

// RecomputeChecksums recomputes all three checksums from the bytes currently
// in the file and overwrites the file header in place. Headers must still
// parse and section lengths must still match the file. Nothing is written
// when the stored checksums are already correct.
func RecomputeChecksums(rws io.ReadWriteSeeker) (Repair, error) {
	var rep Repair
	if _, err := rws.Seek(0, io.SeekStart); err != nil {
		return rep, err
	}
	var prefix [HeaderSize]byte
	if _, err := io.ReadFull(rws, prefix[:]); err != nil {
		return rep, sectionReadErr(SectionHeader, err)
	}
	hs, err := ReadHeaders(prefix[:])
	if err != nil {
		return rep, err
	}
	rep.Old = hs.File
	fh := hs.File

	if fh.ChecksumIS, err = digestN(rws, hs.IS.BodyLen()); err != nil {
		return rep, sectionReadErr(SectionIS, err)
	}
	if fh.ChecksumFrames, err = digestN(rws, fh.FramesStoredLen()); err != nil {
		return rep, sectionReadErr(SectionFrames, err)
	}
	var one [1]byte
	if n, _ := rws.Read(one[:]); n > 0 {
		return rep, &SectionError{Section: SectionFrames, Err: formatErr("trailing bytes after frame section")}
	}

	hdr := appendHeaders(make([]byte, 0, HeaderSize), fh, hs.IS)
	rep.New, _ = parseFileHeader(hdr)
	if !rep.Changed() {
		return rep, nil
	}
	if _, err := rws.Seek(0, io.SeekStart); err != nil {
		return rep, err
	}
	_, err = rws.Write(hdr[:FileHeaderSize])
	return rep, err
}

func digestN(r io.Reader, n int) (uint64, error) {
	d := xxhash.New()
	if _, err := io.CopyN(d, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return d.Sum64(), nil
}
