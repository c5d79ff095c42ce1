package replayfile

import (
	"errors"
	"io"
)

// File is an opened file whose headers have been validated. Section bodies
// are read from the underlying reader only when first needed.
type File struct {
	Header   FileHeader
	ISHeader ISHeader

	r       io.Reader
	scratch *Scratch
	prefix  [HeaderSize]byte

	body       []byte
	bodyLoaded bool
	bodyErr    error
	frames     []byte
	framesRead bool
	framesErr  error
	consumed   bool
}

// Open reads and validates the file and IS headers. The header checksum is
// not checked; see VerifyHeaderChecksum.
func Open(r io.Reader, scratch *Scratch) (*File, error) {
	f := &File{r: r, scratch: orNew(scratch)}
	if _, err := io.ReadFull(r, f.prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &SectionError{Section: SectionHeader, Err: formatErr("file shorter than its headers")}
		}
		return nil, err
	}
	hs, err := ReadHeaders(f.prefix[:])
	if err != nil {
		return nil, err
	}
	f.Header, f.ISHeader = hs.File, hs.IS
	return f, nil
}

func (f *File) VerifyHeaderChecksum() error {
	got := headerChecksum(f.prefix[:FileHeaderSize], f.prefix[FileHeaderSize:])
	if got != f.Header.ChecksumHeader {
		return &ChecksumError{Section: SectionHeader, Want: f.Header.ChecksumHeader, Got: got}
	}
	return nil
}

func (f *File) VerifyISChecksum() error {
	body, err := f.loadBody()
	if err != nil {
		return err
	}
	return Verify(SectionIS, f.Header.ChecksumIS, body)
}

// VerifyFramesChecksum checks the stored frame bytes, compressed or not.
// It reads the IS body first when that has not happened yet.
func (f *File) VerifyFramesChecksum() error {
	frames, err := f.loadFrames()
	if err != nil {
		return err
	}
	return Verify(SectionFrames, f.Header.ChecksumFrames, frames)
}

// VerifyChecksums checks all three sections and reports each one. A section
// that is truncated or followed by trailing bytes is reported in its field
// as an ErrFormat error; the stored bytes that were present are still
// verified. The returned error is set only when reading failed for a reason
// other than the file's contents.
func (f *File) VerifyChecksums() (ChecksumReport, error) {
	rep := ChecksumReport{Header: f.VerifyHeaderChecksum()}
	body, err := f.loadBody()
	if err != nil {
		if !isSectionErr(err) {
			return rep, err
		}
		rep.IS = err
		rep.Frames = &SectionError{Section: SectionFrames, Err: formatErr("truncated")}
		return rep, nil
	}
	rep.IS = Verify(SectionIS, f.Header.ChecksumIS, body)

	frames, err := f.loadFrames()
	if err != nil && !isSectionErr(err) {
		return rep, err
	}
	if frames == nil {
		rep.Frames = err
		return rep, nil
	}
	rep.Frames = errors.Join(Verify(SectionFrames, f.Header.ChecksumFrames, frames), err)
	return rep, nil
}

func isSectionErr(err error) bool {
	var se *SectionError
	return errors.As(err, &se)
}

// ReadIS decodes the IS body and hands over the rest of the file as a
// FramesReader. The File cannot be used for reading afterwards.
func (f *File) ReadIS() (*ISData, *FramesReader, error) {
	if f.consumed {
		return nil, nil, ErrSequence
	}
	body, err := f.loadBody()
	if err != nil {
		return nil, nil, err
	}
	d, err := decodeIS(f.ISHeader, body, f.scratch)
	if err != nil {
		var se *SectionError
		if !errors.As(err, &se) {
			err = &SectionError{Section: SectionIS, Err: err}
		}
		return nil, nil, err
	}
	f.consumed = true
	return d, &FramesReader{f: f}, nil
}

func (f *File) loadBody() ([]byte, error) {
	if f.bodyLoaded {
		return f.body, f.bodyErr
	}
	f.bodyLoaded = true
	f.body, f.bodyErr = readSection(f.r, f.ISHeader.BodyLen())
	if f.bodyErr != nil {
		f.bodyErr = sectionReadErr(SectionIS, f.bodyErr)
	}
	return f.body, f.bodyErr
}

func (f *File) loadFrames() ([]byte, error) {
	if _, err := f.loadBody(); err != nil {
		return nil, err
	}
	if f.framesRead {
		return f.frames, f.framesErr
	}
	f.framesRead = true
	f.frames, f.framesErr = readSection(f.r, f.Header.FramesStoredLen())
	if f.framesErr != nil {
		f.framesErr = sectionReadErr(SectionFrames, f.framesErr)
		return nil, f.framesErr
	}
	var one [1]byte
	switch n, err := io.ReadFull(f.r, one[:]); {
	case n > 0:
		f.framesErr = &SectionError{Section: SectionFrames, Err: formatErr("trailing bytes after frame section")}
	case err != nil && err != io.EOF:
		f.framesErr = err
	}
	return f.frames, f.framesErr
}

func sectionReadErr(s Section, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &SectionError{Section: s, Err: formatErr("truncated")}
	}
	return err
}

// readSection reads exactly n bytes, growing the buffer in steps so a
// corrupt length cannot force one huge allocation.
func readSection(r io.Reader, n int) ([]byte, error) {
	const step = 1 << 20
	buf := make([]byte, 0, min(n, step))
	for len(buf) < n {
		k := min(n-len(buf), step)
		off := len(buf)
		buf = grow(buf, k)
		if _, err := io.ReadFull(r, buf[off:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return buf, nil
}
