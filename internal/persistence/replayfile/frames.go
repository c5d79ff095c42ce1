package replayfile

import (
	"io"

	"tilewars.ai/internal/protocol"
)

// Frame is one timestamped batch of encoded messages.
type Frame struct {
	Header FrameHeader
	// Body holds Header.Len bytes: the shared payload of a homogeneous frame,
	// or the per-player records of a heterogeneous one.
	Body []byte
}

// Validate checks that Body matches the header and, for heterogeneous
// frames, that it holds exactly one record per selected player.
func (f Frame) Validate() error {
	if len(f.Body) != int(f.Header.Len) {
		return formatErr("frame body has %d bytes, header says %d", len(f.Body), f.Header.Len)
	}
	if !f.Header.Heterogeneous {
		return nil
	}
	if f.Header.Players.Empty() {
		return formatErr("heterogeneous frame selects no player")
	}
	rest := f.Body
	for range f.Header.Players.Players() {
		if len(rest) < 2 {
			return formatErr("heterogeneous frame record truncated")
		}
		n := int(be.Uint16(rest))
		if len(rest)-2 < n {
			return formatErr("heterogeneous frame record of %d bytes overruns frame", n)
		}
		rest = rest[2+n:]
	}
	if len(rest) != 0 {
		return formatErr("%d stray bytes after heterogeneous records", len(rest))
	}
	return nil
}

// Payload returns the bytes addressed to id. Neutral selects the spectator
// payload of a frame whose mask is empty.
func (f Frame) Payload(id protocol.PlayerID) ([]byte, bool) {
	if !f.Header.Heterogeneous {
		if f.Header.Players.Has(id) || (id == protocol.Neutral && f.Header.Players.Empty()) {
			return f.Body, true
		}
		return nil, false
	}
	var out []byte
	found := false
	f.eachRecord(func(p protocol.PlayerID, b []byte) {
		if p == id {
			out, found = b, true
		}
	})
	return out, found
}

// Deliver hands every payload of the frame to sink under its player mask.
func (f Frame) Deliver(sink protocol.MultiSink) {
	if !f.Header.Heterogeneous {
		sink.AppendBytes(f.Header.Players, f.Body)
		return
	}
	f.eachRecord(func(p protocol.PlayerID, b []byte) {
		sink.AppendBytes(protocol.MaskOf(p), b)
	})
}

// AppendTo appends the encoded frame, header included.
func (f Frame) AppendTo(b []byte) []byte {
	b = f.Header.Append(b)
	return append(b, f.Body...)
}

// eachRecord walks the records of a validated heterogeneous frame.
func (f Frame) eachRecord(fn func(protocol.PlayerID, []byte)) {
	rest := f.Body
	for _, p := range f.Header.Players.Players() {
		if len(rest) < 2 {
			return
		}
		n := int(be.Uint16(rest))
		if len(rest)-2 < n {
			return
		}
		fn(p, rest[2:2+n])
		rest = rest[2+n:]
	}
}

// nextFrame splits the first frame off b.
func nextFrame(b []byte) (Frame, []byte, error) {
	if len(b) < FrameHeaderSize {
		return Frame{}, b, formatErr("frame header truncated: %d bytes left", len(b))
	}
	h := parseFrameHeader(b)
	b = b[FrameHeaderSize:]
	if len(b) < int(h.Len) {
		return Frame{}, b, formatErr("frame of %d bytes truncated: %d bytes left", h.Len, len(b))
	}
	f := Frame{Header: h, Body: b[:h.Len:h.Len]}
	if err := f.Validate(); err != nil {
		return Frame{}, b, err
	}
	return f, b[h.Len:], nil
}

// ParseFrames validates a raw frame section and calls fn for each frame.
func ParseFrames(b []byte, fn func(Frame) error) error {
	for len(b) > 0 {
		f, rest, err := nextFrame(b)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		b = rest
	}
	return nil
}

// FramesReader iterates over the frame section of a file.
type FramesReader struct {
	f    *File
	raw  []byte
	rest []byte
	err  error
	// loaded is set once the section has been read and decompressed.
	loaded bool
}

// Next returns the next frame, or io.EOF after the last one. A compressed
// section is staged in the File's Scratch, so frame bodies stay valid until
// that Scratch is handed to another Open or Writer.
func (fr *FramesReader) Next() (Frame, error) {
	if fr.err != nil {
		return Frame{}, fr.err
	}
	if !fr.loaded {
		if err := fr.load(); err != nil {
			fr.err = err
			return Frame{}, err
		}
	}
	if len(fr.rest) == 0 {
		return Frame{}, io.EOF
	}
	f, rest, err := nextFrame(fr.rest)
	if err != nil {
		fr.err = &SectionError{Section: SectionFrames, Err: err}
		return Frame{}, fr.err
	}
	fr.rest = rest
	return f, nil
}

// Raw returns the whole decompressed frame section.
func (fr *FramesReader) Raw() ([]byte, error) {
	if !fr.loaded {
		if fr.err != nil {
			return nil, fr.err
		}
		if err := fr.load(); err != nil {
			fr.err = err
			return nil, err
		}
	}
	return fr.raw, nil
}

// Header is the file header of the underlying file.
func (fr *FramesReader) Header() FileHeader { return fr.f.Header }

// load sets loaded only on success; a failure is kept in fr.err by the
// caller so Next and Raw keep reporting it.
func (fr *FramesReader) load() error {
	stored, err := fr.f.loadFrames()
	if err != nil {
		return err
	}
	h := fr.f.Header
	raw := stored
	if h.FramesCompressed() {
		s := fr.f.scratch
		s.reset()
		if s.raw, err = Decompress(s.raw, stored, int(h.FramesRawLen)); err != nil {
			s.reset()
			return &SectionError{Section: SectionFrames, Err: err}
		}
		raw = s.raw
	}
	fr.raw, fr.rest = raw, raw
	fr.loaded = true
	return nil
}
