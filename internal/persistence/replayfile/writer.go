package replayfile

import (
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/protocol"
)

// streamFlush is how many frame bytes a seekable writer buffers before
// writing them through.
const streamFlush = 64 * 1024

// Writer builds one file. It is driven through a chain of single-use step
// handles that starts at StartIS; calling a step on a handle that has
// already been used fails with ErrSequence.
//
// Checksums are computed only when the file is finished. A plain Writer
// buffers the whole file until then. A seekable writer with uncompressed
// frames writes a placeholder header, streams frames through, and patches
// the header at the end.
type Writer struct {
	w       io.Writer
	seeker  io.WriteSeeker
	scratch *Scratch

	started bool
	ih      ISHeader
	mapRaw  []byte
	body    []byte

	compressFrames bool
	frames         []byte
	framesLen      int64
	hdr            [FrameHeaderSize]byte
	stream         *frameStream
}

type frameStream struct {
	base   int64
	digest *xxhash.Digest
}

func NewWriter(w io.Writer, scratch *Scratch) *Writer {
	return &Writer{w: w, scratch: orNew(scratch)}
}

// NewSeekableWriter writes to ws without holding an uncompressed frame
// section in memory. The file starts at the current offset of ws.
func NewSeekableWriter(ws io.WriteSeeker, scratch *Scratch) *Writer {
	return &Writer{w: ws, seeker: ws, scratch: orNew(scratch)}
}

func (w *Writer) StartIS() (*ISEmpty, error) {
	if w.started {
		return nil, ErrSequence
	}
	w.started = true
	return &ISEmpty{w: w}, nil
}

type handle struct {
	w    *Writer
	used bool
}

func (h *handle) writer() (*Writer, error) {
	if h == nil || h.w == nil || h.used {
		return nil, ErrSequence
	}
	return h.w, nil
}

func (h *handle) advance() *handle {
	h.used = true
	return &handle{w: h.w}
}

// Writer states, in order.
type (
	ISEmpty       handle
	ISHasMap      handle
	ISHasCits     handle
	ISHasPlayers  handle
	ISComplete    handle
	FileHasIS     handle
	FramesEmpty   handle
	FramesHasData handle
	FileHasFrames handle
)

// SetMap encodes the tile grid, items included, and optionally compresses it.
func (h *ISEmpty) SetMap(topo grid.Topology, size int, src grid.TileSource, compress bool) (*ISHasMap, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	c := grid.Codec{Topology: topo, Size: size, Items: true}
	raw, err := c.Encode(nil, src)
	if err != nil {
		return nil, err
	}
	if err := c.Check(raw); err != nil {
		return nil, err
	}
	w.ih.Topology, w.ih.Size = topo, uint8(size)
	w.ih.MapRawLen, w.ih.MapPackedLen = uint32(len(raw)), 0
	w.mapRaw = raw
	w.body = w.body[:0]
	if compress {
		s := w.scratch
		s.reset()
		if packed, ok := Compress(s.packed, raw); ok {
			w.ih.MapPackedLen = uint32(len(packed))
			w.body = append(w.body, packed...)
			s.packed = packed
		}
		s.reset()
	}
	if !w.ih.MapCompressed() {
		w.body = append(w.body, raw...)
	}
	return (*ISHasMap)((*handle)(h).advance()), nil
}

// SetCits records city positions in order. Cities are written with names
// when any of them has one. Region ids in the map must refer to these
// cities.
func (h *ISHasMap) SetCits(cits []Cit) (*ISHasCits, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	if len(cits) == 0 || len(cits) > MaxCits {
		return nil, formatErr("%d cities, want 1..%d", len(cits), MaxCits)
	}
	for i, c := range cits {
		if !grid.Contains(w.ih.Topology, int(w.ih.Size), c.Pos) {
			return nil, formatErr("city %d at %s lies outside the map", i, c.Pos)
		}
		if err := checkName("city", i, c.Name); err != nil {
			return nil, err
		}
	}
	codec := grid.Codec{Topology: w.ih.Topology, Size: int(w.ih.Size), Items: true, Regions: len(cits)}
	if err := codec.Check(w.mapRaw); err != nil {
		return nil, err
	}
	w.mapRaw = nil
	w.ih.Cits = uint8(len(cits))
	for _, c := range cits {
		w.body = append(w.body, uint8(c.Pos.X), uint8(c.Pos.Y))
	}
	w.ih.CitNamesLen = 0
	if citsNamed(cits) {
		n := len(w.body)
		for _, c := range cits {
			w.body = append(w.body, uint8(len(c.Name)))
			w.body = append(w.body, c.Name...)
		}
		w.ih.CitNamesLen = uint16(len(w.body) - n)
	}
	return (*ISHasCits)((*handle)(h).advance()), nil
}

// SetPlayers records player names in player id order.
func (h *ISHasCits) SetPlayers(names []string) (*ISHasPlayers, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	if err := checkPlayerCount(len(names)); err != nil {
		return nil, err
	}
	for i, s := range names {
		if err := checkName("player", i+1, s); err != nil {
			return nil, err
		}
	}
	n := len(w.body)
	w.body = appendNames(w.body, names)
	w.ih.Players = uint8(len(names))
	w.ih.PlayerDataLen = uint16(len(w.body) - n)
	return (*ISHasPlayers)((*handle)(h).advance()), nil
}

// SetPlayersAnonymous records only the player count.
func (h *ISHasCits) SetPlayersAnonymous(n int) (*ISHasPlayers, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	if err := checkPlayerCount(n); err != nil {
		return nil, err
	}
	w.ih.Players = uint8(n)
	w.ih.PlayerDataLen = 0
	return (*ISHasPlayers)((*handle)(h).advance()), nil
}

func checkPlayerCount(n int) error {
	if n < 1 || n > protocol.MaxPlayers {
		return formatErr("%d players, want 1..%d", n, protocol.MaxPlayers)
	}
	return nil
}

// SetRules stores the opaque rules block.
func (h *ISHasPlayers) SetRules(rules []byte) (*ISComplete, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	if uint64(len(rules)) > math.MaxUint32 {
		return nil, formatErr("rules block of %d bytes too large", len(rules))
	}
	w.ih.RulesLen = uint32(len(rules))
	w.body = append(w.body, rules...)
	return (*ISComplete)((*handle)(h).advance()), nil
}

func (h *ISComplete) FinishIS() (*FileHasIS, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	if err := w.ih.Validate(); err != nil {
		return nil, err
	}
	if len(w.body) != w.ih.BodyLen() {
		return nil, formatErr("IS body has %d bytes, header says %d", len(w.body), w.ih.BodyLen())
	}
	return (*FileHasIS)((*handle)(h).advance()), nil
}

// StartFrames opens the frame section. With compress set the section is
// LZ4-compressed as a whole when that makes it smaller.
func (h *FileHasIS) StartFrames(compress bool) (*FramesEmpty, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	w.compressFrames = compress
	if w.seeker != nil && !compress {
		if err := w.startStream(); err != nil {
			return nil, err
		}
	}
	return (*FramesEmpty)((*handle)(h).advance()), nil
}

// Finish writes a file with an empty frame section.
func (h *FileHasIS) Finish() error {
	w, err := (*handle)(h).writer()
	if err != nil {
		return err
	}
	(*handle)(h).used = true
	return w.finish()
}

func (h *FramesEmpty) AppendRaw(b []byte) (*FramesHasData, error) {
	return h.then(func(w *Writer) error { return w.appendRaw(b) })
}

func (h *FramesEmpty) AppendFrame(delta uint16, mask protocol.PlayerMask, payload []byte) (*FramesHasData, error) {
	return h.then(func(w *Writer) error { return w.appendFrame(delta, mask, payload) })
}

func (h *FramesEmpty) AppendHetero(delta uint16, mask protocol.PlayerMask, payloads *protocol.PlayerBuffers) (*FramesHasData, error) {
	return h.then(func(w *Writer) error { return w.appendHetero(delta, mask, payloads) })
}

func (h *FramesEmpty) AppendMsgs(delta uint16, mask protocol.PlayerMask, msgs []protocol.Msg) (*FramesHasData, error) {
	return h.then(func(w *Writer) error { return w.appendMsgs(delta, mask, msgs) })
}

func (h *FramesEmpty) then(fn func(*Writer) error) (*FramesHasData, error) {
	w, err := (*handle)(h).writer()
	if err != nil {
		return nil, err
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	return (*FramesHasData)((*handle)(h).advance()), nil
}

func (h *FramesEmpty) FinishFrames() (*FileHasFrames, error) {
	if _, err := (*handle)(h).writer(); err != nil {
		return nil, err
	}
	return (*FileHasFrames)((*handle)(h).advance()), nil
}

// AppendRaw appends already encoded frames. They are validated first.
func (h *FramesHasData) AppendRaw(b []byte) error {
	return h.do(func(w *Writer) error { return w.appendRaw(b) })
}

// AppendFrame appends a homogeneous frame shared by every player in mask.
// An empty mask addresses spectators only.
func (h *FramesHasData) AppendFrame(delta uint16, mask protocol.PlayerMask, payload []byte) error {
	return h.do(func(w *Writer) error { return w.appendFrame(delta, mask, payload) })
}

// AppendHetero appends a frame carrying payloads[p] for every p in mask.
func (h *FramesHasData) AppendHetero(delta uint16, mask protocol.PlayerMask, payloads *protocol.PlayerBuffers) error {
	return h.do(func(w *Writer) error { return w.appendHetero(delta, mask, payloads) })
}

// AppendMsgs binary-encodes msgs into as many homogeneous frames as needed.
// Continuation frames carry a delta of zero.
func (h *FramesHasData) AppendMsgs(delta uint16, mask protocol.PlayerMask, msgs []protocol.Msg) error {
	return h.do(func(w *Writer) error { return w.appendMsgs(delta, mask, msgs) })
}

func (h *FramesHasData) do(fn func(*Writer) error) error {
	w, err := (*handle)(h).writer()
	if err != nil {
		return err
	}
	return fn(w)
}

func (h *FramesHasData) FinishFrames() (*FileHasFrames, error) {
	if _, err := (*handle)(h).writer(); err != nil {
		return nil, err
	}
	return (*FileHasFrames)((*handle)(h).advance()), nil
}

// Finish computes every checksum and writes out whatever is still buffered.
func (h *FileHasFrames) Finish() error {
	w, err := (*handle)(h).writer()
	if err != nil {
		return err
	}
	(*handle)(h).used = true
	return w.finish()
}

func (w *Writer) appendRaw(b []byte) error {
	if err := ParseFrames(b, func(Frame) error { return nil }); err != nil {
		return err
	}
	return w.emit(b)
}

func (w *Writer) appendFrame(delta uint16, mask protocol.PlayerMask, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return formatErr("frame payload of %d bytes exceeds %d", len(payload), MaxFrameLen)
	}
	fh := FrameHeader{Delta: delta, Players: mask, Len: uint16(len(payload))}
	if err := w.emit(fh.Append(w.hdr[:0])); err != nil {
		return err
	}
	return w.emit(payload)
}

func (w *Writer) appendHetero(delta uint16, mask protocol.PlayerMask, payloads *protocol.PlayerBuffers) error {
	if mask.Empty() {
		return formatErr("heterogeneous frame selects no player")
	}
	total := 0
	for _, p := range mask.Players() {
		if len(payloads[p]) > MaxFrameLen {
			return formatErr("payload for player %d exceeds %d bytes", p, MaxFrameLen)
		}
		total += 2 + len(payloads[p])
	}
	if total > MaxFrameLen {
		return formatErr("heterogeneous frame of %d bytes exceeds %d", total, MaxFrameLen)
	}
	fh := FrameHeader{Delta: delta, Players: mask, Heterogeneous: true, Len: uint16(total)}
	if err := w.emit(fh.Append(w.hdr[:0])); err != nil {
		return err
	}
	for _, p := range mask.Players() {
		if err := w.emit(be.AppendUint16(w.hdr[:0], uint16(len(payloads[p])))); err != nil {
			return err
		}
		if err := w.emit(payloads[p]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) appendMsgs(delta uint16, mask protocol.PlayerMask, msgs []protocol.Msg) error {
	// Validate the whole batch first so a split batch never leaves some of
	// its frames behind.
	for i, m := range msgs {
		if err := protocol.Validate(m); err != nil {
			return &SectionError{Section: SectionFrames, Err: fmt.Errorf("message %d: %w", i, err)}
		}
	}
	if len(msgs) == 0 {
		return w.appendFrame(delta, mask, nil)
	}
	s := w.scratch
	s.reset()
	defer s.reset()
	_, err := protocol.WriteAll(protocol.Binary{}, msgs, MaxFrameLen, s.raw, func(chunk []byte) error {
		err := w.appendFrame(delta, mask, chunk)
		delta = 0
		return err
	})
	return err
}

func (w *Writer) emit(b []byte) error {
	if w.framesLen+int64(len(b)) > math.MaxUint32 {
		return formatErr("frame section exceeds %d bytes", uint32(math.MaxUint32))
	}
	w.framesLen += int64(len(b))
	w.frames = append(w.frames, b...)
	if w.stream != nil && len(w.frames) >= streamFlush {
		return w.flushStream()
	}
	return nil
}

func (w *Writer) startStream() error {
	base, err := w.seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	// Placeholder: lengths and checksums are patched by finishStream.
	hdr := appendHeaders(make([]byte, 0, HeaderSize), FileHeader{Version: FormatVersion}, w.ih)
	if _, err := w.w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.w.Write(w.body); err != nil {
		return err
	}
	w.stream = &frameStream{base: base, digest: xxhash.New()}
	return nil
}

func (w *Writer) flushStream() error {
	_, _ = w.stream.digest.Write(w.frames)
	_, err := w.w.Write(w.frames)
	w.frames = w.frames[:0]
	return err
}

func (w *Writer) finish() error {
	if w.stream != nil {
		return w.finishStream()
	}
	s := w.scratch
	s.reset()
	defer s.reset()

	fh := FileHeader{Version: FormatVersion, FramesRawLen: uint32(len(w.frames))}
	stored := w.frames
	if w.compressFrames {
		if packed, ok := Compress(s.packed, w.frames); ok {
			stored = packed
			fh.FramesPackedLen = uint32(len(packed))
			s.packed = packed
		}
	}
	fh.ChecksumIS = Checksum(w.body)
	fh.ChecksumFrames = Checksum(stored)
	hdr := appendHeaders(make([]byte, 0, HeaderSize), fh, w.ih)
	for _, b := range [][]byte{hdr, w.body, stored} {
		if _, err := w.w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) finishStream() error {
	if err := w.flushStream(); err != nil {
		return err
	}
	fh := FileHeader{
		Version:        FormatVersion,
		ChecksumIS:     Checksum(w.body),
		ChecksumFrames: w.stream.digest.Sum64(),
		FramesRawLen:   uint32(w.framesLen),
	}
	end, err := w.seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.seeker.Seek(w.stream.base, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(appendHeaders(make([]byte, 0, HeaderSize), fh, w.ih)[:FileHeaderSize]); err != nil {
		return err
	}
	_, err = w.seeker.Seek(end, io.SeekStart)
	return err
}

// WriteIS runs every IS step from d in order.
func WriteIS(w *Writer, d *ISData, compressMap bool) (*FileHasIS, error) {
	empty, err := w.StartIS()
	if err != nil {
		return nil, err
	}
	withMap, err := empty.SetMap(d.Map.Topology(), d.Map.Size(), d.Map, compressMap)
	if err != nil {
		return nil, err
	}
	withCits, err := withMap.SetCits(d.Cits)
	if err != nil {
		return nil, err
	}
	var withPlayers *ISHasPlayers
	if d.Anonymized() {
		withPlayers, err = withCits.SetPlayersAnonymous(d.NumPlayers)
	} else {
		withPlayers, err = withCits.SetPlayers(d.Players)
	}
	if err != nil {
		return nil, err
	}
	complete, err := withPlayers.SetRules(d.Rules)
	if err != nil {
		return nil, err
	}
	return complete.FinishIS()
}
