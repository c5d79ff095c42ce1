package replayfile

import (
	"encoding/binary"
	"math"

	"tilewars.ai/internal/grid"
	"tilewars.ai/internal/protocol"
)

const (
	Magic = "TWRF"

	FileHeaderSize  = 40
	ISHeaderSize    = 20
	HeaderSize      = FileHeaderSize + ISHeaderSize
	FrameHeaderSize = 5

	MaxCits    = 16
	MaxNameLen = math.MaxUint8
	// MaxFrameLen bounds the bytes that follow one frame header.
	MaxFrameLen = math.MaxUint16
)

// FormatVersion is the only version this package reads or writes.
var FormatVersion = [4]uint8{1, 0, 0, 0}

const (
	offVersion        = 4
	offChecksumHeader = 8
	offChecksumIS     = 16
	offChecksumFrames = 24
	offFramesPacked   = 32
	offFramesRaw      = 36
)

var be = binary.BigEndian

// FileHeader is the fixed prefix of every file.
type FileHeader struct {
	Version        [4]uint8
	ChecksumHeader uint64
	ChecksumIS     uint64
	ChecksumFrames uint64
	// FramesPackedLen is the stored length of the compressed frame section,
	// or 0 when frames are stored uncompressed.
	FramesPackedLen uint32
	FramesRawLen    uint32
}

func (h FileHeader) FramesCompressed() bool { return h.FramesPackedLen != 0 }

// FramesStoredLen is the number of frame section bytes present in the file.
func (h FileHeader) FramesStoredLen() int {
	if h.FramesCompressed() {
		return int(h.FramesPackedLen)
	}
	return int(h.FramesRawLen)
}

func (h FileHeader) Append(b []byte) []byte {
	b = append(b, Magic...)
	b = append(b, h.Version[:]...)
	b = be.AppendUint64(b, h.ChecksumHeader)
	b = be.AppendUint64(b, h.ChecksumIS)
	b = be.AppendUint64(b, h.ChecksumFrames)
	b = be.AppendUint32(b, h.FramesPackedLen)
	b = be.AppendUint32(b, h.FramesRawLen)
	return b
}

func (h FileHeader) Validate() error {
	if h.Version != FormatVersion {
		return fmtVersionErr(h.Version)
	}
	if h.FramesPackedLen > h.FramesRawLen {
		return formatErr("compressed frame length %d exceeds raw length %d", h.FramesPackedLen, h.FramesRawLen)
	}
	return nil
}

func parseFileHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	if len(b) < FileHeaderSize {
		return h, formatErr("file header truncated at %d bytes", len(b))
	}
	if string(b[:offVersion]) != Magic {
		return h, formatErr("bad magic %q", b[:offVersion])
	}
	copy(h.Version[:], b[offVersion:offChecksumHeader])
	h.ChecksumHeader = be.Uint64(b[offChecksumHeader:])
	h.ChecksumIS = be.Uint64(b[offChecksumIS:])
	h.ChecksumFrames = be.Uint64(b[offChecksumFrames:])
	h.FramesPackedLen = be.Uint32(b[offFramesPacked:])
	h.FramesRawLen = be.Uint32(b[offFramesRaw:])
	return h, h.Validate()
}

// ISHeader describes the init-sequence body: map, cities, players and rules.
type ISHeader struct {
	Topology grid.Topology
	Size     uint8
	Players  uint8
	Cits     uint8
	// MapPackedLen is 0 when map data is stored uncompressed.
	MapPackedLen uint32
	MapRawLen    uint32
	// CitNamesLen is 0 when cities are unnamed.
	CitNamesLen uint16
	// PlayerDataLen is 0 when player names are anonymized.
	PlayerDataLen uint16
	RulesLen      uint32
}

func (h ISHeader) MapCompressed() bool { return h.MapPackedLen != 0 }
func (h ISHeader) Anonymized() bool    { return h.PlayerDataLen == 0 }

func (h ISHeader) MapStoredLen() int {
	if h.MapCompressed() {
		return int(h.MapPackedLen)
	}
	return int(h.MapRawLen)
}

// BodyLen is the length of the IS body that follows the headers.
func (h ISHeader) BodyLen() int {
	return h.MapStoredLen() + 2*int(h.Cits) + int(h.CitNamesLen) + int(h.PlayerDataLen) + int(h.RulesLen)
}

func (h ISHeader) Append(b []byte) []byte {
	b = append(b, uint8(h.Topology), h.Size, h.Players, h.Cits)
	b = be.AppendUint32(b, h.MapPackedLen)
	b = be.AppendUint32(b, h.MapRawLen)
	b = be.AppendUint16(b, h.CitNamesLen)
	b = be.AppendUint16(b, h.PlayerDataLen)
	b = be.AppendUint32(b, h.RulesLen)
	return b
}

func (h ISHeader) Validate() error {
	switch {
	case !h.Topology.Valid():
		return formatErr("unknown topology %d", uint8(h.Topology))
	case int(h.Size) > grid.MaxSize:
		return formatErr("map size %d exceeds %d", h.Size, grid.MaxSize)
	case h.Players == 0 || int(h.Players) > protocol.MaxPlayers:
		return formatErr("player count %d out of range 1..%d", h.Players, protocol.MaxPlayers)
	case h.Cits == 0 || h.Cits > MaxCits:
		return formatErr("city count %d out of range 1..%d", h.Cits, MaxCits)
	}
	if want := 2 * grid.MapArea(h.Topology, int(h.Size)); int(h.MapRawLen) != want {
		return formatErr("map length %d, want %d for %s size %d", h.MapRawLen, want, h.Topology, h.Size)
	}
	if h.MapPackedLen > h.MapRawLen {
		return formatErr("compressed map length %d exceeds raw length %d", h.MapPackedLen, h.MapRawLen)
	}
	// Every name entry carries at least its length byte.
	if h.CitNamesLen != 0 && int(h.CitNamesLen) < int(h.Cits) {
		return formatErr("city name block of %d bytes cannot hold %d names", h.CitNamesLen, h.Cits)
	}
	if h.PlayerDataLen != 0 && int(h.PlayerDataLen) < int(h.Players) {
		return formatErr("player block of %d bytes cannot hold %d names", h.PlayerDataLen, h.Players)
	}
	return nil
}

func parseISHeader(b []byte) (ISHeader, error) {
	var h ISHeader
	if len(b) < ISHeaderSize {
		return h, formatErr("IS header truncated at %d bytes", len(b))
	}
	h.Topology = grid.Topology(b[0])
	h.Size, h.Players, h.Cits = b[1], b[2], b[3]
	h.MapPackedLen = be.Uint32(b[4:])
	h.MapRawLen = be.Uint32(b[8:])
	h.CitNamesLen = be.Uint16(b[12:])
	h.PlayerDataLen = be.Uint16(b[14:])
	h.RulesLen = be.Uint32(b[16:])
	return h, h.Validate()
}

// Headers is the fixed-size metadata at the start of a file.
type Headers struct {
	File FileHeader
	IS   ISHeader
}

// ReadHeaders parses and validates the HeaderSize-byte prefix of a file.
// It does not verify the header checksum.
func ReadHeaders(prefix []byte) (Headers, error) {
	var hs Headers
	var err error
	if len(prefix) < HeaderSize {
		return hs, formatErr("need %d header bytes, have %d", HeaderSize, len(prefix))
	}
	if hs.File, err = parseFileHeader(prefix); err != nil {
		return hs, &SectionError{Section: SectionHeader, Err: err}
	}
	if hs.IS, err = parseISHeader(prefix[FileHeaderSize:]); err != nil {
		return hs, &SectionError{Section: SectionHeader, Err: err}
	}
	return hs, nil
}

// appendHeaders encodes both headers and fills in the header checksum.
func appendHeaders(b []byte, fh FileHeader, ih ISHeader) []byte {
	off := len(b)
	b = fh.Append(b)
	b = ih.Append(b)
	sum := headerChecksum(b[off:off+FileHeaderSize], b[off+FileHeaderSize:])
	be.PutUint64(b[off+offChecksumHeader:], sum)
	return b
}

const heterogeneousBit = 0x80

// FrameHeader precedes every frame in the frame section.
type FrameHeader struct {
	// Delta is the number of ticks since the previous frame.
	Delta   uint16
	Players protocol.PlayerMask
	// Heterogeneous frames carry one length-prefixed payload per selected
	// player instead of a single shared payload.
	Heterogeneous bool
	Len           uint16
}

func (h FrameHeader) Append(b []byte) []byte {
	mask := uint8(h.Players & protocol.MaskAll)
	if h.Heterogeneous {
		mask |= heterogeneousBit
	}
	b = be.AppendUint16(b, h.Delta)
	b = append(b, mask)
	return be.AppendUint16(b, h.Len)
}

func parseFrameHeader(b []byte) FrameHeader {
	return FrameHeader{
		Delta:         be.Uint16(b),
		Players:       protocol.PlayerMask(b[2]) & protocol.MaskAll,
		Heterogeneous: b[2]&heterogeneousBit != 0,
		Len:           be.Uint16(b[3:]),
	}
}
