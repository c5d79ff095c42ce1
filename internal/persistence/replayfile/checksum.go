package replayfile

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

// Checksum is the integrity hash used for every section. It is not keyed and
// offers no authenticity.
func Checksum(b []byte) uint64 { return xxhash.Sum64(b) }

// Verify compares the checksum of b with want.
func Verify(section Section, want uint64, b []byte) error {
	if got := Checksum(b); got != want {
		return &ChecksumError{Section: section, Want: want, Got: got}
	}
	return nil
}

// headerChecksum covers the file header minus its own checksum field,
// followed by the whole IS header.
func headerChecksum(fileHdr, isHdr []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(fileHdr[:offChecksumHeader])
	_, _ = d.Write(fileHdr[offChecksumIS:FileHeaderSize])
	_, _ = d.Write(isHdr[:ISHeaderSize])
	return d.Sum64()
}

// ChecksumReport is the per-section outcome of a full verification. A nil
// field means the section verified.
type ChecksumReport struct {
	Header error
	IS     error
	Frames error
}

func (r ChecksumReport) OK() bool { return r.Header == nil && r.IS == nil && r.Frames == nil }

// Malformed reports whether any section was truncated or otherwise
// unreadable, as opposed to merely failing its checksum.
func (r ChecksumReport) Malformed() bool {
	return errors.Is(r.Header, ErrFormat) || errors.Is(r.IS, ErrFormat) || errors.Is(r.Frames, ErrFormat)
}

// Err joins every failed section, or returns nil.
func (r ChecksumReport) Err() error {
	if r.OK() {
		return nil
	}
	return errors.Join(r.Header, r.IS, r.Frames)
}
