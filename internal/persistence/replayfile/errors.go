package replayfile

import (
	"errors"
	"fmt"
)

var (
	ErrFormat      = errors.New("replayfile: malformed file")
	ErrVersion     = errors.New("replayfile: unsupported format version")
	ErrChecksum    = errors.New("replayfile: checksum mismatch")
	ErrCompression = errors.New("replayfile: corrupt compressed data")
	ErrSequence    = errors.New("replayfile: operation out of sequence")
)

// Section names a checksummed or compressed region of a file.
type Section string

const (
	SectionHeader Section = "header"
	SectionIS     Section = "init-sequence"
	SectionMap    Section = "map"
	SectionFrames Section = "frames"
)

// SectionError attributes a failure to one section of the file.
type SectionError struct {
	Section Section
	Err     error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("%s section: %v", e.Section, e.Err)
}

func (e *SectionError) Unwrap() error { return e.Err }

// ChecksumError reports a section whose stored checksum does not match its
// bytes. It matches ErrChecksum with errors.Is.
type ChecksumError struct {
	Section Section
	Want    uint64
	Got     uint64
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s section: checksum mismatch: stored %016x, computed %016x", e.Section, e.Want, e.Got)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksum }

func formatErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrFormat}, args...)...)
}

func fmtVersionErr(v [4]uint8) error {
	w := FormatVersion
	return fmt.Errorf("%w: file has %d.%d.%d.%d, want %d.%d.%d.%d",
		ErrVersion, v[0], v[1], v[2], v[3], w[0], w[1], w[2], w[3])
}
