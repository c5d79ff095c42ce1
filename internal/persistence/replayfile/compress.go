package replayfile

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Compress appends the LZ4 block encoding of raw to dst. It reports false,
// leaving dst unchanged, when compression would not make raw smaller; the
// section must then be stored raw.
func Compress(dst, raw []byte) ([]byte, bool) {
	if len(raw) == 0 {
		return dst, false
	}
	off := len(dst)
	dst = grow(dst, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst[off:], nil)
	if err != nil || n == 0 || n >= len(raw) {
		return dst[:off], false
	}
	return dst[:off+n], true
}

// Decompress appends exactly rawLen decoded bytes to dst. Corrupt input or
// any other decoded length fails with ErrCompression.
func Decompress(dst, packed []byte, rawLen int) ([]byte, error) {
	if rawLen == 0 {
		if len(packed) != 0 {
			return dst, fmt.Errorf("%w: %d packed bytes for empty section", ErrCompression, len(packed))
		}
		return dst, nil
	}
	off := len(dst)
	dst = grow(dst, rawLen)
	n, err := lz4.UncompressBlock(packed, dst[off:])
	if err != nil {
		return dst[:off], fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if n != rawLen {
		return dst[:off], fmt.Errorf("%w: decoded %d bytes, want %d", ErrCompression, n, rawLen)
	}
	return dst, nil
}

// Scratch holds staging buffers for compression and map coding. Reuse one
// Scratch across many files to avoid allocations; it must not be shared
// between goroutines. The package empties it before each use; a compressed
// frame section read through it stays staged there until the next use.
type Scratch struct {
	raw    []byte
	packed []byte
}

func (s *Scratch) reset() {
	s.raw = s.raw[:0]
	s.packed = s.packed[:0]
}

func orNew(s *Scratch) *Scratch {
	if s == nil {
		return new(Scratch)
	}
	return s
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	out := make([]byte, len(b)+n, 2*len(b)+n)
	copy(out, b)
	return out
}
